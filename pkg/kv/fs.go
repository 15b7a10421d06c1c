package kv

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// FSStore keeps one file per key under <fsPath>/<namespace>/.
type FSStore struct {
	logger *zap.Logger
	lock   *sync.RWMutex
	fsPath string
}

func NewFSStore(logger *zap.Logger, fsPath string) *FSStore {
	return &FSStore{
		logger: logger.Named("kv-fs"),
		lock:   new(sync.RWMutex),
		fsPath: fsPath,
	}
}

func (s *FSStore) Start(ctx context.Context, g *errgroup.Group) error {
	for ns := range namespaces {
		if err := os.MkdirAll(filepath.Join(s.fsPath, ns), 0755); err != nil {
			return err
		}
	}
	s.logger.Info("store ready", zap.String("path", s.fsPath))
	return nil
}

func (s *FSStore) path(ns Namespace, key string) string {
	return filepath.Join(s.fsPath, string(ns), escapeKey(key))
}

func (s *FSStore) Get(ctx context.Context, ns Namespace, key string) (string, error) {
	s.lock.RLock()
	defer s.lock.RUnlock()

	b, err := os.ReadFile(s.path(ns, key))
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (s *FSStore) Set(ctx context.Context, ns Namespace, key string, value string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	path := s.path(ns, key)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}

	// Write then rename so readers never see a partial value.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(value), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FSStore) Delete(ctx context.Context, ns Namespace, key string) error {
	s.lock.Lock()
	defer s.lock.Unlock()

	err := os.Remove(s.path(ns, key))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}
