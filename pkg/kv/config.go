package kv

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type Type string

const (
	TypeInMemory      Type = "InMemory"
	TypeFS            Type = "FS"
	TypeKubeConfigMap Type = "KubeConfigMap"
)

type Config struct {
	Type          Type   `toml:"type" validate:"required,oneof=InMemory FS KubeConfigMap"`
	FSPath        string `toml:"fsPath,omitempty" validate:"required_if=Type FS"`
	KubeNamespace string `toml:"kubeNamespace,omitempty" validate:"required_if=Type KubeConfigMap"`
}

// ModuleStore is a Store that needs to be started before use.
type ModuleStore interface {
	Store
	Start(ctx context.Context, g *errgroup.Group) error
}

func NewStore(logger *zap.Logger, config *Config) (ModuleStore, error) {
	switch config.Type {
	case TypeInMemory:
		return NewInMemoryStore(), nil

	case TypeFS:
		return NewFSStore(logger, config.FSPath), nil

	case TypeKubeConfigMap:
		return NewKubeConfigMapStore(logger, config.KubeNamespace)
	}
	return nil, fmt.Errorf("invalid kv store type: %s", config.Type)
}
