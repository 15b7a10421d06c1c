package kv

import "context"

// Store keeps string values by namespace and key. Missing keys read as the
// empty string.
type Store interface {
	Get(ctx context.Context, ns Namespace, key string) (string, error)
	Set(ctx context.Context, ns Namespace, key string, value string) error
	Delete(ctx context.Context, ns Namespace, key string) error
}

var namespaces map[string]struct{} = make(map[string]struct{})

type Namespace string

func RegisterNamespace(ns string) Namespace {
	namespaces[ns] = struct{}{}
	return Namespace(ns)
}
