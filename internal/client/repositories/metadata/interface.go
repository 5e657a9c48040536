// Package metadata is the persistent key/value store the client keeps its
// credential and cached preferences in.
package metadata

import (
	"context"
)

// Repository is a flat byte-valued key/value store. Get returns (nil, nil)
// for a missing key; deleting a missing key is not an error.
type Repository interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	DeleteMany(ctx context.Context, keys []string) error
	Keys(ctx context.Context, prefix string) ([]string, error)
	Clear(ctx context.Context) error
}
