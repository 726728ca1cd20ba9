// Package localstore defines the narrow local key/value persistence
// primitive ganon consumes (spec.md §1: "the local key/value store is an
// external collaborator"). Ganon ships no production implementation — only
// this interface and an in-memory reference used by tests.
package localstore

import "context"

// Store is the local typed key/value primitive ganon reads from and writes
// to. Values are opaque to ganon beyond what dataproc validates.
type Store interface {
	Get(ctx context.Context, key string) (interface{}, bool, error)
	Set(ctx context.Context, key string, value interface{}) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
}
