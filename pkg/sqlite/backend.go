// Package sqlite provides the public API for the SQLite deepdecipher store.
// It exposes the constructors and keeps the implementation internal.
package sqlite

import (
	"context"

	"github.com/mesh-intelligence/deepdecipher/internal/sqlite"
	"github.com/mesh-intelligence/deepdecipher/pkg/types"
)

// Initialize creates a new store at cfg.Path and returns it open.
//
// Example:
//
//	db, err := sqlite.Initialize(ctx, types.Config{Path: "neurons.db"})
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Initialize(ctx context.Context, cfg types.Config) (types.Database, error) {
	b, err := sqlite.Initialize(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// Open opens an existing store at cfg.Path.
func Open(ctx context.Context, cfg types.Config) (types.Database, error) {
	b, err := sqlite.Open(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return b, nil
}
