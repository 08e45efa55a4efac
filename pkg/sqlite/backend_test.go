package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/deepdecipher/pkg/types"
)

func TestInitializeThenOpen(t *testing.T) {
	ctx := context.Background()
	cfg := types.Config{Path: filepath.Join(t.TempDir(), "neurons.db")}

	db, err := Initialize(ctx, cfg)
	require.NoError(t, err)
	_, err = db.RegisterModel(ctx, types.ModelMetadata{Name: "m", NumLayers: 1, NeuronsPerLayer: 1})
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(ctx, cfg)
	require.NoError(t, err)
	defer db.Close()
	_, ok, err := db.LookupModel(ctx, "m")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOpenMissingReturnsNilDatabase(t *testing.T) {
	db, err := Open(context.Background(), types.Config{Path: filepath.Join(t.TempDir(), "x.db")})
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Nil(t, db)
}
