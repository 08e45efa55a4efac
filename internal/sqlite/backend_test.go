// Lifecycle tests: initialize, open, close and reopen.
package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/deepdecipher/pkg/types"
)

// setupBackend initializes a fresh store in a temp dir and closes it when
// the test ends.
func setupBackend(t *testing.T, opts ...func(*types.Config)) *Backend {
	t.Helper()
	cfg := types.Config{Path: filepath.Join(t.TempDir(), "store.db")}
	for _, opt := range opts {
		opt(&cfg)
	}
	b, err := Initialize(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

// setupModel registers model "m" (2 layers of 4 neurons) with the json data
// type "t" attached.
func setupModel(t *testing.T, b *Backend) {
	t.Helper()
	ctx := context.Background()
	_, err := b.RegisterModel(ctx, testMetadata("m", 2, 4))
	require.NoError(t, err)
	_, err = b.RegisterDataType(ctx, "t", types.KindJSON)
	require.NoError(t, err)
	require.NoError(t, b.AttachDataType(ctx, "m", "t"))
}

func testMetadata(name string, layers, neurons uint32) types.ModelMetadata {
	return types.ModelMetadata{
		Name:               name,
		NumLayers:          layers,
		NeuronsPerLayer:    neurons,
		ActivationFunction: "gelu",
		NumTotalParameters: 1000,
		Dataset:            "pile",
	}
}

func TestInitialize(t *testing.T) {
	ctx := context.Background()

	t.Run("creates store with metadata service", func(t *testing.T) {
		b := setupBackend(t)
		desc, ok, err := b.LookupService(ctx, types.MetadataService)
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, types.ProviderMetadata, desc.Provider)
		assert.Empty(t, desc.DataTypes)
	})

	t.Run("creates missing parent directories", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "a", "b", "store.db")
		b, err := Initialize(ctx, types.Config{Path: path})
		require.NoError(t, err)
		require.NoError(t, b.Close())
		assert.FileExists(t, path)
	})

	t.Run("existing path fails", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "store.db")
		require.NoError(t, os.WriteFile(path, []byte("x"), 0644))
		_, err := Initialize(ctx, types.Config{Path: path})
		assert.ErrorIs(t, err, types.ErrAlreadyExists)

		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.Equal(t, "x", string(data), "existing file must be left alone")
	})

	t.Run("invalid config fails", func(t *testing.T) {
		_, err := Initialize(ctx, types.Config{})
		assert.ErrorIs(t, err, types.ErrPathEmpty)

		_, err = Initialize(ctx, types.Config{Path: filepath.Join(t.TempDir(), "s.db"), Compression: "brotli"})
		assert.ErrorIs(t, err, types.ErrCompressionUnknown)
	})

	t.Run("applies defaults", func(t *testing.T) {
		b := setupBackend(t)
		cfg := b.Config()
		assert.Equal(t, types.DefaultCompression, cfg.Compression)
		assert.Equal(t, types.DefaultBatchSize, cfg.BatchSize)
		assert.Equal(t, types.DefaultBusyTimeout, cfg.BusyTimeout)
		assert.Equal(t, types.DeleteCascade, cfg.DeletePolicy)
	})
}

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("missing path", func(t *testing.T) {
		_, err := Open(ctx, types.Config{Path: filepath.Join(t.TempDir(), "nope.db")})
		assert.ErrorIs(t, err, types.ErrNotFound)
	})

	t.Run("directory", func(t *testing.T) {
		_, err := Open(ctx, types.Config{Path: t.TempDir()})
		assert.ErrorIs(t, err, types.ErrCorrupt)
	})

	t.Run("not a database", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "junk.db")
		require.NoError(t, os.WriteFile(path, []byte("this is not a sqlite file at all, just text padding it out"), 0644))
		_, err := Open(ctx, types.Config{Path: path})
		assert.ErrorIs(t, err, types.ErrCorrupt)
	})

	t.Run("sqlite file of another application", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "other.db")
		b, err := newBackend(types.Config{Path: path}.WithDefaults())
		require.NoError(t, err)
		_, err = b.db.ExecContext(ctx, "CREATE TABLE store_info (key TEXT PRIMARY KEY, value TEXT)")
		require.NoError(t, err)
		_, err = b.db.ExecContext(ctx, "INSERT INTO store_info VALUES ('application', 'other')")
		require.NoError(t, err)
		require.NoError(t, b.db.Close())

		_, err = Open(ctx, types.Config{Path: path})
		assert.ErrorIs(t, err, types.ErrCorrupt)
	})

	t.Run("verify integrity on healthy store", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "store.db")
		b, err := Initialize(ctx, types.Config{Path: path})
		require.NoError(t, err)
		require.NoError(t, b.Close())

		b, err = Open(ctx, types.Config{Path: path, VerifyIntegrity: true})
		require.NoError(t, err)
		require.NoError(t, b.Close())
	})
}

func TestReopenPreservesState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")

	b, err := Initialize(ctx, types.Config{Path: path})
	require.NoError(t, err)
	setupModel(t, b)
	require.NoError(t, b.Write(ctx, "m", "t", types.NeuronIndex(1, 3), []byte(`{"v":2}`)))
	_, err = b.RegisterService(ctx, types.ServiceDescriptor{Name: "s", Provider: types.ProviderJSON, DataTypes: []string{"t"}})
	require.NoError(t, err)
	require.NoError(t, b.Close())

	b, err = Open(ctx, types.Config{Path: path})
	require.NoError(t, err)
	defer b.Close()

	m, ok, err := b.LookupModel(ctx, "m")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, testMetadata("m", 2, 4), m.Metadata)

	attached, err := b.HasDataType(ctx, "m", "t")
	require.NoError(t, err)
	assert.True(t, attached)

	data, ok, err := b.Read(ctx, "m", "t", types.NeuronIndex(1, 3))
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"v":2}`, string(data))

	desc, ok, err := b.LookupService(ctx, "s")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"t"}, desc.DataTypes)
}

func TestClose(t *testing.T) {
	ctx := context.Background()
	b := setupBackend(t)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close(), "close is idempotent")

	_, err := b.RegisterModel(ctx, testMetadata("m", 1, 1))
	assert.ErrorIs(t, err, types.ErrClosed)
	_, _, err = b.Read(ctx, "m", "t", types.ModelIndex())
	assert.ErrorIs(t, err, types.ErrClosed)
	assert.ErrorIs(t, b.Write(ctx, "m", "t", types.ModelIndex(), []byte(`{}`)), types.ErrClosed)
	_, err = b.Models(ctx)
	assert.ErrorIs(t, err, types.ErrClosed)
	_, err = b.BulkWrite(ctx, "m", "t", func(func(types.Index, []byte) bool) {})
	assert.ErrorIs(t, err, types.ErrClosed)
	assert.ErrorIs(t, b.Snapshot(ctx, filepath.Join(t.TempDir(), "snap.db")), types.ErrClosed)
}

func TestDSN(t *testing.T) {
	got := dsn("/tmp/x.db", types.DefaultBusyTimeout)
	assert.Contains(t, got, "/tmp/x.db?")
	assert.Contains(t, got, "busy_timeout%285000%29")
	assert.Contains(t, got, "journal_mode%28WAL%29")
	assert.Contains(t, got, "_txlock=immediate")
}
