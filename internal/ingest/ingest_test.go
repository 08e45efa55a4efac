package ingest

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/deepdecipher/internal/sqlite"
	"github.com/mesh-intelligence/deepdecipher/pkg/types"
)

// setupStore returns a store with model "m" (2x4) and the json type "t" and
// blob type "b" attached.
func setupStore(t *testing.T) *sqlite.Backend {
	t.Helper()
	ctx := context.Background()
	b, err := sqlite.Initialize(ctx, types.Config{Path: filepath.Join(t.TempDir(), "store.db"), BatchSize: 3})
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	_, err = b.RegisterModel(ctx, types.ModelMetadata{Name: "m", NumLayers: 2, NeuronsPerLayer: 4})
	require.NoError(t, err)
	for name, kind := range map[string]types.PayloadKind{"t": types.KindJSON, "b": types.KindBlob} {
		_, err = b.RegisterDataType(ctx, name, kind)
		require.NoError(t, err)
		require.NoError(t, b.AttachDataType(ctx, "m", name))
	}
	return b
}

func neuronLines() string {
	var sb strings.Builder
	for flat := range uint32(8) {
		idx := types.IndexFromFlat(4, flat)
		fmt.Fprintf(&sb, "{\"index\":%q,\"data\":{\"flat\":%d}}\n", idx, flat)
		if flat == 3 {
			sb.WriteString("\n")
		}
	}
	return sb.String()
}

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("json rows", func(t *testing.T) {
		db := setupStore(t)
		stats, err := New(db, Options{Workers: 3}).Load(ctx, "m", "t", strings.NewReader(neuronLines()))
		require.NoError(t, err)
		assert.Equal(t, 8, stats.Rows)
		assert.Positive(t, stats.Bytes)
		assert.Equal(t, uuid.Version(7), stats.RunID.Version())

		missing, err := db.MissingItems(ctx, "m", "t", types.GranularityNeuron)
		require.NoError(t, err)
		assert.Empty(t, missing)

		data, ok, err := db.Read(ctx, "m", "t", types.NeuronIndex(1, 2))
		require.NoError(t, err)
		require.True(t, ok)
		assert.JSONEq(t, `{"flat":6}`, string(data))
	})

	t.Run("base64 blobs and shorthand indices", func(t *testing.T) {
		db := setupStore(t)
		input := `{"index":"model","data_base64":"AAEC"}
{"index":"1","data_base64":"/w=="}
{"index":"0_3","data":"text"}
`
		stats, err := New(db, Options{Workers: 1}).Load(ctx, "m", "b", strings.NewReader(input))
		require.NoError(t, err)
		assert.Equal(t, 3, stats.Rows)

		data, ok, err := db.Read(ctx, "m", "b", types.ModelIndex())
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte{0, 1, 2}, data)

		data, ok, err = db.Read(ctx, "m", "b", types.LayerIndex(1))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, []byte{0xff}, data)

		data, ok, err = db.Read(ctx, "m", "b", types.NeuronIndex(0, 3))
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, `"text"`, string(data))
	})

	t.Run("rate limited", func(t *testing.T) {
		db := setupStore(t)
		stats, err := New(db, Options{Workers: 2, Rate: 1000}).Load(ctx, "m", "t", strings.NewReader(neuronLines()))
		require.NoError(t, err)
		assert.Equal(t, 8, stats.Rows)
	})

	t.Run("empty input", func(t *testing.T) {
		db := setupStore(t)
		stats, err := New(db, Options{}).Load(ctx, "m", "t", strings.NewReader("\n\n"))
		require.NoError(t, err)
		assert.Zero(t, stats.Rows)
	})
}

func TestLoadErrors(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name    string
		input   string
		wantErr error
		wantMsg string
	}{
		{"not json", "{\"index\":\"l0n0\",\"data\":1}\nnope\n", ErrMalformedLine, "line 2"},
		{"missing index", `{"data":1}`, ErrMalformedLine, "missing index"},
		{"missing data", `{"index":"l0n0"}`, ErrMalformedLine, "missing data"},
		{"both payloads", `{"index":"l0n0","data":1,"data_base64":"AA=="}`, ErrMalformedLine, "both"},
		{"bad index", `{"index":"x9","data":1}`, ErrMalformedLine, "line 1"},
		{"out of range", `{"index":"l7n0","data":1}`, types.ErrOutOfRange, ""},
		{"invalid json payload kind", `{"index":"l0n0","data_base64":"AA=="}`, types.ErrInvalidPayload, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db := setupStore(t)
			_, err := New(db, Options{Workers: 2}).Load(ctx, "m", "t", strings.NewReader(tt.input))
			require.ErrorIs(t, err, tt.wantErr)
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}

	t.Run("unattached data type", func(t *testing.T) {
		db := setupStore(t)
		_, err := db.RegisterDataType(ctx, "loose", types.KindJSON)
		require.NoError(t, err)
		_, err = New(db, Options{}).Load(ctx, "m", "loose", strings.NewReader(neuronLines()))
		assert.ErrorIs(t, err, types.ErrNotAttached)
	})

	t.Run("cancelled context", func(t *testing.T) {
		db := setupStore(t)
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		_, err := New(db, Options{}).Load(cctx, "m", "t", strings.NewReader(neuronLines()))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestLoadFileZstd(t *testing.T) {
	ctx := context.Background()
	db := setupStore(t)

	var buf bytes.Buffer
	enc, err := zstd.NewWriter(&buf)
	require.NoError(t, err)
	_, err = enc.Write([]byte(neuronLines()))
	require.NoError(t, err)
	require.NoError(t, enc.Close())

	path := filepath.Join(t.TempDir(), "rows.jsonl.zst")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))

	stats, err := New(db, Options{}).LoadFile(ctx, "m", "t", path)
	require.NoError(t, err)
	assert.Equal(t, 8, stats.Rows)

	_, err = New(db, Options{}).LoadFile(ctx, "m", "t", filepath.Join(t.TempDir(), "absent.jsonl"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
