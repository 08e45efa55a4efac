package cli

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/deepdecipher/internal/objstore"
	"github.com/mesh-intelligence/deepdecipher/internal/paths"
	"github.com/mesh-intelligence/deepdecipher/internal/service"
	"github.com/mesh-intelligence/deepdecipher/pkg/deepdecipher"
	"github.com/mesh-intelligence/deepdecipher/pkg/types"
)

// testEnv runs the CLI in-process against its own config and data
// directories.
type testEnv struct {
	t         *testing.T
	configDir string
	dataDir   string
}

type result struct {
	stdout string
	stderr string
	err    error
	code   int
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	return &testEnv{
		t:         t,
		configDir: filepath.Join(dir, "config"),
		dataDir:   filepath.Join(dir, "data"),
	}
}

func (e *testEnv) runWithInput(stdin string, argv ...string) result {
	e.t.Helper()
	root := NewRootCmd()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetIn(strings.NewReader(stdin))
	root.SetArgs(append([]string{"--config-dir", e.configDir, "--data-dir", e.dataDir}, argv...))
	err := root.ExecuteContext(context.Background())
	return result{stdout: stdout.String(), stderr: stderr.String(), err: err, code: ExitCode(err)}
}

func (e *testEnv) run(argv ...string) result {
	e.t.Helper()
	return e.runWithInput("", argv...)
}

func (e *testEnv) mustRun(argv ...string) string {
	e.t.Helper()
	r := e.run(argv...)
	require.NoError(e.t, r.err, "deepdecipher %s\nstderr: %s", strings.Join(argv, " "), r.stderr)
	return r.stdout
}

// setupModel initializes the store with model "m" (2x4), the json type "t"
// and the blob type "raw", both attached.
func (e *testEnv) setupModel() {
	e.t.Helper()
	e.mustRun("init")
	e.mustRun("model", "add", "m", "--layers", "2", "--neurons", "4", "--dataset", "pile")
	e.mustRun("datatype", "add", "t", "json")
	e.mustRun("datatype", "add", "raw", "blob")
	e.mustRun("model", "attach", "m", "t")
	e.mustRun("model", "attach", "m", "raw")
}

func TestVersion(t *testing.T) {
	env := newTestEnv(t)
	out := env.mustRun("version")
	assert.Contains(t, out, "deepdecipher v"+deepdecipher.Version)
	assert.Contains(t, out, deepdecipher.ModulePath)

	_, err := os.Stat(env.configDir)
	assert.True(t, os.IsNotExist(err), "version must not touch the config directory")
}

func TestInit(t *testing.T) {
	env := newTestEnv(t)

	out := env.mustRun("init")
	assert.Contains(t, out, "Initialized store")

	configPath := filepath.Join(env.configDir, paths.ConfigFileName)
	data, err := os.ReadFile(configPath)
	require.NoError(t, err)
	assert.Contains(t, string(data), "store_file: "+paths.DefaultStoreFile)
	assert.Contains(t, string(data), "data_dir: "+env.dataDir)
	assert.Contains(t, string(data), "busy_timeout: 5s")
	assert.FileExists(t, filepath.Join(env.dataDir, paths.DefaultStoreFile))

	out = env.mustRun("init")
	assert.Contains(t, out, "Store already exists")
	assert.NotContains(t, out, "Wrote")
}

func TestCommandsNeedStore(t *testing.T) {
	env := newTestEnv(t)
	r := env.run("model", "list")
	require.Error(t, r.err)
	assert.ErrorIs(t, r.err, types.ErrNotFound)
	assert.Contains(t, r.err.Error(), "run deepdecipher init")
	assert.Equal(t, exitUserError, r.code)
}

func TestConfig(t *testing.T) {
	t.Run("environment overrides store file", func(t *testing.T) {
		t.Setenv("DEEPDECIPHER_STORE_FILE", "env.db")
		env := newTestEnv(t)
		env.mustRun("init")
		assert.FileExists(t, filepath.Join(env.dataDir, "env.db"))
	})

	t.Run("config file values are used", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, os.MkdirAll(env.configDir, 0o755))
		cfg := "store_file: custom.db\ncompression: zstd\n"
		require.NoError(t, os.WriteFile(filepath.Join(env.configDir, paths.ConfigFileName), []byte(cfg), 0o644))

		env.mustRun("init")
		assert.FileExists(t, filepath.Join(env.dataDir, "custom.db"))
	})

	t.Run("bad log format is a usage error", func(t *testing.T) {
		env := newTestEnv(t)
		require.NoError(t, os.MkdirAll(env.configDir, 0o755))
		require.NoError(t, os.WriteFile(filepath.Join(env.configDir, paths.ConfigFileName), []byte("log_format: xml\n"), 0o644))

		r := env.run("init")
		assert.Equal(t, exitUserError, r.code)
	})

	t.Run("log level flag", func(t *testing.T) {
		env := newTestEnv(t)
		r := env.run("--log-level", "debug", "init")
		require.NoError(t, r.err)
		assert.Contains(t, r.stderr, "store initialized")
	})
}

func TestModelCommands(t *testing.T) {
	env := newTestEnv(t)
	env.setupModel()

	var models []types.Model
	require.NoError(t, json.Unmarshal([]byte(env.mustRun("--json", "model", "list")), &models))
	require.Len(t, models, 1)
	assert.Equal(t, types.ModelMetadata{Name: "m", NumLayers: 2, NeuronsPerLayer: 4, Dataset: "pile"}, models[0].Metadata)

	out := env.mustRun("model", "show", "m")
	assert.Contains(t, out, "Layers:      2")
	assert.Contains(t, out, "  t (json)")
	assert.Contains(t, out, "  metadata (metadata)")

	r := env.run("model", "add", "m", "--layers", "1", "--neurons", "1")
	assert.ErrorIs(t, r.err, types.ErrAlreadyExists)
	assert.Equal(t, exitUserError, r.code)

	r = env.run("model", "add", "zero", "--layers", "0", "--neurons", "1")
	assert.ErrorIs(t, r.err, types.ErrInvalidMetadata)

	t.Run("add from file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "gpt2.yaml")
		meta := "name: gpt2\nnum_layers: 12\nneurons_per_layer: 3072\nactivation_function: gelu\n"
		require.NoError(t, os.WriteFile(path, []byte(meta), 0o644))
		env.mustRun("model", "add", "--file", path, "--dataset", "openwebtext")

		var detail modelDetail
		require.NoError(t, json.Unmarshal([]byte(env.mustRun("--json", "model", "show", "gpt2")), &detail))
		assert.Equal(t, uint32(12), detail.Metadata.NumLayers)
		assert.Equal(t, "gelu", detail.Metadata.ActivationFunction)
		assert.Equal(t, "openwebtext", detail.Metadata.Dataset)
		assert.Empty(t, detail.DataTypes)
	})

	t.Run("replace keeps unset fields", func(t *testing.T) {
		env.mustRun("put", "m", "t", "l1n3", `{"x":1}`)
		r := env.run("model", "replace", "m", "--neurons", "2")
		assert.ErrorIs(t, r.err, types.ErrDimensionShrink)
		assert.Equal(t, exitUserError, r.code)

		env.mustRun("model", "replace", "m", "--neurons", "8")
		var m types.Model
		require.NoError(t, json.Unmarshal([]byte(env.mustRun("--json", "model", "show", "m")), &m))
		assert.Equal(t, uint32(8), m.Metadata.NeuronsPerLayer)
		assert.Equal(t, uint32(2), m.Metadata.NumLayers)
		assert.Equal(t, "pile", m.Metadata.Dataset)
	})

	t.Run("detach drops rows", func(t *testing.T) {
		env.mustRun("model", "detach", "m", "t")
		r := env.run("get", "m", "t", "l1n3")
		assert.ErrorIs(t, r.err, errNoData)
		env.mustRun("model", "attach", "m", "t")
	})

	t.Run("delete", func(t *testing.T) {
		env.mustRun("model", "delete", "gpt2")
		r := env.run("model", "show", "gpt2")
		assert.ErrorIs(t, r.err, types.ErrNotFound)
	})
}

func TestDataCommands(t *testing.T) {
	env := newTestEnv(t)
	env.setupModel()

	env.mustRun("put", "m", "t", "l0n1", `{"a":1}`)
	assert.Equal(t, "{\"a\":1}\n", env.mustRun("get", "m", "t", "0_1"))

	r := env.runWithInput("\x00\x01", "put", "m", "raw", "l0n1", "--file", "-")
	require.NoError(t, r.err, r.stderr)
	assert.Equal(t, "\x00\x01", env.mustRun("get", "m", "raw", "l0n1"))
	assert.Equal(t, "\"AAE=\"\n", env.mustRun("--json", "get", "m", "raw", "l0n1"))

	assert.JSONEq(t, `{"t":{"a":1},"raw":"AAE="}`, env.mustRun("--json", "aggregate", "m", "l0n1"))
	out := env.mustRun("aggregate", "m", "l0n1")
	assert.Contains(t, out, "DATA TYPE")
	assert.Contains(t, out, "raw")

	env.mustRun("put", "m", "t", "model", `{"summary":true}`)
	lines := readLines(env.mustRun("--json", "enumerate", "m", "t"))
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"index":"model","data":{"summary":true}}`, lines[0])
	assert.JSONEq(t, `{"index":"l0n1","data":{"a":1}}`, lines[1])
	assert.Contains(t, env.mustRun("enumerate", "m", "t", "l0"), "l0n1")

	var missing missingResult
	require.NoError(t, json.Unmarshal([]byte(env.mustRun("--json", "model", "missing", "m", "t")), &missing))
	assert.Len(t, missing.Missing, 7)
	assert.Equal(t, "neuron", missing.Granularity)

	tests := []struct {
		name    string
		argv    []string
		wantErr error
	}{
		{"missing row", []string{"get", "m", "t", "l1n1"}, errNoData},
		{"out of range read", []string{"get", "m", "t", "l9n1"}, errNoData},
		{"bad index", []string{"get", "m", "t", "x1"}, types.ErrInvalidIndex},
		{"bad json payload", []string{"put", "m", "t", "l0n0", "{nope"}, types.ErrInvalidPayload},
		{"out of range write", []string{"put", "m", "t", "l0n9", "1"}, types.ErrOutOfRange},
		{"no payload", []string{"put", "m", "t", "l0n0"}, errUsage},
		{"unknown data type", []string{"get", "m", "nope", "l0n0"}, types.ErrNotFound},
		{"bad granularity", []string{"model", "missing", "m", "t", "-g", "head"}, types.ErrInvalidIndex},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := env.run(tt.argv...)
			assert.ErrorIs(t, r.err, tt.wantErr)
			assert.Equal(t, exitUserError, r.code)
		})
	}

	t.Run("clear one data type", func(t *testing.T) {
		env.mustRun("clear", "m", "--data-type", "raw")
		assert.ErrorIs(t, env.run("get", "m", "raw", "l0n1").err, errNoData)
		env.mustRun("get", "m", "t", "l0n1")
	})

	t.Run("clear model", func(t *testing.T) {
		env.mustRun("clear", "m")
		assert.ErrorIs(t, env.run("get", "m", "t", "l0n1").err, errNoData)
		assert.Contains(t, env.mustRun("model", "show", "m"), "  t (json)")
	})
}

func TestDataTypeCommands(t *testing.T) {
	env := newTestEnv(t)
	env.setupModel()

	out := env.mustRun("datatype", "list")
	assert.Contains(t, out, "raw")
	assert.Contains(t, out, "blob")

	r := env.run("datatype", "add", "g", "video")
	assert.ErrorIs(t, r.err, types.ErrInvalidKind)

	env.mustRun("datatype", "delete", "raw")
	var dts []types.DataType
	require.NoError(t, json.Unmarshal([]byte(env.mustRun("--json", "dt", "list")), &dts))
	require.Len(t, dts, 1)
	assert.Equal(t, "t", dts[0].Name)
}

func TestServiceCommands(t *testing.T) {
	env := newTestEnv(t)
	env.setupModel()
	env.mustRun("put", "m", "t", "l0n1", `{"a":1}`)

	env.mustRun("service", "add", "explain", "--provider", "json", "--data-type", "t")
	env.mustRun("service", "add", "all", "-p", "aggregate")
	env.mustRun("service", "add", "later", "-p", "graph", "-d", "graphs")

	var page struct {
		Metadata types.ModelMetadata `json:"metadata"`
		Data     json.RawMessage     `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(env.mustRun("service", "page", "explain", "m", "l0n1")), &page))
	assert.Equal(t, "m", page.Metadata.Name)
	assert.JSONEq(t, `{"a":1}`, string(page.Data))

	var meta types.ModelMetadata
	require.NoError(t, json.Unmarshal([]byte(env.mustRun("service", "page", "metadata", "m")), &meta))
	assert.Equal(t, uint32(4), meta.NeuronsPerLayer)

	var available []types.ServiceDescriptor
	require.NoError(t, json.Unmarshal([]byte(env.mustRun("--json", "service", "available", "m")), &available))
	names := make([]string, len(available))
	for i, s := range available {
		names[i] = s.Name
	}
	assert.Equal(t, []string{"all", "explain", "metadata"}, names)

	assert.Contains(t, env.mustRun("service", "show", "explain"), "Data types: t")
	assert.Contains(t, env.mustRun("service", "list"), "later")

	tests := []struct {
		name    string
		argv    []string
		wantErr error
	}{
		{"no data", []string{"service", "page", "explain", "m", "l1n1"}, errNoData},
		{"unavailable", []string{"service", "page", "later", "m", "l0n1"}, service.ErrUnavailable},
		{"misconfigured", []string{"service", "add", "bad", "-p", "json"}, service.ErrMisconfigured},
		{"unknown provider", []string{"service", "add", "bad", "-p", "neuroscope"}, types.ErrInvalidProvider},
		{"duplicate", []string{"service", "add", "all", "-p", "aggregate"}, types.ErrAlreadyExists},
		{"unknown service", []string{"service", "page", "nope", "m"}, types.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := env.run(tt.argv...)
			assert.ErrorIs(t, r.err, tt.wantErr)
			assert.Equal(t, exitUserError, r.code)
		})
	}

	r := env.run("service", "add", "noprovider")
	assert.Equal(t, exitUserError, r.code)

	env.mustRun("service", "delete", "later")
	assert.ErrorIs(t, env.run("service", "show", "later").err, types.ErrNotFound)
}

func TestLoadCommand(t *testing.T) {
	env := newTestEnv(t)
	env.setupModel()

	var sb strings.Builder
	for flat := range uint32(8) {
		fmt.Fprintf(&sb, "{\"index\":%q,\"data\":{\"flat\":%d}}\n", types.IndexFromFlat(4, flat), flat)
	}
	path := filepath.Join(t.TempDir(), "rows.jsonl")
	require.NoError(t, os.WriteFile(path, []byte(sb.String()), 0o644))

	var stats struct {
		RunID string `json:"run_id"`
		Rows  int    `json:"rows"`
	}
	require.NoError(t, json.Unmarshal([]byte(env.mustRun("--json", "load", "m", "t", path, "--workers", "2")), &stats))
	assert.Equal(t, 8, stats.Rows)
	assert.NotEmpty(t, stats.RunID)

	assert.Contains(t, env.mustRun("model", "missing", "m", "t"), "0 missing")

	r := env.runWithInput("{\"index\":\"l0n0\"}\n", "load", "m", "t", "-")
	assert.Equal(t, exitUserError, r.code)
	assert.Contains(t, r.err.Error(), "line 1")
}

func TestSnapshotExportImport(t *testing.T) {
	env := newTestEnv(t)
	env.setupModel()
	env.mustRun("service", "add", "explain", "-p", "json", "-d", "t")
	env.mustRun("put", "m", "t", "l0n1", `{"a":1}`)

	var snap snapshotResult
	require.NoError(t, json.Unmarshal([]byte(env.mustRun("--json", "snapshot")), &snap))
	assert.Equal(t, filepath.Join(env.dataDir, "snapshots"), filepath.Dir(snap.Path))
	assert.FileExists(t, snap.Path)
	assert.Positive(t, snap.Size)

	dst := filepath.Join(t.TempDir(), "copy.db")
	env.mustRun("snapshot", dst)
	r := env.run("snapshot", dst)
	assert.ErrorIs(t, r.err, types.ErrAlreadyExists)

	// The snapshot is a working store.
	copyEnv := newTestEnv(t)
	copyCfg := filepath.Join(copyEnv.configDir, paths.ConfigFileName)
	require.NoError(t, os.MkdirAll(copyEnv.configDir, 0o755))
	require.NoError(t, os.WriteFile(copyCfg, []byte("store_file: "+dst+"\n"), 0o644))
	assert.JSONEq(t, `{"a":1}`, copyEnv.mustRun("get", "m", "t", "l0n1"))

	exportDir := filepath.Join(t.TempDir(), "registry")
	env.mustRun("export", exportDir)
	assert.FileExists(t, filepath.Join(exportDir, "models.jsonl"))

	fresh := newTestEnv(t)
	fresh.mustRun("init")
	fresh.mustRun("import", exportDir)
	var svc types.ServiceDescriptor
	require.NoError(t, json.Unmarshal([]byte(fresh.mustRun("--json", "service", "show", "explain")), &svc))
	assert.Equal(t, []string{"t"}, svc.DataTypes)
	assert.ErrorIs(t, fresh.run("get", "m", "t", "l0n1").err, errNoData)
}

func TestSnapshotUploadNeedsConfig(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun("init")
	r := env.run("snapshot", "--upload")
	assert.ErrorIs(t, r.err, objstore.ErrEndpointEmpty)
	assert.Equal(t, exitUserError, r.code)

	entries, err := os.ReadDir(env.dataDir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.NotEqual(t, "snapshots", e.Name(), "no copy is made when the upload config is bad")
	}
}

func TestUsageErrors(t *testing.T) {
	env := newTestEnv(t)
	env.mustRun("init")

	for _, argv := range [][]string{
		{"bogus"},
		{"model", "show"},
		{"model", "list", "--bogus"},
		{"put", "m", "t"},
	} {
		r := env.run(argv...)
		require.Error(t, r.err, argv)
		assert.Equal(t, exitUserError, r.code, "%v: %v", argv, r.err)
	}
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{nil, exitSuccess},
		{fmt.Errorf("model %q: %w", "m", types.ErrNotFound), exitUserError},
		{fmt.Errorf("%w: accepts 1 arg(s)", errUsage), exitUserError},
		{errors.New(`unknown command "x" for "deepdecipher"`), exitUserError},
		{types.ErrCorrupt, exitSysError},
		{errors.New("disk full"), exitSysError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ExitCode(tt.err), "%v", tt.err)
	}
}

// readLines splits command output into non-empty lines.
func readLines(s string) []string {
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(s))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
