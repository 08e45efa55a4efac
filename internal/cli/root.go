// Package cli implements the deepdecipher command-line interface.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/deepdecipher/internal/ingest"
	"github.com/mesh-intelligence/deepdecipher/internal/logging"
	"github.com/mesh-intelligence/deepdecipher/internal/objstore"
	"github.com/mesh-intelligence/deepdecipher/internal/paths"
	"github.com/mesh-intelligence/deepdecipher/internal/service"
	"github.com/mesh-intelligence/deepdecipher/pkg/deepdecipher"
	"github.com/mesh-intelligence/deepdecipher/pkg/sqlite"
	"github.com/mesh-intelligence/deepdecipher/pkg/types"
)

// Exit codes.
const (
	exitSuccess   = 0
	exitUserError = 1
	exitSysError  = 2
)

var (
	errUsage  = errors.New("usage")
	errNoData = errors.New("no data")
)

// userErrors map to exitUserError; anything else is a system error.
var userErrors = []error{
	errUsage,
	errNoData,
	types.ErrAlreadyExists,
	types.ErrNotFound,
	types.ErrOutOfRange,
	types.ErrNotAttached,
	types.ErrDimensionShrink,
	types.ErrInUse,
	types.ErrInvalidKind,
	types.ErrInvalidProvider,
	types.ErrInvalidMetadata,
	types.ErrInvalidPayload,
	types.ErrInvalidIndex,
	types.ErrInvalidName,
	service.ErrUnavailable,
	service.ErrInvalidQuery,
	service.ErrMisconfigured,
	ingest.ErrMalformedLine,
	objstore.ErrEndpointEmpty,
	objstore.ErrBucketEmpty,
	objstore.ErrNoBucket,
}

// app holds the global flag values and the state PersistentPreRunE derives
// from them. Each NewRootCmd gets its own.
type app struct {
	configDir string
	dataDir   string
	logLevel  string
	jsonMode  bool

	resolvedConfigDir string
	resolvedDataDir   string
	storePath         string
	settings          settings
	log               *slog.Logger
}

// NewRootCmd creates the top-level "deepdecipher" command with global flags
// and all subcommands registered.
func NewRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "deepdecipher",
		Short: "Store and serve interpretability data for language model neurons",
		Long: "deepdecipher keeps per-model, per-layer and per-neuron data in one SQLite\n" +
			"store and renders it through named services.",
		Version:           deepdecipher.Version,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return fmt.Errorf("%w: %v", errUsage, err)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&a.configDir, "config-dir", "", "configuration directory (default: $XDG_CONFIG_HOME/deepdecipher)")
	pf.StringVar(&a.dataDir, "data-dir", "", "data directory (default: $(CWD)/.deepdecipher-db)")
	pf.StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")
	pf.BoolVar(&a.jsonMode, "json", false, "output as JSON")

	root.AddCommand(
		newVersionCmd(a),
		newInitCmd(a),
		newModelCmd(a),
		newDataTypeCmd(a),
		newServiceCmd(a),
		newPutCmd(a),
		newGetCmd(a),
		newAggregateCmd(a),
		newEnumerateCmd(a),
		newLoadCmd(a),
		newClearCmd(a),
		newSnapshotCmd(a),
		newExportCmd(a),
		newImportCmd(a),
	)
	return root
}

// Execute runs the root command and exits with the matching code.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	root := NewRootCmd()
	err := root.ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(root.ErrOrStderr(), "error:", err)
	}
	os.Exit(ExitCode(err))
}

// ExitCode maps a command error to the process exit code.
func ExitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	for _, target := range userErrors {
		if errors.Is(err, target) {
			return exitUserError
		}
	}
	// cobra reports unknown commands and missing required flags as plain
	// errors.
	msg := err.Error()
	for _, prefix := range []string{"unknown command", "required flag"} {
		if strings.HasPrefix(msg, prefix) {
			return exitUserError
		}
	}
	return exitSysError
}

// setup resolves the directories, loads the config and builds the logger.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "version" {
		return nil
	}

	configDir, err := paths.ResolveConfigDir(a.configDir)
	if err != nil {
		return fmt.Errorf("resolve config dir: %w", err)
	}
	v, err := loadConfig(configDir)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		v.Set(keyLogLevel, a.logLevel)
	}
	s, err := decodeSettings(v)
	if err != nil {
		return err
	}

	dataDir, err := paths.ResolveDataDir(a.dataDir, v.GetString(keyDataDir))
	if err != nil {
		return fmt.Errorf("resolve data dir: %w", err)
	}

	log, err := logging.New(s.LogLevel, s.LogFormat, cmd.ErrOrStderr())
	if err != nil {
		return fmt.Errorf("%w: %v", errUsage, err)
	}

	a.resolvedConfigDir = configDir
	a.resolvedDataDir = dataDir
	a.storePath = paths.StorePath(dataDir, s.StoreFile)
	a.settings = s
	a.log = log
	return nil
}

func (a *app) storeConfig() types.Config {
	return types.Config{
		Path:         a.storePath,
		Compression:  a.settings.Compression,
		BatchSize:    a.settings.BatchSize,
		BusyTimeout:  a.settings.BusyTimeout,
		DeletePolicy: a.settings.DeletePolicy,
		Logger:       a.log,
	}
}

func (a *app) configPath() string {
	return filepath.Join(a.resolvedConfigDir, paths.ConfigFileName)
}

// withStore opens the store around fn and closes it afterwards.
func (a *app) withStore(fn func(cmd *cobra.Command, args []string, db types.Database) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) (err error) {
		db, err := sqlite.Open(cmd.Context(), a.storeConfig())
		if errors.Is(err, types.ErrNotFound) {
			return fmt.Errorf("no store at %s, run deepdecipher init: %w", a.storePath, err)
		}
		if err != nil {
			return fmt.Errorf("open store: %w", err)
		}
		defer func() {
			if cerr := db.Close(); err == nil && cerr != nil {
				err = fmt.Errorf("close store: %w", cerr)
			}
		}()
		return fn(cmd, args, db)
	}
}

// emit writes v as indented JSON in --json mode and calls text otherwise.
func (a *app) emit(cmd *cobra.Command, v any, text func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if a.jsonMode {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		enc.SetEscapeHTML(false)
		if err := enc.Encode(v); err != nil {
			return fmt.Errorf("encode output: %w", err)
		}
		return nil
	}
	text(w)
	return nil
}

// args wraps a cobra argument check so its failure counts as a usage error.
func args(check cobra.PositionalArgs) cobra.PositionalArgs {
	return func(cmd *cobra.Command, a []string) error {
		if err := check(cmd, a); err != nil {
			return fmt.Errorf("%w: %v", errUsage, err)
		}
		return nil
	}
}
