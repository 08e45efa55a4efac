// Package sqlite implements the deepdecipher store on SQLite.
//
// One file holds the registries (models, data types, services, attachments)
// and the three row partitions. The database runs in WAL mode so readers
// never block each other or writers; write transactions begin IMMEDIATE and
// wait up to Config.BusyTimeout for the write lock.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mesh-intelligence/deepdecipher/internal/codec"
	"github.com/mesh-intelligence/deepdecipher/pkg/types"
)

// Compile-time interface check.
var _ types.Database = (*Backend)(nil)

// Backend implements types.Database.
//
// Registry mutations take mu exclusively. Row reads and writes take it
// shared, so they run concurrently with each other and SQLite serializes
// the writes.
type Backend struct {
	mu     sync.RWMutex
	closed bool
	config types.Config
	codec  codec.Codec
	log    *slog.Logger
	db     *sql.DB
}

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Initialize creates a new store at cfg.Path. It fails with
// ErrAlreadyExists if anything is there, and removes what it created if
// setup fails.
func Initialize(ctx context.Context, cfg types.Config) (_ *Backend, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()

	if _, err := os.Stat(cfg.Path); err == nil {
		return nil, fmt.Errorf("initialize %s: %w", cfg.Path, types.ErrAlreadyExists)
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("stat %s: %w", cfg.Path, err)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	b, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			b.db.Close()
			removeStoreFiles(cfg.Path)
		}
	}()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin initialize: %w", err)
	}
	defer tx.Rollback()

	if err := createSchema(ctx, tx); err != nil {
		return nil, err
	}
	if _, err := insertService(ctx, tx, types.ServiceDescriptor{
		Name:     types.MetadataService,
		Provider: types.ProviderMetadata,
	}); err != nil {
		return nil, fmt.Errorf("register metadata service: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit initialize: %w", err)
	}

	b.log.Info("store initialized", "path", cfg.Path, "compression", b.codec.String())
	return b, nil
}

// Open opens an existing store. It fails with ErrNotFound when nothing is at
// cfg.Path and with ErrCorrupt when the file is not a store of a compatible
// schema version.
func Open(ctx context.Context, cfg types.Config) (*Backend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()

	info, err := os.Stat(cfg.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("open %s: %w", cfg.Path, types.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", cfg.Path, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("open %s: is a directory: %w", cfg.Path, types.ErrCorrupt)
	}

	b, err := newBackend(cfg)
	if err != nil {
		return nil, err
	}
	if err := checkSchema(ctx, b.db); err != nil {
		b.db.Close()
		return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
	}
	if cfg.VerifyIntegrity {
		if err := quickCheck(ctx, b.db); err != nil {
			b.db.Close()
			return nil, fmt.Errorf("open %s: %w", cfg.Path, err)
		}
	}

	b.log.Info("store opened", "path", cfg.Path)
	return b, nil
}

func newBackend(cfg types.Config) (*Backend, error) {
	c, err := codec.Parse(cfg.Compression)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", dsn(cfg.Path, cfg.BusyTimeout))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Backend{
		config: cfg,
		codec:  c,
		log:    cfg.Logger.With("store", filepath.Base(cfg.Path)),
		db:     db,
	}, nil
}

// dsn applies the connection pragmas to every pooled connection and makes
// db.Begin issue BEGIN IMMEDIATE.
func dsn(path string, busyTimeout time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busyTimeout.Milliseconds()))
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous(NORMAL)")
	q.Set("_txlock", "immediate")
	return path + "?" + q.Encode()
}

func removeStoreFiles(path string) {
	for _, suffix := range []string{"", "-wal", "-shm"} {
		_ = os.Remove(path + suffix)
	}
}

// Close releases the connection pool. Close is idempotent; afterwards every
// operation returns ErrClosed.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if err := b.db.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	b.log.Info("store closed")
	return nil
}

// Config returns the effective configuration, defaults applied.
func (b *Backend) Config() types.Config {
	return b.config
}

// lock takes the exclusive lock and fails if the store is closed. The caller
// must call the returned unlock.
func (b *Backend) lock() (func(), error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, types.ErrClosed
	}
	return b.mu.Unlock, nil
}

// rlock is lock for the shared side.
func (b *Backend) rlock() (func(), error) {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return nil, types.ErrClosed
	}
	return b.mu.RUnlock, nil
}

// inTx runs fn in one write transaction.
func (b *Backend) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
