package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/mesh-intelligence/deepdecipher/pkg/types"
)

// Snapshot writes a consistent, compacted copy of the store to dst with
// VACUUM INTO. Writers keep running; the copy reflects the state at the
// moment the vacuum's read transaction starts.
func (b *Backend) Snapshot(ctx context.Context, dst string) error {
	unlock, err := b.rlock()
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := os.Stat(dst); err == nil {
		return fmt.Errorf("snapshot to %s: %w", dst, types.ErrAlreadyExists)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("snapshot to %s: %w", dst, err)
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("snapshot to %s: %w", dst, err)
	}

	stmt := fmt.Sprintf("VACUUM INTO '%s'", strings.ReplaceAll(dst, "'", "''"))
	if _, err := b.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("snapshot to %s: %w", dst, err)
	}

	if info, err := os.Stat(dst); err == nil {
		b.log.Info("snapshot written", "path", dst, "size", humanize.Bytes(uint64(info.Size())))
	}
	return nil
}
