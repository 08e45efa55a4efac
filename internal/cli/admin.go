package cli

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/deepdecipher/internal/objstore"
	"github.com/mesh-intelligence/deepdecipher/pkg/types"
)

type snapshotResult struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Bucket string `json:"bucket,omitempty"`
	Key    string `json:"key,omitempty"`
}

func newSnapshotCmd(a *app) *cobra.Command {
	var upload bool
	cmd := &cobra.Command{
		Use:   "snapshot [dst]",
		Short: "Write a consistent copy of the store",
		Long: "Copy the store to dst while readers and writers keep running. Without\n" +
			"dst the copy goes to snapshots/ in the data directory under a unique\n" +
			"name. --upload also puts it in the bucket configured under snapshot.",
		Args: args(cobra.MaximumNArgs(1)),
	}
	cmd.RunE = a.withStore(func(cmd *cobra.Command, argv []string, db types.Database) error {
		ctx := cmd.Context()

		// Build the uploader first so a bad config fails before any copy.
		var up *objstore.Uploader
		if upload {
			var err error
			if up, err = objstore.New(a.settings.Snapshot, a.log); err != nil {
				return err
			}
		}

		id, err := uuid.NewV7()
		if err != nil {
			return fmt.Errorf("snapshot id: %w", err)
		}
		name := objstore.SnapshotName(time.Now(), id)
		dst := filepath.Join(a.resolvedDataDir, "snapshots", name)
		if len(argv) == 1 {
			dst = argv[0]
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("create snapshot directory: %w", err)
		}
		if err := db.Snapshot(ctx, dst); err != nil {
			return err
		}
		info, err := os.Stat(dst)
		if err != nil {
			return fmt.Errorf("stat snapshot: %w", err)
		}
		res := snapshotResult{Path: dst, Size: info.Size()}

		if up != nil {
			obj, err := up.Upload(ctx, dst, filepath.Base(dst))
			if err != nil {
				return err
			}
			res.Bucket, res.Key = obj.Bucket, obj.Key
		}

		return a.emit(cmd, res, func(w io.Writer) {
			fmt.Fprintf(w, "Snapshot written to %s (%s)\n", res.Path, humanize.Bytes(uint64(res.Size)))
			if res.Key != "" {
				fmt.Fprintf(w, "Uploaded to %s/%s\n", res.Bucket, res.Key)
			}
		})
	})
	cmd.Flags().BoolVar(&upload, "upload", false, "upload the snapshot to the configured object store")
	return cmd
}

func newExportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export <dir>",
		Short: "Export the registries as JSON Lines files",
		Long: "Write models, data types, attachments and services to JSON Lines files\n" +
			"in dir. Rows are not exported; use snapshot for a full copy.",
		Args: args(cobra.ExactArgs(1)),
	}
	cmd.RunE = a.withStore(func(cmd *cobra.Command, argv []string, db types.Database) error {
		if err := db.ExportRegistry(cmd.Context(), argv[0]); err != nil {
			return err
		}
		return a.emit(cmd, map[string]string{"exported": argv[0]}, func(w io.Writer) {
			fmt.Fprintf(w, "Exported registries to %s\n", argv[0])
		})
	})
	return cmd
}

func newImportCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "import <dir>",
		Short: "Import registries exported by export",
		Long:  "Register everything found in an export directory. Entries that already\nexist are skipped.",
		Args:  args(cobra.ExactArgs(1)),
	}
	cmd.RunE = a.withStore(func(cmd *cobra.Command, argv []string, db types.Database) error {
		if err := db.ImportRegistry(cmd.Context(), argv[0]); err != nil {
			return err
		}
		return a.emit(cmd, map[string]string{"imported": argv[0]}, func(w io.Writer) {
			fmt.Fprintf(w, "Imported registries from %s\n", argv[0])
		})
	})
	return cmd
}
