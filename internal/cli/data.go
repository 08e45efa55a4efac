package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/deepdecipher/internal/ingest"
	"github.com/mesh-intelligence/deepdecipher/pkg/types"
)

// writeJSON writes a JSON document followed by a newline, indented when
// indent is set.
func writeJSON(w io.Writer, doc []byte, indent bool) error {
	var buf bytes.Buffer
	if indent {
		if err := json.Indent(&buf, doc, "", "  "); err != nil {
			return fmt.Errorf("indent output: %w", err)
		}
	} else {
		buf.Write(doc)
	}
	buf.WriteByte('\n')
	_, err := w.Write(buf.Bytes())
	return err
}

// readPayload returns the inline argument, or the file (stdin for "-").
func readPayload(cmd *cobra.Command, argv []string, file string) ([]byte, error) {
	switch {
	case len(argv) > 0 && file != "":
		return nil, fmt.Errorf("%w: give the payload inline or with --file, not both", errUsage)
	case len(argv) > 0:
		return []byte(argv[0]), nil
	case file == "-":
		return io.ReadAll(cmd.InOrStdin())
	case file != "":
		return os.ReadFile(file)
	default:
		return nil, fmt.Errorf("%w: no payload given", errUsage)
	}
}

// lookupKind resolves the payload kind of a registered data type.
func lookupKind(cmd *cobra.Command, db types.Database, name string) (types.PayloadKind, error) {
	dt, ok, err := db.LookupDataType(cmd.Context(), name)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", fmt.Errorf("data type %q: %w", name, types.ErrNotFound)
	}
	return dt.Kind, nil
}

func newPutCmd(a *app) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "put <model> <data-type> <index> [payload]",
		Short: "Write one row",
		Long: "Write the payload of one data type at a model, layer or neuron index,\n" +
			"replacing any row already there. The payload is the last argument or the\n" +
			"content of --file (- reads stdin).",
		Example: "  deepdecipher put solu-1l neuroscope l0n3 '{\"texts\":[]}'\n" +
			"  deepdecipher put solu-1l raw model --file weights.bin",
		Args: args(cobra.RangeArgs(3, 4)),
	}
	cmd.RunE = a.withStore(func(cmd *cobra.Command, argv []string, db types.Database) error {
		idx, err := types.ParseIndex(argv[2])
		if err != nil {
			return err
		}
		payload, err := readPayload(cmd, argv[3:], file)
		if err != nil {
			return err
		}
		if err := db.Write(cmd.Context(), argv[0], argv[1], idx, payload); err != nil {
			return err
		}
		res := map[string]any{"model": argv[0], "data_type": argv[1], "index": idx, "bytes": len(payload)}
		return a.emit(cmd, res, func(w io.Writer) {
			fmt.Fprintf(w, "Wrote %s of %s at %s for %s\n", humanize.Bytes(uint64(len(payload))), argv[1], idx, argv[0])
		})
	})
	cmd.Flags().StringVarP(&file, "file", "f", "", "read the payload from a file, - for stdin")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <model> <data-type> <index>",
		Short: "Read one row",
		Long: "Print the payload stored at an index. Blob payloads are written raw, or\n" +
			"as a base64 string with --json. A missing row exits with status 1.",
		Args: args(cobra.ExactArgs(3)),
	}
	cmd.RunE = a.withStore(func(cmd *cobra.Command, argv []string, db types.Database) error {
		idx, err := types.ParseIndex(argv[2])
		if err != nil {
			return err
		}
		kind, err := lookupKind(cmd, db, argv[1])
		if err != nil {
			return err
		}
		data, ok, err := db.Read(cmd.Context(), argv[0], argv[1], idx)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s for %s at %s: %w", argv[1], argv[0], idx, errNoData)
		}
		if kind == types.KindBlob && !a.jsonMode {
			_, err := cmd.OutOrStdout().Write(data)
			return err
		}
		doc, err := json.Marshal(types.Payload{Kind: kind, Data: data})
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		return writeJSON(cmd.OutOrStdout(), doc, a.jsonMode)
	})
	return cmd
}

func newAggregateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "aggregate <model> <index>",
		Short: "Show every attached data type's payload at an index",
		Args:  args(cobra.ExactArgs(2)),
	}
	cmd.RunE = a.withStore(func(cmd *cobra.Command, argv []string, db types.Database) error {
		idx, err := types.ParseIndex(argv[1])
		if err != nil {
			return err
		}
		agg, err := db.Aggregate(cmd.Context(), argv[0], idx)
		if err != nil {
			return err
		}
		return a.emit(cmd, agg, func(w io.Writer) {
			names := make([]string, 0, len(agg))
			for name := range agg {
				names = append(names, name)
			}
			slices.Sort(names)
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "DATA TYPE\tKIND\tSIZE")
			for _, name := range names {
				p := agg[name]
				fmt.Fprintf(tw, "%s\t%s\t%s\n", name, p.Kind, humanize.Bytes(uint64(len(p.Data))))
			}
			tw.Flush()
		})
	})
	return cmd
}

func newEnumerateCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "enumerate <model> <data-type> [scope]",
		Short: "List the rows of a data type at or below a scope",
		Long: "List the rows of a data type at or below an index in ascending order. In\n" +
			"--json mode each row is printed as one JSON line with index and data.",
		Args: args(cobra.RangeArgs(2, 3)),
	}
	cmd.RunE = a.withStore(func(cmd *cobra.Command, argv []string, db types.Database) error {
		scope := types.ModelIndex()
		if len(argv) == 3 {
			var err error
			if scope, err = types.ParseIndex(argv[2]); err != nil {
				return err
			}
		}
		entries, err := db.Enumerate(cmd.Context(), argv[0], argv[1], scope)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if a.jsonMode {
			enc := json.NewEncoder(w)
			enc.SetEscapeHTML(false)
			for _, e := range entries {
				if err := enc.Encode(e); err != nil {
					return fmt.Errorf("encode entry: %w", err)
				}
			}
			return nil
		}
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "INDEX\tSIZE")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\n", e.Index, humanize.Bytes(uint64(len(e.Payload.Data))))
		}
		return tw.Flush()
	})
	return cmd
}

func newClearCmd(a *app) *cobra.Command {
	var dataType string
	cmd := &cobra.Command{
		Use:   "clear <model>",
		Short: "Delete a model's rows, keeping the model and its attachments",
		Args:  args(cobra.ExactArgs(1)),
	}
	cmd.RunE = a.withStore(func(cmd *cobra.Command, argv []string, db types.Database) error {
		var err error
		if dataType != "" {
			err = db.DeleteData(cmd.Context(), argv[0], dataType)
		} else {
			err = db.ClearModel(cmd.Context(), argv[0])
		}
		if err != nil {
			return err
		}
		res := map[string]string{"model": argv[0], "data_type": dataType}
		return a.emit(cmd, res, func(w io.Writer) {
			if dataType != "" {
				fmt.Fprintf(w, "Cleared %s rows of %s\n", dataType, argv[0])
			} else {
				fmt.Fprintf(w, "Cleared all rows of %s\n", argv[0])
			}
		})
	})
	cmd.Flags().StringVarP(&dataType, "data-type", "d", "", "clear only this data type")
	return cmd
}

func newLoadCmd(a *app) *cobra.Command {
	var workers int
	var rate float64
	cmd := &cobra.Command{
		Use:   "load <model> <data-type> <file>",
		Short: "Bulk load rows from a JSON Lines file",
		Long: "Load rows from a JSON Lines file (zstd compressed when it ends in .zst,\n" +
			"- for stdin). Each line is {\"index\":\"l0n3\",\"data\":...} or carries\n" +
			"\"data_base64\" for blob payloads. Rows commit in batches of batch_size.",
		Args: args(cobra.ExactArgs(3)),
	}
	cmd.RunE = a.withStore(func(cmd *cobra.Command, argv []string, db types.Database) error {
		opts := ingest.Options{
			Workers: a.settings.Ingest.Workers,
			Rate:    a.settings.Ingest.Rate,
			Logger:  a.log,
		}
		if cmd.Flags().Changed("workers") {
			opts.Workers = workers
		}
		if cmd.Flags().Changed("rate") {
			opts.Rate = rate
		}
		loader := ingest.New(db, opts)

		var stats ingest.Stats
		var err error
		if argv[2] == "-" {
			stats, err = loader.Load(cmd.Context(), argv[0], argv[1], cmd.InOrStdin())
		} else {
			stats, err = loader.LoadFile(cmd.Context(), argv[0], argv[1], argv[2])
		}
		if err != nil {
			return err
		}
		res := map[string]any{
			"run_id":      stats.RunID.String(),
			"rows":        stats.Rows,
			"bytes":       stats.Bytes,
			"duration_ms": stats.Duration.Milliseconds(),
		}
		return a.emit(cmd, res, func(w io.Writer) {
			fmt.Fprintf(w, "Loaded %s rows (%s) into %s/%s in %s\n", humanize.Comma(int64(stats.Rows)),
				humanize.Bytes(uint64(stats.Bytes)), argv[0], argv[1], stats.Duration.Round(time.Millisecond))
		})
	})
	cmd.Flags().IntVarP(&workers, "workers", "w", 0, "parser goroutines (default from ingest.workers)")
	cmd.Flags().Float64Var(&rate, "rate", 0, "rows per second cap, 0 for none (default from ingest.rate)")
	return cmd
}
