package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/deepdecipher/pkg/types"
)

func newDataTypeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "datatype",
		Aliases: []string{"data-type", "dt"},
		Short:   "Manage registered data types",
	}
	cmd.AddCommand(newDataTypeAddCmd(a), newDataTypeListCmd(a), newDataTypeDeleteCmd(a))
	return cmd
}

func newDataTypeAddCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "add <name> <kind>",
		Short:   "Register a data type of kind json, blob, graph or search",
		Example: "  deepdecipher datatype add neuron2graph graph",
		Args:    args(cobra.ExactArgs(2)),
	}
	cmd.RunE = a.withStore(func(cmd *cobra.Command, argv []string, db types.Database) error {
		kind, err := types.ParsePayloadKind(argv[1])
		if err != nil {
			return err
		}
		dt, err := db.RegisterDataType(cmd.Context(), argv[0], kind)
		if err != nil {
			return err
		}
		return a.emit(cmd, dt, func(w io.Writer) {
			fmt.Fprintf(w, "Registered data type %s (%s)\n", dt.Name, dt.Kind)
		})
	})
	return cmd
}

func newDataTypeListCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered data types",
		Args:  args(cobra.NoArgs),
	}
	cmd.RunE = a.withStore(func(cmd *cobra.Command, _ []string, db types.Database) error {
		dts, err := db.DataTypes(cmd.Context())
		if err != nil {
			return err
		}
		if dts == nil {
			dts = []types.DataType{}
		}
		return a.emit(cmd, dts, func(w io.Writer) {
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tKIND")
			for _, dt := range dts {
				fmt.Fprintf(tw, "%s\t%s\n", dt.Name, dt.Kind)
			}
			tw.Flush()
		})
	})
	return cmd
}

func newDataTypeDeleteCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a data type with its rows in every model",
		Long: "Delete a data type, its rows in every model and its attachments. With\n" +
			"delete_policy: restrict the delete fails while a service depends on it.",
		Args: args(cobra.ExactArgs(1)),
	}
	cmd.RunE = a.withStore(func(cmd *cobra.Command, argv []string, db types.Database) error {
		if err := db.DeleteDataType(cmd.Context(), argv[0]); err != nil {
			return err
		}
		return a.emit(cmd, map[string]string{"deleted": argv[0]}, func(w io.Writer) {
			fmt.Fprintf(w, "Deleted data type %s\n", argv[0])
		})
	})
	return cmd
}
