package cli

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/deepdecipher/internal/service"
	"github.com/mesh-intelligence/deepdecipher/pkg/types"
)

func newServiceCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage services and render their pages",
	}
	cmd.AddCommand(
		newServiceAddCmd(a),
		newServiceListCmd(a),
		newServiceShowCmd(a),
		newServiceDeleteCmd(a),
		newServiceAvailableCmd(a),
		newServicePageCmd(a),
	)
	return cmd
}

func printServices(w io.Writer, svcs []types.ServiceDescriptor) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tPROVIDER\tDATA TYPES")
	for _, s := range svcs {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", s.Name, s.Provider, strings.Join(s.DataTypes, ","))
	}
	tw.Flush()
}

func newServiceAddCmd(a *app) *cobra.Command {
	var provider string
	var dataTypes []string
	cmd := &cobra.Command{
		Use:   "add <name>",
		Short: "Register a service",
		Example: "  deepdecipher service add neuroscope --provider json --data-type neuroscope\n" +
			"  deepdecipher service add all --provider aggregate",
		Args: args(cobra.ExactArgs(1)),
	}
	cmd.RunE = a.withStore(func(cmd *cobra.Command, argv []string, db types.Database) error {
		p, err := types.ParseServiceProvider(provider)
		if err != nil {
			return err
		}
		desc := types.ServiceDescriptor{Name: argv[0], Provider: p, DataTypes: dataTypes}
		if err := service.Check(desc); err != nil {
			return err
		}
		desc, err = db.RegisterService(cmd.Context(), desc)
		if err != nil {
			return err
		}
		return a.emit(cmd, desc, func(w io.Writer) {
			fmt.Fprintf(w, "Registered service %s (%s)\n", desc.Name, desc.Provider)
		})
	})
	cmd.Flags().StringVarP(&provider, "provider", "p", "", "metadata, json, json_search, graph, graph_search or aggregate")
	cmd.Flags().StringSliceVarP(&dataTypes, "data-type", "d", nil, "data type the service reads (repeatable)")
	_ = cmd.MarkFlagRequired("provider")
	return cmd
}

func newServiceListCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered services",
		Args:  args(cobra.NoArgs),
	}
	cmd.RunE = a.withStore(func(cmd *cobra.Command, _ []string, db types.Database) error {
		svcs, err := db.Services(cmd.Context())
		if err != nil {
			return err
		}
		if svcs == nil {
			svcs = []types.ServiceDescriptor{}
		}
		return a.emit(cmd, svcs, func(w io.Writer) { printServices(w, svcs) })
	})
	return cmd
}

func newServiceShowCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show a service descriptor",
		Args:  args(cobra.ExactArgs(1)),
	}
	cmd.RunE = a.withStore(func(cmd *cobra.Command, argv []string, db types.Database) error {
		desc, ok, err := db.LookupService(cmd.Context(), argv[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("service %q: %w", argv[0], types.ErrNotFound)
		}
		return a.emit(cmd, desc, func(w io.Writer) {
			fmt.Fprintf(w, "Name:       %s\n", desc.Name)
			fmt.Fprintf(w, "Provider:   %s\n", desc.Provider)
			fmt.Fprintf(w, "Data types: %s\n", strings.Join(desc.DataTypes, ", "))
		})
	})
	return cmd
}

func newServiceDeleteCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a service; its data types and rows stay",
		Args:  args(cobra.ExactArgs(1)),
	}
	cmd.RunE = a.withStore(func(cmd *cobra.Command, argv []string, db types.Database) error {
		if err := db.DeleteService(cmd.Context(), argv[0]); err != nil {
			return err
		}
		return a.emit(cmd, map[string]string{"deleted": argv[0]}, func(w io.Writer) {
			fmt.Fprintf(w, "Deleted service %s\n", argv[0])
		})
	})
	return cmd
}

func newServiceAvailableCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "available <model>",
		Short: "List the services whose data types are all attached to a model",
		Args:  args(cobra.ExactArgs(1)),
	}
	cmd.RunE = a.withStore(func(cmd *cobra.Command, argv []string, db types.Database) error {
		svcs, err := db.AvailableServices(cmd.Context(), argv[0])
		if err != nil {
			return err
		}
		if svcs == nil {
			svcs = []types.ServiceDescriptor{}
		}
		return a.emit(cmd, svcs, func(w io.Writer) { printServices(w, svcs) })
	})
	return cmd
}

func newServicePageCmd(a *app) *cobra.Command {
	var query string
	cmd := &cobra.Command{
		Use:   "page <service> <model> [index]",
		Short: "Render a service page for a model, a layer or a neuron",
		Long: "Render the page a service shows at an index (model, l<layer> or\n" +
			"l<layer>n<neuron>; default model). json_search takes a key and\n" +
			"graph_search a token query such as activating:the,any:cat via --query.\n" +
			"A page without data exits with status 1.",
		Example: "  deepdecipher service page neuroscope solu-1l l0n12\n" +
			"  deepdecipher service page search solu-1l --query any:the",
		Args: args(cobra.RangeArgs(2, 3)),
	}
	cmd.RunE = a.withStore(func(cmd *cobra.Command, argv []string, db types.Database) error {
		req := service.Request{Service: argv[0], Model: argv[1], Query: query}
		if len(argv) == 3 {
			idx, err := types.ParseIndex(argv[2])
			if err != nil {
				return err
			}
			req.Index = idx
		}
		page, err := service.New(db, a.log).Render(cmd.Context(), req)
		if err != nil {
			return err
		}
		if !page.Found {
			return fmt.Errorf("%s for %s at %s: %w", req.Service, req.Model, req.Index, errNoData)
		}
		// The body is already JSON; --json only changes the indentation.
		return writeJSON(cmd.OutOrStdout(), page.Body, a.jsonMode)
	})
	cmd.Flags().StringVarP(&query, "query", "q", "", "json_search key or graph_search token query")
	return cmd
}
