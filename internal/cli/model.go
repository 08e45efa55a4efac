package cli

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mesh-intelligence/deepdecipher/pkg/types"
)

func newModelCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "model",
		Short: "Manage registered models",
	}
	cmd.AddCommand(
		newModelAddCmd(a),
		newModelListCmd(a),
		newModelShowCmd(a),
		newModelDeleteCmd(a),
		newModelReplaceCmd(a),
		newModelAttachCmd(a),
		newModelDetachCmd(a),
		newModelMissingCmd(a),
	)
	return cmd
}

// metadataFlags collects model metadata from flags or from a YAML/JSON file.
type metadataFlags struct {
	file       string
	layers     uint32
	neurons    uint32
	activation string
	params     uint64
	dataset    string
}

func (f *metadataFlags) register(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVarP(&f.file, "file", "f", "", "read metadata from a YAML or JSON file")
	fs.Uint32Var(&f.layers, "layers", 0, "number of layers")
	fs.Uint32Var(&f.neurons, "neurons", 0, "neurons per layer")
	fs.StringVar(&f.activation, "activation", "", "activation function")
	fs.Uint64Var(&f.params, "params", 0, "total number of parameters")
	fs.StringVar(&f.dataset, "dataset", "", "dataset the model was trained on")
}

// metadata starts from the file, if any, and lets set flags override it.
// A non-empty name argument wins over the file's name.
func (f *metadataFlags) metadata(cmd *cobra.Command, name string) (types.ModelMetadata, error) {
	var meta types.ModelMetadata
	if f.file != "" {
		data, err := os.ReadFile(f.file)
		if err != nil {
			return meta, fmt.Errorf("read metadata file: %w", err)
		}
		if err := yaml.Unmarshal(data, &meta); err != nil {
			return meta, fmt.Errorf("%w: %s: %v", types.ErrInvalidMetadata, f.file, err)
		}
	}
	fs := cmd.Flags()
	if name != "" {
		meta.Name = name
	}
	if fs.Changed("layers") {
		meta.NumLayers = f.layers
	}
	if fs.Changed("neurons") {
		meta.NeuronsPerLayer = f.neurons
	}
	if fs.Changed("activation") {
		meta.ActivationFunction = f.activation
	}
	if fs.Changed("params") {
		meta.NumTotalParameters = f.params
	}
	if fs.Changed("dataset") {
		meta.Dataset = f.dataset
	}
	return meta, nil
}

func printModel(w io.Writer, m types.Model) {
	meta := m.Metadata
	fmt.Fprintf(w, "Name:        %s\n", meta.Name)
	fmt.Fprintf(w, "ID:          %d\n", m.ID)
	fmt.Fprintf(w, "Layers:      %d\n", meta.NumLayers)
	fmt.Fprintf(w, "Neurons:     %d per layer, %s total\n", meta.NeuronsPerLayer, humanize.Comma(int64(meta.NumTotalNeurons())))
	if meta.ActivationFunction != "" {
		fmt.Fprintf(w, "Activation:  %s\n", meta.ActivationFunction)
	}
	if meta.NumTotalParameters > 0 {
		fmt.Fprintf(w, "Parameters:  %s\n", humanize.Comma(int64(meta.NumTotalParameters)))
	}
	if meta.Dataset != "" {
		fmt.Fprintf(w, "Dataset:     %s\n", meta.Dataset)
	}
}

func newModelAddCmd(a *app) *cobra.Command {
	var f metadataFlags
	cmd := &cobra.Command{
		Use:   "add [name]",
		Short: "Register a model",
		Example: "  deepdecipher model add solu-1l --layers 1 --neurons 2048 --activation solu\n" +
			"  deepdecipher model add --file gpt2-small.yaml",
		Args: args(cobra.MaximumNArgs(1)),
	}
	cmd.RunE = a.withStore(func(cmd *cobra.Command, argv []string, db types.Database) error {
		var name string
		if len(argv) == 1 {
			name = argv[0]
		}
		meta, err := f.metadata(cmd, name)
		if err != nil {
			return err
		}
		m, err := db.RegisterModel(cmd.Context(), meta)
		if err != nil {
			return err
		}
		return a.emit(cmd, m, func(w io.Writer) {
			fmt.Fprintf(w, "Registered model %s (%d x %d)\n", m.Name(), meta.NumLayers, meta.NeuronsPerLayer)
		})
	})
	f.register(cmd)
	return cmd
}

func newModelListCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered models",
		Args:  args(cobra.NoArgs),
	}
	cmd.RunE = a.withStore(func(cmd *cobra.Command, _ []string, db types.Database) error {
		models, err := db.Models(cmd.Context())
		if err != nil {
			return err
		}
		if models == nil {
			models = []types.Model{}
		}
		return a.emit(cmd, models, func(w io.Writer) {
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tLAYERS\tNEURONS/LAYER\tNEURONS\tDATASET")
			for _, m := range models {
				meta := m.Metadata
				fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", meta.Name, meta.NumLayers, meta.NeuronsPerLayer,
					humanize.Comma(int64(meta.NumTotalNeurons())), meta.Dataset)
			}
			tw.Flush()
		})
	})
	return cmd
}

type modelDetail struct {
	types.Model
	DataTypes []types.DataType          `json:"data_types"`
	Services  []types.ServiceDescriptor `json:"services"`
}

func newModelShowCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <name>",
		Short: "Show a model with its data types and available services",
		Args:  args(cobra.ExactArgs(1)),
	}
	cmd.RunE = a.withStore(func(cmd *cobra.Command, argv []string, db types.Database) error {
		ctx := cmd.Context()
		m, ok, err := db.LookupModel(ctx, argv[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("model %q: %w", argv[0], types.ErrNotFound)
		}
		detail := modelDetail{Model: m, DataTypes: []types.DataType{}, Services: []types.ServiceDescriptor{}}
		dts, err := db.ModelDataTypes(ctx, m.Name())
		if err != nil {
			return err
		}
		detail.DataTypes = append(detail.DataTypes, dts...)
		svcs, err := db.AvailableServices(ctx, m.Name())
		if err != nil {
			return err
		}
		detail.Services = append(detail.Services, svcs...)

		return a.emit(cmd, detail, func(w io.Writer) {
			printModel(w, m)
			fmt.Fprintln(w, "Data types:")
			for _, dt := range detail.DataTypes {
				fmt.Fprintf(w, "  %s (%s)\n", dt.Name, dt.Kind)
			}
			fmt.Fprintln(w, "Services:")
			for _, s := range detail.Services {
				fmt.Fprintf(w, "  %s (%s)\n", s.Name, s.Provider)
			}
		})
	})
	return cmd
}

func newModelDeleteCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a model with all of its rows",
		Args:  args(cobra.ExactArgs(1)),
	}
	cmd.RunE = a.withStore(func(cmd *cobra.Command, argv []string, db types.Database) error {
		if err := db.DeleteModel(cmd.Context(), argv[0]); err != nil {
			return err
		}
		return a.emit(cmd, map[string]string{"deleted": argv[0]}, func(w io.Writer) {
			fmt.Fprintf(w, "Deleted model %s\n", argv[0])
		})
	})
	return cmd
}

func newModelReplaceCmd(a *app) *cobra.Command {
	var f metadataFlags
	cmd := &cobra.Command{
		Use:   "replace <name>",
		Short: "Replace a model's metadata",
		Long: "Replace the metadata of a registered model. Fields not given by flags or\n" +
			"the file keep their current values. Shrinking the dimensions fails while\n" +
			"rows exist outside the new bounds.",
		Args: args(cobra.ExactArgs(1)),
	}
	cmd.RunE = a.withStore(func(cmd *cobra.Command, argv []string, db types.Database) error {
		ctx := cmd.Context()
		current, ok, err := db.LookupModel(ctx, argv[0])
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("model %q: %w", argv[0], types.ErrNotFound)
		}
		meta, err := f.metadata(cmd, "")
		if err != nil {
			return err
		}
		meta = mergeMetadata(current.Metadata, meta, f.file != "", cmd)

		m, err := db.ReplaceMetadata(ctx, argv[0], meta)
		if err != nil {
			return err
		}
		return a.emit(cmd, m, func(w io.Writer) {
			printModel(w, m)
		})
	})
	f.register(cmd)
	return cmd
}

// mergeMetadata overlays next on current. With a file every field comes
// from next; without one only the flags that were set do.
func mergeMetadata(current, next types.ModelMetadata, fromFile bool, cmd *cobra.Command) types.ModelMetadata {
	if fromFile {
		if next.Name == "" {
			next.Name = current.Name
		}
		return next
	}
	fs := cmd.Flags()
	merged := current
	if fs.Changed("layers") {
		merged.NumLayers = next.NumLayers
	}
	if fs.Changed("neurons") {
		merged.NeuronsPerLayer = next.NeuronsPerLayer
	}
	if fs.Changed("activation") {
		merged.ActivationFunction = next.ActivationFunction
	}
	if fs.Changed("params") {
		merged.NumTotalParameters = next.NumTotalParameters
	}
	if fs.Changed("dataset") {
		merged.Dataset = next.Dataset
	}
	return merged
}

func newModelAttachCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach <model> <data-type>",
		Short: "Attach a data type to a model",
		Args:  args(cobra.ExactArgs(2)),
	}
	cmd.RunE = a.withStore(func(cmd *cobra.Command, argv []string, db types.Database) error {
		if err := db.AttachDataType(cmd.Context(), argv[0], argv[1]); err != nil {
			return err
		}
		return a.emit(cmd, map[string]string{"model": argv[0], "attached": argv[1]}, func(w io.Writer) {
			fmt.Fprintf(w, "Attached %s to %s\n", argv[1], argv[0])
		})
	})
	return cmd
}

func newModelDetachCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "detach <model> <data-type>",
		Short: "Detach a data type from a model, deleting the model's rows of it",
		Args:  args(cobra.ExactArgs(2)),
	}
	cmd.RunE = a.withStore(func(cmd *cobra.Command, argv []string, db types.Database) error {
		if err := db.DetachDataType(cmd.Context(), argv[0], argv[1]); err != nil {
			return err
		}
		return a.emit(cmd, map[string]string{"model": argv[0], "detached": argv[1]}, func(w io.Writer) {
			fmt.Fprintf(w, "Detached %s from %s\n", argv[1], argv[0])
		})
	})
	return cmd
}

type missingResult struct {
	Model       string        `json:"model"`
	DataType    string        `json:"data_type"`
	Granularity string        `json:"granularity"`
	Missing     []types.Index `json:"missing"`
}

func newModelMissingCmd(a *app) *cobra.Command {
	var granularity string
	var limit int
	cmd := &cobra.Command{
		Use:   "missing <model> <data-type>",
		Short: "List the indices that have no row of a data type",
		Args:  args(cobra.ExactArgs(2)),
	}
	cmd.RunE = a.withStore(func(cmd *cobra.Command, argv []string, db types.Database) error {
		g, err := types.ParseGranularity(granularity)
		if err != nil {
			return err
		}
		missing, err := db.MissingItems(cmd.Context(), argv[0], argv[1], g)
		if err != nil {
			return err
		}
		res := missingResult{Model: argv[0], DataType: argv[1], Granularity: g.String(), Missing: missing}
		if res.Missing == nil {
			res.Missing = []types.Index{}
		}
		return a.emit(cmd, res, func(w io.Writer) {
			fmt.Fprintf(w, "%s missing %s rows for %s\n", humanize.Comma(int64(len(missing))), g, argv[1])
			for i, idx := range missing {
				if limit > 0 && i == limit {
					fmt.Fprintf(w, "  ... %s more\n", humanize.Comma(int64(len(missing)-limit)))
					break
				}
				fmt.Fprintf(w, "  %s\n", idx)
			}
		})
	})
	cmd.Flags().StringVarP(&granularity, "granularity", "g", "neuron", "model, layer or neuron")
	cmd.Flags().IntVar(&limit, "limit", 20, "indices to print in text mode; 0 prints all")
	return cmd
}
