package cli

import (
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/deepdecipher/pkg/sqlite"
	"github.com/mesh-intelligence/deepdecipher/pkg/types"
)

type initResult struct {
	ConfigFile    string `json:"config_file"`
	ConfigCreated bool   `json:"config_created"`
	Store         string `json:"store"`
	StoreCreated  bool   `json:"store_created"`
}

func newInitCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the configuration file and an empty store",
		Long: "Write config.yaml into the configuration directory if it is missing and\n" +
			"create the store in the data directory. Running init again is harmless.",
		Args: args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			res := initResult{ConfigFile: a.configPath(), Store: a.storePath}

			// Only an explicit --data-dir is recorded in the new config.
			dataDir := ""
			if a.dataDir != "" {
				dataDir = a.resolvedDataDir
			}
			created, err := writeConfigIfMissing(res.ConfigFile, dataDir)
			if err != nil {
				return err
			}
			res.ConfigCreated = created

			db, err := sqlite.Initialize(cmd.Context(), a.storeConfig())
			switch {
			case errors.Is(err, types.ErrAlreadyExists):
			case err != nil:
				return fmt.Errorf("initialize store: %w", err)
			default:
				res.StoreCreated = true
				if err := db.Close(); err != nil {
					return fmt.Errorf("close store: %w", err)
				}
			}

			return a.emit(cmd, res, func(w io.Writer) {
				if res.StoreCreated {
					fmt.Fprintf(w, "Initialized store at %s\n", res.Store)
				} else {
					fmt.Fprintf(w, "Store already exists at %s\n", res.Store)
				}
				if res.ConfigCreated {
					fmt.Fprintf(w, "Wrote %s\n", res.ConfigFile)
				}
			})
		},
	}
}
