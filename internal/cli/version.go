package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/deepdecipher/pkg/deepdecipher"
)

func newVersionCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the deepdecipher version",
		Args:  args(cobra.NoArgs),
		RunE: func(cmd *cobra.Command, _ []string) error {
			out := struct {
				Version string `json:"version"`
				Module  string `json:"module"`
			}{deepdecipher.Version, deepdecipher.ModulePath}
			return a.emit(cmd, out, func(w io.Writer) {
				fmt.Fprintf(w, "deepdecipher v%s\nmodule: %s\n", out.Version, out.Module)
			})
		},
	}
}
