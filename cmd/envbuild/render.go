package main

import (
	"fmt"

	"github.com/maxdollinger/envbuild/pkg/recipe"
	"github.com/spf13/cobra"
)

func newRenderCmd(_ *rootOptions) *cobra.Command {
	var digestOnly bool

	cmd := &cobra.Command{
		Use:   "render RECIPE",
		Short: "Validate a recipe and print it in canonical form",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := recipe.Load(args[0])
			if err != nil {
				return &ExitError{Code: exitCode(err), Err: err}
			}

			out := cmd.OutOrStdout()
			if digestOnly {
				fmt.Fprintln(out, rec.Digest())
				return nil
			}
			fmt.Fprintf(out, "# %s\n%s", rec.Digest(), rec.Render())
			return nil
		},
	}

	cmd.Flags().BoolVar(&digestOnly, "digest", false, "print only the recipe digest")
	return cmd
}
