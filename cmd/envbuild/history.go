package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/maxdollinger/envbuild/internal/db"
	"github.com/maxdollinger/envbuild/pkg/recipe"
	"github.com/spf13/cobra"
)

// timeNow is replaced in tests.
var timeNow = time.Now

func newHistoryCmd(root *rootOptions) *cobra.Command {
	var (
		recipePath string
		limit      int
		jsonOut    bool
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List recorded builds, most recent first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var recipeDigest string
			if recipePath != "" {
				rec, err := recipe.Load(recipePath)
				if err != nil {
					return &ExitError{Code: exitCode(err), Err: err}
				}
				recipeDigest = rec.Digest().String()
			}

			envDB, err := db.NewDB(root.cfg.DBPath)
			if err != nil {
				return &ExitError{Code: exitFailure, Err: err}
			}
			defer envDB.Close()
			if err := db.InitSchema(ctx, envDB); err != nil {
				return &ExitError{Code: exitFailure, Err: err}
			}

			jobs, err := db.ListBuildJobs(ctx, envDB, recipeDigest, limit)
			if err != nil {
				return &ExitError{Code: exitFailure, Err: err}
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(jobs)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tTAG\tBASE\tSTATUS\tPHASE\tCREATED\tDETAIL")
			for _, job := range jobs {
				detail := ""
				switch {
				case job.Error != nil:
					detail = deref(job.ErrorKind) + ": " + *job.Error
				case job.ImageDigest != nil:
					detail = *job.ImageDigest
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					job.ID, job.Tag, job.BaseImage, job.Status, job.Phase,
					job.CreatedAt.Format(time.DateTime), detail)
			}
			return tw.Flush()
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&recipePath, "recipe", "", "only show builds of this recipe")
	flags.IntVarP(&limit, "limit", "n", 20, "maximum number of builds to show")
	flags.BoolVar(&jsonOut, "json", false, "print as JSON")
	return cmd
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
