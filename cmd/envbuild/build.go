package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/maxdollinger/envbuild/internal/builder"
	"github.com/maxdollinger/envbuild/internal/db"
	"github.com/maxdollinger/envbuild/pkg/fs"
	"github.com/maxdollinger/envbuild/pkg/lock"
	"github.com/maxdollinger/envbuild/pkg/provision"
	"github.com/maxdollinger/envbuild/pkg/recipe"
	"github.com/spf13/cobra"
)

type buildOptions struct {
	tag      string
	report   string
	archive  string
	jsonOut  bool
	noRecord bool
}

func newBuildCmd(root *rootOptions) *cobra.Command {
	opts := &buildOptions{}

	cmd := &cobra.Command{
		Use:   "build RECIPE",
		Short: "Build and publish the image described by a recipe",
		Example: `  envbuild build --tag dev-env recipes/dev-env.Dockerfile
  envbuild build --tag dev-env --require-digest --report report.json recipe`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			cfg := root.cfg

			rec, err := recipe.Load(args[0])
			if err != nil {
				return &ExitError{Code: exitCode(err), Err: err}
			}

			executor := provision.NewChrootExecutor()
			executor.ResolvConf = cfg.ResolvConf

			builderOpts := []builder.Option{builder.WithSources(builder.DefaultSources(cfg.RequireDigest))}
			if !opts.noRecord {
				envDB, err := db.NewDB(cfg.DBPath)
				if err != nil {
					return &ExitError{Code: exitFailure, Err: err}
				}
				defer envDB.Close()
				if err := db.InitSchema(ctx, envDB); err != nil {
					return &ExitError{Code: exitFailure, Err: err}
				}
				builderOpts = append(builderOpts, builder.WithHistory(envDB))
			}

			b := builder.NewBuilder(fs.NewFlattener(), executor, lock.NewFileLocker(cfg.LockDir), builderOpts...)
			result, err := b.Build(ctx, rec, builder.BuildOptions{
				Tag:         opts.tag,
				LayoutDir:   cfg.LayoutDir,
				WorkDir:     cfg.WorkDir,
				ReportPath:  opts.report,
				ArchivePath: opts.archive,
				KeepWorkDir: cfg.KeepWorkDir,
				Created:     cfg.Created(timeNow()),
				Platform:    cfg.Platform,
			})
			if err != nil {
				var berr *builder.BuildError
				if errors.As(err, &berr) {
					return &ExitError{
						Code: exitCode(err),
						Err:  fmt.Errorf("build failed in %s phase: %w", berr.Stage, berr.Err),
					}
				}
				return &ExitError{Code: exitCode(err), Err: err}
			}

			out := cmd.OutOrStdout()
			if opts.jsonOut {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(result)
			}
			fmt.Fprintf(out, "%s@%s\n", result.Tag, result.ImageDigest)
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.tag, "tag", "t", "", "name of the image in the layout (required)")
	flags.StringVar(&opts.report, "report", "", "write a JSON build report to this file")
	flags.StringVar(&opts.archive, "archive", "", "also write a docker-loadable tarball to this file")
	flags.BoolVar(&opts.jsonOut, "json", false, "print the build result as JSON")
	flags.BoolVar(&opts.noRecord, "no-history", false, "do not record the build in the history database")
	flags.Bool("require-digest", false, "reject base images not pinned by digest")
	flags.String("platform", "", "platform of the base image, e.g. linux/arm64")
	flags.Bool("keep-work-dir", false, "keep the build directory for inspection")
	_ = cmd.MarkFlagRequired("tag")

	return cmd
}
