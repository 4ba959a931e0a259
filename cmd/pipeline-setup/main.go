// Package main provides the pipeline-setup CLI entry point.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rancher/pipeline-setup/internal/app"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipeline-setup",
		Short: "Commit a Newman CI pipeline for a Postman collection to a GitHub repository",
		Long: `pipeline-setup exports a Postman collection (and optionally an environment),
renders a GitHub Actions workflow that runs it with Newman, and commits the
workflow, the collection files and a package.json to a GitHub repository in a
single commit. It then checks that GitHub registered the workflow.

Credentials come from GITHUB_TOKEN and POSTMAN_API_KEY, read from the
environment or a .env file in the current directory.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := buildConfig(cmd)
			if err != nil {
				return err
			}

			runner, err := app.NewRunner(cfg)
			if err != nil {
				return fmt.Errorf("create runner: %w", err)
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return runner.Run(ctx)
		},
	}

	f := cmd.Flags()
	f.String("collection-uid", "", "Postman collection uid to export")
	f.String("collection-file", "", "local Postman collection file")
	f.String("environment-uid", "", "Postman environment uid to export")
	f.String("environment-file", "", "local Postman environment file")
	f.String("repo", "", "existing repository (owner/name)")
	f.String("new-repo", "", "name of a repository to create under the authenticated account")
	f.String("branch", "", "branch to commit to (default: the repository default branch)")
	f.StringP("message", "m", "", "commit message")
	f.String("work-dir", "", "directory where generated files are written (default: current directory)")
	f.Bool("private", false, "create the new repository as private")
	f.BoolP("verbose", "v", false, "enable debug logging")

	cmd.MarkFlagsMutuallyExclusive("collection-uid", "collection-file")
	cmd.MarkFlagsMutuallyExclusive("environment-uid", "environment-file")
	cmd.MarkFlagsMutuallyExclusive("repo", "new-repo")

	return cmd
}

// buildConfig layers explicitly set flags over the environment, then validates.
func buildConfig(cmd *cobra.Command) (app.Config, error) {
	if err := app.LoadDotEnv(); err != nil {
		return app.Config{}, err
	}

	cfg, err := app.ConfigFromEnv()
	if err != nil {
		return app.Config{}, fmt.Errorf("load config: %w", err)
	}

	f := cmd.Flags()
	str := func(name string) string {
		v, _ := f.GetString(name)
		return v
	}
	boolean := func(name string) bool {
		v, _ := f.GetBool(name)
		return v
	}

	// A flag for one side of a pair replaces whatever the environment chose for the pair.
	if f.Changed("collection-uid") || f.Changed("collection-file") {
		cfg.CollectionUID, cfg.CollectionFile = str("collection-uid"), str("collection-file")
	}
	if f.Changed("environment-uid") || f.Changed("environment-file") {
		cfg.EnvironmentUID, cfg.EnvironmentFile = str("environment-uid"), str("environment-file")
	}
	if f.Changed("repo") || f.Changed("new-repo") {
		cfg.Repository, cfg.NewRepository = str("repo"), str("new-repo")
	}
	if f.Changed("branch") {
		cfg.Branch = str("branch")
	}
	if f.Changed("message") {
		cfg.CommitMessage = str("message")
	}
	if f.Changed("work-dir") {
		cfg.WorkDir = str("work-dir")
	}
	if f.Changed("private") {
		cfg.PrivateRepo = boolean("private")
	}
	if f.Changed("verbose") {
		cfg.Verbose = boolean("verbose")
	}

	if err := cfg.Validate(); err != nil {
		return app.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}
