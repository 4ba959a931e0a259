package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/rancher/pipeline-setup/internal/commit"
	gh "github.com/rancher/pipeline-setup/internal/github"
	"github.com/rancher/pipeline-setup/internal/orchestrator"
	"github.com/rancher/pipeline-setup/internal/postman"
	"github.com/rancher/pipeline-setup/internal/provision"
	"github.com/rancher/pipeline-setup/internal/verify"
)

// Runner glues together the orchestrator and supporting services to execute the setup flow.
type Runner struct {
	cfg       Config
	log       *slog.Logger
	ghFactory gh.Factory
	exporter  orchestrator.Exporter
	out       io.Writer

	// settle overrides the orchestrator's settle wait; only set for testing.
	settle func(context.Context, time.Duration) error
}

// NewRunner constructs a Runner with the supplied configuration.
func NewRunner(cfg Config) (*Runner, error) {
	logger, err := NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}

	r := &Runner{
		cfg:       cfg,
		log:       logger,
		ghFactory: gh.NewRESTFactory(cfg.GitHubBaseURL, cfg.GitHubUploadURL),
		out:       os.Stdout,
	}
	if cfg.PostmanAPIKey != "" {
		r.exporter = postman.NewClient(cfg.PostmanAPIKey, postman.WithLogger(logger.With("client", "postman")))
	}
	return r, nil
}

// NewRunnerWithDeps constructs a Runner with injected dependencies for testing.
func NewRunnerWithDeps(cfg Config, log *slog.Logger, ghFactory gh.Factory, exporter orchestrator.Exporter, out io.Writer) *Runner {
	return &Runner{cfg: cfg, log: log, ghFactory: ghFactory, exporter: exporter, out: out}
}

// Run executes the setup flow, reports the outcome and returns the first error encountered.
func (r *Runner) Run(ctx context.Context) error {
	sel, err := r.cfg.Selection()
	if err != nil {
		return fmt.Errorf("resolve selection: %w", err)
	}

	if r.log != nil {
		r.log.Info("starting pipeline setup run",
			"collection_source", sel.CollectionSource,
			"environment_required", sel.EnvironmentRequired,
			"repo_choice", sel.RepoChoice,
			"repository", sel.Repository)
	}

	ghClient, err := r.ghFactory.New(ctx, r.cfg.GitHubToken)
	if err != nil {
		return fmt.Errorf("initialize github client: %w", err)
	}

	provisioner := provision.New(ghClient, r.log)
	provisioner.Private = r.cfg.PrivateRepo

	verifier := verify.New(ghClient, r.log)
	verifier.MaxAttempts = r.cfg.VerifyAttempts
	verifier.Interval = r.cfg.VerifyInterval

	orchCfg := orchestrator.Config{
		Selection:     sel,
		Branch:        r.cfg.Branch,
		CommitMessage: r.cfg.CommitMessage,
		WorkDir:       r.cfg.WorkDir,
		SettleDelay:   r.cfg.SettleDelay,
		NodeVersion:   r.cfg.NodeVersion,
	}

	deps := orchestrator.Deps{
		Exporter:    r.exporter,
		Provisioner: provisioner,
		Branches:    ghClient,
		Committer:   commit.NewBuilder(ghClient, r.log),
		Verifier:    verifier,
		Sleep:       r.settle,
	}

	result, runErr := orchestrator.New(orchCfg, deps, r.log).Run(ctx)

	if runErr != nil && r.log != nil {
		r.log.Error("pipeline setup failed", "error", runErr, "retryable", gh.IsRetryable(runErr))
	}

	if err := r.writeStepSummary(result, runErr); err != nil && r.log != nil {
		r.log.Warn("failed to write step summary", "error", err)
	}
	if err := r.writeGitHubOutputs(result); err != nil && r.log != nil {
		r.log.Warn("failed to write outputs", "error", err)
	}
	if r.out != nil {
		printStatus(r.out, result, runErr)
	}

	return runErr
}
