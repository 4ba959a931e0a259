package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rancher/pipeline-setup/internal/collection"
	"github.com/rancher/pipeline-setup/internal/commit"
	gh "github.com/rancher/pipeline-setup/internal/github"
	"github.com/rancher/pipeline-setup/internal/pipeline"
)

// Exporter downloads Postman documents to local files.
type Exporter interface {
	ExportCollection(ctx context.Context, uid, outputPath string) error
	ExportEnvironment(ctx context.Context, uid, outputPath string) error
}

// Provisioner makes sure the target repository exists and has a default branch.
type Provisioner interface {
	Ensure(ctx context.Context, repo string, createIfMissing bool) (string, error)
}

// BranchResolver reports the default branch of a repository.
type BranchResolver interface {
	DefaultBranch(ctx context.Context, owner, repo string) (string, error)
}

// Committer writes a set of files as one commit.
type Committer interface {
	Commit(ctx context.Context, owner, repo, branch, message string, changes []commit.FileChange) (string, error)
}

// Verifier checks that GitHub registered the workflow.
type Verifier interface {
	Verify(ctx context.Context, owner, repo string) (bool, error)
}

// Deps are the collaborators a run is sequenced over. Exporter may be nil when every
// document comes from a local file.
type Deps struct {
	Exporter    Exporter
	Provisioner Provisioner
	Branches    BranchResolver
	Committer   Committer
	Verifier    Verifier

	// Sleep waits out the settle delay. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Step names a stage of the run.
type Step string

const (
	StepResolveCollection  Step = "resolve collection"
	StepResolveEnvironment Step = "resolve environment"
	StepProvision          Step = "provision repository"
	StepResolveBranch      Step = "resolve branch"
	StepRenderWorkflow     Step = "render workflow"
	StepWriteManifest      Step = "write manifest"
	StepCommit             Step = "commit"
	StepSettle             Step = "settle"
	StepVerify             Step = "verify workflow"
)

// StepError reports the step a run halted on.
type StepError struct {
	Step Step
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Result captures the outcome of a run. On failure it holds whatever was established before
// the failing step.
type Result struct {
	Repository    string
	Branch        string
	CommitSHA     string
	Files         []string
	Collection    collection.Collection
	Environment   *collection.Environment
	WorkflowFound bool
}

// Orchestrator sequences export, provisioning, rendering, committing and verification.
type Orchestrator struct {
	cfg  Config
	deps Deps
	log  *slog.Logger
}

// New returns a configured Orchestrator instance.
func New(cfg Config, deps Deps, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{cfg: cfg, deps: deps, log: logger}
}

type document struct {
	localPath string
	repoPath  string
}

// Run executes every step in order and stops at the first failure. Nothing created
// remotely before a failure is rolled back.
func (o *Orchestrator) Run(ctx context.Context) (Result, error) {
	var result Result

	if err := o.validate(); err != nil {
		return result, err
	}

	workDir, err := filepath.Abs(o.workDir())
	if err != nil {
		return result, fmt.Errorf("resolve work dir: %w", err)
	}

	sel := o.cfg.Selection

	col, err := o.resolveDocument(ctx, sel.CollectionSource, sel.Collection, filepath.Join(workDir, CollectionFile), workDir, o.deps.exportCollection)
	if err != nil {
		return result, &StepError{Step: StepResolveCollection, Err: err}
	}
	result.Collection, err = collection.ParseCollectionFile(col.localPath)
	if err != nil {
		return result, &StepError{Step: StepResolveCollection, Err: err}
	}
	o.logInfo("collection ready", "name", result.Collection.Name, "requests", result.Collection.ItemCount, "path", col.localPath)

	var env *document
	if sel.EnvironmentRequired {
		resolved, err := o.resolveDocument(ctx, sel.EnvironmentSource, sel.Environment, filepath.Join(workDir, EnvironmentFile), workDir, o.deps.exportEnvironment)
		if err != nil {
			return result, &StepError{Step: StepResolveEnvironment, Err: err}
		}
		parsed, err := collection.ParseEnvironmentFile(resolved.localPath)
		if err != nil {
			return result, &StepError{Step: StepResolveEnvironment, Err: err}
		}
		env = &resolved
		result.Environment = &parsed
		o.logInfo("environment ready", "name", parsed.Name, "values", parsed.ValueCount, "path", resolved.localPath)
	}

	fullName, err := o.deps.Provisioner.Ensure(ctx, sel.Repository, sel.RepoChoice == RepoNew)
	if err != nil {
		return result, &StepError{Step: StepProvision, Err: err}
	}
	result.Repository = fullName

	owner, repo, err := gh.SplitFullName(fullName)
	if err != nil {
		return result, &StepError{Step: StepProvision, Err: err}
	}

	branch, err := o.resolveBranch(ctx, owner, repo)
	if err != nil {
		return result, &StepError{Step: StepResolveBranch, Err: err}
	}
	result.Branch = branch

	envRepoPath := ""
	if env != nil {
		envRepoPath = env.repoPath
	}

	// Only an explicitly configured branch narrows the triggers.
	var triggerBranches []string
	if o.cfg.Branch != "" {
		triggerBranches = []string{branch}
	}

	workflowPath := filepath.Join(workDir, filepath.FromSlash(WorkflowRepoPath))
	err = pipeline.WriteWorkflow(workflowPath, pipeline.WorkflowOptions{
		CollectionPath:  col.repoPath,
		EnvironmentPath: envRepoPath,
		Branches:        triggerBranches,
		NodeVersion:     o.cfg.NodeVersion,
	})
	if err != nil {
		return result, &StepError{Step: StepRenderWorkflow, Err: err}
	}

	manifestPath, err := pipeline.WriteManifest(workDir, pipeline.ManifestOptions{
		CollectionPath:  col.repoPath,
		EnvironmentPath: envRepoPath,
	})
	if err != nil {
		return result, &StepError{Step: StepWriteManifest, Err: err}
	}

	changes := []commit.FileChange{
		{LocalPath: workflowPath, RepoPath: WorkflowRepoPath},
		{LocalPath: col.localPath, RepoPath: col.repoPath},
	}
	if env != nil {
		changes = append(changes, commit.FileChange{LocalPath: env.localPath, RepoPath: env.repoPath})
	}
	changes = append(changes, commit.FileChange{LocalPath: manifestPath, RepoPath: repoPath(workDir, manifestPath)})

	sha, err := o.deps.Committer.Commit(ctx, owner, repo, branch, o.commitMessage(), changes)
	if err != nil {
		return result, &StepError{Step: StepCommit, Err: err}
	}
	result.CommitSHA = sha
	for _, change := range changes {
		result.Files = append(result.Files, change.RepoPath)
	}

	if delay := o.cfg.SettleDelay; delay > 0 {
		o.logInfo("waiting for GitHub to register the workflow", "delay", delay.String())
		if err := o.deps.sleep(ctx, delay); err != nil {
			return result, &StepError{Step: StepSettle, Err: err}
		}
	}

	found, err := o.deps.Verifier.Verify(ctx, owner, repo)
	if err != nil {
		return result, &StepError{Step: StepVerify, Err: err}
	}
	result.WorkflowFound = found

	if found {
		o.logInfo("pipeline configured", "repository", fullName, "branch", branch, "commit", sha)
	} else if o.log != nil {
		o.log.Warn("pipeline committed but no workflow was registered yet", "repository", fullName, "branch", branch, "commit", sha)
	}

	return result, nil
}

func (o *Orchestrator) validate() error {
	if err := o.cfg.Selection.Validate(); err != nil {
		return fmt.Errorf("invalid selection: %w", err)
	}
	if o.cfg.Selection.NeedsExporter() && o.deps.Exporter == nil {
		return fmt.Errorf("postman exporter is required for uid sources")
	}
	if o.deps.Provisioner == nil {
		return fmt.Errorf("repository provisioner is required")
	}
	if o.deps.Committer == nil {
		return fmt.Errorf("committer is required")
	}
	if o.deps.Verifier == nil {
		return fmt.Errorf("workflow verifier is required")
	}
	if o.cfg.Branch == "" && o.deps.Branches == nil {
		return fmt.Errorf("branch resolver is required when no branch is configured")
	}
	return nil
}

func (o *Orchestrator) resolveDocument(ctx context.Context, source Source, value, exportPath, workDir string, export func(context.Context, string, string) error) (document, error) {
	local := value
	if source == SourceUID {
		if err := export(ctx, value, exportPath); err != nil {
			return document{}, err
		}
		local = exportPath
	}

	abs, err := filepath.Abs(local)
	if err != nil {
		return document{}, fmt.Errorf("resolve %s: %w", local, err)
	}
	if _, err := os.Stat(abs); err != nil {
		return document{}, fmt.Errorf("%w: %w", commit.ErrLocalFileMissing, err)
	}
	return document{localPath: abs, repoPath: repoPath(workDir, abs)}, nil
}

func (o *Orchestrator) resolveBranch(ctx context.Context, owner, repo string) (string, error) {
	if configured := gh.NormalizeBranch(o.cfg.Branch); configured != "" {
		if err := gh.ValidateBranchName(configured); err != nil {
			return "", fmt.Errorf("branch %q: %w", configured, err)
		}
		return configured, nil
	}

	branch, err := o.deps.Branches.DefaultBranch(ctx, owner, repo)
	if err != nil {
		return "", err
	}
	if branch == "" {
		return "", fmt.Errorf("repository %s/%s reports no default branch", owner, repo)
	}
	return branch, nil
}

func (o *Orchestrator) workDir() string {
	if o.cfg.WorkDir == "" {
		return "."
	}
	return o.cfg.WorkDir
}

func (o *Orchestrator) commitMessage() string {
	if strings.TrimSpace(o.cfg.CommitMessage) == "" {
		return DefaultCommitMessage
	}
	return o.cfg.CommitMessage
}

func (o *Orchestrator) logInfo(msg string, args ...any) {
	if o.log != nil {
		o.log.Info(msg, args...)
	}
}

func (d Deps) exportCollection(ctx context.Context, uid, path string) error {
	return d.Exporter.ExportCollection(ctx, uid, path)
}

func (d Deps) exportEnvironment(ctx context.Context, uid, path string) error {
	return d.Exporter.ExportEnvironment(ctx, uid, path)
}

func (d Deps) sleep(ctx context.Context, delay time.Duration) error {
	if d.Sleep != nil {
		return d.Sleep(ctx, delay)
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// repoPath maps a local file to its repository path: relative to workDir when the file
// lives under it, otherwise its base name.
func repoPath(workDir, local string) string {
	rel, err := filepath.Rel(workDir, local)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return filepath.Base(local)
	}
	return filepath.ToSlash(rel)
}
