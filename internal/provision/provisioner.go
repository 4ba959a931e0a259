// Package provision makes sure the target repository exists and has at least one commit
// on its default branch, so that later commits have a base to build on.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gh "github.com/rancher/pipeline-setup/internal/github"
)

// ErrCreationFailed indicates the remote accepted a create request but reported no repository.
var ErrCreationFailed = errors.New("repository creation failed")

const (
	DefaultInitialFile    = "README.md"
	DefaultInitialMessage = "Initial commit"
)

// Remote is the subset of the GitHub client used to provision repositories.
type Remote interface {
	CreateRepository(ctx context.Context, name string, private bool) (string, error)
	ReadFileContent(ctx context.Context, owner, repo, path string) ([]byte, error)
	WriteFile(ctx context.Context, owner, repo, path string, content []byte, message string) error
}

// Provisioner creates or initializes repositories.
type Provisioner struct {
	Private        bool
	InitialFile    string
	InitialMessage string

	remote Remote
	log    *slog.Logger
}

// New returns a Provisioner that seeds repositories with README.md.
func New(remote Remote, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		InitialFile:    DefaultInitialFile,
		InitialMessage: DefaultInitialMessage,
		remote:         remote,
		log:            logger,
	}
}

// Ensure returns the full name of a repository that has a default branch with at least
// one commit. When createIfMissing is set, repo is the bare name of a repository to
// create under the authenticated account; otherwise it is the "owner/name" of an existing
// repository.
func (p *Provisioner) Ensure(ctx context.Context, repo string, createIfMissing bool) (string, error) {
	if p.remote == nil {
		return "", fmt.Errorf("github client is required")
	}

	if createIfMissing {
		return p.create(ctx, repo)
	}
	return p.initialize(ctx, repo)
}

func (p *Provisioner) create(ctx context.Context, name string) (string, error) {
	if err := gh.ValidateRepositoryName(name); err != nil {
		return "", err
	}

	fullName, err := p.remote.CreateRepository(ctx, name, p.Private)
	if err != nil {
		return "", fmt.Errorf("create repository %s: %w", name, err)
	}
	if fullName == "" {
		return "", fmt.Errorf("%w: no repository returned for %s", ErrCreationFailed, name)
	}

	owner, repo, err := gh.SplitFullName(fullName)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCreationFailed, err)
	}

	if p.log != nil {
		p.log.Info("created repository", "repository", fullName, "private", p.Private)
	}

	if err := p.writeInitialFile(ctx, owner, repo); err != nil {
		return "", err
	}
	return fullName, nil
}

func (p *Provisioner) initialize(ctx context.Context, fullName string) (string, error) {
	owner, repo, err := gh.SplitFullName(fullName)
	if err != nil {
		return "", err
	}

	_, err = p.remote.ReadFileContent(ctx, owner, repo, p.initialFile())
	switch {
	case err == nil:
		if p.log != nil {
			p.log.Debug("repository already initialized", "repository", fullName, "file", p.initialFile())
		}
		return fullName, nil
	case errors.Is(err, gh.ErrNotFound):
		if err := p.writeInitialFile(ctx, owner, repo); err != nil {
			return "", err
		}
		return fullName, nil
	default:
		return "", fmt.Errorf("read %s from %s: %w", p.initialFile(), fullName, err)
	}
}

func (p *Provisioner) writeInitialFile(ctx context.Context, owner, repo string) error {
	content := []byte("# " + repo)
	if err := p.remote.WriteFile(ctx, owner, repo, p.initialFile(), content, p.initialMessage()); err != nil {
		return fmt.Errorf("write %s to %s/%s: %w", p.initialFile(), owner, repo, err)
	}
	if p.log != nil {
		p.log.Info("initialized repository", "repository", owner+"/"+repo, "file", p.initialFile())
	}
	return nil
}

func (p *Provisioner) initialFile() string {
	if p.InitialFile == "" {
		return DefaultInitialFile
	}
	return p.InitialFile
}

func (p *Provisioner) initialMessage() string {
	if p.InitialMessage == "" {
		return DefaultInitialMessage
	}
	return p.InitialMessage
}
