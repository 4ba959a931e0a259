// Package commit builds a single commit containing many files on top of a remote branch
// using the GitHub git data API, moving the branch exactly once.
package commit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"unicode/utf8"

	gh "github.com/rancher/pipeline-setup/internal/github"
)

// Store is the subset of the GitHub object store the builder relies on.
type Store interface {
	GetReferenceTarget(ctx context.Context, owner, repo, branch string) (string, error)
	GetCommit(ctx context.Context, owner, repo, sha string) (gh.CommitInfo, error)
	CreateBlob(ctx context.Context, owner, repo string, content []byte) (string, error)
	CreateTree(ctx context.Context, owner, repo, baseTree string, entries []gh.TreeEntry) (string, error)
	CreateCommit(ctx context.Context, owner, repo, message, tree string, parents []string) (string, error)
	UpdateReference(ctx context.Context, owner, repo, branch, sha, expectedPrior string) error
}

// Builder creates atomic multi-file commits.
type Builder struct {
	store Store
	log   *slog.Logger
}

// NewBuilder returns a Builder backed by the supplied store.
func NewBuilder(store Store, logger *slog.Logger) *Builder {
	return &Builder{store: store, log: logger}
}

// Commit writes every change into one new commit on branch and returns the commit SHA.
//
// Objects created before the final reference update are left in place on failure; they
// are unreachable until the branch points at them. A concurrent move of the branch
// surfaces as gh.ErrConflict and is not retried.
func (b *Builder) Commit(ctx context.Context, owner, repo, branch, message string, changes []FileChange) (string, error) {
	if b.store == nil {
		return "", fmt.Errorf("object store is required")
	}
	if len(changes) == 0 {
		return "", fmt.Errorf("at least one file change is required")
	}

	normalized, err := normalizeChanges(changes)
	if err != nil {
		return "", err
	}

	files, err := readChanges(normalized)
	if err != nil {
		return "", err
	}

	head, err := b.store.GetReferenceTarget(ctx, owner, repo, branch)
	if err != nil {
		return "", fmt.Errorf("resolve branch %s: %w", branch, err)
	}

	parent, err := b.store.GetCommit(ctx, owner, repo, head)
	if err != nil {
		return "", fmt.Errorf("read head commit %s: %w", head, err)
	}

	if b.log != nil {
		b.log.Debug("building commit on branch head", "repository", owner+"/"+repo, "branch", branch, "head", head, "base_tree", parent.TreeSHA, "files", len(files))
	}

	entries, err := b.treeEntries(ctx, owner, repo, files)
	if err != nil {
		return "", err
	}

	tree, err := b.store.CreateTree(ctx, owner, repo, parent.TreeSHA, entries)
	if err != nil {
		return "", fmt.Errorf("create tree: %w", err)
	}

	created, err := b.store.CreateCommit(ctx, owner, repo, message, tree, []string{head})
	if err != nil {
		return "", fmt.Errorf("create commit: %w", err)
	}

	if err := b.store.UpdateReference(ctx, owner, repo, branch, created, head); err != nil {
		if b.log != nil && errors.Is(err, gh.ErrConflict) {
			b.log.Warn("branch moved while committing; leaving it untouched", "branch", branch, "expected", head, "orphaned_commit", created)
		}
		return "", fmt.Errorf("move branch %s: %w", branch, err)
	}

	if b.log != nil {
		b.log.Info("committed files", "repository", owner+"/"+repo, "branch", branch, "commit", created, "parent", head, "tree", tree)
	}

	return created, nil
}

// treeEntries sends text inline. Content that is not valid UTF-8 is uploaded as a base64
// blob first and referenced by SHA.
func (b *Builder) treeEntries(ctx context.Context, owner, repo string, files []preparedFile) ([]gh.TreeEntry, error) {
	entries := make([]gh.TreeEntry, 0, len(files))
	for _, file := range files {
		if utf8.Valid(file.content) {
			entries = append(entries, gh.TreeEntry{Path: file.repoPath, Content: file.content})
			continue
		}

		sha, err := b.store.CreateBlob(ctx, owner, repo, file.content)
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", file.repoPath, err)
		}
		entries = append(entries, gh.TreeEntry{Path: file.repoPath, BlobSHA: sha})
	}
	return entries, nil
}
