package gh

import (
	"context"
	"errors"
	"fmt"
)

// CommitInfo contains the commit details the pipeline needs when building on top of a branch.
type CommitInfo struct {
	SHA     string
	TreeSHA string
	Parents []string
	Message string
}

// TreeEntry describes a regular file written into a new tree. Content is sent inline unless
// BlobSHA references a previously created blob.
type TreeEntry struct {
	Path    string
	Content []byte
	BlobSHA string
}

const (
	fileMode = "100644"
	blobType = "blob"
)

// Client exposes the GitHub object store, contents, repository and actions operations
// used to provision a pipeline. Each call is a single request with no internal retry.
type Client interface {
	GetReferenceTarget(ctx context.Context, owner, repo, branch string) (string, error)
	GetCommit(ctx context.Context, owner, repo, sha string) (CommitInfo, error)
	CreateBlob(ctx context.Context, owner, repo string, content []byte) (string, error)
	CreateTree(ctx context.Context, owner, repo, baseTree string, entries []TreeEntry) (string, error)
	CreateCommit(ctx context.Context, owner, repo, message, tree string, parents []string) (string, error)
	UpdateReference(ctx context.Context, owner, repo, branch, sha, expectedPrior string) error
	ReadFileContent(ctx context.Context, owner, repo, path string) ([]byte, error)
	WriteFile(ctx context.Context, owner, repo, path string, content []byte, message string) error
	CreateRepository(ctx context.Context, name string, private bool) (string, error)
	DefaultBranch(ctx context.Context, owner, repo string) (string, error)
	ListWorkflows(ctx context.Context, owner, repo string) (int, error)
}

// Factory builds concrete GitHub clients (e.g., REST-backed) for the pipeline.
type Factory interface {
	New(ctx context.Context, token string) (Client, error)
}

var (
	// ErrNotFound indicates the requested reference, commit, repository or file does not exist.
	ErrNotFound = errors.New("github: not found")

	// ErrValidation indicates the remote rejected a malformed tree, blob or commit.
	ErrValidation = errors.New("github: validation failed")

	// ErrConflict indicates a reference moved since it was read and the update was refused.
	ErrConflict = errors.New("github: reference update conflict")
)

// RemoteAPIError carries the status code and the remote machine-readable message of a
// non-2xx GitHub response.
type RemoteAPIError struct {
	StatusCode int
	Message    string

	kind error
	err  error
}

// NewRemoteAPIError builds a RemoteAPIError that also matches kind (one of ErrNotFound,
// ErrValidation, ErrConflict, or nil) via errors.Is.
func NewRemoteAPIError(status int, message string, kind error) *RemoteAPIError {
	return &RemoteAPIError{StatusCode: status, Message: message, kind: kind}
}

func (e *RemoteAPIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Message == "" {
		return fmt.Sprintf("github api error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("github api error (status %d): %s", e.StatusCode, e.Message)
}

// Unwrap exposes both the taxonomy sentinel (if any) and the underlying go-github error.
func (e *RemoteAPIError) Unwrap() []error {
	if e == nil {
		return nil
	}
	var errs []error
	if e.kind != nil {
		errs = append(errs, e.kind)
	}
	if e.err != nil {
		errs = append(errs, e.err)
	}
	return errs
}

// retryableError marks an error that may succeed if the operation is retried.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string {
	if e == nil || e.err == nil {
		return ""
	}
	return e.err.Error()
}

func (e *retryableError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.err
}

// IsRetryable reports whether the supplied error resulted from a transient GitHub API
// failure (for example, a network timeout or rate-limited request). The pipeline never
// retries on its own; this only informs the operator.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var target *retryableError
	return errors.As(err, &target)
}
