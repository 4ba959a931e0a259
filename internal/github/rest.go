package gh

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"

	github "github.com/google/go-github/v55/github"
	"golang.org/x/oauth2"
)

const defaultUserAgent = "rancher-pipeline-setup"

// NewRESTFactory returns a GitHub client factory backed by the go-github REST client. When
// base and upload URLs are provided, the factory targets a GitHub Enterprise instance.
func NewRESTFactory(baseURL, uploadURL string) Factory {
	return &restFactory{
		userAgent: defaultUserAgent,
		baseURL:   strings.TrimSpace(baseURL),
		uploadURL: strings.TrimSpace(uploadURL),
	}
}

type restFactory struct {
	userAgent string
	baseURL   string
	uploadURL string
}

type restClient struct {
	client *github.Client
}

func (f *restFactory) New(ctx context.Context, token string) (Client, error) {
	if token == "" {
		return nil, fmt.Errorf("github token is required")
	}

	ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	tc := oauth2.NewClient(ctx, ts)

	if f.baseURL == "" && f.uploadURL != "" {
		return nil, fmt.Errorf("github upload url cannot be set without base url")
	}

	var ghClient *github.Client
	if f.baseURL != "" {
		baseURLNormalized, err := normalizeGitHubURL(f.baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse github base url: %w", err)
		}

		if f.uploadURL == "" {
			return nil, fmt.Errorf("github upload url must be provided when base url is set")
		}

		uploadURLNormalized, err := normalizeGitHubURL(f.uploadURL)
		if err != nil {
			return nil, fmt.Errorf("parse github upload url: %w", err)
		}

		ghClient, err = github.NewClient(tc).WithEnterpriseURLs(baseURLNormalized, uploadURLNormalized)
		if err != nil {
			return nil, fmt.Errorf("construct enterprise github client: %w", err)
		}
	} else {
		ghClient = github.NewClient(tc)
	}

	if f.userAgent != "" {
		ghClient.UserAgent = f.userAgent
	}

	return &restClient{client: ghClient}, nil
}

func normalizeGitHubURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url cannot be empty")
	}

	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}

	if parsed.Scheme == "" {
		return "", fmt.Errorf("url must include scheme (e.g. https://)")
	}

	if parsed.Host == "" {
		return "", fmt.Errorf("url must include host")
	}

	if parsed.Path == "" {
		parsed.Path = "/"
	} else if !strings.HasSuffix(parsed.Path, "/") {
		parsed.Path += "/"
	}

	parsed.RawQuery = ""
	parsed.Fragment = ""

	return parsed.String(), nil
}

func (c *restClient) GetReferenceTarget(ctx context.Context, owner, repo, branch string) (string, error) {
	ref, _, err := c.client.Git.GetRef(ctx, owner, repo, "heads/"+branch)
	if err != nil {
		err = classifyGitHubError(err, byStatus(map[int]error{http.StatusNotFound: ErrNotFound}))
		return "", fmt.Errorf("get ref heads/%s: %w", branch, err)
	}

	sha := ref.GetObject().GetSHA()
	if sha == "" {
		return "", fmt.Errorf("get ref heads/%s: %w: reference has no target", branch, ErrNotFound)
	}
	return sha, nil
}

func (c *restClient) GetCommit(ctx context.Context, owner, repo, sha string) (CommitInfo, error) {
	commit, _, err := c.client.Git.GetCommit(ctx, owner, repo, sha)
	if err != nil {
		err = classifyGitHubError(err, byStatus(map[int]error{
			http.StatusNotFound:            ErrNotFound,
			http.StatusUnprocessableEntity: ErrNotFound,
		}))
		return CommitInfo{}, fmt.Errorf("get commit %s: %w", sha, err)
	}

	info := CommitInfo{
		SHA:     commit.GetSHA(),
		TreeSHA: commit.GetTree().GetSHA(),
		Message: commit.GetMessage(),
	}
	for _, parent := range commit.Parents {
		if parent == nil {
			continue
		}
		info.Parents = append(info.Parents, parent.GetSHA())
	}

	if info.TreeSHA == "" {
		return CommitInfo{}, fmt.Errorf("get commit %s: commit has no tree", sha)
	}
	return info, nil
}

func (c *restClient) CreateBlob(ctx context.Context, owner, repo string, content []byte) (string, error) {
	blob, _, err := c.client.Git.CreateBlob(ctx, owner, repo, &github.Blob{
		Content:  github.String(base64.StdEncoding.EncodeToString(content)),
		Encoding: github.String("base64"),
	})
	if err != nil {
		err = classifyGitHubError(err, byStatus(map[int]error{http.StatusUnprocessableEntity: ErrValidation}))
		return "", fmt.Errorf("create blob: %w", err)
	}
	return blob.GetSHA(), nil
}

func (c *restClient) CreateTree(ctx context.Context, owner, repo, baseTree string, entries []TreeEntry) (string, error) {
	ghEntries := make([]*github.TreeEntry, 0, len(entries))
	for _, entry := range entries {
		ghEntry := &github.TreeEntry{
			Path: github.String(entry.Path),
			Mode: github.String(fileMode),
			Type: github.String(blobType),
		}
		if entry.BlobSHA != "" {
			ghEntry.SHA = github.String(entry.BlobSHA)
		} else {
			ghEntry.Content = github.String(string(entry.Content))
		}
		ghEntries = append(ghEntries, ghEntry)
	}

	tree, _, err := c.client.Git.CreateTree(ctx, owner, repo, baseTree, ghEntries)
	if err != nil {
		err = classifyGitHubError(err, byStatus(map[int]error{
			http.StatusNotFound:            ErrNotFound,
			http.StatusUnprocessableEntity: ErrValidation,
		}))
		return "", fmt.Errorf("create tree: %w", err)
	}
	return tree.GetSHA(), nil
}

func (c *restClient) CreateCommit(ctx context.Context, owner, repo, message, tree string, parents []string) (string, error) {
	commit := &github.Commit{
		Message: github.String(message),
		Tree:    &github.Tree{SHA: github.String(tree)},
		Parents: make([]*github.Commit, 0, len(parents)),
	}
	for _, parent := range parents {
		commit.Parents = append(commit.Parents, &github.Commit{SHA: github.String(parent)})
	}

	created, _, err := c.client.Git.CreateCommit(ctx, owner, repo, commit)
	if err != nil {
		err = classifyGitHubError(err, byStatus(map[int]error{
			http.StatusNotFound:            ErrNotFound,
			http.StatusUnprocessableEntity: ErrValidation,
		}))
		return "", fmt.Errorf("create commit: %w", err)
	}
	return created.GetSHA(), nil
}

func (c *restClient) UpdateReference(ctx context.Context, owner, repo, branch, sha, expectedPrior string) error {
	// The PATCH below only rejects non-fast-forward moves, so a branch reset to an ancestor of
	// expectedPrior has to be caught by comparing the current target first.
	current, err := c.GetReferenceTarget(ctx, owner, repo, branch)
	if err != nil {
		return fmt.Errorf("update ref heads/%s: %w", branch, err)
	}
	if current != expectedPrior {
		return fmt.Errorf("update ref heads/%s to %s: %w: expected prior %s, found %s", branch, sha, ErrConflict, expectedPrior, current)
	}

	ref := &github.Reference{
		Ref:    github.String("refs/heads/" + branch),
		Object: &github.GitObject{SHA: github.String(sha)},
	}
	if _, _, err := c.client.Git.UpdateRef(ctx, owner, repo, ref, false); err != nil {
		err = classifyGitHubError(err, referenceUpdateKind)
		if errors.Is(err, ErrConflict) {
			return fmt.Errorf("update ref heads/%s to %s (expected prior %s): %w", branch, sha, expectedPrior, err)
		}
		return fmt.Errorf("update ref heads/%s: %w", branch, err)
	}
	return nil
}

func referenceUpdateKind(status int, message string) error {
	lower := strings.ToLower(message)
	switch {
	case status == http.StatusConflict:
		return ErrConflict
	case status == http.StatusNotFound:
		return ErrNotFound
	case status == http.StatusUnprocessableEntity && strings.Contains(lower, "does not exist"):
		return ErrNotFound
	case status == http.StatusUnprocessableEntity:
		return ErrConflict
	}
	return nil
}

func (c *restClient) ReadFileContent(ctx context.Context, owner, repo, path string) ([]byte, error) {
	file, _, _, err := c.client.Repositories.GetContents(ctx, owner, repo, path, nil)
	if err != nil {
		err = classifyGitHubError(err, byStatus(map[int]error{http.StatusNotFound: ErrNotFound}))
		return nil, fmt.Errorf("get contents %s: %w", path, err)
	}

	if file == nil {
		return nil, fmt.Errorf("get contents %s: path is a directory", path)
	}

	content, err := file.GetContent()
	if err != nil {
		return nil, fmt.Errorf("decode contents %s: %w", path, err)
	}
	return []byte(content), nil
}

func (c *restClient) WriteFile(ctx context.Context, owner, repo, path string, content []byte, message string) error {
	opts := &github.RepositoryContentFileOptions{
		Message: github.String(message),
		Content: content,
	}
	if _, _, err := c.client.Repositories.CreateFile(ctx, owner, repo, path, opts); err != nil {
		err = classifyGitHubError(err, byStatus(map[int]error{
			http.StatusNotFound:            ErrNotFound,
			http.StatusUnprocessableEntity: ErrValidation,
		}))
		return fmt.Errorf("put contents %s: %w", path, err)
	}
	return nil
}

func (c *restClient) CreateRepository(ctx context.Context, name string, private bool) (string, error) {
	created, _, err := c.client.Repositories.Create(ctx, "", &github.Repository{
		Name:    github.String(name),
		Private: github.Bool(private),
	})
	if err != nil {
		err = classifyGitHubError(err, byStatus(map[int]error{http.StatusUnprocessableEntity: ErrValidation}))
		return "", fmt.Errorf("create repository %s: %w", name, err)
	}
	return created.GetFullName(), nil
}

func (c *restClient) DefaultBranch(ctx context.Context, owner, repo string) (string, error) {
	repository, _, err := c.client.Repositories.Get(ctx, owner, repo)
	if err != nil {
		err = classifyGitHubError(err, byStatus(map[int]error{http.StatusNotFound: ErrNotFound}))
		return "", fmt.Errorf("get repository %s/%s: %w", owner, repo, err)
	}

	branch := repository.GetDefaultBranch()
	if branch == "" {
		return "", fmt.Errorf("repository %s/%s reports no default branch", owner, repo)
	}
	return branch, nil
}

func (c *restClient) ListWorkflows(ctx context.Context, owner, repo string) (int, error) {
	workflows, _, err := c.client.Actions.ListWorkflows(ctx, owner, repo, &github.ListOptions{PerPage: 1})
	if err != nil {
		err = classifyGitHubError(err, byStatus(map[int]error{http.StatusNotFound: ErrNotFound}))
		return 0, fmt.Errorf("list workflows: %w", err)
	}
	return workflows.GetTotalCount(), nil
}

// errorKind maps a failed response to one of the taxonomy sentinels, or nil.
type errorKind func(status int, message string) error

func byStatus(kinds map[int]error) errorKind {
	return func(status int, _ string) error {
		return kinds[status]
	}
}

func classifyGitHubError(err error, kind errorKind) error {
	if err == nil {
		return nil
	}

	classified := err
	if status, message, ok := responseDetails(err); ok {
		apiErr := &RemoteAPIError{StatusCode: status, Message: message, err: err}
		if kind != nil {
			apiErr.kind = kind(status, message)
		}
		classified = apiErr
	}

	if isRetryableGitHubError(err) {
		return &retryableError{err: classified}
	}
	return classified
}

func responseDetails(err error) (int, string, bool) {
	var rateLimitErr *github.RateLimitError
	if errors.As(err, &rateLimitErr) {
		return statusOf(rateLimitErr.Response), rateLimitErr.Message, true
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return statusOf(abuseErr.Response), abuseErr.Message, true
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		return respErr.Response.StatusCode, respErr.Message, true
	}

	return 0, "", false
}

func statusOf(resp *http.Response) int {
	if resp == nil {
		return 0
	}
	return resp.StatusCode
}

func isRetryableGitHubError(err error) bool {
	if err == nil {
		return false
	}

	var rateLimitErr *github.RateLimitError
	if errors.As(err, &rateLimitErr) {
		return true
	}

	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return true
	}

	var acceptedErr *github.AcceptedError
	if errors.As(err, &acceptedErr) {
		return true
	}

	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) {
		if respErr.Response != nil {
			code := respErr.Response.StatusCode
			if code == http.StatusTooManyRequests || (code >= 500 && code <= 599) {
				return true
			}
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return true
		}
	}

	return false
}
