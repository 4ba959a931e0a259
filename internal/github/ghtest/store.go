// Package ghtest provides an in-memory, content-addressed stand-in for the GitHub object
// store, contents, repositories and actions APIs.
package ghtest

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"net/http"
	"path"
	"sort"
	"strings"
	"sync"

	gh "github.com/rancher/pipeline-setup/internal/github"
)

const defaultBranch = "main"

type repository struct {
	defaultBranch string
	refs          map[string]string
}

// Store implements gh.Client against in-memory objects. Blobs, trees and commits are
// addressed by the SHA-1 of their git-style serialization, so identical content always
// yields identical ids.
type Store struct {
	// Owner is reported as the owner of repositories created through CreateRepository.
	Owner string

	// Fail injects an error for the named operation (e.g. "CreateTree").
	Fail map[string]error

	// BeforeUpdateReference runs ahead of every UpdateReference call, letting tests move
	// the branch concurrently.
	BeforeUpdateReference func(owner, repo, branch string)

	// WorkflowCounts, when set, is returned by successive ListWorkflows calls (the last value
	// repeats). Otherwise the count of workflow files on the default branch is reported.
	WorkflowCounts []int

	mu      sync.Mutex
	calls   []string
	blobs   map[string][]byte
	trees   map[string]map[string]string
	commits map[string]gh.CommitInfo
	repos   map[string]*repository
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{
		Owner:   "acme",
		blobs:   make(map[string][]byte),
		trees:   make(map[string]map[string]string),
		commits: make(map[string]gh.CommitInfo),
		repos:   make(map[string]*repository),
	}
}

var _ gh.Client = (*Store)(nil)

// Seed creates owner/repo with a root commit on branch containing files and returns the
// commit SHA. The branch becomes the repository's default branch.
func (s *Store) Seed(owner, repo, branch string, files map[string]string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := make(map[string]string, len(files))
	for p, content := range files {
		entries[p] = s.putBlob([]byte(content))
	}
	tree := s.putTree(entries)
	commit := s.putCommit("Initial commit", tree, nil)

	r := s.repo(owner, repo, true)
	r.defaultBranch = branch
	r.refs[branch] = commit
	return commit
}

// SetReference moves a branch unconditionally, as another actor would.
func (s *Store) SetReference(owner, repo, branch, sha string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repo(owner, repo, true).refs[branch] = sha
}

// Head returns the current target of a branch, or "" when it does not exist.
func (s *Store) Head(owner, repo, branch string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.repo(owner, repo, false)
	if r == nil {
		return ""
	}
	return r.refs[branch]
}

// Commit returns a stored commit.
func (s *Store) Commit(sha string) (gh.CommitInfo, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	info, ok := s.commits[sha]
	return info, ok
}

// TreeFiles returns path -> content for a stored tree.
func (s *Store) TreeFiles(treeSHA string) map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	files := make(map[string]string, len(s.trees[treeSHA]))
	for p, blob := range s.trees[treeSHA] {
		files[p] = string(s.blobs[blob])
	}
	return files
}

// Calls returns the operations invoked so far, in order.
func (s *Store) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

// CallCount returns how many times op was invoked.
func (s *Store) CallCount(op string) int {
	count := 0
	for _, call := range s.Calls() {
		if call == op {
			count++
		}
	}
	return count
}

func (s *Store) record(op string) error {
	s.calls = append(s.calls, op)
	if err, ok := s.Fail[op]; ok {
		return err
	}
	return nil
}

func (s *Store) repo(owner, repo string, create bool) *repository {
	key := owner + "/" + repo
	r, ok := s.repos[key]
	if !ok && create {
		r = &repository{defaultBranch: defaultBranch, refs: make(map[string]string)}
		s.repos[key] = r
	}
	return r
}

func notFound() error {
	return gh.NewRemoteAPIError(http.StatusNotFound, "Not Found", gh.ErrNotFound)
}

func (s *Store) GetReferenceTarget(_ context.Context, owner, repo, branch string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("GetReferenceTarget"); err != nil {
		return "", err
	}

	r := s.repo(owner, repo, false)
	if r == nil || r.refs[branch] == "" {
		return "", notFound()
	}
	return r.refs[branch], nil
}

func (s *Store) GetCommit(_ context.Context, _, _, sha string) (gh.CommitInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("GetCommit"); err != nil {
		return gh.CommitInfo{}, err
	}

	info, ok := s.commits[sha]
	if !ok {
		return gh.CommitInfo{}, notFound()
	}
	return info, nil
}

func (s *Store) CreateBlob(_ context.Context, _, _ string, content []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("CreateBlob"); err != nil {
		return "", err
	}
	return s.putBlob(content), nil
}

func (s *Store) CreateTree(_ context.Context, _, _, baseTree string, entries []gh.TreeEntry) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("CreateTree"); err != nil {
		return "", err
	}

	base, ok := s.trees[baseTree]
	if baseTree != "" && !ok {
		return "", gh.NewRemoteAPIError(http.StatusUnprocessableEntity, "Invalid tree info", gh.ErrValidation)
	}

	merged := make(map[string]string, len(base)+len(entries))
	for p, blob := range base {
		merged[p] = blob
	}

	for _, entry := range entries {
		if entry.Path == "" || strings.HasPrefix(entry.Path, "/") || path.Clean(entry.Path) != entry.Path {
			return "", gh.NewRemoteAPIError(http.StatusUnprocessableEntity, "tree.path contains a malformed path component", gh.ErrValidation)
		}
		if entry.BlobSHA != "" {
			if _, ok := s.blobs[entry.BlobSHA]; !ok {
				return "", gh.NewRemoteAPIError(http.StatusUnprocessableEntity, "tree.sha "+entry.BlobSHA+" is not a valid blob", gh.ErrValidation)
			}
			merged[entry.Path] = entry.BlobSHA
			continue
		}
		merged[entry.Path] = s.putBlob(entry.Content)
	}

	return s.putTree(merged), nil
}

func (s *Store) CreateCommit(_ context.Context, _, _, message, tree string, parents []string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("CreateCommit"); err != nil {
		return "", err
	}

	if _, ok := s.trees[tree]; !ok {
		return "", gh.NewRemoteAPIError(http.StatusUnprocessableEntity, "Tree SHA does not exist", gh.ErrValidation)
	}
	for _, parent := range parents {
		if _, ok := s.commits[parent]; !ok {
			return "", gh.NewRemoteAPIError(http.StatusUnprocessableEntity, "Parent SHA does not exist or is not a commit object", gh.ErrValidation)
		}
	}
	return s.putCommit(message, tree, parents), nil
}

func (s *Store) UpdateReference(_ context.Context, owner, repo, branch, sha, expectedPrior string) error {
	if s.BeforeUpdateReference != nil {
		s.BeforeUpdateReference(owner, repo, branch)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("UpdateReference"); err != nil {
		return err
	}

	r := s.repo(owner, repo, false)
	if r == nil || r.refs[branch] == "" {
		return gh.NewRemoteAPIError(http.StatusUnprocessableEntity, "Reference does not exist", gh.ErrNotFound)
	}
	if _, ok := s.commits[sha]; !ok {
		return gh.NewRemoteAPIError(http.StatusUnprocessableEntity, "Object does not exist", gh.ErrValidation)
	}
	if r.refs[branch] != expectedPrior {
		return gh.NewRemoteAPIError(http.StatusUnprocessableEntity, "Update is not a fast forward", gh.ErrConflict)
	}

	r.refs[branch] = sha
	return nil
}

func (s *Store) ReadFileContent(_ context.Context, owner, repo, filePath string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ReadFileContent"); err != nil {
		return nil, err
	}

	tree, ok := s.defaultTree(owner, repo)
	if !ok {
		return nil, notFound()
	}
	blob, ok := tree[filePath]
	if !ok {
		return nil, notFound()
	}
	return append([]byte(nil), s.blobs[blob]...), nil
}

func (s *Store) WriteFile(_ context.Context, owner, repo, filePath string, content []byte, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("WriteFile"); err != nil {
		return err
	}

	r := s.repo(owner, repo, false)
	if r == nil {
		return notFound()
	}

	merged := make(map[string]string)
	var parents []string
	if head := r.refs[r.defaultBranch]; head != "" {
		for p, blob := range s.trees[s.commits[head].TreeSHA] {
			merged[p] = blob
		}
		parents = []string{head}
	}
	merged[filePath] = s.putBlob(content)

	r.refs[r.defaultBranch] = s.putCommit(message, s.putTree(merged), parents)
	return nil
}

func (s *Store) CreateRepository(_ context.Context, name string, _ bool) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("CreateRepository"); err != nil {
		return "", err
	}

	if s.repo(s.Owner, name, false) != nil {
		return "", gh.NewRemoteAPIError(http.StatusUnprocessableEntity, "name already exists on this account", gh.ErrValidation)
	}
	s.repo(s.Owner, name, true)
	return s.Owner + "/" + name, nil
}

func (s *Store) DefaultBranch(_ context.Context, owner, repo string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("DefaultBranch"); err != nil {
		return "", err
	}

	r := s.repo(owner, repo, false)
	if r == nil {
		return "", notFound()
	}
	return r.defaultBranch, nil
}

func (s *Store) ListWorkflows(_ context.Context, owner, repo string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.record("ListWorkflows"); err != nil {
		return 0, err
	}

	if len(s.WorkflowCounts) > 0 {
		calls := 0
		for _, call := range s.calls {
			if call == "ListWorkflows" {
				calls++
			}
		}
		idx := calls - 1
		if idx >= len(s.WorkflowCounts) {
			idx = len(s.WorkflowCounts) - 1
		}
		return s.WorkflowCounts[idx], nil
	}

	tree, ok := s.defaultTree(owner, repo)
	if !ok {
		return 0, nil
	}
	count := 0
	for p := range tree {
		if path.Dir(p) == ".github/workflows" && (strings.HasSuffix(p, ".yml") || strings.HasSuffix(p, ".yaml")) {
			count++
		}
	}
	return count, nil
}

func (s *Store) defaultTree(owner, repo string) (map[string]string, bool) {
	r := s.repo(owner, repo, false)
	if r == nil {
		return nil, false
	}
	head := r.refs[r.defaultBranch]
	if head == "" {
		return nil, false
	}
	return s.trees[s.commits[head].TreeSHA], true
}

func (s *Store) putBlob(content []byte) string {
	sha := hashObject("blob", content)
	if _, ok := s.blobs[sha]; !ok {
		s.blobs[sha] = append([]byte(nil), content...)
	}
	return sha
}

func (s *Store) putTree(entries map[string]string) string {
	paths := make([]string, 0, len(entries))
	for p := range entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var buf bytes.Buffer
	for _, p := range paths {
		fmt.Fprintf(&buf, "100644 %s\x00", p)
		raw, _ := hex.DecodeString(entries[p])
		buf.Write(raw)
	}

	sha := hashObject("tree", buf.Bytes())
	if _, ok := s.trees[sha]; !ok {
		stored := make(map[string]string, len(entries))
		for p, blob := range entries {
			stored[p] = blob
		}
		s.trees[sha] = stored
	}
	return sha
}

func (s *Store) putCommit(message, tree string, parents []string) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "tree %s\n", tree)
	for _, parent := range parents {
		fmt.Fprintf(&buf, "parent %s\n", parent)
	}
	fmt.Fprintf(&buf, "\n%s", message)

	sha := hashObject("commit", buf.Bytes())
	s.commits[sha] = gh.CommitInfo{
		SHA:     sha,
		TreeSHA: tree,
		Parents: append([]string(nil), parents...),
		Message: message,
	}
	return sha
}

func hashObject(kind string, content []byte) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s %d\x00", kind, len(content))
	h.Write(content)
	return hex.EncodeToString(h.Sum(nil))
}
