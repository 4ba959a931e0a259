package commit

import (
	"errors"
	"fmt"
	"os"

	gh "github.com/rancher/pipeline-setup/internal/github"
)

var (
	// ErrLocalFileMissing indicates a FileChange names a local path that does not exist.
	ErrLocalFileMissing = errors.New("local file missing")

	// ErrDuplicatePath indicates two FileChanges resolve to the same repository path.
	ErrDuplicatePath = errors.New("duplicate repository path")
)

// FileChange pairs a local file with the repository-relative path it is committed under.
type FileChange struct {
	LocalPath string
	RepoPath  string
}

type preparedFile struct {
	repoPath string
	content  []byte
}

// normalizeChanges validates the repository paths of the supplied changes, preserving input
// order. Paths are compared after slash normalization and case-sensitively.
func normalizeChanges(changes []FileChange) ([]FileChange, error) {
	normalized := make([]FileChange, 0, len(changes))
	seen := make(map[string]string, len(changes))

	for _, change := range changes {
		repoPath, err := gh.NormalizeRepoPath(change.RepoPath)
		if err != nil {
			return nil, fmt.Errorf("repository path for %s: %w", change.LocalPath, err)
		}

		if first, exists := seen[repoPath]; exists {
			return nil, fmt.Errorf("%w: %s (from %s and %s)", ErrDuplicatePath, repoPath, first, change.LocalPath)
		}
		seen[repoPath] = change.LocalPath

		normalized = append(normalized, FileChange{LocalPath: change.LocalPath, RepoPath: repoPath})
	}

	return normalized, nil
}

// readChanges loads each local file in order, one at a time.
func readChanges(changes []FileChange) ([]preparedFile, error) {
	files := make([]preparedFile, 0, len(changes))
	for _, change := range changes {
		content, err := os.ReadFile(change.LocalPath)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("%w: %s: %w", ErrLocalFileMissing, change.LocalPath, err)
			}
			return nil, fmt.Errorf("read %s: %w", change.LocalPath, err)
		}
		files = append(files, preparedFile{repoPath: change.RepoPath, content: content})
	}
	return files, nil
}
