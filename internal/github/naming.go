package gh

import (
	"errors"
	"fmt"
	"path"
	"regexp"
	"strings"
)

var disallowedRepoNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// SplitFullName splits an "owner/repo" repository name into its parts.
func SplitFullName(fullName string) (string, string, error) {
	fullName = strings.Trim(strings.TrimSpace(fullName), "/")
	owner, repo, ok := strings.Cut(fullName, "/")
	if !ok || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", fmt.Errorf("repository %q must be in owner/name form", fullName)
	}

	if err := ValidateRepositoryName(repo); err != nil {
		return "", "", fmt.Errorf("repository %q: %w", fullName, err)
	}

	return owner, repo, nil
}

// ValidateRepositoryName ensures a bare repository name only uses characters GitHub accepts.
func ValidateRepositoryName(name string) error {
	if name == "" {
		return errors.New("repository name cannot be empty")
	}
	if name == "." || name == ".." {
		return fmt.Errorf("repository name %q is reserved", name)
	}
	if disallowedRepoNameChars.MatchString(name) {
		return fmt.Errorf("repository name %q may only contain letters, digits, '.', '-' and '_'", name)
	}
	return nil
}

// NormalizeBranch trims whitespace, removes leading/trailing slashes, and strips
// refs/heads prefixes from a branch name. It returns an empty string when the
// normalized branch would otherwise be empty.
func NormalizeBranch(branch string) string {
	branch = strings.TrimSpace(branch)
	branch = strings.Trim(branch, "/")

	if len(branch) >= len("refs/heads/") && strings.EqualFold(branch[:len("refs/heads/")], "refs/heads/") {
		branch = branch[len("refs/heads/"):]
	}

	branch = strings.TrimSpace(branch)
	branch = strings.Trim(branch, "/")

	return strings.TrimSpace(branch)
}

// ValidateBranchName applies the simple ref-format checks git enforces on branch names.
func ValidateBranchName(branch string) error {
	if branch == "" {
		return errors.New("branch cannot be empty")
	}

	if strings.ContainsAny(branch, " \t\n\r") {
		return errors.New("branch cannot contain whitespace")
	}

	if strings.Contains(branch, "..") {
		return errors.New("branch cannot contain '..'")
	}

	if strings.ContainsAny(branch, "~^:?*[]@{\\") {
		return errors.New("branch contains forbidden git characters")
	}

	return nil
}

// NormalizeRepoPath converts a repository-relative path to the forward-slash form stored in
// trees. Comparison of normalized paths is case-sensitive.
func NormalizeRepoPath(p string) (string, error) {
	p = strings.TrimSpace(p)
	p = strings.ReplaceAll(p, "\\", "/")
	if p == "" {
		return "", errors.New("path cannot be empty")
	}

	cleaned := path.Clean("/" + p)
	cleaned = strings.TrimPrefix(cleaned, "/")

	if cleaned == "" || cleaned == "." {
		return "", fmt.Errorf("path %q does not name a file", p)
	}

	for _, segment := range strings.Split(p, "/") {
		if segment == ".." {
			return "", fmt.Errorf("path %q escapes the repository root", p)
		}
	}

	return cleaned, nil
}
