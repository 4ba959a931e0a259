package orchestrator

import (
	"fmt"
	"strings"
	"time"
)

// Source says where a Postman document comes from.
type Source string

const (
	SourceUID  Source = "uid"
	SourceFile Source = "file"
)

// RepoChoice says whether the target repository already exists.
type RepoChoice string

const (
	RepoExisting RepoChoice = "existing"
	RepoNew      RepoChoice = "new"
)

const (
	DefaultCommitMessage = "Create Pipeline Config"
	DefaultSettleDelay   = 10 * time.Second

	CollectionFile   = "collection.json"
	EnvironmentFile  = "environment.json"
	WorkflowRepoPath = ".github/workflows/postman-tests.yml"
)

// Selection captures the operator's choices for one run.
type Selection struct {
	CollectionSource Source
	// Collection is a Postman uid or a local path, depending on CollectionSource.
	Collection string

	EnvironmentRequired bool
	EnvironmentSource   Source
	Environment         string

	RepoChoice RepoChoice
	// Repository is "owner/name" for RepoExisting and a bare name for RepoNew.
	Repository string
}

// Validate checks that every choice is set and consistent.
func (s Selection) Validate() error {
	if err := validateSource("collection", s.CollectionSource, s.Collection); err != nil {
		return err
	}
	if s.EnvironmentRequired {
		if err := validateSource("environment", s.EnvironmentSource, s.Environment); err != nil {
			return err
		}
	}

	switch s.RepoChoice {
	case RepoExisting:
		if !strings.Contains(strings.Trim(s.Repository, "/"), "/") {
			return fmt.Errorf("existing repository %q must be in owner/name form", s.Repository)
		}
	case RepoNew:
		if strings.TrimSpace(s.Repository) == "" {
			return fmt.Errorf("new repository name is required")
		}
	default:
		return fmt.Errorf("repository choice %q must be %q or %q", s.RepoChoice, RepoExisting, RepoNew)
	}
	return nil
}

// NeedsExporter reports whether any document has to be fetched from Postman.
func (s Selection) NeedsExporter() bool {
	return s.CollectionSource == SourceUID || (s.EnvironmentRequired && s.EnvironmentSource == SourceUID)
}

func validateSource(kind string, source Source, value string) error {
	switch source {
	case SourceUID, SourceFile:
	default:
		return fmt.Errorf("%s source %q must be %q or %q", kind, source, SourceUID, SourceFile)
	}
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%s %s is required", kind, source)
	}
	return nil
}

// Config captures the runtime controls the orchestrator needs.
type Config struct {
	Selection     Selection
	Branch        string
	CommitMessage string
	WorkDir       string
	SettleDelay   time.Duration
	NodeVersion   string
}
