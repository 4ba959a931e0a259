package app

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	gh "github.com/rancher/pipeline-setup/internal/github"
	"github.com/rancher/pipeline-setup/internal/orchestrator"
	"github.com/rancher/pipeline-setup/internal/verify"
)

const (
	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

// Config captures runtime options sourced from environment variables and CLI flags.
type Config struct {
	GitHubToken     string
	GitHubBaseURL   string
	GitHubUploadURL string
	PostmanAPIKey   string

	LogLevel  string
	LogFormat string
	Verbose   bool

	CollectionUID   string
	CollectionFile  string
	EnvironmentUID  string
	EnvironmentFile string
	Repository      string
	NewRepository   string
	PrivateRepo     bool

	Branch         string
	CommitMessage  string
	WorkDir        string
	NodeVersion    string
	VerifyAttempts int
	VerifyInterval time.Duration
	SettleDelay    time.Duration
}

// LoadDotEnv loads variables from the given files (".env" when none are given) without
// overriding variables that are already set. Missing files are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", path, err)
		}
	}
	return nil
}

// ConfigFromEnv reads the environment and applies defaults without validating the result,
// so that CLI flags can be layered on top first.
func ConfigFromEnv() (Config, error) {
	cfg := Config{
		GitHubToken:     strings.TrimSpace(os.Getenv("GITHUB_TOKEN")),
		GitHubBaseURL:   strings.TrimSpace(os.Getenv("GITHUB_API_URL")),
		GitHubUploadURL: strings.TrimSpace(os.Getenv("GITHUB_UPLOAD_URL")),
		PostmanAPIKey:   strings.TrimSpace(os.Getenv("POSTMAN_API_KEY")),
		LogLevel:        strings.ToLower(envOrDefault("PIPELINE_LOG_LEVEL", defaultLogLevel)),
		LogFormat:       strings.ToLower(envOrDefault("PIPELINE_LOG_FORMAT", defaultLogFormat)),
		CollectionUID:   strings.TrimSpace(os.Getenv("PIPELINE_COLLECTION_UID")),
		CollectionFile:  strings.TrimSpace(os.Getenv("PIPELINE_COLLECTION_FILE")),
		EnvironmentUID:  strings.TrimSpace(os.Getenv("PIPELINE_ENVIRONMENT_UID")),
		EnvironmentFile: strings.TrimSpace(os.Getenv("PIPELINE_ENVIRONMENT_FILE")),
		Repository:      strings.TrimSpace(os.Getenv("PIPELINE_REPO")),
		NewRepository:   strings.TrimSpace(os.Getenv("PIPELINE_NEW_REPO")),
		Branch:          strings.TrimSpace(os.Getenv("PIPELINE_BRANCH")),
		CommitMessage:   envOrDefault("PIPELINE_COMMIT_MESSAGE", orchestrator.DefaultCommitMessage),
		WorkDir:         strings.TrimSpace(os.Getenv("PIPELINE_WORK_DIR")),
		NodeVersion:     strings.TrimSpace(os.Getenv("PIPELINE_NODE_VERSION")),
		VerifyAttempts:  verify.DefaultMaxAttempts,
		VerifyInterval:  verify.DefaultInterval,
		SettleDelay:     orchestrator.DefaultSettleDelay,
	}

	var err error
	if cfg.Verbose, err = envBool("PIPELINE_VERBOSE"); err != nil {
		return Config{}, err
	}
	if cfg.PrivateRepo, err = envBool("PIPELINE_PRIVATE_REPO"); err != nil {
		return Config{}, err
	}

	if raw := strings.TrimSpace(os.Getenv("PIPELINE_VERIFY_ATTEMPTS")); raw != "" {
		attempts, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse PIPELINE_VERIFY_ATTEMPTS: %w", err)
		}
		cfg.VerifyAttempts = attempts
	}
	if cfg.VerifyInterval, err = envDuration("PIPELINE_VERIFY_INTERVAL", cfg.VerifyInterval); err != nil {
		return Config{}, err
	}
	if cfg.SettleDelay, err = envDuration("PIPELINE_SETTLE_DELAY", cfg.SettleDelay); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks the combined configuration and finalizes derived values.
func (c *Config) Validate() error {
	if c.GitHubToken == "" {
		return fmt.Errorf("github token is required (set GITHUB_TOKEN)")
	}

	if (c.GitHubBaseURL == "") != (c.GitHubUploadURL == "") {
		return fmt.Errorf("GITHUB_API_URL and GITHUB_UPLOAD_URL must both be set for GitHub Enterprise")
	}

	if c.LogLevel == "" {
		c.LogLevel = defaultLogLevel
	}
	if c.LogFormat == "" {
		c.LogFormat = defaultLogFormat
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		return err
	}
	supportedFormats := map[string]struct{}{"text": {}, "json": {}}
	if _, ok := supportedFormats[c.LogFormat]; !ok {
		return fmt.Errorf("unsupported log format %q", c.LogFormat)
	}

	sel, err := c.Selection()
	if err != nil {
		return err
	}
	if sel.NeedsExporter() && c.PostmanAPIKey == "" {
		return fmt.Errorf("postman api key is required to export by uid (set POSTMAN_API_KEY)")
	}

	if c.Branch != "" {
		c.Branch = gh.NormalizeBranch(c.Branch)
		if err := gh.ValidateBranchName(c.Branch); err != nil {
			return fmt.Errorf("invalid branch %q: %w", c.Branch, err)
		}
	}

	if strings.TrimSpace(c.CommitMessage) == "" {
		c.CommitMessage = orchestrator.DefaultCommitMessage
	}

	if c.VerifyAttempts < 1 {
		return fmt.Errorf("verify attempts must be at least 1, got %d", c.VerifyAttempts)
	}
	if c.VerifyInterval < 0 || c.SettleDelay < 0 {
		return fmt.Errorf("verify interval and settle delay cannot be negative")
	}

	if c.Verbose {
		c.LogLevel = "debug"
	}

	return nil
}

// Selection resolves the source and repository choices. Exactly one of each pair must be set.
func (c Config) Selection() (orchestrator.Selection, error) {
	var sel orchestrator.Selection

	source, value, err := pickSource("collection", c.CollectionUID, c.CollectionFile, true)
	if err != nil {
		return sel, err
	}
	sel.CollectionSource, sel.Collection = source, value

	source, value, err = pickSource("environment", c.EnvironmentUID, c.EnvironmentFile, false)
	if err != nil {
		return sel, err
	}
	if source != "" {
		sel.EnvironmentRequired = true
		sel.EnvironmentSource, sel.Environment = source, value
	}

	switch {
	case c.Repository != "" && c.NewRepository != "":
		return sel, fmt.Errorf("choose either an existing repository or a new repository name, not both")
	case c.Repository != "":
		sel.RepoChoice, sel.Repository = orchestrator.RepoExisting, c.Repository
	case c.NewRepository != "":
		sel.RepoChoice, sel.Repository = orchestrator.RepoNew, c.NewRepository
	default:
		return sel, fmt.Errorf("a repository is required (existing owner/name or a new repository name)")
	}

	if err := sel.Validate(); err != nil {
		return sel, err
	}
	return sel, nil
}

func pickSource(kind, uid, file string, required bool) (orchestrator.Source, string, error) {
	switch {
	case uid != "" && file != "":
		return "", "", fmt.Errorf("%s: set either a uid or a file, not both", kind)
	case uid != "":
		return orchestrator.SourceUID, uid, nil
	case file != "":
		return orchestrator.SourceFile, file, nil
	case required:
		return "", "", fmt.Errorf("%s: a uid or a file is required", kind)
	default:
		return "", "", nil
	}
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) (bool, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("parse %s: %w", key, err)
	}
	return v, nil
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}
