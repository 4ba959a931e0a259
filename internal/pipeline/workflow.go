// Package pipeline renders the GitHub Actions workflow and npm manifest that run a Postman
// collection with Newman.
package pipeline

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	WorkflowName    = "Run Postman Collection"
	JobName         = "run-postman-collection"
	DefaultRunner   = "ubuntu-latest"
	DefaultNode     = "20"
	ResultsPath     = "./newman/results.xml"
	ResultsArtifact = "postman-test-results"
)

// WorkflowOptions controls the rendered workflow. Paths are repository-relative.
type WorkflowOptions struct {
	CollectionPath  string
	EnvironmentPath string
	// Branches restricts the push trigger and adds a matching pull_request trigger.
	// Empty means push on every branch.
	Branches    []string
	NodeVersion string
}

// Workflow is the subset of the GitHub Actions workflow schema the pipeline emits.
type Workflow struct {
	Name string         `yaml:"name"`
	On   Triggers       `yaml:"on"`
	Jobs map[string]Job `yaml:"jobs"`
}

// Triggers lists the events that start the workflow.
type Triggers struct {
	Push        *BranchFilter `yaml:"push"`
	PullRequest *BranchFilter `yaml:"pull_request,omitempty"`
}

// BranchFilter narrows a trigger to specific branches.
type BranchFilter struct {
	Branches []string `yaml:"branches,omitempty"`
}

// Job is a single workflow job.
type Job struct {
	RunsOn string `yaml:"runs-on"`
	Steps  []Step `yaml:"steps"`
}

// Step is a single job step.
type Step struct {
	Name string            `yaml:"name"`
	If   string            `yaml:"if,omitempty"`
	Uses string            `yaml:"uses,omitempty"`
	With map[string]string `yaml:"with,omitempty"`
	Run  string            `yaml:"run,omitempty"`
}

// RenderWorkflow returns the workflow YAML for opts.
func RenderWorkflow(opts WorkflowOptions) ([]byte, error) {
	if strings.TrimSpace(opts.CollectionPath) == "" {
		return nil, fmt.Errorf("collection path is required")
	}

	node := opts.NodeVersion
	if node == "" {
		node = DefaultNode
	}

	var branches []string
	for _, b := range opts.Branches {
		if b = strings.TrimSpace(b); b != "" {
			branches = append(branches, b)
		}
	}

	wf := Workflow{
		Name: WorkflowName,
		On:   Triggers{Push: &BranchFilter{Branches: branches}},
		Jobs: map[string]Job{
			JobName: {
				RunsOn: DefaultRunner,
				Steps: []Step{
					{Name: "Checkout repository", Uses: "actions/checkout@v4"},
					{Name: "Set up Node.js", Uses: "actions/setup-node@v4", With: map[string]string{"node-version": node}},
					{Name: "Install Newman", Run: "npm install -g newman newman-reporter-htmlextra\nnewman --version\n"},
					{Name: "Run Postman collection", Run: NewmanCommand(opts.CollectionPath, opts.EnvironmentPath, true) + "\n"},
					{
						Name: "Upload test results",
						If:   "always()",
						Uses: "actions/upload-artifact@v4",
						With: map[string]string{"name": ResultsArtifact, "path": ResultsPath},
					},
				},
			},
		},
	}
	if len(branches) > 0 {
		wf.On.PullRequest = &BranchFilter{Branches: branches}
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(wf); err != nil {
		return nil, fmt.Errorf("encode workflow: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode workflow: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteWorkflow renders the workflow and writes it to path, creating parent directories.
func WriteWorkflow(path string, opts WorkflowOptions) error {
	data, err := RenderWorkflow(opts)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create workflow directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write workflow: %w", err)
	}
	return nil
}

// NewmanCommand builds the newman invocation for a collection and optional environment.
// With reporters set, JUnit results are exported to ResultsPath.
func NewmanCommand(collectionPath, environmentPath string, reporters bool) string {
	args := []string{"newman", "run", shellQuote(collectionPath)}
	if environmentPath != "" {
		args = append(args, "-e", shellQuote(environmentPath))
	}
	if reporters {
		args = append(args, "--reporters", "cli,junit", "--reporter-junit-export", ResultsPath)
	}
	return strings.Join(args, " ")
}

var shellSafe = regexp.MustCompile(`^[A-Za-z0-9._/@%+=:,-]+$`)

func shellQuote(s string) string {
	if shellSafe.MatchString(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
