package app

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"github.com/rancher/pipeline-setup/internal/orchestrator"
)

func (r *Runner) writeStepSummary(result orchestrator.Result, runErr error) error {
	path := strings.TrimSpace(os.Getenv("GITHUB_STEP_SUMMARY"))
	if path == "" {
		return nil
	}

	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if mkErr := os.MkdirAll(dir, 0o755); mkErr != nil {
			fmt.Fprintf(os.Stderr, "warning: could not create summary directory: %v\n", mkErr)
		}
	}

	var builder strings.Builder
	builder.WriteString("## Postman pipeline setup\n\n")
	builder.WriteString(renderResultDetails(result, runErr))

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open step summary: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close step summary file: %v\n", closeErr)
		}
	}()

	if _, err := file.WriteString(builder.String()); err != nil {
		return fmt.Errorf("write step summary: %w", err)
	}

	return nil
}

func (r *Runner) writeGitHubOutputs(result orchestrator.Result) error {
	path := strings.TrimSpace(os.Getenv("GITHUB_OUTPUT"))
	if path == "" {
		return nil
	}

	files := result.Files
	if files == nil {
		files = []string{}
	}
	filesJSON, err := json.Marshal(files)
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open github output: %w", err)
	}
	defer func() {
		if closeErr := file.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close github output file: %v\n", closeErr)
		}
	}()

	outputs := []struct{ key, value string }{
		{"repository", result.Repository},
		{"branch", result.Branch},
		{"commit_sha", result.CommitSHA},
		{"workflow_found", fmt.Sprintf("%t", result.WorkflowFound)},
		{"files", string(filesJSON)},
	}
	for _, output := range outputs {
		if err := writeMultilineOutput(file, output.key, output.value); err != nil {
			return err
		}
	}

	return nil
}

func renderResultDetails(result orchestrator.Result, runErr error) string {
	var builder strings.Builder

	builder.WriteString("| Field | Value |\n")
	builder.WriteString("| --- | --- |\n")
	rows := [][2]string{
		{"Repository", result.Repository},
		{"Branch", result.Branch},
		{"Collection", result.Collection.Name},
	}
	if result.Environment != nil {
		rows = append(rows, [2]string{"Environment", result.Environment.Name})
	}
	rows = append(rows,
		[2]string{"Commit", result.CommitSHA},
		[2]string{"Files", strings.Join(result.Files, "\n")},
		[2]string{"Workflow registered", fmt.Sprintf("%t", result.WorkflowFound)},
	)
	for _, row := range rows {
		builder.WriteString(fmt.Sprintf("| %s | %s |\n", row[0], sanitizeMarkdownCell(row[1])))
	}

	if runErr != nil {
		builder.WriteString(fmt.Sprintf("\n**Failed:** %s\n", sanitizeMarkdownCell(runErr.Error())))
	}

	return builder.String()
}

// printStatus writes a one-line colorized outcome.
func printStatus(w io.Writer, result orchestrator.Result, runErr error) {
	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	switch {
	case runErr != nil:
		fmt.Fprintf(w, "%s %v\n", red("✗"), runErr)
	case result.WorkflowFound:
		fmt.Fprintf(w, "%s pipeline configured in %s on %s (%s)\n", green("✓"), result.Repository, result.Branch, shortSHA(result.CommitSHA))
	default:
		fmt.Fprintf(w, "%s committed %s to %s on %s, but GitHub has not registered the workflow yet\n", yellow("!"), shortSHA(result.CommitSHA), result.Repository, result.Branch)
	}
}

func shortSHA(sha string) string {
	if len(sha) > 7 {
		return sha[:7]
	}
	return sha
}

func writeMultilineOutput(file *os.File, key, value string) error {
	if _, err := fmt.Fprintf(file, "%s<<EOF\n%s\nEOF\n", key, value); err != nil {
		return fmt.Errorf("write output %s: %w", key, err)
	}
	return nil
}

func sanitizeMarkdownCell(value string) string {
	value = strings.ReplaceAll(value, "|", "\\|")
	value = strings.ReplaceAll(value, "\n", "<br>")
	value = strings.TrimSpace(value)
	if value == "" {
		return "-"
	}
	return value
}
