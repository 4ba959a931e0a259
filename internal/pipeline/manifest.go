package pipeline

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	ManifestFile        = "package.json"
	ManifestName        = "postman-collection-runner"
	NewmanVersion       = "6.1.3"
	HTMLExtraVersion    = "1.23.1"
	manifestVersion     = "1.0.0"
	manifestDescription = "A Node.js project for running Postman collections using Newman"
)

// ManifestOptions controls the generated package.json. Paths are repository-relative.
type ManifestOptions struct {
	CollectionPath  string
	EnvironmentPath string
}

// Manifest is the package.json written next to the collection.
type Manifest struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Description  string            `json:"description"`
	Main         string            `json:"main"`
	Scripts      map[string]string `json:"scripts"`
	Dependencies map[string]string `json:"dependencies"`
}

// BuildManifest returns the manifest for opts.
func BuildManifest(opts ManifestOptions) (Manifest, error) {
	if strings.TrimSpace(opts.CollectionPath) == "" {
		return Manifest{}, fmt.Errorf("collection path is required")
	}
	return Manifest{
		Name:        ManifestName,
		Version:     manifestVersion,
		Description: manifestDescription,
		Main:        "index.js",
		Scripts: map[string]string{
			"test": "npx " + NewmanCommand(opts.CollectionPath, opts.EnvironmentPath, false),
		},
		Dependencies: map[string]string{
			"newman":                    NewmanVersion,
			"newman-reporter-htmlextra": HTMLExtraVersion,
		},
	}, nil
}

// WriteManifest writes package.json into dir and returns its path.
func WriteManifest(dir string, opts ManifestOptions) (string, error) {
	manifest, err := BuildManifest(opts)
	if err != nil {
		return "", err
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create manifest directory: %w", err)
	}
	path := filepath.Join(dir, ManifestFile)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return path, nil
}
