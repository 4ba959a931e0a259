package collection

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

// ErrInvalidDocument indicates the JSON does not describe a Postman collection or environment.
var ErrInvalidDocument = errors.New("invalid postman document")

// Collection captures the subset of a Postman collection the pipeline reports on.
type Collection struct {
	Name      string
	PostmanID string
	Schema    string
	// ItemCount is the number of requests, counted through nested folders.
	ItemCount int
}

// Environment captures the subset of a Postman environment the pipeline reports on.
type Environment struct {
	Name       string
	ValueCount int
}

type rawItem struct {
	Name    string          `json:"name"`
	Request json.RawMessage `json:"request"`
	Item    []rawItem       `json:"item"`
}

type rawCollection struct {
	Info struct {
		Name      string `json:"name"`
		PostmanID string `json:"_postman_id"`
		Schema    string `json:"schema"`
	} `json:"info"`
	Item []rawItem `json:"item"`
}

type rawEnvironment struct {
	Name   string            `json:"name"`
	Values []json.RawMessage `json:"values"`
}

// ParseCollection decodes a collection document. Both the bare v2 format and the
// {"collection": ...} envelope returned by the Postman API are accepted.
func ParseCollection(r io.Reader) (Collection, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Collection{}, fmt.Errorf("read collection: %w", err)
	}

	var envelope struct {
		Collection json.RawMessage `json:"collection"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Collection{}, fmt.Errorf("%w: decode collection: %v", ErrInvalidDocument, err)
	}
	if len(envelope.Collection) > 0 && !bytes.Equal(envelope.Collection, []byte("null")) {
		data = envelope.Collection
	}

	var raw rawCollection
	if err := json.Unmarshal(data, &raw); err != nil {
		return Collection{}, fmt.Errorf("%w: decode collection: %v", ErrInvalidDocument, err)
	}

	name := strings.TrimSpace(raw.Info.Name)
	if name == "" {
		return Collection{}, fmt.Errorf("%w: collection info.name is required", ErrInvalidDocument)
	}

	return Collection{
		Name:      name,
		PostmanID: strings.TrimSpace(raw.Info.PostmanID),
		Schema:    strings.TrimSpace(raw.Info.Schema),
		ItemCount: countRequests(raw.Item),
	}, nil
}

// ParseEnvironment decodes an environment document, bare or wrapped in {"environment": ...}.
func ParseEnvironment(r io.Reader) (Environment, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Environment{}, fmt.Errorf("read environment: %w", err)
	}

	var envelope struct {
		Environment json.RawMessage `json:"environment"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Environment{}, fmt.Errorf("%w: decode environment: %v", ErrInvalidDocument, err)
	}
	if len(envelope.Environment) > 0 && !bytes.Equal(envelope.Environment, []byte("null")) {
		data = envelope.Environment
	}

	var raw rawEnvironment
	if err := json.Unmarshal(data, &raw); err != nil {
		return Environment{}, fmt.Errorf("%w: decode environment: %v", ErrInvalidDocument, err)
	}

	name := strings.TrimSpace(raw.Name)
	if name == "" {
		return Environment{}, fmt.Errorf("%w: environment name is required", ErrInvalidDocument)
	}

	return Environment{Name: name, ValueCount: len(raw.Values)}, nil
}

// ParseCollectionFile reads a collection document from disk.
func ParseCollectionFile(path string) (Collection, error) {
	f, err := os.Open(path)
	if err != nil {
		return Collection{}, fmt.Errorf("open collection file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close collection file: %v\n", closeErr)
		}
	}()

	return ParseCollection(f)
}

// ParseEnvironmentFile reads an environment document from disk.
func ParseEnvironmentFile(path string) (Environment, error) {
	f, err := os.Open(path)
	if err != nil {
		return Environment{}, fmt.Errorf("open environment file: %w", err)
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "failed to close environment file: %v\n", closeErr)
		}
	}()

	return ParseEnvironment(f)
}

func countRequests(items []rawItem) int {
	count := 0
	for _, item := range items {
		if len(item.Item) > 0 {
			count += countRequests(item.Item)
			continue
		}
		if len(item.Request) > 0 {
			count++
		}
	}
	return count
}
