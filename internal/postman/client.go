// Package postman exports collections and environments from the Postman API to local
// JSON files.
package postman

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const (
	// BaseURL is the Postman API base URL.
	BaseURL = "https://api.getpostman.com"

	// DefaultTimeout is the default HTTP request timeout.
	DefaultTimeout = 30 * time.Second

	// RateLimit is the default number of requests per second.
	RateLimit = 5.0
)

// Client is a rate-limited HTTP client for the Postman API.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	apiKey     string
	baseURL    string
	log        *slog.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(u string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithRateLimit overrides the request rate.
func WithRateLimit(perSecond float64) ClientOption {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
	}
}

// WithLogger sets the logger used for export progress.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		c.log = logger
	}
}

// NewClient creates a Postman API client authenticated with apiKey.
func NewClient(apiKey string, opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(rate.Limit(RateLimit), 1),
		apiKey:     apiKey,
		baseURL:    BaseURL,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// ExportCollection downloads the collection with the given uid and writes it to outputPath.
func (c *Client) ExportCollection(ctx context.Context, uid, outputPath string) error {
	return c.export(ctx, "collections", uid, outputPath)
}

// ExportEnvironment downloads the environment with the given uid and writes it to outputPath.
func (c *Client) ExportEnvironment(ctx context.Context, uid, outputPath string) error {
	return c.export(ctx, "environments", uid, outputPath)
}

func (c *Client) export(ctx context.Context, resource, uid, outputPath string) error {
	if strings.TrimSpace(uid) == "" {
		return fmt.Errorf("%s uid cannot be empty", strings.TrimSuffix(resource, "s"))
	}
	if c.apiKey == "" {
		return fmt.Errorf("%w: api key is required", ErrAuth)
	}

	body, err := c.get(ctx, "/"+resource+"/"+url.PathEscape(uid))
	if err != nil {
		return fmt.Errorf("export %s %s: %w", strings.TrimSuffix(resource, "s"), uid, err)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	pretty.WriteByte('\n')

	if dir := filepath.Dir(outputPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	if err := os.WriteFile(outputPath, pretty.Bytes(), 0o644); err != nil {
		return fmt.Errorf("write %s: %w", outputPath, err)
	}

	if c.log != nil {
		c.log.Info("exported from postman", "resource", strings.TrimSuffix(resource, "s"), "uid", uid, "path", outputPath, "bytes", pretty.Len())
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, &APIError{StatusCode: resp.StatusCode, Message: errorMessage(body)}
	}

	return body, nil
}

// errorMessage extracts the message from {"error": {"message": ...}} or {"error": "..."}.
func errorMessage(body []byte) string {
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil || len(envelope.Error) == 0 {
		return strings.TrimSpace(string(body))
	}

	var detail struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(envelope.Error, &detail); err == nil && detail.Message != "" {
		return detail.Message
	}

	var text string
	if err := json.Unmarshal(envelope.Error, &text); err == nil {
		return text
	}
	return string(envelope.Error)
}
