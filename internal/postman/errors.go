package postman

import (
	"errors"
	"fmt"
)

var (
	// ErrAuth indicates the API key is missing, invalid or lacks access to the resource.
	ErrAuth = errors.New("postman authentication error")

	// ErrNotFound indicates the requested collection or environment does not exist.
	ErrNotFound = errors.New("not found in postman")

	// ErrInvalidResponse indicates the API returned a body that is not JSON.
	ErrInvalidResponse = errors.New("invalid response from postman")
)

// APIError represents a non-2xx response from the Postman API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("postman api error (status %d)", e.StatusCode)
	}
	return fmt.Sprintf("postman api error (status %d): %s", e.StatusCode, e.Message)
}

// Unwrap maps the status onto ErrAuth or ErrNotFound.
func (e *APIError) Unwrap() error {
	switch e.StatusCode {
	case 401, 403:
		return ErrAuth
	case 404:
		return ErrNotFound
	default:
		return nil
	}
}
