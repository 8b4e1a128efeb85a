package dropbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrorCategory is the decoded class of a structured remote error.
type ErrorCategory int

const (
	// CategoryUnknown covers every error summary outside the known set.
	CategoryUnknown ErrorCategory = iota
	CategoryPathNotFound
	CategoryPathConflict
	CategorySharedLinkAlreadyExists
	CategoryPathLookupNotFound
)

var categoryPrefixes = []struct {
	prefix   string
	category ErrorCategory
}{
	{"path/not_found", CategoryPathNotFound},
	{"path/conflict", CategoryPathConflict},
	{"shared_link_already_exists", CategorySharedLinkAlreadyExists},
	{"path_lookup/not_found", CategoryPathLookupNotFound},
}

func (c ErrorCategory) String() string {
	for _, p := range categoryPrefixes {
		if p.category == c {
			return p.prefix
		}
	}
	return "unknown"
}

// categorize maps an error_summary such as "path/not_found/.." to its category.
func categorize(summary string) ErrorCategory {
	for _, p := range categoryPrefixes {
		if strings.HasPrefix(summary, p.prefix) {
			return p.category
		}
	}
	return CategoryUnknown
}

// decodeError reads a structured error body. Unparseable bodies yield
// CategoryUnknown with the raw body as summary.
func decodeError(body []byte) (ErrorCategory, string) {
	var e apiError
	if err := json.Unmarshal(body, &e); err != nil || e.ErrorSummary == "" {
		return CategoryUnknown, strings.TrimSpace(string(body))
	}
	return categorize(e.ErrorSummary), e.ErrorSummary
}

// RemoteError is an error response the adapter could not translate into a
// status code.
type RemoteError struct {
	Op         string
	Path       string
	StatusCode int
	Category   ErrorCategory
	Summary    string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s %s: remote returned %d: %s", e.Op, e.Path, e.StatusCode, e.Summary)
}

// AsRemote checks if an error is a RemoteError and returns it.
func AsRemote(err error) (*RemoteError, bool) {
	var re *RemoteError
	if errors.As(err, &re) {
		return re, true
	}
	return nil, false
}

func remoteError(op, path string, status int, body []byte) *RemoteError {
	cat, summary := decodeError(body)
	return &RemoteError{Op: op, Path: path, StatusCode: status, Category: cat, Summary: summary}
}

// ConfigurationError reports that the account could not be identified with
// the configured credentials.
type ConfigurationError struct {
	Err error
}

func (e *ConfigurationError) Error() string {
	return "dropbox configuration: " + e.Err.Error()
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
