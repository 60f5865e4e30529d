package failure

import (
	"encoding/json"
	"fmt"
)

// Code is a member of the closed autopilot error taxonomy
type Code string

const (
	CodeAINotConfigured Code = "AI_NOT_CONFIGURED"
	CodeBudgetExceeded  Code = "BUDGET_EXCEEDED"
	CodeEmptyDiff       Code = "EMPTY_DIFF"
	CodeRepoNotReady    Code = "REPO_NOT_READY"
	CodeOpenPRLimit     Code = "OPEN_PR_LIMIT"
	CodeGitError        Code = "GIT_ERROR"
	CodeCancelled       Code = "CANCELLED_BY_USER"
	CodeUnknown         Code = "UNKNOWN"
)

var validCodes = map[Code]bool{
	CodeAINotConfigured: true,
	CodeBudgetExceeded:  true,
	CodeEmptyDiff:       true,
	CodeRepoNotReady:    true,
	CodeOpenPRLimit:     true,
	CodeGitError:        true,
	CodeCancelled:       true,
	CodeUnknown:         true,
}

// IsValid reports whether c belongs to the closed code set
func (c Code) IsValid() bool {
	return validCodes[c]
}

// Error is a normalized autopilot failure. Nothing outside this taxonomy
// crosses the engine boundary.
type Error struct {
	Code    Code           `json:"code"`
	Message string         `json:"message"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New creates an Error with the given code and message
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

const unknownMessage = "Unknown error"

// Normalize maps an arbitrary failure value into the closed taxonomy.
// Already-valid Errors pass through unchanged, so Normalize is idempotent.
// Anything without a usable message collapses to UNKNOWN.
func Normalize(v any) *Error {
	switch x := v.(type) {
	case nil:
		return New(CodeUnknown, unknownMessage)
	case *Error:
		if x == nil {
			return New(CodeUnknown, unknownMessage)
		}
		if x.Code.IsValid() && x.Message != "" {
			return x
		}
		if x.Message != "" {
			return New(CodeUnknown, x.Message)
		}
		return New(CodeUnknown, unknownMessage)
	case Error:
		return Normalize(&x)
	case error:
		if msg := x.Error(); msg != "" {
			return New(CodeUnknown, msg)
		}
		return New(CodeUnknown, unknownMessage)
	case string:
		if x != "" {
			return New(CodeUnknown, x)
		}
		return New(CodeUnknown, unknownMessage)
	case map[string]any:
		return normalizeMap(x)
	default:
		return New(CodeUnknown, unknownMessage)
	}
}

// normalizeMap accepts a structured value with a recognized code and a string
// message; meta is preserved only when it is object-shaped
func normalizeMap(m map[string]any) *Error {
	code, _ := m["code"].(string)
	msg, _ := m["message"].(string)
	if msg == "" {
		return New(CodeUnknown, unknownMessage)
	}
	e := New(CodeUnknown, msg)
	if c := Code(code); c.IsValid() {
		e.Code = c
	}
	if meta, ok := m["meta"].(map[string]any); ok {
		e.Meta = meta
	}
	return e
}

// Marshal serializes a normalized error for storage on a run row
func Marshal(e *Error) (string, error) {
	data, err := json.Marshal(Normalize(e))
	if err != nil {
		return "", fmt.Errorf("marshaling autopilot error: %w", err)
	}
	return string(data), nil
}

// Unmarshal decodes a stored error string. Legacy or malformed plain text
// falls back to UNKNOWN with the raw text as message, so the result is
// always a valid Error.
func Unmarshal(s string) *Error {
	if s == "" {
		return New(CodeUnknown, unknownMessage)
	}
	var e Error
	if err := json.Unmarshal([]byte(s), &e); err != nil {
		return New(CodeUnknown, s)
	}
	if !e.Code.IsValid() || e.Message == "" {
		if e.Message != "" {
			return New(CodeUnknown, e.Message)
		}
		return New(CodeUnknown, s)
	}
	return &e
}
