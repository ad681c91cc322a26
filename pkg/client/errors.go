package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// Error kinds. Every error returned by the SDK either is an *APIError or wraps one
// of these through *ClientError, so callers can test with errors.Is.
var (
	// ErrRetryExhausted is wrapped around the last failure when all attempts are used.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	ErrInvalidArgument    = errors.New("invalid argument")
	ErrFileExists         = errors.New("file exists")
	ErrChecksumMismatch   = errors.New("checksum mismatch")
	ErrIncompleteDownload = errors.New("incomplete download")
	ErrPaginationLoop     = errors.New("pagination loop: next link already followed")
	ErrWaitTimeout        = errors.New("wait timed out")
	ErrCancelled          = errors.New("cancelled")
	ErrConnection         = errors.New("connection failed")
	ErrSessionClosed      = errors.New("session closed")
)

// Status sentinels matched by *APIError.Is.
var (
	ErrBadRequest      = errors.New("bad request")
	ErrUnauthorized    = errors.New("unauthorized")
	ErrForbidden       = errors.New("forbidden")
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrTooManyRequests = errors.New("too many requests")
	ErrServerError     = errors.New("server error")
)

// ClientError is a failure raised by the SDK itself rather than reported by the
// service. Kind is one of the package error kinds; Err is the underlying cause.
type ClientError struct {
	Op   string
	Kind error
	Err  error
}

// NewError creates a ClientError.
func NewError(op string, kind, err error) *ClientError {
	return &ClientError{Op: op, Kind: kind, Err: err}
}

// Error implements the error interface.
func (e *ClientError) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Kind != nil {
		b.WriteString(e.Kind.Error())
	}
	if e.Err != nil {
		if e.Kind != nil {
			b.WriteString(": ")
		}
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is/As.
func (e *ClientError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.Kind != nil {
		errs = append(errs, e.Kind)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// APIError is a non-success HTTP response. Body holds the response body exactly
// as the service sent it.
type APIError struct {
	StatusCode int
	Status     string
	Body       []byte
	Header     http.Header
	Method     string
	URL        string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	status := e.Status
	if status == "" {
		status = fmt.Sprintf("%d %s", e.StatusCode, http.StatusText(e.StatusCode))
	}
	if msg := e.Message(); msg != "" {
		return fmt.Sprintf("%s %s: %s: %s", e.Method, e.URL, status, msg)
	}
	return fmt.Sprintf("%s %s: %s", e.Method, e.URL, status)
}

// Is maps the status code onto the status sentinels.
func (e *APIError) Is(target error) bool {
	switch target {
	case ErrBadRequest:
		return e.StatusCode == http.StatusBadRequest
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrForbidden:
		return e.StatusCode == http.StatusForbidden
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case ErrTooManyRequests:
		return e.StatusCode == http.StatusTooManyRequests
	case ErrServerError:
		return e.StatusCode >= 500
	}
	return false
}

// Class returns the retry classification of the status code.
func (e *APIError) Class() ErrorClass {
	return classifyStatus(e.StatusCode)
}

const maxMessageLen = 200

// Message extracts a short human readable message from the body. The platform
// APIs report errors as {"message": ...}, {"detail": ...} or
// {"general": [{"message": ...}]}; anything else is returned trimmed.
func (e *APIError) Message() string {
	var payload struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
		General []struct {
			Message string `json:"message"`
		} `json:"general"`
	}
	if err := json.Unmarshal(e.Body, &payload); err == nil {
		switch {
		case payload.Message != "":
			return payload.Message
		case payload.Detail != "":
			return payload.Detail
		case len(payload.General) > 0 && payload.General[0].Message != "":
			return payload.General[0].Message
		}
	}

	msg := strings.TrimSpace(string(e.Body))
	if len(msg) > maxMessageLen {
		msg = msg[:maxMessageLen] + "..."
	}
	return msg
}

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than 429.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents connection and timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// classifyStatus categorizes a response status for retry and metrics.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient:
		// 4xx other than 429 will not change on repeat
		return false
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		return false
	}
}
