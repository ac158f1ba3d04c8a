package trestle

import (
	"encoding/json"
	"errors"
	"fmt"
)

// AuthError reports invalid credentials or a non-production key. Callers
// treat it as a deployment misconfiguration: fail fast, never retry.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "trestle: auth configuration error: " + e.Reason
}

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// NotFoundError reports that the provider explicitly found no record for the
// subject. Not retryable: asking again costs money and changes nothing.
type NotFoundError struct {
	Message string
}

func (e *NotFoundError) Error() string {
	return "trestle: not found: " + e.Message
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// APIError is any other non-2xx provider response.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("trestle: API error %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the error is worth retrying.
func (e *APIError) Temporary() bool {
	switch e.StatusCode {
	case 408, 429, 500, 502, 503, 504:
		return true
	}
	return false
}

func classifyStatus(status int, body []byte) error {
	if status >= 200 && status < 300 {
		return nil
	}

	msg := string(body)
	var envelope struct {
		Error *apiErrBody `json:"error"`
	}
	if json.Unmarshal(body, &envelope) == nil && envelope.Error != nil {
		msg = envelope.Error.Message
	}

	switch status {
	case 401, 403:
		return &AuthError{Reason: msg}
	case 404:
		return &NotFoundError{Message: msg}
	default:
		return &APIError{StatusCode: status, Message: msg}
	}
}
