/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

// Package faults classifies failures into the JSON-RPC error taxonomy used on
// the wire, carrying the session, request and correlation identity of the call
// that failed.
package faults

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os/exec"

	"github.com/mark3labs/mcp-go/mcp"
)

// Code is a JSON-RPC error code
type Code int

// Standard JSON-RPC codes
const (
	CodeParseError     Code = mcp.PARSE_ERROR
	CodeInvalidRequest Code = mcp.INVALID_REQUEST
	CodeMethodNotFound Code = mcp.METHOD_NOT_FOUND
	CodeInvalidParams  Code = mcp.INVALID_PARAMS
	CodeInternal       Code = mcp.INTERNAL_ERROR
)

// Application codes. Kept clear of the codes mcp-go reserves (-32002, -32042).
const (
	CodeInvalidSession      Code = -32010
	CodeCapacityExceeded    Code = -32011
	CodeExecutionFailed     Code = -32012
	CodeExecutionTimeout    Code = -32013
	CodeExecutionCancelled  Code = -32014
	CodeValidationFailed    Code = -32015
	CodeAuthorizationFailed Code = -32016
	CodeRateLimited         Code = -32017
	CodeStreamingFailed     Code = -32018
	CodeCorrelationFailed   Code = -32019
)

var codeNames = map[Code]string{
	CodeParseError:          "parse_error",
	CodeInvalidRequest:      "invalid_request",
	CodeMethodNotFound:      "method_not_found",
	CodeInvalidParams:       "invalid_params",
	CodeInternal:            "internal_error",
	CodeInvalidSession:      "invalid_session",
	CodeCapacityExceeded:    "capacity_exceeded",
	CodeExecutionFailed:     "execution_failed",
	CodeExecutionTimeout:    "execution_timeout",
	CodeExecutionCancelled:  "execution_cancelled",
	CodeValidationFailed:    "validation_failed",
	CodeAuthorizationFailed: "authorization_failed",
	CodeRateLimited:         "rate_limited",
	CodeStreamingFailed:     "streaming_failed",
	CodeCorrelationFailed:   "correlation_failed",
}

// String returns the category name of the code
func (c Code) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("code(%d)", int(c))
}

// Fault is a classified failure
type Fault struct {
	Code          Code
	Message       string
	SessionID     string
	RequestID     string
	CorrelationID string
	Details       map[string]any
	Err           error
}

// New creates a fault with the given code and message
func New(code Code, message string) *Fault {
	return &Fault{Code: code, Message: message}
}

// Newf creates a fault with a formatted message
func Newf(code Code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a fault that keeps err as its cause
func Wrap(code Code, err error, message string) *Fault {
	return &Fault{Code: code, Message: message, Err: err}
}

// Error implements error
func (f *Fault) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

// Unwrap returns the cause
func (f *Fault) Unwrap() error {
	return f.Err
}

// WithIdentity returns a copy of the fault tagged with the call identity.
// Identity already present on the fault is kept.
func (f *Fault) WithIdentity(sessionID, requestID, correlationID string) *Fault {
	c := *f
	if c.SessionID == "" {
		c.SessionID = sessionID
	}
	if c.RequestID == "" {
		c.RequestID = requestID
	}
	if c.CorrelationID == "" {
		c.CorrelationID = correlationID
	}
	return &c
}

// WithDetail returns a copy of the fault with an extra detail entry
func (f *Fault) WithDetail(key string, value any) *Fault {
	c := *f
	c.Details = make(map[string]any, len(f.Details)+1)
	for k, v := range f.Details {
		c.Details[k] = v
	}
	c.Details[key] = value
	return &c
}

// Recoverable reports whether the client may retry the same call later
func (f *Fault) Recoverable() bool {
	switch f.Code {
	case CodeValidationFailed, CodeCapacityExceeded, CodeRateLimited:
		return true
	}
	return false
}

// HTTPStatus returns the HTTP status used when the fault is the whole response
func (f *Fault) HTTPStatus() int {
	switch f.Code {
	case CodeParseError, CodeInvalidRequest:
		return http.StatusBadRequest
	case CodeInvalidSession:
		return http.StatusNotFound
	case CodeRateLimited:
		return http.StatusTooManyRequests
	case CodeAuthorizationFailed:
		return http.StatusForbidden
	}
	return http.StatusOK
}

// Classify maps any error to a fault
func Classify(err error) *Fault {
	if err == nil {
		return nil
	}

	var f *Fault
	if errors.As(err, &f) {
		return f
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(CodeExecutionTimeout, err, "execution exceeded timeout")
	case errors.Is(err, context.Canceled):
		return Wrap(CodeExecutionCancelled, err, "execution cancelled")
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return Wrap(CodeExecutionFailed, err, "executable not found")
	case errors.Is(err, fs.ErrPermission):
		return Wrap(CodeExecutionFailed, err, "permission denied")
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return Wrap(CodeExecutionFailed, err, fmt.Sprintf("process exited with code %d", exitErr.ExitCode()))
	}

	return Wrap(CodeInternal, err, "internal error")
}

// Is reports whether err classifies to code
func Is(err error, code Code) bool {
	f := Classify(err)
	return f != nil && f.Code == code
}

// ErrorData is the data member of a wire error
type ErrorData struct {
	Category      string         `json:"category"`
	Recoverable   bool           `json:"recoverable"`
	SessionID     string         `json:"sessionId,omitempty"`
	RequestID     string         `json:"requestId,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Cause         string         `json:"cause,omitempty"`
	Details       map[string]any `json:"details,omitempty"`
}

// Wire renders the fault as a JSON-RPC error object. In production mode
// internal faults expose neither their message nor their cause.
func (f *Fault) Wire(production bool) mcp.JSONRPCErrorDetails {
	data := ErrorData{
		Category:      f.Code.String(),
		Recoverable:   f.Recoverable(),
		SessionID:     f.SessionID,
		RequestID:     f.RequestID,
		CorrelationID: f.CorrelationID,
		Details:       f.Details,
	}

	message := f.Message
	if f.Code == CodeInternal && production {
		message = "internal server error"
		data.Details = nil
	} else if f.Err != nil {
		data.Cause = f.Err.Error()
	}

	return mcp.JSONRPCErrorDetails{
		Code:    int(f.Code),
		Message: message,
		Data:    data,
	}
}

// Response builds a JSON-RPC error response for id
func (f *Fault) Response(id mcp.RequestId, production bool) mcp.JSONRPCError {
	return mcp.JSONRPCError{
		JSONRPC: mcp.JSONRPC_VERSION,
		ID:      id,
		Error:   f.Wire(production),
	}
}
