/******************************************************************************
 * Copyright (c) 2025-2026 Tenebris Technologies Inc.                         *
 * Please see the LICENSE file for details                                    *
 ******************************************************************************/

package faults

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/exec"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{name: "existing fault", err: New(CodeCapacityExceeded, "full"), want: CodeCapacityExceeded},
		{name: "wrapped fault", err: fmt.Errorf("outer: %w", New(CodeValidationFailed, "bad")), want: CodeValidationFailed},
		{name: "deadline", err: context.DeadlineExceeded, want: CodeExecutionTimeout},
		{name: "cancelled", err: fmt.Errorf("run: %w", context.Canceled), want: CodeExecutionCancelled},
		{name: "missing executable", err: &exec.Error{Name: "nope", Err: exec.ErrNotFound}, want: CodeExecutionFailed},
		{name: "anything else", err: errors.New("boom"), want: CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := Classify(tt.err)
			require.NotNil(t, f)
			assert.Equal(t, tt.want, f.Code)
		})
	}

	assert.Nil(t, Classify(nil))
}

func TestRecoverable(t *testing.T) {
	recoverable := []Code{CodeValidationFailed, CodeCapacityExceeded, CodeRateLimited}
	for _, c := range recoverable {
		assert.True(t, New(c, "x").Recoverable(), c.String())
	}

	fatal := []Code{CodeInternal, CodeExecutionFailed, CodeExecutionTimeout, CodeInvalidSession}
	for _, c := range fatal {
		assert.False(t, New(c, "x").Recoverable(), c.String())
	}
}

func TestWireCarriesIdentity(t *testing.T) {
	f := New(CodeValidationFailed, "missing field: text").WithIdentity("s1", "r1", "c1")

	wire := f.Wire(true)
	assert.Equal(t, int(CodeValidationFailed), wire.Code)
	assert.Equal(t, "missing field: text", wire.Message)

	data, ok := wire.Data.(ErrorData)
	require.True(t, ok)
	assert.Equal(t, "validation_failed", data.Category)
	assert.True(t, data.Recoverable)
	assert.Equal(t, "s1", data.SessionID)
	assert.Equal(t, "r1", data.RequestID)
	assert.Equal(t, "c1", data.CorrelationID)
}

func TestWireHidesInternalDetailsInProduction(t *testing.T) {
	f := Classify(errors.New("db password is hunter2")).WithDetail("trace", "x")

	prod := f.Wire(true)
	assert.Equal(t, "internal server error", prod.Message)
	data := prod.Data.(ErrorData)
	assert.Empty(t, data.Cause)
	assert.Nil(t, data.Details)

	dev := f.Wire(false)
	assert.Contains(t, dev.Data.(ErrorData).Cause, "hunter2")
}

func TestWithIdentityKeepsExisting(t *testing.T) {
	f := New(CodeExecutionFailed, "x").WithIdentity("s1", "", "")
	g := f.WithIdentity("s2", "r2", "c2")
	assert.Equal(t, "s1", g.SessionID)
	assert.Equal(t, "r2", g.RequestID)
	assert.Empty(t, f.RequestID, "original must not be mutated")
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, New(CodeParseError, "").HTTPStatus())
	assert.Equal(t, http.StatusNotFound, New(CodeInvalidSession, "").HTTPStatus())
	assert.Equal(t, http.StatusTooManyRequests, New(CodeRateLimited, "").HTTPStatus())
	assert.Equal(t, http.StatusOK, New(CodeExecutionFailed, "").HTTPStatus())
}

func TestStandardCodesMatchProtocol(t *testing.T) {
	assert.Equal(t, mcp.PARSE_ERROR, int(CodeParseError))
	assert.Equal(t, mcp.METHOD_NOT_FOUND, int(CodeMethodNotFound))
	assert.Equal(t, "code(1)", Code(1).String())
}

func TestIs(t *testing.T) {
	assert.True(t, Is(context.DeadlineExceeded, CodeExecutionTimeout))
	assert.False(t, Is(nil, CodeExecutionTimeout))
}
