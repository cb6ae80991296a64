package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorMessageIncludesRequest(t *testing.T) {
	err := NotCurrentAssignee("req-1", "jdoe")
	assert.Contains(t, err.Error(), "NOT_CURRENT_ASSIGNEE")
	assert.Contains(t, err.Error(), "req-1")

	bare := InvalidInput("comment", "is required")
	assert.NotContains(t, bare.Error(), "request")
}

func TestWithRequestReturnsCopy(t *testing.T) {
	base := AlreadyTerminal("", "completed")
	annotated := base.WithRequest("req-9")

	assert.Equal(t, "req-9", annotated.RequestID)
	assert.Empty(t, base.RequestID)
	assert.Equal(t, base.Code, annotated.Code)
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(cause, "failed to load request")

	assert.Equal(t, KindInternal, err.Kind)
	assert.True(t, errors.Is(err, cause))

	// Survives further fmt wrapping.
	outer := fmt.Errorf("handler: %w", err)
	assert.Equal(t, CodeInternal, CodeOf(outer))
	assert.Equal(t, KindInternal, KindOf(outer))
}

func TestKindAndCodeOf(t *testing.T) {
	assert.Equal(t, KindState, KindOf(ConcurrentModification("req-1")))
	assert.Equal(t, CodeConcurrentModification, CodeOf(ConcurrentModification("req-1")))
	assert.Equal(t, KindConfiguration, KindOf(NoApprovalPathConfigured("d1", "purchase")))
	assert.Equal(t, KindNotFound, KindOf(NotFound("approval_request", "x")))

	// Foreign errors degrade to internal.
	plain := errors.New("boom")
	assert.Equal(t, KindInternal, KindOf(plain))
	assert.Equal(t, CodeInternal, CodeOf(plain))

	assert.True(t, IsCode(AlreadyTerminal("r", "reject"), CodeAlreadyTerminal))
	assert.False(t, IsCode(plain, CodeAlreadyTerminal))
}

func TestRequestIDOf(t *testing.T) {
	assert.Equal(t, "req-7", RequestIDOf(ConcurrentModification("req-7")))
	assert.Equal(t, "req-8", RequestIDOf(fmt.Errorf("submit: %w", AlreadyTerminal("req-8", "reject"))))
	assert.Empty(t, RequestIDOf(InvalidInput("comment", "is required")))
	assert.Empty(t, RequestIDOf(errors.New("boom")))
}
