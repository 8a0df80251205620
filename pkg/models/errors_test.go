package models

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClassOfUnwrapsChain(t *testing.T) {
	inner := NewFault(ErrClassOverloadRejected, "bucket empty")
	wrapped := fmt.Errorf("send reply: %w", inner)

	assert.Equal(t, ErrClassOverloadRejected, ClassOf(wrapped))
}

func TestClassOfDeadlineIsTimeout(t *testing.T) {
	err := fmt.Errorf("call peer: %w", context.DeadlineExceeded)
	assert.Equal(t, ErrClassTimeout, ClassOf(err))
}

func TestClassOfUnclassifiedIsInternal(t *testing.T) {
	assert.Equal(t, ErrClassInternal, ClassOf(errors.New("boom")))
	assert.Equal(t, ErrorClass(""), ClassOf(nil))
}

func TestRetryAfterOfSurvivesWrapping(t *testing.T) {
	fault := &Fault{Class: ErrClassTargetUnavailable, Message: "provider throttled", RetryAfter: 45 * time.Second}
	wrapped := fmt.Errorf("deliver: %w", fault)

	assert.Equal(t, 45*time.Second, RetryAfterOf(wrapped))
	assert.Zero(t, RetryAfterOf(errors.New("plain")))
}

func TestFaultErrorIncludesCause(t *testing.T) {
	cause := errors.New("connection refused")
	fault := WrapFault(ErrClassTargetUnavailable, cause, "reach telegram")

	assert.Contains(t, fault.Error(), "target_unavailable")
	assert.Contains(t, fault.Error(), "connection refused")
	assert.ErrorIs(t, fault, cause)
}
