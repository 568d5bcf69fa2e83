package session

import (
	"context"
	"errors"
	"sync"
)

var ErrExecutionHandleNil = errors.New("execution handle is nil")

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeFailed    Outcome = "failed"
)

// ExecutionHandle represents a single in-flight generation.
//
// It is cancelable and waitable. The generation is always driven by context cancellation.
type ExecutionHandle struct {
	ConversationID string
	PlaceholderID  string
	InferenceID    string

	done chan struct{}

	mu      sync.Mutex
	cancel  context.CancelFunc
	outcome Outcome
	err     error
}

func newExecutionHandle(inferenceID string, cancel context.CancelFunc) *ExecutionHandle {
	return &ExecutionHandle{
		InferenceID: inferenceID,
		done:        make(chan struct{}),
		cancel:      cancel,
	}
}

func (h *ExecutionHandle) setResult(outcome Outcome, err error) {
	h.mu.Lock()
	h.outcome = outcome
	h.err = err
	cancel := h.cancel
	h.cancel = nil
	close(h.done)
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Cancel cancels the in-flight generation. It is safe to call multiple times.
func (h *ExecutionHandle) Cancel() {
	if h == nil {
		return
	}
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the generation is finalized. A cancelled generation is
// not an error; a failed one returns the failure.
func (h *ExecutionHandle) Wait() (Outcome, error) {
	if h == nil {
		return "", ErrExecutionHandleNil
	}
	<-h.done
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.outcome, h.err
}

// Done is closed once the generation is finalized.
func (h *ExecutionHandle) Done() <-chan struct{} {
	return h.done
}

// IsRunning reports whether the generation appears to still be running.
func (h *ExecutionHandle) IsRunning() bool {
	if h == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}
