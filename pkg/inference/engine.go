package inference

import (
	"context"
)

// ChatMessage is the {role, content} pair sent to a model.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is a single chat completion request.
type ChatRequest struct {
	Model    string                 `json:"model"`
	Messages []ChatMessage          `json:"messages"`
	Options  map[string]interface{} `json:"options,omitempty"`
}

// Stream yields the content fragments of a streamed completion. Recv returns
// io.EOF once the model is done. Close must be called on every exit path.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// Engine talks to a model provider. Cancelling ctx aborts the request and
// unblocks a pending Recv.
type Engine interface {
	// Stream starts a streamed completion.
	Stream(ctx context.Context, req ChatRequest) (Stream, error)
	// Complete runs a non-streamed completion and returns the full content.
	Complete(ctx context.Context, req ChatRequest) (string, error)
}

// ModelInfo describes a model offered by a provider.
type ModelInfo struct {
	Name       string `json:"name" yaml:"name"`
	Size       int64  `json:"size,omitempty" yaml:"size,omitempty"`
	ModifiedAt string `json:"modifiedAt,omitempty" yaml:"modifiedAt,omitempty"`
	Family     string `json:"family,omitempty" yaml:"family,omitempty"`
}

// ModelLister is implemented by engines that can list their model catalog.
type ModelLister interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
}
