package ollama

import (
	"github.com/jmorganca/ollama/api"

	"github.com/go-go-golems/forkline/pkg/inference"
)

func newChatRequest(req inference.ChatRequest, stream bool) *api.ChatRequest {
	messages := make([]api.Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, api.Message{Role: m.Role, Content: m.Content})
	}
	return &api.ChatRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   &stream,
		Options:  req.Options,
	}
}

// chatRecord is one NDJSON record of /api/chat, and also the whole body of
// a non-streamed answer. Error is set when ollama fails after the response
// headers were sent.
type chatRecord struct {
	api.ChatResponse
	DoneReason string `json:"done_reason,omitempty"`
	Error      string `json:"error,omitempty"`
}

func (r *chatRecord) content() string {
	return messageContent(r.Message)
}

// messageContent reads the content of a record's message. The final record
// of a stream may come without one.
func messageContent(m interface{}) string {
	switch v := m.(type) {
	case *api.Message:
		if v != nil {
			return v.Content
		}
	case api.Message:
		return v.Content
	}
	return ""
}
