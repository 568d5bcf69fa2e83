package store

import (
	"github.com/go-go-golems/forkline/pkg/conversation"
)

// MessagePatch lists the message fields UpdateMessage may change. Nil fields
// are left untouched.
type MessagePatch struct {
	Content     *string
	IsStreaming *bool
	ToolCalls   []conversation.ToolCall
	Feedback    *string
}

func (p MessagePatch) apply(m *conversation.Message) {
	if p.Content != nil {
		m.Content = *p.Content
	}
	if p.IsStreaming != nil {
		m.IsStreaming = *p.IsStreaming
	}
	if p.ToolCalls != nil {
		m.ToolCalls = append([]conversation.ToolCall(nil), p.ToolCalls...)
	}
	if p.Feedback != nil {
		m.Feedback = *p.Feedback
	}
}

// ConversationPatch lists the conversation metadata UpdateConversation may
// change. ClearSystemPrompt removes the per-conversation override.
type ConversationPatch struct {
	Title             *string
	Model             *string
	SystemPrompt      *string
	ClearSystemPrompt bool
	Starred           *bool
	Archived          *bool
	Tags              []string
}

func (p ConversationPatch) apply(c *conversation.Conversation) {
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Model != nil {
		c.Model = *p.Model
	}
	if p.ClearSystemPrompt {
		c.SystemPrompt = nil
	} else if p.SystemPrompt != nil {
		sp := *p.SystemPrompt
		c.SystemPrompt = &sp
	}
	if p.Starred != nil {
		c.Starred = *p.Starred
	}
	if p.Archived != nil {
		c.Archived = *p.Archived
	}
	if p.Tags != nil {
		c.Tags = append([]string(nil), p.Tags...)
	}
}
