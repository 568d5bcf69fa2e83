package conversation

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
	RoleUser      Role = "user"
)

func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleAssistant, RoleUser:
		return true
	}
	return false
}

// ToolCall records a tool invocation requested by the model while producing a message.
type ToolCall struct {
	ID        string          `json:"id,omitempty" yaml:"id,omitempty"`
	Name      string          `json:"name" yaml:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty" yaml:"-"`
	Result    string          `json:"result,omitempty" yaml:"result,omitempty"`
}

type ReactionKind string

const (
	ReactionLike    ReactionKind = "like"
	ReactionDislike ReactionKind = "dislike"
)

type Reaction struct {
	Kind      ReactionKind `json:"kind" yaml:"kind"`
	Timestamp time.Time    `json:"timestamp" yaml:"timestamp"`
}

// Message is a single entry in a conversation.
//
// BranchID is nil for messages written before branching existed; those are
// treated as belonging to MainBranchID everywhere.
type Message struct {
	ID          string     `json:"id" yaml:"id"`
	Role        Role       `json:"role" yaml:"role"`
	Content     string     `json:"content" yaml:"content"`
	Timestamp   time.Time  `json:"timestamp" yaml:"timestamp"`
	BranchID    *string    `json:"branchId,omitempty" yaml:"branchId,omitempty"`
	BranchPoint bool       `json:"branchPoint,omitempty" yaml:"branchPoint,omitempty"`
	ToolCalls   []ToolCall `json:"toolCalls,omitempty" yaml:"toolCalls,omitempty"`
	IsStreaming bool       `json:"isStreaming,omitempty" yaml:"isStreaming,omitempty"`
	Reaction    *Reaction  `json:"reaction,omitempty" yaml:"reaction,omitempty"`
	Feedback    string     `json:"feedback,omitempty" yaml:"feedback,omitempty"`
}

type MessageOption func(*Message)

func WithTime(t time.Time) MessageOption {
	return func(m *Message) {
		m.Timestamp = t
	}
}

func WithID(id string) MessageOption {
	return func(m *Message) {
		m.ID = id
	}
}

func WithStreaming(streaming bool) MessageOption {
	return func(m *Message) {
		m.IsStreaming = streaming
	}
}

func WithToolCalls(calls ...ToolCall) MessageOption {
	return func(m *Message) {
		m.ToolCalls = append(m.ToolCalls, calls...)
	}
}

func WithBranch(branchID string) MessageOption {
	return func(m *Message) {
		m.BranchID = &branchID
	}
}

func NewMessage(role Role, content string, options ...MessageOption) *Message {
	ret := &Message{
		ID:        uuid.NewString(),
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
	for _, option := range options {
		option(ret)
	}
	return ret
}

// Branch returns the effective branch of the message.
func (m *Message) Branch() string {
	if m.BranchID == nil || *m.BranchID == "" {
		return MainBranchID
	}
	return *m.BranchID
}

// OnBranch reports whether the message belongs to branchID, with legacy
// messages counting as main.
func (m *Message) OnBranch(branchID string) bool {
	return m.Branch() == branchID
}

func (m *Message) String() string {
	return m.Content
}

func (m *Message) View() string {
	// If we are markdown, add a newline so that it becomes valid markdown to parse.
	text := m.Content
	if strings.HasPrefix(text, "```") {
		text = "\n" + text
	}
	return fmt.Sprintf("[%s]: %s", m.Role, strings.TrimRight(text, "\n"))
}

// Messages is an ordered list of messages, usually the visible path of a branch.
type Messages []*Message

func (ms Messages) IDs() []string {
	ret := make([]string, 0, len(ms))
	for _, m := range ms {
		ret = append(ret, m.ID)
	}
	return ret
}

// Without returns the messages minus the one with the given id.
func (ms Messages) Without(id string) Messages {
	ret := make(Messages, 0, len(ms))
	for _, m := range ms {
		if m.ID != id {
			ret = append(ret, m)
		}
	}
	return ret
}

func (ms Messages) ToString() string {
	var sb strings.Builder
	for _, m := range ms {
		sb.WriteString(m.View())
		sb.WriteString("\n")
	}
	return sb.String()
}
