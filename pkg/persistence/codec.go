package persistence

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/forkline/pkg/conversation"
	"github.com/go-go-golems/forkline/pkg/voice"
)

const snapshotVersion = 1

type snapshotDocument struct {
	Version       int                          `json:"version"`
	Conversations []*conversation.Conversation `json:"conversations"`
	VoiceSettings *voice.Settings              `json:"voiceSettings,omitempty"`
}

// EncodeSnapshot serializes s as JSON. Timestamps are written as RFC3339Nano
// strings.
func EncodeSnapshot(s *Snapshot) ([]byte, error) {
	if s == nil {
		s = NewSnapshot()
	}
	convs := s.Conversations
	if convs == nil {
		convs = []*conversation.Conversation{}
	}
	vs := s.VoiceSettings
	b, err := json.Marshal(snapshotDocument{
		Version:       snapshotVersion,
		Conversations: convs,
		VoiceSettings: &vs,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to encode snapshot")
	}
	return b, nil
}

// ErrCorruptSnapshot is matched by errors.Is when a stored blob exists but
// cannot be decoded.
var ErrCorruptSnapshot = errors.New("corrupt snapshot")

type CorruptSnapshotError struct {
	Err error
}

func (e *CorruptSnapshotError) Error() string {
	return "failed to decode snapshot: " + e.Err.Error()
}

func (e *CorruptSnapshotError) Unwrap() error {
	return e.Err
}

func (e *CorruptSnapshotError) Is(target error) bool {
	return target == ErrCorruptSnapshot
}

// DecodeSnapshot parses a blob written by EncodeSnapshot or by an older
// version of the store, and repairs the branch structure of every
// conversation so the store invariants hold.
func DecodeSnapshot(b []byte) (*Snapshot, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return NewSnapshot(), nil
	}

	var doc wireDocument
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, &CorruptSnapshotError{Err: err}
	}

	ret := NewSnapshot()
	if doc.VoiceSettings != nil {
		ret.VoiceSettings = *doc.VoiceSettings
	}
	for _, wc := range doc.Conversations {
		if wc == nil {
			continue
		}
		c := wc.toConversation()
		repairConversation(c)
		ret.Conversations = append(ret.Conversations, c)
	}
	return ret, nil
}

// repairConversation back-fills the root branch of pre-branching data and
// remaps references to branches that no longer exist onto main.
func repairConversation(c *conversation.Conversation) {
	if c.EnsureRootBranch() {
		log.Debug().Str("conversation_id", c.ID).Msg("Back-filled root branch")
	}
	for _, b := range c.Branches {
		if b.IsRoot() {
			b.ParentBranchID = nil
			b.ForkOriginMessageID = ""
			continue
		}
		if b.ParentBranchID != nil && !c.HasBranch(*b.ParentBranchID) {
			log.Warn().Str("conversation_id", c.ID).Str("branch_id", b.ID).
				Str("parent_branch_id", *b.ParentBranchID).Msg("Branch parent missing, reattaching to main")
			b.ParentBranchID = nil
		}
	}
	for _, m := range c.Messages {
		if m.BranchID != nil && *m.BranchID != "" && !c.HasBranch(*m.BranchID) {
			log.Warn().Str("conversation_id", c.ID).Str("message_id", m.ID).
				Str("branch_id", *m.BranchID).Msg("Message branch missing, remapping to main")
			m.BranchID = nil
		}
	}
}

type wireDocument struct {
	Version       int                 `json:"version"`
	Conversations []*wireConversation `json:"conversations"`
	VoiceSettings *voice.Settings     `json:"voiceSettings"`
}

type wireConversation struct {
	ID             string         `json:"id"`
	Title          string         `json:"title"`
	Messages       []*wireMessage `json:"messages"`
	Model          string         `json:"model"`
	SystemPrompt   *string        `json:"systemPrompt"`
	Branches       []*wireBranch  `json:"branches"`
	ActiveBranchID string         `json:"activeBranchId"`
	CreatedAt      timestamp      `json:"createdAt"`
	UpdatedAt      timestamp      `json:"updatedAt"`
	Starred        bool           `json:"starred"`
	Archived       bool           `json:"archived"`
	Tags           []string       `json:"tags"`
}

func (w *wireConversation) toConversation() *conversation.Conversation {
	c := &conversation.Conversation{
		ID:             w.ID,
		Title:          w.Title,
		Messages:       make([]*conversation.Message, 0, len(w.Messages)),
		Model:          w.Model,
		SystemPrompt:   w.SystemPrompt,
		Branches:       make([]*conversation.Branch, 0, len(w.Branches)),
		ActiveBranchID: w.ActiveBranchID,
		CreatedAt:      w.CreatedAt.Time(),
		UpdatedAt:      w.UpdatedAt.Time(),
		Starred:        w.Starred,
		Archived:       w.Archived,
		Tags:           w.Tags,
	}
	if c.Title == "" {
		c.Title = conversation.DefaultTitle
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	for _, wm := range w.Messages {
		if wm != nil {
			c.Messages = append(c.Messages, wm.toMessage())
		}
	}
	for _, wb := range w.Branches {
		if wb != nil && wb.ID != "" {
			c.Branches = append(c.Branches, wb.toBranch())
		}
	}
	return c
}

type wireBranch struct {
	ID                  string    `json:"id"`
	Name                string    `json:"name"`
	ParentBranchID      *string   `json:"parentBranchId"`
	ForkOriginMessageID string    `json:"forkOriginMessageId"`
	CreatedAt           timestamp `json:"createdAt"`
}

func (w *wireBranch) toBranch() *conversation.Branch {
	name := w.Name
	if name == "" {
		name = w.ID
	}
	return &conversation.Branch{
		ID:                  w.ID,
		Name:                name,
		ParentBranchID:      w.ParentBranchID,
		ForkOriginMessageID: w.ForkOriginMessageID,
		CreatedAt:           w.CreatedAt.Time(),
	}
}

type wireMessage struct {
	ID          string                  `json:"id"`
	Role        conversation.Role       `json:"role"`
	Content     string                  `json:"content"`
	Timestamp   timestamp               `json:"timestamp"`
	BranchID    *string                 `json:"branchId"`
	BranchPoint bool                    `json:"branchPoint"`
	ToolCalls   []conversation.ToolCall `json:"toolCalls"`
	IsStreaming bool                    `json:"isStreaming"`
	Reaction    *wireReaction           `json:"reaction"`
	Feedback    string                  `json:"feedback"`
}

func (w *wireMessage) toMessage() *conversation.Message {
	m := &conversation.Message{
		ID:          w.ID,
		Role:        w.Role,
		Content:     w.Content,
		Timestamp:   w.Timestamp.Time(),
		BranchID:    w.BranchID,
		BranchPoint: w.BranchPoint,
		ToolCalls:   w.ToolCalls,
		IsStreaming: w.IsStreaming,
		Feedback:    w.Feedback,
	}
	if w.Reaction != nil && w.Reaction.Kind != "" {
		m.Reaction = &conversation.Reaction{
			Kind:      w.Reaction.Kind,
			Timestamp: w.Reaction.Timestamp.Time(),
		}
	}
	return m
}

// wireReaction also accepts the bare "like"/"dislike" string of older data.
type wireReaction struct {
	Kind      conversation.ReactionKind `json:"kind"`
	Timestamp timestamp                 `json:"timestamp"`
}

func (w *wireReaction) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var kind string
		if err := json.Unmarshal(b, &kind); err != nil {
			return err
		}
		w.Kind = conversation.ReactionKind(kind)
		return nil
	}
	type plain wireReaction
	var p plain
	if err := json.Unmarshal(b, &p); err != nil {
		return err
	}
	*w = wireReaction(p)
	return nil
}

// timestamp decodes RFC3339(Nano) strings as well as unix millisecond
// numbers, which is how older snapshots stored dates.
type timestamp time.Time

func (t timestamp) Time() time.Time {
	return time.Time(t)
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05",
}

func (t *timestamp) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*t = timestamp{}
		return nil
	}

	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		if s == "" {
			*t = timestamp{}
			return nil
		}
		for _, layout := range timestampLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				*t = timestamp(parsed)
				return nil
			}
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			*t = timestamp(time.UnixMilli(ms))
			return nil
		}
		return errors.Errorf("unrecognized timestamp %q", s)
	}

	var ms float64
	if err := json.Unmarshal(b, &ms); err != nil {
		return errors.Wrapf(err, "unrecognized timestamp %s", string(b))
	}
	*t = timestamp(time.UnixMilli(int64(ms)))
	return nil
}
