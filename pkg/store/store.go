package store

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	clone "github.com/huandu/go-clone"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/forkline/pkg/conversation"
	"github.com/go-go-golems/forkline/pkg/events"
	"github.com/go-go-golems/forkline/pkg/persistence"
	"github.com/go-go-golems/forkline/pkg/voice"
)

// Operation names carried by store-changed events.
const (
	OpCreateConversation    = "create-conversation"
	OpUpdateConversation    = "update-conversation"
	OpDeleteConversation    = "delete-conversation"
	OpDuplicateConversation = "duplicate-conversation"
	OpSetActive             = "set-active"
	OpAddMessage            = "add-message"
	OpUpdateMessage         = "update-message"
	OpDeleteMessage         = "delete-message"
	OpReact                 = "react"
	OpBranchFrom            = "branch-from"
	OpSwitchBranch          = "switch-branch"
	OpRenameBranch          = "rename-branch"
	OpDeleteBranch          = "delete-branch"
	OpVoiceSettings         = "voice-settings"
	OpLoad                  = "load"
)

var (
	ErrDeleteRootBranch = errors.New("the main branch cannot be deleted")
	ErrInvalidRole      = errors.New("invalid message role")
)

// Store is the canonical record of all conversations and their branches.
//
// Every mutation is applied under a write lock, then the resulting state is
// saved through the persistence adapter and a store-changed event is
// published. Saves happen in mutation order. Events are published without
// holding any store lock, so handlers may call back into the store.
//
// Lookups of unknown ids are silent no-ops.
type Store struct {
	mu            sync.RWMutex
	conversations []*conversation.Conversation
	activeID      string
	voice         voice.Settings

	persistMu sync.Mutex
	adapter   persistence.Adapter
	sink      events.EventSink
	now       func() time.Time
}

type Option func(*Store)

func WithAdapter(adapter persistence.Adapter) Option {
	return func(s *Store) {
		s.adapter = adapter
	}
}

func WithEventSink(sink events.EventSink) Option {
	return func(s *Store) {
		s.sink = sink
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(options ...Option) *Store {
	ret := &Store{
		conversations: []*conversation.Conversation{},
		voice:         voice.DefaultSettings(),
		adapter:       persistence.NopAdapter{},
		sink:          events.NopSink{},
		now:           time.Now,
	}
	for _, o := range options {
		o(ret)
	}
	return ret
}

// Load replaces the in-memory state with the persisted snapshot. Messages
// still flagged as streaming belong to a generation that died with a
// previous process and are cleared. A snapshot that cannot be decoded is
// logged and replaced by an empty one; only read failures of the backend
// are returned.
func (s *Store) Load(ctx context.Context) error {
	snap, err := s.adapter.Load(ctx)
	if err != nil {
		if !errors.Is(err, persistence.ErrCorruptSnapshot) {
			return errors.Wrap(err, "failed to load store")
		}
		log.Warn().Err(err).Msg("Stored conversations are unreadable, starting empty")
		snap = persistence.NewSnapshot()
	}

	s.mu.Lock()
	s.conversations = snap.Conversations
	if s.conversations == nil {
		s.conversations = []*conversation.Conversation{}
	}
	for _, c := range s.conversations {
		for _, m := range c.Messages {
			if m.IsStreaming {
				log.Debug().Str("conversation_id", c.ID).Str("message_id", m.ID).Msg("Clearing stale streaming flag")
				m.IsStreaming = false
			}
		}
	}
	s.voice = snap.VoiceSettings
	if s.activeID != "" && s.conversationLocked(s.activeID) == nil {
		s.activeID = ""
	}
	n := len(s.conversations)
	s.mu.Unlock()

	log.Info().Int("conversations", n).Msg("Loaded store")
	s.publish(OpLoad, events.EventMetadata{})
	return nil
}

// mutate runs f under the write lock. When f reports a change, the new
// state is persisted and an event published for op.
func (s *Store) mutate(op string, f func() (events.EventMetadata, bool)) {
	s.mu.Lock()
	meta, changed := f()
	if !changed {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	s.persistMu.Lock()
	s.mu.Unlock()

	if err := s.adapter.Save(context.Background(), snap); err != nil {
		log.Warn().Err(err).Str("op", op).Msg("Failed to persist store, keeping in-memory state")
	}
	s.persistMu.Unlock()

	s.publish(op, meta)
}

func (s *Store) publish(op string, meta events.EventMetadata) {
	if err := s.sink.PublishEvent(events.NewStoreChangedEvent(meta, op)); err != nil {
		log.Warn().Err(err).Str("op", op).Msg("Failed to publish store event")
	}
}

func (s *Store) snapshotLocked() *persistence.Snapshot {
	return &persistence.Snapshot{
		Conversations: clone.Clone(s.conversations).([]*conversation.Conversation),
		VoiceSettings: s.voice,
	}
}

func (s *Store) conversationLocked(id string) *conversation.Conversation {
	if id == "" {
		return nil
	}
	for _, c := range s.conversations {
		if c.ID == id {
			return c
		}
	}
	return nil
}

func (s *Store) activeLocked() *conversation.Conversation {
	return s.conversationLocked(s.activeID)
}

// findMessageLocked looks in the active conversation first, so updates of a
// streaming placeholder keep working after the user switched conversations.
func (s *Store) findMessageLocked(id string) (*conversation.Conversation, *conversation.Message) {
	if c := s.activeLocked(); c != nil {
		if m, ok := c.Message(id); ok {
			return c, m
		}
	}
	for _, c := range s.conversations {
		if m, ok := c.Message(id); ok {
			return c, m
		}
	}
	return nil, nil
}

// CreateConversation creates a conversation with its main branch and makes
// it the active one.
func (s *Store) CreateConversation(model string, systemPrompt *string) string {
	var id string
	s.mutate(OpCreateConversation, func() (events.EventMetadata, bool) {
		c := conversation.NewConversation(model, systemPrompt)
		now := s.now()
		c.CreatedAt, c.UpdatedAt = now, now
		c.Branches[0].CreatedAt = now
		s.conversations = append(s.conversations, c)
		s.activeID = c.ID
		id = c.ID
		return events.EventMetadata{ConversationID: c.ID, BranchID: c.ActiveBranchID, Model: model}, true
	})
	return id
}

// AddMessage appends a message to the active branch of the active
// conversation. The first user message of a branch names the conversation.
func (s *Store) AddMessage(role conversation.Role, content string, extra ...conversation.MessageOption) string {
	if !role.Valid() {
		log.Error().Err(ErrInvalidRole).Str("role", string(role)).Msg("Refusing to add message")
		return ""
	}
	var id string
	s.mutate(OpAddMessage, func() (events.EventMetadata, bool) {
		c := s.activeLocked()
		if c == nil {
			log.Debug().Msg("No active conversation, dropping message")
			return events.EventMetadata{}, false
		}
		branchID := c.ActiveBranchID
		m := conversation.NewMessage(role, content, append([]conversation.MessageOption{conversation.WithTime(s.now())}, extra...)...)
		m.BranchID = &branchID
		c.Messages = append(c.Messages, m)

		if role == conversation.RoleUser && countUserMessages(c, branchID) == 1 {
			c.Title = conversation.DeriveTitle(content)
		}
		c.UpdatedAt = s.now()
		id = m.ID
		return events.EventMetadata{ConversationID: c.ID, BranchID: branchID, MessageID: m.ID}, true
	})
	return id
}

func countUserMessages(c *conversation.Conversation, branchID string) int {
	n := 0
	for _, m := range c.Messages {
		if m.Role == conversation.RoleUser && m.OnBranch(branchID) {
			n++
		}
	}
	return n
}

func (s *Store) UpdateMessage(messageID string, patch MessagePatch) {
	s.mutate(OpUpdateMessage, func() (events.EventMetadata, bool) {
		c, m := s.findMessageLocked(messageID)
		if m == nil {
			return events.EventMetadata{}, false
		}
		patch.apply(m)
		c.UpdatedAt = s.now()
		return events.EventMetadata{ConversationID: c.ID, BranchID: m.Branch(), MessageID: m.ID}, true
	})
}

// DeleteMessage removes a message. Branches forked at it keep their own
// messages but lose the inherited prefix, as their fork origin is gone.
func (s *Store) DeleteMessage(messageID string) {
	s.mutate(OpDeleteMessage, func() (events.EventMetadata, bool) {
		c, m := s.findMessageLocked(messageID)
		if m == nil {
			return events.EventMetadata{}, false
		}
		for _, b := range c.Branches {
			if !b.IsRoot() && b.ForkOriginMessageID == messageID {
				log.Debug().
					Str("conversation_id", c.ID).
					Str("branch_id", b.ID).
					Str("message_id", messageID).
					Msg("Deleting fork origin, branch loses its inherited messages")
				b.ForkOriginMessageID = ""
			}
		}
		c.Messages = conversation.Messages(c.Messages).Without(messageID)
		c.UpdatedAt = s.now()
		return events.EventMetadata{ConversationID: c.ID, BranchID: m.Branch(), MessageID: messageID}, true
	})
}

// BranchFrom forks the active conversation at messageID. The new branch is
// a child of the active branch and becomes active. An empty name defaults to
// "Branch N". Messages of other conversations are ignored.
func (s *Store) BranchFrom(messageID string, name string) string {
	var id string
	s.mutate(OpBranchFrom, func() (events.EventMetadata, bool) {
		c := s.activeLocked()
		if c == nil {
			return events.EventMetadata{}, false
		}
		m, ok := c.Message(messageID)
		if !ok {
			log.Debug().Str("message_id", messageID).Str("conversation_id", c.ID).Msg("Message is not in the active conversation, not branching")
			return events.EventMetadata{}, false
		}
		name = strings.TrimSpace(name)
		if name == "" {
			name = "Branch " + strconv.Itoa(len(c.Branches))
		}
		parent := c.ActiveBranchID
		b := &conversation.Branch{
			ID:                  uuid.NewString(),
			Name:                name,
			ParentBranchID:      &parent,
			ForkOriginMessageID: m.ID,
			CreatedAt:           s.now(),
		}
		c.Branches = append(c.Branches, b)
		m.BranchPoint = true
		c.ActiveBranchID = b.ID
		c.UpdatedAt = s.now()
		id = b.ID
		return events.EventMetadata{ConversationID: c.ID, BranchID: b.ID, MessageID: m.ID}, true
	})
	return id
}

func (s *Store) SwitchBranch(branchID string) {
	s.mutate(OpSwitchBranch, func() (events.EventMetadata, bool) {
		c := s.activeLocked()
		if c == nil || !c.HasBranch(branchID) {
			return events.EventMetadata{}, false
		}
		c.ActiveBranchID = branchID
		c.UpdatedAt = s.now()
		return events.EventMetadata{ConversationID: c.ID, BranchID: branchID}, true
	})
}

func (s *Store) RenameBranch(branchID string, name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	s.mutate(OpRenameBranch, func() (events.EventMetadata, bool) {
		c := s.activeLocked()
		if c == nil {
			return events.EventMetadata{}, false
		}
		b, ok := c.Branch(branchID)
		if !ok {
			return events.EventMetadata{}, false
		}
		b.Name = name
		c.UpdatedAt = s.now()
		return events.EventMetadata{ConversationID: c.ID, BranchID: branchID}, true
	})
}

// DeleteBranch removes a branch of the active conversation together with
// its messages and every branch forked from it. The main branch cannot be
// deleted.
func (s *Store) DeleteBranch(branchID string) error {
	if branchID == conversation.MainBranchID {
		return ErrDeleteRootBranch
	}
	s.mutate(OpDeleteBranch, func() (events.EventMetadata, bool) {
		c := s.activeLocked()
		if c == nil || !c.HasBranch(branchID) {
			return events.EventMetadata{}, false
		}
		doomed := map[string]bool{branchID: true}
		for _, id := range conversation.DescendantBranches(c, branchID) {
			doomed[id] = true
		}

		branches := make([]*conversation.Branch, 0, len(c.Branches))
		for _, b := range c.Branches {
			if !doomed[b.ID] {
				branches = append(branches, b)
			}
		}
		c.Branches = branches

		messages := make([]*conversation.Message, 0, len(c.Messages))
		for _, m := range c.Messages {
			if !doomed[m.Branch()] {
				messages = append(messages, m)
			}
		}
		c.Messages = messages

		forkOrigins := map[string]bool{}
		for _, b := range c.Branches {
			if !b.IsRoot() {
				forkOrigins[b.ForkOriginMessageID] = true
			}
		}
		for _, m := range c.Messages {
			if m.BranchPoint && !forkOrigins[m.ID] {
				m.BranchPoint = false
			}
		}

		if doomed[c.ActiveBranchID] {
			c.ActiveBranchID = conversation.MainBranchID
		}
		c.UpdatedAt = s.now()
		return events.EventMetadata{ConversationID: c.ID, BranchID: branchID}, true
	})
	return nil
}

// ReactToMessage sets the reaction of a message. Reacting twice with the
// same kind clears it.
func (s *Store) ReactToMessage(messageID string, kind conversation.ReactionKind) {
	s.mutate(OpReact, func() (events.EventMetadata, bool) {
		c, m := s.findMessageLocked(messageID)
		if m == nil {
			return events.EventMetadata{}, false
		}
		if m.Reaction != nil && m.Reaction.Kind == kind {
			m.Reaction = nil
		} else {
			m.Reaction = &conversation.Reaction{Kind: kind, Timestamp: s.now()}
		}
		return events.EventMetadata{ConversationID: c.ID, BranchID: m.Branch(), MessageID: m.ID}, true
	})
}

func (s *Store) UpdateConversation(id string, patch ConversationPatch) {
	s.mutate(OpUpdateConversation, func() (events.EventMetadata, bool) {
		c := s.conversationLocked(id)
		if c == nil {
			return events.EventMetadata{}, false
		}
		patch.apply(c)
		c.UpdatedAt = s.now()
		return events.EventMetadata{ConversationID: c.ID, Model: c.Model}, true
	})
}

func (s *Store) DeleteConversation(id string) {
	s.mutate(OpDeleteConversation, func() (events.EventMetadata, bool) {
		idx := -1
		for i, c := range s.conversations {
			if c.ID == id {
				idx = i
				break
			}
		}
		if idx < 0 {
			return events.EventMetadata{}, false
		}
		s.conversations = append(s.conversations[:idx], s.conversations[idx+1:]...)
		if s.activeID == id {
			s.activeID = ""
		}
		return events.EventMetadata{ConversationID: id}, true
	})
}

// DuplicateConversation deep-copies a conversation with fresh ids and
// timestamps. Branch and message references inside the copy point at the
// copied records. The active conversation does not change.
func (s *Store) DuplicateConversation(id string) string {
	var ret string
	s.mutate(OpDuplicateConversation, func() (events.EventMetadata, bool) {
		src := s.conversationLocked(id)
		if src == nil {
			return events.EventMetadata{}, false
		}
		now := s.now()
		dup := clone.Clone(src).(*conversation.Conversation)
		dup.ID = uuid.NewString()
		dup.Title = src.Title + " (copy)"
		dup.CreatedAt, dup.UpdatedAt = now, now

		branchIDs := map[string]string{conversation.MainBranchID: conversation.MainBranchID}
		for _, b := range dup.Branches {
			if !b.IsRoot() {
				branchIDs[b.ID] = uuid.NewString()
			}
		}
		messageIDs := map[string]string{}
		for _, m := range dup.Messages {
			messageIDs[m.ID] = uuid.NewString()
		}

		for _, b := range dup.Branches {
			b.ID = branchIDs[b.ID]
			b.CreatedAt = now
			if b.ParentBranchID != nil {
				if nid, ok := branchIDs[*b.ParentBranchID]; ok {
					b.ParentBranchID = &nid
				}
			}
			if nid, ok := messageIDs[b.ForkOriginMessageID]; ok {
				b.ForkOriginMessageID = nid
			}
		}
		for _, m := range dup.Messages {
			m.ID = messageIDs[m.ID]
			m.Timestamp = now
			m.IsStreaming = false
			if m.BranchID != nil {
				if nid, ok := branchIDs[*m.BranchID]; ok {
					m.BranchID = &nid
				}
			}
		}
		if nid, ok := branchIDs[dup.ActiveBranchID]; ok {
			dup.ActiveBranchID = nid
		} else {
			dup.ActiveBranchID = conversation.MainBranchID
		}

		s.conversations = append(s.conversations, dup)
		ret = dup.ID
		return events.EventMetadata{ConversationID: dup.ID}, true
	})
	return ret
}

// SetActiveConversation makes id the active conversation. An empty id
// clears the selection; unknown ids are ignored.
func (s *Store) SetActiveConversation(id string) {
	s.mutate(OpSetActive, func() (events.EventMetadata, bool) {
		if id != "" && s.conversationLocked(id) == nil {
			return events.EventMetadata{}, false
		}
		if s.activeID == id {
			return events.EventMetadata{}, false
		}
		s.activeID = id
		return events.EventMetadata{ConversationID: id}, true
	})
}

func (s *Store) SetVoiceSettings(v voice.Settings) {
	s.mutate(OpVoiceSettings, func() (events.EventMetadata, bool) {
		s.voice = v
		return events.EventMetadata{}, true
	})
}

func (s *Store) VoiceSettings() voice.Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.voice
}

func (s *Store) ActiveConversationID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.activeID
}

// ActiveConversation returns a copy of the active conversation.
func (s *Store) ActiveConversation() (*conversation.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.activeLocked()
	if c == nil {
		return nil, false
	}
	return clone.Clone(c).(*conversation.Conversation), true
}

func (s *Store) Conversation(id string) (*conversation.Conversation, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.conversationLocked(id)
	if c == nil {
		return nil, false
	}
	return clone.Clone(c).(*conversation.Conversation), true
}

// Conversations returns copies of all conversations, most recently updated
// first.
func (s *Store) Conversations() []*conversation.Conversation {
	s.mu.RLock()
	ret := clone.Clone(s.conversations).([]*conversation.Conversation)
	s.mu.RUnlock()

	sort.SliceStable(ret, func(i, j int) bool {
		return ret[i].UpdatedAt.After(ret[j].UpdatedAt)
	})
	return ret
}

// ActivePath is the visible path of the active branch of the active
// conversation.
func (s *Store) ActivePath() conversation.Messages {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.activeLocked()
	if c == nil {
		return conversation.Messages{}
	}
	return clone.Clone(conversation.VisiblePath(c, c.ActiveBranchID)).(conversation.Messages)
}

// VisiblePath resolves branchID of conversation id. An empty branchID uses
// the conversation's active branch.
func (s *Store) VisiblePath(id string, branchID string) conversation.Messages {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c := s.conversationLocked(id)
	if c == nil {
		return conversation.Messages{}
	}
	if branchID == "" {
		branchID = c.ActiveBranchID
	}
	return clone.Clone(conversation.VisiblePath(c, branchID)).(conversation.Messages)
}

func (s *Store) Message(id string) (*conversation.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, m := s.findMessageLocked(id)
	if m == nil {
		return nil, false
	}
	return clone.Clone(m).(*conversation.Message), true
}

// Snapshot returns a deep copy of everything the store persists.
func (s *Store) Snapshot() *persistence.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}
