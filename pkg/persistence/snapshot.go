package persistence

import (
	"context"

	"github.com/go-go-golems/forkline/pkg/conversation"
	"github.com/go-go-golems/forkline/pkg/voice"
)

// StoreKey is the fixed key the whole store snapshot is written under.
const StoreKey = "forkline/store/v1"

// Snapshot is everything the store persists.
type Snapshot struct {
	Conversations []*conversation.Conversation `json:"conversations" yaml:"conversations"`
	VoiceSettings voice.Settings               `json:"voiceSettings" yaml:"voiceSettings"`
}

func NewSnapshot() *Snapshot {
	return &Snapshot{
		Conversations: []*conversation.Conversation{},
		VoiceSettings: voice.DefaultSettings(),
	}
}

// Adapter saves and loads snapshots. Implementations must be safe for use
// from a single goroutine at a time; the store serializes calls.
type Adapter interface {
	Save(ctx context.Context, snapshot *Snapshot) error
	Load(ctx context.Context) (*Snapshot, error)
}

// NopAdapter never persists anything and always loads an empty snapshot.
type NopAdapter struct{}

func (NopAdapter) Save(context.Context, *Snapshot) error { return nil }

func (NopAdapter) Load(context.Context) (*Snapshot, error) { return NewSnapshot(), nil }

var _ Adapter = NopAdapter{}
