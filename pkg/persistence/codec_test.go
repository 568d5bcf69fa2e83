package persistence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/forkline/pkg/conversation"
	"github.com/go-go-golems/forkline/pkg/voice"
)

func sampleSnapshot() *Snapshot {
	conv := conversation.NewConversation("llama3", nil)
	conv.Title = "hello"
	m1 := conversation.NewMessage(conversation.RoleUser, "hello", conversation.WithBranch(conversation.MainBranchID))
	m2 := conversation.NewMessage(conversation.RoleAssistant, "hi!", conversation.WithBranch(conversation.MainBranchID))
	m2.BranchPoint = true
	m2.Reaction = &conversation.Reaction{Kind: conversation.ReactionLike, Timestamp: time.Now()}
	parent := conversation.MainBranchID
	b := &conversation.Branch{
		ID:                  "b1",
		Name:                "Branch 1",
		ParentBranchID:      &parent,
		ForkOriginMessageID: m2.ID,
		CreatedAt:           time.Now(),
	}
	conv.Branches = append(conv.Branches, b)
	m3 := conversation.NewMessage(conversation.RoleUser, "other", conversation.WithBranch("b1"))
	conv.Messages = append(conv.Messages, m1, m2, m3)
	conv.ActiveBranchID = "b1"

	return &Snapshot{
		Conversations: []*conversation.Conversation{conv},
		VoiceSettings: voice.Settings{AutoPlay: true, Voice: "alto", Rate: 1.5},
	}
}

func TestSnapshotRoundTripPreservesTimes(t *testing.T) {
	s := sampleSnapshot()
	b, err := EncodeSnapshot(s)
	require.NoError(t, err)

	got, err := DecodeSnapshot(b)
	require.NoError(t, err)
	require.Len(t, got.Conversations, 1)
	assert.Equal(t, s.VoiceSettings, got.VoiceSettings)

	want := s.Conversations[0]
	c := got.Conversations[0]
	assert.Equal(t, want.ID, c.ID)
	assert.Equal(t, "b1", c.ActiveBranchID)
	assert.True(t, want.CreatedAt.Equal(c.CreatedAt))
	assert.True(t, want.UpdatedAt.Equal(c.UpdatedAt))

	require.Len(t, c.Branches, 2)
	for i := range want.Branches {
		assert.Equal(t, want.Branches[i].ID, c.Branches[i].ID)
		assert.Equal(t, want.Branches[i].ForkOriginMessageID, c.Branches[i].ForkOriginMessageID)
		assert.True(t, want.Branches[i].CreatedAt.Equal(c.Branches[i].CreatedAt))
	}
	require.Len(t, c.Messages, 3)
	for i := range want.Messages {
		assert.Equal(t, want.Messages[i].ID, c.Messages[i].ID)
		assert.Equal(t, want.Messages[i].Content, c.Messages[i].Content)
		assert.Equal(t, want.Messages[i].Branch(), c.Messages[i].Branch())
		assert.True(t, want.Messages[i].Timestamp.Equal(c.Messages[i].Timestamp))
	}
	require.NotNil(t, c.Messages[1].Reaction)
	assert.Equal(t, conversation.ReactionLike, c.Messages[1].Reaction.Kind)
	assert.True(t, c.Messages[1].BranchPoint)

	assert.Equal(t,
		conversation.VisiblePath(want, "b1").IDs(),
		conversation.VisiblePath(c, "b1").IDs())
}

func TestDecodeLegacyConversationBackfillsRoot(t *testing.T) {
	legacy := `{
		"conversations": [{
			"id": "c1",
			"title": "old chat",
			"model": "llama2",
			"createdAt": 1700000000000,
			"updatedAt": "2023-11-14T22:13:20Z",
			"messages": [
				{"id": "m1", "role": "user", "content": "hi", "timestamp": 1700000000000},
				{"id": "m2", "role": "assistant", "content": "hello", "timestamp": "2023-11-14T22:13:21.5Z", "reaction": "dislike"}
			]
		}]
	}`

	got, err := DecodeSnapshot([]byte(legacy))
	require.NoError(t, err)
	require.Len(t, got.Conversations, 1)
	c := got.Conversations[0]

	require.Len(t, c.Branches, 1)
	root := c.Branches[0]
	assert.Equal(t, conversation.MainBranchID, root.ID)
	assert.Nil(t, root.ParentBranchID)
	assert.Equal(t, "", root.ForkOriginMessageID)
	assert.Equal(t, conversation.MainBranchID, c.ActiveBranchID)

	assert.True(t, c.CreatedAt.Equal(time.UnixMilli(1700000000000)))
	assert.True(t, c.UpdatedAt.Equal(time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)))
	assert.True(t, c.Messages[1].Timestamp.Equal(time.Date(2023, 11, 14, 22, 13, 21, 500000000, time.UTC)))
	require.NotNil(t, c.Messages[1].Reaction)
	assert.Equal(t, conversation.ReactionDislike, c.Messages[1].Reaction.Kind)

	assert.Equal(t, []string{"m1", "m2"}, conversation.VisiblePath(c, conversation.MainBranchID).IDs())
	assert.Equal(t, voice.DefaultSettings(), got.VoiceSettings)
}

func TestDecodeRepairsDanglingReferences(t *testing.T) {
	doc := `{
		"conversations": [{
			"id": "c1",
			"activeBranchId": "gone",
			"branches": [
				{"id": "main", "name": "main", "parentBranchId": null, "forkOriginMessageId": ""},
				{"id": "b1", "name": "b1", "parentBranchId": "vanished", "forkOriginMessageId": "m1"}
			],
			"messages": [
				{"id": "m1", "role": "user", "content": "a", "branchId": "main"},
				{"id": "m2", "role": "user", "content": "b", "branchId": "deleted-branch"}
			]
		}]
	}`

	got, err := DecodeSnapshot([]byte(doc))
	require.NoError(t, err)
	c := got.Conversations[0]
	assert.Equal(t, conversation.MainBranchID, c.ActiveBranchID)
	assert.Equal(t, conversation.DefaultTitle, c.Title)

	b1, ok := c.Branch("b1")
	require.True(t, ok)
	assert.Equal(t, conversation.MainBranchID, b1.Parent())

	m2, ok := c.Message("m2")
	require.True(t, ok)
	assert.Nil(t, m2.BranchID)
	assert.Equal(t, []string{"m1", "m2"}, conversation.VisiblePath(c, conversation.MainBranchID).IDs())
}

func TestDecodeEmptyAndInvalid(t *testing.T) {
	got, err := DecodeSnapshot(nil)
	require.NoError(t, err)
	assert.Empty(t, got.Conversations)

	_, err = DecodeSnapshot([]byte(`{"conversations": [`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptSnapshot)

	_, err = DecodeSnapshot([]byte(`{"conversations": [{"id": "c", "createdAt": "yesterday"}]}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrCorruptSnapshot)
	assert.Contains(t, err.Error(), "unrecognized timestamp")
}
