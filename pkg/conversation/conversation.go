package conversation

import (
	"time"

	"github.com/google/uuid"
)

// MainBranchID is the id of the root branch every conversation is created with.
const MainBranchID = "main"

// TitleLength is the number of characters of the first user message used as title.
const TitleLength = 50

const DefaultTitle = "New Chat"

// Branch is an alternate continuation of a conversation, forked at
// ForkOriginMessageID from the visible path of ParentBranchID.
type Branch struct {
	ID                  string    `json:"id" yaml:"id"`
	Name                string    `json:"name" yaml:"name"`
	ParentBranchID      *string   `json:"parentBranchId" yaml:"parentBranchId"`
	ForkOriginMessageID string    `json:"forkOriginMessageId" yaml:"forkOriginMessageId"`
	CreatedAt           time.Time `json:"createdAt" yaml:"createdAt"`
}

func (b *Branch) IsRoot() bool {
	return b.ID == MainBranchID
}

// Parent returns the parent branch id, defaulting to main.
func (b *Branch) Parent() string {
	if b.ParentBranchID == nil || *b.ParentBranchID == "" {
		return MainBranchID
	}
	return *b.ParentBranchID
}

func NewRootBranch(createdAt time.Time) *Branch {
	return &Branch{
		ID:                  MainBranchID,
		Name:                MainBranchID,
		ParentBranchID:      nil,
		ForkOriginMessageID: "",
		CreatedAt:           createdAt,
	}
}

// Conversation stores its messages as a flat, insertion-ordered list. The
// branch tree lives in Branches and is resolved on demand by VisiblePath.
type Conversation struct {
	ID             string     `json:"id" yaml:"id"`
	Title          string     `json:"title" yaml:"title"`
	Messages       []*Message `json:"messages" yaml:"messages"`
	Model          string     `json:"model" yaml:"model"`
	SystemPrompt   *string    `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
	Branches       []*Branch  `json:"branches" yaml:"branches"`
	ActiveBranchID string     `json:"activeBranchId" yaml:"activeBranchId"`
	CreatedAt      time.Time  `json:"createdAt" yaml:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt" yaml:"updatedAt"`
	Starred        bool       `json:"starred,omitempty" yaml:"starred,omitempty"`
	Archived       bool       `json:"archived,omitempty" yaml:"archived,omitempty"`
	Tags           []string   `json:"tags,omitempty" yaml:"tags,omitempty"`
}

// NewConversation creates a conversation together with its root branch.
func NewConversation(model string, systemPrompt *string) *Conversation {
	now := time.Now()
	return &Conversation{
		ID:             uuid.NewString(),
		Title:          DefaultTitle,
		Messages:       []*Message{},
		Model:          model,
		SystemPrompt:   systemPrompt,
		Branches:       []*Branch{NewRootBranch(now)},
		ActiveBranchID: MainBranchID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func (c *Conversation) Branch(id string) (*Branch, bool) {
	for _, b := range c.Branches {
		if b.ID == id {
			return b, true
		}
	}
	return nil, false
}

func (c *Conversation) HasBranch(id string) bool {
	_, ok := c.Branch(id)
	return ok
}

func (c *Conversation) MessageIndex(id string) int {
	for i, m := range c.Messages {
		if m.ID == id {
			return i
		}
	}
	return -1
}

func (c *Conversation) Message(id string) (*Message, bool) {
	idx := c.MessageIndex(id)
	if idx < 0 {
		return nil, false
	}
	return c.Messages[idx], true
}

// BranchMessages returns the messages owned by branchID, in store order.
func (c *Conversation) BranchMessages(branchID string) Messages {
	ret := Messages{}
	for _, m := range c.Messages {
		if m.OnBranch(branchID) {
			ret = append(ret, m)
		}
	}
	return ret
}

// EnsureRootBranch back-fills the branch structure of conversations written
// before branching existed. It reports whether anything was changed.
func (c *Conversation) EnsureRootBranch() bool {
	changed := false
	if !c.HasBranch(MainBranchID) {
		c.Branches = append([]*Branch{NewRootBranch(c.CreatedAt)}, c.Branches...)
		changed = true
	}
	if c.ActiveBranchID == "" || !c.HasBranch(c.ActiveBranchID) {
		c.ActiveBranchID = MainBranchID
		changed = true
	}
	return changed
}

// DeriveTitle returns the first TitleLength characters of content.
func DeriveTitle(content string) string {
	r := []rune(content)
	if len(r) > TitleLength {
		r = r[:TitleLength]
	}
	return string(r)
}
