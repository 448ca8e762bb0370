package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
)

type ConversationKind string

const (
	GroupKind   ConversationKind = "group"
	PrivateKind ConversationKind = "private"
)

// ConversationRef points at exactly one group or one private conversation.
type ConversationRef struct {
	Kind ConversationKind `json:"kind" validate:"required,oneof=group private"`
	ID   string           `json:"id" validate:"required"`
}

func GroupRef(id string) ConversationRef { return ConversationRef{Kind: GroupKind, ID: id} }

func PrivateRef(id string) ConversationRef { return ConversationRef{Kind: PrivateKind, ID: id} }

func (r ConversationRef) Validate() error {
	if r.Kind != GroupKind && r.Kind != PrivateKind {
		return fmt.Errorf("unknown conversation kind %q", r.Kind)
	}
	if r.ID == "" {
		return fmt.Errorf("conversation id is empty")
	}
	return nil
}

// Key is the storage and index form of the reference, e.g. "group:42".
func (r ConversationRef) Key() string { return string(r.Kind) + ":" + r.ID }

// Topic is the notification topic of the conversation.
func (r ConversationRef) Topic() string { return "messages:" + r.Key() }

// PresenceTopic is the presence topic of the conversation.
func (r ConversationRef) PresenceTopic() string { return "presence:" + r.Key() }

func (r ConversationRef) String() string { return r.Key() }

type Member struct {
	UserID   string
	IsAdmin  bool
	JoinedAt time.Time
}

// Mute without Until never expires.
type Mute struct {
	UserID string
	Until  *time.Time
}

func (m Mute) ActiveAt(now time.Time) bool { return m.Until == nil || m.Until.After(now) }

type Group struct {
	ID          string
	Name        string
	Description string
	IsPrivate   bool
	CreatorID   string
	Members     map[string]Member
	Mutes       map[string]Mute
	CreatedAt   time.Time
}

func (g Group) Ref() ConversationRef { return GroupRef(g.ID) }

// Clone deep-copies the membership maps so callers can mutate a group safely.
func (g Group) Clone() Group {
	g.Members = lo.Assign(map[string]Member{}, g.Members)
	g.Mutes = lo.Assign(map[string]Mute{}, g.Mutes)
	return g
}

func (g Group) MemberIDs() []string {
	ids := lo.Keys(g.Members)
	sort.Strings(ids)
	return ids
}

// Pair is a canonical, order-independent pair of user ids.
type Pair [2]string

func NewPair(a, b string) Pair {
	if b < a {
		a, b = b, a
	}
	return Pair{a, b}
}

func (p Pair) Key() string { return p[0] + "|" + p[1] }

func (p Pair) Contains(userID string) bool { return p[0] == userID || p[1] == userID }

// Other returns the participant that is not userID.
func (p Pair) Other(userID string) string {
	if p[0] == userID {
		return p[1]
	}
	return p[0]
}

type PrivateConversation struct {
	ID        string
	Pair      Pair
	CreatedAt time.Time
}

func (p PrivateConversation) Ref() ConversationRef { return PrivateRef(p.ID) }

// Conversation is the loaded membership state the moderation guard decides on.
type Conversation struct {
	Ref     ConversationRef
	Group   *Group
	Private *PrivateConversation
}

func GroupConversation(g Group) Conversation {
	return Conversation{Ref: g.Ref(), Group: &g}
}

func PrivateConversationOf(p PrivateConversation) Conversation {
	return Conversation{Ref: p.Ref(), Private: &p}
}

func (c Conversation) IsMember(userID string) bool {
	switch {
	case c.Group != nil:
		_, ok := c.Group.Members[userID]
		return ok
	case c.Private != nil:
		return c.Private.Pair.Contains(userID)
	}
	return false
}

func (c Conversation) IsAdmin(userID string) bool {
	if c.Group == nil {
		return false
	}
	m, ok := c.Group.Members[userID]
	return ok && m.IsAdmin
}

func (c Conversation) IsCreator(userID string) bool {
	return c.Group != nil && c.Group.CreatorID == userID
}

func (c Conversation) IsMuted(userID string, now time.Time) bool {
	if c.Group == nil {
		return false
	}
	m, ok := c.Group.Mutes[userID]
	return ok && m.ActiveAt(now)
}

// IsReadable tells whether userID may load the history.
// Public groups are readable by anyone.
func (c Conversation) IsReadable(userID string) bool {
	if c.Group != nil && !c.Group.IsPrivate {
		return true
	}
	return c.IsMember(userID)
}

func (c Conversation) Participants() []string {
	switch {
	case c.Group != nil:
		return c.Group.MemberIDs()
	case c.Private != nil:
		return []string{c.Private.Pair[0], c.Private.Pair[1]}
	}
	return nil
}

// Title is what a conversation list shows for viewerID.
func (c Conversation) Title(viewerID string) string {
	switch {
	case c.Group != nil:
		return c.Group.Name
	case c.Private != nil:
		return c.Private.Pair.Other(viewerID)
	}
	return strings.TrimSpace(c.Ref.Key())
}
