// Package domain contains core concepts of the conversation engine.
// This file defines Message and the records hanging off it.
// No runtime, network, or storage logic should be added here.
package domain

import (
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

// Message is one entry of a conversation history.
// A nil ParentID means a top-level message, otherwise a thread reply.
type Message struct {
	ID           uuid.UUID
	Conversation ConversationRef
	AuthorID     string
	Body         string
	CreatedAt    time.Time
	EditedAt     *time.Time
	DeletedAt    *time.Time
	ParentID     uuid.UUID
	Pin          *Pin
	Attachment   *Attachment
	Reactions    []Reaction
	ReplyCount   int
	// Pending is only ever set on the local optimistic copy.
	Pending bool
}

// Pin is set as a whole: a pinned message always knows who pinned it and when.
type Pin struct {
	By string
	At time.Time
}

type Attachment struct {
	URL      string `json:"url" validate:"required,url"`
	Filename string `json:"filename" validate:"required"`
	Size     int64  `json:"size" validate:"gte=0"`
	MimeType string `json:"mime_type" validate:"required"`
}

type EditRecord struct {
	MessageID    uuid.UUID
	PreviousBody string
	EditorID     string
	EditedAt     time.Time
}

type Reaction struct {
	MessageID uuid.UUID
	UserID    string
	Emoji     string
	CreatedAt time.Time
}

type ReadReceipt struct {
	MessageID uuid.UUID
	UserID    string
	ReadAt    time.Time
}

func (m Message) IsTopLevel() bool { return m.ParentID == uuid.Nil }

func (m Message) IsPinned() bool { return m.Pin != nil }

func (m Message) IsDeleted() bool { return m.DeletedAt != nil }

func (m Message) IsEdited() bool { return m.EditedAt != nil }

// HasReaction tells whether userID currently holds emoji on the message.
func (m Message) HasReaction(userID, emoji string) bool {
	return lo.ContainsBy(m.Reactions, func(r Reaction) bool {
		return r.UserID == userID && r.Emoji == emoji
	})
}

// WithReaction returns a copy of the message holding the reaction once.
func (m Message) WithReaction(r Reaction) Message {
	if m.HasReaction(r.UserID, r.Emoji) {
		return m
	}
	m.Reactions = append(append([]Reaction(nil), m.Reactions...), r)
	return m
}

// WithoutReaction returns a copy of the message without the reaction.
func (m Message) WithoutReaction(userID, emoji string) Message {
	m.Reactions = lo.Reject(m.Reactions, func(r Reaction, _ int) bool {
		return r.UserID == userID && r.Emoji == emoji
	})
	return m
}

// ReactionCounts groups reactions by emoji for display.
func (m Message) ReactionCounts() map[string]int {
	return lo.CountValuesBy(m.Reactions, func(r Reaction) string { return r.Emoji })
}

// MessagePatch carries the fields an update may change. Nil means untouched.
type MessagePatch struct {
	Body *string
	Pin  *PinChange
}

type PinChange struct {
	Pinned bool
	By     string
}

func (p MessagePatch) IsEmpty() bool { return p.Body == nil && p.Pin == nil }
