package event

import (
	"chat-engine/domain"
	"time"

	"github.com/google/uuid"
)

// Kind is the tag of a MessageEvent.
type Kind string

const (
	Created Kind = "created"
	Updated Kind = "updated"
	Deleted Kind = "deleted"
)

// Cause refines an Updated event. It is informative only.
type Cause string

const (
	CauseNone      Cause = ""
	CauseEdited    Cause = "edited"
	CausePinned    Cause = "pinned"
	CauseUnpinned  Cause = "unpinned"
	CauseReacted   Cause = "reacted"
	CauseUnreacted Cause = "unreacted"
)

// MessageEvent is a hint that a message changed.
// Receivers refetch the message, the payload is never trusted as final data.
type MessageEvent struct {
	Kind         Kind                   `json:"kind" validate:"required,oneof=created updated deleted"`
	MessageID    uuid.UUID              `json:"message_id" validate:"required"`
	Conversation domain.ConversationRef `json:"conversation"`
	ParentID     uuid.UUID              `json:"parent_id"`
	AuthorID     string                 `json:"author_id,omitempty"`
	Cause        Cause                  `json:"cause,omitempty" validate:"omitempty,oneof=edited pinned unpinned reacted unreacted"`
	At           time.Time              `json:"at"`
}

func MessageCreated(m domain.Message, at time.Time) MessageEvent {
	return MessageEvent{
		Kind:         Created,
		MessageID:    m.ID,
		Conversation: m.Conversation,
		ParentID:     m.ParentID,
		AuthorID:     m.AuthorID,
		At:           at,
	}
}

func MessageUpdated(m domain.Message, cause Cause, at time.Time) MessageEvent {
	return MessageEvent{
		Kind:         Updated,
		MessageID:    m.ID,
		Conversation: m.Conversation,
		ParentID:     m.ParentID,
		AuthorID:     m.AuthorID,
		Cause:        cause,
		At:           at,
	}
}

func MessageDeleted(m domain.Message, at time.Time) MessageEvent {
	return MessageEvent{
		Kind:         Deleted,
		MessageID:    m.ID,
		Conversation: m.Conversation,
		ParentID:     m.ParentID,
		AuthorID:     m.AuthorID,
		At:           at,
	}
}
