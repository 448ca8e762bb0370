package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Cursor identifies a position in a history ordered by creation time.
type Cursor struct {
	At time.Time
	ID uuid.UUID
}

func CursorOf(m Message) Cursor { return Cursor{At: m.CreatedAt, ID: m.ID} }

// SortKey is zero padded so lexicographic and chronological orders agree.
func (c Cursor) SortKey() string {
	return fmt.Sprintf("%019d:%s", c.At.UnixNano(), c.ID)
}

// HistoryQuery reads one page of top-level messages or of one thread.
// Before pages backwards, After is the catch-up read: only one of them is used.
type HistoryQuery struct {
	Ref      ConversationRef
	ParentID uuid.UUID
	Limit    int
	Before   *Cursor
	After    *time.Time
}

// Less orders messages by server timestamp then id.
func Less(a, b Message) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID.String() < b.ID.String()
	}
	return a.CreatedAt.Before(b.CreatedAt)
}
