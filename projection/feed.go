// Package projection builds the local, ordered view of a conversation.
// Confirmed messages are ordered by server timestamp, pending sends stay at
// the tail in issue order until the store confirms them.
// It does no I/O and is not safe for concurrent use.
package projection

import (
	"chat-engine/domain"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
)

type Feed struct {
	confirmed []domain.Message
	pending   []domain.Message
}

func NewFeed() *Feed {
	return &Feed{}
}

// Reset replaces the confirmed messages and keeps pending sends.
func (f *Feed) Reset(messages []domain.Message) {
	f.confirmed = nil
	for _, m := range messages {
		f.Upsert(m)
	}
}

// Upsert inserts a confirmed message at its server position, or replaces the
// copy already held. It reports whether the message was new.
func (f *Feed) Upsert(m domain.Message) bool {
	m.Pending = false
	if i, ok := f.indexOf(m.ID); ok {
		f.confirmed = append(f.confirmed[:i], f.confirmed[i+1:]...)
		f.insert(m)
		return false
	}
	f.insert(m)
	return true
}

func (f *Feed) insert(m domain.Message) {
	i := sort.Search(len(f.confirmed), func(i int) bool {
		return domain.Less(m, f.confirmed[i])
	})
	f.confirmed = append(f.confirmed, domain.Message{})
	copy(f.confirmed[i+1:], f.confirmed[i:])
	f.confirmed[i] = m
}

func (f *Feed) indexOf(id uuid.UUID) (int, bool) {
	_, i, ok := lo.FindIndexOf(f.confirmed, func(m domain.Message) bool { return m.ID == id })
	return i, ok
}

func (f *Feed) Remove(id uuid.UUID) (domain.Message, bool) {
	i, ok := f.indexOf(id)
	if !ok {
		return domain.Message{}, false
	}
	m := f.confirmed[i]
	f.confirmed = append(f.confirmed[:i], f.confirmed[i+1:]...)
	return m, true
}

// Get looks up confirmed messages first, then pending sends by temporary id.
func (f *Feed) Get(id uuid.UUID) (domain.Message, bool) {
	if i, ok := f.indexOf(id); ok {
		return f.confirmed[i], true
	}
	return lo.Find(f.pending, func(m domain.Message) bool { return m.ID == id })
}

// IsLoaded tells whether a confirmed message with this id is held.
func (f *Feed) IsLoaded(id uuid.UUID) bool {
	_, ok := f.indexOf(id)
	return ok
}

func (f *Feed) IsPending(id uuid.UUID) bool {
	return lo.ContainsBy(f.pending, func(m domain.Message) bool { return m.ID == id })
}

// AddPending appends an optimistic message. Its ID is the temporary id.
func (f *Feed) AddPending(m domain.Message) {
	m.Pending = true
	f.pending = append(f.pending, m)
}

// DropPending removes an optimistic message without confirming it.
func (f *Feed) DropPending(tempID uuid.UUID) (domain.Message, bool) {
	_, i, ok := lo.FindIndexOf(f.pending, func(m domain.Message) bool { return m.ID == tempID })
	if !ok {
		return domain.Message{}, false
	}
	m := f.pending[i]
	f.pending = append(f.pending[:i], f.pending[i+1:]...)
	return m, true
}

// ResolvePending replaces a pending entry by its confirmed copy.
func (f *Feed) ResolvePending(tempID uuid.UUID, confirmed domain.Message) {
	f.DropPending(tempID)
	f.Upsert(confirmed)
}

// MatchPending finds the oldest pending send with the same author and body,
// submitted no further than window away from at.
func (f *Feed) MatchPending(authorID, body string, at time.Time, window time.Duration) (uuid.UUID, bool) {
	m, ok := lo.Find(f.pending, func(m domain.Message) bool {
		if m.AuthorID != authorID || m.Body != body {
			return false
		}
		delta := at.Sub(m.CreatedAt)
		if delta < 0 {
			delta = -delta
		}
		return delta <= window
	})
	return m.ID, ok
}

// Messages returns confirmed messages in server order followed by pending sends.
func (f *Feed) Messages() []domain.Message {
	out := make([]domain.Message, 0, len(f.confirmed)+len(f.pending))
	out = append(out, f.confirmed...)
	return append(out, f.pending...)
}

func (f *Feed) Oldest() (domain.Message, bool) {
	if len(f.confirmed) == 0 {
		return domain.Message{}, false
	}
	return f.confirmed[0], true
}

func (f *Feed) Last() (domain.Message, bool) {
	if len(f.confirmed) == 0 {
		return domain.Message{}, false
	}
	return f.confirmed[len(f.confirmed)-1], true
}

func (f *Feed) Len() int { return len(f.confirmed) + len(f.pending) }

func (f *Feed) PendingLen() int { return len(f.pending) }
