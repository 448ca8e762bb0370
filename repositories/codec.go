package repositories

import (
	"chat-engine/domain"
	"chat-engine/errors"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// diskMessage is the stored shape of a message. Reactions and reply counts
// live under their own keys and are assembled on read.
type diskMessage struct {
	ID           uuid.UUID              `json:"id"`
	Conversation domain.ConversationRef `json:"conversation"`
	AuthorID     string                 `json:"author_id"`
	Body         string                 `json:"body"`
	CreatedAt    time.Time              `json:"created_at"`
	EditedAt     *time.Time             `json:"edited_at,omitempty"`
	DeletedAt    *time.Time             `json:"deleted_at,omitempty"`
	ParentID     uuid.UUID              `json:"parent_id"`
	PinnedBy     string                 `json:"pinned_by,omitempty"`
	PinnedAt     *time.Time             `json:"pinned_at,omitempty"`
	Attachment   *domain.Attachment     `json:"attachment,omitempty"`
}

func fromMessage(m domain.Message) diskMessage {
	dm := diskMessage{
		ID:           m.ID,
		Conversation: m.Conversation,
		AuthorID:     m.AuthorID,
		Body:         m.Body,
		CreatedAt:    m.CreatedAt,
		EditedAt:     m.EditedAt,
		DeletedAt:    m.DeletedAt,
		ParentID:     m.ParentID,
		Attachment:   m.Attachment,
	}
	if m.Pin != nil {
		dm.PinnedBy = m.Pin.By
		at := m.Pin.At
		dm.PinnedAt = &at
	}
	return dm
}

func (dm diskMessage) toMessage() domain.Message {
	m := domain.Message{
		ID:           dm.ID,
		Conversation: dm.Conversation,
		AuthorID:     dm.AuthorID,
		Body:         dm.Body,
		CreatedAt:    dm.CreatedAt,
		EditedAt:     dm.EditedAt,
		DeletedAt:    dm.DeletedAt,
		ParentID:     dm.ParentID,
		Attachment:   dm.Attachment,
	}
	if dm.PinnedAt != nil && dm.PinnedBy != "" {
		m.Pin = &domain.Pin{By: dm.PinnedBy, At: *dm.PinnedAt}
	}
	return m
}

func encode(v any) ([]byte, error) { return json.Marshal(v) }

func decode(data []byte, v any) error { return json.Unmarshal(data, v) }

// readJSON loads and decodes one key inside a transaction.
func readJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return decode(val, v)
	})
}

func writeJSON(txn *badger.Txn, key string, v any) error {
	data, err := encode(v)
	if err != nil {
		return err
	}
	return txn.Set([]byte(key), data)
}

// storeErr maps badger failures onto the store error taxonomy.
func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var storeError *errors.StoreError
	switch {
	case errors.As(err, &storeError):
		return err
	case errors.Is(err, badger.ErrKeyNotFound):
		return errors.NewStoreError(errors.KindNotFound, op, err)
	default:
		return errors.NewStoreError(errors.KindTransient, op, err)
	}
}

func notFound(op, format string, args ...any) error {
	return errors.NewStoreError(errors.KindNotFound, op, fmt.Errorf(format, args...))
}

func violation(op, format string, args ...any) error {
	return errors.NewStoreError(errors.KindConstraintViolation, op, fmt.Errorf(format, args...))
}

// Clock hands out strictly increasing timestamps at microsecond precision so
// that two writes never share a sort position.
type Clock struct {
	mu   sync.Mutex
	now  func() time.Time
	last time.Time
}

func NewClock(now func() time.Time) *Clock {
	if now == nil {
		now = time.Now
	}
	return &Clock{now: now}
}

func (c *Clock) Next() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := c.now().UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	c.last = t
	return t
}
