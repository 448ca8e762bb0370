package search

import (
	"chat-engine/contract"
	"chat-engine/domain"
	"chat-engine/errors"
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Store decorates a MessageStore and mirrors committed bodies into the index.
// Indexing failures are logged, the write itself has already succeeded.
type Store struct {
	contract.MessageStore
	index *Index
	log   *slog.Logger
}

func NewStore(store contract.MessageStore, index *Index, log *slog.Logger) *Store {
	return &Store{MessageStore: store, index: index, log: log}
}

func (s *Store) Insert(ctx context.Context, message domain.Message) (domain.Message, error) {
	stored, err := s.MessageStore.Insert(ctx, message)
	if err != nil {
		return stored, err
	}
	s.put(stored)
	return stored, nil
}

func (s *Store) Update(ctx context.Context, id uuid.UUID, patch domain.MessagePatch) (domain.Message, error) {
	updated, err := s.MessageStore.Update(ctx, id, patch)
	if err != nil {
		return updated, err
	}
	if patch.Body != nil {
		s.put(updated)
	}
	return updated, nil
}

func (s *Store) SoftDelete(ctx context.Context, id uuid.UUID) error {
	if err := s.MessageStore.SoftDelete(ctx, id); err != nil {
		return err
	}
	if err := s.index.Remove(id); err != nil {
		s.log.Warn("Deleted message stays in the index", "message_id", id, "error", err)
	}
	return nil
}

func (s *Store) put(m domain.Message) {
	if err := s.index.Put(m); err != nil {
		s.log.Warn("Message not indexed", "message_id", m.ID, "error", err)
	}
}

// Find returns the live messages matching text, best match first.
// Index entries whose message is gone from the store are skipped.
func (s *Store) Find(ctx context.Context, ref domain.ConversationRef, text string, limit int) ([]domain.Message, error) {
	hits, err := s.index.Search(ctx, ref, text, limit)
	if err != nil {
		return nil, errors.NewStoreError(errors.KindTransient, "search", err)
	}
	messages := make([]domain.Message, 0, len(hits))
	for _, hit := range hits {
		m, err := s.MessageStore.GetMessage(ctx, hit.MessageID)
		if errors.Is(err, errors.ErrNotFound) {
			s.log.Debug("Stale index entry", "message_id", hit.MessageID)
			continue
		}
		if err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, nil
}

// epoch as a catch-up bound reads a whole history in one go.
var epoch = time.Unix(0, 0)

// Reindex rebuilds the entries of one conversation from the store.
func (s *Store) Reindex(ctx context.Context, ref domain.ConversationRef) (int, error) {
	top, err := s.MessageStore.LoadHistory(ctx, domain.HistoryQuery{Ref: ref, After: &epoch})
	if err != nil {
		return 0, err
	}
	all := top
	for _, parent := range top {
		if parent.ReplyCount == 0 {
			continue
		}
		replies, err := s.MessageStore.LoadHistory(ctx, domain.HistoryQuery{Ref: ref, ParentID: parent.ID, After: &epoch})
		if err != nil {
			return 0, err
		}
		all = append(all, replies...)
	}
	if err := s.index.PutAll(all); err != nil {
		return 0, errors.NewStoreError(errors.KindTransient, "reindex", err)
	}
	s.log.Info("Conversation reindexed", "conversation", ref.String(), "messages", len(all))
	return len(all), nil
}
