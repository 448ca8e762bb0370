package notification

import (
	"chat-engine/contract"
	"chat-engine/domain"
	"chat-engine/domain/event"
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Store decorates a MessageStore and announces every committed write.
// A failed announcement is logged and never fails the write: the store stays
// the source of truth and peers catch up on their next reconciliation read.
type Store struct {
	contract.MessageStore
	channel *Channel
	log     *slog.Logger
	now     func() time.Time
}

func NewStore(store contract.MessageStore, channel *Channel, log *slog.Logger) *Store {
	return &Store{MessageStore: store, channel: channel, log: log, now: time.Now}
}

func (s *Store) announce(ctx context.Context, evt event.MessageEvent) {
	if err := s.channel.Publish(ctx, evt); err != nil {
		s.log.Warn("Cannot announce message event",
			"kind", evt.Kind, "message_id", evt.MessageID, "conversation", evt.Conversation.String(), "error", err)
	}
}

func (s *Store) Insert(ctx context.Context, message domain.Message) (domain.Message, error) {
	stored, err := s.MessageStore.Insert(ctx, message)
	if err != nil {
		return stored, err
	}
	s.announce(ctx, event.MessageCreated(stored, s.now()))
	return stored, nil
}

func (s *Store) Update(ctx context.Context, id uuid.UUID, patch domain.MessagePatch) (domain.Message, error) {
	updated, err := s.MessageStore.Update(ctx, id, patch)
	if err != nil {
		return updated, err
	}
	cause := event.CauseEdited
	if patch.Body == nil && patch.Pin != nil {
		cause = event.CauseUnpinned
		if patch.Pin.Pinned {
			cause = event.CausePinned
		}
	}
	s.announce(ctx, event.MessageUpdated(updated, cause, s.now()))
	return updated, nil
}

func (s *Store) SoftDelete(ctx context.Context, id uuid.UUID) error {
	if err := s.MessageStore.SoftDelete(ctx, id); err != nil {
		return err
	}
	deleted, err := s.MessageStore.AuditMessage(ctx, id)
	if err != nil {
		s.log.Warn("Deleted message cannot be announced", "message_id", id, "error", err)
		return nil
	}
	s.announce(ctx, event.MessageDeleted(deleted, s.now()))
	return nil
}

func (s *Store) UpsertReaction(ctx context.Context, reaction domain.Reaction) error {
	if err := s.MessageStore.UpsertReaction(ctx, reaction); err != nil {
		return err
	}
	s.announceReaction(ctx, reaction.MessageID, event.CauseReacted)
	return nil
}

func (s *Store) RemoveReaction(ctx context.Context, id uuid.UUID, userID, emoji string) error {
	if err := s.MessageStore.RemoveReaction(ctx, id, userID, emoji); err != nil {
		return err
	}
	s.announceReaction(ctx, id, event.CauseUnreacted)
	return nil
}

func (s *Store) announceReaction(ctx context.Context, id uuid.UUID, cause event.Cause) {
	message, err := s.MessageStore.GetMessage(ctx, id)
	if err != nil {
		s.log.Warn("Reacted message cannot be announced", "message_id", id, "error", err)
		return
	}
	s.announce(ctx, event.MessageUpdated(message, cause, s.now()))
}
