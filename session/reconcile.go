package session

import (
	"chat-engine/domain"
	"chat-engine/domain/event"
	"chat-engine/errors"
	"chat-engine/notification"
	"context"
	"time"

	"github.com/google/uuid"
)

type messageEvent struct {
	event.MessageEvent
}

type presenceSync struct {
	state domain.PresenceState
}

type channelLost struct {
	kind channelKind
}

type resubscribed struct {
	kind  channelKind
	notif *notification.Handle
}

type resubscribeFailed struct {
	kind channelKind
	err  error
}

// onEvent and onSync run on transport goroutines, they only post.
func (s *Session) onEvent(evt event.MessageEvent) {
	s.post(messageEvent{evt})
}

func (s *Session) onSync(state domain.PresenceState) {
	s.post(presenceSync{state: state})
}

func (s *Session) onMessageEvent(evt messageEvent) {
	countChanged := evt.Kind == event.Created || evt.Kind == event.Deleted
	switch {
	case evt.ParentID == s.parentID:
		s.refetch(evt.MessageID, evt.Kind == event.Created, countChanged)
	case s.isThread():
	case s.feed.IsLoaded(evt.ParentID):
		// A reply below a visible message: its reply count moved.
		s.refetch(evt.ParentID, false, countChanged)
	case countChanged:
		s.refreshCounts()
	}
}

func (s *Session) refreshCounts() {
	s.enqueue(func(ctx context.Context) func() {
		unread, total, err := s.counts(ctx)
		if err != nil {
			return nil
		}
		return func() { s.unread, s.total = unread, total }
	})
}

// refetch reads a message back from the store and applies it. The event
// payload itself is never trusted. Unless insert is set, only a message
// already loaded is refreshed.
func (s *Session) refetch(id uuid.UUID, insert, withCounts bool) {
	s.enqueue(func(ctx context.Context) func() {
		m, err := s.deps.Messages.AuditMessage(ctx, id)
		var unread, total int
		var countErr error
		if withCounts {
			unread, total, countErr = s.counts(ctx)
		}
		return func() {
			switch {
			case s.writing(id):
			case errors.Is(err, errors.ErrNotFound):
				s.feed.Remove(id)
			case err != nil:
				s.log.Warn("Cannot refetch message", "message", id.String(), "error", err)
			case insert || s.feed.IsLoaded(id):
				s.reconcile(m)
			}
			if withCounts && countErr == nil {
				s.unread, s.total = unread, total
			}
		}
	})
}

// reconcile applies an authoritative copy. An unknown message of the caller
// replaces the matching pending send instead of showing twice. A message with
// local changes still waiting on the store keeps its optimistic state, the
// last of those writes applies the stored copy.
func (s *Session) reconcile(m domain.Message) {
	if s.writing(m.ID) {
		return
	}
	if m.IsDeleted() {
		s.feed.Remove(m.ID)
		return
	}
	if m.ParentID != s.parentID {
		if _, ok := s.feed.Get(m.ID); ok {
			s.feed.Upsert(m)
		}
		return
	}
	if _, known := s.feed.Get(m.ID); !known && m.AuthorID == s.selfID {
		if tempID, ok := s.feed.MatchPending(m.AuthorID, m.Body, m.CreatedAt, s.cfg.MatchWindow); ok {
			s.feed.ResolvePending(tempID, m)
			return
		}
	}
	s.feed.Upsert(m)
}

// catchUp reads everything newer than the last known message, along with the
// membership and the badges, after a (re)subscription.
func (s *Session) catchUp() {
	query := s.historyQuery()
	if last, ok := s.feed.Last(); ok {
		after := last.CreatedAt
		query.After = &after
		query.Limit = 0
	}
	s.enqueue(func(ctx context.Context) func() {
		conv, convErr := s.deps.Conversations.GetConversation(ctx, s.ref)
		page, err := retryRead(ctx, s.cfg, func(ctx context.Context) ([]domain.Message, error) {
			return s.deps.Messages.LoadHistory(ctx, query)
		})
		unread, total, countErr := s.counts(ctx)
		return func() {
			if convErr == nil {
				s.conv = conv
			}
			if err != nil {
				s.log.Warn("Catch-up read failed", "error", err)
			}
			for _, m := range page {
				s.reconcile(m)
			}
			if countErr == nil {
				s.unread, s.total = unread, total
			}
		}
	})
}

// watch reports a subscription dropped by the transport.
func (s *Session) watch(kind channelKind, done <-chan struct{}, errOf func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-done:
			if errors.Is(errOf(), errors.ErrChannelDisconnected) {
				s.post(channelLost{kind: kind})
			}
		case <-s.closing:
		}
	}()
}

func (s *Session) onChannelLost(kind channelKind) {
	if s.lost[kind] {
		return
	}
	s.lost[kind] = true
	s.log.Warn("Channel disconnected, resubscribing", "channel", kind)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.resubscribe(kind)
	}()
}

func (s *Session) resubscribe(kind channelKind) {
	var err error
	for attempt := 1; attempt <= s.cfg.MaxResubscribeAttempts; attempt++ {
		select {
		case <-s.closing:
			return
		case <-time.After(s.cfg.ResubscribeBackoff * time.Duration(attempt)):
		}
		switch kind {
		case notificationChannel:
			var handle *notification.Handle
			handle, err = s.deps.Notifications.Subscribe(s.life, s.ref, s.onEvent)
			if err == nil {
				if !s.post(resubscribed{kind: kind, notif: handle}) {
					s.deps.Notifications.Unsubscribe(handle)
				}
				return
			}
		case presenceChannel:
			if err = s.presence.Publish(s.life, false); err == nil {
				err = s.presence.Subscribe(s.life, s.onSync)
			}
			if err == nil {
				s.post(resubscribed{kind: kind})
				return
			}
		}
		s.log.Debug("Resubscribe attempt failed", "channel", kind, "attempt", attempt, "error", err)
	}
	s.post(resubscribeFailed{kind: kind, err: errors.ErrChannelDisconnected})
}

func (s *Session) onResubscribed(m resubscribed) {
	s.lost[m.kind] = false
	switch m.kind {
	case notificationChannel:
		s.notif = m.notif
		s.watch(notificationChannel, m.notif.Done(), m.notif.Err)
		s.catchUp()
	case presenceChannel:
		s.watch(presenceChannel, s.presence.Done(), s.presence.Err)
	}
	if !s.lost[notificationChannel] && !s.lost[presenceChannel] {
		s.channelErr = nil
	}
	s.log.Info("Channel recovered", "channel", m.kind)
}
