package session

import (
	"chat-engine/domain"
	"chat-engine/errors"
	"chat-engine/moderation"
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

type outcome struct {
	receipt *Receipt
	err     error
}

// reply is answered by the loop once the command is applied locally.
type reply chan outcome

func newReply() reply { return make(reply, 1) }

func (r reply) answer(receipt *Receipt, err error) { r <- outcome{receipt: receipt, err: err} }

type sendCmd struct {
	reply
	body       string
	attachment *domain.Attachment
}

type editCmd struct {
	reply
	id   uuid.UUID
	body string
}

type deleteCmd struct {
	reply
	id uuid.UUID
}

type pinCmd struct {
	reply
	id     uuid.UUID
	pinned bool
}

type reactCmd struct {
	reply
	id    uuid.UUID
	emoji string
}

type markReadCmd struct {
	reply
	id uuid.UUID
}

type loadOlderCmd struct {
	reply
	loaded *int
}

// readCmd runs a read behind the writes already queued.
type readCmd struct {
	reply
	id   uuid.UUID
	read func(ctx context.Context) error
}

type catchUpCmd struct{}

func (s *Session) call(ctx context.Context, cmd any, r reply) (*Receipt, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	if !s.post(cmd) {
		return nil, errors.ErrSessionClosed
	}
	select {
	case out := <-r:
		return out.receipt, out.err
	case <-s.closing:
		return nil, errors.ErrSessionClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// write applies a command locally and waits for the store.
func (s *Session) write(ctx context.Context, cmd any, r reply) error {
	receipt, err := s.call(ctx, cmd, r)
	if err != nil {
		return err
	}
	_, err = receipt.Wait(ctx)
	return err
}

// Send shows the message as pending right away and inserts it in the
// background. The receipt resolves with the stored message.
func (s *Session) Send(ctx context.Context, body string, attachment *domain.Attachment) (*Receipt, error) {
	if strings.TrimSpace(body) == "" && attachment == nil {
		return nil, errors.ErrEmptyMessage
	}
	if attachment != nil {
		if err := s.validate.Struct(attachment); err != nil {
			return nil, fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err)
		}
	}
	cmd := &sendCmd{reply: newReply(), body: body, attachment: attachment}
	return s.call(ctx, cmd, cmd.reply)
}

func (s *Session) Edit(ctx context.Context, id uuid.UUID, body string) error {
	if strings.TrimSpace(body) == "" {
		return errors.ErrEmptyMessage
	}
	cmd := &editCmd{reply: newReply(), id: id, body: body}
	return s.write(ctx, cmd, cmd.reply)
}

func (s *Session) Delete(ctx context.Context, id uuid.UUID) error {
	cmd := &deleteCmd{reply: newReply(), id: id}
	return s.write(ctx, cmd, cmd.reply)
}

// Pin does nothing when the message is already pinned.
func (s *Session) Pin(ctx context.Context, id uuid.UUID) error {
	cmd := &pinCmd{reply: newReply(), id: id, pinned: true}
	return s.write(ctx, cmd, cmd.reply)
}

// Unpin does nothing when the message is not pinned.
func (s *Session) Unpin(ctx context.Context, id uuid.UUID) error {
	cmd := &pinCmd{reply: newReply(), id: id, pinned: false}
	return s.write(ctx, cmd, cmd.reply)
}

// React toggles emoji for the caller.
func (s *Session) React(ctx context.Context, id uuid.UUID, emoji string) error {
	if strings.TrimSpace(emoji) == "" {
		return fmt.Errorf("%w: empty emoji", errors.ErrInvalidPayload)
	}
	cmd := &reactCmd{reply: newReply(), id: id, emoji: emoji}
	return s.write(ctx, cmd, cmd.reply)
}

// MarkRead is idempotent and does nothing on the caller's own messages.
func (s *Session) MarkRead(ctx context.Context, id uuid.UUID) error {
	cmd := &markReadCmd{reply: newReply(), id: id}
	return s.write(ctx, cmd, cmd.reply)
}

// LoadOlder prepends the page before the oldest loaded message.
func (s *Session) LoadOlder(ctx context.Context) (int, error) {
	loaded := 0
	cmd := &loadOlderCmd{reply: newReply(), loaded: &loaded}
	if err := s.write(ctx, cmd, cmd.reply); err != nil {
		return 0, err
	}
	return loaded, nil
}

// EditHistory lists previous bodies of a message, most recent first.
func (s *Session) EditHistory(ctx context.Context, id uuid.UUID) ([]domain.EditRecord, error) {
	var records []domain.EditRecord
	cmd := &readCmd{reply: newReply(), id: id, read: func(ctx context.Context) (err error) {
		records, err = s.deps.Messages.ListEditHistory(ctx, id)
		return err
	}}
	if err := s.write(ctx, cmd, cmd.reply); err != nil {
		return nil, err
	}
	return records, nil
}

// ReadReceipts lists who has read a message.
func (s *Session) ReadReceipts(ctx context.Context, id uuid.UUID) ([]domain.ReadReceipt, error) {
	var receipts []domain.ReadReceipt
	cmd := &readCmd{reply: newReply(), id: id, read: func(ctx context.Context) (err error) {
		receipts, err = s.deps.Messages.ListReadReceipts(ctx, id)
		return err
	}}
	if err := s.write(ctx, cmd, cmd.reply); err != nil {
		return nil, err
	}
	return receipts, nil
}

// Typing signals a keystroke. Threads have no presence.
func (s *Session) Typing(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if s.typist == nil {
		return nil
	}
	return s.typist.Keystroke(ctx)
}

func (s *Session) StopTyping(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	if s.typist == nil {
		return nil
	}
	return s.typist.Stop(ctx)
}

// Thread opens, or returns the already open, session of the replies to parentID.
// It is closed with its parent.
func (s *Session) Thread(ctx context.Context, parentID uuid.UUID) (*Session, error) {
	if s.isThread() {
		return nil, fmt.Errorf("%w: threads do not nest", errors.ErrInvalidPayload)
	}
	if err := s.ready(); err != nil {
		return nil, err
	}
	s.threadsMu.Lock()
	defer s.threadsMu.Unlock()
	if thread, ok := s.threads[parentID]; ok && thread.State() == Ready {
		return thread, nil
	}
	thread := NewThread(s.ref, parentID, s.selfID, s.deps, s.cfg)
	if err := thread.Open(ctx); err != nil {
		return nil, err
	}
	// Close may have swapped the threads map while the thread was opening.
	if err := s.ready(); err != nil {
		_ = thread.Close()
		return nil, err
	}
	s.threads[parentID] = thread
	return thread, nil
}

// Reply sends body in the thread of parentID.
func (s *Session) Reply(ctx context.Context, parentID uuid.UUID, body string, attachment *domain.Attachment) (*Receipt, error) {
	thread, err := s.Thread(ctx, parentID)
	if err != nil {
		return nil, err
	}
	return thread.Send(ctx, body, attachment)
}

// target returns the loaded, confirmed message a command applies to.
func (s *Session) target(id uuid.UUID) (domain.Message, error) {
	if s.feed.IsPending(id) {
		return domain.Message{}, errors.ErrMessagePending
	}
	m, ok := s.feed.Get(id)
	if !ok {
		return domain.Message{}, errors.NewStoreError(errors.KindNotFound, "lookup",
			fmt.Errorf("message %s is not loaded", id))
	}
	return m, nil
}

func (s *Session) guard(action moderation.Action) error {
	return moderation.CanWrite(s.selfID, s.conv, action, s.cfg.Clock()).Err()
}

func (s *Session) censor(body string) string {
	if s.deps.Censor == nil {
		return body
	}
	return s.deps.Censor.Sanitize(body)
}

func (s *Session) handleSend(cmd *sendCmd) {
	if err := s.guard(moderation.Send()); err != nil {
		s.respond(cmd.reply, nil, err)
		return
	}
	tempID := uuid.New()
	draft := domain.Message{
		ID:           tempID,
		Conversation: s.ref,
		AuthorID:     s.selfID,
		Body:         s.censor(cmd.body),
		CreatedAt:    s.cfg.Clock(),
		ParentID:     s.parentID,
		Attachment:   cmd.attachment,
	}
	s.feed.AddPending(draft)
	receipt := s.track(newReceipt(tempID))

	s.enqueue(func(ctx context.Context) func() {
		toStore := draft
		toStore.ID = uuid.Nil
		saved, err := s.deps.Messages.Insert(ctx, toStore)
		return func() {
			if err != nil {
				s.feed.DropPending(tempID)
				s.log.Warn("Send failed", "error", err)
				s.settle(receipt, domain.Message{}, err)
				return
			}
			if s.feed.IsPending(tempID) {
				s.feed.ResolvePending(tempID, saved)
			} else {
				s.feed.Upsert(saved)
			}
			s.settle(receipt, saved, nil)
		}
	})
	s.respond(cmd.reply, receipt, nil)
}

func (s *Session) handleEdit(cmd *editCmd) {
	current, err := s.target(cmd.id)
	if err != nil {
		s.respond(cmd.reply, nil, err)
		return
	}
	if err := s.guard(moderation.Edit(current.AuthorID)); err != nil {
		s.respond(cmd.reply, nil, err)
		return
	}
	body := s.censor(cmd.body)
	if body == current.Body {
		s.respond(cmd.reply, resolved(current, nil), nil)
		return
	}
	now := s.cfg.Clock()
	optimistic := current
	optimistic.Body, optimistic.EditedAt = body, &now
	s.feed.Upsert(optimistic)
	s.beginWrite(cmd.id)
	receipt := s.track(newReceipt(uuid.Nil))

	s.enqueue(func(ctx context.Context) func() {
		saved, err := s.editInStore(ctx, cmd.id, body)
		return func() {
			last := s.endWrite(cmd.id)
			if err != nil {
				if last {
					s.rollback(current, err)
				}
				s.settle(receipt, domain.Message{}, err)
				return
			}
			s.reconcile(saved)
			s.settle(receipt, saved, nil)
		}
	})
	s.respond(cmd.reply, receipt, nil)
}

// editInStore records the stored body before replacing it.
func (s *Session) editInStore(ctx context.Context, id uuid.UUID, body string) (domain.Message, error) {
	stored, err := s.deps.Messages.GetMessage(ctx, id)
	if err != nil {
		return domain.Message{}, err
	}
	if err := s.deps.Messages.RecordEdit(ctx, id, stored.Body, s.selfID); err != nil {
		return domain.Message{}, err
	}
	return s.deps.Messages.Update(ctx, id, domain.MessagePatch{Body: &body})
}

func (s *Session) handleDelete(cmd *deleteCmd) {
	current, err := s.target(cmd.id)
	if err != nil {
		s.respond(cmd.reply, nil, err)
		return
	}
	if err := s.guard(moderation.Delete(current.AuthorID)); err != nil {
		s.respond(cmd.reply, nil, err)
		return
	}
	s.feed.Remove(cmd.id)
	s.beginWrite(cmd.id)
	receipt := s.track(newReceipt(uuid.Nil))

	s.enqueue(func(ctx context.Context) func() {
		err := s.deps.Messages.SoftDelete(ctx, cmd.id)
		return func() {
			if last := s.endWrite(cmd.id); err != nil && last {
				s.rollback(current, err)
			}
			s.settle(receipt, domain.Message{}, err)
		}
	})
	s.respond(cmd.reply, receipt, nil)
}

func (s *Session) handlePin(cmd *pinCmd) {
	current, err := s.target(cmd.id)
	if err != nil {
		s.respond(cmd.reply, nil, err)
		return
	}
	action := moderation.Pin(current.AuthorID)
	if !cmd.pinned {
		action = moderation.Unpin(current.AuthorID)
	}
	if err := s.guard(action); err != nil {
		s.respond(cmd.reply, nil, err)
		return
	}
	if current.IsPinned() == cmd.pinned {
		s.respond(cmd.reply, resolved(current, nil), nil)
		return
	}
	optimistic := current
	optimistic.Pin = nil
	if cmd.pinned {
		optimistic.Pin = &domain.Pin{By: s.selfID, At: s.cfg.Clock()}
	}
	s.feed.Upsert(optimistic)
	s.beginWrite(cmd.id)
	receipt := s.track(newReceipt(uuid.Nil))

	s.enqueue(func(ctx context.Context) func() {
		saved, err := s.deps.Messages.Update(ctx, cmd.id, domain.MessagePatch{
			Pin: &domain.PinChange{Pinned: cmd.pinned, By: s.selfID},
		})
		return func() {
			last := s.endWrite(cmd.id)
			if err != nil {
				if last {
					s.rollback(current, err)
				}
				s.settle(receipt, domain.Message{}, err)
				return
			}
			s.reconcile(saved)
			s.settle(receipt, saved, nil)
		}
	})
	s.respond(cmd.reply, receipt, nil)
}

func (s *Session) handleReact(cmd *reactCmd) {
	current, err := s.target(cmd.id)
	if err != nil {
		s.respond(cmd.reply, nil, err)
		return
	}
	if err := s.guard(moderation.React(current.AuthorID)); err != nil {
		s.respond(cmd.reply, nil, err)
		return
	}
	remove := current.HasReaction(s.selfID, cmd.emoji)
	reaction := domain.Reaction{MessageID: cmd.id, UserID: s.selfID, Emoji: cmd.emoji, CreatedAt: s.cfg.Clock()}
	if remove {
		s.feed.Upsert(current.WithoutReaction(s.selfID, cmd.emoji))
	} else {
		s.feed.Upsert(current.WithReaction(reaction))
	}
	s.beginWrite(cmd.id)
	receipt := s.track(newReceipt(uuid.Nil))

	s.enqueue(func(ctx context.Context) func() {
		var err error
		if remove {
			err = s.deps.Messages.RemoveReaction(ctx, cmd.id, s.selfID, cmd.emoji)
		} else {
			err = s.deps.Messages.UpsertReaction(ctx, reaction)
		}
		if err != nil {
			return func() {
				if s.endWrite(cmd.id) {
					s.rollback(current, err)
				}
				s.settle(receipt, domain.Message{}, err)
			}
		}
		saved, fetchErr := s.deps.Messages.GetMessage(ctx, cmd.id)
		return func() {
			s.endWrite(cmd.id)
			if fetchErr == nil {
				s.reconcile(saved)
			}
			s.settle(receipt, saved, nil)
		}
	})
	s.respond(cmd.reply, receipt, nil)
}

func (s *Session) handleMarkRead(cmd *markReadCmd) {
	current, err := s.target(cmd.id)
	if err != nil {
		s.respond(cmd.reply, nil, err)
		return
	}
	if current.AuthorID == s.selfID {
		s.respond(cmd.reply, resolved(current, nil), nil)
		return
	}
	if err := s.guard(moderation.MarkRead(current.AuthorID)); err != nil {
		s.respond(cmd.reply, nil, err)
		return
	}
	receipt := s.track(newReceipt(uuid.Nil))

	s.enqueue(func(ctx context.Context) func() {
		created, err := s.deps.Messages.UpsertReadReceipt(ctx, cmd.id, s.selfID)
		if err != nil {
			return func() { s.settle(receipt, domain.Message{}, err) }
		}
		unread, total, countErr := s.counts(ctx)
		return func() {
			if countErr == nil {
				s.unread, s.total = unread, total
			}
			if created {
				s.log.Debug("Message read", "message", cmd.id.String())
			}
			s.settle(receipt, current, nil)
		}
	})
	s.respond(cmd.reply, receipt, nil)
}

func (s *Session) handleLoadOlder(cmd *loadOlderCmd) {
	oldest, ok := s.feed.Oldest()
	if !ok || !s.hasOlder {
		s.respond(cmd.reply, resolved(domain.Message{}, nil), nil)
		return
	}
	query := s.historyQuery()
	cursor := domain.CursorOf(oldest)
	query.Before = &cursor
	receipt := s.track(newReceipt(uuid.Nil))

	s.enqueue(func(ctx context.Context) func() {
		page, err := retryRead(ctx, s.cfg, func(ctx context.Context) ([]domain.Message, error) {
			return s.deps.Messages.LoadHistory(ctx, query)
		})
		return func() {
			if err != nil {
				s.settle(receipt, domain.Message{}, err)
				return
			}
			for _, m := range page {
				s.feed.Upsert(m)
			}
			s.hasOlder = len(page) >= s.cfg.HistoryLimit
			*cmd.loaded = len(page)
			s.settle(receipt, domain.Message{}, nil)
		}
	})
	s.respond(cmd.reply, receipt, nil)
}

func (s *Session) handleRead(cmd *readCmd) {
	if cmd.id != uuid.Nil && s.feed.IsPending(cmd.id) {
		s.respond(cmd.reply, nil, errors.ErrMessagePending)
		return
	}
	receipt := s.track(newReceipt(uuid.Nil))
	s.enqueue(func(ctx context.Context) func() {
		err := cmd.read(ctx)
		return func() { s.settle(receipt, domain.Message{}, err) }
	})
	s.respond(cmd.reply, receipt, nil)
}

// rollback restores the message as it was before an optimistic change, then
// refetches it since the store may have moved on meanwhile.
func (s *Session) rollback(previous domain.Message, cause error) {
	s.log.Warn("Write failed, rolling back", "message", previous.ID.String(), "error", cause)
	if errors.Is(cause, errors.ErrNotFound) {
		s.feed.Remove(previous.ID)
		return
	}
	s.feed.Upsert(previous)
	s.refetch(previous.ID, false, false)
}
