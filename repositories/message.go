package repositories

import (
	"bytes"
	"chat-engine/domain"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

const defaultPageSize = 50

// MessageRepository is the badger implementation of contract.MessageStore.
//
// Layout:
//
//	msg:{id}                                   -> message record
//	idx:{kind}:{conv}:top:{ts}:{id}            -> author id, live top-level messages
//	idx:{kind}:{conv}:thread:{parent}:{ts}:{id} -> author id, live replies
//	edit:{id}:{ts}:{uuid}                      -> edit record
//	react:{id}:{user}:{emoji}                  -> reaction
//	read:{id}:{user}                           -> read receipt
//
// Index keys use a 19-digit zero padded timestamp so that a prefix scan is chronological.
// Soft delete removes the index entries and keeps the record for audits.
type MessageRepository struct {
	db            *badger.DB
	log           *slog.Logger
	clock         *Clock
	limitMessages *int
}

func NewMessageRepository(db *badger.DB, log *slog.Logger, clock *Clock, limitMessages *int) MessageRepository {
	if clock == nil {
		clock = NewClock(nil)
	}
	return MessageRepository{db: db, log: log, clock: clock, limitMessages: limitMessages}
}

func messageKey(id uuid.UUID) string { return "msg:" + id.String() }

func conversationIndexPrefix(ref domain.ConversationRef) string {
	return "idx:" + ref.Key() + ":"
}

func indexPrefix(ref domain.ConversationRef, parentID uuid.UUID) string {
	if parentID == uuid.Nil {
		return conversationIndexPrefix(ref) + "top:"
	}
	return conversationIndexPrefix(ref) + "thread:" + parentID.String() + ":"
}

func indexKey(m domain.Message) string {
	return indexPrefix(m.Conversation, m.ParentID) + domain.CursorOf(m).SortKey()
}

func editPrefix(id uuid.UUID) string { return "edit:" + id.String() + ":" }

func reactionPrefix(id uuid.UUID) string { return "react:" + id.String() + ":" }

func reactionKey(id uuid.UUID, userID, emoji string) string {
	return reactionPrefix(id) + userID + ":" + emoji
}

func receiptPrefix(id uuid.UUID) string { return "read:" + id.String() + ":" }

func receiptKey(id uuid.UUID, userID string) string { return receiptPrefix(id) + userID }

// idFromIndexKey reads the trailing uuid of an index key.
func idFromIndexKey(key []byte) (uuid.UUID, error) {
	const uuidLen = 36
	if len(key) < uuidLen {
		return uuid.Nil, fmt.Errorf("malformed index key %q", key)
	}
	return uuid.Parse(string(key[len(key)-uuidLen:]))
}

func (m MessageRepository) pageSize(requested int) int {
	switch {
	case requested > 0 && (m.limitMessages == nil || requested <= *m.limitMessages):
		return requested
	case m.limitMessages != nil:
		return *m.limitMessages
	default:
		return defaultPageSize
	}
}

// LoadHistory reads one page of a conversation or of one thread.
// Without After the page ends right before the Before cursor (or at the newest message)
// and is walked backwards, then returned in ascending order.
func (m MessageRepository) LoadHistory(ctx context.Context, q domain.HistoryQuery) ([]domain.Message, error) {
	const op = "load_history"
	if err := ctx.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	if err := q.Ref.Validate(); err != nil {
		return nil, violation(op, "%v", err)
	}
	var messages []domain.Message
	err := m.db.View(func(txn *badger.Txn) error {
		prefix := []byte(indexPrefix(q.Ref, q.ParentID))
		var ids []uuid.UUID
		var err error
		if q.After != nil {
			ids, err = scanForward(txn, prefix, fmt.Sprintf("%019d", q.After.UnixNano()+1), q.Limit)
		} else {
			ids, err = m.scanBackward(txn, prefix, q.Before, m.pageSize(q.Limit))
		}
		if err != nil {
			return err
		}
		for _, id := range ids {
			msg, err := assemble(txn, id)
			if err != nil {
				return err
			}
			if msg.IsDeleted() {
				continue
			}
			messages = append(messages, msg)
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(op, err)
	}
	return messages, nil
}

// scanForward collects ids from the first key >= from. A non positive limit reads everything.
func scanForward(txn *badger.Txn, prefix []byte, from string, limit int) ([]uuid.UUID, error) {
	options := badger.DefaultIteratorOptions
	options.PrefetchValues = false
	options.Prefix = prefix
	it := txn.NewIterator(options)
	defer it.Close()

	var ids []uuid.UUID
	for it.Seek(append(slices.Clone(prefix), from...)); it.ValidForPrefix(prefix); it.Next() {
		if limit > 0 && len(ids) == limit {
			break
		}
		id, err := idFromIndexKey(it.Item().Key())
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (m MessageRepository) scanBackward(txn *badger.Txn, prefix []byte, before *domain.Cursor, limit int) ([]uuid.UUID, error) {
	options := badger.DefaultIteratorOptions
	options.PrefetchValues = false
	options.Reverse = true
	options.Prefix = prefix
	it := txn.NewIterator(options)
	defer it.Close()

	var seekKey []byte
	switch before {
	case nil:
		// Past every timestamp of the prefix, the walk starts at the newest message
		seekKey = append(slices.Clone(prefix), 0xff)
	default:
		seekKey = append(slices.Clone(prefix), before.SortKey()...)
	}
	it.Seek(seekKey)
	if before != nil && it.ValidForPrefix(prefix) && bytes.Equal(it.Item().Key(), seekKey) {
		it.Next()
	}

	var ids []uuid.UUID
	for ; it.ValidForPrefix(prefix); it.Next() {
		if len(ids) == limit {
			m.log.Debug(fmt.Sprintf("Maximum of %d message reached", limit))
			break
		}
		id, err := idFromIndexKey(it.Item().Key())
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	slices.Reverse(ids)
	return ids, nil
}

// assemble loads a message with its reactions and, for top-level ones, its reply count.
func assemble(txn *badger.Txn, id uuid.UUID) (domain.Message, error) {
	var dm diskMessage
	if err := readJSON(txn, messageKey(id), &dm); err != nil {
		return domain.Message{}, err
	}
	msg := dm.toMessage()
	reactions, err := listReactions(txn, id)
	if err != nil {
		return domain.Message{}, err
	}
	msg.Reactions = reactions
	if msg.IsTopLevel() {
		msg.ReplyCount = countKeys(txn, []byte(indexPrefix(msg.Conversation, msg.ID)))
	}
	return msg, nil
}

func listReactions(txn *badger.Txn, id uuid.UUID) ([]domain.Reaction, error) {
	var reactions []domain.Reaction
	err := scanValues(txn, []byte(reactionPrefix(id)), func(val []byte) error {
		var r domain.Reaction
		if err := decode(val, &r); err != nil {
			return err
		}
		reactions = append(reactions, r)
		return nil
	})
	slices.SortStableFunc(reactions, func(a, b domain.Reaction) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return reactions, err
}

func scanValues(txn *badger.Txn, prefix []byte, fn func(val []byte) error) error {
	options := badger.DefaultIteratorOptions
	options.Prefix = prefix
	it := txn.NewIterator(options)
	defer it.Close()
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		if err := it.Item().Value(fn); err != nil {
			return err
		}
	}
	return nil
}

func countKeys(txn *badger.Txn, prefix []byte) int {
	options := badger.DefaultIteratorOptions
	options.PrefetchValues = false
	options.Prefix = prefix
	it := txn.NewIterator(options)
	defer it.Close()
	count := 0
	for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
		count++
	}
	return count
}

// loadLive reads a message record and rejects soft-deleted ones.
func loadLive(txn *badger.Txn, op string, id uuid.UUID) (diskMessage, error) {
	var dm diskMessage
	if err := readJSON(txn, messageKey(id), &dm); err != nil {
		if err == badger.ErrKeyNotFound {
			return dm, notFound(op, "message %s", id)
		}
		return dm, err
	}
	if dm.DeletedAt != nil {
		return dm, notFound(op, "message %s is deleted", id)
	}
	return dm, nil
}

func (m MessageRepository) GetMessage(ctx context.Context, id uuid.UUID) (domain.Message, error) {
	const op = "get_message"
	msg, err := m.AuditMessage(ctx, id)
	if err != nil {
		return domain.Message{}, err
	}
	if msg.IsDeleted() {
		return domain.Message{}, notFound(op, "message %s is deleted", id)
	}
	return msg, nil
}

func (m MessageRepository) AuditMessage(ctx context.Context, id uuid.UUID) (domain.Message, error) {
	const op = "audit_message"
	if err := ctx.Err(); err != nil {
		return domain.Message{}, storeErr(op, err)
	}
	var msg domain.Message
	err := m.db.View(func(txn *badger.Txn) error {
		var err error
		msg, err = assemble(txn, id)
		return err
	})
	return msg, storeErr(op, err)
}

// Insert persists a new message with a server-assigned id and timestamp.
// A reply must point at a top-level message of the same conversation.
func (m MessageRepository) Insert(ctx context.Context, message domain.Message) (domain.Message, error) {
	const op = "insert"
	if err := ctx.Err(); err != nil {
		return domain.Message{}, storeErr(op, err)
	}
	if err := message.Conversation.Validate(); err != nil {
		return domain.Message{}, violation(op, "%v", err)
	}
	if message.AuthorID == "" {
		return domain.Message{}, violation(op, "message has no author")
	}
	if strings.TrimSpace(message.Body) == "" && message.Attachment == nil {
		return domain.Message{}, violation(op, "message has neither body nor attachment")
	}

	var stored domain.Message
	err := m.db.Update(func(txn *badger.Txn) error {
		if message.ParentID != uuid.Nil {
			var parent diskMessage
			if err := readJSON(txn, messageKey(message.ParentID), &parent); err != nil {
				if err == badger.ErrKeyNotFound {
					return notFound(op, "parent %s", message.ParentID)
				}
				return err
			}
			if parent.Conversation != message.Conversation {
				return violation(op, "parent %s belongs to another conversation", message.ParentID)
			}
			if parent.ParentID != uuid.Nil {
				return violation(op, "replies cannot be nested")
			}
		}
		stored = domain.Message{
			ID:           uuid.New(),
			Conversation: message.Conversation,
			AuthorID:     message.AuthorID,
			Body:         message.Body,
			CreatedAt:    m.clock.Next(),
			ParentID:     message.ParentID,
			Attachment:   message.Attachment,
		}
		if err := writeJSON(txn, messageKey(stored.ID), fromMessage(stored)); err != nil {
			return err
		}
		return txn.Set([]byte(indexKey(stored)), []byte(stored.AuthorID))
	})
	if err != nil {
		return domain.Message{}, storeErr(op, err)
	}
	return stored, nil
}

// Update applies a body and/or pin change. Pinning an already pinned message keeps
// the original pinner and timestamp.
func (m MessageRepository) Update(ctx context.Context, id uuid.UUID, patch domain.MessagePatch) (domain.Message, error) {
	const op = "update"
	if err := ctx.Err(); err != nil {
		return domain.Message{}, storeErr(op, err)
	}
	if patch.Pin != nil && patch.Pin.Pinned && patch.Pin.By == "" {
		return domain.Message{}, violation(op, "pin without pinner")
	}
	var stored domain.Message
	err := m.db.Update(func(txn *badger.Txn) error {
		dm, err := loadLive(txn, op, id)
		if err != nil {
			return err
		}
		now := m.clock.Next()
		if patch.Body != nil {
			dm.Body = *patch.Body
			dm.EditedAt = &now
		}
		if patch.Pin != nil {
			switch {
			case patch.Pin.Pinned && dm.PinnedAt == nil:
				dm.PinnedBy = patch.Pin.By
				dm.PinnedAt = &now
			case !patch.Pin.Pinned:
				dm.PinnedBy = ""
				dm.PinnedAt = nil
			}
		}
		if err = writeJSON(txn, messageKey(id), dm); err != nil {
			return err
		}
		stored, err = assemble(txn, id)
		return err
	})
	if err != nil {
		return domain.Message{}, storeErr(op, err)
	}
	return stored, nil
}

func (m MessageRepository) SoftDelete(ctx context.Context, id uuid.UUID) error {
	const op = "soft_delete"
	if err := ctx.Err(); err != nil {
		return storeErr(op, err)
	}
	err := m.db.Update(func(txn *badger.Txn) error {
		dm, err := loadLive(txn, op, id)
		if err != nil {
			return err
		}
		now := m.clock.Next()
		dm.DeletedAt = &now
		if err = writeJSON(txn, messageKey(id), dm); err != nil {
			return err
		}
		return txn.Delete([]byte(indexKey(dm.toMessage())))
	})
	return storeErr(op, err)
}

func (m MessageRepository) RecordEdit(ctx context.Context, id uuid.UUID, previousBody, editorID string) error {
	const op = "record_edit"
	if err := ctx.Err(); err != nil {
		return storeErr(op, err)
	}
	err := m.db.Update(func(txn *badger.Txn) error {
		if _, err := loadLive(txn, op, id); err != nil {
			return err
		}
		record := domain.EditRecord{
			MessageID:    id,
			PreviousBody: previousBody,
			EditorID:     editorID,
			EditedAt:     m.clock.Next(),
		}
		key := editPrefix(id) + domain.Cursor{At: record.EditedAt, ID: uuid.New()}.SortKey()
		return writeJSON(txn, key, record)
	})
	return storeErr(op, err)
}

// ListEditHistory returns the edit records most recent first.
func (m MessageRepository) ListEditHistory(ctx context.Context, id uuid.UUID) ([]domain.EditRecord, error) {
	const op = "list_edit_history"
	if err := ctx.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	var records []domain.EditRecord
	err := m.db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get([]byte(messageKey(id))); err != nil {
			return err
		}
		prefix := []byte(editPrefix(id))
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()
		for it.Seek(append(slices.Clone(prefix), 0xff)); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var record domain.EditRecord
				if err := decode(val, &record); err != nil {
					return err
				}
				records = append(records, record)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, storeErr(op, err)
	}
	return records, nil
}

// UpsertReaction keeps the first timestamp when the reaction is already held.
func (m MessageRepository) UpsertReaction(ctx context.Context, reaction domain.Reaction) error {
	const op = "upsert_reaction"
	if err := ctx.Err(); err != nil {
		return storeErr(op, err)
	}
	if reaction.UserID == "" || reaction.Emoji == "" {
		return violation(op, "reaction needs a user and an emoji")
	}
	err := m.db.Update(func(txn *badger.Txn) error {
		if _, err := loadLive(txn, op, reaction.MessageID); err != nil {
			return err
		}
		key := reactionKey(reaction.MessageID, reaction.UserID, reaction.Emoji)
		if _, err := txn.Get([]byte(key)); err == nil {
			return nil
		}
		reaction.CreatedAt = m.clock.Next()
		return writeJSON(txn, key, reaction)
	})
	return storeErr(op, err)
}

func (m MessageRepository) RemoveReaction(ctx context.Context, id uuid.UUID, userID, emoji string) error {
	const op = "remove_reaction"
	if err := ctx.Err(); err != nil {
		return storeErr(op, err)
	}
	err := m.db.Update(func(txn *badger.Txn) error {
		if _, err := loadLive(txn, op, id); err != nil {
			return err
		}
		return txn.Delete([]byte(reactionKey(id, userID, emoji)))
	})
	return storeErr(op, err)
}

func (m MessageRepository) UpsertReadReceipt(ctx context.Context, id uuid.UUID, userID string) (bool, error) {
	const op = "upsert_read_receipt"
	if err := ctx.Err(); err != nil {
		return false, storeErr(op, err)
	}
	created := false
	err := m.db.Update(func(txn *badger.Txn) error {
		if _, err := loadLive(txn, op, id); err != nil {
			return err
		}
		key := receiptKey(id, userID)
		if _, err := txn.Get([]byte(key)); err == nil {
			return nil
		}
		created = true
		return writeJSON(txn, key, domain.ReadReceipt{MessageID: id, UserID: userID, ReadAt: m.clock.Next()})
	})
	if err != nil {
		return false, storeErr(op, err)
	}
	return created, nil
}

func (m MessageRepository) ListReadReceipts(ctx context.Context, id uuid.UUID) ([]domain.ReadReceipt, error) {
	const op = "list_read_receipts"
	if err := ctx.Err(); err != nil {
		return nil, storeErr(op, err)
	}
	var receipts []domain.ReadReceipt
	err := m.db.View(func(txn *badger.Txn) error {
		return scanValues(txn, []byte(receiptPrefix(id)), func(val []byte) error {
			var r domain.ReadReceipt
			if err := decode(val, &r); err != nil {
				return err
			}
			receipts = append(receipts, r)
			return nil
		})
	})
	if err != nil {
		return nil, storeErr(op, err)
	}
	slices.SortFunc(receipts, func(a, b domain.ReadReceipt) int { return a.ReadAt.Compare(b.ReadAt) })
	return receipts, nil
}

func (m MessageRepository) CountMessages(ctx context.Context, ref domain.ConversationRef) (int, error) {
	const op = "count_messages"
	if err := ctx.Err(); err != nil {
		return 0, storeErr(op, err)
	}
	count := 0
	err := m.db.View(func(txn *badger.Txn) error {
		count = countKeys(txn, []byte(conversationIndexPrefix(ref)))
		return nil
	})
	return count, storeErr(op, err)
}

// CountUnread counts live messages written by someone else without a receipt from userID.
func (m MessageRepository) CountUnread(ctx context.Context, ref domain.ConversationRef, userID string) (int, error) {
	const op = "count_unread"
	if err := ctx.Err(); err != nil {
		return 0, storeErr(op, err)
	}
	count := 0
	err := m.db.View(func(txn *badger.Txn) error {
		prefix := []byte(conversationIndexPrefix(ref))
		options := badger.DefaultIteratorOptions
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			author, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if string(author) == userID {
				continue
			}
			id, err := idFromIndexKey(item.Key())
			if err != nil {
				return err
			}
			if _, err = txn.Get([]byte(receiptKey(id, userID))); err == nil {
				continue
			} else if err != badger.ErrKeyNotFound {
				return err
			}
			count++
		}
		return nil
	})
	return count, storeErr(op, err)
}

// Walk visits every stored message, soft-deleted ones included.
func (m MessageRepository) Walk(fn func(domain.Message) error) error {
	return m.db.View(func(txn *badger.Txn) error {
		prefix := []byte("msg:")
		options := badger.DefaultIteratorOptions
		options.Prefix = prefix
		it := txn.NewIterator(options)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var dm diskMessage
			if err := it.Item().Value(func(val []byte) error { return decode(val, &dm) }); err != nil {
				return err
			}
			if err := fn(dm.toMessage()); err != nil {
				return err
			}
		}
		return nil
	})
}
