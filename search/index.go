// Package search keeps a full-text index of message bodies next to the store.
package search

import (
	"chat-engine/domain"
	"context"
	"fmt"
	"log/slog"

	"github.com/blugelabs/bluge"
	"github.com/google/uuid"
)

const (
	fieldBody         = "body"
	fieldConversation = "conversation"
	fieldAuthor       = "author"
	fieldParent       = "parent"
	fieldCreatedAt    = "created_at"
	fieldID           = "_id"
)

const DefaultLimit = 20

type Hit struct {
	MessageID uuid.UUID
	AuthorID  string
	Score     float64
}

type Index struct {
	writer *bluge.Writer
	log    *slog.Logger
}

func NewIndex(writer *bluge.Writer, log *slog.Logger) *Index {
	return &Index{writer: writer, log: log}
}

func document(m domain.Message) *bluge.Document {
	doc := bluge.NewDocument(m.ID.String())
	doc.AddField(bluge.NewTextField(fieldBody, m.Body))
	doc.AddField(bluge.NewKeywordField(fieldConversation, m.Conversation.Key()))
	doc.AddField(bluge.NewKeywordField(fieldAuthor, m.AuthorID).StoreValue())
	doc.AddField(bluge.NewKeywordField(fieldParent, m.ParentID.String()))
	doc.AddField(bluge.NewDateTimeField(fieldCreatedAt, m.CreatedAt).StoreValue().Sortable())
	return doc
}

// Put indexes the message, or drops it once soft-deleted.
func (i *Index) Put(m domain.Message) error {
	if m.IsDeleted() {
		return i.Remove(m.ID)
	}
	doc := document(m)
	if err := i.writer.Update(doc.ID(), doc); err != nil {
		return fmt.Errorf("index message %s: %w", m.ID, err)
	}
	return nil
}

// PutAll indexes a whole history in one batch.
func (i *Index) PutAll(messages []domain.Message) error {
	batch := bluge.NewBatch()
	for _, m := range messages {
		if m.IsDeleted() {
			batch.Delete(bluge.Identifier(m.ID.String()))
			continue
		}
		doc := document(m)
		batch.Update(doc.ID(), doc)
	}
	if err := i.writer.Batch(batch); err != nil {
		return fmt.Errorf("index batch of %d messages: %w", len(messages), err)
	}
	i.log.Debug("Messages indexed", "count", len(messages))
	return nil
}

func (i *Index) Remove(id uuid.UUID) error {
	if err := i.writer.Delete(bluge.Identifier(id.String())); err != nil {
		return fmt.Errorf("unindex message %s: %w", id, err)
	}
	return nil
}

// Search matches text against the bodies of one conversation, threads included.
// Best matches come first, ties go to the most recent message.
func (i *Index) Search(ctx context.Context, ref domain.ConversationRef, text string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	query := bluge.NewBooleanQuery().
		AddMust(bluge.NewTermQuery(ref.Key()).SetField(fieldConversation)).
		AddMust(bluge.NewMatchQuery(text).SetField(fieldBody))
	request := bluge.NewTopNSearch(limit, query).SortBy([]string{"-_score", "-" + fieldCreatedAt})

	reader, err := i.writer.Reader()
	if err != nil {
		return nil, fmt.Errorf("open index reader: %w", err)
	}
	defer func() { _ = reader.Close() }()

	matches, err := reader.Search(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("search %q in %s: %w", text, ref, err)
	}
	var hits []Hit
	match, err := matches.Next()
	for err == nil && match != nil {
		hit := Hit{Score: match.Score}
		var parseErr error
		visitErr := match.VisitStoredFields(func(field string, value []byte) bool {
			switch field {
			case fieldID:
				hit.MessageID, parseErr = uuid.ParseBytes(value)
			case fieldAuthor:
				hit.AuthorID = string(value)
			}
			return true
		})
		switch {
		case visitErr != nil:
			return nil, visitErr
		case parseErr != nil:
			i.log.Warn("Skipping index entry with a malformed id", "error", parseErr)
		default:
			hits = append(hits, hit)
		}
		match, err = matches.Next()
	}
	if err != nil {
		return nil, fmt.Errorf("iterate search results: %w", err)
	}
	return hits, nil
}
