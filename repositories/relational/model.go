package relational

import (
	"chat-engine/domain"
	"time"

	"github.com/google/uuid"
)

type messageRow struct {
	ID               string     `gorm:"primaryKey;size:36"`
	ConversationKind string     `gorm:"size:16;not null;index:idx_messages_conversation,priority:1"`
	ConversationID   string     `gorm:"size:64;not null;index:idx_messages_conversation,priority:2"`
	CreatedAt        time.Time  `gorm:"not null;index:idx_messages_conversation,priority:3"`
	ParentID         *string    `gorm:"size:36;index"`
	AuthorID         string     `gorm:"size:64;not null"`
	Body             string     `gorm:"type:text"`
	EditedAt         *time.Time
	DeletedAt        *time.Time `gorm:"index"`
	PinnedBy         *string    `gorm:"size:64"`
	PinnedAt         *time.Time
	AttachmentURL    *string    `gorm:"size:1024"`
	AttachmentName   string     `gorm:"size:255"`
	AttachmentSize   int64
	AttachmentMime   string `gorm:"size:128"`
}

func (messageRow) TableName() string { return "messages" }

type editRow struct {
	ID           uint      `gorm:"primaryKey;autoIncrement"`
	MessageID    string    `gorm:"size:36;not null;index"`
	PreviousBody string    `gorm:"type:text"`
	EditorID     string    `gorm:"size:64;not null"`
	EditedAt     time.Time `gorm:"not null"`
}

func (editRow) TableName() string { return "message_edits" }

type reactionRow struct {
	MessageID string    `gorm:"primaryKey;size:36"`
	UserID    string    `gorm:"primaryKey;size:64"`
	Emoji     string    `gorm:"primaryKey;size:32"`
	CreatedAt time.Time `gorm:"not null"`
}

func (reactionRow) TableName() string { return "message_reactions" }

type receiptRow struct {
	MessageID string    `gorm:"primaryKey;size:36"`
	UserID    string    `gorm:"primaryKey;size:64"`
	ReadAt    time.Time `gorm:"not null"`
}

func (receiptRow) TableName() string { return "read_receipts" }

type groupRow struct {
	ID          string `gorm:"primaryKey;size:36"`
	Name        string `gorm:"size:128;not null"`
	Description string `gorm:"type:text"`
	IsPrivate   bool
	CreatorID   string    `gorm:"size:64;not null"`
	CreatedAt   time.Time `gorm:"not null"`
}

func (groupRow) TableName() string { return "chat_groups" }

type memberRow struct {
	GroupID  string `gorm:"primaryKey;size:36"`
	UserID   string `gorm:"primaryKey;size:64;index"`
	IsAdmin  bool
	JoinedAt time.Time
}

func (memberRow) TableName() string { return "group_members" }

type muteRow struct {
	GroupID string `gorm:"primaryKey;size:36"`
	UserID  string `gorm:"primaryKey;size:64"`
	Until   *time.Time
}

func (muteRow) TableName() string { return "group_mutes" }

// privateRow keeps the pair canonical, the unique index enforces one row per pair.
type privateRow struct {
	ID        string    `gorm:"primaryKey;size:36"`
	UserA     string    `gorm:"size:64;not null;uniqueIndex:idx_private_pair,priority:1"`
	UserB     string    `gorm:"size:64;not null;uniqueIndex:idx_private_pair,priority:2;index"`
	CreatedAt time.Time `gorm:"not null"`
}

func (privateRow) TableName() string { return "private_conversations" }

type profileRow struct {
	UserID      string `gorm:"primaryKey;size:64"`
	DisplayName string `gorm:"size:128;not null"`
	AvatarURL   string `gorm:"size:1024"`
}

func (profileRow) TableName() string { return "profiles" }

func toMessageRow(m domain.Message) messageRow {
	row := messageRow{
		ID:               m.ID.String(),
		ConversationKind: string(m.Conversation.Kind),
		ConversationID:   m.Conversation.ID,
		CreatedAt:        m.CreatedAt,
		AuthorID:         m.AuthorID,
		Body:             m.Body,
		EditedAt:         m.EditedAt,
		DeletedAt:        m.DeletedAt,
	}
	if !m.IsTopLevel() {
		parent := m.ParentID.String()
		row.ParentID = &parent
	}
	if m.Pin != nil {
		by, at := m.Pin.By, m.Pin.At
		row.PinnedBy, row.PinnedAt = &by, &at
	}
	if m.Attachment != nil {
		url := m.Attachment.URL
		row.AttachmentURL = &url
		row.AttachmentName = m.Attachment.Filename
		row.AttachmentSize = m.Attachment.Size
		row.AttachmentMime = m.Attachment.MimeType
	}
	return row
}

func (r messageRow) toMessage() (domain.Message, error) {
	id, err := uuid.Parse(r.ID)
	if err != nil {
		return domain.Message{}, err
	}
	m := domain.Message{
		ID:           id,
		Conversation: domain.ConversationRef{Kind: domain.ConversationKind(r.ConversationKind), ID: r.ConversationID},
		AuthorID:     r.AuthorID,
		Body:         r.Body,
		CreatedAt:    r.CreatedAt.UTC(),
		EditedAt:     utc(r.EditedAt),
		DeletedAt:    utc(r.DeletedAt),
	}
	if r.ParentID != nil {
		if m.ParentID, err = uuid.Parse(*r.ParentID); err != nil {
			return domain.Message{}, err
		}
	}
	if r.PinnedBy != nil && r.PinnedAt != nil {
		m.Pin = &domain.Pin{By: *r.PinnedBy, At: r.PinnedAt.UTC()}
	}
	if r.AttachmentURL != nil {
		m.Attachment = &domain.Attachment{
			URL:      *r.AttachmentURL,
			Filename: r.AttachmentName,
			Size:     r.AttachmentSize,
			MimeType: r.AttachmentMime,
		}
	}
	return m, nil
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
