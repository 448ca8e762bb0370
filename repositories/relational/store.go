// Package relational is the SQL implementation of the message, conversation
// and profile stores, backed by gorm. MySQL is the production dialect.
package relational

import (
	"chat-engine/domain"
	"chat-engine/errors"
	"chat-engine/repositories"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const defaultPageSize = 50

// Store implements contract.MessageStore, contract.ConversationStore and contract.ProfileSource.
type Store struct {
	db    *gorm.DB
	log   *slog.Logger
	clock *repositories.Clock
}

func NewStore(db *gorm.DB, log *slog.Logger, clock *repositories.Clock) *Store {
	if clock == nil {
		clock = repositories.NewClock(nil)
	}
	return &Store{db: db, log: log, clock: clock}
}

// OpenMySQL connects with microsecond datetimes, the precision of the store clock.
func OpenMySQL(dsn string) (*gorm.DB, error) {
	precision := 6
	return Open(mysql.New(mysql.Config{DSN: dsn, DefaultDatetimePrecision: &precision}))
}

func Open(dialector gorm.Dialector) (*gorm.DB, error) {
	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// Migrate creates or updates every table of the store.
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&messageRow{}, &editRow{}, &reactionRow{}, &receiptRow{},
		&groupRow{}, &memberRow{}, &muteRow{}, &privateRow{}, &profileRow{},
	)
}

func storeErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var storeError *errors.StoreError
	switch {
	case errors.As(err, &storeError):
		return err
	case errors.Is(err, gorm.ErrRecordNotFound):
		return errors.NewStoreError(errors.KindNotFound, op, err)
	case errors.Is(err, gorm.ErrDuplicatedKey), errors.Is(err, gorm.ErrForeignKeyViolated):
		return errors.NewStoreError(errors.KindConstraintViolation, op, err)
	default:
		return errors.NewStoreError(errors.KindTransient, op, err)
	}
}

func violation(op, format string, args ...any) error {
	return errors.NewStoreError(errors.KindConstraintViolation, op, fmt.Errorf(format, args...))
}

func notFound(op, format string, args ...any) error {
	return errors.NewStoreError(errors.KindNotFound, op, fmt.Errorf(format, args...))
}

func (s *Store) scoped(ctx context.Context, ref domain.ConversationRef) *gorm.DB {
	return s.db.WithContext(ctx).Model(&messageRow{}).
		Where("conversation_kind = ? AND conversation_id = ? AND deleted_at IS NULL", string(ref.Kind), ref.ID)
}

func (s *Store) LoadHistory(ctx context.Context, q domain.HistoryQuery) ([]domain.Message, error) {
	const op = "load_history"
	if err := q.Ref.Validate(); err != nil {
		return nil, violation(op, "%v", err)
	}
	tx := s.scoped(ctx, q.Ref)
	if q.ParentID == uuid.Nil {
		tx = tx.Where("parent_id IS NULL")
	} else {
		tx = tx.Where("parent_id = ?", q.ParentID.String())
	}

	var rows []messageRow
	switch {
	case q.After != nil:
		tx = tx.Where("created_at > ?", q.After.UTC()).Order("created_at ASC, id ASC")
		if q.Limit > 0 {
			tx = tx.Limit(q.Limit)
		}
		if err := tx.Find(&rows).Error; err != nil {
			return nil, storeErr(op, err)
		}
	default:
		if q.Before != nil {
			at := q.Before.At.UTC()
			tx = tx.Where("(created_at < ? OR (created_at = ? AND id < ?))", at, at, q.Before.ID.String())
		}
		limit := q.Limit
		if limit <= 0 {
			limit = defaultPageSize
		}
		if err := tx.Order("created_at DESC, id DESC").Limit(limit).Find(&rows).Error; err != nil {
			return nil, storeErr(op, err)
		}
		slices.Reverse(rows)
	}
	messages, err := s.assemble(ctx, rows)
	return messages, storeErr(op, err)
}

// assemble decodes rows and attaches reactions and reply counts in two batched queries.
func (s *Store) assemble(ctx context.Context, rows []messageRow) ([]domain.Message, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	ids := lo.Map(rows, func(r messageRow, _ int) string { return r.ID })

	var reactions []reactionRow
	if err := s.db.WithContext(ctx).Where("message_id IN ?", ids).Order("created_at ASC").Find(&reactions).Error; err != nil {
		return nil, err
	}
	byMessage := lo.GroupBy(reactions, func(r reactionRow) string { return r.MessageID })

	type replyCount struct {
		ParentID string
		Count    int
	}
	var counts []replyCount
	err := s.db.WithContext(ctx).Model(&messageRow{}).
		Select("parent_id, count(*) AS count").
		Where("parent_id IN ? AND deleted_at IS NULL", ids).
		Group("parent_id").
		Scan(&counts).Error
	if err != nil {
		return nil, err
	}
	replies := lo.SliceToMap(counts, func(c replyCount) (string, int) { return c.ParentID, c.Count })

	messages := make([]domain.Message, 0, len(rows))
	for _, row := range rows {
		msg, err := row.toMessage()
		if err != nil {
			return nil, err
		}
		msg.Reactions = lo.Map(byMessage[row.ID], func(r reactionRow, _ int) domain.Reaction {
			return domain.Reaction{MessageID: msg.ID, UserID: r.UserID, Emoji: r.Emoji, CreatedAt: r.CreatedAt.UTC()}
		})
		if msg.IsTopLevel() {
			msg.ReplyCount = replies[row.ID]
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

func (s *Store) auditRow(ctx context.Context, op string, db *gorm.DB, id uuid.UUID) (messageRow, error) {
	var row messageRow
	if err := db.WithContext(ctx).Where("id = ?", id.String()).Take(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return row, notFound(op, "message %s", id)
		}
		return row, err
	}
	return row, nil
}

func (s *Store) liveRow(ctx context.Context, op string, db *gorm.DB, id uuid.UUID) (messageRow, error) {
	row, err := s.auditRow(ctx, op, db, id)
	if err != nil {
		return row, err
	}
	if row.DeletedAt != nil {
		return row, notFound(op, "message %s is deleted", id)
	}
	return row, nil
}

func (s *Store) GetMessage(ctx context.Context, id uuid.UUID) (domain.Message, error) {
	const op = "get_message"
	row, err := s.liveRow(ctx, op, s.db, id)
	if err != nil {
		return domain.Message{}, storeErr(op, err)
	}
	messages, err := s.assemble(ctx, []messageRow{row})
	if err != nil {
		return domain.Message{}, storeErr(op, err)
	}
	return messages[0], nil
}

func (s *Store) AuditMessage(ctx context.Context, id uuid.UUID) (domain.Message, error) {
	const op = "audit_message"
	row, err := s.auditRow(ctx, op, s.db, id)
	if err != nil {
		return domain.Message{}, storeErr(op, err)
	}
	messages, err := s.assemble(ctx, []messageRow{row})
	if err != nil {
		return domain.Message{}, storeErr(op, err)
	}
	return messages[0], nil
}

func (s *Store) Insert(ctx context.Context, message domain.Message) (domain.Message, error) {
	const op = "insert"
	if err := message.Conversation.Validate(); err != nil {
		return domain.Message{}, violation(op, "%v", err)
	}
	if message.AuthorID == "" {
		return domain.Message{}, violation(op, "message has no author")
	}
	if strings.TrimSpace(message.Body) == "" && message.Attachment == nil {
		return domain.Message{}, violation(op, "message has neither body nor attachment")
	}
	stored := domain.Message{
		ID:           uuid.New(),
		Conversation: message.Conversation,
		AuthorID:     message.AuthorID,
		Body:         message.Body,
		ParentID:     message.ParentID,
		Attachment:   message.Attachment,
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if !message.IsTopLevel() {
			parent, err := s.auditRow(ctx, op, tx, message.ParentID)
			if err != nil {
				return err
			}
			if parent.ConversationKind != string(message.Conversation.Kind) || parent.ConversationID != message.Conversation.ID {
				return violation(op, "parent %s belongs to another conversation", message.ParentID)
			}
			if parent.ParentID != nil {
				return violation(op, "replies cannot be nested")
			}
		}
		stored.CreatedAt = s.clock.Next()
		row := toMessageRow(stored)
		return tx.Create(&row).Error
	})
	if err != nil {
		return domain.Message{}, storeErr(op, err)
	}
	return stored, nil
}

func (s *Store) Update(ctx context.Context, id uuid.UUID, patch domain.MessagePatch) (domain.Message, error) {
	const op = "update"
	if patch.Pin != nil && patch.Pin.Pinned && patch.Pin.By == "" {
		return domain.Message{}, violation(op, "pin without pinner")
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row, err := s.liveRow(ctx, op, tx, id)
		if err != nil {
			return err
		}
		now := s.clock.Next()
		changes := map[string]any{}
		if patch.Body != nil {
			changes["body"] = *patch.Body
			changes["edited_at"] = now
		}
		if patch.Pin != nil {
			switch {
			case patch.Pin.Pinned && row.PinnedAt == nil:
				changes["pinned_by"] = patch.Pin.By
				changes["pinned_at"] = now
			case !patch.Pin.Pinned:
				changes["pinned_by"] = nil
				changes["pinned_at"] = nil
			}
		}
		if len(changes) == 0 {
			return nil
		}
		return tx.Model(&messageRow{}).Where("id = ?", id.String()).Updates(changes).Error
	})
	if err != nil {
		return domain.Message{}, storeErr(op, err)
	}
	return s.GetMessage(ctx, id)
}

func (s *Store) SoftDelete(ctx context.Context, id uuid.UUID) error {
	const op = "soft_delete"
	result := s.db.WithContext(ctx).Model(&messageRow{}).
		Where("id = ? AND deleted_at IS NULL", id.String()).
		Update("deleted_at", s.clock.Next())
	if result.Error != nil {
		return storeErr(op, result.Error)
	}
	if result.RowsAffected == 0 {
		return notFound(op, "message %s", id)
	}
	return nil
}

func (s *Store) RecordEdit(ctx context.Context, id uuid.UUID, previousBody, editorID string) error {
	const op = "record_edit"
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.liveRow(ctx, op, tx, id); err != nil {
			return err
		}
		return tx.Create(&editRow{
			MessageID:    id.String(),
			PreviousBody: previousBody,
			EditorID:     editorID,
			EditedAt:     s.clock.Next(),
		}).Error
	})
	return storeErr(op, err)
}

func (s *Store) ListEditHistory(ctx context.Context, id uuid.UUID) ([]domain.EditRecord, error) {
	const op = "list_edit_history"
	if _, err := s.auditRow(ctx, op, s.db, id); err != nil {
		return nil, storeErr(op, err)
	}
	var rows []editRow
	err := s.db.WithContext(ctx).Where("message_id = ?", id.String()).Order("edited_at DESC, id DESC").Find(&rows).Error
	if err != nil {
		return nil, storeErr(op, err)
	}
	return lo.Map(rows, func(r editRow, _ int) domain.EditRecord {
		return domain.EditRecord{MessageID: id, PreviousBody: r.PreviousBody, EditorID: r.EditorID, EditedAt: r.EditedAt.UTC()}
	}), nil
}

func (s *Store) UpsertReaction(ctx context.Context, reaction domain.Reaction) error {
	const op = "upsert_reaction"
	if reaction.UserID == "" || reaction.Emoji == "" {
		return violation(op, "reaction needs a user and an emoji")
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.liveRow(ctx, op, tx, reaction.MessageID); err != nil {
			return err
		}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&reactionRow{
			MessageID: reaction.MessageID.String(),
			UserID:    reaction.UserID,
			Emoji:     reaction.Emoji,
			CreatedAt: s.clock.Next(),
		}).Error
	})
	return storeErr(op, err)
}

func (s *Store) RemoveReaction(ctx context.Context, id uuid.UUID, userID, emoji string) error {
	const op = "remove_reaction"
	err := s.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ? AND emoji = ?", id.String(), userID, emoji).
		Delete(&reactionRow{}).Error
	return storeErr(op, err)
}

func (s *Store) UpsertReadReceipt(ctx context.Context, id uuid.UUID, userID string) (bool, error) {
	const op = "upsert_read_receipt"
	created := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.liveRow(ctx, op, tx, id); err != nil {
			return err
		}
		result := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&receiptRow{
			MessageID: id.String(),
			UserID:    userID,
			ReadAt:    s.clock.Next(),
		})
		created = result.RowsAffected == 1
		return result.Error
	})
	return created, storeErr(op, err)
}

func (s *Store) ListReadReceipts(ctx context.Context, id uuid.UUID) ([]domain.ReadReceipt, error) {
	const op = "list_read_receipts"
	var rows []receiptRow
	if err := s.db.WithContext(ctx).Where("message_id = ?", id.String()).Order("read_at ASC").Find(&rows).Error; err != nil {
		return nil, storeErr(op, err)
	}
	return lo.Map(rows, func(r receiptRow, _ int) domain.ReadReceipt {
		return domain.ReadReceipt{MessageID: id, UserID: r.UserID, ReadAt: r.ReadAt.UTC()}
	}), nil
}

func (s *Store) CountMessages(ctx context.Context, ref domain.ConversationRef) (int, error) {
	var count int64
	err := s.scoped(ctx, ref).Count(&count).Error
	return int(count), storeErr("count_messages", err)
}

func (s *Store) CountUnread(ctx context.Context, ref domain.ConversationRef, userID string) (int, error) {
	var count int64
	err := s.scoped(ctx, ref).
		Where("author_id <> ?", userID).
		Where("NOT EXISTS (SELECT 1 FROM read_receipts r WHERE r.message_id = messages.id AND r.user_id = ?)", userID).
		Count(&count).Error
	return int(count), storeErr("count_unread", err)
}

func (s *Store) CreateGroup(ctx context.Context, group domain.Group) (domain.Group, error) {
	const op = "create_group"
	if strings.TrimSpace(group.Name) == "" || group.CreatorID == "" {
		return domain.Group{}, violation(op, "group needs a name and a creator")
	}
	group = group.Clone()
	if group.ID == "" {
		group.ID = uuid.NewString()
	}
	group.CreatedAt = s.clock.Next()
	if _, ok := group.Members[group.CreatorID]; !ok {
		group.Members[group.CreatorID] = domain.Member{UserID: group.CreatorID, IsAdmin: true, JoinedAt: group.CreatedAt}
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		row := groupRow{
			ID:          group.ID,
			Name:        group.Name,
			Description: group.Description,
			IsPrivate:   group.IsPrivate,
			CreatorID:   group.CreatorID,
			CreatedAt:   group.CreatedAt,
		}
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		return writeMembership(tx, group)
	})
	if err != nil {
		return domain.Group{}, storeErr(op, err)
	}
	return group, nil
}

func writeMembership(tx *gorm.DB, group domain.Group) error {
	members := lo.MapToSlice(group.Members, func(userID string, m domain.Member) memberRow {
		return memberRow{GroupID: group.ID, UserID: userID, IsAdmin: m.IsAdmin, JoinedAt: m.JoinedAt}
	})
	if len(members) > 0 {
		if err := tx.Create(&members).Error; err != nil {
			return err
		}
	}
	mutes := lo.MapToSlice(group.Mutes, func(userID string, m domain.Mute) muteRow {
		return muteRow{GroupID: group.ID, UserID: userID, Until: m.Until}
	})
	if len(mutes) > 0 {
		return tx.Create(&mutes).Error
	}
	return nil
}

func (s *Store) UpdateGroup(ctx context.Context, group domain.Group) error {
	const op = "update_group"
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&groupRow{}).Where("id = ?", group.ID).Updates(map[string]any{
			"name":        group.Name,
			"description": group.Description,
			"is_private":  group.IsPrivate,
		})
		if result.Error != nil {
			return result.Error
		}
		var exists int64
		if err := tx.Model(&groupRow{}).Where("id = ?", group.ID).Count(&exists).Error; err != nil {
			return err
		}
		if exists == 0 {
			return notFound(op, "group %s", group.ID)
		}
		if err := tx.Where("group_id = ?", group.ID).Delete(&memberRow{}).Error; err != nil {
			return err
		}
		if err := tx.Where("group_id = ?", group.ID).Delete(&muteRow{}).Error; err != nil {
			return err
		}
		return writeMembership(tx, group)
	})
	return storeErr(op, err)
}

func (s *Store) GetConversation(ctx context.Context, ref domain.ConversationRef) (domain.Conversation, error) {
	const op = "get_conversation"
	db := s.db.WithContext(ctx)
	switch ref.Kind {
	case domain.GroupKind:
		var row groupRow
		if err := db.Where("id = ?", ref.ID).Take(&row).Error; err != nil {
			return domain.Conversation{}, storeErr(op, err)
		}
		var members []memberRow
		if err := db.Where("group_id = ?", ref.ID).Find(&members).Error; err != nil {
			return domain.Conversation{}, storeErr(op, err)
		}
		var mutes []muteRow
		if err := db.Where("group_id = ?", ref.ID).Find(&mutes).Error; err != nil {
			return domain.Conversation{}, storeErr(op, err)
		}
		group := domain.Group{
			ID:          row.ID,
			Name:        row.Name,
			Description: row.Description,
			IsPrivate:   row.IsPrivate,
			CreatorID:   row.CreatorID,
			CreatedAt:   row.CreatedAt.UTC(),
			Members: lo.SliceToMap(members, func(m memberRow) (string, domain.Member) {
				return m.UserID, domain.Member{UserID: m.UserID, IsAdmin: m.IsAdmin, JoinedAt: m.JoinedAt.UTC()}
			}),
			Mutes: lo.SliceToMap(mutes, func(m muteRow) (string, domain.Mute) {
				return m.UserID, domain.Mute{UserID: m.UserID, Until: utc(m.Until)}
			}),
		}
		return domain.GroupConversation(group), nil
	case domain.PrivateKind:
		var row privateRow
		if err := db.Where("id = ?", ref.ID).Take(&row).Error; err != nil {
			return domain.Conversation{}, storeErr(op, err)
		}
		return domain.PrivateConversationOf(row.toPrivate()), nil
	}
	return domain.Conversation{}, violation(op, "unknown conversation kind %q", ref.Kind)
}

func (r privateRow) toPrivate() domain.PrivateConversation {
	return domain.PrivateConversation{ID: r.ID, Pair: domain.NewPair(r.UserA, r.UserB), CreatedAt: r.CreatedAt.UTC()}
}

func (s *Store) CreatePrivate(ctx context.Context, pair domain.Pair) (domain.PrivateConversation, error) {
	const op = "create_private"
	pair = domain.NewPair(pair[0], pair[1])
	if pair[0] == "" || pair[0] == pair[1] {
		return domain.PrivateConversation{}, violation(op, "invalid pair %v", pair)
	}
	row := privateRow{ID: uuid.NewString(), UserA: pair[0], UserB: pair[1], CreatedAt: s.clock.Next()}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing int64
		if err := tx.Model(&privateRow{}).Where("user_a = ? AND user_b = ?", pair[0], pair[1]).Count(&existing).Error; err != nil {
			return err
		}
		if existing > 0 {
			return violation(op, "pair %s already has a conversation", pair.Key())
		}
		return tx.Create(&row).Error
	})
	if err != nil {
		return domain.PrivateConversation{}, storeErr(op, err)
	}
	return row.toPrivate(), nil
}

func (s *Store) FindPrivate(ctx context.Context, pair domain.Pair) (domain.PrivateConversation, error) {
	pair = domain.NewPair(pair[0], pair[1])
	var row privateRow
	if err := s.db.WithContext(ctx).Where("user_a = ? AND user_b = ?", pair[0], pair[1]).Take(&row).Error; err != nil {
		return domain.PrivateConversation{}, storeErr("find_private", err)
	}
	return row.toPrivate(), nil
}

func (s *Store) ListConversations(ctx context.Context, userID string) ([]domain.ConversationRef, error) {
	const op = "list_conversations"
	var groupIDs []string
	if err := s.db.WithContext(ctx).Model(&memberRow{}).Where("user_id = ?", userID).Order("group_id").Pluck("group_id", &groupIDs).Error; err != nil {
		return nil, storeErr(op, err)
	}
	var privateIDs []string
	if err := s.db.WithContext(ctx).Model(&privateRow{}).Where("user_a = ? OR user_b = ?", userID, userID).Order("id").Pluck("id", &privateIDs).Error; err != nil {
		return nil, storeErr(op, err)
	}
	return append(lo.Map(groupIDs, func(id string, _ int) domain.ConversationRef { return domain.GroupRef(id) }),
		lo.Map(privateIDs, func(id string, _ int) domain.ConversationRef { return domain.PrivateRef(id) })...), nil
}

func (s *Store) SaveProfile(ctx context.Context, profile domain.Profile) error {
	if profile.UserID == "" || profile.DisplayName == "" {
		return violation("save_profile", "profile needs a user and a display name")
	}
	row := profileRow{UserID: profile.UserID, DisplayName: profile.DisplayName, AvatarURL: profile.AvatarURL}
	return storeErr("save_profile", s.db.WithContext(ctx).Save(&row).Error)
}

func (s *Store) GetProfile(ctx context.Context, userID string) (domain.Profile, error) {
	var row profileRow
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Take(&row).Error; err != nil {
		return domain.Profile{}, storeErr("get_profile", err)
	}
	return domain.Profile{UserID: row.UserID, DisplayName: row.DisplayName, AvatarURL: row.AvatarURL}, nil
}

// Ping checks the connection, used by health probes.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return sqlDB.PingContext(ctx)
}
