package relational

import (
	"chat-engine/domain"
	"chat-engine/errors"
	"chat-engine/repositories"
	"context"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(sqlite.Open(filepath.Join(t.TempDir(), "chat.db")))
	require.NoError(t, err)
	require.NoError(t, Migrate(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return NewStore(db, slog.Default(), repositories.NewClock(nil))
}

func bodies(messages []domain.Message) []string {
	return lo.Map(messages, func(m domain.Message, _ int) string { return m.Body })
}

func TestStore_HistoryPagination(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := openStore(t)
	ref := domain.GroupRef("g1")

	// Given five top-level messages and one reply
	var first domain.Message
	for i, body := range []string{"a", "b", "c", "d", "e"} {
		msg, err := store.Insert(ctx, domain.Message{Conversation: ref, AuthorID: "alice", Body: body})
		req.NoError(err)
		if i == 0 {
			first = msg
		}
	}
	_, err := store.Insert(ctx, domain.Message{Conversation: ref, AuthorID: "bob", Body: "reply", ParentID: first.ID})
	req.NoError(err)

	// When the newest page of two is loaded
	page, err := store.LoadHistory(ctx, domain.HistoryQuery{Ref: ref, Limit: 2})
	req.NoError(err)
	req.Equal([]string{"d", "e"}, bodies(page))

	// Then older pages follow the cursor
	older, err := store.LoadHistory(ctx, domain.HistoryQuery{Ref: ref, Limit: 2, Before: lo.ToPtr(domain.CursorOf(page[0]))})
	req.NoError(err)
	req.Equal([]string{"b", "c"}, bodies(older))

	// Then catch-up reads are strictly after the timestamp
	after, err := store.LoadHistory(ctx, domain.HistoryQuery{Ref: ref, After: lo.ToPtr(older[1].CreatedAt)})
	req.NoError(err)
	req.Equal([]string{"d", "e"}, bodies(after))

	all, err := store.LoadHistory(ctx, domain.HistoryQuery{Ref: ref})
	req.NoError(err)
	req.Equal(1, all[0].ReplyCount)

	count, err := store.CountMessages(ctx, ref)
	req.NoError(err)
	req.Equal(6, count)
}

func TestStore_EditPinDelete(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := openStore(t)

	msg, err := store.Insert(ctx, domain.Message{Conversation: domain.PrivateRef("p1"), AuthorID: "alice", Body: "original"})
	req.NoError(err)

	// When the body is edited
	req.NoError(store.RecordEdit(ctx, msg.ID, msg.Body, "alice"))
	edited, err := store.Update(ctx, msg.ID, domain.MessagePatch{Body: lo.ToPtr("bodyA")})
	req.NoError(err)
	req.True(edited.IsEdited())

	records, err := store.ListEditHistory(ctx, msg.ID)
	req.NoError(err)
	req.Len(records, 1)
	req.Equal("original", records[0].PreviousBody)

	// When pinned twice
	pinned, err := store.Update(ctx, msg.ID, domain.MessagePatch{Pin: &domain.PinChange{Pinned: true, By: "bob"}})
	req.NoError(err)
	again, err := store.Update(ctx, msg.ID, domain.MessagePatch{Pin: &domain.PinChange{Pinned: true, By: "alice"}})
	req.NoError(err)

	// Then the first pin wins
	req.Equal("bob", again.Pin.By)
	req.True(pinned.Pin.At.Equal(again.Pin.At))

	// When deleted
	req.NoError(store.SoftDelete(ctx, msg.ID))
	_, err = store.GetMessage(ctx, msg.ID)
	req.True(errors.Is(err, errors.ErrNotFound))
	audited, err := store.AuditMessage(ctx, msg.ID)
	req.NoError(err)
	req.True(audited.IsDeleted())
	req.True(errors.Is(store.SoftDelete(ctx, msg.ID), errors.ErrNotFound))
}

func TestStore_ReactionsAndReceipts(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := openStore(t)
	ref := domain.GroupRef("g1")

	msg, err := store.Insert(ctx, domain.Message{Conversation: ref, AuthorID: "alice", Body: "hello"})
	req.NoError(err)
	_, err = store.Insert(ctx, domain.Message{Conversation: ref, AuthorID: "bob", Body: "mine"})
	req.NoError(err)

	reaction := domain.Reaction{MessageID: msg.ID, UserID: "bob", Emoji: "👍"}
	req.NoError(store.UpsertReaction(ctx, reaction))
	req.NoError(store.UpsertReaction(ctx, reaction))
	loaded, err := store.GetMessage(ctx, msg.ID)
	req.NoError(err)
	req.Len(loaded.Reactions, 1)

	req.NoError(store.RemoveReaction(ctx, msg.ID, "bob", "👍"))
	loaded, err = store.GetMessage(ctx, msg.ID)
	req.NoError(err)
	req.Empty(loaded.Reactions)

	unread, err := store.CountUnread(ctx, ref, "bob")
	req.NoError(err)
	req.Equal(1, unread)

	// When the receipt is written twice
	created, err := store.UpsertReadReceipt(ctx, msg.ID, "bob")
	req.NoError(err)
	req.True(created)
	created, err = store.UpsertReadReceipt(ctx, msg.ID, "bob")
	req.NoError(err)
	req.False(created)

	// Then a single row exists
	receipts, err := store.ListReadReceipts(ctx, msg.ID)
	req.NoError(err)
	req.Len(receipts, 1)
	unread, err = store.CountUnread(ctx, ref, "bob")
	req.NoError(err)
	req.Zero(unread)
}

func TestStore_Conversations(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := openStore(t)

	private, err := store.CreatePrivate(ctx, domain.NewPair("bob", "alice"))
	req.NoError(err)
	_, err = store.CreatePrivate(ctx, domain.Pair{"alice", "bob"})
	req.True(errors.Is(err, errors.ErrConstraintViolation))
	found, err := store.FindPrivate(ctx, domain.Pair{"bob", "alice"})
	req.NoError(err)
	req.Equal(private.ID, found.ID)

	group, err := store.CreateGroup(ctx, domain.Group{Name: "lab", CreatorID: "alice"})
	req.NoError(err)
	conv, err := store.GetConversation(ctx, group.Ref())
	req.NoError(err)
	req.True(conv.IsAdmin("alice"))

	next := conv.Group.Clone()
	next.Members["bob"] = domain.Member{UserID: "bob"}
	req.NoError(store.UpdateGroup(ctx, next))

	refs, err := store.ListConversations(ctx, "bob")
	req.NoError(err)
	req.ElementsMatch([]domain.ConversationRef{group.Ref(), private.Ref()}, refs)

	err = store.UpdateGroup(ctx, domain.Group{ID: uuid.NewString(), Name: "ghost"})
	req.True(errors.Is(err, errors.ErrNotFound))

	_, err = store.GetConversation(ctx, domain.PrivateRef("missing"))
	req.True(errors.Is(err, errors.ErrNotFound))
}

func TestStore_Profiles(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store := openStore(t)

	req.NoError(store.SaveProfile(ctx, domain.Profile{UserID: "alice", DisplayName: "Alice"}))
	profile, err := store.GetProfile(ctx, "alice")
	req.NoError(err)
	req.Equal("Alice", profile.DisplayName)

	_, err = store.GetProfile(ctx, "nobody")
	req.True(errors.Is(err, errors.ErrNotFound))
}
