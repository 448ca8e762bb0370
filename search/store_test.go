package search

import (
	"chat-engine/domain"
	"chat-engine/repositories"
	"context"
	"log/slog"
	"testing"

	"github.com/blugelabs/bluge"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/mama165/sdk-go/logs"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*Store, repositories.MessageRepository) {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	writer, err := bluge.OpenWriter(bluge.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })

	raw := repositories.NewMessageRepository(db, log, nil, nil)
	return NewStore(raw, NewIndex(writer, log), log), raw
}

func bodies(messages []domain.Message) []string {
	return lo.Map(messages, func(m domain.Message, _ int) string { return m.Body })
}

func TestStore_FindFollowsWrites(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store, _ := setup(t)
	ref := domain.GroupRef("lab")
	other := domain.GroupRef("elsewhere")

	// Given
	deploy, err := store.Insert(ctx, domain.Message{Conversation: ref, AuthorID: "alice", Body: "the deploy is green"})
	req.NoError(err)
	_, err = store.Insert(ctx, domain.Message{Conversation: ref, AuthorID: "bob", Body: "lunch at noon"})
	req.NoError(err)
	_, err = store.Insert(ctx, domain.Message{Conversation: other, AuthorID: "bob", Body: "deploy elsewhere"})
	req.NoError(err)

	// When
	found, err := store.Find(ctx, ref, "deploy", 0)

	// Then only the conversation's own message matches
	req.NoError(err)
	req.Equal([]string{"the deploy is green"}, bodies(found))

	// And an edit moves the match
	_, err = store.Update(ctx, deploy.ID, domain.MessagePatch{Body: lo.ToPtr("rollback done")})
	req.NoError(err)
	found, err = store.Find(ctx, ref, "deploy", 0)
	req.NoError(err)
	req.Empty(found)
	found, err = store.Find(ctx, ref, "rollback", 0)
	req.NoError(err)
	req.Len(found, 1)

	// And a deletion removes it
	req.NoError(store.SoftDelete(ctx, deploy.ID))
	found, err = store.Find(ctx, ref, "rollback", 0)
	req.NoError(err)
	req.Empty(found)
}

func TestStore_ReindexCoversReplies(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store, raw := setup(t)
	ref := domain.GroupRef("lab")

	// Given messages written behind the index's back
	parent, err := raw.Insert(ctx, domain.Message{Conversation: ref, AuthorID: "alice", Body: "release notes"})
	req.NoError(err)
	_, err = raw.Insert(ctx, domain.Message{Conversation: ref, AuthorID: "bob", Body: "notes look fine", ParentID: parent.ID})
	req.NoError(err)
	found, err := store.Find(ctx, ref, "notes", 0)
	req.NoError(err)
	req.Empty(found)

	// When
	count, err := store.Reindex(ctx, ref)

	// Then
	req.NoError(err)
	req.Equal(2, count)
	found, err = store.Find(ctx, ref, "notes", 0)
	req.NoError(err)
	req.ElementsMatch([]string{"release notes", "notes look fine"}, bodies(found))
}

func TestIndex_SearchSkipsUnknownIDs(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	store, _ := setup(t)
	ref := domain.GroupRef("lab")

	// Given an index entry whose message never reached the store
	req.NoError(store.index.Put(domain.Message{ID: uuid.New(), Conversation: ref, AuthorID: "ghost", Body: "phantom"}))

	hits, err := store.index.Search(ctx, ref, "phantom", 5)
	req.NoError(err)
	req.Len(hits, 1)
	req.Equal("ghost", hits[0].AuthorID)

	// Then Find drops it
	found, err := store.Find(ctx, ref, "phantom", 5)
	req.NoError(err)
	req.Empty(found)
}
