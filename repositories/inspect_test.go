package repositories

import (
	"chat-engine/domain"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

func TestDump_DescribesMessagesAndGroups(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	req.NoError(err)
	defer func() { _ = db.Close() }()

	group, err := NewConversationRepository(db, log, nil).CreateGroup(ctx, domain.Group{Name: "ops", CreatorID: "alice"})
	req.NoError(err)
	_, err = NewMessageRepository(db, log, nil, nil).Insert(ctx, domain.Message{
		Conversation: group.Ref(),
		AuthorID:     "alice",
		Body:         strings.Repeat("long ", 30),
	})
	req.NoError(err)

	// When
	var entries []Entry
	req.NoError(Dump(db, "", 0, func(e Entry) error {
		entries = append(entries, e)
		return nil
	}))

	// Then
	byKind := map[string]Entry{}
	for _, e := range entries {
		byKind[e.Kind] = e
	}
	req.Contains(byKind["group"].Detail, `"ops" by alice, 1 members`)
	req.True(strings.HasPrefix(byKind["msg"].Detail, "alice in group:"+group.ID))
	req.Equal(detailWidth, len([]rune(byKind["msg"].Detail)))
	req.False(byKind["msg"].At.IsZero())
	req.Contains(byKind, "idx")

	// And the limit stops the walk
	count := 0
	req.NoError(Dump(db, "", 1, func(Entry) error { count++; return nil }))
	req.Equal(1, count)
}
