package main

import (
	"bytes"
	"chat-engine/domain"
	"chat-engine/repositories"
	"chat-engine/runtime"
	"chat-engine/runtime/workers"
	"chat-engine/search"
	"chat-engine/session"
	"chat-engine/transport"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/blugelabs/bluge"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestShell(t *testing.T) (*shell, *syncBuffer) {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	writer, err := bluge.OpenWriter(bluge.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })

	clock := repositories.NewClock(nil)
	profiles := repositories.NewProfileRepository(db)
	blocklist := repositories.NewBlocklistRepository(db)
	require.NoError(t, profiles.SaveProfile(context.Background(), domain.Profile{UserID: "alice", DisplayName: "Alice"}))

	o, err := runtime.NewOrchestrator(log, runtime.Dependencies{
		Messages:      repositories.NewMessageRepository(db, log, clock, nil),
		Conversations: repositories.NewConversationRepository(db, log, clock),
		PubSub:        transport.NewHub(workers.NewSupervisor(log), log, nil, 0),
		Index:         search.NewIndex(writer, log),
		Profiles:      profiles,
		Blocklist:     blocklist,
	}, runtime.Config{Session: session.Config{TypingIdle: 300 * time.Millisecond}})
	require.NoError(t, err)
	require.NoError(t, o.Prepare(context.Background()))

	out := &syncBuffer{}
	sh := newShell(o, "alice", out, false)
	sh.blocklist = &blocklist
	t.Cleanup(func() {
		sh.close(context.Background())
		o.Stop()
	})
	return sh, out
}

func messageIDWithBody(t *testing.T, sh *shell, body string) uuid.UUID {
	t.Helper()
	var id uuid.UUID
	require.Eventually(t, func() bool {
		s, err := sh.active()
		if err != nil {
			return false
		}
		for _, m := range s.Snapshot().Messages {
			if m.Body == body && !m.Pending {
				id = m.ID
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
	return id
}

func TestShell_GroupConversation(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	sh, out := newTestShell(t)

	// Given a group opened from the shell
	req.NoError(sh.exec(ctx, "/group ops bob"))

	// When alice writes, edits and pins through commands
	req.NoError(sh.exec(ctx, "deploy is done"))
	id := messageIDWithBody(t, sh, "deploy is done")
	req.NoError(sh.exec(ctx, "/edit "+id.String()[:8]+" deploy is done, all green"))
	req.NoError(sh.exec(ctx, "/pin "+id.String()[:8]))

	// Then the rendering shows the latest state with the author's display name
	req.Eventually(func() bool {
		return strings.Contains(out.String(), "Alice: deploy is done, all green (edited) [pinned by alice]")
	}, 2*time.Second, 10*time.Millisecond)

	// And the edit history and search answer from the stores
	req.NoError(sh.exec(ctx, "/history "+id.String()[:8]))
	req.Contains(out.String(), "alice: deploy is done")
	req.NoError(sh.exec(ctx, "/search green"))
	req.Contains(out.String(), `1 results for "green"`)

	req.NoError(sh.exec(ctx, "/list"))
	req.Contains(out.String(), "ops")
}

func TestShell_BlockReloadsCensor(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	sh, out := newTestShell(t)
	req.NoError(sh.exec(ctx, "/dm bob"))

	req.NoError(sh.exec(ctx, "/block spoiler"))
	req.NoError(sh.exec(ctx, "no spoiler please"))

	req.Eventually(func() bool {
		return strings.Contains(out.String(), "Alice: no ******* please")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestShell_Errors(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	sh, _ := newTestShell(t)

	req.Error(sh.exec(ctx, "hello"), "nothing is open yet")
	req.ErrorIs(sh.exec(ctx, "/quit"), errQuit)
	req.NoError(sh.exec(ctx, "   "))

	req.NoError(sh.exec(ctx, "/dm bob"))
	req.ErrorContains(sh.exec(ctx, "/pin ffffffff"), "no loaded message")
	req.ErrorContains(sh.exec(ctx, "/rename ops"), "open a group first")
	req.ErrorContains(sh.exec(ctx, "/nope 1234"), "no loaded message")
}

func TestLookup(t *testing.T) {
	a := uuid.MustParse("aaaaaaaa-0000-4000-8000-000000000001")
	b := uuid.MustParse("aaaaaaaa-0000-4000-8000-000000000002")
	snap := session.Snapshot{Messages: []domain.Message{{ID: a}, {ID: b}}}

	id, err := lookup(snap, "AAAAAAAA-0000-4000-8000-000000000002")
	require.NoError(t, err)
	require.Equal(t, b, id)

	_, err = lookup(snap, "aaaaaaaa")
	require.ErrorContains(t, err, "ambiguous")

	_, err = lookup(snap, "")
	require.Error(t, err)
}
