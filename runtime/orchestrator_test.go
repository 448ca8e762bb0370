package runtime

import (
	"chat-engine/conversation"
	"chat-engine/domain"
	"chat-engine/errors"
	"chat-engine/repositories"
	"chat-engine/runtime/workers"
	"chat-engine/search"
	"chat-engine/session"
	"chat-engine/transport"
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/blugelabs/bluge"
	"github.com/dgraph-io/badger/v4"
	"github.com/mama165/sdk-go/logs"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	orchestrator *Orchestrator
	profiles     repositories.ProfileRepository
	blocklist    repositories.BlocklistRepository
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	writer, err := bluge.OpenWriter(bluge.DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })

	clock := repositories.NewClock(nil)
	supervisor := workers.NewSupervisor(log)
	profiles := repositories.NewProfileRepository(db)
	blocklist := repositories.NewBlocklistRepository(db)

	o, err := NewOrchestrator(log, Dependencies{
		Messages:      repositories.NewMessageRepository(db, log, clock, nil),
		Conversations: repositories.NewConversationRepository(db, log, clock),
		PubSub:        transport.NewHub(supervisor, log, nil, 0),
		Supervisor:    supervisor,
		Index:         search.NewIndex(writer, log),
		Profiles:      profiles,
		Blocklist:     blocklist,
	}, Config{Session: session.Config{TypingIdle: 300 * time.Millisecond}})
	require.NoError(t, err)
	require.NoError(t, o.Prepare(context.Background()))
	t.Cleanup(o.Stop)
	return fixture{orchestrator: o, profiles: profiles, blocklist: blocklist}
}

func send(t *testing.T, s *session.Session, body string) domain.Message {
	t.Helper()
	receipt, err := s.Send(context.Background(), body, nil)
	require.NoError(t, err)
	m, err := receipt.Wait(context.Background())
	require.NoError(t, err)
	return m
}

func TestOrchestrator_GroupConversationEndToEnd(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	o := f.orchestrator

	// Given a group of two
	group, err := o.CreateGroup(ctx, conversation.CreateGroupRequest{Name: "ops", CreatorID: "alice", MemberIDs: []string{"bob"}})
	req.NoError(err)
	alice, err := o.OpenGroup(ctx, "alice", group.ID)
	req.NoError(err)
	bob, err := o.OpenGroup(ctx, "bob", group.ID)
	req.NoError(err)

	// When alice swears while reporting an outage
	stored := send(t, alice, "the damn database is down")

	// Then the stored body is censored
	req.Equal("the **** database is down", stored.Body)

	// And bob sees it live
	req.Eventually(func() bool {
		messages := bob.Snapshot().Messages
		return len(messages) == 1 && messages[0].ID == stored.ID
	}, 2*time.Second, 10*time.Millisecond)

	// And search finds it for members only
	found, err := o.Search(ctx, "bob", group.Ref(), "database", 0)
	req.NoError(err)
	req.Len(found, 1)
	_, err = o.Groups().UpdateSettings(ctx, "alice", group.ID, conversation.Settings{IsPrivate: lo.ToPtr(true)})
	req.NoError(err)
	_, err = o.Search(ctx, "mallory", group.Ref(), "database", 0)
	req.ErrorIs(err, errors.ErrPermissionDenied)

	// And Stop closes the sessions
	o.Stop()
	req.Equal(session.Closed, alice.State())
	req.Equal(session.Closed, bob.State())
}

func TestOrchestrator_PrivateConversationTitles(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	o := f.orchestrator
	req.NoError(f.profiles.SaveProfile(ctx, domain.Profile{UserID: "bob", DisplayName: "Bob Martin"}))

	// When alice opens a private conversation twice
	first, err := o.OpenPrivate(ctx, "alice", "bob")
	req.NoError(err)
	second, err := o.OpenPrivate(ctx, "alice", "bob")
	req.NoError(err)
	req.Equal(first.Ref(), second.Ref())

	// Then her list shows one conversation titled with bob's name
	summaries, err := o.Conversations(ctx, "alice")
	req.NoError(err)
	req.Len(summaries, 1)
	req.Equal("Bob Martin", summaries[0].Title)

	// And bob, without a profile for alice, sees her id
	summaries, err = o.Conversations(ctx, "bob")
	req.NoError(err)
	req.Len(summaries, 1)
	req.Equal("alice", summaries[0].Title)

	_, err = o.OpenPrivate(ctx, "alice", "alice")
	req.ErrorIs(err, errors.ErrSamePair)
}

func TestOrchestrator_ReloadReachesOpenSessions(t *testing.T) {
	req := require.New(t)
	ctx := context.Background()
	f := newFixture(t)
	o := f.orchestrator
	group, err := o.CreateGroup(ctx, conversation.CreateGroupRequest{Name: "ops", CreatorID: "alice"})
	req.NoError(err)
	alice, err := o.OpenGroup(ctx, "alice", group.ID)
	req.NoError(err)

	req.Equal("spoiler alert", send(t, alice, "spoiler alert").Body)

	// When an operator blocklists a word
	req.NoError(f.blocklist.Add(ctx, "spoiler"))
	req.NoError(o.ReloadCensored(ctx))

	// Then the open session censors it right away
	req.Equal("******* alert", send(t, alice, "spoiler alert").Body)
}
