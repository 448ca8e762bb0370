package session

import (
	"chat-engine/contract"
	"chat-engine/domain"
	"chat-engine/errors"
	"chat-engine/notification"
	"chat-engine/presence"
	"chat-engine/repositories"
	"chat-engine/runtime/workers"
	"chat-engine/transport"
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/mama165/sdk-go/logs"
	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
)

const converge = 2 * time.Second

// flakyStore counts inserts and can slow down or fail writes.
type flakyStore struct {
	contract.MessageStore
	inserts    atomic.Int32
	failWrites atomic.Bool
	delay      atomic.Int64
}

func (f *flakyStore) wait() {
	if d := time.Duration(f.delay.Load()); d > 0 {
		time.Sleep(d)
	}
}

func (f *flakyStore) failure(op string) error {
	if f.failWrites.Load() {
		return errors.NewStoreError(errors.KindTransient, op, errors.New("store unavailable"))
	}
	return nil
}

func (f *flakyStore) Insert(ctx context.Context, m domain.Message) (domain.Message, error) {
	f.inserts.Add(1)
	f.wait()
	if err := f.failure("insert"); err != nil {
		return domain.Message{}, err
	}
	return f.MessageStore.Insert(ctx, m)
}

func (f *flakyStore) Update(ctx context.Context, id uuid.UUID, patch domain.MessagePatch) (domain.Message, error) {
	f.wait()
	if err := f.failure("update"); err != nil {
		return domain.Message{}, err
	}
	return f.MessageStore.Update(ctx, id, patch)
}

func (f *flakyStore) RecordEdit(ctx context.Context, id uuid.UUID, previousBody, editorID string) error {
	if err := f.failure("record_edit"); err != nil {
		return err
	}
	return f.MessageStore.RecordEdit(ctx, id, previousBody, editorID)
}

func (f *flakyStore) SoftDelete(ctx context.Context, id uuid.UUID) error {
	f.wait()
	if err := f.failure("soft_delete"); err != nil {
		return err
	}
	return f.MessageStore.SoftDelete(ctx, id)
}

type world struct {
	t             *testing.T
	hub           *transport.Hub
	raw           repositories.MessageRepository
	flaky         *flakyStore
	conversations repositories.ConversationRepository
	deps          Deps
	cfg           Config
}

func newWorld(t *testing.T) *world {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	clock := repositories.NewClock(nil)
	raw := repositories.NewMessageRepository(db, log, clock, nil)
	hub := transport.NewHub(workers.NewSupervisor(log), log, nil, 0)
	notifications := notification.NewChannel(hub, log)
	flaky := &flakyStore{MessageStore: raw}

	return &world{
		t:             t,
		hub:           hub,
		raw:           raw,
		flaky:         flaky,
		conversations: repositories.NewConversationRepository(db, log, clock),
		deps: Deps{
			Messages:      notification.NewStore(flaky, notifications, log),
			Conversations: repositories.NewConversationRepository(db, log, clock),
			Notifications: notifications,
			Presence:      presence.NewChannel(hub, log, nil),
			Log:           log,
		},
		cfg: Config{
			TypingIdle:         300 * time.Millisecond,
			ResubscribeBackoff: 20 * time.Millisecond,
		},
	}
}

func (w *world) group(creator string, members ...string) domain.ConversationRef {
	w.t.Helper()
	group := domain.Group{Name: "lab", CreatorID: creator, Members: map[string]domain.Member{}}
	for _, m := range members {
		group.Members[m] = domain.Member{UserID: m}
	}
	created, err := w.conversations.CreateGroup(context.Background(), group)
	require.NoError(w.t, err)
	return created.Ref()
}

func (w *world) mute(ref domain.ConversationRef, userID string) {
	w.t.Helper()
	ctx := context.Background()
	conv, err := w.conversations.GetConversation(ctx, ref)
	require.NoError(w.t, err)
	group := conv.Group.Clone()
	group.Mutes[userID] = domain.Mute{UserID: userID}
	require.NoError(w.t, w.conversations.UpdateGroup(ctx, group))
}

func (w *world) private(a, b string) domain.ConversationRef {
	w.t.Helper()
	conv, err := w.conversations.CreatePrivate(context.Background(), domain.NewPair(a, b))
	require.NoError(w.t, err)
	return conv.Ref()
}

// seed writes straight to the store, nobody is notified.
func (w *world) seed(ref domain.ConversationRef, author, body string, parent uuid.UUID) domain.Message {
	w.t.Helper()
	m, err := w.raw.Insert(context.Background(), domain.Message{Conversation: ref, AuthorID: author, Body: body, ParentID: parent})
	require.NoError(w.t, err)
	return m
}

func (w *world) open(ref domain.ConversationRef, userID string) *Session {
	w.t.Helper()
	s := New(ref, userID, w.deps, w.cfg)
	require.NoError(w.t, s.Open(context.Background()))
	w.t.Cleanup(func() { _ = s.Close() })
	return s
}

func bodies(messages []domain.Message) []string {
	return lo.Map(messages, func(m domain.Message, _ int) string { return m.Body })
}

func find(s *Session, body string) (domain.Message, bool) {
	return lo.Find(s.Snapshot().Messages, func(m domain.Message) bool { return m.Body == body })
}

func settled(s *Session) bool {
	return !lo.ContainsBy(s.Snapshot().Messages, func(m domain.Message) bool { return m.Pending })
}

// trace records every distinct value label takes for message id, as seen by
// readers of the snapshot, until the returned func is called.
func trace(s *Session, id uuid.UUID, label func(domain.Message) string) func() []string {
	var seen []string
	sample := func() {
		if m, ok := lo.Find(s.Snapshot().Messages, func(m domain.Message) bool { return m.ID == id }); ok {
			if v := label(m); len(seen) == 0 || seen[len(seen)-1] != v {
				seen = append(seen, v)
			}
		}
	}
	sample()
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				sample()
				return
			case <-time.After(2 * time.Millisecond):
				sample()
			}
		}
	}()
	return func() []string {
		close(stop)
		<-done
		return seen
	}
}
