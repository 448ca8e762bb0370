// Package session is the state machine behind one open conversation view.
// A session owns its state on a single loop goroutine: commands, store
// results, message events and presence syncs are applied one at a time in
// arrival order. Store calls run on a per-session FIFO worker.
package session

import (
	"chat-engine/contract"
	"chat-engine/domain"
	"chat-engine/errors"
	"chat-engine/notification"
	"chat-engine/presence"
	"chat-engine/projection"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

const inboxSize = 64

// Censor rewrites a body before it is sent or edited.
type Censor interface {
	Sanitize(body string) string
}

type Deps struct {
	Messages      contract.MessageStore
	Conversations contract.ConversationStore
	Notifications *notification.Channel
	// Presence is optional. Threads never join presence.
	Presence *presence.Channel
	Censor   Censor
	Log      *slog.Logger
}

type channelKind string

const (
	notificationChannel channelKind = "notification"
	presenceChannel     channelKind = "presence"
)

type Session struct {
	ref      domain.ConversationRef
	parentID uuid.UUID
	selfID   string
	deps     Deps
	cfg      Config
	log      *slog.Logger
	validate *validator.Validate

	mu      sync.Mutex
	state   State
	started bool
	cancel  context.CancelFunc

	life     context.Context
	inbox    chan any
	closing  chan struct{}
	loopDone chan struct{}
	io       *storeQueue
	wg       sync.WaitGroup

	snapshot atomic.Pointer[Snapshot]
	changes  chan struct{}

	threadsMu sync.Mutex
	threads   map[uuid.UUID]*Session

	// Set while opening, read-only afterwards.
	presence *presence.Handle
	typist   *presence.Typist

	// Owned by the loop.
	conv       domain.Conversation
	feed       *projection.Feed
	view       *presence.View
	notif      *notification.Handle
	unread     int
	total      int
	hasOlder   bool
	inflight   map[*Receipt]struct{}
	// writes counts optimistic changes per message still waiting on the store.
	writes     map[uuid.UUID]int
	lost       map[channelKind]bool
	channelErr error
	expiry     *time.Timer
	expiryC    <-chan time.Time
	// deferred runs right after the next publish.
	deferred []func()
}

// New prepares the top-level session of a conversation for selfID.
func New(ref domain.ConversationRef, selfID string, deps Deps, cfg Config) *Session {
	return newSession(ref, uuid.Nil, selfID, deps, cfg)
}

// NewThread prepares a session scoped to the replies of parentID.
func NewThread(ref domain.ConversationRef, parentID uuid.UUID, selfID string, deps Deps, cfg Config) *Session {
	return newSession(ref, parentID, selfID, deps, cfg)
}

func newSession(ref domain.ConversationRef, parentID uuid.UUID, selfID string, deps Deps, cfg Config) *Session {
	cfg = cfg.withDefaults()
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	s := &Session{
		ref:      ref,
		parentID: parentID,
		selfID:   selfID,
		deps:     deps,
		cfg:      cfg,
		log:      log.With("conversation", ref.String(), "user", selfID),
		validate: validator.New(),
		inbox:    make(chan any, inboxSize),
		closing:  make(chan struct{}),
		loopDone: make(chan struct{}),
		io:       newStoreQueue(),
		changes:  make(chan struct{}, 1),
		threads:  make(map[uuid.UUID]*Session),
		feed:     projection.NewFeed(),
		view:     presence.NewView(selfID, cfg.TypingIdle),
		inflight: make(map[*Receipt]struct{}),
		writes:   make(map[uuid.UUID]int),
		lost:     make(map[channelKind]bool),
	}
	if parentID != uuid.Nil {
		s.log = s.log.With("parent", parentID.String())
	}
	s.snapshot.Store(&Snapshot{State: Uninitialized, ParentID: parentID})
	return s
}

func (s *Session) Ref() domain.ConversationRef { return s.ref }

func (s *Session) ParentID() uuid.UUID { return s.parentID }

func (s *Session) isThread() bool { return s.parentID != uuid.Nil }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Snapshot returns the last published state.
func (s *Session) Snapshot() Snapshot {
	return *s.snapshot.Load()
}

// Changes receives a signal after each published snapshot. Signals coalesce.
func (s *Session) Changes() <-chan struct{} { return s.changes }

// Open loads the conversation and its history, then subscribes to the
// notification and presence channels. On failure the session goes back to
// Uninitialized and Open may be retried.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case Closed:
		s.mu.Unlock()
		return errors.ErrSessionClosed
	case Loading, Ready:
		s.mu.Unlock()
		return errors.ErrSessionOpened
	}
	s.state = Loading
	s.mu.Unlock()
	s.publishState(Loading)

	if err := s.open(ctx); err != nil {
		s.mu.Lock()
		if s.state == Loading {
			s.state = Uninitialized
		}
		state := s.state
		s.mu.Unlock()
		s.publishState(state)
		s.log.Warn("Cannot open session", "error", err)
		return err
	}
	return nil
}

func (s *Session) open(ctx context.Context) error {
	conv, err := retryRead(ctx, s.cfg, func(ctx context.Context) (domain.Conversation, error) {
		return s.deps.Conversations.GetConversation(ctx, s.ref)
	})
	if err != nil {
		return fmt.Errorf("open %s: %w", s.ref, err)
	}
	if !conv.IsReadable(s.selfID) {
		return &errors.DeniedError{Action: "read", Reason: "not a member of the conversation"}
	}
	if s.isThread() {
		parent, err := retryRead(ctx, s.cfg, func(ctx context.Context) (domain.Message, error) {
			return s.deps.Messages.AuditMessage(ctx, s.parentID)
		})
		if err != nil {
			return fmt.Errorf("open thread %s: %w", s.parentID, err)
		}
		if parent.Conversation != s.ref || !parent.IsTopLevel() {
			return errors.NewStoreError(errors.KindNotFound, "open_thread",
				fmt.Errorf("message %s has no thread in %s", s.parentID, s.ref))
		}
	}
	history, err := retryRead(ctx, s.cfg, func(ctx context.Context) ([]domain.Message, error) {
		return s.deps.Messages.LoadHistory(ctx, s.historyQuery())
	})
	if err != nil {
		return fmt.Errorf("load history of %s: %w", s.ref, err)
	}
	unread, total, err := s.counts(ctx)
	if err != nil {
		return fmt.Errorf("count messages of %s: %w", s.ref, err)
	}

	life, cancel := context.WithCancel(context.Background())
	s.life = life
	s.conv = conv
	s.feed.Reset(history)
	s.hasOlder = len(history) >= s.cfg.HistoryLimit
	s.unread, s.total = unread, total

	notif, err := s.deps.Notifications.Subscribe(life, s.ref, s.onEvent)
	if err != nil {
		cancel()
		return fmt.Errorf("subscribe to %s: %w", s.ref.Topic(), err)
	}
	if !s.isThread() && s.deps.Presence != nil {
		if err := s.joinPresence(life); err != nil {
			s.deps.Notifications.Unsubscribe(notif)
			cancel()
			return err
		}
	}

	s.mu.Lock()
	if s.state != Loading {
		s.mu.Unlock()
		s.deps.Notifications.Unsubscribe(notif)
		s.leavePresence()
		cancel()
		return errors.ErrSessionClosed
	}
	s.notif = notif
	s.state = Ready
	s.started = true
	s.cancel = cancel
	s.store(s.snapshotOf(Ready))
	s.wg.Add(2)
	go s.loop()
	go func() {
		defer s.wg.Done()
		s.io.run(life, s.post)
	}()
	s.watch(notificationChannel, notif.Done(), notif.Err)
	if s.presence != nil {
		s.watch(presenceChannel, s.presence.Done(), s.presence.Err)
	}
	s.mu.Unlock()

	// Covers what was created between the history read and the subscription.
	s.post(catchUpCmd{})
	s.log.Debug("Session opened", "messages", len(history), "unread", unread)
	return nil
}

func (s *Session) joinPresence(ctx context.Context) error {
	handle, err := s.deps.Presence.Join(ctx, s.ref, s.selfID)
	if err != nil {
		return fmt.Errorf("join %s: %w", s.ref.PresenceTopic(), err)
	}
	if err := handle.Subscribe(ctx, s.onSync); err != nil {
		_ = handle.Leave(ctx)
		return fmt.Errorf("subscribe to %s: %w", s.ref.PresenceTopic(), err)
	}
	s.presence = handle
	s.typist = presence.NewTypist(handle, s.log, s.cfg.TypingIdle)
	return nil
}

func (s *Session) leavePresence() {
	if s.typist != nil {
		s.typist.Close()
	}
	if s.presence == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.presence.Leave(ctx); err != nil {
		s.log.Debug("Cannot leave presence", "error", err)
	}
}

// Close unsubscribes both channels before returning. Store results arriving
// afterwards are dropped and unfinished receipts fail with ErrSessionClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == Closed {
		s.mu.Unlock()
		return nil
	}
	s.state = Closed
	started := s.started
	cancel := s.cancel
	s.mu.Unlock()

	close(s.closing)
	s.io.close()
	if started {
		<-s.loopDone
		cancel()
	}
	s.wg.Wait()

	s.threadsMu.Lock()
	threads := s.threads
	s.threads = make(map[uuid.UUID]*Session)
	s.threadsMu.Unlock()
	for _, thread := range threads {
		_ = thread.Close()
	}
	s.publishState(Closed)
	s.log.Debug("Session closed")
	return nil
}

func (s *Session) ready() error {
	switch s.State() {
	case Ready:
		return nil
	case Closed:
		return errors.ErrSessionClosed
	default:
		return errors.ErrSessionNotReady
	}
}

// post hands a message to the loop, false once the session is closing.
func (s *Session) post(msg any) bool {
	select {
	case s.inbox <- msg:
		return true
	case <-s.closing:
		return false
	}
}

func (s *Session) loop() {
	defer s.wg.Done()
	defer close(s.loopDone)
	s.publish()
	for {
		select {
		case <-s.closing:
			s.teardown()
			return
		case msg := <-s.inbox:
			s.handle(msg)
		case <-s.expiryC:
			s.expiryC = nil
			s.armExpiry()
		}
		s.publish()
		for _, fn := range s.deferred {
			fn()
		}
		s.deferred = nil
	}
}

func (s *Session) teardown() {
	if s.expiry != nil {
		s.expiry.Stop()
	}
	s.deps.Notifications.Unsubscribe(s.notif)
	s.leavePresence()
	for r := range s.inflight {
		r.resolve(domain.Message{}, errors.ErrSessionClosed)
	}
	s.inflight = make(map[*Receipt]struct{})
}

func (s *Session) handle(msg any) {
	switch m := msg.(type) {
	case func():
		m()
	case *sendCmd:
		s.handleSend(m)
	case *editCmd:
		s.handleEdit(m)
	case *deleteCmd:
		s.handleDelete(m)
	case *pinCmd:
		s.handlePin(m)
	case *reactCmd:
		s.handleReact(m)
	case *markReadCmd:
		s.handleMarkRead(m)
	case *loadOlderCmd:
		s.handleLoadOlder(m)
	case *readCmd:
		s.handleRead(m)
	case catchUpCmd:
		s.catchUp()
	case messageEvent:
		s.onMessageEvent(m)
	case presenceSync:
		s.view.Apply(m.state, s.cfg.Clock())
		s.armExpiry()
	case channelLost:
		s.onChannelLost(m.kind)
	case resubscribed:
		s.onResubscribed(m)
	case resubscribeFailed:
		s.channelErr = fmt.Errorf("%s channel: %w", m.kind, m.err)
		s.log.Error("Channel lost for good", "channel", m.kind, "error", m.err)
	default:
		s.log.Warn("Unknown session message", "type", fmt.Sprintf("%T", msg))
	}
}

// enqueue schedules a store call behind every call issued before it.
func (s *Session) enqueue(j job) {
	if !s.io.push(j) {
		s.log.Debug("Store call dropped, session closing")
	}
}

func (s *Session) track(r *Receipt) *Receipt {
	s.inflight[r] = struct{}{}
	return r
}

// settle and respond take effect once the snapshot shows the change, so a
// caller returning from a command reads its own write.
func (s *Session) settle(r *Receipt, m domain.Message, err error) {
	delete(s.inflight, r)
	s.later(func() { r.resolve(m, err) })
}

func (s *Session) respond(r reply, receipt *Receipt, err error) {
	s.later(func() { r.answer(receipt, err) })
}

// beginWrite marks an optimistic change of id as waiting on the store.
func (s *Session) beginWrite(id uuid.UUID) {
	s.writes[id]++
}

// endWrite reports whether no later change of id is still waiting.
func (s *Session) endWrite(id uuid.UUID) bool {
	s.writes[id]--
	if s.writes[id] > 0 {
		return false
	}
	delete(s.writes, id)
	return true
}

// writing reports whether the feed shows a local change of id the store has
// not confirmed yet.
func (s *Session) writing(id uuid.UUID) bool {
	return s.writes[id] > 0
}

func (s *Session) later(fn func()) {
	s.deferred = append(s.deferred, fn)
}

// armExpiry wakes the loop when the next remote typing flag lapses.
func (s *Session) armExpiry() {
	if s.expiry != nil {
		s.expiry.Stop()
		s.expiry, s.expiryC = nil, nil
	}
	now := s.cfg.Clock()
	next, ok := s.view.NextExpiry(now)
	if !ok {
		return
	}
	s.expiry = time.NewTimer(next.Sub(now))
	s.expiryC = s.expiry.C
}

// publish is only called by the loop, or before it starts.
func (s *Session) publish() {
	s.store(s.snapshotOf(s.State()))
}

func (s *Session) snapshotOf(state State) *Snapshot {
	now := s.cfg.Clock()
	return &Snapshot{
		State:        state,
		Conversation: s.conv,
		ParentID:     s.parentID,
		Messages:     s.feed.Messages(),
		Typing:       s.view.Typing(now),
		Online:       s.view.Online(),
		Unread:       s.unread,
		Total:        s.total,
		HasOlder:     s.hasOlder,
		Err:          s.channelErr,
	}
}

func (s *Session) publishState(state State) {
	snap := s.Snapshot()
	snap.State = state
	s.store(&snap)
}

func (s *Session) store(snap *Snapshot) {
	s.snapshot.Store(snap)
	select {
	case s.changes <- struct{}{}:
	default:
	}
}

func (s *Session) historyQuery() domain.HistoryQuery {
	return domain.HistoryQuery{Ref: s.ref, ParentID: s.parentID, Limit: s.cfg.HistoryLimit}
}

// counts returns the unread and total badges. A thread counts its replies.
func (s *Session) counts(ctx context.Context) (int, int, error) {
	if s.isThread() {
		parent, err := s.deps.Messages.AuditMessage(ctx, s.parentID)
		if err != nil {
			return 0, 0, err
		}
		return 0, parent.ReplyCount, nil
	}
	total, err := s.deps.Messages.CountMessages(ctx, s.ref)
	if err != nil {
		return 0, 0, err
	}
	unread, err := s.deps.Messages.CountUnread(ctx, s.ref, s.selfID)
	if err != nil {
		return 0, 0, err
	}
	return unread, total, nil
}

// retryRead retries transient read failures with a doubling backoff.
func retryRead[T any](ctx context.Context, cfg Config, read func(context.Context) (T, error)) (T, error) {
	backoff := cfg.RetryBackoff
	var zero T
	for attempt := 1; ; attempt++ {
		value, err := read(ctx)
		if err == nil {
			return value, nil
		}
		if !errors.IsRetryable(err) || attempt >= cfg.ReadRetries {
			return zero, err
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}
