package transport

import (
	"chat-engine/contract"
	"chat-engine/errors"
	"chat-engine/runtime/workers"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/mama165/sdk-go/logs"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	frames []contract.Frame
}

func (r *recorder) handle(frame contract.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *recorder) snapshot() []contract.Frame {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]contract.Frame(nil), r.frames...)
}

func newHub(t *testing.T, buffer int) (*Hub, *Metrics) {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	metrics := NewMetrics(prometheus.NewRegistry())
	return NewHub(workers.NewSupervisor(log), log, metrics, buffer), metrics
}

func TestHub_BroadcastIsOrderedPerSubscriber(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub, metrics := newHub(t, 0)

	// Given two subscribers on the same topic
	first, second := &recorder{}, &recorder{}
	_, err := hub.Subscribe(ctx, "messages:group:1", first.handle)
	req.NoError(err)
	_, err = hub.Subscribe(ctx, "messages:group:1", second.handle)
	req.NoError(err)

	// When three payloads are broadcast
	for _, payload := range []string{"a", "b", "c"} {
		req.NoError(hub.Broadcast(ctx, "messages:group:1", []byte(payload)))
	}
	req.NoError(hub.Broadcast(ctx, "messages:group:2", []byte("elsewhere")))

	// Then both receive them in order and nothing from other topics
	for _, r := range []*recorder{first, second} {
		req.Eventually(func() bool { return len(r.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
		frames := r.snapshot()
		req.Equal("a", string(frames[0].Payload))
		req.Equal("c", string(frames[2].Payload))
	}
	req.Equal(float64(6), testutil.ToFloat64(metrics.Delivered.WithLabelValues("broadcast")))
	req.Equal(float64(2), testutil.ToFloat64(metrics.Subscribers))
}

func TestHub_TrackSyncsFullState(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub, _ := newHub(t, 0)
	topic := "presence:group:1"

	// Given alice is tracked before bob subscribes
	req.NoError(hub.Track(ctx, topic, "alice", []byte(`{"typing":true}`)))
	observer := &recorder{}
	_, err := hub.Subscribe(ctx, topic, observer.handle)
	req.NoError(err)

	// Then the late subscriber gets the current state first
	req.Eventually(func() bool { return len(observer.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
	initial := observer.snapshot()[0]
	req.Equal(contract.FrameSync, initial.Kind)
	req.Contains(initial.State, "alice")

	// When bob is tracked and alice leaves
	req.NoError(hub.Track(ctx, topic, "bob", []byte(`{"typing":false}`)))
	req.NoError(hub.Untrack(ctx, topic, "alice"))
	req.NoError(hub.Untrack(ctx, topic, "alice"))

	// Then every sync carries the whole state
	req.Eventually(func() bool { return len(observer.snapshot()) == 3 }, time.Second, 5*time.Millisecond)
	frames := observer.snapshot()
	req.Len(frames[1].State, 2)
	req.Len(frames[2].State, 1)
	req.Contains(frames[2].State, "bob")
}

func TestHub_SlowSubscriberIsDisconnected(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub, metrics := newHub(t, 1)

	// Given a subscriber whose handler is stuck
	release := make(chan struct{})
	defer close(release)
	sub, err := hub.Subscribe(ctx, "messages:group:1", func(contract.Frame) { <-release })
	req.NoError(err)

	// When more frames arrive than its queue holds
	for i := 0; i < 5; i++ {
		req.NoError(hub.Broadcast(ctx, "messages:group:1", []byte("x")))
	}

	// Then it is dropped with a disconnect
	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		req.Fail("subscriber should have been disconnected")
	}
	req.ErrorIs(sub.Err(), errors.ErrChannelDisconnected)
	req.GreaterOrEqual(testutil.ToFloat64(metrics.Dropped), float64(1))
	req.Zero(hub.Subscribers())
}

func TestHub_CloseAndDisconnect(t *testing.T) {
	req := require.New(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	hub, _ := newHub(t, 0)

	closed, err := hub.Subscribe(ctx, "t", func(contract.Frame) {})
	req.NoError(err)
	dropped, err := hub.Subscribe(ctx, "t", func(contract.Frame) {})
	req.NoError(err)

	// When one is closed by its owner
	closed.Close()
	closed.Close()
	<-closed.Done()
	req.NoError(closed.Err())

	// When the transport drops the topic
	hub.Disconnect("t")
	<-dropped.Done()
	req.ErrorIs(dropped.Err(), errors.ErrChannelDisconnected)
	req.Zero(hub.Subscribers())
}

func TestHub_ContextEndsSubscription(t *testing.T) {
	req := require.New(t)
	hub, _ := newHub(t, 0)
	ctx, cancel := context.WithCancel(context.Background())

	sub, err := hub.Subscribe(ctx, "t", func(contract.Frame) {})
	req.NoError(err)
	cancel()

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		req.Fail("subscription should end with its context")
	}
	req.NoError(sub.Err())

	_, err = hub.Subscribe(ctx, "t", func(contract.Frame) {})
	req.ErrorIs(err, context.Canceled)
}

func TestHub_CancelledSubscriptionsNeverLeak(t *testing.T) {
	req := require.New(t)
	hub, metrics := newHub(t, 0)

	// Given many subscriptions whose context ends right away
	for i := 0; i < 200; i++ {
		ctx, cancel := context.WithCancel(context.Background())
		sub, err := hub.Subscribe(ctx, "t", func(contract.Frame) {})
		req.NoError(err)
		cancel()

		// Then each one ends even if its delivery worker never ran
		select {
		case <-sub.Done():
		case <-time.After(time.Second):
			req.FailNow("subscription should end with its context", "iteration %d", i)
		}
	}

	// And nothing is left registered or counted
	req.Zero(hub.Subscribers())
	req.Empty(hub.registry.GetSinksForTopic("t"))
	req.Zero(testutil.ToFloat64(metrics.Subscribers))
}
