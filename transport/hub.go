// Package transport is the in-process pub/sub hub behind message
// notifications and presence. The ws subpackage exposes it over websockets.
package transport

import (
	"chat-engine/contract"
	"chat-engine/errors"
	"context"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const defaultBuffer = 256

// Hub fans frames out to topic subscribers.
// Each subscriber owns a bounded queue drained by a supervised delivery worker,
// so a handler never runs on the publisher goroutine and frames of one topic
// reach a subscriber in publish order. A subscriber whose queue overflows is
// disconnected with errors.ErrChannelDisconnected.
type Hub struct {
	mu         sync.Mutex
	registry   contract.IRegistry
	supervisor contract.ISupervisor
	log        *slog.Logger
	metrics    *Metrics
	buffer     int
	state      map[string]map[string][]byte // topic -> presence key -> value
	live       atomic.Int64
}

func NewHub(supervisor contract.ISupervisor, log *slog.Logger, metrics *Metrics, buffer int) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Hub{
		registry:   NewRegistry(),
		supervisor: supervisor,
		log:        log,
		metrics:    metrics,
		buffer:     buffer,
		state:      make(map[string]map[string][]byte),
	}
}

type subscriber struct {
	id      string
	topic   string
	frames  chan contract.Frame
	handler func(contract.Frame)
	done    chan struct{}
	cancel  context.CancelFunc
	once    sync.Once
	mu      sync.Mutex
	err     error
}

// Consume never blocks: a full queue is reported as a disconnect.
func (s *subscriber) Consume(ctx context.Context, frame contract.Frame) error {
	select {
	case <-s.done:
		return errors.ErrSessionClosed
	default:
	}
	select {
	case s.frames <- frame:
		return nil
	default:
		return errors.ErrChannelDisconnected
	}
}

func (s *subscriber) Done() <-chan struct{} { return s.done }

func (s *subscriber) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

type subscription struct {
	*subscriber
	hub *Hub
}

func (s subscription) Close() {
	s.hub.remove(s.subscriber, nil)
}

// deliveryWorker drains one subscriber queue into its handler.
type deliveryWorker struct {
	hub *Hub
	sub *subscriber
}

func (w deliveryWorker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			w.hub.remove(w.sub, nil)
			return nil
		case frame := <-w.sub.frames:
			select {
			case <-w.sub.done:
				return nil
			default:
			}
			w.sub.handler(frame)
		}
	}
}

func (h *Hub) Subscribe(ctx context.Context, topic string, handler func(contract.Frame)) (contract.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		id:      uuid.NewString(),
		topic:   topic,
		frames:  make(chan contract.Frame, h.buffer),
		handler: handler,
		done:    make(chan struct{}),
		cancel:  cancel,
	}

	h.mu.Lock()
	h.registry.Subscribe(sub.id, topic, sub)
	if current, ok := h.state[topic]; ok {
		sub.frames <- h.syncFrame(topic, current)
	}
	h.mu.Unlock()

	h.live.Add(1)
	h.metrics.Subscribers.Inc()
	h.log.Debug("Subscribed", "topic", topic, "subscriber_id", sub.id)
	// The worker may never be scheduled once subCtx is done.
	context.AfterFunc(subCtx, func() { h.remove(sub, nil) })
	h.supervisor.Start(subCtx, deliveryWorker{hub: h, sub: sub})
	return subscription{subscriber: sub, hub: h}, nil
}

func (h *Hub) Broadcast(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fanout(ctx, contract.Frame{Topic: topic, Kind: contract.FrameBroadcast, Payload: payload})
	return nil
}

// Track sets the presence value of key and re-syncs the full topic state.
func (h *Hub) Track(ctx context.Context, topic, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	current, ok := h.state[topic]
	if !ok {
		current = make(map[string][]byte)
		h.state[topic] = current
	}
	current[key] = value
	h.fanout(ctx, h.syncFrame(topic, current))
	return nil
}

func (h *Hub) Untrack(ctx context.Context, topic, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	current, ok := h.state[topic]
	if !ok {
		return nil
	}
	if _, tracked := current[key]; !tracked {
		return nil
	}
	delete(current, key)
	if len(current) == 0 {
		delete(h.state, topic)
	}
	h.fanout(ctx, h.syncFrame(topic, current))
	return nil
}

// Disconnect ends every subscription of a topic as a dropped transport would.
func (h *Hub) Disconnect(topic string) {
	for _, sink := range h.registry.GetSinksForTopic(topic) {
		if sub, ok := sink.(*subscriber); ok {
			h.remove(sub, errors.ErrChannelDisconnected)
		}
	}
}

func (h *Hub) syncFrame(topic string, current map[string][]byte) contract.Frame {
	return contract.Frame{Topic: topic, Kind: contract.FrameSync, State: maps.Clone(current)}
}

// fanout must be called with h.mu held.
func (h *Hub) fanout(ctx context.Context, frame contract.Frame) {
	for _, sink := range h.registry.GetSinksForTopic(frame.Topic) {
		err := sink.Consume(ctx, frame)
		switch {
		case err == nil:
			h.metrics.Delivered.WithLabelValues(string(frame.Kind)).Inc()
		case errors.Is(err, errors.ErrChannelDisconnected):
			h.metrics.Dropped.Inc()
			if sub, ok := sink.(*subscriber); ok {
				h.log.Warn("Subscriber too slow, disconnecting", "topic", frame.Topic, "subscriber_id", sub.id)
				h.remove(sub, errors.ErrChannelDisconnected)
			}
		}
	}
}

func (h *Hub) remove(sub *subscriber, cause error) {
	sub.once.Do(func() {
		h.registry.Unsubscribe(sub.id, sub.topic)
		sub.mu.Lock()
		sub.err = cause
		sub.mu.Unlock()
		h.live.Add(-1)
		h.metrics.Subscribers.Dec()
		if cause != nil {
			h.metrics.Disconnects.Inc()
		}
		close(sub.done)
		sub.cancel()
		h.log.Debug("Unsubscribed", "topic", sub.topic, "subscriber_id", sub.id, "cause", cause)
	})
}

// Subscribers counts live subscriptions.
func (h *Hub) Subscribers() int {
	return int(h.live.Load())
}
