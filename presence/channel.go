// Package presence publishes and observes ephemeral typing and online state
// of a conversation. Nothing here is persisted.
package presence

import (
	"chat-engine/contract"
	"chat-engine/domain"
	"chat-engine/errors"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// Channel joins presence topics on a pub/sub transport.
type Channel struct {
	pubsub   contract.PubSub
	log      *slog.Logger
	validate *validator.Validate
	now      func() time.Time
}

func NewChannel(pubsub contract.PubSub, log *slog.Logger, now func() time.Time) *Channel {
	if now == nil {
		now = time.Now
	}
	return &Channel{pubsub: pubsub, log: log, validate: validator.New(), now: now}
}

// Handle is one participant joined to one conversation topic.
type Handle struct {
	channel *Channel
	topic   string
	selfID  string

	mu  sync.Mutex
	sub contract.Subscription
}

// Join tracks the caller as online. Every subscriber of the topic receives
// a full-state sync that now includes the caller.
func (c *Channel) Join(ctx context.Context, ref domain.ConversationRef, selfID string) (*Handle, error) {
	h := &Handle{channel: c, topic: ref.PresenceTopic(), selfID: selfID}
	if err := h.Publish(ctx, false); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Handle) Topic() string { return h.topic }

// Publish replaces the caller's entry. Last value wins per participant.
func (h *Handle) Publish(ctx context.Context, typing bool) error {
	entry := domain.PresenceEntry{UserID: h.selfID, Typing: typing, LastSeen: h.channel.now().UTC()}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	return h.channel.pubsub.Track(ctx, h.topic, h.selfID, payload)
}

// Subscribe delivers every sync as a decoded state. Entries failing
// validation are dropped, the rest of the snapshot still applies.
func (h *Handle) Subscribe(ctx context.Context, onSync func(domain.PresenceState)) error {
	sub, err := h.channel.pubsub.Subscribe(ctx, h.topic, func(frame contract.Frame) {
		if frame.Kind != contract.FrameSync {
			return
		}
		onSync(h.channel.decode(frame))
	})
	if err != nil {
		return err
	}
	h.mu.Lock()
	previous := h.sub
	h.sub = sub
	h.mu.Unlock()
	if previous != nil {
		previous.Close()
	}
	return nil
}

func (c *Channel) decode(frame contract.Frame) domain.PresenceState {
	state := make(domain.PresenceState, len(frame.State))
	for key, raw := range frame.State {
		var entry domain.PresenceEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			c.log.Debug("Dropping undecodable presence entry", "topic", frame.Topic, "key", key, "error", err)
			continue
		}
		if err := c.validate.Struct(entry); err != nil || entry.UserID != key {
			c.log.Debug("Dropping invalid presence entry", "topic", frame.Topic, "key", key)
			continue
		}
		state[key] = entry
	}
	return state
}

// Done is closed when the current subscription ends.
func (h *Handle) Done() <-chan struct{} {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sub == nil {
		return nil
	}
	return h.sub.Done()
}

func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.sub == nil {
		return nil
	}
	return h.sub.Err()
}

// Leave stops observing and removes the caller's entry.
func (h *Handle) Leave(ctx context.Context) error {
	h.mu.Lock()
	sub := h.sub
	h.sub = nil
	h.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
	if err := h.channel.pubsub.Untrack(ctx, h.topic, h.selfID); err != nil && !errors.Is(err, errors.ErrChannelDisconnected) {
		return fmt.Errorf("leave %s: %w", h.topic, err)
	}
	return nil
}
