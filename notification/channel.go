// Package notification broadcasts message lifecycle hints per conversation.
// Events only say that a message changed; receivers refetch it from the store.
package notification

import (
	"chat-engine/contract"
	"chat-engine/domain"
	"chat-engine/domain/event"
	"chat-engine/errors"
	"context"
	"fmt"
	"log/slog"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

type Channel struct {
	pubsub   contract.PubSub
	log      *slog.Logger
	validate *validator.Validate
}

func NewChannel(pubsub contract.PubSub, log *slog.Logger) *Channel {
	return &Channel{pubsub: pubsub, log: log, validate: validator.New()}
}

// Handle is one subscription to a conversation topic.
type Handle struct {
	ref domain.ConversationRef
	sub contract.Subscription
}

func (h *Handle) Ref() domain.ConversationRef { return h.ref }

// Done is closed when the subscription ends, Err tells whether the
// transport dropped it.
func (h *Handle) Done() <-chan struct{} { return h.sub.Done() }
func (h *Handle) Err() error            { return h.sub.Err() }

// Encode validates an event before it leaves the process.
func (c *Channel) Encode(evt event.MessageEvent) ([]byte, error) {
	if err := c.validate.Struct(evt); err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err)
	}
	return json.Marshal(evt)
}

// Decode is the inbound boundary: anything that is not a well formed event
// is rejected.
func (c *Channel) Decode(payload []byte) (event.MessageEvent, error) {
	var evt event.MessageEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return event.MessageEvent{}, fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err)
	}
	if err := c.validate.Struct(evt); err != nil {
		return event.MessageEvent{}, fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err)
	}
	return evt, nil
}

func (c *Channel) Publish(ctx context.Context, evt event.MessageEvent) error {
	payload, err := c.Encode(evt)
	if err != nil {
		return err
	}
	return c.pubsub.Broadcast(ctx, evt.Conversation.Topic(), payload)
}

// Subscribe delivers the valid events of one conversation in arrival order.
func (c *Channel) Subscribe(ctx context.Context, ref domain.ConversationRef, onEvent func(event.MessageEvent)) (*Handle, error) {
	topic := ref.Topic()
	sub, err := c.pubsub.Subscribe(ctx, topic, func(frame contract.Frame) {
		if frame.Kind != contract.FrameBroadcast {
			return
		}
		evt, err := c.Decode(frame.Payload)
		if err != nil {
			c.log.Warn("Dropping malformed message event", "topic", topic, "error", err)
			return
		}
		if evt.Conversation != ref {
			c.log.Warn("Dropping message event of another conversation", "topic", topic, "conversation", evt.Conversation.String())
			return
		}
		onEvent(evt)
	})
	if err != nil {
		return nil, err
	}
	return &Handle{ref: ref, sub: sub}, nil
}

func (c *Channel) Unsubscribe(h *Handle) {
	if h != nil {
		h.sub.Close()
	}
}
