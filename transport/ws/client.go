package ws

import (
	"chat-engine/contract"
	"chat-engine/errors"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
)

// Client implements contract.PubSub on a single relay connection.
// Frames are dispatched from the read loop in arrival order, so handlers must
// not block. When the connection drops, every subscription ends with
// errors.ErrChannelDisconnected.
type Client struct {
	ws  *websocket.Conn
	log *slog.Logger
	seq atomic.Uint64

	writeMu sync.Mutex

	mu      sync.Mutex
	topics  map[string]map[*clientSub]struct{}
	pending map[string]chan error
	closed  bool
	done    chan struct{}
}

// Dial connects to a relay endpoint with a bearer token.
func Dial(ctx context.Context, url, token string, log *slog.Logger) (*Client, error) {
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	socket, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errors.ErrChannelDisconnected, err)
	}
	c := &Client{
		ws:      socket,
		log:     log,
		topics:  make(map[string]map[*clientSub]struct{}),
		pending: make(map[string]chan error),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

type clientSub struct {
	client  *Client
	topic   string
	handler func(contract.Frame)
	done    chan struct{}
	once    sync.Once
	err     error
}

func (s *clientSub) Done() <-chan struct{} { return s.done }

func (s *clientSub) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

func (s *clientSub) Close() {
	s.client.detach(s, nil)
}

func (s *clientSub) end(err error) {
	s.once.Do(func() {
		s.err = err
		close(s.done)
	})
}

func (c *Client) Subscribe(ctx context.Context, topic string, handler func(contract.Frame)) (contract.Subscription, error) {
	sub := &clientSub{client: c, topic: topic, handler: handler, done: make(chan struct{})}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errors.ErrChannelDisconnected
	}
	subs, exists := c.topics[topic]
	if !exists {
		subs = make(map[*clientSub]struct{})
		c.topics[topic] = subs
	}
	subs[sub] = struct{}{}
	c.mu.Unlock()

	if !exists {
		if err := c.request(ctx, Request{Op: OpSubscribe, Topic: topic}); err != nil {
			c.detach(sub, err)
			return nil, err
		}
	}
	go func() {
		select {
		case <-ctx.Done():
			c.detach(sub, nil)
		case <-sub.done:
		}
	}()
	return sub, nil
}

func (c *Client) Broadcast(ctx context.Context, topic string, payload []byte) error {
	return c.request(ctx, Request{Op: OpBroadcast, Topic: topic, Payload: payload})
}

func (c *Client) Track(ctx context.Context, topic, key string, value []byte) error {
	return c.request(ctx, Request{Op: OpTrack, Topic: topic, Key: key, Payload: value})
}

func (c *Client) Untrack(ctx context.Context, topic, key string) error {
	return c.request(ctx, Request{Op: OpUntrack, Topic: topic, Key: key})
}

// Done is closed once the connection is gone.
func (c *Client) Done() <-chan struct{} { return c.done }

// Close ends the connection and every subscription.
func (c *Client) Close() error {
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
	return c.ws.Close()
}

func (c *Client) request(ctx context.Context, request Request) error {
	request.Ref = strconv.FormatUint(c.seq.Add(1), 10)
	ack := make(chan error, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.ErrChannelDisconnected
	}
	c.pending[request.Ref] = ack
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, request.Ref)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(request)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	err = c.ws.WriteMessage(websocket.TextMessage, data)
	c.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("%w: %v", errors.ErrChannelDisconnected, err)
	}

	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-c.done:
		return errors.ErrChannelDisconnected
	}
}

func (c *Client) readLoop() {
	defer c.shutdown()
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.log.Debug("Relay connection ended", "error", err)
			return
		}
		var reply Reply
		if err := json.Unmarshal(data, &reply); err != nil {
			c.log.Warn("Invalid relay reply", "error", err)
			continue
		}
		switch reply.Type {
		case ReplyAck:
			c.mu.Lock()
			ack, ok := c.pending[reply.Ref]
			c.mu.Unlock()
			if !ok {
				continue
			}
			if reply.Error != "" {
				ack <- errors.New(reply.Error)
			} else {
				ack <- nil
			}
		case ReplyFrame:
			if reply.Frame == nil {
				continue
			}
			for _, sub := range c.subscribers(reply.Topic) {
				sub.handler(*reply.Frame)
			}
		case ReplyClosed:
			c.mu.Lock()
			subs := c.topics[reply.Topic]
			delete(c.topics, reply.Topic)
			c.mu.Unlock()
			for sub := range subs {
				sub.end(errors.ErrChannelDisconnected)
			}
		}
	}
}

func (c *Client) subscribers(topic string) []*clientSub {
	c.mu.Lock()
	defer c.mu.Unlock()
	subs := make([]*clientSub, 0, len(c.topics[topic]))
	for sub := range c.topics[topic] {
		subs = append(subs, sub)
	}
	return subs
}

// detach removes a subscription and unsubscribes the topic once unused.
func (c *Client) detach(sub *clientSub, cause error) {
	c.mu.Lock()
	subs, ok := c.topics[sub.topic]
	last := false
	if ok {
		if _, member := subs[sub]; member {
			delete(subs, sub)
			if len(subs) == 0 {
				delete(c.topics, sub.topic)
				last = true
			}
		}
	}
	closed := c.closed
	c.mu.Unlock()
	sub.end(cause)

	if last && !closed && cause == nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			defer cancel()
			if err := c.request(ctx, Request{Op: OpUnsubscribe, Topic: sub.topic}); err != nil {
				c.log.Debug("Unsubscribe failed", "topic", sub.topic, "error", err)
			}
		}()
	}
}

func (c *Client) shutdown() {
	c.mu.Lock()
	c.closed = true
	topics := c.topics
	c.topics = make(map[string]map[*clientSub]struct{})
	c.mu.Unlock()
	close(c.done)
	_ = c.ws.Close()

	for _, subs := range topics {
		for sub := range subs {
			sub.end(errors.ErrChannelDisconnected)
		}
	}
}
