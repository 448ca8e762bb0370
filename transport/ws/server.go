package ws

import (
	"chat-engine/auth"
	"chat-engine/contract"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"
)

type ServerConfig struct {
	// RequestsPerSecond bounds the requests of one connection, zero means unbounded.
	RequestsPerSecond float64
	Burst             int
	CheckOrigin       func(r *http.Request) bool
}

// Server upgrades authenticated requests and relays the protocol to a PubSub.
// It must sit behind auth.Middleware.
type Server struct {
	pubsub   contract.PubSub
	log      *slog.Logger
	cfg      ServerConfig
	upgrader websocket.Upgrader
	wg       sync.WaitGroup
	connsMu  sync.Mutex
	conns    map[*conn]struct{}
}

func NewServer(pubsub contract.PubSub, log *slog.Logger, cfg ServerConfig) *Server {
	if cfg.Burst <= 0 {
		cfg.Burst = 20
	}
	return &Server{
		pubsub: pubsub,
		log:    log,
		cfg:    cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

type conn struct {
	server  *Server
	ws      *websocket.Conn
	userID  string
	log     *slog.Logger
	send    chan []byte
	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	subs    map[string]contract.Subscription
	tracked map[string]struct{}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return
	}
	socket, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("Websocket upgrade failed", "user_id", userID, "error", err)
		return
	}

	limit := rate.Inf
	if s.cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(s.cfg.RequestsPerSecond)
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &conn{
		server:  s,
		ws:      socket,
		userID:  userID,
		log:     s.log.With("user_id", userID),
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(limit, s.cfg.Burst),
		ctx:     ctx,
		cancel:  cancel,
		subs:    make(map[string]contract.Subscription),
		tracked: make(map[string]struct{}),
	}
	s.connsMu.Lock()
	if s.conns == nil {
		s.conns = make(map[*conn]struct{})
	}
	s.conns[c] = struct{}{}
	s.connsMu.Unlock()
	c.log.Info("Client connected")

	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		c.writePump()
	}()
	go func() {
		defer s.wg.Done()
		c.readPump()
	}()
}

// Wait blocks until every connection has been released.
func (s *Server) Wait() {
	s.wg.Wait()
}

// Shutdown closes every live connection and waits for their release.
func (s *Server) Shutdown() {
	s.connsMu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.connsMu.Unlock()
	for _, c := range conns {
		c.cancel()
		_ = c.ws.Close()
	}
	s.wg.Wait()
}

func (c *conn) readPump() {
	defer c.release()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("Unexpected close", "error", err)
			}
			return
		}
		var request Request
		if err := json.Unmarshal(data, &request); err != nil {
			c.log.Debug("Invalid request", "error", err)
			continue
		}
		if !c.limiter.Allow() {
			c.ack(request.Ref, fmt.Errorf("rate limited"))
			continue
		}
		c.ack(request.Ref, c.handle(request))
	}
}

func (c *conn) handle(request Request) error {
	if request.Topic == "" {
		return fmt.Errorf("missing topic")
	}
	pubsub := c.server.pubsub
	switch request.Op {
	case OpSubscribe:
		return c.subscribe(request.Topic)
	case OpUnsubscribe:
		c.mu.Lock()
		sub, ok := c.subs[request.Topic]
		delete(c.subs, request.Topic)
		c.mu.Unlock()
		if ok {
			sub.Close()
		}
		return nil
	case OpBroadcast:
		return pubsub.Broadcast(c.ctx, request.Topic, request.Payload)
	case OpTrack:
		if request.Key != c.userID {
			return fmt.Errorf("cannot track presence of %q", request.Key)
		}
		if err := pubsub.Track(c.ctx, request.Topic, request.Key, request.Payload); err != nil {
			return err
		}
		c.mu.Lock()
		c.tracked[request.Topic] = struct{}{}
		c.mu.Unlock()
		return nil
	case OpUntrack:
		if request.Key != c.userID {
			return fmt.Errorf("cannot untrack presence of %q", request.Key)
		}
		c.mu.Lock()
		delete(c.tracked, request.Topic)
		c.mu.Unlock()
		return pubsub.Untrack(c.ctx, request.Topic, request.Key)
	default:
		return fmt.Errorf("unknown op %q", request.Op)
	}
}

func (c *conn) subscribe(topic string) error {
	c.mu.Lock()
	_, exists := c.subs[topic]
	c.mu.Unlock()
	if exists {
		return nil
	}
	sub, err := c.server.pubsub.Subscribe(c.ctx, topic, func(frame contract.Frame) {
		c.push(Reply{Type: ReplyFrame, Topic: topic, Frame: &frame})
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.subs[topic] = sub
	c.mu.Unlock()

	go func() {
		<-sub.Done()
		c.mu.Lock()
		current, ok := c.subs[topic]
		if ok && current == sub {
			delete(c.subs, topic)
		}
		c.mu.Unlock()
		if err := sub.Err(); err != nil && ok {
			c.push(Reply{Type: ReplyClosed, Topic: topic, Error: err.Error()})
		}
	}()
	return nil
}

func (c *conn) ack(ref string, err error) {
	reply := Reply{Type: ReplyAck, Ref: ref}
	if err != nil {
		reply.Error = err.Error()
	}
	c.push(reply)
}

// push drops the connection when the client does not keep up.
func (c *conn) push(reply Reply) {
	data, err := json.Marshal(reply)
	if err != nil {
		c.log.Error("Cannot encode reply", "error", err)
		return
	}
	select {
	case <-c.ctx.Done():
	case c.send <- data:
	default:
		c.log.Warn("Client too slow, closing connection")
		c.cancel()
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case <-c.ctx.Done():
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.cancel()
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		}
	}
}

// release ends subscriptions and presence entries owned by the connection.
func (c *conn) release() {
	c.cancel()
	_ = c.ws.Close()

	c.server.connsMu.Lock()
	delete(c.server.conns, c)
	c.server.connsMu.Unlock()

	c.mu.Lock()
	subs := c.subs
	tracked := c.tracked
	c.subs = map[string]contract.Subscription{}
	c.tracked = map[string]struct{}{}
	c.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	for topic := range tracked {
		if err := c.server.pubsub.Untrack(ctx, topic, c.userID); err != nil {
			c.log.Warn("Cannot untrack presence", "topic", topic, "error", err)
		}
	}
	c.log.Info("Client disconnected")
}
