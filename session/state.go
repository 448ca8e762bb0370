package session

import (
	"chat-engine/domain"
	"chat-engine/presence"
	"time"

	"github.com/google/uuid"
)

type State int

const (
	Uninitialized State = iota
	Loading
	Ready
	Closed
)

func (s State) String() string {
	switch s {
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Closed:
		return "closed"
	default:
		return "uninitialized"
	}
}

// Snapshot is an immutable copy of what a session shows. A new one is
// published after every change, see Session.Changes.
type Snapshot struct {
	State        State
	Conversation domain.Conversation
	// ParentID is set on thread sessions.
	ParentID uuid.UUID
	// Messages holds confirmed messages by server timestamp, then pending
	// sends in issue order.
	Messages []domain.Message
	Typing   []string
	Online   []string
	Unread   int
	// Total counts top-level messages and replies, or the replies of a thread.
	Total    int
	HasOlder bool
	// Err is set once the channels could not be recovered.
	Err error
}

type Config struct {
	HistoryLimit int
	// MatchWindow bounds how far a confirmed message may be from a pending
	// send to replace it.
	MatchWindow            time.Duration
	TypingIdle             time.Duration
	ReadRetries            int
	RetryBackoff           time.Duration
	ResubscribeBackoff     time.Duration
	MaxResubscribeAttempts int
	Clock                  func() time.Time
}

func (c Config) withDefaults() Config {
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 50
	}
	if c.MatchWindow <= 0 {
		c.MatchWindow = 10 * time.Second
	}
	if c.TypingIdle <= 0 {
		c.TypingIdle = presence.DefaultIdle
	}
	if c.ReadRetries <= 0 {
		c.ReadRetries = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 100 * time.Millisecond
	}
	if c.ResubscribeBackoff <= 0 {
		c.ResubscribeBackoff = 250 * time.Millisecond
	}
	if c.MaxResubscribeAttempts <= 0 {
		c.MaxResubscribeAttempts = 5
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}
