package presence

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type publisher interface {
	Publish(ctx context.Context, typing bool) error
}

// Typist turns keystrokes into typing publishes. While keys keep coming it
// refreshes the flag at most twice per idle window, so observers never
// expire an active typist. After an idle window without keystrokes it
// publishes the stop itself.
type Typist struct {
	handle  publisher
	log     *slog.Logger
	idle    time.Duration
	limiter *rate.Limiter

	mu     sync.Mutex
	typing bool
	timer  *time.Timer
	gen    uint64
	closed bool
}

func NewTypist(handle publisher, log *slog.Logger, idle time.Duration) *Typist {
	if idle <= 0 {
		idle = DefaultIdle
	}
	return &Typist{
		handle:  handle,
		log:     log,
		idle:    idle,
		limiter: rate.NewLimiter(rate.Every(idle/2), 1),
	}
}

// Keystroke marks the caller as typing.
func (t *Typist) Keystroke(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	publish := !t.typing || t.limiter.Allow()
	if !t.typing {
		t.limiter = rate.NewLimiter(rate.Every(t.idle/2), 1)
		t.limiter.Allow()
	}
	t.typing = true
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.idle, func() { t.expire(gen) })
	t.mu.Unlock()

	if publish {
		return t.handle.Publish(ctx, true)
	}
	return nil
}

// Stop publishes the end of typing right away.
func (t *Typist) Stop(ctx context.Context) error {
	t.mu.Lock()
	wasTyping := t.typing
	t.typing = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	if !wasTyping {
		return nil
	}
	return t.handle.Publish(ctx, false)
}

// expire ignores timers superseded by a later keystroke.
func (t *Typist) expire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || !t.typing {
		t.mu.Unlock()
		return
	}
	t.typing = false
	t.timer = nil
	t.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), t.idle)
	defer cancel()
	if err := t.handle.Publish(ctx, false); err != nil {
		t.log.Debug("Cannot publish typing stop", "error", err)
	}
}

// Close cancels the idle timer without publishing.
func (t *Typist) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.typing = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}
