package workers

import (
	"chat-engine/contract"
	"chat-engine/errors"
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultRestartDelay = 200 * time.Millisecond
	defaultMaxDelay     = 5 * time.Second
)

// Supervisor runs workers in their own goroutine and restarts the ones that
// panic or fail. A worker returning nil is done for good. Hub delivery
// workers are started on demand with Start, the long lived ones are
// registered with Add and launched by Run.
type Supervisor struct {
	mu       sync.Mutex
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	log      *slog.Logger
	workers  []contract.Worker
	delay    time.Duration
	maxDelay time.Duration
	restarts atomic.Int64
}

func NewSupervisor(log *slog.Logger) *Supervisor {
	return &Supervisor{log: log, delay: defaultRestartDelay, maxDelay: defaultMaxDelay}
}

// WithRestartDelay sets the first restart delay. It doubles on every
// consecutive crash of the same worker, up to maxDelay.
func (s *Supervisor) WithRestartDelay(delay, maxDelay time.Duration) *Supervisor {
	s.delay, s.maxDelay = delay, max(delay, maxDelay)
	return s
}

// Run starts the registered workers and blocks until all of them returned.
// Stop, or the end of ctx, stops them.
func (s *Supervisor) Run(ctx context.Context) {
	supervisedCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	workers := s.workers
	s.mu.Unlock()
	defer cancel()

	for _, worker := range workers {
		s.Start(supervisedCtx, worker)
	}
	s.wg.Wait()
}

func (s *Supervisor) Add(worker ...contract.Worker) contract.ISupervisor {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workers = append(s.workers, worker...)
	return s
}

// Start runs one worker under supervision until ctx ends or it returns nil.
func (s *Supervisor) Start(ctx context.Context, worker contract.Worker) {
	s.wg.Add(1)
	name := contract.GetWorkerName(worker)

	go func() {
		defer s.wg.Done()
		delay := s.delay
		for {
			if ctx.Err() != nil {
				s.log.Debug("Stopping worker", "name", name)
				return
			}

			started := time.Now()
			err := s.runOnce(ctx, worker)
			if err == nil {
				s.log.Debug("Worker finished", "name", name)
				return
			}
			if ctx.Err() != nil {
				s.log.Debug("Worker stopped (context canceled)", "name", name)
				return
			}

			// A worker that stayed up long enough starts over from the short delay.
			if time.Since(started) > s.maxDelay {
				delay = s.delay
			}
			s.restarts.Add(1)
			s.log.Warn("Worker crashed, restarting", "name", name, "error", err, "delay", delay)
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			delay = min(delay*2, s.maxDelay)
		}
	}()
}

func (s *Supervisor) runOnce(ctx context.Context, worker contract.Worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errors.ErrWorkerPanic, r)
		}
	}()
	return worker.Run(ctx)
}

// Restarts counts the restarts of every supervised worker so far.
func (s *Supervisor) Restarts() int64 { return s.restarts.Load() }

// Stop cancels the workers started by Run. Workers started with Start
// follow their own context.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}
