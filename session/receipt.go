package session

import (
	"chat-engine/domain"
	"context"

	"github.com/google/uuid"
)

// Receipt follows one write until the store acknowledges or rejects it.
// By the time Done is closed, the local state already reflects the outcome.
type Receipt struct {
	// TempID is the id of the pending entry of a send.
	TempID  uuid.UUID
	done    chan struct{}
	message domain.Message
	err     error
}

func newReceipt(tempID uuid.UUID) *Receipt {
	return &Receipt{TempID: tempID, done: make(chan struct{})}
}

func resolved(m domain.Message, err error) *Receipt {
	r := newReceipt(uuid.Nil)
	r.resolve(m, err)
	return r
}

// resolve is only called from the session loop.
func (r *Receipt) resolve(m domain.Message, err error) {
	select {
	case <-r.done:
		return
	default:
	}
	r.message, r.err = m, err
	close(r.done)
}

func (r *Receipt) Done() <-chan struct{} { return r.done }

// Err is nil while the write is in flight.
func (r *Receipt) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Wait returns the stored message, zero for writes that return none.
func (r *Receipt) Wait(ctx context.Context) (domain.Message, error) {
	select {
	case <-r.done:
		return r.message, r.err
	case <-ctx.Done():
		return domain.Message{}, ctx.Err()
	}
}
