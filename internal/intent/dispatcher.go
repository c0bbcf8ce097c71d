package intent

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned by Dispatch after Close.
var ErrClosed = errors.New("intent dispatcher closed")

// Handler executes one intent. The dispatcher serializes calls, so
// handlers may touch region state without further locking.
type Handler func(Intent) (Result, error)

type envelope struct {
	in    Intent
	reply chan outcome
}

type outcome struct {
	result Result
	err    error
}

// Dispatcher serializes intents for one region onto a single consumer
// goroutine.
type Dispatcher struct {
	queue chan envelope
	done  chan struct{}
}

// NewDispatcher starts the consumer goroutine. depth bounds the number
// of queued intents; Dispatch blocks once the queue is full.
func NewDispatcher(handler Handler, depth int) *Dispatcher {
	if depth < 1 {
		depth = 16
	}
	d := &Dispatcher{
		queue: make(chan envelope, depth),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(d.done)
		for env := range d.queue {
			result, err := handler(env.in)
			env.reply <- outcome{result: result, err: err}
		}
	}()
	return d
}

// Dispatch enqueues an intent and waits for its outcome.
func (d *Dispatcher) Dispatch(ctx context.Context, in Intent) (Result, error) {
	env := envelope{in: in, reply: make(chan outcome, 1)}
	select {
	case d.queue <- env:
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-d.done:
		return Result{}, ErrClosed
	}
	select {
	case out := <-env.reply:
		return out.result, out.err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Close stops the consumer once queued intents drain. Dispatch calls
// racing Close may panic on the closed queue; callers stop producing
// before closing.
func (d *Dispatcher) Close() {
	close(d.queue)
	<-d.done
}

// Describe names an intent for logs and notifications.
func Describe(in Intent) string {
	switch in := in.(type) {
	case AddCard:
		return "add-card"
	case Minimize:
		return fmt.Sprintf("minimize %s", in.CardID)
	case Restore:
		return fmt.Sprintf("restore %s", in.CardID)
	case HalfScreen:
		return fmt.Sprintf("half-screen %s", in.CardID)
	case Expand:
		return fmt.Sprintf("expand %s", in.CardID)
	case Close:
		return fmt.Sprintf("close %s", in.CardID)
	default:
		return fmt.Sprintf("unknown intent %T", in)
	}
}
