// Package mirror pushes optimistic local mutations to the persistence
// port in the background and classifies failures. Local state is never
// rolled back: validation-class failures are swallowed (the optimistic
// state is the correct one), transport-class failures become retryable
// notifications carrying the original call as a closure.
package mirror

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"canvasd/api/internal/canvas"
	"canvasd/api/internal/intent"
)

type Writer struct {
	region  string
	timeout time.Duration
	notify  func(intent.Notification)
	wg      sync.WaitGroup
}

// NewWriter creates a mirror writer for one region. notify may be nil,
// in which case failures are only logged.
func NewWriter(region string, timeout time.Duration, notify func(intent.Notification)) *Writer {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Writer{region: region, timeout: timeout, notify: notify}
}

// Go runs call on a background goroutine and classifies its error.
func (w *Writer) Go(op, cardID string, call func(ctx context.Context) error) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.run(op, cardID, call)
	}()
}

func (w *Writer) run(op, cardID string, call func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()

	err := call(ctx)
	if err == nil {
		return
	}
	if errors.Is(err, canvas.ErrValidation) {
		// The optimistic local state is correct; user-visible noise is
		// not warranted.
		log.Printf("mirror %s %s/%s: validation failure treated as success: %v", op, w.region, cardID, err)
		return
	}

	log.Printf("mirror %s %s/%s failed: %v", op, w.region, cardID, err)
	if w.notify == nil {
		return
	}
	w.notify(intent.Notification{
		Region:    w.region,
		CardID:    cardID,
		Op:        op,
		Err:       err,
		Retryable: true,
		Retry: func() {
			w.Go(op, cardID, call)
		},
	})
}

// Flush blocks until every outstanding mirror call has completed.
func (w *Writer) Flush() {
	w.wg.Wait()
}
