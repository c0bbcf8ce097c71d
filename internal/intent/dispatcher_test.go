package intent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestDispatchRunsHandlerAndReturnsResult(t *testing.T) {
	d := NewDispatcher(func(in Intent) (Result, error) {
		m, ok := in.(Minimize)
		if !ok {
			t.Fatalf("unexpected intent %T", in)
		}
		return Result{CardID: m.CardID}, nil
	}, 4)
	defer d.Close()

	result, err := d.Dispatch(context.Background(), Minimize{CardID: "card-1"})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if result.CardID != "card-1" {
		t.Fatalf("expected card-1, got %s", result.CardID)
	}
}

func TestDispatchPropagatesHandlerError(t *testing.T) {
	boom := errors.New("boom")
	d := NewDispatcher(func(Intent) (Result, error) {
		return Result{}, boom
	}, 4)
	defer d.Close()

	if _, err := d.Dispatch(context.Background(), Expand{CardID: "x"}); !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}
}

func TestDispatcherSerializesConcurrentCallers(t *testing.T) {
	var active, maxActive int
	var mu sync.Mutex
	d := NewDispatcher(func(Intent) (Result, error) {
		mu.Lock()
		active++
		if active > maxActive {
			maxActive = active
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		active--
		mu.Unlock()
		return Result{}, nil
	}, 8)
	defer d.Close()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := d.Dispatch(context.Background(), Restore{CardID: "c"}); err != nil {
				t.Errorf("dispatch: %v", err)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if maxActive != 1 {
		t.Fatalf("handler must never run concurrently, saw %d", maxActive)
	}
}

func TestDispatchHonorsContextWhileQueued(t *testing.T) {
	release := make(chan struct{})
	d := NewDispatcher(func(Intent) (Result, error) {
		<-release
		return Result{}, nil
	}, 1)
	defer func() {
		close(release)
		d.Close()
	}()

	// Occupy the consumer and fill the queue.
	go d.Dispatch(context.Background(), Close{CardID: "a"}) //nolint:errcheck
	time.Sleep(10 * time.Millisecond)
	go d.Dispatch(context.Background(), Close{CardID: "b"}) //nolint:errcheck
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := d.Dispatch(ctx, Close{CardID: "c"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDescribe(t *testing.T) {
	if got := Describe(Minimize{CardID: "c1"}); got != "minimize c1" {
		t.Fatalf("got %q", got)
	}
	if got := Describe(AddCard{CardType: "chart"}); got != "add-card" {
		t.Fatalf("got %q", got)
	}
}
