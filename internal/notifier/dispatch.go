package notifier

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/pauljones0/pricefeed/internal/models"
)

var (
	ErrQueueFull = errors.New("notification queue full")
	ErrClosed    = errors.New("notifier closed")
)

// BreakerNotifier delivers one blocked-run alert.
type BreakerNotifier interface {
	NotifyBreaker(ctx context.Context, ev models.BreakerEvent) error
}

// Fanout delivers an alert to every notifier and joins their errors.
type Fanout []BreakerNotifier

func (f Fanout) NotifyBreaker(ctx context.Context, ev models.BreakerEvent) error {
	var errs []error
	for _, n := range f {
		if n == nil {
			continue
		}
		if err := n.NotifyBreaker(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Async hands alerts to a background goroutine so callers never wait on delivery.
type Async struct {
	next    BreakerNotifier
	timeout time.Duration
	events  chan models.BreakerEvent
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

func NewAsync(next BreakerNotifier, buffer int, timeout time.Duration) *Async {
	if buffer <= 0 {
		buffer = 64
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	a := &Async{next: next, timeout: timeout, events: make(chan models.BreakerEvent, buffer)}
	a.wg.Add(1)
	go a.loop()
	return a
}

// NotifyBreaker queues the event. It fails when the buffer is full or the dispatcher is closed.
func (a *Async) NotifyBreaker(_ context.Context, ev models.BreakerEvent) error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return ErrClosed
	}
	select {
	case a.events <- ev:
		return nil
	default:
		return ErrQueueFull
	}
}

func (a *Async) loop() {
	defer a.wg.Done()
	for ev := range a.events {
		ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
		if err := a.next.NotifyBreaker(ctx, ev); err != nil {
			slog.Error("Failed to deliver breaker notification", "run_id", ev.RunID, "reason", ev.Reason, "error", err)
		}
		cancel()
	}
}

// Close stops accepting events and waits for queued ones to be delivered.
func (a *Async) Close() {
	a.mu.Lock()
	if !a.closed {
		a.closed = true
		close(a.events)
	}
	a.mu.Unlock()
	a.wg.Wait()
}
