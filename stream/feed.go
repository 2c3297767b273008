package stream

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/wayfound/convoy"
	"github.com/wayfound/convoy/backoff"
	"github.com/wayfound/convoy/job"
)

// DefaultReconnectAttempts bounds watch-channel reconnects before a
// subscription surfaces a terminal error.
const DefaultReconnectAttempts = 5

// Feed bridges a store's change-notification channel into per-owner
// subscriptions. Every observed insert or update becomes a normalized
// job.updated event; the transition into a terminal status additionally
// raises the matching completed/failed/cancelled event, exactly once
// per job, and only when the previously observed status was
// non-terminal.
//
// A dropped watch channel is reconnected with the configured backoff
// (linear by default: attempt n waits n times the base delay) up to the
// attempt bound, after which the subscription closes with a terminal
// error. Reconnects carry no replay; consumers reconcile by re-fetching
// current row state.
type Feed struct {
	watcher job.Watcher
	logger  *slog.Logger

	reconnect   backoff.Strategy
	maxAttempts int
	buffer      int
}

// FeedOption configures a Feed.
type FeedOption func(*Feed)

// WithReconnectBackoff sets the delay strategy between reconnect attempts.
func WithReconnectBackoff(s backoff.Strategy) FeedOption {
	return func(f *Feed) { f.reconnect = s }
}

// WithMaxReconnectAttempts bounds consecutive reconnect attempts.
func WithMaxReconnectAttempts(n int) FeedOption {
	return func(f *Feed) { f.maxAttempts = n }
}

// WithFeedBuffer sets the per-subscription event buffer size.
func WithFeedBuffer(n int) FeedOption {
	return func(f *Feed) { f.buffer = n }
}

// NewFeed creates a Feed over the given watcher.
func NewFeed(watcher job.Watcher, logger *slog.Logger, opts ...FeedOption) *Feed {
	f := &Feed{
		watcher:     watcher,
		logger:      logger,
		reconnect:   backoff.NewLinear(time.Second, 30*time.Second),
		maxAttempts: DefaultReconnectAttempts,
		buffer:      DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Subscription is one consumer's view of an owner's job mutations.
// Events arrive on C in store-delivery order. When C closes, Err
// reports why: nil after Close or context cancellation, a terminal
// connection error after reconnects are exhausted.
type Subscription struct {
	owner  string
	ch     chan *Event
	cancel context.CancelFunc

	done chan struct{}
	err  error

	closeOnce sync.Once
}

// Owner returns the principal this subscription is scoped to.
func (s *Subscription) Owner() string { return s.owner }

// C returns the event channel. It closes when the subscription ends.
func (s *Subscription) C() <-chan *Event { return s.ch }

// Err returns the terminal error, or nil. Valid after C closes.
func (s *Subscription) Err() error {
	select {
	case <-s.done:
		return s.err
	default:
		return nil
	}
}

// Close ends the subscription and releases its watch.
func (s *Subscription) Close() {
	s.closeOnce.Do(s.cancel)
}

// finish records the terminal error and closes the event channel.
func (s *Subscription) finish(err error) {
	s.err = err
	close(s.done)
	close(s.ch)
}

// Subscribe opens a subscription for one owner's jobs. The initial
// watch is established before Subscribe returns; reconnects after that
// happen behind the scenes.
func (f *Feed) Subscribe(ctx context.Context, owner string) (*Subscription, error) {
	watchCtx, cancel := context.WithCancel(ctx)

	ch, err := f.watcher.WatchJobs(watchCtx, owner)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("stream: watch jobs for %s: %w", owner, err)
	}

	sub := &Subscription{
		owner:  owner,
		ch:     make(chan *Event, f.buffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go f.pump(watchCtx, sub, ch)
	return sub, nil
}

// pump forwards changes to the subscription until the context ends or
// reconnects are exhausted.
func (f *Feed) pump(ctx context.Context, sub *Subscription, ch <-chan job.Change) {
	// last holds the most recently observed status per job, the state
	// needed to detect the single non-terminal → terminal edge.
	last := make(map[string]job.Status)

	for {
		select {
		case <-ctx.Done():
			sub.finish(nil)
			return
		case change, ok := <-ch:
			if !ok {
				next, err := f.rewatch(ctx, sub.owner)
				if err != nil {
					if ctx.Err() != nil {
						sub.finish(nil)
					} else {
						sub.finish(err)
					}
					return
				}
				ch = next
				continue
			}
			f.deliver(ctx, sub, last, change)
		}
	}
}

// deliver emits the normalized update and, on a terminal edge, the
// matching terminal event.
func (f *Feed) deliver(ctx context.Context, sub *Subscription, last map[string]job.Status, change job.Change) {
	j := change.Job
	key := j.ID.String()
	prev, seen := last[key]
	last[key] = j.Status

	f.emit(ctx, sub, &Event{
		Type:      EventJobUpdated,
		Timestamp: time.Now().UTC(),
		Topic:     OwnerTopic(sub.owner),
		Data:      mustMarshal(NewJobUpdate(j)),
	})

	// A terminal event fires only on the observed edge: a row first
	// seen already terminal, or edited while terminal, stays silent.
	if !j.Status.IsTerminal() || !seen || prev.IsTerminal() {
		return
	}
	evtType, ok := terminalEventType(j.Status)
	if !ok {
		return
	}
	f.emit(ctx, sub, &Event{
		Type:      evtType,
		Timestamp: time.Now().UTC(),
		Topic:     OwnerTopic(sub.owner),
		Data:      mustMarshal(NewJobUpdate(j)),
	})
}

func (f *Feed) emit(ctx context.Context, sub *Subscription, evt *Event) {
	select {
	case sub.ch <- evt:
	case <-ctx.Done():
	}
}

// rewatch re-establishes the watch with bounded backoff. The filter is
// rebuilt from scratch; nothing observed during the gap is replayed.
func (f *Feed) rewatch(ctx context.Context, owner string) (<-chan job.Change, error) {
	var lastErr error
	for attempt := 1; attempt <= f.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(f.reconnect.Delay(attempt)):
		}

		ch, err := f.watcher.WatchJobs(ctx, owner)
		if err == nil {
			f.logger.Info("watch channel reconnected",
				slog.String("owner", owner),
				slog.Int("attempt", attempt),
			)
			return ch, nil
		}
		lastErr = err
		f.logger.Warn("watch reconnect failed",
			slog.String("owner", owner),
			slog.Int("attempt", attempt),
			slog.String("error", err.Error()),
		)
	}
	if lastErr == nil {
		lastErr = convoy.ErrSubscriptionClosed
	}
	return nil, fmt.Errorf("stream: watch for %s lost after %d reconnect attempts: %w",
		owner, f.maxAttempts, lastErr)
}
