package relay

import (
	"context"
	"time"

	"callconsole/internal/sessions"
)

// DefaultPollInterval is the relay poll period.
const DefaultPollInterval = 2500 * time.Millisecond

// Fetcher is the read side a subscription polls.
type Fetcher interface {
	Fetch(ctx context.Context, code string) (sessions.Session, error)
}

// Event is one poll outcome: a full snapshot, or Err when the fetch failed.
// A failed fetch does not end the subscription.
type Event struct {
	Session sessions.Session
	Err     error
}

// Subscription is a running poll loop. Stop may be called any number of
// times, from any goroutine, including from inside the event callback.
type Subscription struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Subscribe polls code immediately and then every interval, delivering each
// outcome to fn. Exactly one fetch is in flight at a time and fn runs on the
// poll goroutine, so a slow fn delays the next poll rather than overlapping it.
func Subscribe(ctx context.Context, f Fetcher, code string, interval time.Duration, fn func(Event)) *Subscription {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ctx, cancel := context.WithCancel(ctx)
	s := &Subscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(s.done)
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			sess, err := f.Fetch(ctx, code)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				fn(Event{Err: err})
			} else {
				fn(Event{Session: sess})
			}

			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
	return s
}

// Stop cancels the poll loop without waiting for it to exit.
func (s *Subscription) Stop() {
	if s != nil {
		s.cancel()
	}
}

// Done is closed once the poll goroutine has exited.
func (s *Subscription) Done() <-chan struct{} {
	return s.done
}
