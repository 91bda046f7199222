package api

import (
	"context"
	"sync"
	"time"

	"directChat/pkg/metrics"
	"github.com/rs/zerolog/log"
)

// DefaultTypingDebounce is how long after the last keystroke the typing
// flag is cleared.
const DefaultTypingDebounce = 1500 * time.Millisecond

// Timer is a pending call scheduled by a Clock.
type Timer interface {
	Stop() bool
}

// Clock schedules the debounce timer.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time {
	return time.Now()
}

func (systemClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// PresenceTracker publishes the online and typing flags of one participant.
type PresenceTracker struct {
	uid      string
	repo     PresenceRepository
	clock    Clock
	debounce time.Duration
	retry    RetryPolicy

	mu    sync.Mutex
	timer Timer
	// armed is bumped whenever the pending timer is replaced or cancelled;
	// a timer that fires with a stale value does nothing.
	armed   uint64
	stopped bool

	// writeMu serializes presence writes. Once stopped is set under it no
	// online write can follow.
	writeMu sync.Mutex
}

func NewPresenceTracker(uid string, repo PresenceRepository, clock Clock, debounce time.Duration, retry RetryPolicy) *PresenceTracker {
	if clock == nil {
		clock = SystemClock
	}
	if debounce <= 0 {
		debounce = DefaultTypingDebounce
	}
	return &PresenceTracker{
		uid:      uid,
		repo:     repo,
		clock:    clock,
		debounce: debounce,
		retry:    retry,
	}
}

// Keystroke marks the participant as typing and restarts the debounce
// window. When the window closes without another keystroke the typing flag
// is cleared.
func (p *PresenceTracker) Keystroke(ctx context.Context) {
	p.Cancel()
	p.publish(ctx, Presence{Online: true, Typing: true}, "typing")

	// The timer outlives the request that armed it; teardown stops it.
	timerCtx := context.WithoutCancel(ctx)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return
	}
	p.stopLocked()
	armed := p.armed
	p.timer = p.clock.AfterFunc(p.debounce, func() {
		p.mu.Lock()
		if armed != p.armed {
			p.mu.Unlock()
			return
		}
		p.timer = nil
		p.mu.Unlock()

		p.publish(timerCtx, Presence{Online: true, Typing: false}, "online")
	})
}

// MarkOnline publishes the participant as online and not typing.
func (p *PresenceTracker) MarkOnline(ctx context.Context) {
	p.publish(ctx, Presence{Online: true, Typing: false}, "online")
}

// SendCompleted clears the typing flag once a message went out. A pending
// debounce timer is dropped since it would write the same state again.
func (p *PresenceTracker) SendCompleted(ctx context.Context) {
	p.Cancel()
	p.publish(ctx, Presence{Online: true, Typing: false}, "online")
}

// Logout stops the tracker and publishes the participant as offline. The
// offline write is the last write of the tracker.
func (p *PresenceTracker) Logout(ctx context.Context) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.stop()

	err := Retry(ctx, p.retry, "presence", func(ctx context.Context) error {
		return p.repo.SetPresence(ctx, p.uid, Presence{Online: false, Typing: false})
	})
	if err != nil {
		metrics.StoreFailures.WithLabelValues("presence").Inc()
		return err
	}
	metrics.PresenceWrites.WithLabelValues("offline").Inc()
	return nil
}

// Stop cancels the debounce timer and turns later online and typing
// writes into no-ops. It returns once a write in flight has finished.
func (p *PresenceTracker) Stop() {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.stop()
}

func (p *PresenceTracker) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	p.stopLocked()
}

// Cancel stops a pending debounce timer. It must be called when the view
// is torn down or the conversation changes.
func (p *PresenceTracker) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
}

// Pending reports whether a debounce timer is armed.
func (p *PresenceTracker) Pending() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.timer != nil
}

func (p *PresenceTracker) stopLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	p.armed++
}

func (p *PresenceTracker) publish(ctx context.Context, presence Presence, state string) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if stopped {
		return
	}

	err := Retry(ctx, p.retry, "presence", func(ctx context.Context) error {
		return p.repo.SetPresence(ctx, p.uid, presence)
	})
	if err != nil {
		metrics.StoreFailures.WithLabelValues("presence").Inc()
		log.Error().Err(err).Str("uid", p.uid).Msg("Unable to update presence")
		return
	}
	metrics.PresenceWrites.WithLabelValues(state).Inc()
}
