package api

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type presenceRecorder struct {
	mu     sync.Mutex
	writes []Presence
	err    error
	// onWrite runs before a write is recorded.
	onWrite func(Presence)
}

func (r *presenceRecorder) SetPresence(ctx context.Context, uid string, presence Presence) error {
	if r.onWrite != nil {
		r.onWrite(presence)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.writes = append(r.writes, presence)
	return nil
}

func (r *presenceRecorder) WatchPresence(ctx context.Context, uid string, fn func(Presence, bool)) (Unsubscribe, error) {
	return func() {}, nil
}

func (r *presenceRecorder) count(p Presence) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, w := range r.writes {
		if w == p {
			n++
		}
	}
	return n
}

func (r *presenceRecorder) last() Presence {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writes[len(r.writes)-1]
}

var (
	typing  = Presence{Online: true, Typing: true}
	idle    = Presence{Online: true, Typing: false}
	offline = Presence{Online: false, Typing: false}
)

func newTestTracker() (*PresenceTracker, *presenceRecorder, *ManualClock) {
	repo := &presenceRecorder{}
	clock := NewManualClock(time.Date(2024, time.March, 15, 9, 0, 0, 0, time.UTC))
	tracker := NewPresenceTracker("u1", repo, clock, DefaultTypingDebounce, RetryPolicy{Attempts: 1})
	return tracker, repo, clock
}

func TestKeystrokesDebounceToOneIdleWrite(t *testing.T) {
	tracker, repo, clock := newTestTracker()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		tracker.Keystroke(ctx)
		clock.Advance(300 * time.Millisecond)
	}
	if got := repo.count(typing); got != 5 {
		t.Errorf("expected 5 typing writes, got %d", got)
	}
	if got := repo.count(idle); got != 0 {
		t.Fatalf("expected no idle write inside the window, got %d", got)
	}

	// The last keystroke was 300ms ago; the window closes 1.5s after it.
	clock.Advance(1199 * time.Millisecond)
	if got := repo.count(idle); got != 0 {
		t.Fatalf("expected no idle write before the window closes, got %d", got)
	}
	clock.Advance(time.Millisecond)
	if got := repo.count(idle); got != 1 {
		t.Fatalf("expected exactly 1 idle write, got %d", got)
	}

	clock.Advance(10 * time.Second)
	if got := repo.count(idle); got != 1 {
		t.Errorf("expected no further idle writes, got %d", got)
	}
	if tracker.Pending() {
		t.Errorf("expected no pending timer")
	}
}

func TestKeystrokeRestartsWindow(t *testing.T) {
	tracker, repo, clock := newTestTracker()
	ctx := context.Background()

	tracker.Keystroke(ctx)
	clock.Advance(1400 * time.Millisecond)
	tracker.Keystroke(ctx)
	clock.Advance(1400 * time.Millisecond)
	if got := repo.count(idle); got != 0 {
		t.Fatalf("expected the second keystroke to restart the window, got %d idle writes", got)
	}

	clock.Advance(100 * time.Millisecond)
	if got := repo.count(idle); got != 1 {
		t.Errorf("expected 1 idle write, got %d", got)
	}
}

func TestCancelDropsPendingIdleWrite(t *testing.T) {
	tracker, repo, clock := newTestTracker()

	tracker.Keystroke(context.Background())
	tracker.Cancel()
	clock.Advance(5 * time.Second)

	if got := repo.count(idle); got != 0 {
		t.Errorf("expected no idle write after cancel, got %d", got)
	}
	if tracker.Pending() {
		t.Errorf("expected no pending timer")
	}
}

func TestSendCompletedClearsTyping(t *testing.T) {
	tracker, repo, clock := newTestTracker()
	ctx := context.Background()

	tracker.Keystroke(ctx)
	tracker.SendCompleted(ctx)
	if got := repo.last(); got != idle {
		t.Errorf("expected %+v, got %+v", idle, got)
	}

	clock.Advance(5 * time.Second)
	if got := repo.count(idle); got != 1 {
		t.Errorf("expected the debounce to be dropped after a send, got %d idle writes", got)
	}
}

func TestLogoutWritesOffline(t *testing.T) {
	tracker, repo, clock := newTestTracker()
	ctx := context.Background()

	tracker.Keystroke(ctx)
	if err := tracker.Logout(ctx); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	clock.Advance(5 * time.Second)

	if got := repo.last(); got != offline {
		t.Errorf("expected the last write to be %+v, got %+v", offline, got)
	}
}

func TestLogoutReportsFailure(t *testing.T) {
	tracker, repo, _ := newTestTracker()
	repo.err = errors.New("unavailable")

	if err := tracker.Logout(context.Background()); err == nil {
		t.Errorf("expected an error")
	}
}

func TestPresenceLabel(t *testing.T) {
	tests := []struct {
		p    Presence
		want string
	}{
		{typing, "Typing..."},
		{idle, "Online"},
		{offline, "Offline"},
		{Presence{Typing: true}, "Offline"},
	}
	for _, tt := range tests {
		if got := tt.p.Label(); got != tt.want {
			t.Errorf("%+v: expected %q, got %q", tt.p, tt.want, got)
		}
	}
}

func TestKeystrokeCancelsPendingTimerBeforeWriting(t *testing.T) {
	tracker, repo, clock := newTestTracker()
	ctx := context.Background()

	tracker.Keystroke(ctx)
	clock.Advance(time.Second)

	var pendingDuringWrite bool
	repo.onWrite = func(p Presence) {
		if p == typing {
			pendingDuringWrite = tracker.Pending()
		}
	}
	tracker.Keystroke(ctx)
	repo.onWrite = nil

	if pendingDuringWrite {
		t.Errorf("expected the previous timer to be cancelled before the typing write")
	}
	clock.Advance(time.Second)
	if got := repo.count(idle); got != 0 {
		t.Errorf("expected no idle write from the replaced timer, got %d", got)
	}
	clock.Advance(500 * time.Millisecond)
	if got := repo.count(idle); got != 1 {
		t.Errorf("expected 1 idle write, got %d", got)
	}
}

func TestStoppedTrackerWritesNothing(t *testing.T) {
	tracker, repo, clock := newTestTracker()
	ctx := context.Background()

	tracker.Keystroke(ctx)
	tracker.Stop()
	tracker.Keystroke(ctx)
	tracker.MarkOnline(ctx)
	tracker.SendCompleted(ctx)
	clock.Advance(2 * time.Second)

	if got := len(repo.writes); got != 1 {
		t.Errorf("expected only the first typing write, got %v", repo.writes)
	}
	if tracker.Pending() {
		t.Errorf("expected no pending timer after Stop")
	}
}

func TestLogoutWaitsForWriteInFlight(t *testing.T) {
	tracker, repo, _ := newTestTracker()
	ctx := context.Background()

	entered := make(chan struct{})
	release := make(chan struct{})
	repo.onWrite = func(p Presence) {
		if p == idle {
			close(entered)
			<-release
		}
	}

	go tracker.MarkOnline(ctx)
	<-entered

	loggedOut := make(chan error, 1)
	go func() { loggedOut <- tracker.Logout(ctx) }()

	select {
	case <-loggedOut:
		t.Fatalf("expected Logout to wait for the online write")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)

	if err := <-loggedOut; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := repo.last(); got != offline {
		t.Errorf("expected offline to be the last write, got %+v", got)
	}
	repo.onWrite = nil

	tracker.MarkOnline(ctx)
	if got := repo.last(); got != offline {
		t.Errorf("expected no writes after logout, got %+v", got)
	}
}
