package services

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"marketplace/backend/logger"
	"marketplace/backend/models"
)

// --- Manual clock ---

type manualClock struct {
	mu     sync.Mutex
	now    time.Time
	seq    int
	timers []*manualTimer
}

type manualTimer struct {
	clock   *manualClock
	at      time.Time
	seq     int
	f       func()
	stopped bool
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	t := &manualTimer{clock: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	if t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Pending counts armed timers.
func (c *manualClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.timers {
		if !t.stopped {
			n++
		}
	}
	return n
}

// Advance moves time forward, firing due timers in order. Callbacks run
// without the clock lock so they can arm new timers.
func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		next := c.nextDueLocked(target)
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.stopped = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()
		next.f()
	}
}

func (c *manualClock) nextDueLocked(target time.Time) *manualTimer {
	live := c.timers[:0]
	for _, t := range c.timers {
		if !t.stopped {
			live = append(live, t)
		}
	}
	c.timers = live
	sort.SliceStable(c.timers, func(i, j int) bool {
		if c.timers[i].at.Equal(c.timers[j].at) {
			return c.timers[i].seq < c.timers[j].seq
		}
		return c.timers[i].at.Before(c.timers[j].at)
	})
	if len(c.timers) == 0 || c.timers[0].at.After(target) {
		return nil
	}
	return c.timers[0]
}

// --- Status fetchers ---

type statusResult struct {
	status models.PaymentStatus
	err    error
}

// scriptedFetcher answers queries from a script, repeating the last entry.
type scriptedFetcher struct {
	mu     sync.Mutex
	script []statusResult
	calls  int
	ids    []string
}

func newScriptedFetcher(results ...statusResult) *scriptedFetcher {
	return &scriptedFetcher{script: results}
}

func (f *scriptedFetcher) GetPaymentStatus(_ context.Context, paymentID string) (models.PaymentStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.ids = append(f.ids, paymentID)
	if len(f.script) == 0 {
		return models.PaymentStatusPending, nil
	}
	idx := f.calls - 1
	if idx >= len(f.script) {
		idx = len(f.script) - 1
	}
	return f.script[idx].status, f.script[idx].err
}

func (f *scriptedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// gatedFetcher blocks every query until the test releases it.
type gatedFetcher struct {
	started chan struct{}
	release chan statusResult
	mu      sync.Mutex
	calls   int
}

func newGatedFetcher() *gatedFetcher {
	return &gatedFetcher{started: make(chan struct{}, 8), release: make(chan statusResult, 8)}
}

func (f *gatedFetcher) GetPaymentStatus(_ context.Context, _ string) (models.PaymentStatus, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	f.started <- struct{}{}
	res := <-f.release
	return res.status, res.err
}

func (f *gatedFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// --- Notifications and callbacks ---

type recordingNotifier struct {
	mu    sync.Mutex
	notes []Notification
}

func (n *recordingNotifier) Notify(_ context.Context, note Notification) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
}

func (n *recordingNotifier) Count(level NotificationLevel) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, note := range n.notes {
		if note.Level == level {
			count++
		}
	}
	return count
}

func (n *recordingNotifier) All() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]Notification, len(n.notes))
	copy(out, n.notes)
	return out
}

type approvedRecorder struct {
	mu      sync.Mutex
	intents []models.PaymentIntent
}

func (r *approvedRecorder) OnApproved(_ context.Context, intent models.PaymentIntent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents = append(r.intents, intent)
	return nil
}

func (r *approvedRecorder) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.intents)
}

func (r *approvedRecorder) Last() models.PaymentIntent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.intents[len(r.intents)-1]
}

// --- Wiring ---

type pollerFixture struct {
	clock      *manualClock
	notifier   *recordingNotifier
	approved   *approvedRecorder
	reconciler *OutcomeReconciler
	poller     *StatusPoller
}

const (
	testInterval = 2 * time.Second
	testMaxPoll  = 10 * time.Second
)

func newPollerFixture(t *testing.T, fetcher StatusFetcher) *pollerFixture {
	t.Helper()
	clock := newManualClock()
	notifier := &recordingNotifier{}
	reconciler, err := NewOutcomeReconciler(ReconcilerParams{
		Logger:   logger.Nop(),
		Notifier: notifier,
		Now:      clock.Now,
	})
	require.NoError(t, err)

	poller, err := NewStatusPoller(PollerParams{
		Logger:          logger.Nop(),
		Fetcher:         fetcher,
		Reconciler:      reconciler,
		Clock:           clock,
		PollInterval:    testInterval,
		MaxPollDuration: testMaxPoll,
	})
	require.NoError(t, err)
	t.Cleanup(poller.Close)

	return &pollerFixture{
		clock:      clock,
		notifier:   notifier,
		approved:   &approvedRecorder{},
		reconciler: reconciler,
		poller:     poller,
	}
}

func pendingIntent(id string) models.PaymentIntent {
	return models.PaymentIntent{
		ID:        id,
		BookingID: "B1",
		Method:    models.PaymentMethodPix,
		Status:    models.PaymentStatusPending,
	}
}

func waitSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for signal")
	}
}
