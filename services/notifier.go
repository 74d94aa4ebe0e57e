package services

import (
	"context"
	"sync"
	"time"

	"marketplace/backend/logger"
)

// NotificationLevel classifies a message shown to the payer.
type NotificationLevel string

const (
	NotificationSuccess NotificationLevel = "success"
	NotificationFailure NotificationLevel = "failure"
	NotificationInfo    NotificationLevel = "info"
)

// Notification is a fire-and-forget toast.
type Notification struct {
	IntentID  string            `json:"intent_id"`
	BookingID string            `json:"booking_id"`
	Level     NotificationLevel `json:"level"`
	Message   string            `json:"message"`
	At        time.Time         `json:"at"`
}

// Notifier is the notification sink. It is not queryable by the flow.
type Notifier interface {
	Notify(ctx context.Context, n Notification)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct {
	logg *logger.Logger
}

func NewLogNotifier(logg *logger.Logger) *LogNotifier {
	return &LogNotifier{logg: logg}
}

func (n *LogNotifier) Notify(ctx context.Context, note Notification) {
	ctx = n.logg.WithFields(ctx, map[string]any{
		"intent_id":  note.IntentID,
		"booking_id": note.BookingID,
		"level":      string(note.Level),
	})
	n.logg.Info(ctx, "payment notification: "+note.Message)
}

// NotificationFeed keeps the most recent notifications per intent so the UI
// can pick them up on its next read. An intent with no new notification for
// longer than the retention is forgotten.
type NotificationFeed struct {
	mu        sync.Mutex
	capacity  int
	retention time.Duration
	now       func() time.Time
	byIntent  map[string]*feedEntry
	lastSweep time.Time
}

type feedEntry struct {
	notes   []Notification
	touched time.Time
}

func NewNotificationFeed(capacity int, retention time.Duration) *NotificationFeed {
	if capacity <= 0 {
		capacity = 20
	}
	if retention <= 0 {
		retention = defaultStateRetention
	}
	return &NotificationFeed{
		capacity:  capacity,
		retention: retention,
		now:       time.Now,
		byIntent:  make(map[string]*feedEntry),
	}
}

func (f *NotificationFeed) Notify(_ context.Context, note Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	now := f.now()
	f.sweep(now)
	entry, ok := f.byIntent[note.IntentID]
	if !ok {
		entry = &feedEntry{}
		f.byIntent[note.IntentID] = entry
	}
	entry.notes = append(entry.notes, note)
	if len(entry.notes) > f.capacity {
		entry.notes = entry.notes[len(entry.notes)-f.capacity:]
	}
	entry.touched = now
}

// Recent returns a copy of the notifications recorded for an intent, oldest first.
func (f *NotificationFeed) Recent(intentID string) []Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.byIntent[intentID]
	if !ok || f.now().Sub(entry.touched) > f.retention {
		return []Notification{}
	}
	out := make([]Notification, len(entry.notes))
	copy(out, entry.notes)
	return out
}

// Len reports how many intents the feed currently holds.
func (f *NotificationFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byIntent)
}

// sweep drops stale intents at most once per quarter retention. Caller holds f.mu.
func (f *NotificationFeed) sweep(now time.Time) {
	if now.Sub(f.lastSweep) < f.retention/4 {
		return
	}
	f.lastSweep = now
	for id, entry := range f.byIntent {
		if now.Sub(entry.touched) > f.retention {
			delete(f.byIntent, id)
		}
	}
}

// MultiNotifier fans a notification out to several sinks.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, note Notification) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, note)
		}
	}
}
