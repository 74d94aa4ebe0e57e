package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace/backend/logger"
	"marketplace/backend/metrics"
	"marketplace/backend/models"
)

type stubGuard struct {
	ok    bool
	err   error
	calls int
}

func (g *stubGuard) Claim(context.Context, string) (bool, error) {
	g.calls++
	return g.ok, g.err
}

func newTestReconciler(t *testing.T, guard HandoffGuard) (*OutcomeReconciler, *recordingNotifier) {
	t.Helper()
	notifier := &recordingNotifier{}
	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r, err := NewOutcomeReconciler(ReconcilerParams{
		Logger:   logger.Nop(),
		Notifier: notifier,
		Guard:    guard,
		Now:      func() time.Time { return fixed },
	})
	require.NoError(t, err)
	return r, notifier
}

func settled(id string, status models.PaymentStatus) models.PaymentIntent {
	intent := pendingIntent(id)
	intent.Status = status
	return intent
}

func TestOutcomeReconciler_ApprovedNotifiesThenCallsBack(t *testing.T) {
	r, notifier := newTestReconciler(t, nil)
	rec := &approvedRecorder{}

	outcome := r.Reconcile(context.Background(), settled("PAY1", models.PaymentStatusApproved), rec.OnApproved)

	assert.Equal(t, OutcomeApproved, outcome)
	require.Equal(t, 1, rec.Count())
	assert.Equal(t, "PAY1", rec.Last().ID)
	notes := notifier.All()
	require.Len(t, notes, 1)
	assert.Equal(t, NotificationSuccess, notes[0].Level)
	assert.Equal(t, "B1", notes[0].BookingID)
	assert.Equal(t, msgApproved, notes[0].Message)
}

func TestOutcomeReconciler_FailuresNeverCallBack(t *testing.T) {
	for _, status := range []models.PaymentStatus{models.PaymentStatusRejected, models.PaymentStatusCancelled} {
		t.Run(string(status), func(t *testing.T) {
			r, notifier := newTestReconciler(t, nil)
			rec := &approvedRecorder{}

			outcome := r.Reconcile(context.Background(), settled("PAY1", status), rec.OnApproved)

			assert.Equal(t, OutcomeFailed, outcome)
			assert.Equal(t, 0, rec.Count())
			assert.Equal(t, 1, notifier.Count(NotificationFailure))
		})
	}
}

func TestOutcomeReconciler_IgnoresPending(t *testing.T) {
	r, notifier := newTestReconciler(t, nil)

	outcome := r.Reconcile(context.Background(), pendingIntent("PAY1"), nil)

	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Empty(t, notifier.All())
}

func TestOutcomeReconciler_SecondHandoffIsDuplicate(t *testing.T) {
	r, notifier := newTestReconciler(t, nil)
	rec := &approvedRecorder{}
	intent := settled("PAY1", models.PaymentStatusApproved)

	assert.Equal(t, OutcomeApproved, r.Reconcile(context.Background(), intent, rec.OnApproved))
	assert.Equal(t, OutcomeDuplicate, r.Reconcile(context.Background(), intent, rec.OnApproved))

	assert.Equal(t, 1, rec.Count())
	assert.Len(t, notifier.All(), 1)
}

func TestOutcomeReconciler_CallbackErrorIsNotRenotified(t *testing.T) {
	r, notifier := newTestReconciler(t, nil)
	failing := func(context.Context, models.PaymentIntent) error { return errors.New("bookings table locked") }

	outcome := r.Reconcile(context.Background(), settled("PAY1", models.PaymentStatusApproved), failing)

	assert.Equal(t, OutcomeApproved, outcome)
	assert.Equal(t, 1, notifier.Count(NotificationSuccess))
	assert.Equal(t, 0, notifier.Count(NotificationFailure))
}

type failureLog struct {
	mu     sync.Mutex
	failed map[string]string
}

func (f *failureLog) RecordHandoffFailure(_ context.Context, intentID string, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed == nil {
		f.failed = make(map[string]string)
	}
	f.failed[intentID] = cause.Error()
	return nil
}

func TestOutcomeReconciler_RecordsFailedBookingUpdate(t *testing.T) {
	reg := prometheus.NewRegistry()
	failures := &failureLog{}
	r, err := NewOutcomeReconciler(ReconcilerParams{
		Logger:   logger.Nop(),
		Notifier: &recordingNotifier{},
		Failures: failures,
		Metrics:  metrics.NewPaymentMetrics(reg),
	})
	require.NoError(t, err)
	failing := func(context.Context, models.PaymentIntent) error { return errors.New("bookings table locked") }

	assert.Equal(t, OutcomeApproved, r.Reconcile(context.Background(), settled("PAY1", models.PaymentStatusApproved), failing))
	assert.Equal(t, OutcomeDuplicate, r.Reconcile(context.Background(), settled("PAY1", models.PaymentStatusApproved), failing))

	assert.Equal(t, map[string]string{"PAY1": "bookings table locked"}, failures.failed)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	var handoffFailures float64
	for _, mf := range mfs {
		if mf.GetName() == "payment_handoff_failures_total" {
			handoffFailures = mf.GetMetric()[0].GetCounter().GetValue()
		}
	}
	assert.Equal(t, float64(1), handoffFailures)
}

func TestOutcomeReconciler_SharedGuard(t *testing.T) {
	t.Run("claim lost to another replica", func(t *testing.T) {
		guard := &stubGuard{ok: false}
		r, notifier := newTestReconciler(t, guard)
		rec := &approvedRecorder{}

		outcome := r.Reconcile(context.Background(), settled("PAY1", models.PaymentStatusApproved), rec.OnApproved)

		assert.Equal(t, OutcomeDuplicate, outcome)
		assert.Equal(t, 0, rec.Count())
		assert.Empty(t, notifier.All())
	})

	t.Run("guard unavailable keeps local claim", func(t *testing.T) {
		guard := &stubGuard{err: errors.New("redis: connection refused")}
		r, _ := newTestReconciler(t, guard)
		rec := &approvedRecorder{}
		intent := settled("PAY1", models.PaymentStatusApproved)

		assert.Equal(t, OutcomeApproved, r.Reconcile(context.Background(), intent, rec.OnApproved))
		assert.Equal(t, OutcomeDuplicate, r.Reconcile(context.Background(), intent, rec.OnApproved))
		assert.Equal(t, 1, rec.Count())
		assert.Equal(t, 1, guard.calls, "a local duplicate never reaches the shared guard")
	})
}

func TestOutcomeReconciler_TimedOutIsInformational(t *testing.T) {
	r, notifier := newTestReconciler(t, nil)

	r.TimedOut(context.Background(), pendingIntent("PAY1"))

	assert.Equal(t, 1, notifier.Count(NotificationInfo))
	assert.Equal(t, 0, notifier.Count(NotificationFailure))

	// A later settlement is still handed off.
	rec := &approvedRecorder{}
	assert.Equal(t, OutcomeApproved, r.Reconcile(context.Background(), settled("PAY1", models.PaymentStatusApproved), rec.OnApproved))
}
