package services

import (
	"context"
	"errors"
	"time"

	"marketplace/backend/logger"
	"marketplace/backend/metrics"
	"marketplace/backend/models"
)

// ApprovedFunc is the success callback supplied by the booking layer. It is
// the only sanctioned way to update a booking's payment status.
type ApprovedFunc func(ctx context.Context, intent models.PaymentIntent) error

// Outcome is what Reconcile did with an observed status.
type Outcome string

const (
	OutcomeApproved  Outcome = "approved"
	OutcomeFailed    Outcome = "failed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
)

const (
	msgApproved  = "Pagamento aprovado!"
	msgRejected  = "Pagamento recusado. Tente novamente com outro método."
	msgCancelled = "Pagamento cancelado. Inicie um novo pagamento para continuar."
	msgTimedOut  = "O pagamento ainda está pendente. Verifique novamente em instantes."
)

// ReconcilerParams configure the outcome reconciler.
type ReconcilerParams struct {
	Logger     *logger.Logger
	Notifier   Notifier
	Guard      HandoffGuard           // optional cross-process guard
	HandoffTTL time.Duration          // how long the in-process guard remembers a claim
	Failures   HandoffFailureRecorder // optional, records approvals whose booking update failed
	Metrics    *metrics.PaymentMetrics
	Now        func() time.Time
}

// HandoffFailureRecorder persists an approval whose success callback failed,
// so it can be found and replayed outside the polling flow.
type HandoffFailureRecorder interface {
	RecordHandoffFailure(ctx context.Context, intentID string, cause error) error
}

// OutcomeReconciler turns terminal statuses into one notification and, for
// approvals, one success callback per intent.
type OutcomeReconciler struct {
	logg     *logger.Logger
	notifier Notifier
	local    *MemoryHandoffGuard
	shared   HandoffGuard
	failures HandoffFailureRecorder
	metrics  *metrics.PaymentMetrics
	now      func() time.Time
}

func NewOutcomeReconciler(params ReconcilerParams) (*OutcomeReconciler, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Notifier == nil {
		return nil, errors.New("notifier required")
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	local := NewMemoryHandoffGuard(params.HandoffTTL)
	local.now = now
	return &OutcomeReconciler{
		logg:     params.Logger,
		notifier: params.Notifier,
		local:    local,
		shared:   params.Guard,
		failures: params.Failures,
		metrics:  params.Metrics,
		now:      now,
	}, nil
}

// Reconcile hands off a terminal intent. Callers may race; only the first
// claim for an intent id emits anything.
func (r *OutcomeReconciler) Reconcile(ctx context.Context, intent models.PaymentIntent, onApproved ApprovedFunc) Outcome {
	if !intent.Status.IsTerminal() {
		return OutcomeIgnored
	}
	ctx = r.logg.WithIntentID(ctx, intent.ID)
	if !r.claim(ctx, intent.ID) {
		r.logg.Debug(ctx, "terminal status already handed off")
		return OutcomeDuplicate
	}
	r.metrics.IncOutcome(string(intent.Status))

	switch intent.Status {
	case models.PaymentStatusApproved:
		r.notify(ctx, intent, NotificationSuccess, msgApproved)
		if onApproved != nil {
			if err := onApproved(ctx, intent); err != nil {
				r.recordHandoffFailure(ctx, intent, err)
			}
		}
		r.logg.Info(ctx, "payment approved")
		return OutcomeApproved
	case models.PaymentStatusRejected:
		r.notify(ctx, intent, NotificationFailure, msgRejected)
	default:
		r.notify(ctx, intent, NotificationFailure, msgCancelled)
	}
	r.logg.Info(ctx, "payment finished without approval: "+string(intent.Status))
	return OutcomeFailed
}

// TimedOut reports a session that stopped while still pending. The outcome is
// ambiguous, so the payer gets a hint to check again instead of a failure.
func (r *OutcomeReconciler) TimedOut(ctx context.Context, intent models.PaymentIntent) {
	ctx = r.logg.WithIntentID(ctx, intent.ID)
	r.logg.Info(ctx, "polling stopped at deadline, payment still pending")
	r.notify(ctx, intent, NotificationInfo, msgTimedOut)
}

func (r *OutcomeReconciler) claim(ctx context.Context, intentID string) bool {
	if ok, _ := r.local.Claim(ctx, intentID); !ok {
		return false
	}
	if r.shared == nil {
		return true
	}
	ok, err := r.shared.Claim(ctx, intentID)
	if err != nil {
		// The local claim still holds for this process.
		r.logg.Warn(ctx, "shared handoff guard unavailable", err)
		return true
	}
	return ok
}

// recordHandoffFailure keeps a failed success callback visible. The claim is
// not released, so the booking is never updated twice from this flow.
func (r *OutcomeReconciler) recordHandoffFailure(ctx context.Context, intent models.PaymentIntent, cause error) {
	r.logg.Error(ctx, "payment approved but booking update failed", cause)
	r.metrics.IncHandoffFailure()
	if r.failures == nil {
		return
	}
	if err := r.failures.RecordHandoffFailure(ctx, intent.ID, cause); err != nil {
		r.logg.Error(ctx, "failed to record booking update failure", err)
	}
}

func (r *OutcomeReconciler) notify(ctx context.Context, intent models.PaymentIntent, level NotificationLevel, msg string) {
	r.notifier.Notify(ctx, Notification{
		IntentID:  intent.ID,
		BookingID: intent.BookingID,
		Level:     level,
		Message:   msg,
		At:        r.now(),
	})
}
