package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"marketplace/backend/logger"
	"marketplace/backend/metrics"
	"marketplace/backend/models"
)

// SessionState is the state of the polling session of one intent.
type SessionState string

const (
	SessionIdle      SessionState = "idle"
	SessionPolling   SessionState = "polling"
	SessionTerminal  SessionState = "terminal"
	SessionTimedOut  SessionState = "timed_out"
	SessionCancelled SessionState = "cancelled"
)

// PollerParams configure the status poller.
type PollerParams struct {
	Logger          *logger.Logger
	Fetcher         StatusFetcher
	Reconciler      *OutcomeReconciler
	Store           IntentStore // optional cache of last observed status
	Metrics         *metrics.PaymentMetrics
	Clock           Clock
	PollInterval    time.Duration
	MaxPollDuration time.Duration

	// FinishedRetention is how long the final state of a released session
	// stays readable. Defaults to one hour.
	FinishedRetention time.Duration
}

const defaultStateRetention = time.Hour

// StatusPoller owns every polling session. At most one session exists per
// intent, status queries within a session never overlap, and every way a
// session ends goes through release.
type StatusPoller struct {
	logg        *logger.Logger
	fetcher     StatusFetcher
	reconciler  *OutcomeReconciler
	store       IntentStore
	metrics     *metrics.PaymentMetrics
	clock       Clock
	interval    time.Duration
	maxDuration time.Duration
	retention   time.Duration

	mu        sync.Mutex
	sessions  map[string]*pollingSession
	finished  map[string]finishedSession
	lastSweep time.Time
}

type finishedSession struct {
	state SessionState
	at    time.Time
}

type pollingSession struct {
	intent     models.PaymentIntent // last observed
	onApproved ApprovedFunc
	startedAt  time.Time
	deadline   time.Time
	timer      Timer
	active     bool
	state      SessionState

	baseCtx context.Context // detached from the caller, never cancelled
	ctx     context.Context // cancelled on release, aborts in-flight queries
	cancel  context.CancelFunc
}

// SessionSnapshot is a read-only view of a session for callers.
type SessionSnapshot struct {
	IntentID   string               `json:"intent_id"`
	State      SessionState         `json:"state"`
	Active     bool                 `json:"active"`
	LastStatus models.PaymentStatus `json:"last_status,omitempty"`
	StartedAt  time.Time            `json:"started_at,omitempty"`
	Deadline   time.Time            `json:"deadline,omitempty"`
}

func NewStatusPoller(params PollerParams) (*StatusPoller, error) {
	if params.Logger == nil {
		return nil, errors.New("logger required")
	}
	if params.Fetcher == nil {
		return nil, errors.New("status fetcher required")
	}
	if params.Reconciler == nil {
		return nil, errors.New("reconciler required")
	}
	if params.PollInterval <= 0 || params.MaxPollDuration <= 0 || params.PollInterval > params.MaxPollDuration {
		return nil, fmt.Errorf("%w: interval=%s max=%s", ErrInvalidPollerConfig, params.PollInterval, params.MaxPollDuration)
	}
	clock := params.Clock
	if clock == nil {
		clock = SystemClock()
	}
	retention := params.FinishedRetention
	if retention <= 0 {
		retention = defaultStateRetention
	}
	return &StatusPoller{
		logg:        params.Logger,
		fetcher:     params.Fetcher,
		reconciler:  params.Reconciler,
		store:       params.Store,
		metrics:     params.Metrics,
		clock:       clock,
		interval:    params.PollInterval,
		maxDuration: params.MaxPollDuration,
		retention:   retention,
		sessions:    make(map[string]*pollingSession),
		finished:    make(map[string]finishedSession),
	}, nil
}

// Start begins watching a pending intent. An existing session for the same
// intent is cancelled first. The session outlives ctx's cancellation but
// keeps its values (bearer token, log fields).
func (p *StatusPoller) Start(ctx context.Context, intent models.PaymentIntent, onApproved ApprovedFunc) error {
	if intent.ID == "" {
		return ErrUnknownIntent
	}
	if intent.Status.IsTerminal() {
		return ErrIntentSettled
	}
	if ctx == nil {
		ctx = context.Background()
	}
	baseCtx := p.logg.WithIntentID(context.WithoutCancel(ctx), intent.ID)
	sessCtx, cancel := context.WithCancel(baseCtx)

	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.sessions[intent.ID]; ok {
		p.release(existing, SessionCancelled)
	}
	delete(p.finished, intent.ID)

	now := p.clock.Now()
	sess := &pollingSession{
		intent:     intent,
		onApproved: onApproved,
		startedAt:  now,
		deadline:   now.Add(p.maxDuration),
		active:     true,
		state:      SessionPolling,
		baseCtx:    baseCtx,
		ctx:        sessCtx,
		cancel:     cancel,
	}
	p.sessions[intent.ID] = sess
	p.schedule(sess, p.interval)
	p.logg.Info(baseCtx, "polling session started")
	return nil
}

// Cancel stops the session of an intent. No timer fires for it afterwards and
// a query already in flight is discarded when it returns.
func (p *StatusPoller) Cancel(intentID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[intentID]
	if !ok {
		return false
	}
	return p.release(sess, SessionCancelled)
}

// Close tears down every session.
func (p *StatusPoller) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, sess := range p.sessions {
		p.release(sess, SessionCancelled)
	}
}

// CheckOnce queries the status immediately, outside the schedule. It never
// starts a session. A terminal answer ends the active session (if any) and
// goes through the same guarded handoff as scheduled ticks. When onApproved
// is nil the active session's callback is used.
func (p *StatusPoller) CheckOnce(ctx context.Context, intentID string, onApproved ApprovedFunc) (models.PaymentStatus, error) {
	if intentID == "" {
		return "", ErrUnknownIntent
	}
	p.mu.Lock()
	var intent models.PaymentIntent
	if sess, ok := p.sessions[intentID]; ok {
		intent = sess.intent
		if onApproved == nil {
			onApproved = sess.onApproved
		}
	}
	p.mu.Unlock()

	if intent.ID == "" {
		intent = p.cachedIntent(ctx, intentID)
	}

	status, err := p.fetcher.GetPaymentStatus(ctx, intentID)
	if err != nil {
		p.metrics.IncStatusQuery("manual", "error")
		p.logg.Warn(p.logg.WithIntentID(ctx, intentID), "manual status check failed", err)
		return "", &TransientPollError{IntentID: intentID, cause: err}
	}
	p.metrics.IncStatusQuery("manual", string(status))
	p.recordStatus(ctx, intentID, status)

	if !status.IsTerminal() {
		return status, nil
	}

	p.mu.Lock()
	if sess, ok := p.sessions[intentID]; ok {
		sess.intent.ApplyStatus(status)
		p.release(sess, SessionTerminal)
	}
	p.mu.Unlock()

	intent.ApplyStatus(status)
	p.reconciler.Reconcile(context.WithoutCancel(ctx), intent, onApproved)
	return status, nil
}

// State reports the current or final state of an intent's session.
func (p *StatusPoller) State(intentID string) SessionState {
	p.mu.Lock()
	defer p.mu.Unlock()
	if sess, ok := p.sessions[intentID]; ok {
		return sess.state
	}
	return p.finishedState(intentID)
}

// Active reports whether a session is currently polling the intent.
func (p *StatusPoller) Active(intentID string) bool {
	return p.State(intentID) == SessionPolling
}

// Snapshot returns the live session of an intent.
func (p *StatusPoller) Snapshot(intentID string) (SessionSnapshot, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	sess, ok := p.sessions[intentID]
	if !ok {
		return SessionSnapshot{IntentID: intentID, State: p.finishedState(intentID)}, false
	}
	return SessionSnapshot{
		IntentID:   intentID,
		State:      sess.state,
		Active:     sess.active,
		LastStatus: sess.intent.Status,
		StartedAt:  sess.startedAt,
		Deadline:   sess.deadline,
	}, true
}

// finishedState reads a released session's state. Caller holds p.mu.
func (p *StatusPoller) finishedState(intentID string) SessionState {
	f, ok := p.finished[intentID]
	if !ok || p.clock.Now().Sub(f.at) > p.retention {
		return SessionIdle
	}
	return f.state
}

// sweepFinished drops released sessions older than the retention. It runs at
// most once per quarter retention. Caller holds p.mu.
func (p *StatusPoller) sweepFinished(now time.Time) {
	if now.Sub(p.lastSweep) < p.retention/4 {
		return
	}
	p.lastSweep = now
	for id, f := range p.finished {
		if now.Sub(f.at) > p.retention {
			delete(p.finished, id)
		}
	}
}

// FinishedCount reports how many released sessions are still remembered.
func (p *StatusPoller) FinishedCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.finished)
}

// schedule arms the next tick. Caller holds p.mu.
func (p *StatusPoller) schedule(sess *pollingSession, delay time.Duration) {
	sess.timer = p.clock.AfterFunc(delay, func() { p.tick(sess) })
}

func (p *StatusPoller) tick(sess *pollingSession) {
	p.mu.Lock()
	if !sess.active {
		p.mu.Unlock()
		return
	}
	now := p.clock.Now()
	if !now.Before(sess.deadline) {
		p.release(sess, SessionTimedOut)
		intent, ctx := sess.intent, sess.baseCtx
		elapsed := now.Sub(sess.startedAt)
		p.mu.Unlock()
		p.logg.Info(ctx, (&PollTimeoutError{IntentID: intent.ID, Elapsed: elapsed}).Error())
		p.reconciler.TimedOut(ctx, intent)
		return
	}
	intentID, ctx := sess.intent.ID, sess.ctx
	p.mu.Unlock()

	// The next tick is armed only after this query returns, so queries of one
	// session never overlap.
	status, err := p.fetcher.GetPaymentStatus(ctx, intentID)

	p.mu.Lock()
	if !sess.active {
		p.mu.Unlock()
		p.logg.Debug(sess.baseCtx, "discarding status response for released session")
		return
	}
	if err != nil && IsPermanentStatusError(err) {
		// Asking again cannot succeed. Stop like a timeout so the payer can
		// still check manually.
		p.metrics.IncStatusQuery("scheduled", "rejected")
		p.release(sess, SessionTimedOut)
		intent, baseCtx := sess.intent, sess.baseCtx
		p.mu.Unlock()
		p.logg.Warn(baseCtx, "status query rejected by backend, polling stopped", err)
		p.reconciler.TimedOut(baseCtx, intent)
		return
	}
	if err != nil {
		p.metrics.IncStatusQuery("scheduled", "error")
		p.schedule(sess, p.nextDelay(sess))
		p.mu.Unlock()
		p.logg.Warn(sess.baseCtx, "status query failed, will retry on next tick", &TransientPollError{IntentID: intentID, cause: err})
		return
	}
	p.metrics.IncStatusQuery("scheduled", string(status))
	sess.intent.ApplyStatus(status)
	if !status.IsTerminal() {
		p.schedule(sess, p.nextDelay(sess))
		p.mu.Unlock()
		p.recordStatus(sess.baseCtx, intentID, status)
		return
	}
	p.release(sess, SessionTerminal)
	intent, onApproved, baseCtx := sess.intent, sess.onApproved, sess.baseCtx
	p.mu.Unlock()

	p.recordStatus(baseCtx, intentID, status)
	p.reconciler.Reconcile(baseCtx, intent, onApproved)
}

// nextDelay keeps the cadence but never sleeps past the deadline. Caller holds p.mu.
func (p *StatusPoller) nextDelay(sess *pollingSession) time.Duration {
	remaining := sess.deadline.Sub(p.clock.Now())
	if remaining < p.interval {
		if remaining < 0 {
			return 0
		}
		return remaining
	}
	return p.interval
}

// release is the single teardown path for terminal, timeout, cancel and
// close. Caller holds p.mu. Returns false if the session was already released.
func (p *StatusPoller) release(sess *pollingSession, state SessionState) bool {
	if !sess.active {
		return false
	}
	sess.active = false
	sess.state = state
	if sess.timer != nil {
		sess.timer.Stop()
	}
	sess.cancel()
	id := sess.intent.ID
	if current, ok := p.sessions[id]; ok && current == sess {
		delete(p.sessions, id)
	}
	now := p.clock.Now()
	p.sweepFinished(now)
	p.finished[id] = finishedSession{state: state, at: now}
	p.metrics.IncSessionEnded(string(state))
	p.logg.Info(sess.baseCtx, "polling session ended: "+string(state))
	return true
}

func (p *StatusPoller) recordStatus(ctx context.Context, intentID string, status models.PaymentStatus) {
	if p.store == nil {
		return
	}
	if err := p.store.UpdateStatus(ctx, intentID, status); err != nil && !errors.Is(err, ErrUnknownIntent) {
		p.logg.Warn(p.logg.WithIntentID(ctx, intentID), "failed to cache observed status", err)
	}
}

func (p *StatusPoller) cachedIntent(ctx context.Context, intentID string) models.PaymentIntent {
	if p.store != nil {
		if cached, err := p.store.GetIntent(ctx, intentID); err == nil && cached != nil {
			return *cached
		}
	}
	return models.PaymentIntent{ID: intentID, Status: models.PaymentStatusPending}
}
