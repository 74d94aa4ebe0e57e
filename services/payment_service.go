package services

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"marketplace/backend/logger"
	"marketplace/backend/metrics"
	"marketplace/backend/models"
)

// PaymentServiceParams wires the payment flow together.
type PaymentServiceParams struct {
	Logger     *logger.Logger
	Backend    PaymentBackend
	Tokenizer  CardTokenizer // required for credit card payments only
	Poller     *StatusPoller
	Reconciler *OutcomeReconciler
	Store      IntentStore
	Metrics    *metrics.PaymentMetrics
	Now        func() time.Time
}

// PaymentService creates payment intents and hands them to the poller or,
// for synchronous outcomes, straight to the reconciler.
type PaymentService struct {
	logg       *logger.Logger
	backend    PaymentBackend
	tokenizer  CardTokenizer
	poller     *StatusPoller
	reconciler *OutcomeReconciler
	store      IntentStore
	metrics    *metrics.PaymentMetrics
	now        func() time.Time
	validate   *validator.Validate
}

// intentInput holds the booking side of a payment attempt for validation.
type intentInput struct {
	BookingID  string          `json:"booking_id" validate:"required"`
	PrecoTotal decimal.Decimal `json:"preco_total" validate:"gt=0"`
	Method     string          `json:"method" validate:"required,oneof=pix credit_card"`
}

// NewPaymentService creates a new PaymentService instance.
func NewPaymentService(params PaymentServiceParams) (*PaymentService, error) {
	switch {
	case params.Logger == nil:
		return nil, errors.New("logger required")
	case params.Backend == nil:
		return nil, errors.New("payment backend required")
	case params.Poller == nil:
		return nil, errors.New("status poller required")
	case params.Reconciler == nil:
		return nil, errors.New("reconciler required")
	}
	store := params.Store
	if store == nil {
		store = NewMemoryIntentStore()
	}
	now := params.Now
	if now == nil {
		now = time.Now
	}
	return &PaymentService{
		logg:       params.Logger,
		backend:    params.Backend,
		tokenizer:  params.Tokenizer,
		poller:     params.Poller,
		reconciler: params.Reconciler,
		store:      store,
		metrics:    params.Metrics,
		now:        now,
		validate:   newPaymentValidator(),
	}, nil
}

func newPaymentValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			return d.InexactFloat64()
		}
		return nil
	}, decimal.Decimal{})
	return v
}

// CreateIntent validates the attempt, sends exactly one create request and
// starts watching the resulting intent. Invalid input returns a
// *ValidationError before anything is sent; backend or tokenization failures
// return a *PaymentCreationError and are not retried.
func (s *PaymentService) CreateIntent(ctx context.Context, booking models.Booking, method models.PaymentMethod, payer models.PayerInfo, onApproved ApprovedFunc) (*models.PaymentIntent, error) {
	payer = normalizePayer(payer)
	if err := s.validateAttempt(booking, method, payer); err != nil {
		return nil, err
	}
	ctx = s.logg.WithBookingID(ctx, booking.ID)

	var (
		intent *models.PaymentIntent
		err    error
	)
	switch method {
	case models.PaymentMethodPix:
		intent, err = s.createPix(ctx, booking, payer)
	default:
		intent, err = s.createCard(ctx, booking, payer)
	}
	if err != nil {
		s.metrics.IncCreation(string(method), "error")
		s.logg.Warn(ctx, "payment creation failed", err)
		return nil, err
	}
	s.metrics.IncCreation(string(method), "ok")
	ctx = s.logg.WithIntentID(ctx, intent.ID)
	s.logg.Info(ctx, "payment intent created with status "+string(intent.Status))

	if err := s.store.SaveIntent(ctx, *intent); err != nil {
		s.logg.Warn(ctx, "failed to cache payment intent", err)
	}

	if intent.Status.IsTerminal() {
		// Synchronous card outcome: nothing left to poll.
		s.reconciler.Reconcile(context.WithoutCancel(ctx), *intent, onApproved)
		return intent, nil
	}
	if err := s.poller.Start(ctx, *intent, onApproved); err != nil {
		s.logg.Error(ctx, "failed to start polling", err)
	}
	return intent, nil
}

func (s *PaymentService) createPix(ctx context.Context, booking models.Booking, payer models.PayerInfo) (*models.PaymentIntent, error) {
	resp, err := s.backend.CreatePixPayment(ctx, models.PixPaymentRequest{
		BookingID:               booking.ID,
		PayerEmail:              payer.Email,
		PayerName:               payer.FullName,
		PayerIdentification:     payer.TaxID,
		PayerIdentificationType: payer.IdentificationType(),
	})
	if err != nil {
		return nil, newPaymentCreationError(models.PaymentMethodPix, backendStatusCode(err), err)
	}
	status, _ := models.ParsePaymentStatus(resp.Status)
	return &models.PaymentIntent{
		ID:             string(resp.PaymentID),
		BookingID:      booking.ID,
		UserID:         booking.UserID,
		Method:         models.PaymentMethodPix,
		Amount:         booking.PrecoTotal,
		Status:         status,
		QRCode:         resp.QRCode,
		QRCodeImage:    resp.QRCodeBase64,
		ExpirationTime: resp.ExpirationDate,
		CreatedAt:      s.now(),
	}, nil
}

func (s *PaymentService) createCard(ctx context.Context, booking models.Booking, payer models.PayerInfo) (*models.PaymentIntent, error) {
	if s.tokenizer == nil {
		return nil, newPaymentCreationError(models.PaymentMethodCreditCard, 0, errors.New("card tokenizer not configured"))
	}
	token, err := s.tokenizer.Tokenize(ctx, *payer.Card)
	if err != nil {
		return nil, newPaymentCreationError(models.PaymentMethodCreditCard, 0, err)
	}
	resp, err := s.backend.CreateCardPayment(ctx, models.CardPaymentRequest{
		BookingID:               booking.ID,
		CardToken:               token,
		Installments:            payer.Card.InstallmentsOrDefault(),
		PayerEmail:              payer.Email,
		PayerName:               payer.FullName,
		PayerIdentification:     payer.TaxID,
		PayerIdentificationType: payer.IdentificationType(),
	})
	if err != nil {
		return nil, newPaymentCreationError(models.PaymentMethodCreditCard, backendStatusCode(err), err)
	}
	status, _ := models.ParsePaymentStatus(resp.Status)
	return &models.PaymentIntent{
		ID:        string(resp.PaymentID),
		BookingID: booking.ID,
		UserID:    booking.UserID,
		Method:    models.PaymentMethodCreditCard,
		Amount:    booking.PrecoTotal,
		Status:    status,
		CreatedAt: s.now(),
	}, nil
}

func (s *PaymentService) validateAttempt(booking models.Booking, method models.PaymentMethod, payer models.PayerInfo) error {
	var fields []FieldError
	collect := func(err error) {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fields = append(fields, FieldError{Field: fe.Field(), Rule: fe.Tag()})
			}
		}
	}

	collect(s.validate.Struct(intentInput{
		BookingID:  strings.TrimSpace(booking.ID),
		PrecoTotal: booking.PrecoTotal,
		Method:     string(method),
	}))
	collect(s.validate.Struct(payer))
	if method == models.PaymentMethodCreditCard {
		if payer.Card == nil {
			fields = append(fields, FieldError{Field: "card", Rule: "required"})
		} else {
			collect(s.validate.Struct(*payer.Card))
		}
	}

	if len(fields) > 0 {
		return &ValidationError{Fields: fields}
	}
	return nil
}

func normalizePayer(p models.PayerInfo) models.PayerInfo {
	p.Email = strings.TrimSpace(p.Email)
	p.FullName = strings.TrimSpace(p.FullName)
	p.TaxID = strings.TrimSpace(p.TaxID)
	if p.Card != nil {
		card := *p.Card
		card.Number = strings.TrimSpace(card.Number)
		card.HolderName = strings.TrimSpace(card.HolderName)
		card.Expiry = strings.TrimSpace(card.Expiry)
		card.CVV = strings.TrimSpace(card.CVV)
		p.Card = &card
	}
	return p
}

func backendStatusCode(err error) int {
	var statusErr *BackendStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode
	}
	return 0
}

// GetIntent returns the cached intent if userID owns it. Intents of other
// users are reported as ErrUnknownIntent.
func (s *PaymentService) GetIntent(ctx context.Context, intentID, userID string) (*models.PaymentIntent, error) {
	intent, err := s.store.GetIntent(ctx, intentID)
	if err != nil {
		return nil, err
	}
	if intent.UserID == "" || intent.UserID != userID {
		return nil, ErrUnknownIntent
	}
	return intent, nil
}

// Watch resumes polling a cached intent that is still pending.
func (s *PaymentService) Watch(ctx context.Context, intentID, userID string, onApproved ApprovedFunc) (*models.PaymentIntent, error) {
	intent, err := s.GetIntent(ctx, intentID, userID)
	if err != nil {
		return nil, err
	}
	if err := s.poller.Start(ctx, *intent, onApproved); err != nil {
		return nil, err
	}
	return intent, nil
}

// Check runs an immediate status query. Transient failures come back as
// *TransientPollError and leave any active session untouched.
func (s *PaymentService) Check(ctx context.Context, intentID, userID string, onApproved ApprovedFunc) (models.PaymentStatus, error) {
	if _, err := s.GetIntent(ctx, intentID, userID); err != nil {
		return "", err
	}
	return s.poller.CheckOnce(ctx, intentID, onApproved)
}

// StopWatching cancels the polling session of an intent, if any.
func (s *PaymentService) StopWatching(ctx context.Context, intentID, userID string) (bool, error) {
	if _, err := s.GetIntent(ctx, intentID, userID); err != nil {
		return false, err
	}
	return s.poller.Cancel(intentID), nil
}

// SessionState exposes the poller state of an intent.
func (s *PaymentService) SessionState(intentID string) SessionState {
	return s.poller.State(intentID)
}
