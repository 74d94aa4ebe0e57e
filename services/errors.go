package services

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"marketplace/backend/models"
)

var (
	// ErrIntentSettled is returned when asked to watch an intent that already reached a terminal status.
	ErrIntentSettled = errors.New("payment intent already settled")
	// ErrUnknownIntent is returned when an intent id is not in the local cache.
	ErrUnknownIntent = errors.New("payment intent not found")
	// ErrBookingNotFound is returned by the booking adapter.
	ErrBookingNotFound = errors.New("booking not found")
	// ErrInvalidPollerConfig rejects zero, negative or inverted poll timings.
	ErrInvalidPollerConfig = errors.New("invalid poller configuration")
)

// FieldError describes one offending input field.
type FieldError struct {
	Field string `json:"field"`
	Rule  string `json:"rule"`
}

// ValidationError reports incomplete or malformed caller input. When it is
// returned no request has been sent.
type ValidationError struct {
	Fields []FieldError
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for _, f := range e.Fields {
		names = append(names, f.Field)
	}
	return fmt.Sprintf("invalid payment data: %s", strings.Join(names, ", "))
}

// MissingFields lists the fields that failed the required rule.
func (e *ValidationError) MissingFields() []string {
	var out []string
	for _, f := range e.Fields {
		if f.Rule == "required" {
			out = append(out, f.Field)
		}
	}
	return out
}

// UserMessage is the text shown next to the form.
func (e *ValidationError) UserMessage() string {
	return "Preencha todos os campos obrigatórios do pagamento."
}

// PaymentCreationError means the intent could not be created. It is never
// retried automatically.
type PaymentCreationError struct {
	Method     models.PaymentMethod
	StatusCode int    // HTTP status from the backend, 0 for transport or tokenization failures
	Message    string // user-facing
	cause      error
}

func (e *PaymentCreationError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("create %s payment: %v", e.Method, e.cause)
	}
	return fmt.Sprintf("create %s payment: %s", e.Method, e.Message)
}

func (e *PaymentCreationError) Unwrap() error { return e.cause }

func newPaymentCreationError(method models.PaymentMethod, status int, cause error) *PaymentCreationError {
	msg := "Não foi possível criar o pagamento. Tente novamente."
	if method == models.PaymentMethodCreditCard {
		msg = "Não foi possível processar o cartão. Verifique os dados e tente novamente."
	}
	return &PaymentCreationError{Method: method, StatusCode: status, Message: msg, cause: cause}
}

// TransientPollError is a single failed status query. The scheduled poller
// swallows it; CheckOnce hands it back so the caller can show a soft message.
type TransientPollError struct {
	IntentID string
	cause    error
}

func (e *TransientPollError) Error() string {
	return fmt.Sprintf("status query for %s failed: %v", e.IntentID, e.cause)
}

func (e *TransientPollError) Unwrap() error { return e.cause }

// PollTimeoutError describes a session that stopped at its deadline while the
// intent was still pending. It is informational, not a failure.
type PollTimeoutError struct {
	IntentID string
	Elapsed  time.Duration
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("payment %s still pending after %s", e.IntentID, e.Elapsed)
}
