package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PaymentStatus represents the lifecycle status of a payment intent as
// reported by the payment backend.
type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"   // Created, waiting for the provider to settle
	PaymentStatusApproved  PaymentStatus = "approved"  // Terminal: paid
	PaymentStatusRejected  PaymentStatus = "rejected"  // Terminal: declined by the provider
	PaymentStatusCancelled PaymentStatus = "cancelled" // Terminal: cancelled or expired at the provider
)

// IsTerminal reports whether no further transition can happen from s.
func (s PaymentStatus) IsTerminal() bool {
	switch s {
	case PaymentStatusApproved, PaymentStatusRejected, PaymentStatusCancelled:
		return true
	}
	return false
}

// ParsePaymentStatus maps a provider status string onto the four known
// statuses. Intermediate provider states (in_process, authorized, ...) are
// still pending from the client's point of view; ok is false for those.
func ParsePaymentStatus(raw string) (status PaymentStatus, ok bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "pending":
		return PaymentStatusPending, true
	case "approved":
		return PaymentStatusApproved, true
	case "rejected":
		return PaymentStatusRejected, true
	case "cancelled", "canceled":
		return PaymentStatusCancelled, true
	}
	return PaymentStatusPending, false
}

// PaymentMethod is the payment rail chosen by the payer.
type PaymentMethod string

const (
	PaymentMethodPix        PaymentMethod = "pix"
	PaymentMethodCreditCard PaymentMethod = "credit_card"
)

func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodPix || m == PaymentMethodCreditCard
}

// ProviderID is an opaque provider-assigned identifier. Some providers emit
// numeric ids, so both JSON strings and numbers are accepted.
type ProviderID string

func (p *ProviderID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*p = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = ProviderID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("provider id must be a string or number: %w", err)
	}
	*p = ProviderID(n.String())
	return nil
}

// PaymentIntent is a single attempt to pay for a booking. The client only
// holds a cache of the last observed status; the backend owns the record.
type PaymentIntent struct {
	ID             string          `json:"id"`
	BookingID      string          `json:"booking_id"`
	UserID         string          `json:"user_id"` // booking owner
	Method         PaymentMethod   `json:"method"`
	Amount         decimal.Decimal `json:"amount"`
	Status         PaymentStatus   `json:"status"`
	QRCode         string          `json:"qr_code,omitempty"`         // pix only
	QRCodeImage    string          `json:"qr_code_image,omitempty"`   // pix only, base64 PNG
	ExpirationTime *time.Time      `json:"expiration_time,omitempty"` // pix only, informational
	CreatedAt      time.Time       `json:"created_at"`
}

// ApplyStatus records a newly observed status. Terminal statuses are sticky:
// once reached, later observations are ignored. Returns true when the cached
// status changed.
func (p *PaymentIntent) ApplyStatus(status PaymentStatus) bool {
	if p.Status.IsTerminal() || p.Status == status {
		return false
	}
	p.Status = status
	return true
}

// --- Payment backend wire types ---

// PixPaymentRequest is the body of POST /payments/pix.
type PixPaymentRequest struct {
	BookingID               string `json:"booking_id"`
	PayerEmail              string `json:"payer_email"`
	PayerName               string `json:"payer_name"`
	PayerIdentification     string `json:"payer_identification"`
	PayerIdentificationType string `json:"payer_identification_type"`
}

// PixPaymentResponse is returned by POST /payments/pix.
type PixPaymentResponse struct {
	PaymentID      ProviderID `json:"payment_id"`
	QRCode         string     `json:"qr_code"`
	QRCodeBase64   string     `json:"qr_code_base64"`
	ExpirationDate *time.Time `json:"expiration_date"`
	Status         string     `json:"status"`
}

// CardPaymentRequest is the body of POST /payments/credit-card.
type CardPaymentRequest struct {
	BookingID               string `json:"booking_id"`
	CardToken               string `json:"card_token"`
	Installments            int    `json:"installments"`
	PayerEmail              string `json:"payer_email"`
	PayerName               string `json:"payer_name"`
	PayerIdentification     string `json:"payer_identification"`
	PayerIdentificationType string `json:"payer_identification_type"`
}

// CardPaymentResponse is returned by POST /payments/credit-card.
type CardPaymentResponse struct {
	PaymentID ProviderID `json:"payment_id"`
	Status    string     `json:"status"`
}

// PaymentStatusResponse is returned by GET /payments/{payment_id}/status.
type PaymentStatusResponse struct {
	Status string `json:"status"`
}

// BackendError is the error envelope returned by the payment backend.
type BackendError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail"`
}

// Text picks the most descriptive field the backend filled in.
func (e BackendError) Text() string {
	for _, s := range []string{e.Message, e.Detail, e.Error} {
		if strings.TrimSpace(s) != "" {
			return s
		}
	}
	return ""
}
