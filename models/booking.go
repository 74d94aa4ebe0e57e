package models

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
)

// BookingPaymentStatusPaid is written to bookings.payment_status once a payment is approved.
const BookingPaymentStatusPaid = "paid"

// Booking is the slice of a booking record the payment flow depends on.
type Booking struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"user_id" db:"user_id"` // owner, the only user allowed to pay it
	PrecoTotal    decimal.Decimal `json:"preco_total" db:"preco_total"`
	PaymentStatus string          `json:"payment_status" db:"payment_status"`
}

// Identity is the authenticated user as supplied by the identity provider.
type Identity struct {
	UserID   string `json:"user_id"`
	Email    string `json:"email"`
	FullName string `json:"name"`
	TaxID    string `json:"tax_id"`
	Token    string `json:"-"` // Raw bearer token, forwarded to the payment backend
}

// PayerInfo carries the payer fields of a payment attempt. Card is only read
// for credit card payments.
type PayerInfo struct {
	Email    string       `json:"payer_email" validate:"required,email"`
	FullName string       `json:"payer_name" validate:"required"`
	TaxID    string       `json:"payer_identification" validate:"required"`
	Card     *CardDetails `json:"card,omitempty" validate:"-"`
}

// PrefillFrom fills empty payer fields from the authenticated identity.
func (p PayerInfo) PrefillFrom(id Identity) PayerInfo {
	if strings.TrimSpace(p.Email) == "" {
		p.Email = id.Email
	}
	if strings.TrimSpace(p.FullName) == "" {
		p.FullName = id.FullName
	}
	if strings.TrimSpace(p.TaxID) == "" {
		p.TaxID = id.TaxID
	}
	return p
}

// IdentificationType derives the Brazilian document type from the tax id.
// Fourteen digits is a company (CNPJ), anything else is treated as a CPF.
func (p PayerInfo) IdentificationType() string {
	digits := 0
	for _, r := range p.TaxID {
		if unicode.IsDigit(r) {
			digits++
		}
	}
	if digits == 14 {
		return "CNPJ"
	}
	return "CPF"
}

// CardDetails holds raw card data. It never leaves the process: only the
// token produced from it is sent to the payment backend.
type CardDetails struct {
	Number       string `json:"card_number" validate:"required"`
	HolderName   string `json:"holder_name" validate:"required"`
	Expiry       string `json:"expiry" validate:"required"` // MM/YY or MM/YYYY
	CVV          string `json:"cvv" validate:"required"`
	Installments int    `json:"installments" validate:"omitempty,min=1,max=12"`
}

// ExpiryParts splits Expiry into month and four digit year.
func (c CardDetails) ExpiryParts() (month string, year string, err error) {
	parts := strings.Split(strings.TrimSpace(c.Expiry), "/")
	if len(parts) != 2 {
		return "", "", fmt.Errorf("invalid card expiry %q, expected MM/YY", c.Expiry)
	}
	month = strings.TrimSpace(parts[0])
	year = strings.TrimSpace(parts[1])
	if len(month) == 1 {
		month = "0" + month
	}
	if len(month) != 2 || (len(year) != 2 && len(year) != 4) {
		return "", "", fmt.Errorf("invalid card expiry %q, expected MM/YY", c.Expiry)
	}
	if len(year) == 2 {
		year = "20" + year
	}
	return month, year, nil
}

// InstallmentsOrDefault returns the requested installments, at least one.
func (c CardDetails) InstallmentsOrDefault() int {
	if c.Installments < 1 {
		return 1
	}
	return c.Installments
}
