package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"marketplace/backend/database"
	"marketplace/backend/models"
)

// PaymentRecordStore keeps intents in the payment_intents table so a restart
// or another replica can resume watching them.
type PaymentRecordStore struct {
	db database.DBPool
}

func NewPaymentRecordStore(db database.DBPool) *PaymentRecordStore {
	return &PaymentRecordStore{db: db}
}

// SaveIntent inserts a freshly created intent. An existing row wins.
func (s *PaymentRecordStore) SaveIntent(ctx context.Context, intent models.PaymentIntent) error {
	query := `
		INSERT INTO payment_intents (id, booking_id, user_id, method, amount, status, qr_code, qr_code_image, expiration_time, created_at)
		VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := s.db.Exec(ctx, query,
		intent.ID, intent.BookingID, intent.UserID, string(intent.Method), intent.Amount.String(), string(intent.Status),
		intent.QRCode, intent.QRCodeImage, intent.ExpirationTime, intent.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("database error saving payment intent %s: %w", intent.ID, err)
	}
	return nil
}

// UpdateStatus records an observed status. Only pending rows move, so a
// terminal status is never overwritten.
func (s *PaymentRecordStore) UpdateStatus(ctx context.Context, intentID string, status models.PaymentStatus) error {
	if status == models.PaymentStatusPending {
		return nil
	}
	query := `UPDATE payment_intents SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`
	if _, err := s.db.Exec(ctx, query, string(status), intentID, string(models.PaymentStatusPending)); err != nil {
		return fmt.Errorf("database error updating payment intent %s: %w", intentID, err)
	}
	return nil
}

// RecordHandoffFailure flags an approved intent whose booking update failed.
// Rows with handoff_failed_at set are the work list of an out-of-band replay.
func (s *PaymentRecordStore) RecordHandoffFailure(ctx context.Context, intentID string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	query := `UPDATE payment_intents SET handoff_error = $1, handoff_failed_at = NOW(), updated_at = NOW() WHERE id = $2`
	if _, err := s.db.Exec(ctx, query, msg, intentID); err != nil {
		return fmt.Errorf("database error flagging payment intent %s: %w", intentID, err)
	}
	return nil
}

func (s *PaymentRecordStore) GetIntent(ctx context.Context, intentID string) (*models.PaymentIntent, error) {
	var (
		intent         models.PaymentIntent
		method, status string
		amount         string
	)
	query := `
		SELECT id, booking_id, user_id::text, method, amount::text, status, COALESCE(qr_code, ''), COALESCE(qr_code_image, ''), expiration_time, created_at
		FROM payment_intents
		WHERE id = $1
	`
	err := s.db.QueryRow(ctx, query, intentID).Scan(
		&intent.ID, &intent.BookingID, &intent.UserID, &method, &amount, &status,
		&intent.QRCode, &intent.QRCodeImage, &intent.ExpirationTime, &intent.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnknownIntent
		}
		return nil, fmt.Errorf("database error fetching payment intent %s: %w", intentID, err)
	}

	intent.Method = models.PaymentMethod(method)
	intent.Status, _ = models.ParsePaymentStatus(status)
	if intent.Amount, err = decimal.NewFromString(amount); err != nil {
		return nil, fmt.Errorf("payment intent %s has invalid amount %q: %w", intentID, amount, err)
	}
	return &intent, nil
}
