package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"marketplace/backend/database"
	"marketplace/backend/logger"
	"marketplace/backend/models"
)

// BookingService is the booking collaborator of the payment flow. It reads
// the amount due and applies the success callback.
type BookingService struct {
	db   database.DBPool
	logg *logger.Logger
}

// NewBookingService creates a new BookingService instance.
func NewBookingService(db database.DBPool, logg *logger.Logger) *BookingService {
	return &BookingService{db: db, logg: logg}
}

// GetBooking loads the payment-relevant part of a booking owned by userID.
// A booking owned by someone else is reported as not found.
func (s *BookingService) GetBooking(ctx context.Context, bookingID, userID string) (*models.Booking, error) {
	var (
		booking models.Booking
		total   string
	)
	query := `
		SELECT id, user_id::text, preco_total::text, payment_status
		FROM bookings
		WHERE id = $1 AND user_id = $2
	`
	err := s.db.QueryRow(ctx, query, bookingID, userID).Scan(&booking.ID, &booking.UserID, &total, &booking.PaymentStatus)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, fmt.Errorf("database error fetching booking %s: %w", bookingID, err)
	}

	booking.PrecoTotal, err = decimal.NewFromString(total)
	if err != nil {
		return nil, fmt.Errorf("booking %s has invalid preco_total %q: %w", bookingID, total, err)
	}
	return &booking, nil
}

// MarkPaymentApproved is the success callback handed to the payment flow.
// It marks the booking paid and settles the stored intent in one transaction.
// Both updates are conditional, so replays are harmless.
func (s *BookingService) MarkPaymentApproved(ctx context.Context, intent models.PaymentIntent) error {
	ctx = s.logg.WithBookingID(s.logg.WithIntentID(ctx, intent.ID), intent.BookingID)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("db transaction begin failed: %w", err)
	}
	defer tx.Rollback(ctx)

	updateBooking := `UPDATE bookings SET payment_status = $1, updated_at = NOW() WHERE id = $2 AND payment_status IS DISTINCT FROM $1`
	tag, err := tx.Exec(ctx, updateBooking, models.BookingPaymentStatusPaid, intent.BookingID)
	if err != nil {
		return fmt.Errorf("db booking update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		s.logg.Warn(ctx, "booking missing or already paid", nil)
	}

	updateIntent := `UPDATE payment_intents SET status = $1, updated_at = NOW() WHERE id = $2 AND status = $3`
	if _, err := tx.Exec(ctx, updateIntent, string(models.PaymentStatusApproved), intent.ID, string(models.PaymentStatusPending)); err != nil {
		return fmt.Errorf("db payment intent update failed: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("db transaction commit failed: %w", err)
	}
	s.logg.Info(ctx, "booking marked as paid")
	return nil
}
