package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/shopspring/decimal"

	"marketplace/backend/logger"
	"marketplace/backend/middleware"
	"marketplace/backend/models"
	"marketplace/backend/services"
)

// BookingStore is the booking collaborator used by the payment routes.
// This allows for mocking in tests.
type BookingStore interface {
	GetBooking(ctx context.Context, bookingID, userID string) (*models.Booking, error)
	MarkPaymentApproved(ctx context.Context, intent models.PaymentIntent) error
}

// PaymentHandler handles HTTP requests related to payments.
type PaymentHandler struct {
	payments *services.PaymentService
	bookings BookingStore
	feed     *services.NotificationFeed
	logg     *logger.Logger
}

// NewPaymentHandler creates a new PaymentHandler instance.
func NewPaymentHandler(payments *services.PaymentService, bookings BookingStore, feed *services.NotificationFeed, logg *logger.Logger) *PaymentHandler {
	return &PaymentHandler{payments: payments, bookings: bookings, feed: feed, logg: logg}
}

// intentView is the JSON shape of an intent returned to the UI.
type intentView struct {
	ID             string                  `json:"payment_id"`
	BookingID      string                  `json:"booking_id"`
	Method         models.PaymentMethod    `json:"method"`
	Amount         decimal.Decimal         `json:"amount"`
	Status         models.PaymentStatus    `json:"status"`
	Label          string                  `json:"label"`
	Tone           string                  `json:"tone"`
	QRCode         string                  `json:"qr_code,omitempty"`
	QRCodeImage    string                  `json:"qr_code_base64,omitempty"`
	ExpirationTime *time.Time              `json:"expiration_date,omitempty"`
	Polling        services.SessionState   `json:"polling"`
	Notifications  []services.Notification `json:"notifications,omitempty"`
}

func (h *PaymentHandler) view(intent models.PaymentIntent) intentView {
	label := models.LabelFor(intent.Status)
	v := intentView{
		ID:             intent.ID,
		BookingID:      intent.BookingID,
		Method:         intent.Method,
		Amount:         intent.Amount,
		Status:         intent.Status,
		Label:          label.Label,
		Tone:           label.Tone,
		QRCode:         intent.QRCode,
		QRCodeImage:    intent.QRCodeImage,
		ExpirationTime: intent.ExpirationTime,
		Polling:        h.payments.SessionState(intent.ID),
	}
	if h.feed != nil {
		v.Notifications = h.feed.Recent(intent.ID)
	}
	return v
}

// requestContext carries the caller's token and log fields into the service layer.
func (h *PaymentHandler) requestContext(c *fiber.Ctx) (context.Context, models.Identity, bool) {
	identity, ok := middleware.IdentityFrom(c)
	if !ok {
		return nil, models.Identity{}, false
	}
	ctx := services.WithBearerToken(c.UserContext(), identity.Token)
	return ctx, identity, true
}

func errorResponse(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{"status": "error", "message": message})
}

// writeServiceError maps service errors onto HTTP responses.
func (h *PaymentHandler) writeServiceError(c *fiber.Ctx, ctx context.Context, err error) error {
	var (
		verr *services.ValidationError
		cerr *services.PaymentCreationError
	)
	switch {
	case errors.As(err, &verr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"status":  "error",
			"message": verr.UserMessage(),
			"fields":  verr.Fields,
		})
	case errors.As(err, &cerr):
		return errorResponse(c, fiber.StatusBadGateway, cerr.Message)
	case errors.Is(err, services.ErrBookingNotFound):
		return errorResponse(c, fiber.StatusNotFound, "Reserva não encontrada.")
	case errors.Is(err, services.ErrUnknownIntent):
		return errorResponse(c, fiber.StatusNotFound, "Pagamento não encontrado.")
	case errors.Is(err, services.ErrIntentSettled):
		return errorResponse(c, fiber.StatusConflict, "Este pagamento já foi finalizado.")
	}
	h.logg.Error(ctx, "unexpected payment error", err)
	return errorResponse(c, fiber.StatusInternalServerError, "Erro interno. Tente novamente.")
}

func (h *PaymentHandler) createPayment(c *fiber.Ctx, method models.PaymentMethod) error {
	ctx, identity, ok := h.requestContext(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, "Unauthorized: Missing user identification.")
	}

	var payer models.PayerInfo
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&payer); err != nil {
			return errorResponse(c, fiber.StatusBadRequest, "Invalid request body")
		}
	}
	payer = payer.PrefillFrom(identity)

	bookingID := utils.CopyString(c.Params("booking_id"))
	ctx = h.logg.WithBookingID(ctx, bookingID)
	booking, err := h.bookings.GetBooking(ctx, bookingID, identity.UserID)
	if err != nil {
		return h.writeServiceError(c, ctx, err)
	}

	intent, err := h.payments.CreateIntent(ctx, *booking, method, payer, h.bookings.MarkPaymentApproved)
	if err != nil {
		return h.writeServiceError(c, ctx, err)
	}
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"status": "success",
		"data":   h.view(*intent),
	})
}

// CreatePixPayment handles POST /api/v1/bookings/:booking_id/payments/pix
func (h *PaymentHandler) CreatePixPayment(c *fiber.Ctx) error {
	return h.createPayment(c, models.PaymentMethodPix)
}

// CreateCardPayment handles POST /api/v1/bookings/:booking_id/payments/credit-card
func (h *PaymentHandler) CreateCardPayment(c *fiber.Ctx) error {
	return h.createPayment(c, models.PaymentMethodCreditCard)
}

// GetPayment handles GET /api/v1/payments/:payment_id
func (h *PaymentHandler) GetPayment(c *fiber.Ctx) error {
	ctx, identity, ok := h.requestContext(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, "Unauthorized: Missing user identification.")
	}
	intent, err := h.payments.GetIntent(ctx, c.Params("payment_id"), identity.UserID)
	if err != nil {
		return h.writeServiceError(c, ctx, err)
	}
	return c.JSON(fiber.Map{"status": "success", "data": h.view(*intent)})
}

// CheckPayment handles POST /api/v1/payments/:payment_id/check
// A failed query is reported softly with status "unknown".
func (h *PaymentHandler) CheckPayment(c *fiber.Ctx) error {
	ctx, identity, ok := h.requestContext(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, "Unauthorized: Missing user identification.")
	}
	paymentID := utils.CopyString(c.Params("payment_id"))

	status, err := h.payments.Check(ctx, paymentID, identity.UserID, h.bookings.MarkPaymentApproved)
	if err != nil {
		var transient *services.TransientPollError
		if errors.As(err, &transient) {
			return c.JSON(fiber.Map{
				"status":  "unknown",
				"message": "Não foi possível verificar o pagamento agora. Tente novamente em instantes.",
			})
		}
		return h.writeServiceError(c, ctx, err)
	}

	label := models.LabelFor(status)
	return c.JSON(fiber.Map{
		"status": "success",
		"data": fiber.Map{
			"payment_id": paymentID,
			"status":     status,
			"label":      label.Label,
			"tone":       label.Tone,
			"polling":    h.payments.SessionState(paymentID),
		},
	})
}

// WatchPayment handles POST /api/v1/payments/:payment_id/watch
func (h *PaymentHandler) WatchPayment(c *fiber.Ctx) error {
	ctx, identity, ok := h.requestContext(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, "Unauthorized: Missing user identification.")
	}
	intent, err := h.payments.Watch(ctx, utils.CopyString(c.Params("payment_id")), identity.UserID, h.bookings.MarkPaymentApproved)
	if err != nil {
		return h.writeServiceError(c, ctx, err)
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"status": "success", "data": h.view(*intent)})
}

// StopWatchingPayment handles DELETE /api/v1/payments/:payment_id/watch
func (h *PaymentHandler) StopWatchingPayment(c *fiber.Ctx) error {
	ctx, identity, ok := h.requestContext(c)
	if !ok {
		return errorResponse(c, fiber.StatusUnauthorized, "Unauthorized: Missing user identification.")
	}
	paymentID := c.Params("payment_id")
	cancelled, err := h.payments.StopWatching(ctx, paymentID, identity.UserID)
	if err != nil {
		return h.writeServiceError(c, ctx, err)
	}
	return c.JSON(fiber.Map{
		"status":    "success",
		"cancelled": cancelled,
		"polling":   h.payments.SessionState(paymentID),
	})
}

// SetupPaymentRoutes registers the payment-related routes.
func SetupPaymentRoutes(api fiber.Router, handler *PaymentHandler, authMiddleware fiber.Handler) {
	bookings := api.Group("/bookings/:booking_id/payments", authMiddleware)
	bookings.Post("/pix", handler.CreatePixPayment)
	bookings.Post("/credit-card", handler.CreateCardPayment)

	payments := api.Group("/payments/:payment_id", authMiddleware)
	payments.Get("/", handler.GetPayment)
	payments.Post("/check", handler.CheckPayment)
	payments.Post("/watch", handler.WatchPayment)
	payments.Delete("/watch", handler.StopWatchingPayment)
}
