package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"

	"marketplace/backend/config"
	"marketplace/backend/logger"
	"marketplace/backend/models"
)

// PaymentBackend is the REST surface of the payment backend/provider.
// This allows for mocking in tests.
type PaymentBackend interface {
	CreatePixPayment(ctx context.Context, req models.PixPaymentRequest) (*models.PixPaymentResponse, error)
	CreateCardPayment(ctx context.Context, req models.CardPaymentRequest) (*models.CardPaymentResponse, error)
	GetPaymentStatus(ctx context.Context, paymentID string) (models.PaymentStatus, error)
}

// StatusFetcher is the part of the backend the poller needs.
type StatusFetcher interface {
	GetPaymentStatus(ctx context.Context, paymentID string) (models.PaymentStatus, error)
}

type bearerTokenKey struct{}

// WithBearerToken stores the caller's token for outgoing backend requests.
func WithBearerToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, bearerTokenKey{}, token)
}

// BearerToken returns the token stored by WithBearerToken.
func BearerToken(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	token, _ := ctx.Value(bearerTokenKey{}).(string)
	return token
}

// BackendStatusError is a non-2xx answer from the backend.
type BackendStatusError struct {
	Operation  string
	StatusCode int
	Message    string
}

func (e *BackendStatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: backend returned %d", e.Operation, e.StatusCode)
	}
	return fmt.Sprintf("%s: backend returned %d: %s", e.Operation, e.StatusCode, e.Message)
}

// BackendClient talks JSON over HTTPS to the payment backend.
type BackendClient struct {
	http         *resty.Client
	serviceToken string
	logg         *logger.Logger
}

// NewBackendClient builds the REST client from configuration.
func NewBackendClient(cfg config.PaymentsConfig, logg *logger.Logger) (*BackendClient, error) {
	if logg == nil {
		return nil, errors.New("logger required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BackendURL), "/")
	if base == "" {
		return nil, errors.New("payments backend url is required")
	}
	timeout := cfg.RequestTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	client := resty.New().
		SetBaseURL(base).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")

	return &BackendClient{http: client, serviceToken: cfg.ServiceToken, logg: logg}, nil
}

func (c *BackendClient) request(ctx context.Context) *resty.Request {
	req := c.http.R().SetContext(ctx)
	token := BearerToken(ctx)
	if token == "" {
		token = c.serviceToken
	}
	if token != "" {
		req.SetAuthToken(token)
	}
	return req
}

// CreatePixPayment sends POST /payments/pix.
func (c *BackendClient) CreatePixPayment(ctx context.Context, body models.PixPaymentRequest) (*models.PixPaymentResponse, error) {
	var out models.PixPaymentResponse
	var apiErr models.BackendError
	resp, err := c.request(ctx).
		SetHeader("X-Idempotency-Key", uuid.NewString()).
		SetBody(body).
		SetResult(&out).
		SetError(&apiErr).
		Post("/payments/pix")
	if err := checkResponse("create pix payment", resp, err, apiErr); err != nil {
		return nil, err
	}
	if out.PaymentID == "" {
		return nil, errors.New("create pix payment: response without payment_id")
	}
	return &out, nil
}

// CreateCardPayment sends POST /payments/credit-card.
func (c *BackendClient) CreateCardPayment(ctx context.Context, body models.CardPaymentRequest) (*models.CardPaymentResponse, error) {
	var out models.CardPaymentResponse
	var apiErr models.BackendError
	resp, err := c.request(ctx).
		SetHeader("X-Idempotency-Key", uuid.NewString()).
		SetBody(body).
		SetResult(&out).
		SetError(&apiErr).
		Post("/payments/credit-card")
	if err := checkResponse("create card payment", resp, err, apiErr); err != nil {
		return nil, err
	}
	if out.PaymentID == "" {
		return nil, errors.New("create card payment: response without payment_id")
	}
	return &out, nil
}

// GetPaymentStatus sends GET /payments/{payment_id}/status. A 401 on the
// caller's token, which can expire while a session is still polling, is
// retried once with the service token.
func (c *BackendClient) GetPaymentStatus(ctx context.Context, paymentID string) (models.PaymentStatus, error) {
	out, err := c.fetchStatus(c.request(ctx), paymentID)
	if IsUnauthorized(err) && BearerToken(ctx) != "" && c.serviceToken != "" {
		c.logg.Debug(ctx, "caller token rejected, retrying status query with service token")
		out, err = c.fetchStatus(c.http.R().SetContext(ctx).SetAuthToken(c.serviceToken), paymentID)
	}
	if err != nil {
		return "", err
	}
	status, known := models.ParsePaymentStatus(out.Status)
	if !known {
		c.logg.Debug(c.logg.WithField(ctx, "provider_status", out.Status), "unmapped provider status treated as pending")
	}
	return status, nil
}

func (c *BackendClient) fetchStatus(req *resty.Request, paymentID string) (models.PaymentStatusResponse, error) {
	var out models.PaymentStatusResponse
	var apiErr models.BackendError
	resp, err := req.
		SetResult(&out).
		SetError(&apiErr).
		Get("/payments/" + url.PathEscape(paymentID) + "/status")
	return out, checkResponse("get payment status", resp, err, apiErr)
}

// IsUnauthorized reports a 401 from the backend.
func IsUnauthorized(err error) bool {
	var statusErr *BackendStatusError
	return errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusUnauthorized
}

// IsPermanentStatusError reports backend answers that will not change by
// asking again: rejected credentials, forbidden access or an unknown payment.
func IsPermanentStatusError(err error) bool {
	var statusErr *BackendStatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	switch statusErr.StatusCode {
	case http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
		return true
	}
	return false
}

func checkResponse(op string, resp *resty.Response, err error, apiErr models.BackendError) error {
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if resp.IsError() {
		return &BackendStatusError{Operation: op, StatusCode: resp.StatusCode(), Message: apiErr.Text()}
	}
	if resp.StatusCode() == http.StatusNoContent {
		return fmt.Errorf("%s: empty response", op)
	}
	return nil
}
