package services

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketplace/backend/config"
	"marketplace/backend/logger"
	"marketplace/backend/models"
)

func newTestBackend(t *testing.T, handler http.HandlerFunc) *BackendClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := NewBackendClient(config.PaymentsConfig{BackendURL: srv.URL, ServiceToken: "service-token"}, logger.Nop())
	require.NoError(t, err)
	return client
}

func TestBackendClient_CreatePixPayment(t *testing.T) {
	var gotBody models.PixPaymentRequest
	client := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/payments/pix", r.URL.Path)
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Idempotency-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"payment_id":"PAY1","qr_code":"000201...","qr_code_base64":"iVBOR","expiration_date":"2026-10-15T12:30:00.000-03:00","status":"pending"}`))
	})

	ctx := WithBearerToken(context.Background(), "user-token")
	resp, err := client.CreatePixPayment(ctx, models.PixPaymentRequest{
		BookingID:               "B1",
		PayerEmail:              "a@b.com",
		PayerName:               "A B",
		PayerIdentification:     "000.000.000-00",
		PayerIdentificationType: "CPF",
	})
	require.NoError(t, err)
	assert.Equal(t, models.ProviderID("PAY1"), resp.PaymentID)
	assert.Equal(t, "000201...", resp.QRCode)
	require.NotNil(t, resp.ExpirationDate)
	assert.Equal(t, "B1", gotBody.BookingID)
	assert.Equal(t, "CPF", gotBody.PayerIdentificationType)
}

func TestBackendClient_CreateCardPaymentUsesServiceTokenWithoutUserToken(t *testing.T) {
	client := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments/credit-card", r.URL.Path)
		assert.Equal(t, "Bearer service-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"payment_id":987654,"status":"approved"}`))
	})

	resp, err := client.CreateCardPayment(context.Background(), models.CardPaymentRequest{BookingID: "B1", CardToken: "tok_1", Installments: 1})
	require.NoError(t, err)
	assert.Equal(t, models.ProviderID("987654"), resp.PaymentID)
	assert.Equal(t, "approved", resp.Status)
}

func TestBackendClient_CreateSurfacesBackendError(t *testing.T) {
	client := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"message":"invalid payer"}`))
	})

	_, err := client.CreatePixPayment(context.Background(), models.PixPaymentRequest{BookingID: "B1"})
	var statusErr *BackendStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, http.StatusUnprocessableEntity, statusErr.StatusCode)
	assert.Equal(t, "invalid payer", statusErr.Message)
}

func TestBackendClient_GetPaymentStatus(t *testing.T) {
	statuses := []string{"approved", "in_process"}
	calls := 0
	client := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/payments/PAY1/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(models.PaymentStatusResponse{Status: statuses[calls]})
		calls++
	})

	status, err := client.GetPaymentStatus(context.Background(), "PAY1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusApproved, status)

	status, err = client.GetPaymentStatus(context.Background(), "PAY1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusPending, status)
}

func TestBackendClient_GetPaymentStatusFallsBackToServiceToken(t *testing.T) {
	var auths []string
	client := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		auths = append(auths, r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		if r.Header.Get("Authorization") != "Bearer service-token" {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"message":"token expired"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status":"approved"}`))
	})

	status, err := client.GetPaymentStatus(WithBearerToken(context.Background(), "expired-token"), "PAY1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusApproved, status)
	assert.Equal(t, []string{"Bearer expired-token", "Bearer service-token"}, auths)
}

func TestBackendClient_GetPaymentStatusPermanentErrors(t *testing.T) {
	code := http.StatusNotFound
	client := newTestBackend(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write([]byte(`{"message":"nope"}`))
	})

	_, err := client.GetPaymentStatus(context.Background(), "PAY1")
	assert.True(t, IsPermanentStatusError(err))

	code = http.StatusServiceUnavailable
	_, err = client.GetPaymentStatus(context.Background(), "PAY1")
	require.Error(t, err)
	assert.False(t, IsPermanentStatusError(err))
	assert.False(t, IsPermanentStatusError(errors.New("connection reset")))
}

func TestNewBackendClient_RequiresURL(t *testing.T) {
	_, err := NewBackendClient(config.PaymentsConfig{}, logger.Nop())
	assert.Error(t, err)
	_, err = NewBackendClient(config.PaymentsConfig{BackendURL: "http://x"}, nil)
	assert.Error(t, err)
}
