package webhooks

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradewind-labs/escrowd/internal/ledger"
	"github.com/tradewind-labs/escrowd/internal/processor"
)

func setupRouter(t *testing.T, secrets map[string]string) (*gin.Engine, *ledger.Service) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	reg := processor.NewRegistry()
	reg.Register(processor.NewPayPal())
	reg.Register(processor.NewStripe("", ""))

	svc := ledger.NewService(ledger.NewMemoryStore(), nil)
	pipe := NewPipeline(reg, svc, secrets, nil)

	router := gin.New()
	NewHandler(pipe).RegisterRoutes(router)
	return router, svc
}

func TestHandleWebhookOK(t *testing.T) {
	router, svc := setupRouter(t, nil)

	_, err := svc.CreateTransaction(context.Background(), ledger.CreateParams{
		UserID: "u", Type: ledger.TypeDeposit, Amount: "10", Currency: "USD",
		ProcessorName: "paypal", ProcessorTxID: "CAP-1",
	})
	require.NoError(t, err)

	body := []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-1","status":"COMPLETED"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/paypal", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var outcome Outcome
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &outcome))
	assert.True(t, outcome.Success)
}

func TestHandleWebhookSignatureHeaderRouting(t *testing.T) {
	secret := "whsec_test"
	router, svc := setupRouter(t, map[string]string{"paypal": secret})

	_, err := svc.CreateTransaction(context.Background(), ledger.CreateParams{
		UserID: "u", Type: ledger.TypeDeposit, Amount: "10", Currency: "USD",
		ProcessorName: "paypal", ProcessorTxID: "CAP-2",
	})
	require.NoError(t, err)

	body := []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-2","status":"COMPLETED"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/paypal", bytes.NewReader(body))
	req.Header.Set("Paypal-Transmission-Sig", Sign(body, secret))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandleWebhookBadSignature(t *testing.T) {
	router, _ := setupRouter(t, map[string]string{"paypal": "whsec_test"})

	body := []byte(`{"id":"WH-1","event_type":"PAYMENT.CAPTURE.COMPLETED","resource":{"id":"CAP-3","status":"COMPLETED"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/paypal", bytes.NewReader(body))
	req.Header.Set("Paypal-Transmission-Sig", "deadbeef")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleWebhookUnknownProcessor(t *testing.T) {
	router, _ := setupRouter(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/webhooks/square", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandleWebhookIgnoredEventStill200(t *testing.T) {
	router, _ := setupRouter(t, nil)

	body := []byte(`{"id":"evt_1","type":"customer.created","data":{"object":{"id":"cus_1","object":"customer"}}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(body))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
