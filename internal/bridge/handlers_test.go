package bridge

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
)

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)
	svc, _, _ := newTestBridge(t)
	router := gin.New()
	NewHandler(svc).RegisterRoutes(router.Group("/v1"))
	return router
}

func postExchange(t *testing.T, router *gin.Engine, body gin.H) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/v1/exchange", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestExchangeHandlerRejectsMalformedFields(t *testing.T) {
	router := newTestRouter(t)

	cases := []struct {
		name string
		body gin.H
		want string
	}{
		{"garbage amount", gin.H{
			"userId": "u", "direction": "FIAT_TO_CRYPTO",
			"fromCurrency": "USD", "toCurrency": "SOL", "amount": "12.3.4",
		}, "invalid amount format"},
		{"lowercase currency", gin.H{
			"userId": "u", "direction": "FIAT_TO_CRYPTO",
			"fromCurrency": "usd", "toCurrency": "SOL", "amount": "10",
		}, "uppercase currency code"},
		{"currency too short", gin.H{
			"userId": "u", "direction": "FIAT_TO_CRYPTO",
			"fromCurrency": "USD", "toCurrency": "SO", "amount": "10",
		}, "3-5 letter currency code"},
	}
	for _, tc := range cases {
		w := postExchange(t, router, tc.body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", tc.name, w.Code)
		}
		if !bytes.Contains(w.Body.Bytes(), []byte("validation_failed")) {
			t.Errorf("%s: body = %s", tc.name, w.Body.String())
		}
		if !bytes.Contains(w.Body.Bytes(), []byte(tc.want)) {
			t.Errorf("%s: body missing %q: %s", tc.name, tc.want, w.Body.String())
		}
	}
}

func TestExchangeHandlerHappyPath(t *testing.T) {
	router := newTestRouter(t)

	w := postExchange(t, router, gin.H{
		"userId":       "user_1",
		"direction":    "FIAT_TO_CRYPTO",
		"fromCurrency": "USD",
		"toCurrency":   "SOL",
		"amount":       "150",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", w.Code, w.Body.String())
	}
	if !bytes.Contains(w.Body.Bytes(), []byte("convertedAmount")) {
		t.Errorf("body missing converted amount: %s", w.Body.String())
	}
}
