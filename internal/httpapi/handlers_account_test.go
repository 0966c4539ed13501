package httpapi

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/deepbin/backend/internal/config"
)

func userReq(t *testing.T, owner, method, path string, v interface{}) *http.Request {
	t.Helper()
	var req *http.Request
	if v != nil {
		req = jsonReq(t, method, path, v)
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	req.Header.Set("X-User-ID", owner)
	return req
}

func signWebhook(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func capturedEvent(t *testing.T, orderID, paymentID string) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]interface{}{
		"event": "payment.captured",
		"payload": map[string]interface{}{
			"payment": map[string]interface{}{
				"entity": map[string]interface{}{
					"id":       paymentID,
					"order_id": orderID,
					"method":   "card",
					"card":     map[string]string{"last4": "4242", "network": "Visa"},
				},
			},
		},
	})
	require.NoError(t, err)
	return body
}

func TestTransactionsPagination(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.fund(t, "u1", 100)
	for i := 0; i < 2; i++ {
		_, err := f.ledger.DeductUsage(ctx, "u1", 10, fmt.Sprintf("job-%d", i), "", "SDK Binary Analysis")
		require.NoError(t, err)
	}

	rr := f.do(userReq(t, "u1", http.MethodGet, "/user/transactions?limit=2", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decodeBody(t, rr)
	txns, ok := resp["transactions"].([]interface{})
	require.True(t, ok)
	assert.Len(t, txns, 2)

	page := subMap(t, resp, "pagination")
	assert.EqualValues(t, 3, page["total"], "the grant and both deductions count")
	assert.EqualValues(t, 2, page["totalPages"])

	newest := txns[0].(map[string]interface{})
	assert.Equal(t, "debit", newest["type"], "listing is newest first")
}

func TestTransactionsEmptyIsAnArray(t *testing.T) {
	f := newFixture(t)

	rr := f.do(userReq(t, "nobody", http.MethodGet, "/user/transactions", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"transactions":[]`)
}

func TestOTPRoundTrip(t *testing.T) {
	f := newFixture(t)

	rr := f.do(userReq(t, "u1", http.MethodPost, "/user/otp", map[string]string{"purpose": "payout"}))
	require.Equal(t, http.StatusOK, rr.Code)

	resp := decodeBody(t, rr)
	assert.Equal(t, true, resp["sent"])
	code, _ := resp["code"].(string)
	require.NotEmpty(t, code, "development mode returns the code inline")

	rr = f.do(userReq(t, "u1", http.MethodPost, "/user/otp/verify", map[string]string{
		"code": code, "purpose": "payout",
	}))
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decodeBody(t, rr)["verified"])

	// Codes are single use.
	rr = f.do(userReq(t, "u1", http.MethodPost, "/user/otp/verify", map[string]string{
		"code": code, "purpose": "payout",
	}))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestOTPHiddenOutsideDevelopment(t *testing.T) {
	f := newFixtureEnv(t, config.ServerConfig{Env: "staging"})

	rr := f.do(userReq(t, "u1", http.MethodPost, "/user/otp", map[string]string{"purpose": "payout"}))
	require.Equal(t, http.StatusOK, rr.Code)

	_, present := decodeBody(t, rr)["code"]
	assert.False(t, present, "codes never travel in responses outside development")
}

func TestOTPRequiresPurpose(t *testing.T) {
	f := newFixture(t)

	rr := f.do(userReq(t, "u1", http.MethodPost, "/user/otp", map[string]string{}))
	require.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestOTPVerifyRejectsUnknownCode(t *testing.T) {
	f := newFixture(t)

	rr := f.do(userReq(t, "u1", http.MethodPost, "/user/otp/verify", map[string]string{
		"code": "000000", "purpose": "payout",
	}))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "invalid or expired code", decodeBody(t, rr)["message"])
}

func TestCreateOrder(t *testing.T) {
	f := newFixture(t)

	rr := f.do(userReq(t, "u1", http.MethodPost, "/payment/orders", map[string]string{"planId": "starter"}))
	require.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	resp := decodeBody(t, rr)
	assert.Equal(t, "rzp_test_1", resp["keyId"])

	order := subMap(t, resp, "order")
	assert.NotEmpty(t, order["orderId"])
	assert.Equal(t, "starter", order["planId"])
	assert.EqualValues(t, 100, order["credits"])
	assert.EqualValues(t, 100000, order["amount"])
	assert.Equal(t, "INR", order["currency"])
}

func TestCreateOrderUnknownPlan(t *testing.T) {
	f := newFixture(t)

	rr := f.do(userReq(t, "u1", http.MethodPost, "/payment/orders", map[string]string{"planId": "mega"}))
	require.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Contains(t, decodeBody(t, rr)["message"], "mega")
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	body := capturedEvent(t, "order_x", "pay_x")

	req := httptest.NewRequest(http.MethodPost, "/payment/webhook", bytes.NewReader(body))
	req.Header.Set("X-Razorpay-Signature", "deadbeef")

	rr := f.do(req)
	require.Equal(t, http.StatusBadRequest, rr.Code)
	resp := decodeBody(t, rr)
	assert.Equal(t, CodePaymentError, resp["code"])
	assert.Equal(t, "signature mismatch", resp["message"])
}

func TestWebhookUnknownOrder(t *testing.T) {
	f := newFixture(t)
	body := capturedEvent(t, "order_missing", "pay_x")

	req := httptest.NewRequest(http.MethodPost, "/payment/webhook", bytes.NewReader(body))
	req.Header.Set("X-Razorpay-Signature", signWebhook(body))

	rr := f.do(req)
	require.Equal(t, http.StatusNotFound, rr.Code)
}

func TestWebhookCaptureCreditsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	order, err := f.payments.CreateOrder(ctx, "u1", "starter")
	require.NoError(t, err)

	body := capturedEvent(t, order.OrderID, "pay_123")
	send := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPost, "/payment/webhook", bytes.NewReader(body))
		req.Header.Set("X-Razorpay-Signature", signWebhook(body))
		return f.do(req)
	}

	rr := send()
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	resp := decodeBody(t, rr)
	assert.Equal(t, "payment.captured", resp["event"])
	assert.Equal(t, false, resp["replayed"])

	balance, err := f.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 100, balance.Remaining)

	// Gateways redeliver inside their replay window; credits must not double.
	rr = send()
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, true, decodeBody(t, rr)["replayed"])

	balance, err = f.ledger.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 100, balance.Remaining)
}

func TestWebhookIgnoresUnknownEvents(t *testing.T) {
	f := newFixture(t)
	body, err := json.Marshal(map[string]interface{}{"event": "order.paid"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/payment/webhook", bytes.NewReader(body))
	req.Header.Set("X-Razorpay-Signature", signWebhook(body))

	rr := f.do(req)
	require.Equal(t, http.StatusOK, rr.Code)
	resp := decodeBody(t, rr)
	assert.Equal(t, true, resp["ignored"])
}
