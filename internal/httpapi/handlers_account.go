package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/deepbin/backend/internal/models"
	"github.com/deepbin/backend/internal/otp"
	"github.com/deepbin/backend/internal/payments"
)

const maxWebhookBytes = 1 << 20

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r.Context())
	page, limit := pageWindow(r)

	txns, total, err := s.ledger.Transactions(r.Context(), ident.Owner, page, limit)
	if err != nil {
		s.logger.Printf("❌ Transaction lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, CodeInternalError, "transaction lookup failed")
		return
	}
	if txns == nil {
		txns = []*models.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": txns,
		"pagination":   paginate(page, limit, total),
	})
}

func (s *Server) handleOTPRequest(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r.Context())

	var req struct {
		Purpose string `json:"purpose"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Purpose == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "purpose is required")
		return
	}

	code, err := s.otps.Generate(r.Context(), ident.Owner, req.Purpose)
	if err != nil {
		s.logger.Printf("❌ OTP generation failed: %v", err)
		writeError(w, http.StatusInternalServerError, CodeInternalError, "otp generation failed")
		return
	}

	// Mail transport lives outside this service; development returns the
	// code inline so the loop can be exercised without it.
	resp := map[string]interface{}{
		"sent":      true,
		"expiresAt": code.ExpiresAt,
	}
	if s.cfg.Env == "development" {
		resp["code"] = code.Code
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOTPVerify(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r.Context())

	var req struct {
		Code    string `json:"code"`
		Purpose string `json:"purpose"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Code == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "code is required")
		return
	}

	if err := s.otps.Verify(r.Context(), ident.Owner, req.Code, req.Purpose); err != nil {
		if errors.Is(err, otp.ErrInvalidCode) {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid or expired code")
			return
		}
		s.logger.Printf("❌ OTP verify failed: %v", err)
		writeError(w, http.StatusInternalServerError, CodeInternalError, "otp verify failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"verified": true})
}

// handlePaymentWebhook relays the raw body to the payment service; any
// reading or re-marshalling before verification would break the signature.
func (s *Server) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "unreadable body")
		return
	}

	out, err := s.payments.ProcessWebhook(r.Context(), body, r.Header.Get("X-Razorpay-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, payments.ErrSignatureMismatch):
			writeError(w, http.StatusBadRequest, CodePaymentError, "signature mismatch")
		case errors.Is(err, payments.ErrMalformedEvent):
			writeError(w, http.StatusBadRequest, CodePaymentError, "malformed event")
		case errors.Is(err, payments.ErrUnknownOrder):
			writeError(w, http.StatusNotFound, CodePaymentError, "unknown order")
		default:
			s.logger.Printf("❌ Webhook processing failed: %v", err)
			writeError(w, http.StatusInternalServerError, CodeInternalError, "webhook processing failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"event":    out.Event,
		"replayed": out.Replayed,
		"ignored":  out.Ignored,
	})
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r.Context())

	var req struct {
		PlanID string `json:"planId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed body")
		return
	}

	payment, err := s.payments.CreateOrder(r.Context(), ident.Owner, req.PlanID)
	if err != nil {
		if errors.Is(err, payments.ErrUnknownPlan) {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "unknown plan "+req.PlanID)
			return
		}
		s.logger.Printf("❌ Order creation failed: %v", err)
		writeError(w, http.StatusInternalServerError, CodePaymentError, "order creation failed")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"order": map[string]interface{}{
			"id":       payment.ID,
			"orderId":  payment.OrderID,
			"planId":   payment.PlanID,
			"credits":  payment.Credits,
			"amount":   payment.Amount,
			"currency": payment.Currency,
		},
		"keyId": s.payments.KeyID(),
	})
}
