// Package payments reconciles gateway orders into the credit ledger.
//
// Orders are minted locally against a fixed price list and settled by the
// gateway's webhook. The order id is the idempotency key for replays: the
// gateway may resend an event for 24 hours, and every resend must land on
// the same final state.
package payments

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/deepbin/backend/internal/config"
	"github.com/deepbin/backend/internal/ledger"
	"github.com/deepbin/backend/internal/metrics"
	"github.com/deepbin/backend/internal/models"
)

// Gateway webhook events this service settles. Everything else is
// acknowledged and dropped.
const (
	EventCaptured = "payment.captured"
	EventFailed   = "payment.failed"
)

var (
	ErrUnknownPlan       = errors.New("payments: unknown plan")
	ErrUnknownOrder      = errors.New("payments: unknown order")
	ErrSignatureMismatch = errors.New("payments: signature mismatch")
	ErrMalformedEvent    = errors.New("payments: malformed event")
	ErrNotFound          = errors.New("payments: not found")
)

// Plan is one fixed-price credit bundle. Amount is in minor units (paise).
type Plan struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Credits  int    `json:"credits"`
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

var plans = []Plan{
	{ID: "starter", Name: "Starter", Credits: 100, Amount: 100000, Currency: "INR"},
	{ID: "standard", Name: "Standard", Credits: 500, Amount: 450000, Currency: "INR"},
	{ID: "pro", Name: "Pro", Credits: 1200, Amount: 960000, Currency: "INR"},
	{ID: "enterprise", Name: "Enterprise", Credits: 5000, Amount: 3600000, Currency: "INR"},
}

// Plans returns the published price list.
func Plans() []Plan {
	out := make([]Plan, len(plans))
	copy(out, plans)
	return out
}

// PlanByID looks up one plan from the price list.
func PlanByID(id string) (Plan, bool) {
	for _, p := range plans {
		if p.ID == id {
			return p, true
		}
	}
	return Plan{}, false
}

// Notifier fans payment outcomes out to the owner's webhook endpoints.
type Notifier interface {
	Dispatch(owner, event string, data map[string]interface{})
}

// Outcome is what webhook processing produced, shaped for the HTTP layer.
type Outcome struct {
	Event    string                `json:"event"`
	Payment  *models.Payment       `json:"payment,omitempty"`
	Credit   *ledger.PaymentCredit `json:"credit,omitempty"`
	Replayed bool                  `json:"replayed"`
	Ignored  bool                  `json:"ignored"`
}

// Service mints orders and settles gateway webhooks against the ledger.
type Service struct {
	store    Store
	ledger   *ledger.Service
	notifier Notifier
	metrics  *metrics.Metrics
	secret   []byte
	keyID    string
	logger   *log.Logger
}

// New wires the payment service. notifier and m may be nil.
func New(cfg config.PaymentsConfig, store Store, led *ledger.Service, notifier Notifier, m *metrics.Metrics) *Service {
	return &Service{
		store:    store,
		ledger:   led,
		notifier: notifier,
		metrics:  m,
		secret:   []byte(cfg.WebhookSecret),
		keyID:    cfg.KeyID,
		logger:   log.New(log.Writer(), "[Payments] ", log.LstdFlags),
	}
}

// KeyID is the public gateway key the checkout frontend needs alongside an
// order id.
func (s *Service) KeyID() string {
	return s.keyID
}

// CreateOrder mints a gateway order for planID and persists it as created.
func (s *Service) CreateOrder(ctx context.Context, owner, planID string) (*models.Payment, error) {
	if owner == "" {
		return nil, errors.New("payments: owner required")
	}
	plan, ok := PlanByID(planID)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlan, planID)
	}

	now := time.Now().UTC()
	payment := &models.Payment{
		ID:        models.NewID(),
		Owner:     owner,
		OrderID:   newOrderID(),
		PlanID:    plan.ID,
		PlanName:  plan.Name,
		Credits:   plan.Credits,
		Amount:    plan.Amount,
		Currency:  plan.Currency,
		Status:    models.PaymentCreated,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Insert(ctx, payment); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	s.logger.Printf("💳 Created order %s for %s (%s: %d credits, %d paise)",
		payment.OrderID, owner, plan.ID, plan.Credits, plan.Amount)
	return payment, nil
}

// VerifySignature checks the gateway's HMAC-SHA256 hex signature over the
// raw request body.
func (s *Service) VerifySignature(body []byte, signature string) bool {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(signature), []byte(expected))
}

// webhookEnvelope mirrors the gateway's event wrapper. Only the payment
// entity is read.
type webhookEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity paymentEntity `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

type paymentEntity struct {
	ID               string      `json:"id"`
	OrderID          string      `json:"order_id"`
	Method           string      `json:"method"`
	Card             *cardEntity `json:"card"`
	ErrorDescription string      `json:"error_description"`
}

type cardEntity struct {
	Last4   string `json:"last4"`
	Network string `json:"network"`
}

// ProcessWebhook verifies and settles one gateway event. body must be the
// raw request bytes; the signature is computed over them, so any reframing
// breaks verification.
func (s *Service) ProcessWebhook(ctx context.Context, body []byte, signature string) (*Outcome, error) {
	if !s.VerifySignature(body, signature) {
		s.record("rejected")
		s.logger.Printf("🚨 Webhook signature mismatch (%d byte body)", len(body))
		return nil, ErrSignatureMismatch
	}

	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		s.record("rejected")
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}

	switch env.Event {
	case EventCaptured:
		return s.capture(ctx, env.Payload.Payment.Entity, signature)
	case EventFailed:
		return s.fail(ctx, env.Payload.Payment.Entity)
	default:
		s.logger.Printf("⚠️ Ignoring webhook event %q", env.Event)
		return &Outcome{Event: env.Event, Ignored: true}, nil
	}
}

// capture settles a successful payment. Two idempotency layers back the
// 24 hour replay window: the credits_added flag on the row, and the ledger's
// payment-id check underneath it for the crash window between the ledger
// write and the row update.
func (s *Service) capture(ctx context.Context, entity paymentEntity, signature string) (*Outcome, error) {
	payment, err := s.load(ctx, entity.OrderID)
	if err != nil {
		return nil, err
	}

	if payment.CreditsAdded {
		s.record("replayed")
		s.logger.Printf("↩️ Replayed capture for order %s, credits already added", payment.OrderID)
		return &Outcome{Event: EventCaptured, Payment: payment, Replayed: true}, nil
	}
	if payment.Status != models.PaymentSuccess && !payment.Status.CanTransition(models.PaymentSuccess) {
		// Terminal row without credits. The gateway moved money we cannot
		// apply automatically; the admin credit surface reconciles these.
		s.record("rejected")
		s.logger.Printf("🚨 Capture for %s order %s dropped, needs manual reconciliation",
			payment.Status, payment.OrderID)
		return &Outcome{Event: EventCaptured, Payment: payment, Ignored: true}, nil
	}

	description := fmt.Sprintf("Purchased %s plan (%d credits)", payment.PlanName, payment.Credits)
	credit, err := s.ledger.AddCreditsFromPayment(ctx, payment.Owner, payment.Credits, entity.ID, description)
	if err != nil {
		return nil, fmt.Errorf("credit payment %s: %w", entity.ID, err)
	}

	payment.Status = models.PaymentSuccess
	payment.PaymentID = entity.ID
	payment.Signature = signature
	payment.Method = entity.Method
	if entity.Card != nil {
		payment.CardLast4 = entity.Card.Last4
		payment.CardNetwork = entity.Card.Network
	}
	payment.CreditsAdded = true
	payment.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, payment); err != nil {
		// The ledger write landed; the next replay heals the row through
		// the payment-id check.
		return nil, fmt.Errorf("persist capture: %w", err)
	}

	s.record("captured")
	if credit.Duplicate {
		s.logger.Printf("↩️ Healed order %s, ledger already held payment %s", payment.OrderID, entity.ID)
	} else {
		s.logger.Printf("✅ Captured order %s: +%d credits for %s (debt cleared %d, balance %d)",
			payment.OrderID, payment.Credits, payment.Owner, credit.DebtCleared, credit.Balance.Remaining)
	}
	return &Outcome{Event: EventCaptured, Payment: payment, Credit: credit}, nil
}

// fail marks the order failed and tells the owner's endpoints about it.
func (s *Service) fail(ctx context.Context, entity paymentEntity) (*Outcome, error) {
	payment, err := s.load(ctx, entity.OrderID)
	if err != nil {
		return nil, err
	}

	if payment.Status == models.PaymentFailed {
		s.record("replayed")
		return &Outcome{Event: EventFailed, Payment: payment, Replayed: true}, nil
	}
	if !payment.Status.CanTransition(models.PaymentFailed) {
		// A capture already settled this order; the late failure is noise.
		s.logger.Printf("⚠️ Failure event for %s order %s ignored", payment.Status, payment.OrderID)
		return &Outcome{Event: EventFailed, Payment: payment, Ignored: true}, nil
	}

	reason := entity.ErrorDescription
	if reason == "" {
		reason = "payment failed"
	}
	payment.Status = models.PaymentFailed
	payment.PaymentID = entity.ID
	payment.FailureReason = reason
	payment.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, payment); err != nil {
		return nil, fmt.Errorf("persist failure: %w", err)
	}

	s.record("failed")
	s.logger.Printf("❌ Order %s failed: %s", payment.OrderID, reason)
	if s.notifier != nil {
		s.notifier.Dispatch(payment.Owner, EventFailed, map[string]interface{}{
			"orderId": payment.OrderID,
			"planId":  payment.PlanID,
			"reason":  reason,
		})
	}
	return &Outcome{Event: EventFailed, Payment: payment}, nil
}

func (s *Service) load(ctx context.Context, orderID string) (*models.Payment, error) {
	payment, err := s.store.GetByOrderID(ctx, orderID)
	if errors.Is(err, ErrNotFound) {
		s.record("rejected")
		return nil, fmt.Errorf("%w: %s", ErrUnknownOrder, orderID)
	}
	if err != nil {
		return nil, fmt.Errorf("load order %s: %w", orderID, err)
	}
	return payment, nil
}

func (s *Service) record(event string) {
	if s.metrics != nil {
		s.metrics.RecordPaymentEvent(event)
	}
}

func newOrderID() string {
	buf := make([]byte, 9)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("payments: crypto/rand unavailable: %v", err))
	}
	return "order_" + hex.EncodeToString(buf)
}
