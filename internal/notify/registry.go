// Package notify delivers signed webhooks to user-registered endpoints when
// jobs reach a terminal state or payments settle. Delivery is best effort
// with bounded retries; an endpoint that keeps failing is disabled rather
// than retried forever.
package notify

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/deepbin/backend/internal/models"
)

// disableAfter is the consecutive-failure budget before an endpoint is
// switched off. A single success resets the counter.
const disableAfter = 10

// Registry stores notification endpoints in memory, indexed by owner.
type Registry struct {
	mu        sync.RWMutex
	endpoints map[string]*models.NotificationEndpoint
	byOwner   map[string][]*models.NotificationEndpoint
	logger    *log.Logger
}

func NewRegistry() *Registry {
	return &Registry{
		endpoints: make(map[string]*models.NotificationEndpoint),
		byOwner:   make(map[string][]*models.NotificationEndpoint),
		logger:    log.New(log.Writer(), "[Notify] ", log.LstdFlags),
	}
}

// Register adds an endpoint. A missing secret is generated so every delivery
// can be signed; the caller must surface it to the user exactly once.
func (r *Registry) Register(ep *models.NotificationEndpoint) error {
	if ep.URL == "" {
		return fmt.Errorf("notify: endpoint URL is required")
	}
	if ep.Owner == "" {
		return fmt.Errorf("notify: endpoint owner is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if ep.ID == "" {
		ep.ID = models.NewID()
	}
	if ep.Secret == "" {
		ep.Secret = newSecret()
	}
	ep.Active = true
	ep.FailureCount = 0
	ep.CreatedAt = time.Now().UTC()

	r.endpoints[ep.ID] = ep
	r.byOwner[ep.Owner] = append(r.byOwner[ep.Owner], ep)

	r.logger.Printf("📡 Registered endpoint %s → %s (events: %v)", ep.ID, ep.URL, ep.Events)
	return nil
}

// Unregister removes an endpoint owned by owner.
func (r *Registry) Unregister(owner, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[id]
	if !ok || ep.Owner != owner {
		return fmt.Errorf("notify: endpoint %s not found", id)
	}

	delete(r.endpoints, id)
	kept := r.byOwner[owner][:0]
	for _, e := range r.byOwner[owner] {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	r.byOwner[owner] = kept

	r.logger.Printf("🗑️ Unregistered endpoint %s", id)
	return nil
}

// ListByOwner returns copies of the owner's endpoints.
func (r *Registry) ListByOwner(owner string) []*models.NotificationEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*models.NotificationEndpoint, 0, len(r.byOwner[owner]))
	for _, ep := range r.byOwner[owner] {
		cp := *ep
		list = append(list, &cp)
	}
	return list
}

// Matching returns copies of the owner's active endpoints subscribed to
// event. An empty event filter subscribes to everything.
func (r *Registry) Matching(owner, event string) []*models.NotificationEndpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*models.NotificationEndpoint
	for _, ep := range r.byOwner[owner] {
		if !ep.Active || !wants(ep, event) {
			continue
		}
		cp := *ep
		matched = append(matched, &cp)
	}
	return matched
}

// MarkFailed bumps the consecutive-failure counter and reports whether the
// endpoint was disabled by this failure.
func (r *Registry) MarkFailed(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	ep, ok := r.endpoints[id]
	if !ok || !ep.Active {
		return false
	}
	ep.FailureCount++
	if ep.FailureCount >= disableAfter {
		ep.Active = false
		r.logger.Printf("⚠️ Endpoint %s disabled after %d consecutive failures", id, ep.FailureCount)
		return true
	}
	return false
}

// MarkDelivered resets the consecutive-failure counter.
func (r *Registry) MarkDelivered(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if ep, ok := r.endpoints[id]; ok {
		ep.FailureCount = 0
	}
}

func wants(ep *models.NotificationEndpoint, event string) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, e := range ep.Events {
		if e == event {
			return true
		}
	}
	return false
}

// SignPayload computes the HMAC-SHA256 hex digest receivers verify against
// the X-Webhook-Signature header.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func newSecret() string {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing means the process has bigger problems.
		panic(err)
	}
	return hex.EncodeToString(buf)
}
