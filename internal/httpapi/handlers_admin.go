package httpapi

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/deepbin/backend/internal/models"
)

func (s *Server) handleJanitorRun(w http.ResponseWriter, r *http.Request) {
	if s.janitor == nil {
		writeError(w, http.StatusServiceUnavailable, CodeInternalError, "janitor is not attached to this process")
		return
	}
	if !s.janitor.TriggerNow() {
		writeError(w, http.StatusConflict, CodeInvalidRequest, "a sweep is already running")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"triggered": true,
	})
}

func (s *Server) handleQueueCounts(w http.ResponseWriter, r *http.Request) {
	counts := make(map[string]queueCounts, 2)
	for _, tier := range []models.Tier{models.TierOne, models.TierTwo} {
		c, err := s.queue.Counts(r.Context(), tier)
		if err != nil {
			s.logger.Printf("❌ Queue counts for %s: %v", tier, err)
			writeError(w, http.StatusInternalServerError, CodeInternalError, "queue counts unavailable")
			return
		}
		counts[string(tier)] = queueCounts{
			Active:    c.Active,
			Waiting:   c.Waiting,
			Delayed:   c.Delayed,
			Failed:    c.Failed,
			Completed: c.Completed,
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queues": counts,
	})
}

type queueCounts struct {
	Active    int64 `json:"active"`
	Waiting   int64 `json:"waiting"`
	Delayed   int64 `json:"delayed"`
	Failed    int64 `json:"failed"`
	Completed int64 `json:"completed"`
}

func (s *Server) handleQueueClear(w http.ResponseWriter, r *http.Request) {
	if err := s.queue.ClearAll(r.Context()); err != nil {
		s.logger.Printf("❌ Queue clear: %v", err)
		writeError(w, http.StatusInternalServerError, CodeInternalError, "queue clear failed")
		return
	}
	s.logger.Printf("🧹 Queues cleared by admin")
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"cleared": true,
	})
}

func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	limit := intQuery(r, "errors", 50)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": s.alerts.ActiveAlerts(),
		"errors": s.alerts.RecentErrors(limit),
	})
}

func (s *Server) handleAdminCredits(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner       string `json:"owner"`
		Amount      int    `json:"amount"`
		Mode        string `json:"mode"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Owner == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "owner is required")
		return
	}
	if req.Description == "" {
		req.Description = "Admin adjustment"
	}

	var (
		balance models.Balance
		err     error
	)
	switch req.Mode {
	case "set":
		balance, err = s.ledger.SetCredits(r.Context(), req.Owner, req.Amount, req.Description)
	case "add", "":
		if req.Amount <= 0 {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "amount must be positive")
			return
		}
		balance, err = s.ledger.AddCredits(r.Context(), req.Owner, req.Amount, req.Description, models.TxnBonus)
	default:
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "mode must be add or set")
		return
	}
	if err != nil {
		s.logger.Printf("❌ Admin credit %s for %s: %v", req.Mode, req.Owner, err)
		writeError(w, http.StatusInternalServerError, CodeInternalError, "credit adjustment failed")
		return
	}

	s.logger.Printf("💳 Admin %s %d credits for %s", orDefault(req.Mode, "add"), req.Amount, req.Owner)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"balance": balance,
	})
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func (s *Server) handleWebhookRegister(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner  string   `json:"owner"`
		URL    string   `json:"url"`
		Events []string `json:"events"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed body")
		return
	}

	ep := &models.NotificationEndpoint{
		Owner:  req.Owner,
		URL:    req.URL,
		Events: req.Events,
	}
	if err := s.registry.Register(ep); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
		return
	}

	// The signing secret is returned on registration only.
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"endpoint": ep,
		"secret":   ep.Secret,
	})
}

func (s *Server) handleWebhookList(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	if owner == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "owner query parameter is required")
		return
	}
	endpoints := s.registry.ListByOwner(owner)
	if endpoints == nil {
		endpoints = []*models.NotificationEndpoint{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"endpoints": endpoints,
	})
}

func (s *Server) handleWebhookDelete(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")
	id := mux.Vars(r)["id"]
	if owner == "" || id == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "owner and endpoint id are required")
		return
	}
	if err := s.registry.Unregister(owner, id); err != nil {
		writeError(w, http.StatusNotFound, CodeInvalidRequest, "endpoint not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"deleted": true,
	})
}

func (s *Server) handleIssueKey(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner         string   `json:"owner"`
		Name          string   `json:"name"`
		Capabilities  []string `json:"capabilities"`
		ExpiresInDays int      `json:"expires_in_days"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Owner == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "owner is required")
		return
	}
	if req.Name == "" {
		req.Name = "default"
	}

	caps := make([]models.Capability, 0, len(req.Capabilities))
	for _, c := range req.Capabilities {
		capability := models.Capability(c)
		if !knownCapability(capability) {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "unknown capability: "+c)
			return
		}
		caps = append(caps, capability)
	}

	var expiresAt *time.Time
	if req.ExpiresInDays > 0 {
		t := time.Now().AddDate(0, 0, req.ExpiresInDays)
		expiresAt = &t
	}

	key, fullKey, err := s.keys.Issue(r.Context(), req.Owner, req.Name, caps, expiresAt)
	if err != nil {
		s.logger.Printf("❌ Key issue for %s: %v", req.Owner, err)
		writeError(w, http.StatusInternalServerError, CodeInternalError, "key issue failed")
		return
	}

	// fullKey is shown exactly once; the stored record keeps only the hash.
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"key":     key,
		"api_key": fullKey,
	})
}

func knownCapability(c models.Capability) bool {
	for _, k := range models.AllCapabilities {
		if k == c {
			return true
		}
	}
	return false
}
