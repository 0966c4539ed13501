// Package alerts is the operator-facing error surface: components record
// failures that must not silently disappear into logs (ledger write
// failures, blob quota errors), and threshold rules promote repeated
// failures to active alerts served on the admin API.
package alerts

import (
	"log"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Severity levels, lowest to highest.
const (
	SeverityLow      = "low"
	SeverityMedium   = "medium"
	SeverityHigh     = "high"
	SeverityCritical = "critical"
)

// Well-known error kinds. Components may record others; rules match by kind.
const (
	KindLedgerFailure = "ledger_failure"
	KindBlobQuota     = "blob_quota"
	KindBlobAuth      = "blob_auth"
	KindQueueBackend  = "queue_backend"
	KindChainBroken   = "ledger_chain_broken"
)

// ErrorRecord aggregates occurrences of one (kind, message) pair.
type ErrorRecord struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Message   string    `json:"message"`
	Operation string    `json:"operation"`
	Severity  string    `json:"severity"`
	Count     int64     `json:"count"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
	Resolved  bool      `json:"resolved"`
}

// Alert is a triggered rule.
type Alert struct {
	ID          string     `json:"id"`
	RuleID      string     `json:"rule_id"`
	Severity    string     `json:"severity"`
	Title       string     `json:"title"`
	Message     string     `json:"message"`
	TriggeredAt time.Time  `json:"triggered_at"`
	Resolved    bool       `json:"resolved"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Rule fires an alert once a kind has been recorded Threshold times, with a
// cooldown between firings.
type Rule struct {
	ID            string
	Name          string
	Kind          string
	Threshold     int64
	Severity      string
	Cooldown      time.Duration
	lastTriggered time.Time
}

// Recorder keeps recent error records and active alerts in memory.
type Recorder struct {
	mu     sync.Mutex
	errors map[string]*ErrorRecord
	alerts []*Alert
	rules  []*Rule
	logger *log.Logger
}

// NewRecorder returns a recorder preloaded with the rules that guard the
// invariants operators care about most: any ledger failure and any storage
// quota error alert immediately.
func NewRecorder() *Recorder {
	r := &Recorder{
		errors: make(map[string]*ErrorRecord),
		logger: log.New(log.Writer(), "[Alerts] ", log.LstdFlags),
	}
	r.rules = []*Rule{
		{ID: "ledger-failure", Name: "Ledger mutation failed", Kind: KindLedgerFailure, Threshold: 1, Severity: SeverityCritical, Cooldown: time.Minute},
		{ID: "ledger-chain", Name: "Ledger hash chain broken", Kind: KindChainBroken, Threshold: 1, Severity: SeverityCritical, Cooldown: time.Minute},
		{ID: "blob-quota", Name: "Blob store quota exceeded", Kind: KindBlobQuota, Threshold: 1, Severity: SeverityHigh, Cooldown: 5 * time.Minute},
		{ID: "queue-backend", Name: "Queue backend unreachable", Kind: KindQueueBackend, Threshold: 3, Severity: SeverityHigh, Cooldown: 5 * time.Minute},
	}
	return r
}

// Record notes one failure occurrence and evaluates rules.
func (r *Recorder) Record(kind, message, operation, severity string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := kind + ":" + message
	rec, ok := r.errors[key]
	if ok {
		rec.Count++
		rec.LastSeen = time.Now()
	} else {
		rec = &ErrorRecord{
			ID:        "err_" + uuid.NewString()[:8],
			Kind:      kind,
			Message:   message,
			Operation: operation,
			Severity:  severity,
			Count:     1,
			FirstSeen: time.Now(),
			LastSeen:  time.Now(),
		}
		r.errors[key] = rec
	}

	r.logger.Printf("⚠️ %s: %s (op=%s count=%d)", kind, message, operation, rec.Count)
	r.evaluateLocked(kind)
}

func (r *Recorder) evaluateLocked(kind string) {
	var total int64
	for _, rec := range r.errors {
		if rec.Kind == kind && !rec.Resolved {
			total += rec.Count
		}
	}

	for _, rule := range r.rules {
		if rule.Kind != kind || total < rule.Threshold {
			continue
		}
		if time.Since(rule.lastTriggered) < rule.Cooldown {
			continue
		}
		rule.lastTriggered = time.Now()
		r.alerts = append(r.alerts, &Alert{
			ID:          "alert_" + uuid.NewString()[:8],
			RuleID:      rule.ID,
			Severity:    rule.Severity,
			Title:       rule.Name,
			Message:     kind + " occurred " + strconv.FormatInt(total, 10) + " time(s)",
			TriggeredAt: time.Now(),
		})
		r.logger.Printf("🚨 ALERT %s (%s)", rule.Name, rule.Severity)
	}
}

// AddRule registers an additional rule.
func (r *Recorder) AddRule(rule *Rule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rules = append(r.rules, rule)
}

// RecentErrors returns unresolved error records, most recent first.
func (r *Recorder) RecentErrors(limit int) []*ErrorRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*ErrorRecord, 0, len(r.errors))
	for _, rec := range r.errors {
		if !rec.Resolved {
			cp := *rec
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out
}

// ActiveAlerts returns unresolved alerts.
func (r *Recorder) ActiveAlerts() []*Alert {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*Alert, 0)
	for _, a := range r.alerts {
		if !a.Resolved {
			cp := *a
			out = append(out, &cp)
		}
	}
	return out
}

// Resolve marks an alert handled.
func (r *Recorder) Resolve(alertID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, a := range r.alerts {
		if a.ID == alertID && !a.Resolved {
			now := time.Now()
			a.Resolved = true
			a.ResolvedAt = &now
			return true
		}
	}
	return false
}
