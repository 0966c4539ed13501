// Package models holds the closed record types shared across the backend:
// jobs, results, ledger rows, payments, API keys, and OTPs.
package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/deepbin/backend/internal/pricing"
)

// Tier is a user's service class. tier1 is the preferred class and maps to
// queue priority 1; tier2 maps to priority 2.
type Tier string

const (
	TierOne Tier = "tier1"
	TierTwo Tier = "tier2"
)

// PriorityFor returns the queue priority for a tier (lower runs sooner).
func PriorityFor(t Tier) int {
	if t == TierOne {
		return 1
	}
	return 2
}

// JobStatus is the lifecycle state of an analysis job.
type JobStatus string

const (
	JobQueued     JobStatus = "queued"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// Job source identifiers, recorded at ingestion and echoed into the ledger
// description when the job is charged.
const (
	SourceSDK       = "sdk"
	SourceDashboard = "dashboard"
)

// JobError is the structured error recorded on a failed job.
type JobError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	Stack   string `json:"stack,omitempty"`
}

// UploadMeta is free-form context captured at upload time.
type UploadMeta struct {
	SourceIP   string `json:"source_ip,omitempty"`
	UserAgent  string `json:"user_agent,omitempty"`
	SDKVersion string `json:"sdk_version,omitempty"`
	CIProvider string `json:"ci_provider,omitempty"`
}

// Job is the durable record of one analysis request.
//
// Invariants: CompletedAt is set iff Status is terminal; Progress is 100 iff
// Status is completed; CreditsCharged > 0 iff Status is completed; Results is
// non-nil iff Status is completed. Terminal rows are immutable except for
// janitor deletion.
type Job struct {
	ID       string `json:"id"`
	Owner    string `json:"owner"`
	APIKeyID string `json:"api_key_id,omitempty"`

	Filename   string `json:"filename"`
	SizeBytes  int64  `json:"size_bytes"`
	Hash       string `json:"hash"` // SHA-256 hex of the uploaded bytes
	BlobHandle string `json:"blob_handle"`
	BlobURL    string `json:"blob_url,omitempty"`

	Tier     Tier   `json:"tier"`
	Priority int    `json:"priority"`
	Source   string `json:"source"` // sdk | dashboard

	Status   JobStatus `json:"status"`
	Progress int       `json:"progress"` // 0..100

	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ProcessingSeconds float64            `json:"processing_seconds,omitempty"`
	CreditsCharged    int                `json:"credits_charged"`
	CreditBreakdown   *pricing.Breakdown `json:"credit_breakdown,omitempty"`

	Results *Result    `json:"results,omitempty"`
	Error   *JobError  `json:"error,omitempty"`
	Meta    UploadMeta `json:"meta,omitempty"`
}

// Charged reports whether this job has already been billed. Used by the
// worker to short-circuit queue redeliveries of an already-finished job.
func (j *Job) Charged() bool {
	return j.CreditsCharged > 0 && j.Status == JobCompleted
}

// Capability gates what an API key may call.
type Capability string

const (
	CapAnalyze   Capability = "analyze"
	CapBatch     Capability = "batch"
	CapResults   Capability = "results"
	CapCredits   Capability = "credits"
	CapCheckHash Capability = "check-hash"
)

// AllCapabilities is the default grant for newly issued keys.
var AllCapabilities = []Capability{CapAnalyze, CapBatch, CapResults, CapCredits, CapCheckHash}

// APIKey is the stored half of an issued key. The full token
// ("db_<keyID>.<secret>") is shown once at issue time; only the bcrypt hash
// of the secret survives.
type APIKey struct {
	ID           string       `json:"id"`
	Owner        string       `json:"owner"`
	Name         string       `json:"name"`
	KeyID        string       `json:"key_id"`
	SecretHash   string       `json:"-"`
	Capabilities []Capability `json:"capabilities"`
	Active       bool         `json:"active"`
	ExpiresAt    *time.Time   `json:"expires_at,omitempty"`
	LastUsedAt   *time.Time   `json:"last_used_at,omitempty"`
	RequestCount int64        `json:"request_count"`
	CreatedAt    time.Time    `json:"created_at"`
}

// Can reports whether the key carries a capability.
func (k *APIKey) Can(c Capability) bool {
	for _, have := range k.Capabilities {
		if have == c {
			return true
		}
	}
	return false
}

// Expired reports whether the key is past its expiry, if one is set.
func (k *APIKey) Expired(now time.Time) bool {
	return k.ExpiresAt != nil && !now.Before(*k.ExpiresAt)
}

// User is the owner identity consulted at ingestion. Admins have an empty
// tier.
type User struct {
	ID      string  `json:"id"`
	Email   string  `json:"email,omitempty"`
	Tier    Tier    `json:"tier,omitempty"`
	Active  bool    `json:"active"`
	Credits Balance `json:"credits"`
}

// OTP is a single-use six-digit code with a two-minute lifetime.
type OTP struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	Code      string    `json:"code"`
	Purpose   string    `json:"purpose"`
	Used      bool      `json:"used"`
	ExpiresAt time.Time `json:"expires_at"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the code is no longer usable. A code exactly at
// its expiry instant is expired.
func (o *OTP) Expired(now time.Time) bool {
	return !now.Before(o.ExpiresAt)
}

// NotificationEndpoint is a user-registered callback for terminal job events.
// Ten consecutive delivery failures deactivate it.
type NotificationEndpoint struct {
	ID           string    `json:"id"`
	Owner        string    `json:"owner"`
	URL          string    `json:"url"`
	Secret       string    `json:"-"`
	Events       []string  `json:"events"`
	Active       bool      `json:"active"`
	FailureCount int       `json:"failure_count"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewID mints a random identifier for any record type.
func NewID() string {
	return uuid.New().String()
}
