package sdk

import (
	"fmt"
	"time"
)

// Job lifecycle states reported by the backend.
const (
	// StatusQueued means accepted and waiting for a worker.
	StatusQueued = "queued"

	// StatusProcessing means a worker holds the job.
	StatusProcessing = "processing"

	// StatusCompleted means results are attached and credits were charged.
	StatusCompleted = "completed"

	// StatusFailed means permanently failed; nothing was charged.
	StatusFailed = "failed"
)

// Terminal reports whether status is an end state.
func Terminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

// Job is the backend's record of one analysis request.
type Job struct {
	// ID is the job identifier used with Results and WaitForResults
	ID string `json:"id"`

	// Owner is the account the job was billed to
	Owner string `json:"owner"`

	// Filename as supplied at upload time
	Filename string `json:"filename"`

	// SizeBytes of the uploaded artifact
	SizeBytes int64 `json:"size_bytes"`

	// Hash is the SHA-256 hex digest of the uploaded bytes
	Hash string `json:"hash"`

	// Tier is the queue class the job rode ("tier1" or "tier2")
	Tier string `json:"tier"`

	// Status is one of the Status* constants
	Status string `json:"status"`

	// Progress runs 0..100
	Progress int `json:"progress"`

	QueuedAt    time.Time  `json:"queued_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// ProcessingSeconds is the wall time of the successful attempt
	ProcessingSeconds float64 `json:"processing_seconds,omitempty"`

	// CreditsCharged is the final price of the job
	CreditsCharged int `json:"credits_charged"`

	// CreditBreakdown itemizes the charge
	CreditBreakdown *CreditBreakdown `json:"credit_breakdown,omitempty"`

	// Results is set when Status is "completed"
	Results *Result `json:"results,omitempty"`

	// Error is set when Status is "failed"
	Error *JobError `json:"error,omitempty"`
}

// JobError is the structured failure recorded on a failed job.
type JobError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// CreditBreakdown itemizes a job's charge by pricing dimension.
type CreditBreakdown struct {
	SizeTier    string `json:"size_tier"`
	TimeTier    string `json:"time_tier"`
	SizeCredits int    `json:"size_credits"`
	TimeCredits int    `json:"time_credits"`
	Total       int    `json:"total"`
}

// FileInfo describes the analyzed artifact.
type FileInfo struct {
	FileType  string `json:"file_type"`
	SizeBytes int64  `json:"size_bytes"`
	MD5       string `json:"md5,omitempty"`
	SHA1      string `json:"sha1,omitempty"`
	SHA256    string `json:"sha256"`
}

// DetectedAlgorithm is one cryptographic algorithm identified in the binary.
type DetectedAlgorithm struct {
	Name       string   `json:"name"`
	Confidence float64  `json:"confidence"`
	Class      string   `json:"class"`
	Structural string   `json:"structural,omitempty"`
	Evidence   []string `json:"evidence,omitempty"`
}

// FunctionFinding is a function-level observation.
type FunctionFinding struct {
	Name       string   `json:"name"`
	Address    string   `json:"address,omitempty"`
	Tags       []string `json:"tags,omitempty"`
	Confidence float64  `json:"confidence"`
	Summary    string   `json:"summary,omitempty"`
}

// ProtocolFinding is a detected protocol usage.
type ProtocolFinding struct {
	Name       string   `json:"name"`
	Confidence float64  `json:"confidence"`
	Indicators []string `json:"indicators,omitempty"`
}

// VulnerabilityAssessment aggregates the analyzer's vulnerability verdicts.
type VulnerabilityAssessment struct {
	HasVulns        bool     `json:"has_vulns"`
	Severity        string   `json:"severity"`
	Vulnerabilities []string `json:"vulnerabilities,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Score           float64  `json:"score"`
}

// Result is the normalized analysis output attached to a completed job.
type Result struct {
	FileInfo        FileInfo                `json:"file_info"`
	Algorithms      []DetectedAlgorithm     `json:"algorithms"`
	Functions       []FunctionFinding       `json:"functions,omitempty"`
	Protocols       []ProtocolFinding       `json:"protocols,omitempty"`
	Vulnerabilities VulnerabilityAssessment `json:"vulnerabilities"`
	Explanation     string                  `json:"explanation,omitempty"`
}

// Receipt is the backend's answer to an upload.
type Receipt struct {
	// JobID identifies the accepted job
	JobID string `json:"jobId"`

	// Cached is true when an identical binary was already analyzed; Job then
	// carries the completed record and nothing was charged
	Cached bool `json:"cached"`

	// Status is the initial job status on a cache miss
	Status string `json:"status"`

	// Job is the full record, set on cache hits
	Job *Job `json:"job,omitempty"`

	// PollIntervalMS is the backend's suggested Results polling cadence
	PollIntervalMS int `json:"-"`
}

// BatchEntry is the per-file outcome of a batch upload.
type BatchEntry struct {
	Filename string `json:"filename"`

	// JobID is set when the file was accepted
	JobID string `json:"jobId,omitempty"`

	Cached bool `json:"cached,omitempty"`

	// Error is set when the file was rejected; the rest of the batch is
	// unaffected
	Error *APIError `json:"error,omitempty"`
}

// Credits is the account balance snapshot.
type Credits struct {
	Total     int     `json:"total"`
	Used      int     `json:"used"`
	Remaining int     `json:"remaining"`
	Percent   float64 `json:"percent"`
}

// APIError is a structured backend rejection. Code carries one of the
// backend's stable error codes (INSUFFICIENT_CREDITS, FILE_TOO_LARGE,
// JOB_NOT_FOUND, ...); switch on it rather than on Message.
type APIError struct {
	// HTTPStatus of the response, 0 when the error came from a batch entry
	HTTPStatus int `json:"-"`

	Code    string `json:"code"`
	Message string `json:"message"`

	// Credit details, set on INSUFFICIENT_CREDITS rejections
	Required  int `json:"required,omitempty"`
	Available int `json:"available,omitempty"`
	Deficit   int `json:"deficit,omitempty"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("deepbin-sdk: HTTP %d: %s", e.HTTPStatus, e.Message)
	}
	return fmt.Sprintf("deepbin-sdk: %s: %s", e.Code, e.Message)
}
