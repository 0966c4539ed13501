package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Severity is the aggregate vulnerability rating on a result.
type Severity string

const (
	SeverityNone     Severity = "None"
	SeverityLow      Severity = "Low"
	SeverityMedium   Severity = "Medium"
	SeverityHigh     Severity = "High"
	SeverityCritical Severity = "Critical"
)

// FileInfo describes the analyzed artifact.
type FileInfo struct {
	FileType  string `json:"file_type"`
	SizeBytes int64  `json:"size_bytes"`
	MD5       string `json:"md5,omitempty"`
	SHA1      string `json:"sha1,omitempty"`
	SHA256    string `json:"sha256"`
}

// DetectedAlgorithm is one cryptographic algorithm the analyzer identified
// in the binary.
type DetectedAlgorithm struct {
	Name       string   `json:"name"`
	Confidence float64  `json:"confidence"` // 0..1
	Class      string   `json:"class"`      // e.g. symmetric, hash, kdf
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
	Severity        Severity `json:"severity"`
	Vulnerabilities []string `json:"vulnerabilities,omitempty"`
	Recommendations []string `json:"recommendations,omitempty"`
	Score           float64  `json:"score"` // 0..10
}

// Result is the canonical normalized analyzer output attached to a
// completed job.
type Result struct {
	FileInfo        FileInfo                `json:"file_info"`
	Algorithms      []DetectedAlgorithm     `json:"algorithms"`
	Functions       []FunctionFinding       `json:"functions,omitempty"`
	Protocols       []ProtocolFinding       `json:"protocols,omitempty"`
	Vulnerabilities VulnerabilityAssessment `json:"vulnerabilities"`
	Explanation     string                  `json:"explanation,omitempty"`
}

// Value marshals the result for a JSONB column.
func (r Result) Value() (driver.Value, error) {
	return json.Marshal(r)
}

// Scan unmarshals a JSONB column into the result.
func (r *Result) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		return json.Unmarshal(v, r)
	case string:
		return json.Unmarshal([]byte(v), r)
	default:
		return fmt.Errorf("results: cannot scan %T", src)
	}
}
