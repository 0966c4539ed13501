package analyzer

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/deepbin/backend/internal/models"
)

// Normalize parses an analyzer response in either accepted shape and
// returns the canonical result plus the shape seen ("modular" when the
// payload nests under an analysis key, "flat" otherwise). Feeding a
// canonical result back through produces the same result.
func Normalize(raw []byte) (*models.Result, string, error) {
	var envelope struct {
		Analysis json.RawMessage `json:"analysis"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, "", fmt.Errorf("parse response: %w", err)
	}

	shape := "flat"
	body := raw
	if len(envelope.Analysis) > 0 && string(envelope.Analysis) != "null" {
		shape = "modular"
		body = envelope.Analysis
	}

	var rr rawResult
	if err := json.Unmarshal(body, &rr); err != nil {
		return nil, "", fmt.Errorf("parse %s response: %w", shape, err)
	}
	return rr.canonical(), shape, nil
}

type rawResult struct {
	FileInfo        models.FileInfo            `json:"file_info"`
	Algorithms      []models.DetectedAlgorithm `json:"algorithms"`
	Functions       []models.FunctionFinding   `json:"functions"`
	Protocols       []models.ProtocolFinding   `json:"protocols"`
	Vulnerabilities rawAssessment              `json:"vulnerabilities"`
	Explanation     string                     `json:"explanation"`
}

type rawAssessment struct {
	HasVulns        bool      `json:"has_vulns"`
	Severity        string    `json:"severity"`
	Vulnerabilities []rawVuln `json:"vulnerabilities"`
	Recommendations []string  `json:"recommendations"`
	Score           float64   `json:"score"`
}

// rawVuln accepts both entry shapes the analyzer emits: a bare string, or
// an object carrying its own severity.
type rawVuln struct {
	text     string
	severity string
}

func (v *rawVuln) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		v.text = s
		return nil
	}
	var obj struct {
		Severity    string `json:"severity"`
		Description string `json:"description"`
		Title       string `json:"title"`
		Name        string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("vulnerability entry: %w", err)
	}
	v.severity = obj.Severity
	v.text = firstNonEmpty(obj.Description, obj.Title, obj.Name)
	return nil
}

func (r *rawResult) canonical() *models.Result {
	lines := make([]string, 0, len(r.Vulnerabilities.Vulnerabilities))
	for _, v := range r.Vulnerabilities.Vulnerabilities {
		line := v.text
		if line == "" && v.severity == "" {
			continue
		}
		if sev, ok := parseSeverity(v.severity); ok && !strings.Contains(strings.ToLower(line), strings.ToLower(string(sev))) {
			line = strings.TrimSpace(fmt.Sprintf("[%s] %s", sev, line))
		}
		lines = append(lines, line)
	}

	severity, ok := parseSeverity(r.Vulnerabilities.Severity)
	if !ok {
		severity = deriveSeverity(r.Vulnerabilities.Vulnerabilities)
	}

	score := r.Vulnerabilities.Score
	if score < 0 {
		score = 0
	} else if score > 10 {
		score = 10
	}

	algorithms := r.Algorithms
	if algorithms == nil {
		algorithms = []models.DetectedAlgorithm{}
	}

	return &models.Result{
		FileInfo:   r.FileInfo,
		Algorithms: algorithms,
		Functions:  r.Functions,
		Protocols:  r.Protocols,
		Vulnerabilities: models.VulnerabilityAssessment{
			HasVulns:        r.Vulnerabilities.HasVulns || len(lines) > 0,
			Severity:        severity,
			Vulnerabilities: lines,
			Recommendations: r.Vulnerabilities.Recommendations,
			Score:           score,
		},
		Explanation: r.Explanation,
	}
}

// deriveSeverity ranks findings when the analyzer sent no usable aggregate:
// critical beats high, and any finding at all is at least medium.
func deriveSeverity(vulns []rawVuln) models.Severity {
	if len(vulns) == 0 {
		return models.SeverityNone
	}
	hasCritical, hasHigh := false, false
	for _, v := range vulns {
		tag := strings.ToLower(v.severity)
		text := strings.ToLower(v.text)
		switch {
		case tag == "critical" || strings.Contains(text, "critical"):
			hasCritical = true
		case tag == "high" || strings.Contains(text, "high"):
			hasHigh = true
		}
	}
	switch {
	case hasCritical:
		return models.SeverityCritical
	case hasHigh:
		return models.SeverityHigh
	default:
		return models.SeverityMedium
	}
}

func parseSeverity(s string) (models.Severity, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return models.SeverityNone, true
	case "low":
		return models.SeverityLow, true
	case "medium":
		return models.SeverityMedium, true
	case "high":
		return models.SeverityHigh, true
	case "critical":
		return models.SeverityCritical, true
	default:
		return "", false
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
