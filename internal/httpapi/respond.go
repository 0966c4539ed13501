package httpapi

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
)

// Stable error codes carried in every failure envelope. Clients switch on
// these, never on messages.
const (
	CodeInsufficientCredits = "INSUFFICIENT_CREDITS"
	CodeInvalidHash         = "INVALID_HASH"
	CodeMissingFile         = "MISSING_FILE"
	CodeTooManyFiles        = "TOO_MANY_FILES"
	CodeFileTooLarge        = "FILE_TOO_LARGE"
	CodeJobNotFound         = "JOB_NOT_FOUND"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeRateLimited         = "RATE_LIMITED"
	CodeInternalError       = "INTERNAL_ERROR"
	CodeInvalidRequest      = "INVALID_REQUEST"
	CodePaymentError        = "PAYMENT_ERROR"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("❌ Encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"success": false,
		"message": message,
		"code":    code,
	})
}

// pagination echoes the page window a list endpoint served.
type pagination struct {
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	Total      int `json:"total"`
	TotalPages int `json:"totalPages"`
}

func paginate(page, limit, total int) pagination {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return pagination{Page: page, Limit: limit, Total: total, TotalPages: pages}
}

// pageWindow clamps query paging the same way the stores do, so the echoed
// pagination matches what was actually served.
func pageWindow(r *http.Request) (int, int) {
	page := intQuery(r, "page", 1)
	limit := intQuery(r, "limit", 20)
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return page, limit
}

func intQuery(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
