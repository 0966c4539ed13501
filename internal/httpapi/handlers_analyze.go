package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/deepbin/backend/internal/blobstore"
	"github.com/deepbin/backend/internal/ingest"
	"github.com/deepbin/backend/internal/jobstore"
	"github.com/deepbin/backend/internal/models"
	"github.com/deepbin/backend/internal/queue"
)

const (
	// maxUploadBytes guards the transport; the blob store enforces the real
	// per-file cap underneath it.
	maxUploadBytes = 100 << 20
	maxBatchBytes  = 1 << 30
	parseMemory    = 16 << 20

	pollIntervalMS = 2000
)

func (s *Server) handleSDKAnalyze(w http.ResponseWriter, r *http.Request) {
	s.analyze(w, r, models.SourceSDK)
}

func (s *Server) handleUserAnalyze(w http.ResponseWriter, r *http.Request) {
	s.analyze(w, r, models.SourceDashboard)
}

func (s *Server) analyze(w http.ResponseWriter, r *http.Request, source string) {
	ident := identityFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if !s.parseMultipart(w, r) {
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeMissingFile, `multipart field "file" is required`)
		return
	}
	defer file.Close()

	receipt, err := s.ingest.Ingest(r.Context(), &ingest.Upload{
		Owner:    ident.Owner,
		APIKeyID: ident.APIKeyID,
		Filename: header.Filename,
		Size:     header.Size,
		Source:   source,
		Reader:   file,
		Meta:     uploadMeta(r),
	})
	if err != nil {
		s.failUpload(w, err)
		return
	}

	if receipt.Cached {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"jobId":  receipt.Job.ID,
			"cached": true,
			"job":    receipt.Job,
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"jobId":  receipt.Job.ID,
		"status": string(receipt.Job.Status),
		"polling": map[string]interface{}{
			"url":        "/sdk/results/" + receipt.Job.ID,
			"intervalMs": pollIntervalMS,
		},
	})
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r.Context())

	r.Body = http.MaxBytesReader(w, r.Body, maxBatchBytes)
	if !s.parseMultipart(w, r) {
		return
	}
	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		writeError(w, http.StatusBadRequest, CodeMissingFile, `multipart field "files" is required`)
		return
	}

	meta := uploadMeta(r)
	uploads := make([]*ingest.Upload, 0, len(headers))
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			writeError(w, http.StatusBadRequest, CodeInvalidRequest, "unreadable multipart part "+fh.Filename)
			return
		}
		defer f.Close()
		uploads = append(uploads, &ingest.Upload{
			Owner:    ident.Owner,
			APIKeyID: ident.APIKeyID,
			Filename: fh.Filename,
			Size:     fh.Size,
			Source:   models.SourceSDK,
			Reader:   f,
			Meta:     meta,
		})
	}

	items, err := s.ingest.IngestBatch(r.Context(), uploads)
	if err != nil {
		if errors.Is(err, ingest.ErrTooManyFiles) {
			writeError(w, http.StatusBadRequest, CodeTooManyFiles, err.Error())
			return
		}
		s.logger.Printf("❌ Batch ingest failed: %v", err)
		writeError(w, http.StatusInternalServerError, CodeInternalError, "batch upload failed")
		return
	}

	results := make([]map[string]interface{}, 0, len(items))
	for _, item := range items {
		entry := map[string]interface{}{"filename": item.Filename}
		if item.Err != nil {
			entry["error"] = map[string]interface{}{
				"message": item.Err.Error(),
				"code":    uploadErrorCode(item.Err),
			}
		} else {
			entry["jobId"] = item.Receipt.Job.ID
			entry["cached"] = item.Receipt.Cached
		}
		results = append(results, entry)
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{"results": results})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r.Context())
	jobID := mux.Vars(r)["jobId"]

	job, err := s.jobs.Get(r.Context(), jobID)
	if errors.Is(err, jobstore.ErrNotFound) || (err == nil && job.Owner != ident.Owner) {
		writeError(w, http.StatusNotFound, CodeJobNotFound, "job not found")
		return
	}
	if err != nil {
		s.logger.Printf("❌ Job lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, CodeInternalError, "job lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCheckHash(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r.Context())

	hash := r.URL.Query().Get("hash")
	if !validHash(hash) {
		writeError(w, http.StatusBadRequest, CodeInvalidHash, "hash must be 64 lowercase hex characters")
		return
	}

	job, err := s.ingest.CheckHash(r.Context(), ident.Owner, hash)
	if errors.Is(err, jobstore.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]interface{}{"cached": false})
		return
	}
	if err != nil {
		s.logger.Printf("❌ Hash probe failed: %v", err)
		writeError(w, http.StatusInternalServerError, CodeInternalError, "hash probe failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cached": true, "job": job})
}

func (s *Server) handleCredits(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r.Context())

	bal, err := s.ledger.Balance(r.Context(), ident.Owner)
	if err != nil {
		s.logger.Printf("❌ Balance lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, CodeInternalError, "balance lookup failed")
		return
	}

	tier := models.TierTwo
	if s.users != nil {
		if u, err := s.users.GetUser(r.Context(), ident.Owner); err == nil && u != nil {
			tier = u.Tier
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"credits": map[string]interface{}{
			"total":     bal.Total,
			"used":      bal.Used,
			"remaining": bal.Remaining,
			"percent":   bal.Percent(),
		},
		"tier": tier,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	ident := identityFrom(r.Context())
	page, limit := pageWindow(r)

	jobs, total, err := s.jobs.ListByOwner(r.Context(), ident.Owner, page, limit)
	if err != nil {
		s.logger.Printf("❌ History lookup failed: %v", err)
		writeError(w, http.StatusInternalServerError, CodeInternalError, "history lookup failed")
		return
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":       jobs,
		"pagination": paginate(page, limit, total),
	})
}

// parseMultipart reports false after writing the failure envelope.
func (s *Server) parseMultipart(w http.ResponseWriter, r *http.Request) bool {
	err := r.ParseMultipartForm(parseMemory)
	if err == nil {
		return true
	}
	var tooBig *http.MaxBytesError
	if errors.As(err, &tooBig) {
		writeError(w, http.StatusRequestEntityTooLarge, CodeFileTooLarge, "request body too large")
		return false
	}
	writeError(w, http.StatusBadRequest, CodeInvalidRequest, "malformed multipart body")
	return false
}

func (s *Server) failUpload(w http.ResponseWriter, err error) {
	var insufficient *ingest.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		writeJSON(w, http.StatusPaymentRequired, map[string]interface{}{
			"success":   false,
			"message":   insufficient.Error(),
			"code":      CodeInsufficientCredits,
			"required":  insufficient.Required,
			"available": insufficient.Available,
			"deficit":   insufficient.Deficit(),
		})
		return
	}
	switch {
	case errors.Is(err, blobstore.ErrTooLarge):
		writeError(w, http.StatusRequestEntityTooLarge, CodeFileTooLarge, "file exceeds the size limit")
	case errors.Is(err, queue.ErrUnavailable):
		writeError(w, http.StatusServiceUnavailable, CodeInternalError, "queue unavailable, retry later")
	default:
		s.logger.Printf("❌ Ingest failed: %v", err)
		writeError(w, http.StatusInternalServerError, CodeInternalError, "upload failed")
	}
}

func uploadErrorCode(err error) string {
	var insufficient *ingest.InsufficientCreditsError
	switch {
	case errors.As(err, &insufficient):
		return CodeInsufficientCredits
	case errors.Is(err, blobstore.ErrTooLarge):
		return CodeFileTooLarge
	default:
		return CodeInternalError
	}
}

func validHash(h string) bool {
	if len(h) != 64 {
		return false
	}
	for _, c := range h {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
