// Package httpapi exposes the analysis backend over REST. Three surfaces
// share one router: the API-key SDK surface, the gateway-authenticated
// dashboard surface, and the token-guarded admin surface.
package httpapi

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/deepbin/backend/internal/alerts"
	"github.com/deepbin/backend/internal/apikeys"
	"github.com/deepbin/backend/internal/config"
	"github.com/deepbin/backend/internal/ingest"
	"github.com/deepbin/backend/internal/janitor"
	"github.com/deepbin/backend/internal/jobstore"
	"github.com/deepbin/backend/internal/ledger"
	"github.com/deepbin/backend/internal/models"
	"github.com/deepbin/backend/internal/notify"
	"github.com/deepbin/backend/internal/otp"
	"github.com/deepbin/backend/internal/payments"
	"github.com/deepbin/backend/internal/queue"
	"github.com/deepbin/backend/internal/users"
)

// Deps collects everything the router serves. Janitor may be nil when the
// API process does not own sweeps.
type Deps struct {
	Config   config.ServerConfig
	Ingest   *ingest.Service
	Jobs     jobstore.Store
	Ledger   *ledger.Service
	Payments *payments.Service
	Keys     *apikeys.Service
	OTPs     *otp.Service
	Users    users.Directory
	Queue    queue.Queue
	Janitor  *janitor.Janitor
	Alerts   *alerts.Recorder
	Registry *notify.Registry
}

type Server struct {
	cfg      config.ServerConfig
	ingest   *ingest.Service
	jobs     jobstore.Store
	ledger   *ledger.Service
	payments *payments.Service
	keys     *apikeys.Service
	otps     *otp.Service
	users    users.Directory
	queue    queue.Queue
	janitor  *janitor.Janitor
	alerts   *alerts.Recorder
	registry *notify.Registry
	limiter  *RateLimiter
	logger   *log.Logger
}

func NewServer(d Deps) *Server {
	return &Server{
		cfg:      d.Config,
		ingest:   d.Ingest,
		jobs:     d.Jobs,
		ledger:   d.Ledger,
		payments: d.Payments,
		keys:     d.Keys,
		otps:     d.OTPs,
		users:    d.Users,
		queue:    d.Queue,
		janitor:  d.Janitor,
		alerts:   d.Alerts,
		registry: d.Registry,
		limiter:  NewRateLimiter(0, 0),
		logger:   log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the full route table. The caller owns the http.Server.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.recoverMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.logMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// Preflight requests need a matching route before mux runs the
	// middleware chain; the CORS middleware answers them.
	r.PathPrefix("/").Methods("OPTIONS").HandlerFunc(func(http.ResponseWriter, *http.Request) {})

	sdk := r.PathPrefix("/sdk").Subrouter()
	sdk.Use(s.limiter.Middleware)
	sdk.HandleFunc("/analyze", s.requireKey(models.CapAnalyze, s.handleSDKAnalyze)).Methods("POST")
	sdk.HandleFunc("/analyze/batch", s.requireKey(models.CapBatch, s.handleBatch)).Methods("POST")
	sdk.HandleFunc("/results/{jobId}", s.requireKey(models.CapResults, s.handleResults)).Methods("GET")
	sdk.HandleFunc("/check-hash", s.requireKey(models.CapCheckHash, s.handleCheckHash)).Methods("GET")
	sdk.HandleFunc("/credits", s.requireKey(models.CapCredits, s.handleCredits)).Methods("GET")

	user := r.PathPrefix("/user").Subrouter()
	user.Use(s.limiter.Middleware)
	user.HandleFunc("/analyze", s.requireUser(s.handleUserAnalyze)).Methods("POST")
	user.HandleFunc("/analyze", s.requireUser(s.handleHistory)).Methods("GET")
	user.HandleFunc("/transactions", s.requireUser(s.handleTransactions)).Methods("GET")
	user.HandleFunc("/otp", s.requireUser(s.handleOTPRequest)).Methods("POST")
	user.HandleFunc("/otp/verify", s.requireUser(s.handleOTPVerify)).Methods("POST")

	pay := r.PathPrefix("/payment").Subrouter()
	pay.HandleFunc("/webhook", s.handlePaymentWebhook).Methods("POST")
	pay.HandleFunc("/orders", s.requireUser(s.handleCreateOrder)).Methods("POST")

	admin := r.PathPrefix("/admin").Subrouter()
	admin.Use(s.adminOnly)
	admin.HandleFunc("/janitor/run", s.handleJanitorRun).Methods("POST")
	admin.HandleFunc("/queue/counts", s.handleQueueCounts).Methods("GET")
	admin.HandleFunc("/queue/clear", s.handleQueueClear).Methods("POST")
	admin.HandleFunc("/alerts", s.handleAlerts).Methods("GET")
	admin.HandleFunc("/credits", s.handleAdminCredits).Methods("POST")
	admin.HandleFunc("/webhooks", s.handleWebhookRegister).Methods("POST")
	admin.HandleFunc("/webhooks", s.handleWebhookList).Methods("GET")
	admin.HandleFunc("/webhooks/{id}", s.handleWebhookDelete).Methods("DELETE")
	admin.HandleFunc("/apikeys", s.handleIssueKey).Methods("POST")

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "healthy",
		"service": "deepbin-api",
		"time":    time.Now().UTC(),
	})
}
