package httpapi

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/deepbin/backend/internal/models"
)

// Identity is the authenticated caller. APIKeyID is empty for gateway
// identities, which arrive pre-authenticated from the frontend proxy.
type Identity struct {
	Owner    string
	APIKeyID string
	Key      *models.APIKey
}

type contextKey struct{}

func withIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func identityFrom(ctx context.Context) *Identity {
	id, _ := ctx.Value(contextKey{}).(*Identity)
	return id
}

// bearerToken pulls the API key from Authorization: Bearer or X-API-Key.
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return r.Header.Get("X-API-Key")
}

// requireKey authenticates the SDK surface and gates the route on one
// capability.
func (s *Server) requireKey(cap models.Capability, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "api key required")
			return
		}
		key, err := s.keys.Validate(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "invalid api key")
			return
		}
		if !key.Can(cap) {
			writeError(w, http.StatusForbidden, CodeForbidden, "api key lacks the "+string(cap)+" capability")
			return
		}
		ctx := withIdentity(r.Context(), &Identity{Owner: key.Owner, APIKeyID: key.ID, Key: key})
		next(w, r.WithContext(ctx))
	}
}

// requireUser trusts the gateway-injected X-User-ID header. The dashboard
// proxy authenticates sessions upstream.
func (s *Server) requireUser(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid := r.Header.Get("X-User-ID")
		if uid == "" {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "missing gateway identity")
			return
		}
		ctx := withIdentity(r.Context(), &Identity{Owner: uid})
		next(w, r.WithContext(ctx))
	}
}

// adminOnly checks the shared admin token. An unset token leaves the
// surface open outside production.
func (s *Server) adminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.AdminToken == "" {
			if s.cfg.Env == "production" {
				writeError(w, http.StatusUnauthorized, CodeUnauthorized, "admin surface disabled")
				return
			}
			next.ServeHTTP(w, r)
			return
		}
		got := r.Header.Get("X-Admin-Token")
		if subtle.ConstantTimeCompare([]byte(got), []byte(s.cfg.AdminToken)) != 1 {
			writeError(w, http.StatusUnauthorized, CodeUnauthorized, "bad admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Printf("🚨 Panic on %s %s: %v", r.Method, r.URL.Path, rec)
				writeError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	allowed := "*"
	if len(s.cfg.AllowedOrigins) > 0 {
		allowed = ""
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := allowed
		if origin == "" {
			got := r.Header.Get("Origin")
			for _, o := range s.cfg.AllowedOrigins {
				if o == got {
					origin = got
					break
				}
			}
		}
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key, X-User-ID, X-Admin-Token, X-SDK-Version")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(sw, r)
		s.logger.Printf("%s %s → %d (%s)", r.Method, r.URL.Path, sw.status, time.Since(start).Round(time.Millisecond))
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// uploadMeta captures the client context stored alongside a job.
func uploadMeta(r *http.Request) models.UploadMeta {
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		if i := strings.IndexByte(ip, ','); i >= 0 {
			ip = ip[:i]
		}
		ip = strings.TrimSpace(ip)
	} else {
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			host = r.RemoteAddr
		}
		ip = host
	}
	return models.UploadMeta{
		SourceIP:   ip,
		UserAgent:  r.UserAgent(),
		SDKVersion: r.Header.Get("X-SDK-Version"),
		CIProvider: r.Header.Get("X-CI-Provider"),
	}
}
