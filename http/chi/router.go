// Package chi serves the approval surface on a chi router. It is a thin
// adapter over the shared handlers in http/internal/helpers.
package chi

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	httpsignet "github.com/mark3labs/signet/http"
	"github.com/mark3labs/signet/http/internal/helpers"
)

// Config configures the router.
type Config struct {
	// Token, when set, is required as a bearer credential on every route.
	Token string
	// Events serves GET /events when set.
	Events *httpsignet.Broadcaster
	Logger *slog.Logger
}

// NewRouter returns a chi router serving approvals.
//
//	POST /requests                submit and wait for the outcome
//	GET  /approvals               list pending approvals
//	GET  /approvals/{id}          one pending approval
//	POST /approvals/{id}/approve  body: signet.ApprovalContext
//	POST /approvals/{id}/reject   body: {"reason": "..."}
//	POST /approvals/{id}/dismiss
//	GET  /events                  server-sent presenter events
func NewRouter(approvals httpsignet.Approvals, config *Config) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	Mount(r, approvals, config)
	return r
}

// Mount registers the approval routes on r.
func Mount(r chi.Router, approvals httpsignet.Approvals, config *Config) {
	if config == nil {
		config = &Config{}
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Group(func(r chi.Router) {
		r.Use(RequestLogger(logger))
		r.Use(RequireToken(config.Token))

		r.Post(httpsignet.PathRequests, func(w http.ResponseWriter, r *http.Request) {
			helpers.Submit(w, r, approvals)
		})
		r.Route(httpsignet.PathApprovals, func(r chi.Router) {
			r.Get("/", func(w http.ResponseWriter, r *http.Request) {
				helpers.List(w, approvals)
			})
			r.Get("/{id}", func(w http.ResponseWriter, r *http.Request) {
				helpers.Get(w, approvals, chi.URLParam(r, "id"))
			})
			r.Post("/{id}/approve", func(w http.ResponseWriter, r *http.Request) {
				helpers.Approve(w, r, approvals, chi.URLParam(r, "id"))
			})
			r.Post("/{id}/reject", func(w http.ResponseWriter, r *http.Request) {
				helpers.Reject(w, r, approvals, chi.URLParam(r, "id"))
			})
			r.Post("/{id}/dismiss", func(w http.ResponseWriter, r *http.Request) {
				helpers.Dismiss(w, approvals, chi.URLParam(r, "id"))
			})
		})
		if config.Events != nil {
			r.Method(http.MethodGet, httpsignet.PathEvents, config.Events)
		}
	})
}

// RequireToken rejects requests without the bearer token. OPTIONS requests
// pass through for CORS preflight.
func RequireToken(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || helpers.Authorized(r, token) {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Set("WWW-Authenticate", "Bearer")
			helpers.WriteJSON(w, http.StatusUnauthorized, httpsignet.ErrorResponse{
				Error: httpsignet.ErrorBody{Code: "UNAUTHORIZED", Message: "missing or invalid token"},
			})
		})
	}
}

// RequestLogger logs every request at info level.
func RequestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
