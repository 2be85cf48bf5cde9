package api

import (
	"log/slog"
	"net/http"

	"github.com/crescendo-labs/podium/pkg/kernel"
	"github.com/crescendo-labs/podium/pkg/push"
)

// Server exposes one kernel over HTTP.
type Server struct {
	kernel  *kernel.Kernel
	logger  *slog.Logger
	limiter *RateLimiter
}

// NewServer builds the HTTP surface for a kernel. Rate limiting follows
// the kernel's config; rps 0 disables it.
func NewServer(k *kernel.Kernel, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		kernel: k,
		logger: logger.With("component", "api"),
	}
	if rl := k.Config().RateLimit; rl.RPS > 0 {
		s.limiter = NewRateLimiter(rl.RPS, rl.Burst)
	}
	return s
}

// Close releases middleware resources. Idempotent.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Close()
	}
}

// Handler returns the full route set behind the middleware chain:
// request-id, request logging, then rate limiting.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /policies/evaluate", s.handleEvaluate)
	mux.HandleFunc("POST /policies/check", s.handleCheck)
	mux.HandleFunc("POST /policies", s.handleCreatePolicy)
	mux.HandleFunc("GET /policies", s.handleListPolicies)
	mux.HandleFunc("GET /policies/stats", s.handlePolicyStats)
	mux.HandleFunc("GET /policies/cache/stats", s.handleCacheStats)
	mux.HandleFunc("GET /policies/precedence/{class}", s.handleListByPrecedence)
	mux.Handle("GET /policies/watch", push.Handler(s.kernel.Push(), s.logger))
	mux.HandleFunc("GET /policies/{id}", s.handleGetPolicy)
	mux.HandleFunc("PUT /policies/{id}/enable", s.handleEnablePolicy)
	mux.HandleFunc("PUT /policies/{id}/disable", s.handleDisablePolicy)
	mux.HandleFunc("DELETE /policies/{id}", s.handleDeletePolicy)

	mux.HandleFunc("GET /rollouts", s.handleListRollouts)
	mux.HandleFunc("GET /rollouts/{policyId}", s.handleGetRollout)

	mux.HandleFunc("POST /templates", s.handleCreateTemplate)
	mux.HandleFunc("GET /templates", s.handleListTemplates)
	mux.HandleFunc("GET /templates/{id}", s.handleGetTemplate)
	mux.HandleFunc("DELETE /templates/{id}", s.handleDeleteTemplate)
	mux.HandleFunc("POST /templates/{id}/resolve", s.handleResolveTemplate)

	mux.HandleFunc("POST /audit/export", s.handleAuditExport)

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.Handle("GET /metrics", s.kernel.Metrics().Handler())

	var h http.Handler = mux
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	h = RequestLogger(s.logger)(h)
	return RequestID(h)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
