// Package control implements the operator HTTP surface (C12): health,
// status, Prometheus exposition, and a policy-reload trigger, optionally
// guarded by a bearer JWT when an auth secret is configured. This is not
// the agent's websocket connection — it is a separate, low-traffic
// surface for humans and monitoring systems operating the gateway.
package control

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	Uptime          float64 `json:"uptime_seconds"`
	StartedAt       string  `json:"started_at"`
	PolicyRulesHash string  `json:"policy_rules_hash"`
	StorePath       string  `json:"store_path"`
	AgentConnected  bool    `json:"agent_connected"`
}

// Handlers bundles the callbacks the server delegates to, mirroring the
// rest of this codebase's preference for a struct of closures over an
// interface when the caller has exactly one implementation.
type Handlers struct {
	StartedAt time.Time
	StorePath string

	// PolicyRulesHash returns a content hash of the currently loaded
	// policy rule set, for drift detection by the operator.
	PolicyRulesHash func() string
	// AgentConnected reports whether the gateway's connection
	// singleton is currently held.
	AgentConnected func() bool
	// ReloadPolicy forces an immediate reload of the policy rules file.
	ReloadPolicy func() error
}

// Server is the operator HTTP server.
type Server struct {
	addr       string
	authSecret []byte
	handlers   Handlers
	logger     *slog.Logger
	registerer prometheus.Gatherer
	server     *http.Server
}

// New constructs a Server. authSecret may be empty, in which case
// /policy/reload accepts unauthenticated requests.
func New(addr, authSecret string, h Handlers, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	s := &Server{
		addr:       addr,
		handlers:   h,
		logger:     logger,
		registerer: gatherer,
	}
	if authSecret != "" {
		s.authSecret = []byte(authSecret)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/status", s.handleStatus)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/policy/reload", s.requireAuth(s.handlePolicyReload))

	s.server = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start begins listening in the background. It returns once the
// listener is bound so callers can immediately send requests.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("control: listen %s: %w", s.addr, err)
	}
	s.logger.Info("control: server listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("control: server error", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.server.Shutdown(ctx)
}

// Handler exposes the underlying http.Handler for tests that want to
// drive it through httptest.NewServer without binding a real port.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	hash := ""
	if s.handlers.PolicyRulesHash != nil {
		hash = s.handlers.PolicyRulesHash()
	}
	connected := false
	if s.handlers.AgentConnected != nil {
		connected = s.handlers.AgentConnected()
	}
	writeJSON(w, http.StatusOK, StatusResponse{
		Uptime:          time.Since(s.handlers.StartedAt).Seconds(),
		StartedAt:       s.handlers.StartedAt.UTC().Format(time.RFC3339),
		PolicyRulesHash: hash,
		StorePath:       s.handlers.StorePath,
		AgentConnected:  connected,
	})
}

func (s *Server) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.handlers.ReloadPolicy == nil {
		writeError(w, http.StatusServiceUnavailable, "policy reload not available")
		return
	}
	if err := s.handlers.ReloadPolicy(); err != nil {
		s.logger.Error("control: policy reload failed", "error", err)
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.logger.Info("control: policy rules reloaded via operator request")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// requireAuth wraps next with a bearer-JWT check when an auth secret is
// configured; otherwise it is a pass-through. The token only needs to
// verify against the configured secret — there is no per-operator
// identity to extract here.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.authSecret) == 0 {
			next(w, r)
			return
		}

		token := extractBearer(r.Header.Get("Authorization"))
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
			}
			return s.authSecret, nil
		})
		if err != nil || !parsed.Valid {
			writeError(w, http.StatusUnauthorized, "invalid bearer token")
			return
		}

		next(w, r)
	}
}

func extractBearer(header string) string {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
