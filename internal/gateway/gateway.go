// Package gateway implements the Gateway Session (C9): the per-
// connection driver that owns the agent's websocket, the auth
// handshake, JSON-RPC framing, rate limiting, and tool_request
// orchestration across the policy engine, approval coordinator, and
// service dispatcher.
package gateway

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/TorbenWetter/wachtor/internal/approvals"
	"github.com/TorbenWetter/wachtor/internal/dispatcher"
	"github.com/TorbenWetter/wachtor/internal/observability"
	"github.com/TorbenWetter/wachtor/internal/policy"
	"github.com/TorbenWetter/wachtor/internal/registry"
	"github.com/TorbenWetter/wachtor/internal/store"
)

const authTimeout = 10 * time.Second

// Config carries the wiring the Gateway needs from the rest of the
// process, plus the configuration-surface knobs it enforces directly.
type Config struct {
	AgentToken           string
	ApprovalTimeout      time.Duration
	MaxRequestsPerMinute int
	MaxPendingApprovals  int
}

// Gateway owns the connection-singleton flag and upgrades incoming
// HTTP requests into a single active agent Session.
type Gateway struct {
	cfg        Config
	registry   *registry.Registry
	policy     *policy.Engine
	store      *store.Store
	coord      *approvals.Coordinator
	dispatcher dispatcher.Dispatcher
	logger     *slog.Logger
	metrics    *observability.Metrics
	tracer     *observability.Tracer
	upgrader   websocket.Upgrader

	connected atomic.Bool // the connection-singleton flag
	current   atomic.Pointer[Session]
}

// New constructs a Gateway bound to the given dependencies.
func New(
	cfg Config,
	reg *registry.Registry,
	pol *policy.Engine,
	st *store.Store,
	coord *approvals.Coordinator,
	disp dispatcher.Dispatcher,
	logger *slog.Logger,
	metrics *observability.Metrics,
	tracer *observability.Tracer,
) *Gateway {
	return &Gateway{
		cfg:        cfg,
		registry:   reg,
		policy:     pol,
		store:      st,
		coord:      coord,
		dispatcher: disp,
		logger:     logger,
		metrics:    metrics,
		tracer:     tracer,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// ServeHTTP upgrades the connection and runs its session to
// completion. A second concurrent connection is refused with close
// code 4000: the agent identity is a singleton, and the gateway must
// not race with itself over approval state.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !g.connected.CompareAndSwap(false, true) {
		conn, err := g.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		msg := websocket.FormatCloseMessage(closeSingletonViolation, "Another agent is already connected")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	defer g.connected.Store(false)

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	session := newSession(g, conn)
	g.current.Store(session)
	defer g.current.Store(nil)
	session.run()
}

// Connected reports whether the connection-singleton slot is
// currently held by an agent.
func (g *Gateway) Connected() bool {
	return g.connected.Load()
}

// Shutdown stops accepting new frames on the active session (if any)
// and resolves every in-flight ASK with a synthetic deny, so no
// agent-side caller ever hangs waiting for a reply that will never
// come.
func (g *Gateway) Shutdown() {
	g.coord.ResolveAll("gateway_shutdown")
	if s := g.current.Load(); s != nil {
		s.cancel()
	}
}
