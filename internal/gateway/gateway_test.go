package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/TorbenWetter/wachtor/internal/approvals"
	"github.com/TorbenWetter/wachtor/internal/messenger"
	"github.com/TorbenWetter/wachtor/internal/observability"
	"github.com/TorbenWetter/wachtor/internal/policy"
	"github.com/TorbenWetter/wachtor/internal/registry"
	"github.com/TorbenWetter/wachtor/internal/store"
)

// fakeMessenger and fakeDispatcher mirror the hand-rolled doubles in
// internal/approvals, adapted to this package's needs.
type fakeMessenger struct {
	mu   sync.Mutex
	cb   messenger.Callback
	sent []messenger.ApprovalRequest
}

func (f *fakeMessenger) SendApproval(_ context.Context, req messenger.ApprovalRequest, _ messenger.Choices) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return "msg-" + req.RequestID, nil
}
func (f *fakeMessenger) UpdateApproval(context.Context, string, string, string) {}
func (f *fakeMessenger) OnApprovalCallback(fn messenger.Callback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = fn
}
func (f *fakeMessenger) ScheduleTimeout(string, int, string) {}
func (f *fakeMessenger) HealthCheck(context.Context) bool    { return true }
func (f *fakeMessenger) fire(result messenger.ApprovalResult) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	cb(result)
}

type fakeDispatcher struct {
	result json.RawMessage
	err    error
}

func (d *fakeDispatcher) Execute(context.Context, string, map[string]any) (json.RawMessage, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.result, nil
}
func (d *fakeDispatcher) HealthCheck(context.Context) bool { return true }
func (d *fakeDispatcher) Close() error                     { return nil }

type testHarness struct {
	gw   *Gateway
	msgr *fakeMessenger
	disp *fakeDispatcher
	st   *store.Store
	srv  *httptest.Server
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	reg, err := registry.New([]registry.Spec{
		{Name: "ha_get_state", ServiceName: "homeassistant", SignatureTemplate: "{entity_id}",
			Args: map[string]registry.ArgSpecSource{"entity_id": {Required: true}}},
		{Name: "ha_call_service", ServiceName: "homeassistant", SignatureTemplate: "{domain}.{service}, {entity_id}",
			Args: map[string]registry.ArgSpecSource{"domain": {Required: true}, "service": {Required: true}, "entity_id": {Required: false}}},
	})
	if err != nil {
		t.Fatalf("registry.New: %v", err)
	}

	engine := policy.NewEngine(reg, policy.Rules{
		Explicit: []policy.Rule{
			{Pattern: "ha_get_state(*)", Action: policy.Allow},
			{Pattern: "ha_call_service(light.turn_off, *)", Action: policy.Deny},
		},
		Defaults: []policy.Rule{
			{Pattern: "ha_call_service(*)", Action: policy.Ask},
		},
	})

	st, err := store.Open(filepath.Join(t.TempDir(), "gatekeep.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	msgr := &fakeMessenger{}
	disp := &fakeDispatcher{result: json.RawMessage(`{"ok":true}`)}
	coord := approvals.New(st, msgr, disp, 200*time.Millisecond, slog.Default())

	metrics := observability.NewMetrics(prometheus.NewRegistry())
	tracer := observability.NewTracer(observability.TraceConfig{ServiceName: "gatekeep-test"})

	gw := New(Config{
		AgentToken:           "test-token",
		ApprovalTimeout:      200 * time.Millisecond,
		MaxRequestsPerMinute: 60,
		MaxPendingApprovals:  10,
	}, reg, engine, st, coord, disp, slog.Default(), metrics, tracer)

	srv := httptest.NewServer(gw)
	t.Cleanup(srv.Close)

	return &testHarness{gw: gw, msgr: msgr, disp: disp, st: st, srv: srv}
}

func (h *testHarness) dial(t *testing.T) *gorillaws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/"
	conn, _, err := gorillaws.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func authenticate(t *testing.T, conn *gorillaws.Conn) {
	t.Helper()
	send(t, conn, Request{JSONRPC: "2.0", Method: "auth", Params: json.RawMessage(`{"token":"test-token"}`), ID: json.RawMessage(`1`)})
	resp := recv(t, conn)
	if resp.Error != nil {
		t.Fatalf("auth failed: %+v", resp.Error)
	}
}

func send(t *testing.T, conn *gorillaws.Conn, req Request) {
	t.Helper()
	data, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, conn *gorillaws.Conn) Response {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	return resp
}

func TestAutoAllowExecutesImmediately(t *testing.T) {
	h := newTestHarness(t)
	conn := h.dial(t)
	defer conn.Close()
	authenticate(t, conn)

	send(t, conn, Request{JSONRPC: "2.0", Method: "tool_request",
		Params: json.RawMessage(`{"tool":"ha_get_state","args":{"entity_id":"light.kitchen"}}`), ID: json.RawMessage(`2`)})
	resp := recv(t, conn)
	if resp.Error != nil {
		t.Fatalf("expected success, got error: %+v", resp.Error)
	}
}

func TestPolicyDenyReturnsError(t *testing.T) {
	h := newTestHarness(t)
	conn := h.dial(t)
	defer conn.Close()
	authenticate(t, conn)

	send(t, conn, Request{JSONRPC: "2.0", Method: "tool_request",
		Params: json.RawMessage(`{"tool":"ha_call_service","args":{"domain":"light","service":"turn_off"}}`), ID: json.RawMessage(`3`)})
	resp := recv(t, conn)
	if resp.Error == nil || resp.Error.Code != codePolicyDenied {
		t.Fatalf("resp = %+v, want POLICY_DENIED", resp)
	}
}

func TestAskThenApprove(t *testing.T) {
	h := newTestHarness(t)
	conn := h.dial(t)
	defer conn.Close()
	authenticate(t, conn)

	send(t, conn, Request{JSONRPC: "2.0", Method: "tool_request",
		Params: json.RawMessage(`{"tool":"ha_call_service","args":{"domain":"light","service":"turn_on"}}`), ID: json.RawMessage(`4`)})

	deadline := time.Now().Add(time.Second)
	for len(h.msgr.sent) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if len(h.msgr.sent) != 1 {
		t.Fatalf("expected an approval prompt to be sent, got %d", len(h.msgr.sent))
	}
	h.msgr.fire(messenger.ApprovalResult{RequestID: h.msgr.sent[0].RequestID, Action: "allow", UserID: "u1", Timestamp: time.Now().Unix()})

	resp := recv(t, conn)
	if resp.Error != nil {
		t.Fatalf("expected success after approval, got %+v", resp.Error)
	}
}

func TestAskThenTimeout(t *testing.T) {
	h := newTestHarness(t)
	conn := h.dial(t)
	defer conn.Close()
	authenticate(t, conn)

	send(t, conn, Request{JSONRPC: "2.0", Method: "tool_request",
		Params: json.RawMessage(`{"tool":"ha_call_service","args":{"domain":"light","service":"turn_on"}}`), ID: json.RawMessage(`5`)})

	deadline := time.Now().Add(time.Second)
	for len(h.msgr.sent) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h.msgr.fire(messenger.ApprovalResult{RequestID: h.msgr.sent[0].RequestID, Action: "deny", UserID: "timeout", Timestamp: time.Now().Unix()})

	resp := recv(t, conn)
	if resp.Error == nil || resp.Error.Code != codeApprovalTimeout {
		t.Fatalf("resp = %+v, want APPROVAL_TIMEOUT", resp)
	}
}

func TestForbiddenCharacterRejected(t *testing.T) {
	h := newTestHarness(t)
	conn := h.dial(t)
	defer conn.Close()
	authenticate(t, conn)

	send(t, conn, Request{JSONRPC: "2.0", Method: "tool_request",
		Params: json.RawMessage(`{"tool":"ha_get_state","args":{"entity_id":"light.*"}}`), ID: json.RawMessage(`6`)})
	resp := recv(t, conn)
	if resp.Error == nil || resp.Error.Code != codeInvalidRequest {
		t.Fatalf("resp = %+v, want INVALID_REQUEST", resp)
	}
}

func TestSecondConnectionRejectedWithSingletonClose(t *testing.T) {
	h := newTestHarness(t)
	first := h.dial(t)
	defer first.Close()
	authenticate(t, first)

	second := h.dial(t)
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := second.ReadMessage()
	closeErr, ok := err.(*gorillaws.CloseError)
	if !ok || closeErr.Code != closeSingletonViolation {
		t.Fatalf("err = %v, want close code %d", err, closeSingletonViolation)
	}
}

func TestDisconnectThenRetrievePendingResult(t *testing.T) {
	h := newTestHarness(t)
	conn := h.dial(t)
	authenticate(t, conn)

	send(t, conn, Request{JSONRPC: "2.0", Method: "tool_request",
		Params: json.RawMessage(`{"tool":"ha_call_service","args":{"domain":"light","service":"turn_on"}}`), ID: json.RawMessage(`7`)})

	deadline := time.Now().Add(time.Second)
	for len(h.msgr.sent) == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	requestID := h.msgr.sent[0].RequestID
	conn.Close() // disconnect while awaiting the waiter

	time.Sleep(50 * time.Millisecond)
	h.msgr.fire(messenger.ApprovalResult{RequestID: requestID, Action: "allow", UserID: "u2", Timestamp: time.Now().Unix()})

	deadline = time.Now().Add(time.Second)
	var row store.PendingRow
	var found bool
	for time.Now().Before(deadline) {
		var err error
		row, found, err = h.st.GetPending(requestID)
		if err != nil {
			t.Fatalf("GetPending: %v", err)
		}
		if found && row.Result != nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if !found || row.Result == nil {
		t.Fatal("expected detached approval to persist a result for later retrieval")
	}

	second := h.dial(t)
	defer second.Close()
	authenticate(t, second)
	send(t, second, Request{JSONRPC: "2.0", Method: "get_pending_results", Params: json.RawMessage(`{}`), ID: json.RawMessage(`8`)})
	resp := recv(t, second)
	if resp.Error != nil {
		t.Fatalf("get_pending_results failed: %+v", resp.Error)
	}
}
