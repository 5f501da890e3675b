package approvals

import (
	"context"
	"encoding/json"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/TorbenWetter/wachtor/internal/messenger"
	"github.com/TorbenWetter/wachtor/internal/store"
)

// fakeMessenger is a hand-rolled test double for the Messenger
// contract.
type fakeMessenger struct {
	mu       sync.Mutex
	cb       messenger.Callback
	sent     []messenger.ApprovalRequest
	sendErr  error
	messages int
}

func (f *fakeMessenger) SendApproval(_ context.Context, req messenger.ApprovalRequest, _ messenger.Choices) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return "", f.sendErr
	}
	f.sent = append(f.sent, req)
	f.messages++
	return "msg-" + req.RequestID, nil
}

func (f *fakeMessenger) UpdateApproval(context.Context, string, string, string) {}

func (f *fakeMessenger) OnApprovalCallback(fn messenger.Callback) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cb = fn
}

func (f *fakeMessenger) ScheduleTimeout(string, int, string) {}

func (f *fakeMessenger) HealthCheck(context.Context) bool { return true }

func (f *fakeMessenger) fire(result messenger.ApprovalResult) {
	f.mu.Lock()
	cb := f.cb
	f.mu.Unlock()
	cb(result)
}

// fakeDispatcher is a hand-rolled test double for the Dispatcher contract.
type fakeDispatcher struct {
	result json.RawMessage
	err    error
	calls  int
	mu     sync.Mutex
}

func (d *fakeDispatcher) Execute(context.Context, string, map[string]any) (json.RawMessage, error) {
	d.mu.Lock()
	d.calls++
	d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	return d.result, nil
}

func (d *fakeDispatcher) HealthCheck(context.Context) bool { return true }
func (d *fakeDispatcher) Close() error                     { return nil }

func newTestCoordinator(t *testing.T) (*Coordinator, *fakeMessenger, *fakeDispatcher) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "gatekeep.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	msgr := &fakeMessenger{}
	disp := &fakeDispatcher{result: json.RawMessage(`{"ok":true}`)}
	c := New(st, msgr, disp, 15*time.Minute, slog.Default())
	return c, msgr, disp
}

func TestRequestThenApprove(t *testing.T) {
	c, msgr, _ := newTestCoordinator(t)

	waiter, err := c.Request(context.Background(), Request{RequestID: "r1", ToolName: "ha_call_service", Args: map[string]any{}, Signature: "ha_call_service()"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if c.PendingCount() != 1 {
		t.Fatalf("PendingCount = %d, want 1", c.PendingCount())
	}

	msgr.fire(messenger.ApprovalResult{RequestID: "r1", Action: "allow", UserID: "12345", Timestamp: time.Now().Unix()})

	select {
	case result := <-waiter:
		if result.Action != "allow" || result.UserID != "12345" {
			t.Errorf("result = %+v", result)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for approval result")
	}
	if c.PendingCount() != 0 {
		t.Errorf("PendingCount after resolve = %d, want 0", c.PendingCount())
	}
}

func TestAtMostOnceResolutionUnderRace(t *testing.T) {
	c, msgr, _ := newTestCoordinator(t)
	waiter, err := c.Request(context.Background(), Request{RequestID: "r2", ToolName: "t", Args: map[string]any{}, Signature: "t()"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		msgr.fire(messenger.ApprovalResult{RequestID: "r2", Action: "allow", UserID: "u1", Timestamp: 1})
	}()
	go func() {
		defer wg.Done()
		msgr.fire(messenger.ApprovalResult{RequestID: "r2", Action: "deny", UserID: "timeout", Timestamp: 2})
	}()
	wg.Wait()

	var got int
	for {
		select {
		case _, ok := <-waiter:
			if !ok {
				goto done
			}
			got++
		case <-time.After(100 * time.Millisecond):
			goto done
		}
	}
done:
	if got != 1 {
		t.Errorf("received %d values on waiter, want exactly 1", got)
	}
}

func TestResolveAllSynthesizesDeny(t *testing.T) {
	c, _, _ := newTestCoordinator(t)
	waiter, err := c.Request(context.Background(), Request{RequestID: "r3", ToolName: "t", Args: map[string]any{}, Signature: "t()"})
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	c.ResolveAll("gateway_shutdown")

	select {
	case result := <-waiter:
		if result.Action != "deny" || result.UserID != "gateway_shutdown" {
			t.Errorf("result = %+v, want deny/gateway_shutdown", result)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for synthesized deny")
	}

	// ResolveAll itself must not mutate the store row (see DESIGN.md open
	// question decision #1): with no session or detached handler acting
	// on the synthetic deny, the pending row is left as it was.
	row, found, err := c.store.GetPending("r3")
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if !found || row.Result != nil {
		t.Errorf("expected pending row to survive ResolveAll untouched, found=%v result=%s", found, row.Result)
	}
}

func TestDetachOnDisconnectExecutesAndPersists(t *testing.T) {
	c, msgr, disp := newTestCoordinator(t)
	req := Request{RequestID: "r4", ToolName: "t", Args: map[string]any{}, Signature: "t()"}
	waiter, err := c.Request(context.Background(), req)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	var auditResolution string
	done := make(chan struct{})
	c.DetachOnDisconnect(req, waiter, func(resolution, resolvedBy string, executionResult json.RawMessage) {
		auditResolution = resolution
		close(done)
	})

	msgr.fire(messenger.ApprovalResult{RequestID: "r4", Action: "allow", UserID: "9", Timestamp: time.Now().Unix()})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for detached handler")
	}

	if disp.calls != 1 {
		t.Errorf("dispatcher calls = %d, want 1", disp.calls)
	}
	if auditResolution != "approved" {
		t.Errorf("auditResolution = %q, want approved", auditResolution)
	}

	row, found, err := c.store.GetPending("r4")
	if err != nil {
		t.Fatalf("GetPending: %v", err)
	}
	if !found || row.Result == nil {
		t.Fatal("expected pending row to carry a persisted result")
	}
}

// TestDetachOnDisconnectDrainsResultResolvedBeforeDetach covers the race
// where resolve() fires (and deletes the pending map entry) before the
// disconnected session gets around to calling DetachOnDisconnect. The
// buffered result must still be drained and executed rather than
// silently dropped because the map lookup would have missed it.
func TestDetachOnDisconnectDrainsResultResolvedBeforeDetach(t *testing.T) {
	c, msgr, disp := newTestCoordinator(t)
	req := Request{RequestID: "r5", ToolName: "t", Args: map[string]any{}, Signature: "t()"}
	waiter, err := c.Request(context.Background(), req)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}

	msgr.fire(messenger.ApprovalResult{RequestID: "r5", Action: "allow", UserID: "9", Timestamp: time.Now().Unix()})

	if c.PendingCount() != 0 {
		t.Fatalf("PendingCount after resolve = %d, want 0 (entry removed by resolve)", c.PendingCount())
	}

	var auditResolution string
	done := make(chan struct{})
	c.DetachOnDisconnect(req, waiter, func(resolution, resolvedBy string, executionResult json.RawMessage) {
		auditResolution = resolution
		close(done)
	})

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for detached handler to drain the already-buffered result")
	}

	if disp.calls != 1 {
		t.Errorf("dispatcher calls = %d, want 1", disp.calls)
	}
	if auditResolution != "approved" {
		t.Errorf("auditResolution = %q, want approved", auditResolution)
	}
}
