// Package approvals implements the Approval Coordinator (C8): the
// in-memory registry of outstanding human approvals, with race-safe
// at-most-once resolution and disconnection-survival semantics.
package approvals

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/TorbenWetter/wachtor/internal/dispatcher"
	"github.com/TorbenWetter/wachtor/internal/messenger"
	"github.com/TorbenWetter/wachtor/internal/store"
)

// Request is the information the coordinator needs to escalate a
// tool_request to a human.
type Request struct {
	RequestID   string
	ToolName    string
	Args        map[string]any
	Signature   string
	ClientMsgID string
}

// pending tracks one outstanding approval: its request, the single-shot
// waiter, and the messenger's message handle.
type pending struct {
	request   Request
	waiter    chan messenger.ApprovalResult
	once      sync.Once
	messageID string
}

// Coordinator is the C8 implementation.
type Coordinator struct {
	mu       sync.Mutex // guards resolution events end to end
	pending  map[string]*pending
	store    *store.Store
	msgr     messenger.Messenger
	dispatch dispatcher.Dispatcher
	logger   *slog.Logger

	approvalTimeout time.Duration
}

// New constructs a Coordinator and registers its callback with msgr.
// Callback registration happens once at construction time, not
// re-registered per request.
func New(st *store.Store, msgr messenger.Messenger, dispatch dispatcher.Dispatcher, approvalTimeout time.Duration, logger *slog.Logger) *Coordinator {
	c := &Coordinator{
		pending:         make(map[string]*pending),
		store:           st,
		msgr:            msgr,
		dispatch:        dispatch,
		logger:          logger,
		approvalTimeout: approvalTimeout,
	}
	msgr.OnApprovalCallback(c.deliver)
	return c
}

// PendingCount reports how many approvals are currently outstanding,
// for C9's max_pending_approvals admission check.
func (c *Coordinator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Request inserts a new pending approval, asks the messenger to present
// it, persists the pending row once the messenger's message id is known,
// and arms the timeout. The row is not written before SendApproval
// returns. It returns a channel that receives exactly one ApprovalResult.
func (c *Coordinator) Request(ctx context.Context, req Request) (<-chan messenger.ApprovalResult, error) {
	argsJSON, err := json.Marshal(req.Args)
	if err != nil {
		return nil, fmt.Errorf("approvals: marshal args: %w", err)
	}

	now := time.Now()
	expiresAt := now.Add(c.approvalTimeout)

	p := &pending{
		request: req,
		waiter:  make(chan messenger.ApprovalResult, 1),
	}

	c.mu.Lock()
	c.pending[req.RequestID] = p
	c.mu.Unlock()

	messageID, err := c.msgr.SendApproval(ctx, messenger.ApprovalRequest{
		RequestID: req.RequestID,
		ToolName:  req.ToolName,
		Signature: req.Signature,
		Args:      req.Args,
	}, messenger.DefaultChoices)
	if err != nil {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
		return nil, fmt.Errorf("approvals: send approval prompt: %w", err)
	}
	p.messageID = messageID

	// The row is written immediately after SendApproval returns and
	// before ScheduleTimeout, once messageID is known: nothing
	// observable happens between SendApproval succeeding and the row
	// becoming durable.
	if err := c.store.InsertPending(store.PendingRow{
		RequestID: req.RequestID,
		ToolName:  req.ToolName,
		Args:      argsJSON,
		Signature: req.Signature,
		MessageID: messageID,
		CreatedAt: now,
		ExpiresAt: expiresAt,
	}); err != nil {
		c.mu.Lock()
		delete(c.pending, req.RequestID)
		c.mu.Unlock()
		return nil, fmt.Errorf("approvals: persist pending row: %w", err)
	}

	c.msgr.ScheduleTimeout(req.RequestID, int(c.approvalTimeout.Seconds()), messageID)

	return p.waiter, nil
}

// deliver is the single callback registered with the messenger. It is
// the only path through which Resolve logic runs, whether the result
// originated from a human tap or a timeout fire.
func (c *Coordinator) deliver(result messenger.ApprovalResult) {
	c.resolve(result)
}

// resolve implements the mutual-exclusion "check already resolved or
// set resolved and complete waiter" step shared by the human-action
// and timeout paths.
func (c *Coordinator) resolve(result messenger.ApprovalResult) {
	c.mu.Lock()
	p, ok := c.pending[result.RequestID]
	if !ok {
		c.mu.Unlock()
		return // already resolved, detached, or never existed: silent no-op
	}
	delete(c.pending, result.RequestID)
	c.mu.Unlock()

	p.once.Do(func() {
		p.waiter <- result
		close(p.waiter)
	})
}

// ResolveAll synthesizes a deny result for every still-pending waiter,
// so no session ever hangs forever across a shutdown. Per the
// accompanying DESIGN.md decision, ResolveAll itself makes no store
// mutation. The synthetic deny is handled like any other denial by
// whoever holds the waiter: a live session replies and deletes the
// pending row, and a DetachOnDisconnect handler persists it as a
// {status:"denied"} result. The map entries are removed, so a human
// answer arriving afterwards is a no-op.
func (c *Coordinator) ResolveAll(reason string) {
	c.mu.Lock()
	toResolve := make([]*pending, 0, len(c.pending))
	for id, p := range c.pending {
		toResolve = append(toResolve, p)
		delete(c.pending, id)
	}
	c.mu.Unlock()

	now := time.Now().Unix()
	for _, p := range toResolve {
		result := messenger.ApprovalResult{RequestID: p.request.RequestID, Action: "deny", UserID: reason, Timestamp: now}
		p.once.Do(func() {
			p.waiter <- result
			close(p.waiter)
		})
	}
}

// DetachOnDisconnect hands ownership of a still-unresolved approval to
// a background task: it awaits the eventual ApprovalResult on the same
// waiter channel the disconnected session was already holding, then
// either executes the tool and persists {status:"executed"} or
// persists {status:"denied"}/{status:"error"} accordingly. The audit
// row is updated with the terminal resolution regardless.
//
// The caller passes its own waiter (the channel returned by Request)
// rather than a requestID for us to re-look-up in c.pending: resolve()
// deletes that map entry as soon as it fires, so a lookup here would
// race resolve() and could miss a result that was already buffered
// into the channel before the session's select observed the
// disconnect. Reading the channel directly sidesteps that race
// entirely — the buffered value is there to receive whether resolve()
// ran before or after this call.
//
// auditUpdate is called with the terminal resolution so the caller
// (the gateway's tool_request handler) can keep audit-row ownership
// without this package importing the audit/session layer.
func (c *Coordinator) DetachOnDisconnect(req Request, waiter <-chan messenger.ApprovalResult, auditUpdate func(resolution, resolvedBy string, executionResult json.RawMessage)) {
	go func() {
		result := <-waiter // closed by resolve() once a value is delivered

		if result.Action == "allow" {
			payload, err := c.dispatch.Execute(context.Background(), req.ToolName, req.Args)
			var resultJSON json.RawMessage
			var resolution string
			if err != nil {
				detail := err.Error()
				if de, ok := dispatcher.AsDispatcherError(err); ok {
					detail = de.Detail
				}
				resultJSON, _ = json.Marshal(map[string]any{"status": "error", "data": detail})
				resolution = "error"
				auditUpdate("error", result.UserID, nil)
			} else {
				resultJSON, _ = json.Marshal(map[string]any{"status": "executed", "data": json.RawMessage(payload)})
				resolution = "executed"
				auditUpdate("approved", result.UserID, payload)
			}
			if err := c.store.UpdatePendingResult(req.RequestID, resultJSON); err != nil {
				c.logger.Error("approvals: persist detached result failed", "request_id", req.RequestID, "resolution", resolution, "error", err)
			}
			return
		}

		resolution := "denied"
		if result.UserID == "timeout" {
			resolution = "timed_out"
		}
		resultJSON, _ := json.Marshal(map[string]any{"status": "denied", "data": result.UserID})
		if err := c.store.UpdatePendingResult(req.RequestID, resultJSON); err != nil {
			c.logger.Error("approvals: persist detached denial failed", "request_id", req.RequestID, "error", err)
		}
		auditUpdate(resolution, result.UserID, nil)
	}()
}
