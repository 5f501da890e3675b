package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/TorbenWetter/wachtor/internal/approvals"
	"github.com/TorbenWetter/wachtor/internal/dispatcher"
	"github.com/TorbenWetter/wachtor/internal/messenger"
	"github.com/TorbenWetter/wachtor/internal/policy"
	"github.com/TorbenWetter/wachtor/internal/signature"
	"github.com/TorbenWetter/wachtor/internal/store"
)

// Session drives one authenticated agent connection: a split
// read/write loop, a buffered send channel, and a per-message handler
// goroutine for every recognized method.
type Session struct {
	gateway *Gateway
	conn    *websocket.Conn
	send    chan []byte
	ctx     context.Context
	cancel  context.CancelFunc

	limiter       *slidingWindowLimiter
	authenticated bool
	handlers      sync.WaitGroup
}

func newSession(g *Gateway, conn *websocket.Conn) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		gateway: g,
		conn:    conn,
		send:    make(chan []byte, 64),
		ctx:     ctx,
		cancel:  cancel,
		limiter: newSlidingWindowLimiter(g.cfg.MaxRequestsPerMinute),
	}
}

func (s *Session) run() {
	defer s.teardown()
	go s.writeLoop()

	if !s.authenticate() {
		return
	}
	s.readLoop()
}

// teardown cancels the session context (unblocking any goroutine
// awaiting an approval waiter under s.ctx), waits for in-flight
// handlers to finish detaching their approvals, then closes the
// socket.
func (s *Session) teardown() {
	s.cancel()
	s.handlers.Wait()
	close(s.send)
	_ = s.conn.Close()
}

// authenticate enforces the 10s auth-phase deadline: the first frame
// must be `{method:"auth", params:{token}}` with a token matching the
// configured agent token, compared in constant time.
func (s *Session) authenticate() bool {
	_ = s.conn.SetReadDeadline(time.Now().Add(authTimeout))
	_, data, err := s.conn.ReadMessage()
	if err != nil {
		return false
	}

	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		s.sendRaw(newErrorResponse(nil, codeParseError, "malformed JSON"))
		return false
	}
	if req.Method != "auth" {
		s.sendRaw(newErrorResponse(req.ID, codeNotAuthenticated, "first message must be auth"))
		return false
	}

	var params authParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.sendRaw(newErrorResponse(req.ID, codeInvalidRequest, "invalid auth params"))
		return false
	}
	if subtle.ConstantTimeCompare([]byte(params.Token), []byte(s.gateway.cfg.AgentToken)) != 1 {
		s.sendRaw(newErrorResponse(req.ID, codeNotAuthenticated, "invalid token"))
		return false
	}

	_ = s.conn.SetReadDeadline(time.Time{})
	s.authenticated = true
	s.gateway.metrics.ConnectedAgents.Set(1)
	s.sendRaw(newResponse(req.ID, map[string]string{"status": "authenticated"}))
	return true
}

func (s *Session) readLoop() {
	defer s.gateway.metrics.ConnectedAgents.Set(0)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if s.ctx.Err() != nil {
			return // shutting down: accept no new frames
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.sendRaw(newErrorResponse(nil, codeParseError, "malformed JSON"))
			continue
		}
		if req.Method == "" {
			s.sendRaw(newErrorResponse(req.ID, codeInvalidRequest, "missing method"))
			continue
		}

		s.handlers.Add(1)
		go func(req Request) {
			defer s.handlers.Done()
			s.dispatch(req)
		}(req)
	}
}

func (s *Session) writeLoop() {
	for msg := range s.send {
		_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := s.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (s *Session) sendRaw(resp Response) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	select {
	case s.send <- data:
	case <-s.ctx.Done():
	}
}

func (s *Session) dispatch(req Request) {
	switch req.Method {
	case "tool_request":
		s.handleToolRequest(req)
	case "list_tools":
		s.handleListTools(req)
	case "get_pending_results":
		s.handleGetPendingResults(req)
	default:
		s.sendRaw(newErrorResponse(req.ID, codeMethodNotFound, fmt.Sprintf("unknown method %q", req.Method)))
	}
}

func (s *Session) handleListTools(req Request) {
	names := s.gateway.registry.ToolNames()
	tools := make([]map[string]any, 0, len(names))
	for _, name := range names {
		tool, ok := s.gateway.registry.GetTool(name)
		if !ok {
			continue
		}
		args := make(map[string]any, len(tool.Args))
		for argName, spec := range tool.Args {
			entry := map[string]any{"required": spec.Required}
			if spec.Validate != nil {
				entry["validate"] = spec.Validate.String()
			}
			args[argName] = entry
		}
		tools = append(tools, map[string]any{
			"name":        tool.Name,
			"description": tool.Description,
			"service":     tool.ServiceName,
			"args":        args,
		})
	}
	s.sendRaw(newResponse(req.ID, map[string]any{"tools": tools}))
}

func (s *Session) handleGetPendingResults(req Request) {
	rows, err := s.gateway.store.GetCompletedResults()
	if err != nil {
		s.sendRaw(newErrorResponse(req.ID, codeExecutionFailed, "failed to read pending results"))
		return
	}

	results := make([]map[string]any, 0, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		results = append(results, map[string]any{
			"request_id": row.RequestID,
			"tool_name":  row.ToolName,
			"signature":  row.Signature,
			"result":     json.RawMessage(row.Result),
		})
		ids = append(ids, row.RequestID)
	}

	// Delete-before-ack: if the client never receives this reply, the
	// row is gone regardless. Acceptable for advisory offline
	// completions, not authoritative state.
	if len(ids) > 0 {
		if err := s.gateway.store.DeleteCompletedResults(ids); err != nil {
			s.sendRaw(newErrorResponse(req.ID, codeExecutionFailed, "failed to ack pending results"))
			return
		}
	}

	s.sendRaw(newResponse(req.ID, map[string]any{"results": results}))
}

func (s *Session) handleToolRequest(req Request) {
	if len(req.ID) == 0 || string(req.ID) == "null" {
		s.sendRaw(newErrorResponse(req.ID, codeInvalidRequest, "missing id"))
		return
	}

	var params toolRequestParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Tool == "" {
		s.sendRaw(newErrorResponse(req.ID, codeInvalidRequest, "missing tool name"))
		return
	}

	if !s.limiter.Allow(time.Now()) {
		s.sendRaw(newErrorResponse(req.ID, codeRateLimitExceeded, "request rate limit exceeded"))
		return
	}

	ctx, span := s.gateway.tracer.TracePolicyEvaluation(s.ctx, params.Tool)
	decision, err := s.gateway.policy.Evaluate(params.Tool, params.Args)
	s.gateway.tracer.RecordError(span, err)
	span.End()
	if err != nil {
		var verr *signature.ValidationError
		if ve, ok := err.(*signature.ValidationError); ok {
			verr = ve
		}
		msg := err.Error()
		if verr != nil {
			msg = verr.Message
		}
		s.sendRaw(newErrorResponse(req.ID, codeInvalidRequest, msg))
		return
	}

	requestID := uuid.NewString()
	argsJSON, _ := json.Marshal(params.Args)
	now := time.Now()
	if _, err := s.gateway.store.LogAudit(store.AuditEntry{
		RequestID: requestID,
		Timestamp: now,
		ToolName:  params.Tool,
		Args:      argsJSON,
		Signature: decision.Signature,
		Decision:  string(decision.Decision),
	}); err != nil {
		s.gateway.logger.Error("gateway: audit insert failed", "request_id", requestID, "error", err)
	}
	s.gateway.metrics.PolicyDecisionCounter.WithLabelValues(params.Tool, string(decision.Decision)).Inc()
	s.gateway.metrics.ToolRequestCounter.WithLabelValues(params.Tool).Inc()

	switch decision.Decision {
	case policy.Allow:
		s.executeAndReply(ctx, req.ID, requestID, params.Tool, params.Args, "executed", "")
	case policy.Deny:
		s.sendRaw(newErrorResponse(req.ID, codePolicyDenied, "denied by policy"))
	case policy.Ask:
		s.handleAsk(ctx, req.ID, requestID, params.Tool, params.Args, decision.Signature)
	}
}

func (s *Session) handleAsk(ctx context.Context, clientID json.RawMessage, requestID, tool string, args map[string]any, sig string) {
	if s.gateway.coord.PendingCount() >= s.gateway.cfg.MaxPendingApprovals {
		s.sendRaw(newErrorResponse(clientID, codeRateLimitExceeded, "too many pending approvals"))
		return
	}

	ctx, span := s.gateway.tracer.TraceApprovalWait(ctx, requestID)
	defer span.End()

	approvalReq := approvals.Request{
		RequestID: requestID,
		ToolName:  tool,
		Args:      args,
		Signature: sig,
	}
	waiter, err := s.gateway.coord.Request(ctx, approvalReq)
	if err != nil {
		s.gateway.tracer.RecordError(span, err)
		s.sendRaw(newErrorResponse(clientID, codeExecutionFailed, "failed to request approval"))
		return
	}
	s.gateway.metrics.PendingApprovals.Set(float64(s.gateway.coord.PendingCount()))

	select {
	case result := <-waiter:
		s.gateway.metrics.PendingApprovals.Set(float64(s.gateway.coord.PendingCount()))
		s.resolveAskResult(clientID, requestID, tool, args, result)
	case <-s.ctx.Done():
		// Connection lost while awaiting: hand the approval off to a
		// background task. No reply goes to the now-dead socket.
		s.gateway.coord.DetachOnDisconnect(approvalReq, waiter, func(resolution, resolvedBy string, executionResult json.RawMessage) {
			s.updateAudit(requestID, resolution, resolvedBy, executionResult)
		})
	}
}

func (s *Session) resolveAskResult(clientID json.RawMessage, requestID, tool string, args map[string]any, result messenger.ApprovalResult) {
	defer func() {
		if err := s.gateway.store.DeletePending(requestID); err != nil {
			s.gateway.logger.Error("gateway: delete pending row failed", "request_id", requestID, "error", err)
		}
	}()

	if result.Action == "allow" {
		s.gateway.metrics.ApprovalCounter.WithLabelValues(tool, "approved").Inc()
		s.executeAndReply(s.ctx, clientID, requestID, tool, args, "approved", result.UserID)
		return
	}

	if result.UserID == "timeout" {
		s.gateway.metrics.ApprovalCounter.WithLabelValues(tool, "timed_out").Inc()
		s.updateAudit(requestID, "timed_out", result.UserID, nil)
		s.sendRaw(newErrorResponse(clientID, codeApprovalTimeout, "approval timed out"))
		return
	}
	s.gateway.metrics.ApprovalCounter.WithLabelValues(tool, "denied").Inc()
	s.updateAudit(requestID, "denied", result.UserID, nil)
	s.sendRaw(newErrorResponse(clientID, codeApprovalDenied, "approval denied"))
}

func (s *Session) executeAndReply(ctx context.Context, clientID json.RawMessage, requestID, tool string, args map[string]any, resolution, resolvedBy string) {
	ctx, span := s.gateway.tracer.TraceDispatch(ctx, tool)
	defer span.End()

	start := time.Now()
	payload, err := s.gateway.dispatcher.Execute(ctx, tool, args)
	s.gateway.metrics.DispatchDuration.WithLabelValues(tool).Observe(time.Since(start).Seconds())
	if err != nil {
		s.gateway.tracer.RecordError(span, err)
		detail := err.Error()
		if de, ok := dispatcher.AsDispatcherError(err); ok {
			detail = de.Detail
		}
		s.gateway.metrics.DispatchErrorCounter.WithLabelValues(tool).Inc()
		s.updateAudit(requestID, "error", resolvedBy, nil)
		s.sendRaw(newErrorResponse(clientID, codeExecutionFailed, detail))
		return
	}

	s.updateAudit(requestID, resolution, resolvedBy, payload)
	s.sendRaw(newResponse(clientID, map[string]any{"status": "executed", "data": json.RawMessage(payload)}))
}

func (s *Session) updateAudit(requestID, resolution, resolvedBy string, executionResult json.RawMessage) {
	if err := s.gateway.store.UpdateAuditResolution(requestID, resolution, resolvedBy, time.Now(), executionResult); err != nil {
		s.gateway.logger.Error("gateway: audit resolution update failed", "request_id", requestID, "error", err)
	}
}
