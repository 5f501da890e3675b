// Package messenger defines the Messenger Adapter contract (C6): the
// core depends on this interface, never on a specific chat-platform
// implementation.
package messenger

import "context"

// Choices enumerates the actions a human may pick when presented an
// approval prompt.
type Choices struct {
	Allow string
	Deny  string
}

// DefaultChoices are the labels used when no customization is needed.
var DefaultChoices = Choices{Allow: "Approve", Deny: "Deny"}

// ApprovalRequest is the information a Messenger needs to render a
// prompt.
type ApprovalRequest struct {
	RequestID string
	ToolName  string
	Signature string
	Args      map[string]any
}

// ApprovalResult is produced by a human tap or a timeout.
type ApprovalResult struct {
	RequestID string
	Action    string // "allow" or "deny"
	UserID    string // sentinel "timeout" denotes timeout origin
	Timestamp int64  // epoch seconds
}

// Callback is invoked exactly once per resolved request_id.
type Callback func(ApprovalResult)

// Messenger is the C6 contract.
type Messenger interface {
	// SendApproval presents the approval UI and returns an opaque
	// message handle.
	SendApproval(ctx context.Context, req ApprovalRequest, choices Choices) (messageID string, err error)

	// UpdateApproval best-effort mutates the rendered UI; it must
	// never return an error the caller is expected to act on.
	UpdateApproval(ctx context.Context, messageID, status, detail string)

	// OnApprovalCallback registers the single coordinator callback.
	// The adapter must invoke fn exactly once per resolved request_id,
	// across both the human-action path and the timeout path.
	OnApprovalCallback(fn Callback)

	// ScheduleTimeout arms a timer owned by the adapter; at expiry it
	// synthesizes ApprovalResult{Action: "deny", UserID: "timeout"}
	// and delivers it through the registered callback.
	ScheduleTimeout(requestID string, seconds int, messageID string)

	// HealthCheck reports whether the adapter can currently reach its
	// backing messaging platform.
	HealthCheck(ctx context.Context) bool
}
