// Package slack implements the Messenger Adapter contract (C6) with
// Slack Block Kit approve/deny buttons delivered over Socket Mode.
package slack

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/socketmode"

	"github.com/TorbenWetter/wachtor/internal/messenger"
)

// Config holds the credentials and destination for approval prompts.
type Config struct {
	BotToken        string // xoxb- token for API calls
	AppToken        string // xapp- token for Socket Mode
	ApprovalChannel string // channel ID approval prompts are posted to
}

const (
	actionApprove = "gatekeep_approve"
	actionDeny    = "gatekeep_deny"
)

// Adapter implements messenger.Messenger against a live Slack workspace.
type Adapter struct {
	cfg    Config
	client *slack.Client
	socket *socketmode.Client
	logger *slog.Logger

	mu        sync.Mutex
	cb        messenger.Callback
	resolved  map[string]bool // request_id -> already delivered, at-most-once
	timers    map[string]*time.Timer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAdapter constructs an Adapter. Call Start to open the Socket Mode
// connection before the first SendApproval.
func NewAdapter(cfg Config, logger *slog.Logger) *Adapter {
	client := slack.New(cfg.BotToken, slack.OptionAppLevelToken(cfg.AppToken))
	return &Adapter{
		cfg:      cfg,
		client:   client,
		socket:   socketmode.New(client, socketmode.OptionDebug(false)),
		logger:   logger,
		resolved: make(map[string]bool),
		timers:   make(map[string]*time.Timer),
	}
}

// Start opens the Socket Mode connection and begins consuming
// interactive block_actions events.
func (a *Adapter) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go a.handleEvents()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.socket.Run(); err != nil {
			a.logger.Error("slack: socket mode run failed", "error", err)
		}
	}()

	return nil
}

// Stop shuts down the Socket Mode connection, waiting up to the
// context deadline for in-flight handlers to drain.
func (a *Adapter) Stop(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}
	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SendApproval posts a Block Kit message with Approve/Deny buttons and
// returns Slack's message timestamp, used downstream as the messageID
// for UpdateApproval and ScheduleTimeout.
func (a *Adapter) SendApproval(ctx context.Context, req messenger.ApprovalRequest, choices messenger.Choices) (string, error) {
	header := slack.NewTextBlockObject("mrkdwn", fmt.Sprintf("*Approval requested:* `%s`", req.Signature), false, false)
	headerBlock := slack.NewSectionBlock(header, nil, nil)

	approveBtn := slack.NewButtonBlockElement(actionApprove, req.RequestID, slack.NewTextBlockObject("plain_text", choices.Allow, false, false))
	approveBtn.Style = slack.StylePrimary
	denyBtn := slack.NewButtonBlockElement(actionDeny, req.RequestID, slack.NewTextBlockObject("plain_text", choices.Deny, false, false))
	denyBtn.Style = slack.StyleDanger
	actionsBlock := slack.NewActionBlock("gatekeep_approval_"+req.RequestID, approveBtn, denyBtn)

	_, timestamp, err := a.client.PostMessageContext(ctx, a.cfg.ApprovalChannel,
		slack.MsgOptionBlocks(headerBlock, actionsBlock))
	if err != nil {
		return "", fmt.Errorf("slack: post approval message: %w", err)
	}
	return timestamp, nil
}

// UpdateApproval rewrites the original message to reflect its terminal
// status, removing the action buttons.
func (a *Adapter) UpdateApproval(ctx context.Context, messageID, status, detail string) {
	text := fmt.Sprintf("*Approval %s.* %s", status, detail)
	block := slack.NewSectionBlock(slack.NewTextBlockObject("mrkdwn", text, false, false), nil, nil)
	if _, _, _, err := a.client.UpdateMessageContext(ctx, a.cfg.ApprovalChannel, messageID, slack.MsgOptionBlocks(block)); err != nil {
		a.logger.Error("slack: update approval message failed", "message_id", messageID, "error", err)
	}
}

// OnApprovalCallback registers the sole consumer of approval outcomes.
func (a *Adapter) OnApprovalCallback(fn messenger.Callback) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cb = fn
}

// ScheduleTimeout arms a timer that, unless the request is already
// resolved, synthesizes a deny{user_id:"timeout"} at expiry.
func (a *Adapter) ScheduleTimeout(requestID string, seconds int, messageID string) {
	timer := time.AfterFunc(time.Duration(seconds)*time.Second, func() {
		a.deliver(messenger.ApprovalResult{RequestID: requestID, Action: "deny", UserID: "timeout", Timestamp: time.Now().Unix()})
	})

	a.mu.Lock()
	a.timers[requestID] = timer
	a.mu.Unlock()
}

// HealthCheck confirms the bot token can still authenticate.
func (a *Adapter) HealthCheck(ctx context.Context) bool {
	_, err := a.client.AuthTestContext(ctx)
	return err == nil
}

// deliver enforces at-most-once delivery per request_id across the
// human-action and timeout paths, then invokes the registered
// callback exactly once.
func (a *Adapter) deliver(result messenger.ApprovalResult) {
	a.mu.Lock()
	if a.resolved[result.RequestID] {
		a.mu.Unlock()
		return
	}
	a.resolved[result.RequestID] = true
	if timer, ok := a.timers[result.RequestID]; ok {
		timer.Stop()
		delete(a.timers, result.RequestID)
	}
	cb := a.cb
	a.mu.Unlock()

	if cb != nil {
		cb(result)
	}
}

func (a *Adapter) handleEvents() {
	defer a.wg.Done()
	for {
		select {
		case <-a.ctx.Done():
			return
		case event, ok := <-a.socket.Events:
			if !ok {
				return
			}
			switch event.Type {
			case socketmode.EventTypeInteractive:
				a.handleInteraction(event)
			}
		}
	}
}

func (a *Adapter) handleInteraction(event socketmode.Event) {
	callback, ok := event.Data.(slack.InteractionCallback)
	if !ok {
		if event.Request != nil {
			a.socket.Ack(*event.Request)
		}
		return
	}
	if event.Request != nil {
		a.socket.Ack(*event.Request)
	}

	if callback.Type != slack.InteractionTypeBlockActions || len(callback.ActionCallback.BlockActions) == 0 {
		return
	}
	action := callback.ActionCallback.BlockActions[0]

	var decision string
	switch action.ActionID {
	case actionApprove:
		decision = "allow"
	case actionDeny:
		decision = "deny"
	default:
		return
	}

	a.deliver(messenger.ApprovalResult{
		RequestID: action.Value,
		Action:    decision,
		UserID:    callback.User.ID,
		Timestamp: time.Now().Unix(),
	})
}
