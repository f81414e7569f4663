package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cowork-oss/cowork-gateway/internal/security"
	"github.com/cowork-oss/cowork-gateway/internal/sessions"
	"github.com/cowork-oss/cowork-gateway/internal/storage"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// Chat commands recognised before anything reaches the agent.
const (
	cmdPair    = "pair"
	cmdStatus  = "status"
	cmdNew     = "new"
	cmdCancel  = "cancel"
	cmdApprove = "approve"
	cmdDeny    = "deny"
	cmdHelp    = "help"
)

// Button payloads carried by approval prompts.
const (
	approveData = "approve:"
	denyData    = "deny:"
)

const helpText = "Commands:\n" +
	"/pair <code> - pair this chat\n" +
	"/status - show the current session\n" +
	"/new - start over with a new task\n" +
	"/cancel - cancel the running task\n" +
	"/approve <id>, /deny <id> - answer an approval request"

type command struct {
	name string
	args string
}

// parseCommand extracts a slash command. Telegram-style "@bot" suffixes are
// stripped and approval button payloads map to /approve and /deny.
func parseCommand(text string) command {
	switch {
	case strings.HasPrefix(text, approveData):
		return command{name: cmdApprove, args: strings.TrimSpace(strings.TrimPrefix(text, approveData))}
	case strings.HasPrefix(text, denyData):
		return command{name: cmdDeny, args: strings.TrimSpace(strings.TrimPrefix(text, denyData))}
	case !strings.HasPrefix(text, "/") || len(text) < 2:
		return command{}
	}
	head, args, _ := strings.Cut(text[1:], " ")
	head, _, _ = strings.Cut(head, "@")
	return command{name: strings.ToLower(head), args: strings.TrimSpace(args)}
}

func (r *Router) handlePair(ctx context.Context, ch *models.Channel, msg *models.IncomingMessage, cmd command, access security.AccessResult) error {
	rt := routeFor(ch, msg, "")
	if access.Allowed {
		r.notify(ctx, rt, "✅ This chat is already paired.")
		return nil
	}
	if !access.PairingRequired {
		r.logger.Debug("pair command outside pairing mode", "channel", ch.Type, "user_id", msg.UserID)
		return nil
	}
	if cmd.args == "" {
		r.notify(ctx, rt, "Usage: /pair <code>")
		return nil
	}

	res, err := r.security.VerifyPairingCode(ctx, ch, msg.UserID, msg.UserName, cmd.args)
	if err != nil {
		r.metrics.PairingAttempt(string(ch.Type), "error")
		return fmt.Errorf("verify pairing code: %w", err)
	}
	if !res.Success {
		r.metrics.PairingAttempt(string(ch.Type), pairingResultLabel(res.Error))
		r.notify(ctx, rt, "❌ "+res.Error)
		return nil
	}
	r.metrics.PairingAttempt(string(ch.Type), "success")
	r.logger.Info("user paired", "channel", ch.Type, "user_id", msg.UserID)
	r.notify(ctx, rt, "✅ Paired! You can now chat with the agent.")
	return nil
}

func pairingResultLabel(reason string) string {
	switch reason {
	case security.ReasonExpiredCode:
		return "expired"
	case security.ReasonTooManyAttempts:
		return "locked"
	default:
		return "invalid"
	}
}

// handleCommand runs an allowed user's command. It reports false for
// commands it does not know so they reach the agent as plain text.
func (r *Router) handleCommand(ctx context.Context, ch *models.Channel, msg *models.IncomingMessage, cmd command) (bool, error) {
	rt := routeFor(ch, msg, "")
	switch cmd.name {
	case cmdHelp:
		r.notify(ctx, rt, helpText)
		return true, nil
	case cmdStatus:
		sess, err := r.sessions.FindOpen(ctx, ch.ID, msg.ChatID)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			r.notify(ctx, rt, "No active session. Send a message to start a task.")
		case err != nil:
			return true, err
		default:
			r.notify(ctx, rt, describeSession(sess))
		}
		return true, nil
	case cmdNew:
		return true, r.endChatSession(ctx, ch, msg, sessions.EndUser,
			"🆕 Starting fresh. Your next message begins a new task.",
			"🆕 Your next message begins a new task.")
	case cmdCancel:
		return true, r.endChatSession(ctx, ch, msg, sessions.EndCancelled,
			"🛑 Task cancelled.",
			"Nothing to cancel.")
	case cmdApprove, cmdDeny:
		return true, r.answerApproval(ctx, ch, msg, cmd)
	}
	return false, nil
}

func describeSession(sess *models.ChannelSession) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s", sess.State)
	if sess.TaskID != "" {
		fmt.Fprintf(&b, "\nTask: %s", sess.TaskID)
	}
	if id := sess.Context[sessions.ContextApprovalID]; id != "" {
		fmt.Fprintf(&b, "\nWaiting for approval %s", id)
	}
	return b.String()
}

// endChatSession cancels the chat's task, if any, and ends its session.
func (r *Router) endChatSession(ctx context.Context, ch *models.Channel, msg *models.IncomingMessage, reason, doneText, emptyText string) error {
	var reply string
	err := r.sessions.WithChat(ctx, ch, msg.ChatID, func(c *sessions.Chat) error {
		sess, err := c.Open()
		if errors.Is(err, storage.ErrNotFound) {
			reply = emptyText
			return nil
		}
		if err != nil {
			return err
		}
		if sess.TaskID != "" {
			if err := r.daemon.CancelTask(ctx, sess.TaskID); err != nil {
				r.logger.Warn("failed to cancel task", "task_id", sess.TaskID, "error", err)
			}
			r.forgetTask(sess.TaskID)
			r.metrics.SessionActivated(string(ch.Type), -1)
		}
		if _, err := r.sessions.End(ctx, sess.ID, reason); err != nil {
			return err
		}
		reply = doneText
		if sess.TaskID == "" {
			reply = emptyText
		}
		return nil
	})
	if err != nil {
		return err
	}
	r.notify(ctx, routeFor(ch, msg, ""), reply)
	return nil
}

func (r *Router) answerApproval(ctx context.Context, ch *models.Channel, msg *models.IncomingMessage, cmd command) error {
	approved := cmd.name == cmdApprove
	rt := routeFor(ch, msg, "")

	return r.sessions.WithChat(ctx, ch, msg.ChatID, func(c *sessions.Chat) error {
		sess, err := c.Open()
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return err
		}
		// Only the approval pending on this chat's own session can be answered.
		var pending string
		if sess != nil {
			pending = sess.Context[sessions.ContextApprovalID]
		}
		approvalID := cmd.args
		if approvalID == "" {
			approvalID = pending
		}
		if pending == "" || approvalID != pending {
			if approvalID != "" {
				r.logger.Warn("rejected approval answer for another chat",
					"channel", ch.Type, "chat_id", msg.ChatID, "user_id", msg.UserID, "approval_id", approvalID)
			}
			r.notify(ctx, rt, "There is no pending approval.")
			return nil
		}

		if err := r.daemon.RespondToApproval(ctx, approvalID, approved); err != nil {
			r.logger.Warn("approval response failed", "approval_id", approvalID, "error", err)
			r.notify(ctx, rt, formatFailure("Could not answer the approval", err.Error()))
			return nil
		}
		if sess != nil && sess.State == models.SessionWaitingApproval {
			if _, err := r.sessions.Resume(ctx, sess.ID); err != nil {
				r.logger.Warn("failed to resume session", "session_id", sess.ID, "error", err)
			}
		}
		if approved {
			r.notify(ctx, rt, "👍 Approved.")
		} else {
			r.notify(ctx, rt, "👎 Denied.")
		}
		return nil
	})
}
