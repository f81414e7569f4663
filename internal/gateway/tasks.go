package gateway

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cowork-oss/cowork-gateway/internal/agent"
	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/internal/observability"
	"github.com/cowork-oss/cowork-gateway/internal/sessions"
	"github.com/cowork-oss/cowork-gateway/internal/storage"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// confusedPatterns mark assistant messages that are probably not the answer.
var confusedPatterns = []string{
	"don't have",
	"please provide",
	"i cannot",
	"not available",
}

func looksConfused(text string) bool {
	lower := strings.ToLower(text)
	for _, p := range confusedPatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}

// betterMessage reports whether candidate should replace current as the
// result sent on completion. A confused candidate never replaces a clear one.
func betterMessage(current, candidate string) bool {
	if strings.TrimSpace(candidate) == "" {
		return false
	}
	if current == "" {
		return true
	}
	if len(candidate) < len(current) {
		return false
	}
	return !looksConfused(candidate) || looksConfused(current)
}

// trackTask registers a task started from a chat. Events seen for it before
// registration are moved to its pending queue.
func (r *Router) trackTask(taskID string, rt route) {
	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()
	st := &taskState{route: rt}
	if o, ok := r.orphans[taskID]; ok {
		st.pending = o.events
		delete(r.orphans, taskID)
	}
	r.tasks[taskID] = st
}

// release marks a task ready and replays the events queued while its session
// was being bound. It loops until no event arrives mid-replay, so order holds.
func (r *Router) release(ctx context.Context, taskID string) {
	for {
		r.tasksMu.Lock()
		st, ok := r.tasks[taskID]
		if !ok {
			r.tasksMu.Unlock()
			return
		}
		events := st.pending
		st.pending = nil
		if len(events) == 0 {
			st.ready = true
		}
		r.tasksMu.Unlock()

		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			r.dispatch(ctx, ev)
		}
	}
}

func (r *Router) forgetTask(taskID string) {
	r.tasksMu.Lock()
	delete(r.tasks, taskID)
	r.tasksMu.Unlock()
}

func (r *Router) beginFollowUp(ctx context.Context, taskID string, rt route) {
	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()
	st, ok := r.tasks[taskID]
	if !ok {
		st = &taskState{route: rt, ready: true}
		r.tasks[taskID] = st
	}
	st.followUps++
	st.followUpReplied = false
}

// HandleAgentEvent relays one daemon event to the chat that owns the task.
func (r *Router) HandleAgentEvent(ctx context.Context, ev agent.Event) {
	if ev.TaskID == "" {
		return
	}
	r.tasksMu.Lock()
	st, ok := r.tasks[ev.TaskID]
	if ok && !st.ready {
		st.pending = append(st.pending, ev)
		r.tasksMu.Unlock()
		return
	}
	r.tasksMu.Unlock()

	if !ok {
		sess, err := r.sessions.FindByTask(ctx, ev.TaskID)
		switch {
		case err == nil:
			r.adoptTask(ev.TaskID, routeForSession(sess))
		case errors.Is(err, storage.ErrNotFound):
			r.stashOrphan(ev)
			return
		default:
			r.logger.Warn("failed to resolve task session", "task_id", ev.TaskID, "error", err)
			return
		}
	}
	r.dispatch(ctx, ev)
}

// adoptTask rebuilds state for a task whose session outlived the process.
func (r *Router) adoptTask(taskID string, rt route) {
	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()
	if _, ok := r.tasks[taskID]; !ok {
		r.tasks[taskID] = &taskState{route: rt, ready: true}
	}
}

func (r *Router) stashOrphan(ev agent.Event) {
	now := time.Now()
	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()
	for id, o := range r.orphans {
		if now.Sub(o.first) > orphanTTL {
			delete(r.orphans, id)
		}
	}
	o, ok := r.orphans[ev.TaskID]
	if !ok {
		if len(r.orphans) >= maxOrphanTasks {
			r.logger.Debug("dropping event for unknown task", "task_id", ev.TaskID, "event", ev.Type)
			return
		}
		o = &orphan{first: now}
		r.orphans[ev.TaskID] = o
	}
	o.events = append(o.events, ev)
}

func (r *Router) dispatch(ctx context.Context, ev agent.Event) {
	ctx, span := r.tracer.TraceAgentEvent(ctx, string(ev.Type), ev.TaskID)
	defer span.End()
	r.metrics.AgentEvent(string(ev.Type))

	switch ev.Type {
	case agent.EventAssistantMessage:
		r.onAssistantMessage(ctx, ev)
	case agent.EventTaskCompleted:
		r.onTaskCompleted(ctx, ev)
	case agent.EventError:
		observability.RecordError(span, errors.New(ev.Text()))
		r.onTaskFailed(ctx, ev)
	case agent.EventToolError:
		r.onToolError(ctx, ev)
	case agent.EventFollowUpCompleted:
		r.onFollowUpCompleted(ctx, ev)
	case agent.EventFollowUpFailed:
		r.onFollowUpFailed(ctx, ev)
	case agent.EventApprovalRequested:
		r.onApprovalRequested(ctx, ev)
	default:
		r.logger.Debug("ignoring agent event", "event", ev.Type, "task_id", ev.TaskID)
	}
}

// withTask runs fn on the task state under the lock and returns its route.
func (r *Router) withTask(taskID string, fn func(*taskState)) (route, bool) {
	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()
	st, ok := r.tasks[taskID]
	if !ok {
		return route{}, false
	}
	if fn != nil {
		fn(st)
	}
	return st.route, true
}

func (r *Router) onAssistantMessage(ctx context.Context, ev agent.Event) {
	rt, ok := r.withTask(ev.TaskID, func(st *taskState) {
		if betterMessage(st.best, ev.Message) {
			st.best = ev.Message
		}
		if st.followUps > 0 && strings.TrimSpace(ev.Message) != "" {
			st.followUpReplied = true
		}
	})
	if !ok || strings.TrimSpace(ev.Message) == "" {
		return
	}
	r.notify(ctx, rt, ev.Message)
}

func (r *Router) onTaskCompleted(ctx context.Context, ev agent.Event) {
	var result string
	rt, ok := r.withTask(ev.TaskID, func(st *taskState) {
		result = st.best
		st.best = ""
		st.completed = true
	})
	if !ok {
		return
	}
	if result == "" {
		result = ev.Message
	}
	if result == "" {
		r.notify(ctx, rt, "✅ Task completed.")
	} else {
		r.notify(ctx, rt, "✅ "+result)
	}
	r.endTaskSession(ctx, ev.TaskID, rt, sessions.EndCompleted)
	r.dropIfIdle(ev.TaskID)
}

func (r *Router) onTaskFailed(ctx context.Context, ev agent.Event) {
	rt, ok := r.withTask(ev.TaskID, nil)
	if !ok {
		return
	}
	r.notify(ctx, rt, formatFailure("Task failed", ev.Text()))
	r.endTaskSession(ctx, ev.TaskID, rt, sessions.EndFailed)
	r.forgetTask(ev.TaskID)
}

func (r *Router) onToolError(ctx context.Context, ev agent.Event) {
	rt, ok := r.withTask(ev.TaskID, nil)
	if !ok {
		return
	}
	tool := ev.Tool
	if tool == "" {
		tool = "tool"
	}
	r.notify(ctx, rt, fmt.Sprintf("🔧 Tool error (%s): %s", tool, ev.Text()))
}

func (r *Router) onFollowUpCompleted(ctx context.Context, ev agent.Event) {
	var replied bool
	rt, ok := r.withTask(ev.TaskID, func(st *taskState) {
		replied = st.followUpReplied
		if st.followUps > 0 {
			st.followUps--
		}
		st.followUpReplied = false
	})
	if !ok {
		return
	}
	if !replied {
		r.notify(ctx, rt, "✅ Done.")
	}
	if len(ev.Artifacts) > 0 {
		r.sendArtifacts(ctx, rt, ev.Artifacts)
	}
	r.dropIfIdle(ev.TaskID)
}

func (r *Router) onFollowUpFailed(ctx context.Context, ev agent.Event) {
	rt, ok := r.withTask(ev.TaskID, func(st *taskState) {
		if st.followUps > 0 {
			st.followUps--
		}
		st.followUpReplied = false
	})
	if !ok {
		return
	}
	r.notify(ctx, rt, formatFailure("Follow-up failed", ev.Text()))
	r.dropIfIdle(ev.TaskID)
}

func (r *Router) onApprovalRequested(ctx context.Context, ev agent.Event) {
	rt, ok := r.withTask(ev.TaskID, nil)
	if !ok || ev.Approval == nil || ev.Approval.ID == "" {
		return
	}
	if _, err := r.sessions.AwaitApproval(ctx, rt.SessionID, ev.Approval.ID); err != nil {
		r.logger.Warn("failed to park session for approval", "session_id", rt.SessionID, "error", err)
	}

	description := ev.Approval.Description
	if description == "" {
		description = ev.Approval.Type
	}
	out := &models.OutgoingMessage{
		ChatID:    rt.ChatID,
		ThreadID:  rt.ThreadID,
		ParseMode: models.ParseModeMarkdown,
		Text:      "🔐 Approval needed: " + description,
	}
	if r.registry.Supports(rt.ChannelType, channels.CapabilityButtons) {
		out.Buttons = [][]models.Button{{
			{Text: "Approve", Data: approveData + ev.Approval.ID},
			{Text: "Deny", Data: denyData + ev.Approval.ID},
		}}
	} else {
		out.Text += fmt.Sprintf("\n\nReply /approve %s or /deny %s", ev.Approval.ID, ev.Approval.ID)
	}
	_, _ = r.deliver(ctx, rt, out)
}

// endTaskSession ends the task's session, tolerating one that is already gone.
func (r *Router) endTaskSession(ctx context.Context, taskID string, rt route, reason string) {
	if rt.SessionID == "" {
		return
	}
	sess, err := r.sessions.Get(ctx, rt.SessionID)
	if err != nil {
		r.logger.Warn("failed to load task session", "task_id", taskID, "error", err)
		return
	}
	if sess.State.IsTerminal() || sess.TaskID != taskID {
		return
	}
	if _, err := r.sessions.End(ctx, sess.ID, reason); err != nil {
		r.logger.Warn("failed to end session", "session_id", sess.ID, "error", err)
		return
	}
	r.metrics.SessionActivated(string(rt.ChannelType), -1)
}

// dropIfIdle forgets a completed task once its follow-ups have drained.
func (r *Router) dropIfIdle(taskID string) {
	r.tasksMu.Lock()
	defer r.tasksMu.Unlock()
	if st, ok := r.tasks[taskID]; ok && st.completed && st.followUps == 0 {
		delete(r.tasks, taskID)
	}
}

func formatFailure(prefix, detail string) string {
	detail = strings.TrimSpace(detail)
	if detail == "" {
		return "⚠️ " + prefix + "."
	}
	return "⚠️ " + prefix + ": " + detail
}
