package gateway

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/cowork-oss/cowork-gateway/internal/agent"
	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/internal/security"
	"github.com/cowork-oss/cowork-gateway/internal/sessions"
	"github.com/cowork-oss/cowork-gateway/internal/storage"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

func TestBetterMessage(t *testing.T) {
	tests := []struct {
		name      string
		current   string
		candidate string
		want      bool
	}{
		{"empty candidate", "done", "  ", false},
		{"first message", "", "hi", true},
		{"longer clear", "short", "a longer answer", true},
		{"shorter", "a longer answer", "short", false},
		{"long confused over clear", "The answer is 42.", "I cannot tell, please provide the data file.", false},
		{"long confused over confused", "I cannot.", "I cannot see it, please provide more.", true},
		{"clear over confused", "please provide x", "Here is the full result.", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := betterMessage(tt.current, tt.candidate); got != tt.want {
				t.Fatalf("betterMessage(%q, %q) = %v, want %v", tt.current, tt.candidate, got, tt.want)
			}
		})
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in   string
		want command
	}{
		{"hello", command{}},
		{"/", command{}},
		{"/pair abc123", command{name: cmdPair, args: "abc123"}},
		{"/Status@cowork_bot", command{name: cmdStatus}},
		{"/approve   a1 ", command{name: cmdApprove, args: "a1"}},
		{"approve:a1", command{name: cmdApprove, args: "a1"}},
		{"deny:a2", command{name: cmdDeny, args: "a2"}},
	}
	for _, tt := range tests {
		if got := parseCommand(tt.in); got != tt.want {
			t.Errorf("parseCommand(%q) = %+v, want %+v", tt.in, got, tt.want)
		}
	}
}

func TestBuildPrompt(t *testing.T) {
	got := buildPrompt("look at this", []models.Attachment{
		{Type: models.AttachmentImage, Filename: "cat.png"},
		{Type: models.AttachmentDocument},
	})
	want := "look at this\n[attachment: cat.png]\n[attachment: document]"
	if got != want {
		t.Fatalf("buildPrompt() = %q, want %q", got, want)
	}

	many := make([]models.Attachment, maxAttachmentNamesInPrompt+3)
	if got := buildPrompt("", many); !strings.HasSuffix(got, "[+3 more attachments]") {
		t.Fatalf("buildPrompt() = %q, want overflow marker", got)
	}
}

func TestNewRouterDefaults(t *testing.T) {
	store := storage.NewMemoryStore()
	sec, err := security.NewManager(security.Config{Store: store})
	if err != nil {
		t.Fatalf("security.NewManager() error = %v", err)
	}
	sm, err := sessions.NewManager(sessions.Config{Store: store})
	if err != nil {
		t.Fatalf("sessions.NewManager() error = %v", err)
	}

	r, err := NewRouter(RouterConfig{Store: store, Security: sec, Sessions: sm, Daemon: newFakeDaemon()})
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	if r.logger == nil || r.registry == nil || r.activity == nil {
		t.Fatalf("defaults not applied: logger=%v registry=%v", r.logger, r.registry)
	}
	if r.prompt != defaultPairingPrompt {
		t.Errorf("prompt = %q", r.prompt)
	}

	if _, err := NewRouter(RouterConfig{Store: store, Security: sec, Sessions: sm}); err == nil {
		t.Fatal("NewRouter() without a daemon succeeded")
	}
}

func TestOpenModeStartsTaskThenFollowsUp(t *testing.T) {
	f := newFixture(t, channels.Capabilities{SupportsTyping: true})
	ch := f.addChannel(openMode())

	f.send("chat-1", "U1", "hello")
	if f.daemon.startedCount() != 1 {
		t.Fatalf("started = %d, want 1", f.daemon.startedCount())
	}
	req := f.daemon.started[0]
	if req.Prompt != "hello" || req.Source.ChatID != "chat-1" || req.Source.ChannelID != ch.ID {
		t.Fatalf("task request = %+v", req)
	}
	sess, err := f.gw.Sessions().FindOpen(context.Background(), ch.ID, "chat-1")
	if err != nil {
		t.Fatalf("FindOpen() error = %v", err)
	}
	if sess.State != models.SessionActive || sess.TaskID != "task-1" {
		t.Fatalf("session = %+v, want active on task-1", sess)
	}
	if f.adapter().typing != 1 {
		t.Fatalf("typing = %d, want 1", f.adapter().typing)
	}

	f.send("chat-1", "U1", "and also this")
	if f.daemon.startedCount() != 1 || f.daemon.followUpCount() != 1 {
		t.Fatalf("started = %d, follow-ups = %d", f.daemon.startedCount(), f.daemon.followUpCount())
	}

	f.emit(agent.Event{Type: agent.EventFollowUpCompleted, TaskID: "task-1"})
	if got := f.adapter().count("✅ Done."); got != 1 {
		t.Fatalf("done notices = %d, want 1", got)
	}

	f.send("chat-1", "U1", "one more")
	f.emit(agent.Event{Type: agent.EventAssistantMessage, TaskID: "task-1", Message: "sure thing"})
	f.emit(agent.Event{Type: agent.EventFollowUpCompleted, TaskID: "task-1"})
	if got := f.adapter().count("✅ Done."); got != 1 {
		t.Fatalf("done notices after a reply = %d, want 1", got)
	}
}

func TestConcurrentMessagesStartOneTask(t *testing.T) {
	f := newFixture(t, channels.Capabilities{})
	f.addChannel(openMode())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.gw.Router().HandleMessage(context.Background(), &models.IncomingMessage{
				Channel: models.ChannelTelegram,
				ChatID:  "chat-1",
				UserID:  "U1",
				Text:    "go",
			})
		}()
	}
	wg.Wait()

	if got := f.daemon.startedCount(); got != 1 {
		t.Fatalf("started = %d, want 1", got)
	}
	if got := f.daemon.followUpCount(); got != 9 {
		t.Fatalf("follow-ups = %d, want 9", got)
	}
}

func TestEventsBeforeActivationAreReplayed(t *testing.T) {
	f := newFixture(t, channels.Capabilities{})
	f.addChannel(openMode())
	f.daemon.onStart = func(ctx context.Context, taskID string) {
		f.daemon.Emit(ctx, agent.Event{Type: agent.EventAssistantMessage, TaskID: taskID, Message: "early reply"})
	}

	f.send("chat-1", "U1", "hello")

	if got := f.adapter().count("early reply"); got != 1 {
		t.Fatalf("early reply delivered %d times, want 1 (sent: %q)", got, f.adapter().texts())
	}
}

func TestCompletionSendsBestMessageAndEndsSession(t *testing.T) {
	f := newFixture(t, channels.Capabilities{})
	ch := f.addChannel(openMode())
	f.send("chat-1", "U1", "what is the answer?")

	sess, err := f.gw.Sessions().FindOpen(context.Background(), ch.ID, "chat-1")
	if err != nil {
		t.Fatalf("FindOpen() error = %v", err)
	}

	f.emit(agent.Event{Type: agent.EventAssistantMessage, TaskID: "task-1", Message: "The answer is 42, computed from your data."})
	f.emit(agent.Event{Type: agent.EventAssistantMessage, TaskID: "task-1", Message: "I cannot be sure, please provide more details about the data you mean."})
	f.emit(agent.Event{Type: agent.EventTaskCompleted, TaskID: "task-1"})

	if got := f.adapter().last().Text; got != "✅ The answer is 42, computed from your data." {
		t.Fatalf("completion text = %q", got)
	}
	ended, err := f.gw.Sessions().Get(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if ended.State != models.SessionEnded || ended.EndReason != sessions.EndCompleted {
		t.Fatalf("session = %s/%s, want ended/completed", ended.State, ended.EndReason)
	}

	f.send("chat-1", "U1", "next question")
	if got := f.daemon.startedCount(); got != 2 {
		t.Fatalf("started = %d, want a new task", got)
	}
}

func TestTaskFailureIsRelayed(t *testing.T) {
	f := newFixture(t, channels.Capabilities{})
	ch := f.addChannel(openMode())
	f.send("chat-1", "U1", "do it")

	f.emit(agent.Event{Type: agent.EventToolError, TaskID: "task-1", Tool: "shell", Error: "exit 1"})
	f.emit(agent.Event{Type: agent.EventError, TaskID: "task-1", Error: "boom"})

	texts := f.adapter().texts()
	if !containsText(texts, "🔧 Tool error (shell): exit 1") {
		t.Fatalf("missing tool error in %q", texts)
	}
	if got := f.adapter().last().Text; got != "⚠️ Task failed: boom" {
		t.Fatalf("failure text = %q", got)
	}
	if _, err := f.gw.Sessions().FindOpen(context.Background(), ch.ID, "chat-1"); !isNotFound(err) {
		t.Fatalf("FindOpen() error = %v, want not found", err)
	}
}

func TestRejectedFollowUpStartsNewTask(t *testing.T) {
	f := newFixture(t, channels.Capabilities{})
	f.addChannel(openMode())
	f.send("chat-1", "U1", "first")

	f.daemon.sendErr = agent.ErrTaskNotFound
	f.send("chat-1", "U1", "second")

	if got := f.daemon.startedCount(); got != 2 {
		t.Fatalf("started = %d, want 2", got)
	}
	if got := f.daemon.started[1].Prompt; got != "second" {
		t.Fatalf("second prompt = %q", got)
	}
}

func TestStartFailureIsReported(t *testing.T) {
	f := newFixture(t, channels.Capabilities{})
	f.addChannel(openMode())
	f.daemon.startErr = errors.New("daemon offline")

	err := f.gw.Router().HandleMessage(context.Background(), &models.IncomingMessage{
		Channel: models.ChannelTelegram, ChatID: "chat-1", UserID: "U1", Text: "hi",
	})
	if err == nil {
		t.Fatal("HandleMessage() error = nil, want start failure")
	}
	if got := f.adapter().last().Text; got != "⚠️ Could not start a task: daemon offline" {
		t.Fatalf("reply = %q", got)
	}
}

func TestPairingPromptIsThrottledAndPairingAdmits(t *testing.T) {
	f := newFixture(t, channels.Capabilities{})
	ch := f.addChannel(models.DefaultSecurityConfig())

	f.send("chat-2", "U2", "hello")
	f.send("chat-2", "U2", "hello again")
	if got := f.adapter().count(defaultPairingPrompt); got != 1 {
		t.Fatalf("pairing prompts = %d, want 1", got)
	}
	if f.daemon.startedCount() != 0 {
		t.Fatal("unpaired user started a task")
	}

	f.send("chat-2", "U2", "/pair WRONG1")
	if got := f.adapter().last().Text; !strings.HasPrefix(got, "❌") {
		t.Fatalf("bad code reply = %q", got)
	}

	code, err := f.gw.GeneratePairingCode(context.Background(), ch.ID)
	if err != nil {
		t.Fatalf("GeneratePairingCode() error = %v", err)
	}
	f.send("chat-2", "U2", "/pair "+strings.ToLower(code.Code))
	if got := f.adapter().last().Text; got != "✅ Paired! You can now chat with the agent." {
		t.Fatalf("pair reply = %q", got)
	}
	f.send("chat-2", "U2", "/pair "+code.Code)
	if got := f.adapter().last().Text; got != "✅ This chat is already paired." {
		t.Fatalf("repeat pair reply = %q", got)
	}

	f.send("chat-2", "U2", "now work")
	if got := f.daemon.startedCount(); got != 1 {
		t.Fatalf("started = %d, want 1", got)
	}
}

func TestAllowlistDenialIsSilent(t *testing.T) {
	f := newFixture(t, channels.Capabilities{})
	f.addChannel(models.SecurityConfig{Mode: models.SecurityAllowlist, AllowedUsers: []string{"U1"}})

	f.send("chat-1", "U2", "let me in")
	if got := len(f.adapter().texts()); got != 0 {
		t.Fatalf("sent %d messages to a denied user", got)
	}
	f.send("chat-1", "U2", "/pair ABCDEF")
	if got := len(f.adapter().texts()); got != 0 {
		t.Fatalf("pair outside pairing mode replied: %q", f.adapter().texts())
	}

	f.send("chat-1", "U1", "hello")
	if got := f.daemon.startedCount(); got != 1 {
		t.Fatalf("started = %d, want 1", got)
	}
}

func TestApprovalWithButtons(t *testing.T) {
	f := newFixture(t, channels.Capabilities{SupportsButtons: true})
	ch := f.addChannel(openMode())
	f.send("chat-1", "U1", "delete the old logs")

	f.emit(agent.Event{
		Type:     agent.EventApprovalRequested,
		TaskID:   "task-1",
		Approval: &agent.Approval{ID: "a1", Type: "shell", Description: "rm -rf logs/"},
	})
	out := f.adapter().last()
	if out.Text != "🔐 Approval needed: rm -rf logs/" || !out.HasButtons() {
		t.Fatalf("approval prompt = %+v", out)
	}
	if out.Buttons[0][0].Data != "approve:a1" || out.Buttons[0][1].Data != "deny:a1" {
		t.Fatalf("buttons = %+v", out.Buttons)
	}
	sess, _ := f.gw.Sessions().FindOpen(context.Background(), ch.ID, "chat-1")
	if sess.State != models.SessionWaitingApproval {
		t.Fatalf("state = %s, want waiting_approval", sess.State)
	}

	f.send("chat-1", "U1", "approve:a1")
	if approved, ok := f.daemon.approvals["a1"]; !ok || !approved {
		t.Fatalf("approvals = %v", f.daemon.approvals)
	}
	sess, _ = f.gw.Sessions().FindOpen(context.Background(), ch.ID, "chat-1")
	if sess.State != models.SessionActive {
		t.Fatalf("state = %s, want active", sess.State)
	}
	if got := f.adapter().last().Text; got != "👍 Approved." {
		t.Fatalf("reply = %q", got)
	}
}

func TestApprovalWithoutButtons(t *testing.T) {
	f := newFixture(t, channels.Capabilities{})
	f.addChannel(openMode())
	f.send("chat-1", "U1", "deploy")

	f.emit(agent.Event{Type: agent.EventApprovalRequested, TaskID: "task-1", Approval: &agent.Approval{ID: "a9", Type: "deploy"}})
	if got := f.adapter().last().Text; !strings.Contains(got, "/approve a9") {
		t.Fatalf("approval prompt = %q", got)
	}

	f.send("chat-1", "U1", "/deny")
	if approved, ok := f.daemon.approvals["a9"]; !ok || approved {
		t.Fatalf("approvals = %v", f.daemon.approvals)
	}
}

func TestApprovalFromAnotherChatIsRejected(t *testing.T) {
	f := newFixture(t, channels.Capabilities{SupportsButtons: true})
	ch := f.addChannel(openMode())
	f.send("chat-1", "U1", "rotate the keys")
	f.emit(agent.Event{Type: agent.EventApprovalRequested, TaskID: "task-1", Approval: &agent.Approval{ID: "a1", Type: "shell"}})

	f.send("chat-2", "U9", "/approve a1")
	if got := f.adapter().last().Text; got != "There is no pending approval." {
		t.Fatalf("reply = %q", got)
	}

	// A chat with its own running task still cannot answer for chat-1.
	f.send("chat-2", "U9", "do something else")
	f.send("chat-2", "U9", "approve:a1")
	if len(f.daemon.approvals) != 0 {
		t.Fatalf("approvals = %v, want none", f.daemon.approvals)
	}
	sess, err := f.gw.Sessions().FindOpen(context.Background(), ch.ID, "chat-1")
	if err != nil {
		t.Fatalf("FindOpen() error = %v", err)
	}
	if sess.State != models.SessionWaitingApproval {
		t.Fatalf("state = %s, want waiting_approval", sess.State)
	}

	f.send("chat-1", "U1", "/approve a2")
	if len(f.daemon.approvals) != 0 {
		t.Fatalf("mismatched id was answered: %v", f.daemon.approvals)
	}
	f.send("chat-1", "U1", "approve:a1")
	if approved, ok := f.daemon.approvals["a1"]; !ok || !approved {
		t.Fatalf("approvals = %v", f.daemon.approvals)
	}
}

func TestFollowUpFailureIsReportedWithoutRetry(t *testing.T) {
	f := newFixture(t, channels.Capabilities{})
	f.addChannel(openMode())
	f.send("chat-1", "U1", "build the site")
	f.send("chat-1", "U1", "and deploy it")

	f.emit(agent.Event{Type: agent.EventTaskCompleted, TaskID: "task-1", Message: "Built."})
	if !f.gw.Router().tracking("task-1") {
		t.Fatal("task dropped while a follow-up was still running")
	}

	f.emit(agent.Event{Type: agent.EventFollowUpFailed, TaskID: "task-1", Error: "deploy key rejected"})
	if got := f.adapter().last().Text; got != "⚠️ Follow-up failed: deploy key rejected" {
		t.Fatalf("failure text = %q", got)
	}
	if f.daemon.startedCount() != 1 || f.daemon.followUpCount() != 1 {
		t.Fatalf("started = %d, follow-ups = %d, want no retry", f.daemon.startedCount(), f.daemon.followUpCount())
	}
	if f.gw.Router().tracking("task-1") {
		t.Fatal("completed task should be forgotten once its follow-ups drain")
	}
}

func TestChatCommands(t *testing.T) {
	f := newFixture(t, channels.Capabilities{})
	ch := f.addChannel(openMode())

	f.send("chat-1", "U1", "/status")
	if got := f.adapter().last().Text; got != "No active session. Send a message to start a task." {
		t.Fatalf("status reply = %q", got)
	}
	f.send("chat-1", "U1", "/cancel")
	if got := f.adapter().last().Text; got != "Nothing to cancel." {
		t.Fatalf("cancel reply = %q", got)
	}

	f.send("chat-1", "U1", "start something")
	f.send("chat-1", "U1", "/status")
	if got := f.adapter().last().Text; got != "Session: active\nTask: task-1" {
		t.Fatalf("status reply = %q", got)
	}

	f.send("chat-1", "U1", "/cancel")
	if got := f.adapter().last().Text; got != "🛑 Task cancelled." {
		t.Fatalf("cancel reply = %q", got)
	}
	if len(f.daemon.cancelled) != 1 || f.daemon.cancelled[0] != "task-1" {
		t.Fatalf("cancelled = %v", f.daemon.cancelled)
	}
	if _, err := f.gw.Sessions().FindOpen(context.Background(), ch.ID, "chat-1"); !isNotFound(err) {
		t.Fatalf("FindOpen() after cancel = %v", err)
	}

	f.send("chat-1", "U1", "/new")
	if got := f.adapter().last().Text; got != "🆕 Your next message begins a new task." {
		t.Fatalf("new reply = %q", got)
	}

	f.send("chat-1", "U1", "/unknown thing")
	if got := f.daemon.started[len(f.daemon.started)-1].Prompt; got != "/unknown thing" {
		t.Fatalf("unknown command was not forwarded, last prompt = %q", got)
	}
}

func TestFollowUpArtifactsFallBackToFileList(t *testing.T) {
	f := newFixture(t, channels.Capabilities{})
	f.addChannel(openMode())
	f.send("chat-1", "U1", "make a report")
	f.send("chat-1", "U1", "as pdf")

	f.emit(agent.Event{
		Type:   agent.EventFollowUpCompleted,
		TaskID: "task-1",
		Artifacts: []models.Attachment{
			{Type: models.AttachmentDocument, Filename: "report.pdf"},
			{Type: models.AttachmentImage, Path: "/tmp/chart.png"},
		},
	})
	if got := f.adapter().last().Text; got != "📎 Files created:\n- report.pdf\n- /tmp/chart.png" {
		t.Fatalf("artifact notice = %q", got)
	}
}

func TestFollowUpArtifactsAsAttachments(t *testing.T) {
	f := newFixture(t, channels.Capabilities{SupportsAttachments: true})
	f.addChannel(openMode())
	f.send("chat-1", "U1", "make a report")
	f.send("chat-1", "U1", "as csv")

	f.emit(agent.Event{
		Type:      agent.EventFollowUpCompleted,
		TaskID:    "task-1",
		Artifacts: []models.Attachment{{Type: models.AttachmentDocument, Filename: "report.csv", Data: []byte("a,b\n1,2\n")}},
	})
	out := f.adapter().last()
	if len(out.Attachments) != 1 || out.Attachments[0].Filename != "report.csv" {
		t.Fatalf("attachment message = %+v", out)
	}
}

func TestMessagesAreRecorded(t *testing.T) {
	f := newFixture(t, channels.Capabilities{})
	ch := f.addChannel(openMode())
	f.send("chat-1", "U1", "hello")
	f.emit(agent.Event{Type: agent.EventAssistantMessage, TaskID: "task-1", Message: "hi there"})

	sess, err := f.gw.Sessions().FindOpen(context.Background(), ch.ID, "chat-1")
	if err != nil {
		t.Fatalf("FindOpen() error = %v", err)
	}
	msgs, err := f.store.Messages().ListBySession(context.Background(), sess.ID, 10)
	if err != nil {
		t.Fatalf("ListBySession() error = %v", err)
	}
	var in, out int
	for _, m := range msgs {
		switch m.Direction {
		case models.DirectionIncoming:
			in++
		case models.DirectionOutgoing:
			out++
		}
	}
	if in != 1 || out != 1 {
		t.Fatalf("recorded in=%d out=%d, want 1/1", in, out)
	}
}
