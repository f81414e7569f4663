package gateway

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/internal/observability"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// deliver sends out through the adapter for rt. Delivery is best effort:
// failures are logged, counted and returned, never retried here.
func (r *Router) deliver(ctx context.Context, rt route, out *models.OutgoingMessage) (string, error) {
	label := string(rt.ChannelType)
	a, ok := r.adapter(rt.ChannelType)
	if !ok {
		err := channels.ErrNotConnected(rt.ChannelType)
		r.metrics.SendObserved(label, 0, string(err.Code))
		r.logger.Warn("no adapter for outbound message", "channel", label, "chat_id", rt.ChatID)
		return "", err
	}

	ctx, span := r.tracer.TraceSend(ctx, label, rt.ChatID)
	defer span.End()

	start := time.Now()
	id, err := a.SendMessage(ctx, out)
	if err != nil {
		observability.RecordError(span, err)
		r.metrics.SendObserved(label, time.Since(start).Seconds(), string(channels.GetErrorCode(err)))
		r.logger.Warn("failed to deliver message", "channel", label, "chat_id", rt.ChatID, "error", err)
		return "", err
	}
	r.metrics.SendObserved(label, time.Since(start).Seconds(), "")
	r.metrics.MessageRecorded(label, models.DirectionOutgoing)
	r.record(ctx, rt, "", id, models.DirectionOutgoing, out.Text)
	return id, nil
}

// notify sends a markdown text reply.
func (r *Router) notify(ctx context.Context, rt route, text string) {
	_, _ = r.deliver(ctx, rt, &models.OutgoingMessage{
		ChatID:    rt.ChatID,
		ThreadID:  rt.ThreadID,
		Text:      text,
		ParseMode: models.ParseModeMarkdown,
	})
}

func (r *Router) sendArtifacts(ctx context.Context, rt route, artifacts []models.Attachment) {
	if !r.registry.Supports(rt.ChannelType, channels.CapabilityAttachments) {
		names := make([]string, 0, len(artifacts))
		for _, a := range artifacts {
			names = append(names, "- "+artifactName(a))
		}
		r.notify(ctx, rt, "📎 Files created:\n"+strings.Join(names, "\n"))
		return
	}
	for i := range artifacts {
		a := artifacts[i]
		a.DetectMimeType()
		_, _ = r.deliver(ctx, rt, &models.OutgoingMessage{
			ChatID:      rt.ChatID,
			ThreadID:    rt.ThreadID,
			Text:        artifactName(a),
			Attachments: []models.Attachment{a},
		})
	}
}

func artifactName(a models.Attachment) string {
	switch {
	case a.Filename != "":
		return a.Filename
	case a.Path != "":
		return a.Path
	case a.URL != "":
		return a.URL
	}
	return string(a.Type)
}

// record stores the message for history. Failures are logged only.
func (r *Router) record(ctx context.Context, rt route, userID, platformID string, dir models.Direction, text string) {
	msg := &models.StoredMessage{
		ID:               uuid.NewString(),
		ChannelID:        rt.ChannelID,
		SessionID:        rt.SessionID,
		ChatID:           rt.ChatID,
		UserID:           userID,
		ChannelMessageID: platformID,
		Direction:        dir,
		Text:             text,
		CreatedAt:        time.Now().UTC(),
	}
	r.activity.RecordAt(rt.ChannelID, dir, msg.CreatedAt)
	if err := r.store.Messages().Create(ctx, msg); err != nil {
		r.logger.Warn("failed to record message", "channel", rt.ChannelType, "direction", dir, "error", err)
	}
}

// Send delivers text to a chat on ch and returns the platform message id.
func (r *Router) Send(ctx context.Context, ch *models.Channel, chatID, text string) (string, error) {
	rt := route{ChannelID: ch.ID, ChannelType: ch.Type, ChatID: chatID}
	if sess, err := r.sessions.FindOpen(ctx, ch.ID, chatID); err == nil {
		rt.SessionID = sess.ID
	}
	return r.deliver(ctx, rt, &models.OutgoingMessage{ChatID: chatID, Text: text, ParseMode: models.ParseModeMarkdown})
}

// SendToSession delivers text to the chat a session belongs to.
func (r *Router) SendToSession(ctx context.Context, sessionID, text string) (string, error) {
	sess, err := r.sessions.Get(ctx, sessionID)
	if err != nil {
		return "", fmt.Errorf("load session %s: %w", sessionID, err)
	}
	rt := routeForSession(sess)
	return r.deliver(ctx, rt, &models.OutgoingMessage{ChatID: sess.ChatID, Text: text, ParseMode: models.ParseModeMarkdown})
}
