package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/skip2/go-qrcode"

	"github.com/cowork-oss/cowork-gateway/internal/auth"
	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/internal/config"
	"github.com/cowork-oss/cowork-gateway/internal/gateway"
	"github.com/cowork-oss/cowork-gateway/internal/sessions"
	"github.com/cowork-oss/cowork-gateway/internal/storage"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

const maxBodyBytes = 1 << 20

// ChannelView is a channel as returned by the API. Secrets in Config are masked.
type ChannelView struct {
	*models.Channel
	Info *models.ChannelInfo `json:"info,omitempty"`
}

type tokenRequest struct {
	AdminSecret string `json:"admin_secret"`
	Subject     string `json:"subject,omitempty"`
}

type tokenResponse struct {
	Token     string     `json:"token"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

type addChannelRequest struct {
	Type     string                 `json:"type"`
	Name     string                 `json:"name,omitempty"`
	Enabled  bool                   `json:"enabled"`
	Config   json.RawMessage        `json:"config,omitempty"`
	Security *models.SecurityConfig `json:"security,omitempty"`
}

type updateChannelRequest struct {
	Name     *string                `json:"name,omitempty"`
	Config   json.RawMessage        `json:"config,omitempty"`
	Security *models.SecurityConfig `json:"security,omitempty"`
}

type grantRequest struct {
	DisplayName string `json:"display_name,omitempty"`
}

type sendRequest struct {
	ChatID string `json:"chat_id,omitempty"`
	Text   string `json:"text"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
}

type channelTypeView struct {
	Type         models.ChannelType    `json:"type"`
	Meta         channels.ChannelMeta  `json:"meta"`
	Capabilities channels.Capabilities `json:"capabilities"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if !s.decode(w, r, &req) {
		return
	}
	token, expiresAt, err := s.config.Auth.IssueToken(req.AdminSecret, req.Subject)
	switch {
	case errors.Is(err, auth.ErrAuthDisabled):
		s.jsonError(w, "auth is disabled", http.StatusNotFound)
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		s.logger.Warn("token request rejected", "remote_addr", r.RemoteAddr)
		s.jsonError(w, "invalid admin secret", http.StatusUnauthorized)
		return
	case err != nil:
		s.writeError(w, err)
		return
	}
	resp := tokenResponse{Token: token}
	if !expiresAt.IsZero() {
		resp.ExpiresAt = &expiresAt
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

func (s *Server) handleChannelTypes(w http.ResponseWriter, r *http.Request) {
	types := s.config.Registry.Types()
	out := make([]channelTypeView, 0, len(types))
	for _, t := range types {
		d, ok := s.config.Registry.Descriptor(t)
		if !ok {
			continue
		}
		out = append(out, channelTypeView{Type: t, Meta: d.Meta, Capabilities: d.Capabilities})
	}
	s.jsonResponse(w, http.StatusOK, out)
}

func (s *Server) handleConfigSchema(w http.ResponseWriter, r *http.Request) {
	schema, err := config.JSONSchema()
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(schema) //nolint:errcheck
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	list, err := s.config.Gateway.ListChannels(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]ChannelView, 0, len(list))
	for _, ch := range list {
		out = append(out, s.view(r, ch))
	}
	s.jsonResponse(w, http.StatusOK, out)
}

func (s *Server) handleAddChannel(w http.ResponseWriter, r *http.Request) {
	var req addChannelRequest
	if !s.decode(w, r, &req) {
		return
	}
	channelType, ok := s.config.Registry.ResolveType(req.Type)
	if !ok {
		s.jsonError(w, fmt.Sprintf("unknown channel type %q", req.Type), http.StatusBadRequest)
		return
	}
	cfg, err := s.decodeConfig(channelType, req.Config)
	if err != nil {
		s.writeError(w, err)
		return
	}
	ch, err := s.config.Gateway.AddChannel(r.Context(), gateway.AddChannelRequest{
		Type:     channelType,
		Name:     req.Name,
		Config:   cfg,
		Security: req.Security,
		Enabled:  req.Enabled,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, s.view(r, ch))
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.config.Gateway.GetChannel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, s.view(r, ch))
}

func (s *Server) handleUpdateChannel(w http.ResponseWriter, r *http.Request) {
	var req updateChannelRequest
	if !s.decode(w, r, &req) {
		return
	}
	id := r.PathValue("id")
	update := gateway.UpdateChannelRequest{Name: req.Name, Security: req.Security}
	if len(bytes.TrimSpace(req.Config)) > 0 {
		ch, err := s.config.Gateway.GetChannel(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		update.Config, err = s.decodeConfig(ch.Type, req.Config)
		if err != nil {
			s.writeError(w, err)
			return
		}
	}
	ch, err := s.config.Gateway.UpdateChannel(r.Context(), id, update)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, s.view(r, ch))
}

func (s *Server) handleRemoveChannel(w http.ResponseWriter, r *http.Request) {
	if err := s.config.Gateway.RemoveChannel(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleEnableChannel(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.config.Gateway.EnableChannel)
}

func (s *Server) handleDisableChannel(w http.ResponseWriter, r *http.Request) {
	s.toggle(w, r, s.config.Gateway.DisableChannel)
}

func (s *Server) toggle(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	id := r.PathValue("id")
	if err := fn(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	ch, err := s.config.Gateway.GetChannel(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, s.view(r, ch))
}

func (s *Server) handleTestChannel(w http.ResponseWriter, r *http.Request) {
	info, err := s.config.Gateway.TestChannel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, info)
}

// handleLoginQR renders the pending login QR as a PNG, or as JSON when
// format=text is requested.
func (s *Server) handleLoginQR(w http.ResponseWriter, r *http.Request) {
	code, err := s.config.Gateway.LoginQR(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if r.URL.Query().Get("format") == "text" {
		s.jsonResponse(w, http.StatusOK, map[string]string{"code": code})
		return
	}
	png, err := qrcode.Encode(code, qrcode.Medium, 320)
	if err != nil {
		s.writeError(w, fmt.Errorf("render qr: %w", err))
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(png) //nolint:errcheck
}

func (s *Server) handleListUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.config.Gateway.GetChannelUsers(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	if users == nil {
		users = []*models.ChannelUser{}
	}
	s.jsonResponse(w, http.StatusOK, users)
}

func (s *Server) handlePairingCode(w http.ResponseWriter, r *http.Request) {
	code, err := s.config.Gateway.GeneratePairingCode(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, code)
}

func (s *Server) handleGrant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if r.ContentLength != 0 && !s.decode(w, r, &req) {
		return
	}
	user, err := s.config.Gateway.GrantUserAccess(r.Context(), r.PathValue("id"), r.PathValue("userId"), req.DisplayName)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, user)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	user, err := s.config.Gateway.RevokeUserAccess(r.Context(), r.PathValue("id"), r.PathValue("userId"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, user)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.ChatID) == "" || strings.TrimSpace(req.Text) == "" {
		s.jsonError(w, "chat_id and text are required", http.StatusBadRequest)
		return
	}
	id, err := s.config.Gateway.SendMessage(r.Context(), r.PathValue("id"), req.ChatID, req.Text)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, sendResponse{MessageID: id})
}

func (s *Server) handleSendToSession(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if !s.decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		s.jsonError(w, "text is required", http.StatusBadRequest)
		return
	}
	id, err := s.config.Gateway.SendMessageToSession(r.Context(), r.PathValue("id"), req.Text)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, sendResponse{MessageID: id})
}

func (s *Server) view(r *http.Request, ch *models.Channel) ChannelView {
	masked := *ch
	masked.Config = redactConfig(ch.Config)
	v := ChannelView{Channel: &masked}
	if info, err := s.config.Gateway.ChannelInfo(r.Context(), ch.ID); err == nil {
		v.Info = &info
	}
	return v
}

func (s *Server) decodeConfig(channelType models.ChannelType, raw json.RawMessage) (channels.PlatformConfig, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		raw = json.RawMessage(`{}`)
	}
	cfg, err := s.config.Registry.DecodeConfig(channelType, raw)
	if err != nil {
		return nil, channels.ErrInvalidInput("invalid channel config", err)
	}
	return cfg, nil
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.jsonError(w, "request body too large", http.StatusRequestEntityTooLarge)
		return false
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		s.jsonError(w, "invalid JSON body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

// jsonResponse writes a JSON response.
func (s *Server) jsonResponse(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("json encode error", "error", err)
	}
}

type errorResponse struct {
	Error  string                `json:"error"`
	Code   string                `json:"code,omitempty"`
	Fields []channels.FieldError `json:"fields,omitempty"`
}

// jsonError writes a JSON error response.
func (s *Server) jsonError(w http.ResponseWriter, message string, code int) {
	s.jsonResponse(w, code, errorResponse{Error: message})
}

// writeError maps gateway errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var validation channels.ValidationErrors
	if errors.As(err, &validation) {
		s.jsonResponse(w, http.StatusBadRequest, errorResponse{
			Error:  "invalid configuration",
			Code:   string(channels.ErrCodeConfig),
			Fields: validation,
		})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, gateway.ErrChannelNotFound), errors.Is(err, storage.ErrNotFound), errors.Is(err, gateway.ErrNoLoginQR):
		status = http.StatusNotFound
	case errors.Is(err, gateway.ErrChannelExists):
		status = http.StatusConflict
	case errors.Is(err, channels.ErrUnknownChannelType):
		status = http.StatusBadRequest
	case errors.Is(err, sessions.ErrInvalidTransition):
		status = http.StatusConflict
	default:
		switch channels.GetErrorCode(err) {
		case channels.ErrCodeInvalidInput, channels.ErrCodeConfig:
			status = http.StatusBadRequest
		case channels.ErrCodeNotConnected:
			status = http.StatusConflict
		case channels.ErrCodeNotSupported:
			status = http.StatusNotImplemented
		case channels.ErrCodeNotFound:
			status = http.StatusNotFound
		case channels.ErrCodeRateLimit:
			status = http.StatusTooManyRequests
		case channels.ErrCodeTimeout:
			status = http.StatusGatewayTimeout
		case channels.ErrCodeAuthentication, channels.ErrCodeConnection, channels.ErrCodeUnavailable:
			status = http.StatusBadGateway
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("control plane request failed", "error", err)
	}
	resp := errorResponse{Error: err.Error()}
	var chErr *channels.Error
	if errors.As(err, &chErr) {
		resp.Code = string(chErr.Code)
	}
	s.jsonResponse(w, status, resp)
}
