// Package controlplane serves the gateway's HTTP management API.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cowork-oss/cowork-gateway/internal/auth"
	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/internal/gateway"
	"github.com/cowork-oss/cowork-gateway/internal/observability"
	"github.com/cowork-oss/cowork-gateway/internal/security"
	"github.com/cowork-oss/cowork-gateway/pkg/models"
)

// Gateway is the part of the channel gateway exposed over HTTP.
type Gateway interface {
	AddChannel(ctx context.Context, req gateway.AddChannelRequest) (*models.Channel, error)
	UpdateChannel(ctx context.Context, id string, req gateway.UpdateChannelRequest) (*models.Channel, error)
	EnableChannel(ctx context.Context, id string) error
	DisableChannel(ctx context.Context, id string) error
	RemoveChannel(ctx context.Context, id string) error
	TestChannel(ctx context.Context, id string) (models.ChannelInfo, error)
	ListChannels(ctx context.Context) ([]*models.Channel, error)
	GetChannel(ctx context.Context, id string) (*models.Channel, error)
	ChannelInfo(ctx context.Context, id string) (models.ChannelInfo, error)
	LoginQR(ctx context.Context, id string) (string, error)
	GeneratePairingCode(ctx context.Context, id string) (security.PairingCode, error)
	GrantUserAccess(ctx context.Context, id, channelUserID, displayName string) (*models.ChannelUser, error)
	RevokeUserAccess(ctx context.Context, id, channelUserID string) (*models.ChannelUser, error)
	GetChannelUsers(ctx context.Context, id string) ([]*models.ChannelUser, error)
	SendMessage(ctx context.Context, id, chatID, text string) (string, error)
	SendMessageToSession(ctx context.Context, sessionID, text string) (string, error)
}

var _ Gateway = (*gateway.Gateway)(nil)

// Config configures a Server.
type Config struct {
	Gateway  Gateway
	Registry *channels.Registry
	Auth     *auth.Service
	Metrics  *observability.Metrics
	// Gatherer backs GET /metrics. The route is absent when nil.
	Gatherer prometheus.Gatherer
	Version  string
	Logger   *slog.Logger

	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server is the control plane HTTP server.
type Server struct {
	config    Config
	logger    *slog.Logger
	handler   http.Handler
	startTime time.Time
}

// New builds a Server and its routes.
func New(cfg Config) (*Server, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("controlplane: gateway is required")
	}
	if cfg.Registry == nil {
		return nil, errors.New("controlplane: registry is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
	s := &Server{
		config:    cfg,
		logger:    cfg.Logger.With("component", "controlplane"),
		startTime: time.Now(),
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	protect := auth.Middleware(s.config.Auth, s.logger)
	api := func(pattern string, h http.HandlerFunc) {
		mux.Handle(pattern, protect(h))
	}

	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if s.config.Gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(s.config.Gatherer, promhttp.HandlerOpts{}))
	}
	mux.HandleFunc("POST /api/token", s.handleToken)

	api("GET /api/status", s.handleStatus)
	api("GET /api/channel-types", s.handleChannelTypes)
	api("GET /api/config/schema", s.handleConfigSchema)
	api("GET /api/channels", s.handleListChannels)
	api("POST /api/channels", s.handleAddChannel)
	api("GET /api/channels/{id}", s.handleGetChannel)
	api("PATCH /api/channels/{id}", s.handleUpdateChannel)
	api("DELETE /api/channels/{id}", s.handleRemoveChannel)
	api("POST /api/channels/{id}/enable", s.handleEnableChannel)
	api("POST /api/channels/{id}/disable", s.handleDisableChannel)
	api("POST /api/channels/{id}/test", s.handleTestChannel)
	api("GET /api/channels/{id}/qr", s.handleLoginQR)
	api("GET /api/channels/{id}/users", s.handleListUsers)
	api("POST /api/channels/{id}/pairing-codes", s.handlePairingCode)
	api("POST /api/channels/{id}/users/{userId}/grant", s.handleGrant)
	api("POST /api/channels/{id}/users/{userId}/revoke", s.handleRevoke)
	api("POST /api/channels/{id}/messages", s.handleSendMessage)
	api("POST /api/sessions/{id}/messages", s.handleSendToSession)

	return instrument(s.config.Metrics, s.logger)(mux)
}

// ListenAndServe listens on addr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       s.config.ReadTimeout,
		WriteTimeout:      s.config.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting control plane", "addr", listener.Addr().String())
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("control plane shutdown error", "error", err)
		return err
	}
	return nil
}
