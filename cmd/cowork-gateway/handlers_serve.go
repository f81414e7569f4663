package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/cowork-oss/cowork-gateway/internal/agent"
	"github.com/cowork-oss/cowork-gateway/internal/agent/remote"
	"github.com/cowork-oss/cowork-gateway/internal/auth"
	"github.com/cowork-oss/cowork-gateway/internal/channels"
	"github.com/cowork-oss/cowork-gateway/internal/channels/builtin"
	"github.com/cowork-oss/cowork-gateway/internal/config"
	"github.com/cowork-oss/cowork-gateway/internal/controlplane"
	"github.com/cowork-oss/cowork-gateway/internal/gateway"
	"github.com/cowork-oss/cowork-gateway/internal/janitor"
	"github.com/cowork-oss/cowork-gateway/internal/observability"
	"github.com/cowork-oss/cowork-gateway/internal/retry"
	"github.com/cowork-oss/cowork-gateway/internal/secrets"
	"github.com/cowork-oss/cowork-gateway/internal/security"
	"github.com/cowork-oss/cowork-gateway/internal/sessions"
	"github.com/cowork-oss/cowork-gateway/internal/storage"
)

type serveOptions struct {
	configPath string
	debug      bool
	listen     string
	out        io.Writer
}

// runServe starts every gateway component and blocks until a shutdown signal.
func runServe(ctx context.Context, opts serveOptions) error {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if opts.listen != "" {
		cfg.Server.Listen = opts.listen
	}
	if opts.debug {
		cfg.Logging.Level = "debug"
	}

	logger, level := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	slog.SetDefault(logger)
	printBanner(opts.out, cfg)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	tracer, shutdownTracer, err := observability.NewTracer(ctx, observability.TraceConfig{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: version,
		Environment:    cfg.Observability.Environment,
		Endpoint:       cfg.Observability.TraceEndpoint,
		SamplingRate:   cfg.Observability.SamplingRate,
		Insecure:       cfg.Observability.TraceInsecure,
	})
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := observability.NewMetrics(reg)

	store, err := storage.Open(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	registry := channels.NewRegistry(logger)
	if err := builtin.Register(registry); err != nil {
		return fmt.Errorf("failed to register channels: %w", err)
	}

	daemon, closeDaemon, err := startDaemon(ctx, cfg.Agent, logger)
	if err != nil {
		return err
	}
	defer closeDaemon()

	sec, err := security.NewManager(security.Config{Store: store, Logger: logger})
	if err != nil {
		return err
	}
	sess, err := sessions.NewManager(sessions.Config{Store: store, Logger: logger})
	if err != nil {
		return err
	}

	gw, err := gateway.New(gateway.Config{
		Store:          store,
		Registry:       registry,
		Daemon:         daemon,
		Security:       sec,
		Sessions:       sess,
		Secrets:        secrets.NewResolver(logger),
		Metrics:        metrics,
		Tracer:         tracer,
		Logger:         logger,
		PairingPrompt:  cfg.Gateway.PairingPrompt,
		PromptInterval: cfg.Gateway.PromptInterval.Std(),
		WorkspaceID:    cfg.Gateway.WorkspaceID,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	if err := seedChannels(ctx, gw, registry, cfg.Channels, logger); err != nil {
		return err
	}
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("failed to start gateway: %w", err)
	}

	jan, err := janitor.New(janitor.Config{
		Pairing:         sec,
		Sessions:        sess,
		PairingSchedule: cfg.Janitor.PairingCleanup,
		SessionSchedule: cfg.Janitor.SessionSweep,
		SessionIdleTTL:  cfg.Janitor.SessionIdleTTL.Std(),
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("failed to create janitor: %w", err)
	}
	jan.Start()

	cp := controlplane.Config{
		Gateway:  gw,
		Registry: registry,
		Auth: auth.NewService(auth.Config{
			Disabled:    cfg.Auth.Disabled,
			JWTSecret:   cfg.Auth.JWTSecret,
			AdminSecret: cfg.Auth.AdminSecret,
			TokenTTL:    cfg.Auth.TokenTTL.Std(),
			Issuer:      cfg.Auth.Issuer,
		}),
		Metrics:         metrics,
		Version:         version,
		Logger:          logger,
		ReadTimeout:     cfg.Server.ReadTimeout.Std(),
		WriteTimeout:    cfg.Server.WriteTimeout.Std(),
		ShutdownTimeout: cfg.Server.ShutdownTimeout.Std(),
	}
	if cfg.Observability.MetricsEnabled {
		cp.Gatherer = reg
	}
	server, err := controlplane.New(cp)
	if err != nil {
		return err
	}

	go func() {
		err := config.Watch(ctx, opts.configPath, 0, logger, func(next *config.Config) {
			if opts.debug {
				return
			}
			level.Set(observability.ParseLevel(next.Logging.Level))
			logger.Info("log level updated", "level", next.Logging.Level)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Warn("config watch stopped", "error", err)
		}
	}()

	logger.Info("cowork gateway started", "listen", cfg.Server.Listen, "agent", cfg.Agent.URL)
	serveErr := server.ListenAndServe(ctx, cfg.Server.Listen)
	if serveErr != nil {
		logger.Error("control plane stopped", "error", serveErr)
	}
	logger.Info("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Std())
	defer shutdownCancel()

	var errs []error
	if err := jan.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("janitor: %w", err))
	}
	if err := gw.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("gateway: %w", err))
	}
	if err := shutdownTracer(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("tracer: %w", err))
	}
	if serveErr != nil {
		errs = append(errs, serveErr)
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	logger.Info("cowork gateway stopped gracefully")
	return nil
}

// startDaemon returns the agent daemon selected by agent.url and a close func.
func startDaemon(ctx context.Context, cfg config.AgentConfig, logger *slog.Logger) (agent.Daemon, func(), error) {
	if cfg.URL == config.AgentInProcess {
		local := agent.NewLocalDaemon(agent.EchoRunner{}, logger)
		return local, func() { _ = local.Close() }, nil
	}

	client := remote.New(remote.Config{
		URL:            cfg.URL,
		Token:          cfg.Token,
		RequestTimeout: cfg.RequestTimeout.Std(),
		Reconnect:      retry.DefaultConfig(),
		Logger:         logger,
	})
	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := client.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("agent daemon connection stopped", "error", err)
		}
	}()

	waitCtx, waitCancel := context.WithTimeout(ctx, 10*time.Second)
	defer waitCancel()
	if err := client.WaitReady(waitCtx); err != nil {
		logger.Warn("agent daemon not reachable yet, continuing", "url", cfg.URL, "error", err)
	}
	return client, func() {
		cancel()
		<-done
	}, nil
}

// seedChannels creates the channels declared in the config file. A type that
// already has a channel is left untouched.
func seedChannels(ctx context.Context, gw *gateway.Gateway, registry *channels.Registry, seeds []config.ChannelSeed, logger *slog.Logger) error {
	for _, seed := range seeds {
		channelType, ok := registry.ResolveType(string(seed.Type))
		if !ok {
			return fmt.Errorf("channels: unknown channel type %q", seed.Type)
		}
		raw, err := json.Marshal(seed.Config)
		if err != nil {
			return fmt.Errorf("channels.%s: encode config: %w", channelType, err)
		}
		platformCfg, err := registry.DecodeConfig(channelType, raw)
		if err != nil {
			return fmt.Errorf("channels.%s: %w", channelType, err)
		}
		ch, err := gw.AddChannel(ctx, gateway.AddChannelRequest{
			Type:     channelType,
			Name:     seed.Name,
			Config:   platformCfg,
			Security: seed.Security,
			Enabled:  seed.Enabled,
		})
		switch {
		case errors.Is(err, gateway.ErrChannelExists):
			logger.Debug("seed channel already exists", "type", channelType)
		case err != nil:
			return fmt.Errorf("channels.%s: %w", channelType, err)
		default:
			logger.Info("seeded channel from config", "type", channelType, "id", ch.ID, "enabled", ch.Enabled)
		}
	}
	return nil
}

func printBanner(w io.Writer, cfg *config.Config) {
	if w == nil {
		return
	}
	bold := color.New(color.FgCyan, color.Bold)
	dim := color.New(color.Faint)
	bold.Fprintf(w, "cowork-gateway %s\n", version)
	dim.Fprintf(w, "  control plane  http://%s\n", cfg.Server.Listen)
	dim.Fprintf(w, "  storage        %s\n", cfg.Database.Driver)
	dim.Fprintf(w, "  agent          %s\n", cfg.Agent.URL)
	if cfg.Auth.Disabled {
		color.New(color.FgYellow).Fprintln(w, "  auth disabled: the control plane accepts unauthenticated requests")
	}
}
