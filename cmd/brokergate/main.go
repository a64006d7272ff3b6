// Broker Gateway — a resilient client for a rate-limited brokerage
// REST+streaming API, run as a sidecar for a desktop trading application.
//
// Architecture:
//
//	main.go              — entry point: loads config, wires the client, waits for SIGINT/SIGTERM
//	broker/client.go     — governed request queue: priorities, pacing, concurrency cap
//	broker/ratelimit.go  — token buckets with continuous refill and 429-forced blocks
//	broker/rules.go      — defensive parsing of the broker's rate-limit config blob
//	broker/governor.go   — adaptive normal/guarded/cooldown pacing off telemetry pressure
//	broker/breaker.go    — upstream circuit breaker for 5xx/network failures
//	broker/api.go        — typed wrappers: account, positions, orders, history, trading calls
//	stream/session.go    — streaming state machine: subscribe, sync buffer, live, reconnect
//	stream/ws.go         — gorilla/websocket transport with JSON envelopes and ack correlation
//	api/server.go        — local /health and /status endpoints for the host shell
//
// The point of the governor: the broker's rate limits are undocumented and
// variable, so the client measures 429 pressure and adapts its pacing
// instead of hardcoding a schedule, while CRITICAL calls (cancel, flatten)
// always retain queue admission.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"brokergate/internal/api"
	"brokergate/internal/broker"
	"brokergate/internal/config"
	"brokergate/internal/stream"
	"brokergate/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("BROKER_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	creds := newStaticCredentials(cfg.Broker, logger)

	client, err := broker.New(broker.Options{
		Transport:   broker.NewRestyTransport(cfg.Broker.BaseURL, cfg.Broker.HTTPTimeout),
		Credentials: creds,
		Profile:     cfg.Governor.Profile,
		TelemetryWindow: cfg.Governor.TelemetryWindow,
		Breaker: broker.BreakerOptions{
			Threshold: cfg.Governor.BreakerThreshold,
			Window:    cfg.Governor.BreakerWindow,
			Base:      cfg.Governor.BreakerBase,
			Cap:       cfg.Governor.BreakerCap,
		},
		Logger: logger,
	})
	if err != nil {
		logger.Error("failed to create broker client", "error", err)
		os.Exit(1)
	}

	// Best-effort: the broker's limit document improves pacing but the
	// governor works without it (429 feedback alone).
	fetchRateLimits(client, logger)

	session := stream.New(stream.Config{
		URL:           cfg.Stream.URL,
		Dialer:        &stream.WSDialer{Logger: logger},
		Tokens:        creds,
		Logger:        logger,
		AckTimeout:    cfg.Stream.AckTimeout,
		SyncTimeout:   cfg.Stream.SyncTimeout,
		StaleAfter:    cfg.Stream.StaleAfter,
		ReconnectStep: cfg.Stream.ReconnectStep,
		ReconnectCap:  cfg.Stream.ReconnectCap,
		TokenLeeway:   cfg.Stream.TokenLeeway,
	})
	session.Start()

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(cfg.API, client, session, logger)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("status server failed", "error", err)
			}
		}()
		logger.Info("status server started", "url", fmt.Sprintf("http://localhost:%d", cfg.API.Port))
	}

	logger.Info("broker gateway started",
		"profile", cfg.Governor.Profile,
		"base_url", cfg.Broker.BaseURL,
		"stream_url", cfg.Stream.URL,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop status server", "error", err)
		}
	}
	session.Stop()
	client.Close()
}

func fetchRateLimits(client *broker.Client, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	resp, err := client.Do(ctx, "GET", "/rate-limits", broker.WithPriority(broker.PriorityHigh))
	if err != nil || resp.Status != 200 {
		logger.Warn("rate limit document unavailable, relying on 429 feedback", "error", err)
		return
	}
	if err := client.UpdateRateLimitDoc(resp.Body); err != nil {
		logger.Warn("rate limit document unparseable", "error", err)
	}
}

// staticCredentials serves tokens handed to the process by the desktop
// shell. There is no refresh endpoint at this layer: rotation means the
// shell restarts the gateway with new tokens, so Refresh just re-reads the
// environment and hands back whatever is current.
type staticCredentials struct {
	accountID string
	token     string
	logger    *slog.Logger
}

func newStaticCredentials(cfg config.BrokerConfig, logger *slog.Logger) *staticCredentials {
	return &staticCredentials{
		accountID: cfg.AccountID,
		token:     cfg.AccessToken,
		logger:    logger.With("component", "credentials"),
	}
}

func (c *staticCredentials) currentToken() types.Token {
	if tok := os.Getenv("BROKER_ACCESS_TOKEN"); tok != "" {
		return types.Token{Value: tok}
	}
	return types.Token{Value: c.token}
}

func (c *staticCredentials) AccessToken(ctx context.Context) (types.Token, error) {
	return c.currentToken(), nil
}

func (c *staticCredentials) Refresh(ctx context.Context) (types.Token, error) {
	c.logger.Info("token refresh requested, re-reading environment")
	return c.currentToken(), nil
}

func (c *staticCredentials) AccountID() string { return c.accountID }

func (c *staticCredentials) StreamToken(ctx context.Context) (types.Token, error) {
	return c.currentToken(), nil
}

func (c *staticCredentials) RefreshStreamToken(ctx context.Context) (types.Token, error) {
	return c.Refresh(ctx)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
