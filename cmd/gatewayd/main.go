// Command gatewayd runs the execution gateway as a single long-lived
// daemon: it loads the YAML configuration, wires the policy engine,
// durable store, approval coordinator, Home Assistant dispatcher, and
// Slack messenger, then serves the agent's websocket session alongside
// the operator HTTP surface until an interrupt or terminate signal
// arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/TorbenWetter/wachtor/internal/approvals"
	"github.com/TorbenWetter/wachtor/internal/config"
	"github.com/TorbenWetter/wachtor/internal/control"
	"github.com/TorbenWetter/wachtor/internal/dispatcher/homeassistant"
	"github.com/TorbenWetter/wachtor/internal/gateway"
	"github.com/TorbenWetter/wachtor/internal/messenger/slack"
	"github.com/TorbenWetter/wachtor/internal/observability"
	"github.com/TorbenWetter/wachtor/internal/policy"
	"github.com/TorbenWetter/wachtor/internal/registry"
	"github.com/TorbenWetter/wachtor/internal/store"
)

func main() {
	configPath := flag.String("config", "/etc/gatekeep/config.yaml", "path to the gateway's YAML configuration file")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "gatewayd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
	})
	logger.Info("gatewayd: configuration loaded", "config_path", configPath)

	reg, err := registry.New(seedTools())
	if err != nil {
		return fmt.Errorf("build tool registry: %w", err)
	}

	rules, err := policy.LoadRulesFile(cfg.Policy.RulesPath)
	if err != nil {
		return fmt.Errorf("load policy rules: %w", err)
	}
	engine := policy.NewEngine(reg, rules)
	watcher, err := policy.NewWatcher(cfg.Policy.RulesPath, engine, logger.Slog())
	if err != nil {
		return fmt.Errorf("start policy watcher: %w", err)
	}
	defer watcher.Close()

	st, err := store.Open(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	sweeper := store.NewSweeper(st, logger.Slog())
	if err := sweeper.Start(); err != nil {
		return fmt.Errorf("start stale-row sweeper: %w", err)
	}
	defer sweeper.Stop()

	disp, err := homeassistant.New(homeassistant.Config{
		BaseURL: cfg.Dispatcher.HomeAssistant.BaseURL,
		Token:   cfg.Dispatcher.HomeAssistant.Token,
	})
	if err != nil {
		return fmt.Errorf("configure home assistant dispatcher: %w", err)
	}
	defer disp.Close()

	msgr := slack.NewAdapter(slack.Config{
		BotToken:        cfg.Messenger.Slack.BotToken,
		AppToken:        cfg.Messenger.Slack.AppToken,
		ApprovalChannel: cfg.Messenger.Slack.ApprovalChannel,
	}, logger.Slog())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := msgr.Start(ctx); err != nil {
		return fmt.Errorf("start slack adapter: %w", err)
	}

	approvalTimeout := time.Duration(cfg.Approval.ApprovalTimeoutSeconds) * time.Second
	coord := approvals.New(st, msgr, disp, approvalTimeout, logger.Slog())

	promReg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(promReg)
	tracer := observability.NewTracer(observability.TraceConfig{ServiceName: "gatekeep"})

	gw := gateway.New(gateway.Config{
		AgentToken:           cfg.Agent.Token,
		ApprovalTimeout:      approvalTimeout,
		MaxRequestsPerMinute: cfg.RateLimit.MaxRequestsPerMinute,
		MaxPendingApprovals:  cfg.RateLimit.MaxPendingApprovals,
	}, reg, engine, st, coord, disp, logger.Slog(), metrics, tracer)

	gatewayAddr := fmt.Sprintf("%s:%d", cfg.Gateway.Host, cfg.Gateway.Port)
	gatewayServer := &http.Server{
		Addr:    gatewayAddr,
		Handler: gw,
	}

	startedAt := time.Now()
	ctl := control.New(cfg.Control.Addr, cfg.Control.AuthSecret, control.Handlers{
		StartedAt:       startedAt,
		StorePath:       cfg.Storage.Path,
		PolicyRulesHash: engine.RulesHash,
		AgentConnected:  gw.Connected,
		ReloadPolicy:    watcher.ReloadNow,
	}, promReg, logger.Slog())

	errCh := make(chan error, 2)
	go func() {
		logger.Info("gatewayd: agent gateway listening", "addr", gatewayAddr)
		if err := gatewayServeTLS(gatewayServer, cfg); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("gateway server: %w", err)
		}
	}()
	if err := ctl.Start(ctx); err != nil {
		return fmt.Errorf("start control server: %w", err)
	}

	select {
	case <-ctx.Done():
		logger.Info("gatewayd: shutdown signal received")
	case err := <-errCh:
		logger.Error("gatewayd: server error", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	gw.Shutdown()
	if err := gatewayServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("gatewayd: gateway server shutdown error", "error", err)
	}
	if err := msgr.Stop(shutdownCtx); err != nil {
		logger.Error("gatewayd: messenger shutdown error", "error", err)
	}

	return nil
}

// gatewayServeTLS serves the agent websocket listener, using TLS when
// the configuration names a certificate pair.
func gatewayServeTLS(srv *http.Server, cfg *config.Config) error {
	if cfg.Gateway.TLS != nil && cfg.Gateway.TLS.CertFile != "" {
		return srv.ListenAndServeTLS(cfg.Gateway.TLS.CertFile, cfg.Gateway.TLS.KeyFile)
	}
	return srv.ListenAndServe()
}

// seedTools is this deployment's tool registry: the three Home
// Assistant operations named in this repo's dispatcher, with the
// argument validators and signature templates the policy engine and
// signature package key their decisions on.
func seedTools() []registry.Spec {
	return []registry.Spec{
		{
			Name:              "ha_get_state",
			ServiceName:       "homeassistant",
			Description:       "Read the current state of a Home Assistant entity.",
			SignatureTemplate: "{entity_id}",
			Args: map[string]registry.ArgSpecSource{
				"entity_id": {Required: true, Validate: `^[a-z_]+\.[a-z0-9_]+$`},
			},
		},
		{
			Name:              "ha_call_service",
			ServiceName:       "homeassistant",
			Description:       "Call a Home Assistant service (e.g. light.turn_on) with optional service data.",
			SignatureTemplate: "{domain}.{service}, {entity_id}",
			Args: map[string]registry.ArgSpecSource{
				"domain":       {Required: true, Validate: `^[a-z_][a-z0-9_]*$`},
				"service":      {Required: true, Validate: `^[a-z_][a-z0-9_]*$`},
				"entity_id":    {Required: false, Validate: `^[a-z_][a-z0-9_]*(\.[a-z0-9_]+)?$`},
				"service_data": {Required: false},
			},
		},
		{
			Name:              "ha_list_entities",
			ServiceName:       "homeassistant",
			Description:       "List Home Assistant entities, optionally filtered by domain.",
			SignatureTemplate: "{domain}",
			Args: map[string]registry.ArgSpecSource{
				"domain": {Required: false, Validate: `^[a-z_]*$`},
				"limit":  {Required: false},
			},
		},
	}
}
