package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/h1v3-io/coworker/internal/api"
	"github.com/h1v3-io/coworker/internal/asker"
	"github.com/h1v3-io/coworker/internal/channel"
	"github.com/h1v3-io/coworker/internal/config"
	"github.com/h1v3-io/coworker/internal/connector"
	slackconn "github.com/h1v3-io/coworker/internal/connector/slack"
	"github.com/h1v3-io/coworker/internal/connector/telegram"
	"github.com/h1v3-io/coworker/internal/connector/webhook"
	"github.com/h1v3-io/coworker/internal/correlation"
	"github.com/h1v3-io/coworker/internal/credential"
	"github.com/h1v3-io/coworker/internal/directory"
	"github.com/h1v3-io/coworker/internal/logbuf"
	"github.com/h1v3-io/coworker/internal/mcp"
	"github.com/h1v3-io/coworker/internal/metrics"
	"github.com/h1v3-io/coworker/internal/question"
	"github.com/h1v3-io/coworker/internal/ratelimit"
	"github.com/h1v3-io/coworker/internal/reply"
	"github.com/h1v3-io/coworker/internal/sweeper"
	"github.com/h1v3-io/coworker/internal/tool"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "", "Path to config file (.json, .yaml)")
	platformURL := flag.String("platform-url", os.Getenv("COWORKER_PLATFORM_URL"), "Control plane URL")
	deploymentID := flag.String("deployment-id", os.Getenv("COWORKER_DEPLOYMENT_ID"), "Deployment ID for platform mode")
	platformKey := flag.String("platform-key", os.Getenv("COWORKER_PLATFORM_KEY"), "API key for platform auth")
	verbose := flag.Bool("v", false, "Verbose logging")
	flag.Parse()

	// Set up logging
	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logBuf := logbuf.New(2000)
	jsonHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel, ReplaceAttr: logbuf.Redact})
	logger := slog.New(logbuf.NewHandler(jsonHandler, logBuf))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Load config (3 modes: file, platform, env)
	var cfg *config.Config
	var err error
	if *configPath != "" {
		cfg, err = config.Load(*configPath)
	} else if *platformURL != "" {
		logger.Info("loading config from platform", "url", *platformURL, "deployment_id", *deploymentID)
		cfg, err = config.LoadFromPlatform(ctx, config.PlatformOptions{
			PlatformURL:  *platformURL,
			DeploymentID: *deploymentID,
			APIKey:       *platformKey,
		})
	} else {
		cfg, err = config.LoadFromEnv()
	}
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("coworkerd starting", "version", version, "data_dir", cfg.DataDir)

	if err := run(ctx, cancel, cfg, logger, logBuf); err != nil {
		logger.Error("coworkerd failed", "error", err)
		os.Exit(1)
	}
	logger.Info("coworkerd stopped")
}

func run(ctx context.Context, cancel context.CancelFunc, cfg *config.Config, logger *slog.Logger, logBuf *logbuf.Buffer) error {
	clk := clock.New()

	// 1. Storage: questions and channel registrations share one database.
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := question.NewSQLiteStore(cfg.DBPath())
	if err != nil {
		return fmt.Errorf("open question store: %w", err)
	}
	defer store.Close()

	channels, err := channel.NewSQLiteRegistry(store.DB())
	if err != nil {
		return fmt.Errorf("open channel registry: %w", err)
	}

	// 2. Waiters and metrics
	table := correlation.New(clk, logger.With("component", "correlation"))
	m := metrics.New(table.PendingCount)
	table.Observer = m

	// 3. Delivery and inbound replies
	router := connector.NewRouter(logger.With("component", "router"))
	router.Observer = m
	replies := reply.New(store, table, channels, router, clk, logger.With("component", "reply"))

	var slackConn *slackconn.Connector
	if sc := cfg.Connectors.Slack; sc != nil {
		slackConn, err = slackconn.New(slackconn.Config{
			BotToken:       sc.BotToken,
			AppToken:       sc.AppToken,
			UseResponseBox: sc.UseResponseBox,
		}, replies.Handle, logger.With("connector", "slack"))
		if err != nil {
			return fmt.Errorf("init slack connector: %w", err)
		}
		router.Add(slackConn)
	}

	if tc := cfg.Connectors.Telegram; tc != nil {
		tgCfg := telegram.Config{Token: tc.Token, AllowFrom: tc.AllowFrom}
		if tc.Voice != nil {
			tgCfg.Voice = &telegram.VoiceConfig{URL: tc.Voice.URL, APIKey: tc.Voice.APIKey, Model: tc.Voice.Model}
		}
		tgConn, err := telegram.New(tgCfg, replies.Handle, logger.With("connector", "telegram"))
		if err != nil {
			return fmt.Errorf("init telegram connector: %w", err)
		}
		router.Add(tgConn)
	}

	var hooks *webhook.Handler
	if wc := cfg.Connectors.Webhook; wc != nil {
		hooks = webhook.New(*wc, replies.Handle, logger.With("connector", "webhook"))
		for _, c := range hooks.Connectors() {
			router.Add(c)
		}
	}

	// 4. Credential gate and directory
	var source credential.Source
	var accounts asker.AccountSource
	switch cfg.Auth.Kind {
	case config.AuthDeviceCode:
		dc := credential.NewDeviceCodeSource(credential.DeviceCodeConfig{
			Authority: cfg.Auth.Authority,
			TenantID:  cfg.Auth.TenantID,
			ClientID:  cfg.Auth.ClientID,
			Scopes:    cfg.Auth.Scopes,
		}, credential.NewFileCache(cfg.Auth.TokenCache), logger.With("component", "credential"))
		source, accounts = dc, dc
	default:
		source = credential.StaticSource{Token: cfg.Auth.Token}
	}
	gate := credential.NewGate(source, cfg.Auth.Timeout.Duration(), logger.With("component", "gate"))

	var dir directory.Directory
	switch cfg.Directory.Kind {
	case config.DirectorySlack:
		if slackConn == nil {
			return errors.New("slack directory needs the slack connector")
		}
		dir = directory.NewSlack(slackConn.API())
	default:
		dir = directory.NewGraph(cfg.Directory.GraphURL, &http.Client{Timeout: 30 * time.Second})
	}
	cached := directory.NewCached(dir, cfg.Directory.CacheTTL.Duration())
	defer cached.Close()

	// 5. Ask service and its tools
	svc := asker.New(asker.Deps{
		Gate:      gate,
		Directory: cached,
		Channels:  channels,
		Store:     store,
		Waiters:   table,
		Delivery:  router,
		Accounts:  accounts,
		Limiter:   ratelimit.New(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst, 0),
		Observer:  m,
		Clock:     clk,
	}, asker.Config{
		DefaultTimeout: cfg.Questions.DefaultTimeout.Duration(),
		MinTimeout:     cfg.Questions.MinTimeout.Duration(),
		MaxTimeout:     cfg.Questions.MaxTimeout.Duration(),
	}, logger.With("component", "asker"))

	tools := tool.NewRegistry()
	tools.Register(&tool.AskCoworkerTool{Asker: svc})
	tools.Register(&tool.ListPeopleTool{Asker: svc})

	// 6. HTTP surface
	apiSrv := api.NewServer(store, table, api.Config{
		Host:       cfg.API.Host,
		Port:       cfg.API.Port,
		Key:        cfg.API.Key,
		Connectors: router.Names(),
	}, logger.With("component", "api"), logBuf)
	apiSrv.Handle("POST /mcp", mcp.NewServer(tools, version, logger.With("component", "mcp")), true)
	apiSrv.Handle("GET /metrics", m.Handler(), false)
	if hooks != nil {
		apiSrv.Handle("POST /api/webhook/{name}", hooks, false)
	}

	// 7. Reconciliation
	sweep := sweeper.New(store, table, clk, cfg.Questions.SweepInterval.Duration(), logger.With("component", "sweeper"))
	sweep.Observer = m

	// 8. Supervise until a signal arrives or a component fails.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-gctx.Done():
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Settle every waiter so open tool calls return before the server drains.
		table.Shutdown()
		return nil
	})
	g.Go(func() error { return apiSrv.Start(gctx) })
	g.Go(func() error { return router.Run(gctx) })
	g.Go(func() error {
		if err := sweep.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	logger.Info("coworkerd ready", "connectors", router.Names(), "directory", cfg.Directory.Kind, "port", cfg.API.Port)
	return g.Wait()
}
