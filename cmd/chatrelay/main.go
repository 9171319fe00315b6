package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"chatrelay/internal/agentdef"
	"chatrelay/internal/bus"
	"chatrelay/internal/config"
	"chatrelay/internal/dedup"
	"chatrelay/internal/domain"
	"chatrelay/internal/groups"
	"chatrelay/internal/metrics"
	"chatrelay/internal/pipeline"
	"chatrelay/internal/platform"
	"chatrelay/internal/platform/telegram"
	"chatrelay/internal/responder"
	"chatrelay/internal/store"
	"chatrelay/internal/webhook"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "chatrelay",
		Short: "chatrelay: webhook-to-chat relay service",
		Long:  "chatrelay receives chat platform webhooks, deduplicates them, coordinates group question rounds, and delivers agent replies.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.chatrelay/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and agents directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			if err := os.MkdirAll(config.ExpandPath(cfg.General.AgentsDir), 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "agents_dir", cfg.General.AgentsDir)
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the webhook relay server",
		Long:  "Starts the webhook server, the deduplication sweeper, and the delivery pipeline. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyLogLevel(cfg.General.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	agents, err := agentdef.LoadFromDirectory(cfg.General.AgentsDir, logger)
	if err != nil {
		return fmt.Errorf("load agent definitions: %w", err)
	}

	db, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer db.Close()

	dedupStore := dedup.New(
		time.Duration(cfg.Pipeline.DedupTTLSeconds)*time.Second,
		time.Duration(cfg.Pipeline.DedupSweepSeconds)*time.Second,
		logger,
	)
	go dedupStore.Run(ctx)

	policy := platform.RetryPolicy{
		MaxAttempts: cfg.Pipeline.RetryMaxAttempts,
		BaseDelay:   time.Duration(cfg.Pipeline.RetryBaseDelayMS) * time.Millisecond,
	}

	messenger, err := buildMessenger(cfg, db, policy)
	if err != nil {
		return err
	}

	var resp domain.Responder
	if cfg.Responder.APIKey != "" {
		resp = responder.NewLLM(responder.LLMConfig{
			APIKey:  cfg.Responder.APIKey,
			APIBase: cfg.Responder.APIBase,
			Model:   cfg.Responder.Model,
			Agents:  agents,
			Logger:  logger,
		})
	} else {
		logger.Warn("no responder API key configured, using static replies")
		resp = &responder.Static{Agents: agents}
	}

	eventBus := bus.New(logger)
	metrics.BindBus(eventBus)

	p := pipeline.New(pipeline.Config{
		Dedup:           dedupStore,
		Groups:          groups.NewCoordinator(db, logger),
		Messenger:       messenger,
		Responder:       resp,
		Agents:          agents,
		Log:             db,
		Bus:             eventBus,
		Logger:          logger,
		HistoryTimeout:  time.Duration(cfg.Pipeline.HistoryTimeoutSeconds) * time.Second,
		ProcessTimeout:  time.Duration(cfg.Pipeline.ProcessTimeoutSeconds) * time.Second,
		DeliveryTimeout: time.Duration(cfg.Pipeline.DeliveryTimeoutSeconds) * time.Second,
	})

	server := webhook.NewServer(webhook.Config{
		Port:      cfg.Webhook.Port,
		Path:      cfg.Webhook.Path,
		Secret:    cfg.Webhook.Secret,
		RateLimit: cfg.Webhook.RateLimit,
		RateBurst: cfg.Webhook.RateBurst,
		Logger:    logger,
	}, p)

	logger.Info("relay starting", "platform", cfg.Platform.Kind, "port", cfg.Webhook.Port)
	return server.Start(ctx)
}

// buildMessenger selects the outbound platform from config.
func buildMessenger(cfg *config.Config, log domain.MessageLog, policy platform.RetryPolicy) (domain.Messenger, error) {
	switch cfg.Platform.Kind {
	case "telegram":
		return telegram.New(telegram.Config{
			Token:  cfg.Platform.TelegramToken,
			Log:    log,
			Policy: policy,
			Logger: logger,
		})
	default:
		return platform.NewClient(platform.ClientConfig{
			APIBase: cfg.Platform.APIBase,
			Token:   cfg.Platform.Token,
			Timeout: time.Duration(cfg.Platform.TimeoutSeconds) * time.Second,
			Policy:  policy,
			Logger:  logger,
		}), nil
	}
}

func applyLogLevel(level string) {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
	slog.SetDefault(logger)
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show configuration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				return nil
			}
			logger.Info("config", "path", cfgPath, "loaded", true)
			logger.Info("platform", "kind", cfg.Platform.Kind)
			logger.Info("webhook", "port", cfg.Webhook.Port, "path", cfg.Webhook.Path, "signed", cfg.Webhook.Secret != "")
			logger.Info("responder", "model", cfg.Responder.Model, "configured", cfg.Responder.APIKey != "")

			db, err := store.NewSQLiteStore(cfg.Store.DBPath, logger)
			if err != nil {
				logger.Info("store", "path", cfg.Store.DBPath, "open", false)
				return nil
			}
			defer db.Close()
			stats, err := db.Stats(cmd.Context())
			if err != nil {
				return fmt.Errorf("read store stats: %w", err)
			}
			logger.Info("store", "path", cfg.Store.DBPath,
				"messages", stats.LoggedMessages,
				"tracked_chats", stats.TrackedChats,
				"active_rounds", stats.ActiveRounds)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("chatrelay " + version)
		},
	}
}
