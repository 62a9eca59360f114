package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"relaybot/internal/collab"
	"relaybot/internal/config"
	"relaybot/internal/dedupe"
	"relaybot/internal/dispatch"
	"relaybot/internal/domain"
	"relaybot/internal/fallback"
	"relaybot/internal/metrics"
	"relaybot/internal/notify"
	"relaybot/internal/relay"
	"relaybot/internal/router"
	"relaybot/internal/runner"
)

var (
	version    = "0.3.1"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	// Best-effort: a missing .env is the normal case.
	_ = godotenv.Load()

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "relaybot",
		Short: "Relaybot: single-operator command relay for code CLIs",
		Long:  "Relaybot subscribes to a push-relay topic, classifies incoming commands, runs them on claude/codex style CLIs, and publishes results back.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.relaybot/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(daemonCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// disabledChat answers CHAT-mode messages when the operator turned the chat
// collaborator off; the error surfaces as a status publish.
type disabledChat struct{}

func (disabledChat) Name() string { return "chat(disabled)" }

func (disabledChat) Generate(ctx context.Context, prompt string) (string, error) {
	return "", fmt.Errorf("chat is disabled in config (chat.enabled=false)")
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
		Short: "Initialize config and workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgDir := config.DefaultConfigDir()
			cfgPath := config.DefaultConfigPath()
			if err := os.MkdirAll(cfgDir, 0o755); err != nil {
				return err
			}
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			workspace := config.ExpandPath(cfg.General.Workspace)
			if err := os.MkdirAll(workspace, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "workspace", workspace)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	var dryRun bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Subscribe to the relay and dispatch commands",
		Long:  "Connects to the configured relay topic and processes commands until interrupted. Press Ctrl+C to stop.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoop(dryRun)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "classify and log commands without spawning any tool")
	return cmd
}

func runLoop(dryRun bool) error {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger = setupLogger(cfg)

	if err := os.MkdirAll(cfg.General.Workspace, 0o755); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := dedupe.NewStore(cfg.Dedupe.DBPath, cfg.Dedupe.TTLDays, logger)
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	defer store.Close()

	sweeper := dedupe.NewSweeper(store, 0, logger)
	go sweeper.Start(ctx)

	relayClient := relay.NewClient(relay.ClientConfig{
		BaseURL:       cfg.Relay.BaseURL,
		AuthToken:     cfg.Relay.AuthToken,
		BackoffCapS:   cfg.Relay.BackoffCapS,
		MaxReconnects: cfg.Relay.MaxReconnects,
		Logger:        logger,
	})

	extraMarkers, err := router.LoadAliases(cfg.Router.AliasDir, logger)
	if err != nil {
		logger.Warn("alias packs not loaded", "dir", cfg.Router.AliasDir, "err", err)
	}
	rt := router.New(router.Config{
		PrimaryTopic:  cfg.Relay.PrimaryTopic,
		FallbackTopic: cfg.Relay.FallbackTopic,
		PrefixRouting: cfg.Router.PrefixRouting,
		ExtraMarkers:  extraMarkers,
		Logger:        logger,
	})

	primary := runner.New(runner.Config{
		Name:           "claude",
		Binary:         cfg.Runners.Primary.Binary,
		Flags:          runner.ClaudeFlags(),
		MaxOutputBytes: cfg.Runners.Primary.MaxOutputBytes,
		Logger:         logger,
	})
	fallbackRunner := runner.New(runner.Config{
		Name:           "codex",
		Binary:         cfg.Runners.Fallback.Binary,
		Flags:          runner.CodexFlags(),
		MaxOutputBytes: cfg.Runners.Fallback.MaxOutputBytes,
		Logger:         logger,
	})

	engine := fallback.NewEngine(fallback.Config{
		Enabled:        cfg.Fallback.Enabled,
		OnAnyFailure:   cfg.Fallback.OnAnyFailure,
		OnUsageLimit:   cfg.Fallback.OnUsageLimit,
		Fallback:       fallbackRunner,
		TimeoutSeconds: cfg.Runners.Fallback.TimeoutSeconds,
		Logger:         logger,
	})

	var chat domain.ChatProvider = collab.NewChat(collab.ChatConfig{
		APIBase: cfg.Chat.APIBase,
		APIKey:  cfg.Chat.APIKey,
		Model:   cfg.Chat.Model,
		Logger:  logger,
	})
	if !cfg.Chat.Enabled {
		chat = disabledChat{}
	}
	research := collab.NewResearch(collab.ResearchConfig{
		APIBase: cfg.Research.APIBase,
		APIKey:  cfg.Research.APIKey,
		Logger:  logger,
	})

	var mirror dispatch.Mirror
	if cfg.Notify.Telegram.Enabled {
		tg, err := notify.NewTelegram(notify.TelegramConfig{
			Token:     cfg.Notify.Telegram.Token,
			ChatID:    cfg.Notify.Telegram.ChatID,
			ParseMode: cfg.Notify.Telegram.ParseMode,
			Logger:    logger,
		})
		if err != nil {
			logger.Warn("telegram mirror disabled", "err", err)
		} else {
			mirror = tg
		}
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.HandleFunc("/metrics", metrics.Collector.Handler())
		metricsSrv = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", cfg.Metrics.Host, cfg.Metrics.Port),
			Handler: mux,
		}
		go func() {
			logger.Info("metrics endpoint listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics endpoint error", "err", err)
			}
		}()
	}

	loop := dispatch.New(dispatch.Config{
		Relay:          relayClient,
		Store:          store,
		Router:         rt,
		Primary:        primary,
		FallbackRunner: fallbackRunner,
		Engine:         engine,
		Chat:           chat,
		Research:       research,
		Mirror:         mirror,
		CommandTopic:   subscribeTopics(cfg),
		ReplyTopic:     replyTopic(cfg),
		Workspace:      cfg.General.Workspace,
		TimeoutSeconds: cfg.Runners.Primary.TimeoutSeconds,
		DryRun:         dryRun,
		Version:        version,
		Logger:         logger,
	})

	logger.Info("relaybot started", "version", version, "dryRun", dryRun)
	err = loop.Run(ctx)

	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		metricsSrv.Shutdown(shutdownCtx)
	}

	if err != nil && ctx.Err() == nil {
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

// subscribeTopics joins the command topic with the dedicated per-tool topics;
// the relay accepts a comma-separated topic list on one stream.
func subscribeTopics(cfg *config.Config) string {
	topics := []string{cfg.Relay.Topic}
	if cfg.Relay.PrimaryTopic != "" {
		topics = append(topics, cfg.Relay.PrimaryTopic)
	}
	if cfg.Relay.FallbackTopic != "" {
		topics = append(topics, cfg.Relay.FallbackTopic)
	}
	return strings.Join(topics, ",")
}

func replyTopic(cfg *config.Config) string {
	if cfg.Relay.ReplyTopic != "" {
		return cfg.Relay.ReplyTopic
	}
	return cfg.Relay.Topic
}

// setupLogger builds the run-mode logger from config: level from
// general.logLevel, tee to general.logFile when set.
func setupLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err == nil {
			if f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
				w = io.MultiWriter(os.Stderr, f)
			}
		}
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func sendCmd() *cobra.Command {
	var topic string
	var title string
	var priority int

	cmd := &cobra.Command{
		Use:   "send [message...]",
		Short: "Publish a command to the configured topic",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if topic == "" {
				topic = cfg.Relay.Topic
			}

			client := relay.NewClient(relay.ClientConfig{
				BaseURL:   cfg.Relay.BaseURL,
				AuthToken: cfg.Relay.AuthToken,
				Logger:    logger,
			})
			body := strings.Join(args, " ")
			if !client.Publish(cmd.Context(), topic, body, relay.PublishOptions{Title: title, Priority: priority}) {
				return fmt.Errorf("publish to %s failed", topic)
			}
			logger.Info("published", "topic", topic, "len", len(body))
			return nil
		},
	}
	cmd.Flags().StringVarP(&topic, "topic", "t", "", "topic to publish to (default: relay.topic)")
	cmd.Flags().StringVar(&title, "title", "", "notification title")
	cmd.Flags().IntVarP(&priority, "priority", "p", 0, "notification priority 1-5")
	return cmd
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show local setup status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				logger.Info("config", "path", cfgPath, "loaded", false)
				cfg = config.Defaults()
			} else {
				logger.Info("config", "path", cfgPath, "loaded", true)
			}

			for _, rc := range []struct {
				name   string
				binary string
			}{
				{"primary", cfg.Runners.Primary.Binary},
				{"fallback", cfg.Runners.Fallback.Binary},
			} {
				r := runner.New(runner.Config{Name: rc.name, Binary: rc.binary, Logger: logger})
				logger.Info("runner", "name", rc.name, "binary", rc.binary, "available", r.CheckAvailable())
			}

			dbPath := config.ExpandPath(cfg.Dedupe.DBPath)
			if store, err := dedupe.NewStore(dbPath, cfg.Dedupe.TTLDays, logger); err == nil {
				if n, err := store.Count(cmd.Context()); err == nil {
					logger.Info("ledger", "path", dbPath, "entries", n)
				}
				store.Close()
			} else {
				logger.Info("ledger", "path", dbPath, "err", err)
			}
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. relay.topic)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. fallback.onAnyFailure true)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values (secrets masked)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			sanitized := config.Sanitize(cfg)
			data, _ := json.MarshalIndent(sanitized, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
