package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			Workspace: "~/.relaybot/workspace",
			LogLevel:  "info",
		},
		Relay: RelayConfig{
			BaseURL:       "https://ntfy.sh",
			Topic:         "relaybot-commands",
			BackoffCapS:   300,
			MaxReconnects: 10,
		},
		Dedupe: DedupeConfig{
			DBPath:  "~/.relaybot/relaybot.db",
			TTLDays: 7,
		},
		Router: RouterConfig{
			PrefixRouting: true,
		},
		Runners: RunnersConfig{
			Primary: RunnerConfig{
				Binary:         "claude",
				TimeoutSeconds: 0, // unlimited unless configured
				MaxOutputBytes: 65536,
			},
			Fallback: RunnerConfig{
				Binary:         "codex",
				TimeoutSeconds: 0,
				MaxOutputBytes: 65536,
			},
		},
		Fallback: FallbackConfig{
			Enabled:      true,
			OnAnyFailure: false,
			OnUsageLimit: true,
		},
		Chat: ChatConfig{
			Enabled: true,
			APIBase: "http://localhost:11434/v1",
			Model:   "llama3.1:8b",
		},
		Research: ResearchConfig{},
		Notify: NotifyConfig{
			Telegram: TelegramConfig{
				Enabled:   false,
				ParseMode: "Markdown",
			},
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    9091,
		},
	}
}
