package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			AgentsDir: "~/.chatrelay/agents",
		},
		Webhook: WebhookConfig{
			Port:      9090,
			Path:      "/webhook",
			RateLimit: 0,
			RateBurst: 10,
		},
		Platform: PlatformConfig{
			Kind:           "http",
			APIBase:        "http://localhost:8080",
			TimeoutSeconds: 10,
		},
		Responder: ResponderConfig{
			APIBase: "http://localhost:11434/v1",
			Model:   "llama3.1:8b",
		},
		Store: StoreConfig{
			DBPath: "~/.chatrelay/relay.db",
		},
		Pipeline: PipelineConfig{
			HistoryTimeoutSeconds:  5,
			ProcessTimeoutSeconds:  60,
			DeliveryTimeoutSeconds: 30,
			DedupTTLSeconds:        300,
			DedupSweepSeconds:      60,
			RetryMaxAttempts:       3,
			RetryBaseDelayMS:       500,
		},
	}
}
