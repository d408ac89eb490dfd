package relay

import (
	"log/slog"

	"github.com/aegis-sign/cardsigner/pkg/signer"
)

// Config 控制 Dispatcher 行为。
type Config struct {
	MaxQueue  int
	Workers   int
	RateLimit float64
	RateBurst int
	Agent     signer.Config
	Dialer    signer.Dialer
	Logger    *slog.Logger
	Metrics   *Metrics
	// SessionMetrics 在所有中转会话之间共享。
	SessionMetrics *signer.Metrics
}

func (c *Config) normalize() Config {
	cfg := *c
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 16
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.RateBurst <= 0 {
		cfg.RateBurst = 1
	}
	if cfg.Agent.Endpoint == "" {
		cfg.Agent = signer.DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
