package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/aegis-sign/cardsigner/internal/infra/agentprobe"
	"github.com/aegis-sign/cardsigner/pkg/signer"
)

// Config 是 cardsign 命令行与中转服务的完整配置。
type Config struct {
	Agent AgentConfig `yaml:"agent"`
	Relay RelayConfig `yaml:"relay"`
	Log   LogConfig   `yaml:"log"`
}

// AgentConfig 描述本地签名代理的连接方式。
type AgentConfig struct {
	Endpoint         string        `yaml:"endpoint"`
	HandshakeTimeout time.Duration `yaml:"handshakeTimeout"`
	ReplyTimeout     time.Duration `yaml:"replyTimeout"`
	VsockCID         uint32        `yaml:"vsockCID"`
	VsockPort        uint32        `yaml:"vsockPort"`
	PKCS11Libraries  []string      `yaml:"pkcs11Libraries"`
}

// RelayConfig 控制 serve 子命令。
type RelayConfig struct {
	HTTPAddr       string        `yaml:"httpAddr"`
	GRPCAddr       string        `yaml:"grpcAddr"`
	AllowedOrigins []string      `yaml:"allowedOrigins"`
	MaxQueue       int           `yaml:"maxQueue"`
	RateLimit      float64       `yaml:"rateLimit"`
	RateBurst      int           `yaml:"rateBurst"`
	ProbeInterval  time.Duration `yaml:"probeInterval"`
}

// LogConfig 控制 slog handler。
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default 返回安全默认值。
func Default() Config {
	agent := signer.DefaultConfig()
	return Config{
		Agent: AgentConfig{
			Endpoint:         agent.Endpoint,
			HandshakeTimeout: agent.HandshakeTimeout,
		},
		Relay: RelayConfig{
			HTTPAddr:      "127.0.0.1:8766",
			GRPCAddr:      "127.0.0.1:8767",
			MaxQueue:      16,
			RateBurst:     1,
			ProbeInterval: agentprobe.DefaultConfig().Interval,
		},
		Log: LogConfig{Level: "info", Format: "text"},
	}
}

// Load 依次叠加默认值、YAML 文件（path 为空则跳过）与 CARDSIGN_* 环境变量。
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv 解析环境变量，非法值直接报错。
func (c *Config) ApplyEnv() error {
	var errs []error
	if v := os.Getenv("CARDSIGN_ENDPOINT"); v != "" {
		c.Agent.Endpoint = v
	}
	if d, err := readDuration("CARDSIGN_HANDSHAKE_TIMEOUT"); err != nil {
		errs = append(errs, err)
	} else if d > 0 {
		c.Agent.HandshakeTimeout = d
	}
	if d, err := readDuration("CARDSIGN_REPLY_TIMEOUT"); err != nil {
		errs = append(errs, err)
	} else if d > 0 {
		c.Agent.ReplyTimeout = d
	}
	if v, err := readUint32("CARDSIGN_VSOCK_CID"); err != nil {
		errs = append(errs, err)
	} else if v > 0 {
		c.Agent.VsockCID = v
	}
	if v := os.Getenv("CARDSIGN_PKCS11_LIBS"); v != "" {
		c.Agent.PKCS11Libraries = splitList(v)
	}
	if v := os.Getenv("CARDSIGN_HTTP_ADDR"); v != "" {
		c.Relay.HTTPAddr = v
	}
	if v := os.Getenv("CARDSIGN_GRPC_ADDR"); v != "" {
		c.Relay.GRPCAddr = v
	}
	if v := os.Getenv("CARDSIGN_ALLOWED_ORIGINS"); v != "" {
		c.Relay.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("CARDSIGN_RATE_LIMIT"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("CARDSIGN_RATE_LIMIT: %w", err))
		} else {
			c.Relay.RateLimit = f
		}
	}
	if v := os.Getenv("CARDSIGN_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("CARDSIGN_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}
	return errors.Join(errs...)
}

// Validate 检查配置是否可用。
func (c Config) Validate() error {
	if err := c.Agent.SignerConfig().Validate(); err != nil {
		return err
	}
	if c.Relay.MaxQueue < 0 || c.Relay.RateBurst < 0 || c.Relay.RateLimit < 0 {
		return errors.New("relay limits must not be negative")
	}
	return nil
}

// SignerConfig 转换为 signer.Config。
func (a AgentConfig) SignerConfig() signer.Config {
	return signer.Config{
		Endpoint:         a.Endpoint,
		HandshakeTimeout: a.HandshakeTimeout,
		ReplyTimeout:     a.ReplyTimeout,
		VsockCID:         a.VsockCID,
		VsockPort:        a.VsockPort,
		PKCS11Libraries:  a.PKCS11Libraries,
	}
}

func readDuration(key string) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}

func readUint32(key string) (uint32, error) {
	value := os.Getenv(key)
	if value == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(value, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return uint32(v), nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
