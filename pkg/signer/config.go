package signer

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// DefaultEndpoint 是本地智能卡签名代理监听的固定地址。
const DefaultEndpoint = "ws://127.0.0.1:8765/websockets/sign"

// Config 控制单个 Session 发起连接的方式。
type Config struct {
	Endpoint         string
	HandshakeTimeout time.Duration
	// ReplyTimeout 为 0 时无限等待签名代理的回复。
	ReplyTimeout time.Duration
	// VsockCID 非 0 时通过 vsock 连接运行在本机虚拟机中的签名代理。
	VsockCID  uint32
	VsockPort uint32
	// PKCS11Libraries 指定签名代理使用的 PKCS#11 中间件库名，以 dllList 发送。
	PKCS11Libraries []string
}

// DefaultConfig 返回与浏览器端库一致的默认值。
func DefaultConfig() Config {
	return Config{
		Endpoint:         DefaultEndpoint,
		HandshakeTimeout: 5 * time.Second,
	}
}

func (c Config) normalize() Config {
	cfg := c
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.HandshakeTimeout < 0 {
		cfg.HandshakeTimeout = 0
	}
	if cfg.ReplyTimeout < 0 {
		cfg.ReplyTimeout = 0
	}
	if len(cfg.PKCS11Libraries) > 0 {
		cfg.PKCS11Libraries = append([]string(nil), cfg.PKCS11Libraries...)
	}
	return cfg
}

// Validate 检查 Endpoint 是否为 ws/wss 地址。
func (c Config) Validate() error {
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("invalid endpoint %q: %w", c.Endpoint, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("endpoint %q must use ws or wss scheme", c.Endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %q has no host", c.Endpoint)
	}
	for _, lib := range c.PKCS11Libraries {
		if strings.TrimSpace(lib) == "" {
			return errors.New("empty PKCS#11 library name")
		}
	}
	return nil
}

func (c Config) vsockPort() (uint32, error) {
	if c.VsockPort != 0 {
		return c.VsockPort, nil
	}
	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return 0, err
	}
	port, err := strconv.ParseUint(u.Port(), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("endpoint %q has no usable port for vsock: %w", c.Endpoint, err)
	}
	return uint32(port), nil
}
