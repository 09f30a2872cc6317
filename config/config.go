// Package config 基于 viper 加载服务端、客户端与日志配置
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig 同步服务端配置
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	StaticDir       string        `mapstructure:"static_dir"`
	SendBuffer      int           `mapstructure:"send_buffer"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
	PongWait        time.Duration `mapstructure:"pong_wait"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	PollWait        time.Duration `mapstructure:"poll_wait"`
	PollIdleTimeout time.Duration `mapstructure:"poll_idle_timeout"`
}

// Addr 返回 "host:port" 监听地址
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// ClientConfig 客户端会话代理配置
type ClientConfig struct {
	URL               string        `mapstructure:"url"`
	ReconnectAttempts int           `mapstructure:"reconnect_attempts"`
	ConnectTimeout    time.Duration `mapstructure:"connect_timeout"`
	Transports        []string      `mapstructure:"transports"`
	NoticeTTL         time.Duration `mapstructure:"notice_ttl"`
}

// LoggingConfig 日志级别、格式与可选的滚动文件
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
	File   string `mapstructure:"file"`
}

// Config 顶层配置
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Client  ClientConfig  `mapstructure:"client"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// Default 返回仅由默认值构成的配置
func Default() Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return cfg
}

// Validate 校验全部配置，汇总所有错误一次返回
func (c Config) Validate() error {
	var errs []string
	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateClient(c.Client); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", s.Port))
	}
	// 新连接至少要容纳 connect 与 currentPlayers 两帧
	if s.SendBuffer < 2 {
		errs = append(errs, fmt.Sprintf("server.send_buffer must be >= 2, got %d", s.SendBuffer))
	}
	if s.WriteWait <= 0 {
		errs = append(errs, "server.write_wait must be positive")
	}
	if s.PongWait <= 0 {
		errs = append(errs, "server.pong_wait must be positive")
	}
	if s.MaxMessageSize < 64 {
		errs = append(errs, fmt.Sprintf("server.max_message_size must be >= 64, got %d", s.MaxMessageSize))
	}
	if s.PollWait <= 0 {
		errs = append(errs, "server.poll_wait must be positive")
	}
	if s.PollIdleTimeout <= s.PollWait {
		errs = append(errs, "server.poll_idle_timeout must exceed server.poll_wait")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateClient(c ClientConfig) error {
	var errs []string
	u, err := url.Parse(c.URL)
	if err != nil || u.Host == "" {
		errs = append(errs, fmt.Sprintf("client.url must be an absolute URL, got %q", c.URL))
	} else if u.Scheme != "http" && u.Scheme != "https" {
		errs = append(errs, fmt.Sprintf("client.url scheme must be http or https, got %q", u.Scheme))
	}
	if c.ReconnectAttempts < 0 {
		errs = append(errs, fmt.Sprintf("client.reconnect_attempts must be >= 0, got %d", c.ReconnectAttempts))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, "client.connect_timeout must be positive")
	}
	if len(c.Transports) == 0 {
		errs = append(errs, "client.transports must not be empty")
	}
	validTransports := map[string]bool{"websocket": true, "polling": true}
	for _, t := range c.Transports {
		if !validTransports[t] {
			errs = append(errs, fmt.Sprintf("client.transports entries must be one of [websocket, polling], got %q", t))
		}
	}
	if c.NoticeTTL <= 0 {
		errs = append(errs, "client.notice_ttl must be positive")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load 读取配置：path 为空时只使用默认值与环境变量。
// 环境变量前缀 SPACESYNC_，另外 PORT 直接映射到 server.port
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SPACESYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("server.port", "SPACESYNC_SERVER_PORT", "PORT"); err != nil {
		return Config{}, fmt.Errorf("binding PORT: %w", err)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	return LoadFromViper(v)
}

// LoadFromViper 从已配置好的 viper 实例构建配置并校验
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "")
	v.SetDefault("server.port", 3000)
	v.SetDefault("server.static_dir", "public")
	v.SetDefault("server.send_buffer", 64)
	v.SetDefault("server.write_wait", "10s")
	v.SetDefault("server.pong_wait", "60s")
	v.SetDefault("server.max_message_size", 4096)
	v.SetDefault("server.poll_wait", "25s")
	v.SetDefault("server.poll_idle_timeout", "60s")

	v.SetDefault("client.url", "http://localhost:3000")
	v.SetDefault("client.reconnect_attempts", 5)
	v.SetDefault("client.connect_timeout", "10s")
	v.SetDefault("client.transports", []string{"websocket", "polling"})
	v.SetDefault("client.notice_ttl", "5s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "")
}
