package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/stanstork/opsdash-notify/internal/models"
)

const envPrefix = "OPSDASH"

type APIConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type StreamConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
	Token   string `mapstructure:"token"`
}

type ReconnectConfig struct {
	BaseDelay time.Duration `mapstructure:"base_delay"`
	MaxDelay  time.Duration `mapstructure:"max_delay"`
}

type BackfillConfig struct {
	PageSize   int    `mapstructure:"page_size"`
	Type       string `mapstructure:"type"`
	UnreadOnly bool   `mapstructure:"unread_only"`
}

type ReadSyncConfig struct {
	MaxRetries uint64        `mapstructure:"max_retries"`
	BaseDelay  time.Duration `mapstructure:"base_delay"`
}

// ServerConfig is the local status API. An empty Addr disables it.
type ServerConfig struct {
	Addr           string   `mapstructure:"addr"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
}

type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Reconnect ReconnectConfig `mapstructure:"reconnect"`
	Backfill  BackfillConfig  `mapstructure:"backfill"`
	ReadSync  ReadSyncConfig  `mapstructure:"read_sync"`
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
}

// Filter builds the backfill query filter from the backfill section.
func (c BackfillConfig) Filter() models.NotificationFilter {
	var f models.NotificationFilter
	if c.Type != "" {
		t := models.NotificationType(strings.ToUpper(c.Type))
		f.Type = &t
	}
	if c.UnreadOnly {
		unread := false
		f.IsRead = &unread
	}
	return f
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "")
	v.SetDefault("api.timeout", 15*time.Second)
	v.SetDefault("stream.enabled", true)
	v.SetDefault("stream.path", "/api/notifications/stream")
	v.SetDefault("stream.token", "")
	v.SetDefault("reconnect.base_delay", time.Second)
	v.SetDefault("reconnect.max_delay", 30*time.Second)
	v.SetDefault("backfill.page_size", 20)
	v.SetDefault("backfill.type", "")
	v.SetDefault("backfill.unread_only", false)
	v.SetDefault("read_sync.max_retries", 3)
	v.SetDefault("read_sync.base_delay", 200*time.Millisecond)
	v.SetDefault("server.addr", "127.0.0.1:8090")
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000"})
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", true)
}

// Load reads configuration from path, or from config.yaml in the current
// directory or ./config when path is empty. A missing default file is not an
// error; every key can come from OPSDASH_* environment variables instead.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("config")
		v.AddConfigPath("./config")
		v.SetConfigType("yaml")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) normalize() error {
	c.API.BaseURL = strings.TrimRight(strings.TrimSpace(c.API.BaseURL), "/")
	if c.API.BaseURL == "" {
		return errors.New("api.base_url must be set")
	}
	c.Stream.Token = strings.TrimSpace(c.Stream.Token)
	c.Server.Addr = strings.TrimSpace(c.Server.Addr)

	if c.Reconnect.BaseDelay <= 0 {
		return errors.Errorf("reconnect.base_delay must be positive, got %s", c.Reconnect.BaseDelay)
	}
	if c.Reconnect.MaxDelay < c.Reconnect.BaseDelay {
		return errors.Errorf("reconnect.max_delay (%s) is below base_delay (%s)", c.Reconnect.MaxDelay, c.Reconnect.BaseDelay)
	}

	if c.Backfill.PageSize < 1 {
		c.Backfill.PageSize = 1
	}
	if c.Backfill.PageSize > 100 {
		c.Backfill.PageSize = 100
	}
	if c.Backfill.Type != "" {
		if t := models.NotificationType(strings.ToUpper(c.Backfill.Type)); !t.Valid() {
			return errors.Errorf("backfill.type %q is not one of GLOBAL, DIRECT, SYSTEM", c.Backfill.Type)
		}
	}
	return nil
}
