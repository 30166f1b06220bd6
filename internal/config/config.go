package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port     int    `mapstructure:"port"`
	Mode     string `mapstructure:"mode"`
	LogLevel string `mapstructure:"log_level"`
	// text or json
	LogFormat string `mapstructure:"log_format"`

	RedisURL        string        `mapstructure:"redis_url"`
	MongoURI        string        `mapstructure:"mongodb_uri"`
	MongoDatabase   string        `mapstructure:"mongodb_database"`
	MongoMaxPool    uint64        `mapstructure:"mongodb_max_pool"`
	MembershipCache time.Duration `mapstructure:"membership_cache_ttl"`

	JWTSecret        string `mapstructure:"jwt_secret"`
	JWTIssuer        string `mapstructure:"jwt_issuer"`
	AllowQueryUserID bool   `mapstructure:"allow_query_user_id"`
	AllowedOrigin    string `mapstructure:"allowed_origin"`
	InternalToken    string `mapstructure:"internal_token"`

	SendBuffer      int           `mapstructure:"send_buffer"`
	PingPeriod      time.Duration `mapstructure:"ping_period"`
	PongWait        time.Duration `mapstructure:"pong_wait"`
	WriteWait       time.Duration `mapstructure:"write_wait"`
	MaxMessageSize  int64         `mapstructure:"max_message_size"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

var defaults = map[string]interface{}{
	"port":                 8080,
	"mode":                 "release",
	"log_level":            "info",
	"log_format":           "text",
	"redis_url":            "redis://localhost:6379",
	"mongodb_uri":          "mongodb://localhost:27017",
	"mongodb_database":     "unichat",
	"mongodb_max_pool":     100,
	"membership_cache_ttl": "5m",
	"jwt_secret":           "",
	"jwt_issuer":           "",
	"allow_query_user_id":  false,
	"allowed_origin":       "",
	"internal_token":       "",
	"send_buffer":          256,
	"ping_period":          "54s",
	"pong_wait":            "60s",
	"write_wait":           "10s",
	"max_message_size":     512 * 1024,
	"shutdown_timeout":     "10s",
}

// Load reads config/config.<CONFIG_ENV>.yaml when present and lets
// environment variables (PORT, REDIS_URL, ...) override every key.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)
	v.SetConfigFile(fileName)

	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		slog.Debug("[CONFIG] Config file not found, using defaults and environment", "file", fileName)
	} else {
		slog.Info("[CONFIG] Loaded config file", "file", fileName)
	}

	// FRONTEND_URL is what the CRUD service already exports.
	if v.GetString("allowed_origin") == "" {
		if origin := os.Getenv("FRONTEND_URL"); origin != "" {
			v.Set("allowed_origin", origin)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if c.PingPeriod >= c.PongWait {
		return fmt.Errorf("ping_period (%s) must be less than pong_wait (%s)", c.PingPeriod, c.PongWait)
	}
	if c.SendBuffer <= 0 {
		return fmt.Errorf("send_buffer must be positive, got %d", c.SendBuffer)
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
