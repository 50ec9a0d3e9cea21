// Package config loads service settings from the environment and command
// line flags.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"room-service/internal/logging"
	"room-service/internal/session"
)

// Setting keys. Each one is also read from the upper-case env var.
const (
	KeyPort           = "port"
	KeyDBDSN          = "db_dsn"
	KeyChatGRPCAddr   = "chat_grpc_addr"
	KeyRedisAddr      = "redis_addr"
	KeyRedisChannel   = "redis_channel"
	KeyAMQPURL        = "amqp_url"
	KeyAMQPExchange   = "amqp_exchange"
	KeyOTLPEndpoint   = "otel_exporter_otlp_endpoint"
	KeyServiceName    = "service_name"
	KeyEnvironment    = "environment"
	KeyLogLevel       = "log_level"
	KeyLogTailBytes   = "log_tail_bytes"
	KeyDebugRoutes    = "debug_routes"
	KeyUseRealName    = "use_real_name"
	KeyShowUnread     = "show_unread_badge"
	KeyCORSOrigins    = "cors_origins"
	KeyFindRetryDelay = "find_retry_delay"
	KeyFindRetries    = "find_retries"
	KeyInitRetryDelay = "init_retry_delay"
	KeyJumpTimeout    = "jump_timeout"
	KeyIntentDebounce = "intent_debounce"
)

// Config is the resolved service configuration.
type Config struct {
	Port         string
	DBDSN        string
	ChatGRPCAddr string
	RedisAddr    string
	RedisChannel string
	AMQPURL      string
	AMQPExchange string
	OTLPEndpoint string
	ServiceName  string
	Environment  string
	LogLevel     string
	LogTailBytes int
	DebugRoutes  bool
	CORSOrigins  []string

	Session session.Config
}

// New returns a viper instance with defaults set and env vars bound.
func New() *viper.Viper {
	v := viper.New()
	defaults := session.DefaultConfig()

	v.SetDefault(KeyPort, "8083")
	v.SetDefault(KeyDBDSN, "")
	v.SetDefault(KeyChatGRPCAddr, "localhost:8086")
	v.SetDefault(KeyRedisAddr, "")
	v.SetDefault(KeyRedisChannel, "room-service.events")
	v.SetDefault(KeyAMQPURL, "")
	v.SetDefault(KeyAMQPExchange, "room_events")
	v.SetDefault(KeyOTLPEndpoint, "")
	v.SetDefault(KeyServiceName, "room-service")
	v.SetDefault(KeyEnvironment, "local")
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogTailBytes, logging.DefaultTailBytes)
	v.SetDefault(KeyDebugRoutes, false)
	v.SetDefault(KeyUseRealName, defaults.UseRealName)
	v.SetDefault(KeyShowUnread, defaults.ShowUnread)
	v.SetDefault(KeyCORSOrigins, "")
	v.SetDefault(KeyFindRetryDelay, defaults.FindRetryDelay)
	v.SetDefault(KeyFindRetries, defaults.FindRetries)
	v.SetDefault(KeyInitRetryDelay, defaults.InitRetryDelay)
	v.SetDefault(KeyJumpTimeout, defaults.JumpTimeout)
	v.SetDefault(KeyIntentDebounce, defaults.IntentDebounce)

	v.AutomaticEnv()
	return v
}

// BindFlags lets the flags of fs override env vars. Flag names use dashes
// in place of underscores.
func BindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	var err error
	fs.VisitAll(func(f *pflag.Flag) {
		if err != nil {
			return
		}
		err = v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f)
	})
	return errors.Wrap(err, "bind flags")
}

// Load resolves v into a Config.
func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		Port:         v.GetString(KeyPort),
		DBDSN:        v.GetString(KeyDBDSN),
		ChatGRPCAddr: v.GetString(KeyChatGRPCAddr),
		RedisAddr:    v.GetString(KeyRedisAddr),
		RedisChannel: v.GetString(KeyRedisChannel),
		AMQPURL:      v.GetString(KeyAMQPURL),
		AMQPExchange: v.GetString(KeyAMQPExchange),
		OTLPEndpoint: v.GetString(KeyOTLPEndpoint),
		ServiceName:  v.GetString(KeyServiceName),
		Environment:  v.GetString(KeyEnvironment),
		LogLevel:     v.GetString(KeyLogLevel),
		LogTailBytes: v.GetInt(KeyLogTailBytes),
		DebugRoutes:  v.GetBool(KeyDebugRoutes),
		CORSOrigins:  splitList(v.GetString(KeyCORSOrigins)),
		Session:      session.DefaultConfig(),
	}
	cfg.Session.FindRetryDelay = v.GetDuration(KeyFindRetryDelay)
	cfg.Session.FindRetries = v.GetInt(KeyFindRetries)
	cfg.Session.InitRetryDelay = v.GetDuration(KeyInitRetryDelay)
	cfg.Session.JumpTimeout = v.GetDuration(KeyJumpTimeout)
	cfg.Session.IntentDebounce = v.GetDuration(KeyIntentDebounce)
	cfg.Session.UseRealName = v.GetBool(KeyUseRealName)
	cfg.Session.ShowUnread = v.GetBool(KeyShowUnread)

	if cfg.Port == "" {
		return Config{}, errors.New("port is required")
	}
	if cfg.ChatGRPCAddr == "" {
		return Config{}, errors.New("chat grpc address is required")
	}
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		return Config{}, err
	}
	if err := positive(KeyFindRetryDelay, cfg.Session.FindRetryDelay); err != nil {
		return Config{}, err
	}
	if err := positive(KeyInitRetryDelay, cfg.Session.InitRetryDelay); err != nil {
		return Config{}, err
	}
	if err := positive(KeyJumpTimeout, cfg.Session.JumpTimeout); err != nil {
		return Config{}, err
	}
	if cfg.Session.FindRetries < 0 {
		return Config{}, errors.Errorf("%s must not be negative", KeyFindRetries)
	}
	return cfg, nil
}

func positive(key string, d time.Duration) error {
	if d <= 0 {
		return errors.Errorf("%s must be positive, got %s", key, d)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
