package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

const defaultJWTSecret = "dev-secret-change-me"

// Duration 让 TOML 文件中可以直接写 "2s"、"10m" 这样的时长。
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// ChatConfig 控制频道会话、输入状态与消息校验。
type ChatConfig struct {
	MaxSessions      int      `toml:"max_sessions"`
	EvictGrace       Duration `toml:"evict_grace"`
	TypingTimeout    Duration `toml:"typing_timeout"`
	MaxMessageLength int      `toml:"max_message_length"`
	RecentBufferSize int      `toml:"recent_buffer_size"`
	AllowGuests      bool     `toml:"allow_guests"`
	RatePerSec       float64  `toml:"rate_per_sec"`
	RateBurst        int      `toml:"rate_burst"`
}

// NotifyConfig 控制通知去重、弹出时长与收件箱保留策略。
type NotifyConfig struct {
	DedupWindow     Duration `toml:"dedup_window"`
	SurfaceDuration Duration `toml:"surface_duration"`
	InboxMaxPerUser int      `toml:"inbox_max_per_user"`
	InboxRetention  Duration `toml:"inbox_retention"`
	SweepInterval   Duration `toml:"sweep_interval"`
	Shards          int      `toml:"shards"`
}

// ClientConfig 是重连客户端使用的退避参数。
type ClientConfig struct {
	ReconnectStrategy string   `toml:"reconnect_strategy"`
	ReconnectDelay    Duration `toml:"reconnect_delay"`
	ReconnectMaxDelay Duration `toml:"reconnect_max_delay"`
}

type Config struct {
	Port                  string `toml:"port"`
	DatabaseDSN           string `toml:"database_dsn"`
	JWTSecret             string `toml:"jwt_secret"`
	ServerKey             string `toml:"server_key"`
	Env                   string `toml:"env"`
	StoreDriver           string `toml:"store_driver"`
	FeedDriver            string `toml:"feed_driver"`
	AccessTokenTTLMinutes int    `toml:"access_token_ttl_minutes"`

	Chat   ChatConfig   `toml:"chat"`
	Notify NotifyConfig `toml:"notify"`
	Client ClientConfig `toml:"client"`
}

// Default 返回未经任何覆盖的默认配置。
func Default() Config {
	return Config{
		Port:                  "8080",
		DatabaseDSN:           "host=localhost user=postgres password=postgres dbname=camerpulse port=5432 sslmode=disable TimeZone=UTC",
		JWTSecret:             defaultJWTSecret,
		Env:                   "dev",
		StoreDriver:           "postgres",
		FeedDriver:            "postgres",
		AccessTokenTTLMinutes: 15,
		Chat: ChatConfig{
			MaxSessions:      500,
			EvictGrace:       Duration{30 * time.Second},
			TypingTimeout:    Duration{2 * time.Second},
			MaxMessageLength: 2000,
			RecentBufferSize: 100,
			AllowGuests:      true,
			RatePerSec:       5,
			RateBurst:        10,
		},
		Notify: NotifyConfig{
			DedupWindow:     Duration{10 * time.Minute},
			SurfaceDuration: Duration{5 * time.Second},
			InboxMaxPerUser: 500,
			InboxRetention:  Duration{90 * 24 * time.Hour},
			SweepInterval:   Duration{time.Hour},
			Shards:          16,
		},
		Client: ClientConfig{
			ReconnectStrategy: "exponential",
			ReconnectDelay:    Duration{3 * time.Second},
			ReconnectMaxDelay: Duration{30 * time.Second},
		},
	}
}

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

// getint 解析失败或非正数时回退到默认值。
func getint(key string, def int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

func getfloat(key string, def float64) float64 {
	f, err := strconv.ParseFloat(os.Getenv(key), 64)
	if err != nil || f <= 0 {
		return def
	}
	return f
}

func getdur(key string, def Duration) Duration {
	d, err := time.ParseDuration(os.Getenv(key))
	if err != nil || d <= 0 {
		return def
	}
	return Duration{d}
}

func getbool(key string, def bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return def
	}
	return b
}

// Load 依次叠加默认值、可选的 TOML 文件（CHAT_CONFIG_FILE）与环境变量。
// 当前目录存在 .env 时会先载入，已有的环境变量不会被覆盖。
func Load() (Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("CHAT_CONFIG_FILE"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.Port = getenv("APP_PORT", cfg.Port)
	cfg.DatabaseDSN = getenv("DATABASE_DSN", cfg.DatabaseDSN)
	cfg.JWTSecret = getenv("JWT_SECRET", cfg.JWTSecret)
	cfg.ServerKey = getenv("SERVER_KEY", cfg.ServerKey)
	cfg.Env = getenv("APP_ENV", cfg.Env)
	cfg.StoreDriver = getenv("STORE_DRIVER", cfg.StoreDriver)
	cfg.FeedDriver = getenv("FEED_DRIVER", cfg.FeedDriver)
	cfg.AccessTokenTTLMinutes = getint("ACCESS_TOKEN_TTL_MINUTES", cfg.AccessTokenTTLMinutes)

	cfg.Chat.MaxSessions = getint("CHANNEL_MAX_SESSIONS", cfg.Chat.MaxSessions)
	cfg.Chat.EvictGrace = getdur("CHANNEL_EVICT_GRACE", cfg.Chat.EvictGrace)
	cfg.Chat.TypingTimeout = getdur("TYPING_TIMEOUT", cfg.Chat.TypingTimeout)
	cfg.Chat.MaxMessageLength = getint("MESSAGE_MAX_LENGTH", cfg.Chat.MaxMessageLength)
	cfg.Chat.RecentBufferSize = getint("RECENT_BUFFER_SIZE", cfg.Chat.RecentBufferSize)
	cfg.Chat.AllowGuests = getbool("ALLOW_GUESTS", cfg.Chat.AllowGuests)
	cfg.Chat.RatePerSec = getfloat("SESSION_RATE_PER_SEC", cfg.Chat.RatePerSec)
	cfg.Chat.RateBurst = getint("SESSION_RATE_BURST", cfg.Chat.RateBurst)

	cfg.Notify.DedupWindow = getdur("DEDUP_WINDOW", cfg.Notify.DedupWindow)
	cfg.Notify.SurfaceDuration = getdur("SURFACE_DURATION", cfg.Notify.SurfaceDuration)
	cfg.Notify.InboxMaxPerUser = getint("INBOX_MAX_PER_USER", cfg.Notify.InboxMaxPerUser)
	cfg.Notify.InboxRetention = getdur("INBOX_RETENTION", cfg.Notify.InboxRetention)
	cfg.Notify.SweepInterval = getdur("INBOX_SWEEP_INTERVAL", cfg.Notify.SweepInterval)
	cfg.Notify.Shards = getint("DISPATCH_SHARDS", cfg.Notify.Shards)

	cfg.Client.ReconnectStrategy = getenv("RECONNECT_STRATEGY", cfg.Client.ReconnectStrategy)
	cfg.Client.ReconnectDelay = getdur("RECONNECT_DELAY", cfg.Client.ReconnectDelay)
	cfg.Client.ReconnectMaxDelay = getdur("RECONNECT_MAX_DELAY", cfg.Client.ReconnectMaxDelay)
	return cfg, nil
}

// usesPostgres 判断当前配置是否需要数据库连接，空驱动视为 postgres。
func (c Config) usesPostgres() bool {
	return c.StoreDriver == "" || c.StoreDriver == "postgres" || c.FeedDriver == "" || c.FeedDriver == "postgres"
}

// Validate 在启动前拒绝明显不可用的配置。
func Validate(cfg Config) error {
	if cfg.Port == "" {
		return errors.New("APP_PORT must not be empty")
	}
	if cfg.usesPostgres() && cfg.DatabaseDSN == "" {
		return errors.New("DATABASE_DSN must not be empty")
	}
	if cfg.Env != "dev" && (cfg.JWTSecret == "" || cfg.JWTSecret == defaultJWTSecret) {
		return errors.New("JWT_SECRET must be set outside dev")
	}
	for _, d := range []string{cfg.StoreDriver, cfg.FeedDriver} {
		switch d {
		case "", "postgres", "memory":
		default:
			return fmt.Errorf("unknown driver %q", d)
		}
	}
	switch cfg.Client.ReconnectStrategy {
	case "", "fixed", "exponential":
	default:
		return fmt.Errorf("unknown reconnect strategy %q", cfg.Client.ReconnectStrategy)
	}
	if cfg.Chat.MaxSessions < 0 || cfg.Chat.MaxMessageLength < 0 || cfg.Notify.InboxMaxPerUser < 0 || cfg.Notify.Shards < 0 {
		return errors.New("limits must not be negative")
	}
	return nil
}
