package config

// Configuration loading for the club bot
// Sources in order of precedence: flags, env (with legacy aliases), .env, config.yaml, defaults

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config - root configuration
type Config struct {
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Webhook    WebhookConfig    `mapstructure:"webhook"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	TonAPI     TonAPIConfig     `mapstructure:"tonapi"`
	TonConnect TonConnectConfig `mapstructure:"tonconnect"`
	Club       ClubConfig       `mapstructure:"club"`
	Ingest     IngestConfig     `mapstructure:"ingest"`
	Log        LogConfig        `mapstructure:"log"`
}

type TelegramConfig struct {
	Token                 string  `mapstructure:"token"`
	APIBaseURL            string  `mapstructure:"api_base_url"` // Bot API endpoint, must contain two %s (token, method)
	ChatID                int64   `mapstructure:"chat_id"`      // target club chat
	AdminIDs              []int64 `mapstructure:"-"`            // parsed from telegram.admin_ids
	DeveloperChatID       int64   `mapstructure:"developer_chat_id"`
	EnableCallbackReplies bool    `mapstructure:"enable_callback_replies"`
	ConcurrentUpdates     int     `mapstructure:"concurrent_updates"` // max handlers in flight
	Mode                  string  `mapstructure:"mode"`               // polling or webhook
}

type WebhookConfig struct {
	URL       string `mapstructure:"url"`
	SecretKey string `mapstructure:"secret_key"`
	Host      string `mapstructure:"host"`
	Port      int    `mapstructure:"port"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // postgres or mysql
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns host:port for go-redis
func (r RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

type TonAPIConfig struct {
	BaseURL         string        `mapstructure:"base_url"`
	APIKey          string        `mapstructure:"api_key"`
	RateLimit       float64       `mapstructure:"rate_limit"` // requests per second
	Burst           int           `mapstructure:"burst"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	MaxResponseSize int64         `mapstructure:"max_response_size"`
}

type TonConnectConfig struct {
	ManifestURL    string        `mapstructure:"manifest_url"`
	WalletsListURL string        `mapstructure:"wallets_list_url"`
	WalletsTTL     time.Duration `mapstructure:"wallets_ttl"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
	TickInterval   time.Duration `mapstructure:"tick_interval"`
}

type ClubConfig struct {
	JettonMaster          string        `mapstructure:"jetton_master"`
	NftCollection         string        `mapstructure:"nft_collection"`
	JettonDecimals        int           `mapstructure:"jetton_decimals"`
	WhaleRankThreshold    int           `mapstructure:"whale_rank_threshold"`
	WhaleBalanceThreshold uint64        `mapstructure:"whale_balance_threshold"` // in whole tokens
	BanDuration           time.Duration `mapstructure:"ban_duration"`
	InviteExpiry          time.Duration `mapstructure:"invite_expiry"`
}

type IngestConfig struct {
	JettonInterval        time.Duration `mapstructure:"jetton_interval"`
	JettonFirstRun        time.Duration `mapstructure:"jetton_first_run"`
	NftEnabled            bool          `mapstructure:"nft_enabled"`
	NftInterval           time.Duration `mapstructure:"nft_interval"`
	NftFirstRun           time.Duration `mapstructure:"nft_first_run"`
	PageSize              int           `mapstructure:"page_size"`
	JettonWindow          time.Duration `mapstructure:"jetton_window"`
	NftWindow             time.Duration `mapstructure:"nft_window"`
	NftMinCollectionSize  int           `mapstructure:"nft_min_collection_size"`
	MaxRetries            uint64        `mapstructure:"max_retries"`
	InitialBackoff        time.Duration `mapstructure:"initial_backoff"`
	MaxBackoff            time.Duration `mapstructure:"max_backoff"`
	MaxElapsedPerPage     time.Duration `mapstructure:"max_elapsed_per_page"`
}

type LogConfig struct {
	Level     string `mapstructure:"level"`
	Dir       string `mapstructure:"dir"`
	SentryDSN string `mapstructure:"sentry_dsn"`
	Env       string `mapstructure:"env"`
}

// RegisterFlags adds override flags to the given set (usually cobra persistent flags)
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to config.yaml (default ./config.yaml)")
	fs.String("telegram.mode", "polling", "Update delivery: polling or webhook (env: TELEGRAM_MODE)")
	fs.String("log.level", "info", "Log level: debug, info, warn, error (env: LOG_LEVEL)")
	fs.Bool("ingest.nft_enabled", false, "Schedule NFT ownership ingestion (env: NFT_INGEST_ENABLED)")
}

// LoadConfig builds Config from defaults, config.yaml, .env, environment and flags.
// flags may be nil.
func LoadConfig(flags *pflag.FlagSet) (*Config, error) {
	// Missing .env is fine
	_ = godotenv.Load(".env")

	v := viper.New()

	setDefaults(v)

	v.SetConfigType("yaml")
	if path := configPath(flags); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		_ = v.ReadInConfig() // optional
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setupEnvAliases(v)

	if flags != nil {
		if err := bindChangedFlags(v, flags); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	ids, err := parseIDList(v.GetString("telegram.admin_ids"))
	if err != nil {
		return nil, fmt.Errorf("invalid telegram.admin_ids: %w", err)
	}
	cfg.Telegram.AdminIDs = ids

	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func configPath(flags *pflag.FlagSet) string {
	if flags == nil {
		return ""
	}
	f := flags.Lookup("config")
	if f == nil {
		return ""
	}
	return f.Value.String()
}

// bindChangedFlags binds only flags the user actually set so flag defaults
// never shadow values from env or config.yaml
func bindChangedFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var bindErr error
	flags.Visit(func(f *pflag.Flag) {
		if f.Name == "config" || bindErr != nil {
			return
		}
		bindErr = v.BindPFlag(f.Name, f)
	})
	return bindErr
}

func setupEnvAliases(v *viper.Viper) {
	// Names used by the existing deployment

	// Telegram
	v.BindEnv("telegram.token", "TELEGRAM_BOT_TOKEN")
	v.BindEnv("telegram.api_base_url", "TELEGRAM_API_BASE_URL")
	v.BindEnv("telegram.chat_id", "TARGET_COMMON_CHAT_ID")
	v.BindEnv("telegram.admin_ids", "ADMIN_IDS")
	v.BindEnv("telegram.developer_chat_id", "DEVELOPER_CHAT_ID")
	v.BindEnv("telegram.enable_callback_replies", "ENABLE_CALLBACK_REPLIES")
	v.BindEnv("telegram.concurrent_updates", "CONCURRENT_UPDATES")
	v.BindEnv("telegram.mode", "TELEGRAM_MODE")

	// Webhook
	v.BindEnv("webhook.url", "WEBHOOK_URL")
	v.BindEnv("webhook.secret_key", "WEBHOOK_SECRET_KEY")
	v.BindEnv("webhook.host", "WEBHOOK_HOST")
	v.BindEnv("webhook.port", "WEBHOOK_PORT")

	// Database - MYSQL_* kept for the legacy compose file
	v.BindEnv("database.driver", "DATABASE_DRIVER")
	v.BindEnv("database.host", "DATABASE_HOST", "MYSQL_HOST")
	v.BindEnv("database.port", "DATABASE_PORT", "MYSQL_PORT")
	v.BindEnv("database.user", "DATABASE_USER", "MYSQL_USER")
	v.BindEnv("database.password", "DATABASE_PASSWORD", "MYSQL_PASSWORD")
	v.BindEnv("database.dbname", "DATABASE_NAME", "MYSQL_DATABASE")
	v.BindEnv("database.sslmode", "DATABASE_SSLMODE")

	// Redis
	v.BindEnv("redis.host", "REDIS_HOST")
	v.BindEnv("redis.port", "REDIS_PORT")
	v.BindEnv("redis.password", "REDIS_PASSWORD")
	v.BindEnv("redis.db", "REDIS_DB")

	// TonAPI / TON Connect
	v.BindEnv("tonapi.api_key", "TON_API_KEY")
	v.BindEnv("tonapi.base_url", "TON_API_BASE_URL")
	v.BindEnv("tonconnect.manifest_url", "TC_MANIFEST_URL")
	v.BindEnv("tonconnect.connect_timeout", "CONNECT_TIMEOUT")

	// Club policy
	v.BindEnv("club.jetton_master", "TARGET_JETTON_MASTER")
	v.BindEnv("club.nft_collection", "TARGET_NFT_COLLECTION_ADDRESS")
	v.BindEnv("club.whale_rank_threshold", "WHALE_RATING_THRESHOLD")
	v.BindEnv("club.whale_balance_threshold", "WHALE_BALANCE_THRESHOLD")
	v.BindEnv("club.invite_expiry", "INVITE_EXPIRY")

	// Ingestion
	v.BindEnv("ingest.nft_enabled", "NFT_INGEST_ENABLED")

	// Logging
	v.BindEnv("log.level", "LOG_LEVEL")
	v.BindEnv("log.dir", "LOG_DIR")
	v.BindEnv("log.sentry_dsn", "SENTRY_DSN")
	v.BindEnv("log.env", "APP_ENV")
}

// setDefaults by default
func setDefaults(v *viper.Viper) {
	// Telegram
	v.SetDefault("telegram.token", "")
	v.SetDefault("telegram.api_base_url", "https://api.telegram.org/bot%s/%s")
	v.SetDefault("telegram.chat_id", 0)
	v.SetDefault("telegram.admin_ids", "")
	v.SetDefault("telegram.developer_chat_id", 0)
	v.SetDefault("telegram.enable_callback_replies", false)
	v.SetDefault("telegram.concurrent_updates", 256)
	v.SetDefault("telegram.mode", "polling")

	// Webhook
	v.SetDefault("webhook.url", "")
	v.SetDefault("webhook.secret_key", "")
	v.SetDefault("webhook.host", "0.0.0.0")
	v.SetDefault("webhook.port", 8443)

	// Database
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "club")
	v.SetDefault("database.password", "")
	v.SetDefault("database.dbname", "club")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.conn_max_idle_time", "5m")

	// Redis
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// TonAPI
	v.SetDefault("tonapi.base_url", "https://tonapi.io")
	v.SetDefault("tonapi.api_key", "")
	v.SetDefault("tonapi.rate_limit", 1.0)
	v.SetDefault("tonapi.burst", 1)
	v.SetDefault("tonapi.request_timeout", "30s")
	v.SetDefault("tonapi.max_response_size", 32*1024*1024) // 32MB, a 1000 item NFT page is large

	// TON Connect
	v.SetDefault("tonconnect.manifest_url", "")
	v.SetDefault("tonconnect.wallets_list_url", "https://raw.githubusercontent.com/ton-blockchain/wallets-list/main/wallets-v2.json")
	v.SetDefault("tonconnect.wallets_ttl", "10m")
	v.SetDefault("tonconnect.connect_timeout", "180s")
	v.SetDefault("tonconnect.tick_interval", "1s")

	// Club
	v.SetDefault("club.jetton_master", "")
	v.SetDefault("club.nft_collection", "")
	v.SetDefault("club.jetton_decimals", 9)
	v.SetDefault("club.whale_rank_threshold", 90)
	v.SetDefault("club.whale_balance_threshold", 1_000_000)
	v.SetDefault("club.ban_duration", "60s")
	v.SetDefault("club.invite_expiry", "10m")

	// Ingestion
	v.SetDefault("ingest.jetton_interval", "60m")
	v.SetDefault("ingest.jetton_first_run", "30m")
	v.SetDefault("ingest.nft_enabled", false)
	v.SetDefault("ingest.nft_interval", "60m")
	v.SetDefault("ingest.nft_first_run", "2s")
	v.SetDefault("ingest.page_size", 1000)
	v.SetDefault("ingest.jetton_window", "1s")
	v.SetDefault("ingest.nft_window", "2s")
	v.SetDefault("ingest.nft_min_collection_size", 136_000)
	v.SetDefault("ingest.max_retries", 8)
	v.SetDefault("ingest.initial_backoff", "2s")
	v.SetDefault("ingest.max_backoff", "1m")
	v.SetDefault("ingest.max_elapsed_per_page", "15m")

	// Logging
	v.SetDefault("log.level", "info")
	v.SetDefault("log.dir", "logs")
	v.SetDefault("log.sentry_dsn", "")
	v.SetDefault("log.env", "production")
}

func parseIDList(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse %q: %w", part, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Telegram.Token == "" {
		return fmt.Errorf("telegram.token is required (env: TELEGRAM_BOT_TOKEN)")
	}
	if cfg.Telegram.ChatID == 0 {
		return fmt.Errorf("telegram.chat_id is required (env: TARGET_COMMON_CHAT_ID)")
	}
	switch cfg.Telegram.Mode {
	case "polling":
	case "webhook":
		if cfg.Webhook.URL == "" {
			return fmt.Errorf("webhook.url is required in webhook mode")
		}
	default:
		return fmt.Errorf("telegram.mode must be polling or webhook, got %q", cfg.Telegram.Mode)
	}
	switch cfg.Database.Driver {
	case "postgres", "mysql":
	default:
		return fmt.Errorf("database.driver must be postgres or mysql, got %q", cfg.Database.Driver)
	}
	if cfg.Club.JettonMaster == "" {
		return fmt.Errorf("club.jetton_master is required (env: TARGET_JETTON_MASTER)")
	}
	if cfg.Club.NftCollection == "" {
		return fmt.Errorf("club.nft_collection is required (env: TARGET_NFT_COLLECTION_ADDRESS)")
	}
	if cfg.TonConnect.ManifestURL == "" {
		return fmt.Errorf("tonconnect.manifest_url is required (env: TC_MANIFEST_URL)")
	}
	if cfg.Telegram.ConcurrentUpdates <= 0 {
		return fmt.Errorf("telegram.concurrent_updates must be positive")
	}
	if cfg.Ingest.PageSize <= 0 {
		return fmt.Errorf("ingest.page_size must be positive")
	}
	return nil
}
