package config

import (
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config 服务配置（config.yaml + NEWSFEED_ 环境变量覆盖）
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Stream   StreamConfig   `mapstructure:"stream"`
	Clients  ClientsConfig  `mapstructure:"clients"`
	Feed     FeedConfig     `mapstructure:"feed"`
	Sentry   SentryConfig   `mapstructure:"sentry"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

type ServerConfig struct {
	Addr      string `mapstructure:"addr" validate:"required"`
	Mode      string `mapstructure:"mode"`
	JWTSecret string `mapstructure:"jwt_secret"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn" validate:"required"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr" validate:"required"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type StreamConfig struct {
	Group          string        `mapstructure:"group" validate:"required"`
	Consumer       string        `mapstructure:"consumer"`
	BlockTimeout   time.Duration `mapstructure:"block_timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
	HandlerWorkers int           `mapstructure:"handler_workers"`
}

type ClientsConfig struct {
	GraphURL     string        `mapstructure:"graph_url" validate:"required"`
	PostURL      string        `mapstructure:"post_url" validate:"required"`
	Timeout      time.Duration `mapstructure:"timeout"`
	ServiceToken string        `mapstructure:"service_token"`
	PageSize     int           `mapstructure:"page_size"`
}

type FeedConfig struct {
	CelebrityThreshold      int           `mapstructure:"celebrity_threshold" validate:"gt=0"`
	MaxFeedItems            int           `mapstructure:"max_feed_items" validate:"gt=0"`
	CacheTTL                time.Duration `mapstructure:"cache_ttl"`
	DefaultPageSize         int           `mapstructure:"default_page_size"`
	MaxPageSize             int           `mapstructure:"max_page_size"`
	RebuildFolloweeCap      int           `mapstructure:"rebuild_followee_cap"`
	RebuildPostsPerFollowee int           `mapstructure:"rebuild_posts_per_followee"`
	GraphPageRate           float64       `mapstructure:"graph_page_rate"`
}

type SentryConfig struct {
	DSN string `mapstructure:"dsn"`
}

type TracingConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Endpoint string `mapstructure:"endpoint"`
}

// Load reads config.yaml from the working directory (optional) and merges
// NEWSFEED_ environment overrides on top of the defaults.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	setDefaults(v)

	v.SetEnvPrefix("NEWSFEED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// 配置文件缺省时仅用默认值 + 环境变量
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := validator.New().Struct(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8004")
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.jwt_secret", "change-me")

	v.SetDefault("database.dsn", "host=localhost user=postgres password=postgres dbname=newsfeed port=5432 sslmode=disable")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 1)

	v.SetDefault("stream.group", "newsfeed-service")
	v.SetDefault("stream.consumer", "")
	v.SetDefault("stream.block_timeout", 5*time.Second)
	v.SetDefault("stream.max_retries", 3)
	v.SetDefault("stream.retry_backoff", 200*time.Millisecond)
	v.SetDefault("stream.handler_workers", 4)

	v.SetDefault("clients.graph_url", "http://localhost:8003")
	v.SetDefault("clients.post_url", "http://localhost:8002")
	v.SetDefault("clients.timeout", 10*time.Second)
	v.SetDefault("clients.page_size", 100)

	v.SetDefault("feed.celebrity_threshold", 100000)
	v.SetDefault("feed.max_feed_items", 500)
	v.SetDefault("feed.cache_ttl", 5*time.Minute)
	v.SetDefault("feed.default_page_size", 20)
	v.SetDefault("feed.max_page_size", 100)
	v.SetDefault("feed.rebuild_followee_cap", 100)
	v.SetDefault("feed.rebuild_posts_per_followee", 10)
	v.SetDefault("feed.graph_page_rate", 200)
}
