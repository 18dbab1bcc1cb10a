package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const defaultConfigFile = "config.yaml"

type Config struct {
	Database DatabaseConfig `yaml:"database"`
	Telegram TelegramConfig `yaml:"telegram"`
	Engine   EngineConfig   `yaml:"engine"`
	HTTP     HTTPConfig     `yaml:"http"`
	Redis    RedisConfig    `yaml:"redis"`
	AMQP     AMQPConfig     `yaml:"amqp"`
	AI       AIConfig       `yaml:"ai"`
	Log      LogConfig      `yaml:"log"`

	loc *time.Location
}

type DatabaseConfig struct {
	URI        string `yaml:"uri"` // PostgreSQL; empty selects SQLite
	SQLitePath string `yaml:"sqlite_path"`
}

type TelegramConfig struct {
	Token    string  `yaml:"token"`
	AdminIDs []int64 `yaml:"admin_ids"`
}

// EngineConfig holds the scheduling constants. They do not change after
// Load.
type EngineConfig struct {
	RetryIntervalMinutes int           `yaml:"retry_interval_minutes"`
	MaxRetryCount        int           `yaml:"max_retry_count"`
	PollInterval         time.Duration `yaml:"poll_interval"`
	StatsDays            int           `yaml:"stats_days"`
	DeliveryTimeout      time.Duration `yaml:"delivery_timeout"`
	DeliveryWorkers      int           `yaml:"delivery_workers"`
	Timezone             string        `yaml:"timezone"`
}

type HTTPConfig struct {
	Addr string `yaml:"addr"` // empty disables the HTTP adapter
}

type RedisConfig struct {
	Addr       string        `yaml:"addr"` // empty keeps sessions in memory
	Password   string        `yaml:"password"`
	DB         int           `yaml:"db"`
	SessionTTL time.Duration `yaml:"session_ttl"`
}

type AMQPConfig struct {
	URL      string `yaml:"url"`
	Exchange string `yaml:"exchange"`
}

type AIConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // console or json
	File   string `yaml:"file"`
}

func Default() *Config {
	return &Config{
		Database: DatabaseConfig{SQLitePath: "loopmatic.db"},
		Engine: EngineConfig{
			RetryIntervalMinutes: 10,
			MaxRetryCount:        3,
			PollInterval:         10 * time.Second,
			StatsDays:            7,
			DeliveryTimeout:      15 * time.Second,
			DeliveryWorkers:      4,
			Timezone:             "Local",
		},
		HTTP:  HTTPConfig{Addr: ":8080"},
		Redis: RedisConfig{SessionTTL: 10 * time.Minute},
		AMQP:  AMQPConfig{Exchange: "loopmatic.events"},
		AI: AIConfig{
			BaseURL: "https://openrouter.ai/api/v1",
			Model:   "openai/gpt-4o-mini",
		},
		Log: LogConfig{Level: "info", Format: "console"},
	}
}

// Load reads .env, then the YAML file at path, then the environment. An
// empty path falls back to CONFIG_FILE or config.yaml, which may be absent.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		// .env file is optional in production
	}

	explicit := path != ""
	if !explicit {
		path = getEnvOrDefault("CONFIG_FILE", defaultConfigFile)
		explicit = os.Getenv("CONFIG_FILE") != ""
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	overrideString(&c.Database.URI, "DATABASE_URI")
	overrideString(&c.Database.SQLitePath, "SQLITE_PATH")
	overrideString(&c.Telegram.Token, "TELEGRAM_TOKEN")
	overrideString(&c.Engine.Timezone, "TIMEZONE")
	overrideString(&c.HTTP.Addr, "HTTP_ADDR")
	overrideString(&c.Redis.Addr, "REDIS_ADDR")
	overrideString(&c.Redis.Password, "REDIS_PASSWORD")
	overrideString(&c.AMQP.URL, "AMQP_URL")
	overrideString(&c.AMQP.Exchange, "AMQP_EXCHANGE")
	overrideString(&c.AI.APIKey, "AI_API_KEY")
	overrideString(&c.AI.BaseURL, "AI_BASE_URL")
	overrideString(&c.AI.Model, "AI_MODEL")
	overrideString(&c.Log.Level, "LOG_LEVEL")
	overrideString(&c.Log.Format, "LOG_FORMAT")
	overrideString(&c.Log.File, "LOG_FILE")

	if v := os.Getenv("ADMIN_IDS"); v != "" {
		ids, err := parseIDs(v)
		if err != nil {
			return fmt.Errorf("invalid ADMIN_IDS: %w", err)
		}
		c.Telegram.AdminIDs = ids
	}

	for key, dst := range map[string]*int{
		"RETRY_INTERVAL_MINUTES": &c.Engine.RetryIntervalMinutes,
		"MAX_RETRY_COUNT":        &c.Engine.MaxRetryCount,
		"STATS_DAYS":             &c.Engine.StatsDays,
		"DELIVERY_WORKERS":       &c.Engine.DeliveryWorkers,
		"REDIS_DB":               &c.Redis.DB,
	} {
		if err := overrideInt(dst, key); err != nil {
			return err
		}
	}
	for key, dst := range map[string]*time.Duration{
		"POLL_INTERVAL":    &c.Engine.PollInterval,
		"DELIVERY_TIMEOUT": &c.Engine.DeliveryTimeout,
		"SESSION_TTL":      &c.Redis.SessionTTL,
	} {
		if err := overrideDuration(dst, key); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) Validate() error {
	e := c.Engine
	switch {
	case e.RetryIntervalMinutes <= 0:
		return errors.New("retry interval must be positive")
	case e.MaxRetryCount < 0:
		return errors.New("max retry count must not be negative")
	case e.PollInterval <= 0:
		return errors.New("poll interval must be positive")
	case e.StatsDays <= 0:
		return errors.New("stats window must be positive")
	case e.DeliveryTimeout <= 0:
		return errors.New("delivery timeout must be positive")
	case e.DeliveryWorkers <= 0:
		return errors.New("delivery workers must be positive")
	}
	loc, err := time.LoadLocation(e.Timezone)
	if err != nil {
		return fmt.Errorf("invalid timezone %q: %w", e.Timezone, err)
	}
	c.loc = loc
	return nil
}

// Location is the zone in which times of day and calendar days are read.
func (c *Config) Location() *time.Location {
	if c.loc == nil {
		return time.Local
	}
	return c.loc
}

func (c *Config) RetryInterval() time.Duration {
	return time.Duration(c.Engine.RetryIntervalMinutes) * time.Minute
}

func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Telegram.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func overrideString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func overrideInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func overrideDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func parseIDs(s string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
