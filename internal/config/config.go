// Package config loads process configuration from an optional .env file,
// a YAML file and the environment.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/models"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config holds the configuration for the orchestrator.
type Config struct {
	DB        DBConfig        `mapstructure:"db"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Log       LogConfig       `mapstructure:"log"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Directory DirectoryConfig `mapstructure:"directory"`
}

type DBConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

type HTTPConfig struct {
	Port int `mapstructure:"port"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type SchedulerConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	BatchSize    int           `mapstructure:"batch_size"`
	Workers      int           `mapstructure:"workers"`
	FireTimeout  time.Duration `mapstructure:"fire_timeout"`
	Retries      int           `mapstructure:"retries"`
	Lease        time.Duration `mapstructure:"lease"`
}

type EngineConfig struct {
	MaxRetries             int      `mapstructure:"max_retries"`
	DefaultEscalationRoles []string `mapstructure:"default_escalation_roles"`
	AdminRoles             []string `mapstructure:"admin_roles"`
	DefinitionsFile        string   `mapstructure:"definitions_file"` // Empty means the embedded definitions
}

type CacheConfig struct {
	Backend string        `mapstructure:"backend"` // lru, redis or none
	Size    int           `mapstructure:"size"`
	TTL     time.Duration `mapstructure:"ttl"`
	Redis   RedisConfig   `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type NotifyConfig struct {
	Log     bool          `mapstructure:"log"`
	SMTP    SMTPConfig    `mapstructure:"smtp"`
	Webhook WebhookConfig `mapstructure:"webhook"`
}

type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	From     string `mapstructure:"from"`
}

type WebhookConfig struct {
	URL           string        `mapstructure:"url"`
	Timeout       time.Duration `mapstructure:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
}

type DirectoryConfig struct {
	Backend string       `mapstructure:"backend"` // static or postgres
	Users   []UserConfig `mapstructure:"users"`
}

type UserConfig struct {
	ID             string   `mapstructure:"id"`
	Name           string   `mapstructure:"name"`
	Email          string   `mapstructure:"email"`
	OrganizationID string   `mapstructure:"organization_id"`
	Roles          []string `mapstructure:"roles"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.username", "")
	v.SetDefault("db.password", "")
	v.SetDefault("db.name", "partnerflow")
	v.SetDefault("db.sslmode", "disable")

	v.SetDefault("http.port", 8080)

	v.SetDefault("log.level", "INFO")
	v.SetDefault("log.format", "text")

	v.SetDefault("scheduler.poll_interval", 30*time.Second)
	v.SetDefault("scheduler.batch_size", 100)
	v.SetDefault("scheduler.workers", 4)
	v.SetDefault("scheduler.fire_timeout", 60*time.Second)
	v.SetDefault("scheduler.retries", 3)
	v.SetDefault("scheduler.lease", 5*time.Minute)

	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.default_escalation_roles", []string{"admin", "super_admin"})
	v.SetDefault("engine.admin_roles", []string{"admin"})
	v.SetDefault("engine.definitions_file", "")

	v.SetDefault("cache.backend", "lru")
	v.SetDefault("cache.size", 1024)
	v.SetDefault("cache.ttl", 5*time.Minute)
	v.SetDefault("cache.redis.addr", "localhost:6379")
	v.SetDefault("cache.redis.password", "")
	v.SetDefault("cache.redis.db", 0)
	v.SetDefault("cache.redis.prefix", "partnerflow:instance:")

	v.SetDefault("notify.log", true)
	v.SetDefault("notify.smtp.host", "")
	v.SetDefault("notify.smtp.port", 587)
	v.SetDefault("notify.smtp.username", "")
	v.SetDefault("notify.smtp.password", "")
	v.SetDefault("notify.smtp.from", "")
	v.SetDefault("notify.webhook.url", "")
	v.SetDefault("notify.webhook.timeout", 10*time.Second)
	v.SetDefault("notify.webhook.rate_per_second", 5.0)
	v.SetDefault("notify.webhook.burst", 10)

	v.SetDefault("directory.backend", "static")
	v.SetDefault("directory.users", []interface{}{})
}

// Load reads configuration. When path is empty, config.yaml is looked up in
// "." and "./configs" and a missing file is not an error. Environment
// variables override file values, e.g. DB_HOST for db.host.
func Load(path string) (*Config, error) {
	// Load .env if present
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	switch c.Cache.Backend {
	case "lru", "redis", "none":
	default:
		return errors.Errorf("cache.backend must be lru, redis or none, got %q", c.Cache.Backend)
	}
	switch c.Directory.Backend {
	case "static", "postgres":
	default:
		return errors.Errorf("directory.backend must be static or postgres, got %q", c.Directory.Backend)
	}
	if c.Scheduler.PollInterval <= 0 {
		return errors.New("scheduler.poll_interval must be positive")
	}
	if c.HTTP.Port <= 0 {
		return errors.New("http.port must be positive")
	}
	for i, u := range c.Directory.Users {
		if u.ID == "" {
			return errors.Errorf("directory.users[%d] has no id", i)
		}
	}
	return nil
}

// DSN builds the PostgreSQL connection URL.
func (c DBConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(c.Username, c.Password),
		Host:     fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:     "/" + c.Name,
		RawQuery: "sslmode=" + url.QueryEscape(c.SSLMode),
	}
	return u.String()
}

// DSN is a shortcut for c.DB.DSN().
func (c *Config) DSN() string {
	return c.DB.DSN()
}

// StaticUsers converts the configured directory users.
func (c DirectoryConfig) StaticUsers() []models.User {
	users := make([]models.User, 0, len(c.Users))
	for _, u := range c.Users {
		users = append(users, models.User{
			ID:             u.ID,
			Name:           u.Name,
			Email:          u.Email,
			OrganizationID: u.OrganizationID,
			Roles:          append([]string{}, u.Roles...),
		})
	}
	return users
}
