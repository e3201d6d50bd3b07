package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"frenchmentor/internal/journal"
	"frenchmentor/internal/ledger"
	"frenchmentor/internal/models"
	"frenchmentor/internal/session"
)

// EnvPrefix prefixes every environment override, e.g.
// FRENCHMENTOR_BASIC_CONFIG_SERVER_ADDRESS.
const EnvPrefix = "FRENCHMENTOR"

// Config represents runtime configuration for the service.
type Config struct {
	BasicConfig BasicConfig               `mapstructure:"basic_config"`
	Databases   DatabaseConfig            `mapstructure:"databases"`
	Redis       RedisConfig               `mapstructure:"redis"`
	Providers   map[string]ProviderConfig `mapstructure:"providers"`
	Tutor       TutorConfig               `mapstructure:"tutor"`
	Economy     EconomyConfig             `mapstructure:"economy"`
	Scoring     ScoringConfig             `mapstructure:"scoring"`
	Persistence PersistenceConfig         `mapstructure:"persistence"`
	Log         LogConfig                 `mapstructure:"log"`
}

type BasicConfig struct {
	ServerAddress string `mapstructure:"server_address"`
	// Mode is gin's mode: debug, release or test.
	Mode string `mapstructure:"mode"`
}

type DatabaseConfig struct {
	Driver string `mapstructure:"driver"`
	// Path is the sqlite file; relative paths resolve against the config file.
	Path string `mapstructure:"path"`
	DSN  string `mapstructure:"dsn"`
}

// RedisConfig is optional; an empty Addr disables the cache and sync.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	Channel  string        `mapstructure:"channel"`
}

type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url"`
	Model   string `mapstructure:"model"`
	APIKey  string `mapstructure:"api_key"`
}

type TutorConfig struct {
	Provider       string        `mapstructure:"provider"`
	Model          string        `mapstructure:"model"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	Backoff        time.Duration `mapstructure:"backoff"`
	Timeout        time.Duration `mapstructure:"timeout"`
	RefundOnCancel bool          `mapstructure:"refund_on_cancel"`
	Language       string        `mapstructure:"language"`
}

type EconomyConfig struct {
	FreeCost    int           `mapstructure:"free_cost"`
	ProCost     int           `mapstructure:"pro_cost"`
	FreeCap     int           `mapstructure:"free_cap"`
	ProCap      int           `mapstructure:"pro_cap"`
	FreeWindow  time.Duration `mapstructure:"free_window"`
	ProWindow   time.Duration `mapstructure:"pro_window"`
	DefaultTier string        `mapstructure:"default_tier"`
}

type ScoringConfig struct {
	Floor             int `mapstructure:"floor"`
	PerMistakePenalty int `mapstructure:"per_mistake_penalty"`
}

// PersistenceConfig tunes the write-behind snapshot writers.
type PersistenceConfig struct {
	Writers     int           `mapstructure:"writers"`
	SaveTimeout time.Duration `mapstructure:"save_timeout"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
	// Format is json or console.
	Format string `mapstructure:"format"`
}

func setDefaults(v *viper.Viper) {
	policy := ledger.DefaultPolicy()
	sess := session.DefaultConfig()

	v.SetDefault("basic_config.server_address", ":8080")
	v.SetDefault("basic_config.mode", "release")
	v.SetDefault("databases.driver", "sqlite3")
	v.SetDefault("databases.path", "frenchmentor.db")
	v.SetDefault("databases.dsn", "")
	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.cache_ttl", "30m")
	v.SetDefault("redis.channel", "mentor:sync")
	v.SetDefault("tutor.provider", "gemini")
	v.SetDefault("tutor.model", "")
	v.SetDefault("tutor.max_attempts", sess.MaxAttempts)
	v.SetDefault("tutor.backoff", sess.Backoff.String())
	v.SetDefault("tutor.timeout", "60s")
	v.SetDefault("tutor.refund_on_cancel", sess.RefundOnCancel)
	v.SetDefault("tutor.language", string(sess.Language))
	v.SetDefault("economy.free_cost", policy.FreeCost)
	v.SetDefault("economy.pro_cost", policy.ProCost)
	v.SetDefault("economy.free_cap", policy.FreeCap)
	v.SetDefault("economy.pro_cap", policy.ProCap)
	v.SetDefault("economy.free_window", policy.FreeWindow.String())
	v.SetDefault("economy.pro_window", policy.ProWindow.String())
	v.SetDefault("economy.default_tier", string(models.TierFree))
	v.SetDefault("scoring.floor", journal.AccuracyFloor)
	v.SetDefault("scoring.per_mistake_penalty", journal.MistakePenalty)
	v.SetDefault("persistence.writers", 2)
	v.SetDefault("persistence.save_timeout", "5s")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
}

// Load reads configuration from the provided path (defaults to config.json).
// A missing default file is tolerated; defaults and environment overrides
// still apply.
func Load(path string) (*Config, error) {
	explicit := path != ""
	if !explicit {
		path = "config.json"
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(absPath)
	v.SetConfigType("json")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if explicit || !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read config %s: %w", absPath, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Databases.Driver == "sqlite3" && !filepath.IsAbs(cfg.Databases.Path) {
		cfg.Databases.Path = filepath.Join(filepath.Dir(absPath), cfg.Databases.Path)
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	c.Databases.Driver = strings.ToLower(strings.TrimSpace(c.Databases.Driver))
	if c.Databases.Driver == "sqlite" {
		c.Databases.Driver = "sqlite3"
	}
	switch c.Databases.Driver {
	case "sqlite3":
		if c.Databases.Path == "" {
			return fmt.Errorf("databases.path must be configured for sqlite3")
		}
	case "mysql":
		if c.Databases.DSN == "" {
			return fmt.Errorf("databases.dsn must be configured for mysql")
		}
	default:
		return fmt.Errorf("unsupported database driver %q", c.Databases.Driver)
	}
	if !models.Tier(c.Economy.DefaultTier).Valid() {
		return fmt.Errorf("invalid economy.default_tier %q", c.Economy.DefaultTier)
	}
	if !models.Language(c.Tutor.Language).Valid() {
		return fmt.Errorf("invalid tutor.language %q", c.Tutor.Language)
	}
	if c.Economy.FreeCost < 0 || c.Economy.ProCost < 0 {
		return fmt.Errorf("economy costs must not be negative")
	}
	if c.Economy.FreeCap < 0 || c.Economy.ProCap < 0 {
		return fmt.Errorf("economy caps must not be negative")
	}
	if c.Economy.FreeWindow <= 0 || c.Economy.ProWindow <= 0 {
		return fmt.Errorf("economy refill windows must be positive")
	}
	if c.Persistence.Writers < 1 {
		return fmt.Errorf("persistence.writers must be at least 1")
	}
	return nil
}

// Provider returns the settings of the configured tutor provider. The API
// key falls back to <PROVIDER>_API_KEY from the environment.
func (c *Config) Provider() (string, ProviderConfig, bool) {
	name := c.Tutor.Provider
	prov, ok := c.Providers[name]
	if prov.APIKey == "" {
		prov.APIKey = os.Getenv(strings.ToUpper(name) + "_API_KEY")
	}
	if c.Tutor.Model != "" {
		prov.Model = c.Tutor.Model
	}
	return name, prov, ok || prov.APIKey != ""
}

func (e EconomyConfig) Policy() ledger.Policy {
	return ledger.Policy{
		FreeCost:   e.FreeCost,
		ProCost:    e.ProCost,
		FreeCap:    e.FreeCap,
		ProCap:     e.ProCap,
		FreeWindow: e.FreeWindow,
		ProWindow:  e.ProWindow,
	}
}

func (s ScoringConfig) Scoring() journal.Scoring {
	return journal.Scoring{Floor: s.Floor, PerMistakePenalty: s.PerMistakePenalty}
}

// Session builds the per-learner session configuration.
func (c *Config) Session() session.Config {
	cfg := session.DefaultConfig()
	cfg.Policy = c.Economy.Policy()
	cfg.Scoring = c.Scoring.Scoring()
	cfg.Tier = models.Tier(c.Economy.DefaultTier)
	cfg.Language = models.Language(c.Tutor.Language)
	cfg.MaxAttempts = c.Tutor.MaxAttempts
	cfg.Backoff = c.Tutor.Backoff
	cfg.RefundOnCancel = c.Tutor.RefundOnCancel
	return cfg
}
