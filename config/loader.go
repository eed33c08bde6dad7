// Package config loads the masquerade configuration with Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation"
	"github.com/juanfont/masquerade/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment variable, e.g. MASQUERADE_LISTEN_ADDR.
const EnvPrefix = "MASQUERADE"

const (
	// JSONLogFormat indicates JSON log format.
	JSONLogFormat = "json"
	// TextLogFormat indicates text log format.
	TextLogFormat = "text"
)

// Session context backends.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Format     string        `mapstructure:"format"`
	Level      zerolog.Level `mapstructure:"level"`
	WithCaller bool          `mapstructure:"with_caller"`
}

// SessionConfig holds cookie session configuration.
type SessionConfig struct {
	AuthenticationKey string        `mapstructure:"authentication_key"`
	EncryptionKey     string        `mapstructure:"encryption_key"`
	CookieName        string        `mapstructure:"cookie_name"`
	CookieExpiry      time.Duration `mapstructure:"cookie_expiry"`
}

// Validate checks the session keys have the length securecookie expects.
func (c SessionConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.AuthenticationKey, validation.Required, validation.Length(32, 32)),
		validation.Field(&c.EncryptionKey, validation.Length(32, 32)),
		validation.Field(&c.CookieName, validation.Required),
	)
}

// DatabaseConfig holds database configuration.
type DatabaseConfig struct {
	Path              string `mapstructure:"path"`
	WriteAheadLog     bool   `mapstructure:"write_ahead_log"`
	WALAutoCheckPoint int    `mapstructure:"wal_autocheckpoint"`
}

// Validate checks the database settings.
func (c DatabaseConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.WALAutoCheckPoint, validation.Min(-1)),
	)
}

// RedisConfig holds the Redis connection used by the session context store
// and the task queue.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// WorkerConfig holds background worker configuration.
type WorkerConfig struct {
	Enabled     bool `mapstructure:"enabled"`
	Concurrency int  `mapstructure:"concurrency"`
}

// SessionStoreConfig selects where impersonation state lives.
type SessionStoreConfig struct {
	Backend string `mapstructure:"backend"`
}

// Validate checks the backend name.
func (c SessionStoreConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Backend, validation.Required, validation.In(BackendMemory, BackendRedis)),
	)
}

// ImpersonationConfig holds the impersonation policy.
type ImpersonationConfig struct {
	// Timeout ends sessions this long after they started. Zero disables it.
	Timeout          time.Duration `mapstructure:"timeout"`
	CapableRoles     []types.Role  `mapstructure:"capable_roles"`
	AllowPeerTargets bool          `mapstructure:"allow_peer_targets"`
	// ReconcileGrace is the minimum age of an unmatched start before it is
	// treated as orphaned. It must exceed the time between a start's audit
	// write and its session store on any instance.
	ReconcileGrace time.Duration `mapstructure:"reconcile_grace"`
	// SweepInterval repeats reconciliation while serving. Zero runs it only
	// at start-up.
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
}

// Validate checks the impersonation policy.
func (c ImpersonationConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
		validation.Field(&c.CapableRoles, validation.Required, validation.By(validRoles)),
		validation.Field(&c.ReconcileGrace, validation.Min(time.Duration(0))),
		validation.Field(&c.SweepInterval, validation.Min(time.Duration(0))),
	)
}

func validRoles(value interface{}) error {
	roles, _ := value.([]types.Role)
	for _, r := range roles {
		if !r.IsValid() {
			return fmt.Errorf("unknown role %q", r)
		}
	}
	return nil
}

// Config is the complete masquerade configuration.
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	Session       SessionConfig       `mapstructure:"session"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Worker        WorkerConfig        `mapstructure:"worker"`
	SessionStore  SessionStoreConfig  `mapstructure:"session_store"`
	Impersonation ImpersonationConfig `mapstructure:"impersonation"`
	Logging       LogConfig           `mapstructure:"logging"`
}

// Validate checks the settings needed to serve. The Redis address is only
// required when something uses Redis.
func (c *Config) Validate() error {
	err := validation.ValidateStruct(c,
		validation.Field(&c.ListenAddr, validation.Required),
		validation.Field(&c.Session),
		validation.Field(&c.Database),
		validation.Field(&c.SessionStore),
		validation.Field(&c.Impersonation),
	)
	if err != nil {
		return err
	}

	if c.SessionStore.Backend == BackendRedis || c.Worker.Enabled {
		if err := validation.Validate(c.Redis.Addr, validation.Required); err != nil {
			return fmt.Errorf("redis.addr: %w", err)
		}
	}
	if c.Worker.Enabled {
		if err := validation.Validate(c.Worker.Concurrency, validation.Required, validation.Min(1)); err != nil {
			return fmt.Errorf("worker.concurrency: %w", err)
		}
	}
	return nil
}

// LoaderConfig holds configuration for the config loader.
type LoaderConfig struct {
	// EnvPrefix is the prefix for environment variables (e.g., "MYAPP" -> MYAPP_LISTEN_ADDR).
	EnvPrefix string

	// ConfigPaths is a list of directories to search for config files.
	ConfigPaths []string

	// ConfigName is the name of the config file (without extension).
	ConfigName string

	// Defaults is a map of default values.
	Defaults map[string]interface{}
}

// DefaultLoaderConfig returns default loader configuration.
func DefaultLoaderConfig() *LoaderConfig {
	name := strings.ToLower(EnvPrefix)
	return &LoaderConfig{
		EnvPrefix:  EnvPrefix,
		ConfigName: "config",
		ConfigPaths: []string{
			fmt.Sprintf("/etc/%s/", name),
			fmt.Sprintf("$HOME/.%s", name),
			".",
		},
		Defaults: map[string]interface{}{
			"listen_addr":                      ":8080",
			"database.path":                    "masquerade.db",
			"database.write_ahead_log":         true,
			"database.wal_autocheckpoint":      1000,
			"session.cookie_name":              "masquerade_session",
			"session.cookie_expiry":            12 * time.Hour,
			"redis.addr":                       "localhost:6379",
			"redis.password":                   "",
			"redis.db":                         0,
			"worker.enabled":                   false,
			"worker.concurrency":               10,
			"session_store.backend":            BackendMemory,
			"impersonation.timeout":            30 * time.Minute,
			"impersonation.capable_roles":      []string{string(types.RoleAdmin), string(types.RoleSuperAdmin)},
			"impersonation.allow_peer_targets": false,
			"impersonation.reconcile_grace":    time.Minute,
			"impersonation.sweep_interval":     time.Minute,
			"logging.level":                    "info",
			"logging.format":                   TextLogFormat,
			"logging.with_caller":              false,
		},
	}
}

// Load reads configuration from file and environment variables.
// If configPath is empty, it searches in default paths and a missing file is
// not an error. If isFile is true, configPath is treated as a direct file path.
func Load(configPath string, isFile bool, cfg *LoaderConfig) error {
	if cfg == nil {
		cfg = DefaultLoaderConfig()
	}

	log.Debug().Msg("Loading configuration")

	if isFile {
		viper.SetConfigFile(configPath)
	} else {
		viper.SetConfigName(cfg.ConfigName)
		if configPath == "" {
			for _, path := range cfg.ConfigPaths {
				viper.AddConfigPath(path)
			}
		} else {
			viper.AddConfigPath(configPath)
		}
	}

	// Environment variable configuration
	viper.SetEnvPrefix(cfg.EnvPrefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Set defaults
	for key, value := range cfg.Defaults {
		viper.SetDefault(key, value)
	}

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if isFile || configPath != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("reading config file: %w", err)
		}
		log.Debug().Msg("No config file found, using defaults and environment")
		return nil
	}

	log.Debug().
		Str("config_file", viper.ConfigFileUsed()).
		Msg("Configuration loaded")

	return nil
}

// GetLogConfig returns the logging configuration from Viper.
func GetLogConfig() LogConfig {
	logLevelStr := viper.GetString("logging.level")
	logLevel, err := zerolog.ParseLevel(logLevelStr)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}

	logFormatOpt := viper.GetString("logging.format")
	var logFormat string
	switch logFormatOpt {
	case JSONLogFormat:
		logFormat = JSONLogFormat
	case TextLogFormat:
		logFormat = TextLogFormat
	case "":
		logFormat = TextLogFormat
	default:
		log.Warn().
			Str("format", logFormatOpt).
			Msg("Invalid log format, using text")
		logFormat = TextLogFormat
	}

	return LogConfig{
		Format:     logFormat,
		Level:      logLevel,
		WithCaller: viper.GetBool("logging.with_caller"),
	}
}

// capableRoles reads impersonation.capable_roles. Environment values may be
// separated by commas or spaces.
func capableRoles() []types.Role {
	var roles []types.Role
	for _, item := range viper.GetStringSlice("impersonation.capable_roles") {
		for _, name := range strings.Split(item, ",") {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			role, ok := types.ParseRole(name)
			if !ok {
				role = types.Role(name)
			}
			roles = append(roles, role)
		}
	}
	return roles
}

// Get returns the configuration from Viper. Call it after Load.
func Get() *Config {
	logConfig := GetLogConfig()
	zerolog.SetGlobalLevel(logConfig.Level)

	return &Config{
		ListenAddr: viper.GetString("listen_addr"),
		Logging:    logConfig,
		Database: DatabaseConfig{
			Path:              viper.GetString("database.path"),
			WriteAheadLog:     viper.GetBool("database.write_ahead_log"),
			WALAutoCheckPoint: viper.GetInt("database.wal_autocheckpoint"),
		},
		Redis: RedisConfig{
			Addr:     viper.GetString("redis.addr"),
			Password: viper.GetString("redis.password"),
			DB:       viper.GetInt("redis.db"),
		},
		Worker: WorkerConfig{
			Enabled:     viper.GetBool("worker.enabled"),
			Concurrency: viper.GetInt("worker.concurrency"),
		},
		Session: SessionConfig{
			CookieName:        viper.GetString("session.cookie_name"),
			CookieExpiry:      viper.GetDuration("session.cookie_expiry"),
			AuthenticationKey: viper.GetString("session.authentication_key"),
			EncryptionKey:     viper.GetString("session.encryption_key"),
		},
		SessionStore: SessionStoreConfig{
			Backend: strings.ToLower(viper.GetString("session_store.backend")),
		},
		Impersonation: ImpersonationConfig{
			Timeout:          viper.GetDuration("impersonation.timeout"),
			CapableRoles:     capableRoles(),
			AllowPeerTargets: viper.GetBool("impersonation.allow_peer_targets"),
			ReconcileGrace:   viper.GetDuration("impersonation.reconcile_grace"),
			SweepInterval:    viper.GetDuration("impersonation.sweep_interval"),
		},
	}
}
