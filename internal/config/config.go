package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Engine    EngineConfig    `mapstructure:"engine"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Notifier  NotifierConfig  `mapstructure:"notifier"`
	Logger    LoggerConfig    `mapstructure:"logger"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path            string        `mapstructure:"path"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsDir   string        `mapstructure:"migrations_dir"`
}

// EngineConfig holds workflow engine configuration
type EngineConfig struct {
	CASRetries int `mapstructure:"cas_retries"`
}

// SchedulerConfig holds deadline sweep configuration
type SchedulerConfig struct {
	Schedule    string        `mapstructure:"schedule"`
	Grace       time.Duration `mapstructure:"grace"`
	ReminderCap int           `mapstructure:"reminder_cap"`
	BatchSize   int           `mapstructure:"batch_size"`
}

// NotifierConfig holds outbound notification configuration. Mode "log"
// writes intents to the structured log; mode "lark" delivers them as
// Lark direct messages.
type NotifierConfig struct {
	Mode string     `mapstructure:"mode"`
	Lark LarkConfig `mapstructure:"lark"`
}

// LarkConfig holds Lark API credentials
type LarkConfig struct {
	AppID     string `mapstructure:"app_id"`
	AppSecret string `mapstructure:"app_secret"`
}

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level      string `mapstructure:"level"`
	OutputPath string `mapstructure:"output_path"`
	Format     string `mapstructure:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	bindEnvVars()

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "0.0.0.0")
	viper.SetDefault("server.port", 8080)
	viper.SetDefault("server.read_timeout", 30*time.Second)
	viper.SetDefault("server.write_timeout", 30*time.Second)

	// Database defaults
	viper.SetDefault("database.path", "data/approval.db")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	viper.SetDefault("database.migrations_dir", "migrations")

	// Engine defaults
	viper.SetDefault("engine.cas_retries", 3)

	// Scheduler defaults
	viper.SetDefault("scheduler.schedule", "@every 1m")
	viper.SetDefault("scheduler.grace", time.Minute)
	viper.SetDefault("scheduler.reminder_cap", 3)
	viper.SetDefault("scheduler.batch_size", 100)

	// Notifier defaults
	viper.SetDefault("notifier.mode", "log")

	// Logger defaults
	viper.SetDefault("logger.level", "info")
	viper.SetDefault("logger.output_path", "stdout")
	viper.SetDefault("logger.format", "json")
}

// bindEnvVars binds environment variables to configuration
func bindEnvVars() {
	// Sensitive credentials from environment
	viper.BindEnv("notifier.lark.app_id", "LARK_APP_ID")
	viper.BindEnv("notifier.lark.app_secret", "LARK_APP_SECRET")
	viper.BindEnv("database.path", "DATABASE_PATH")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	if c.Engine.CASRetries < 1 {
		return fmt.Errorf("engine.cas_retries must be at least 1")
	}

	if c.Scheduler.ReminderCap < 0 {
		return fmt.Errorf("scheduler.reminder_cap must not be negative")
	}
	if c.Scheduler.BatchSize < 1 {
		return fmt.Errorf("scheduler.batch_size must be at least 1")
	}

	switch c.Notifier.Mode {
	case "log":
	case "lark":
		if c.Notifier.Lark.AppID == "" {
			return fmt.Errorf("notifier.lark.app_id is required in lark mode")
		}
		if c.Notifier.Lark.AppSecret == "" {
			return fmt.Errorf("notifier.lark.app_secret is required in lark mode")
		}
	default:
		return fmt.Errorf("notifier.mode must be log or lark, got %q", c.Notifier.Mode)
	}

	return nil
}
