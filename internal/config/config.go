package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete configuration for the compliance monitor service
type Config struct {
	Environment string           `mapstructure:"environment"`
	Debug       bool             `mapstructure:"debug"`
	Server      ServerConfig     `mapstructure:"server"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Kafka       KafkaConfig      `mapstructure:"kafka"`
	Catalog     CatalogConfig    `mapstructure:"catalog"`
	Monitoring  MonitoringConfig `mapstructure:"monitoring"`
	Scheduler   SchedulerConfig  `mapstructure:"scheduler"`
	Logging     LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	HTTPPort     int           `mapstructure:"http_port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// DatabaseConfig contains record store configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Name            string        `mapstructure:"name"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// KafkaConfig contains configuration for the notification hand-off topics
type KafkaConfig struct {
	Enabled bool         `mapstructure:"enabled"`
	Brokers []string     `mapstructure:"brokers"`
	Topics  TopicsConfig `mapstructure:"topics"`
}

// TopicsConfig contains the output topic names
type TopicsConfig struct {
	AlertCreated   string `mapstructure:"alert_created"`
	AlertEscalated string `mapstructure:"alert_escalated"`
}

// CatalogConfig locates the static requirement catalog
type CatalogConfig struct {
	Path string `mapstructure:"path"`
}

// MonitoringConfig contains the engine's tunable thresholds. The sample
// defaults are GYD minor units for the Guyana authority set; the engine
// itself is jurisdiction-agnostic and reads every threshold from here.
type MonitoringConfig struct {
	Tenants             []string         `mapstructure:"tenants"`
	RunTimeout          time.Duration    `mapstructure:"run_timeout"`
	SubjectConcurrency  int              `mapstructure:"subject_concurrency"`
	DedupWindow         time.Duration    `mapstructure:"dedup_window"`
	WarningDays         []int            `mapstructure:"warning_days"`
	PenaltyRungs        []int64          `mapstructure:"penalty_rungs"`
	Escalation          EscalationConfig `mapstructure:"escalation"`
	Score               ScoreConfig      `mapstructure:"score"`
	ObligationRetention time.Duration    `mapstructure:"obligation_retention"`
}

// EscalationConfig contains the chronic-case escalation thresholds
type EscalationConfig struct {
	SecondPenaltyThreshold int64 `mapstructure:"second_penalty_threshold"`
	ThirdPenaltyThreshold  int64 `mapstructure:"third_penalty_threshold"`
	OverdueDays            int   `mapstructure:"overdue_days"`
}

// ScoreConfig contains compliance score deductions and level boundaries
type ScoreConfig struct {
	OverdueDeduction             int   `mapstructure:"overdue_deduction"`
	MissingVATDeduction          int   `mapstructure:"missing_vat_deduction"`
	MissingTaxIDDeduction        int   `mapstructure:"missing_tax_id_deduction"`
	MissingRegistrationDeduction int   `mapstructure:"missing_registration_deduction"`
	VATRevenueThreshold          int64 `mapstructure:"vat_revenue_threshold"`
	MajorIssuesBelow             int   `mapstructure:"major_issues_below"`
	MinorIssuesBelow             int   `mapstructure:"minor_issues_below"`
	DeclineThreshold             int   `mapstructure:"decline_threshold"`
}

// SchedulerConfig contains the cron trigger configuration
type SchedulerConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	MonitoringCron string `mapstructure:"monitoring_cron"`
	CleanupCron    string `mapstructure:"cleanup_cron"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, text
}

// Load loads configuration from environment variables and config files
func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AddConfigPath("/etc/compliance-monitor")

	setDefaults()

	viper.AutomaticEnv()
	viper.SetEnvPrefix("COMPLIANCE_MONITOR")

	// Config file is optional; defaults plus env cover everything
	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults() {
	// General
	viper.SetDefault("environment", "development")
	viper.SetDefault("debug", false)

	// Server
	viper.SetDefault("server.http_port", 8086)
	viper.SetDefault("server.read_timeout", "30s")
	viper.SetDefault("server.write_timeout", "30s")

	// Database
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.name", "compliance_monitor")
	viper.SetDefault("database.username", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.ssl_mode", "disable")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.max_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "5m")
	viper.SetDefault("database.migrations_path", "file://migrations")

	// Kafka
	viper.SetDefault("kafka.enabled", true)
	viper.SetDefault("kafka.brokers", []string{"localhost:9092"})
	viper.SetDefault("kafka.topics.alert_created", "compliance-alert-created")
	viper.SetDefault("kafka.topics.alert_escalated", "compliance-alert-escalated")

	// Catalog
	viper.SetDefault("catalog.path", "./config/requirements.yaml")

	// Monitoring
	viper.SetDefault("monitoring.tenants", []string{"default"})
	viper.SetDefault("monitoring.run_timeout", "10m")
	viper.SetDefault("monitoring.subject_concurrency", 8)
	viper.SetDefault("monitoring.dedup_window", "24h")
	viper.SetDefault("monitoring.warning_days", []int{30, 14, 7, 3, 1})
	viper.SetDefault("monitoring.penalty_rungs", []int64{0, 50000, 100000, 500000})
	viper.SetDefault("monitoring.escalation.second_penalty_threshold", 100000)
	viper.SetDefault("monitoring.escalation.third_penalty_threshold", 500000)
	viper.SetDefault("monitoring.escalation.overdue_days", 30)
	viper.SetDefault("monitoring.score.overdue_deduction", 20)
	viper.SetDefault("monitoring.score.missing_vat_deduction", 30)
	viper.SetDefault("monitoring.score.missing_tax_id_deduction", 25)
	viper.SetDefault("monitoring.score.missing_registration_deduction", 40)
	viper.SetDefault("monitoring.score.vat_revenue_threshold", 10000000)
	viper.SetDefault("monitoring.score.major_issues_below", 70)
	viper.SetDefault("monitoring.score.minor_issues_below", 85)
	viper.SetDefault("monitoring.score.decline_threshold", 10)
	viper.SetDefault("monitoring.obligation_retention", "2160h")

	// Scheduler
	viper.SetDefault("scheduler.enabled", true)
	viper.SetDefault("scheduler.monitoring_cron", "0 */15 * * * *")
	viper.SetDefault("scheduler.cleanup_cron", "0 0 3 * * *")

	// Logging
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "text")
}
