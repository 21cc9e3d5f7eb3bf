package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Aggregator AggregatorConfig `yaml:"aggregator" mapstructure:"aggregator"`
	Backlog    BacklogConfig    `yaml:"backlog" mapstructure:"backlog"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Rules      OrgRules         `yaml:"rules" mapstructure:"rules"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	// EncryptionKey is the base64-encoded AES-256 key protecting SSNs,
	// Medicaid IDs and aggregator passwords at rest.
	EncryptionKey string `yaml:"encryption_key" mapstructure:"encryption_key"`
	MaxConns      int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns      int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AggregatorConfig holds the state aggregator endpoint and client tuning.
// Credentials live on each organization, not here.
type AggregatorConfig struct {
	BaseURL                 string  `yaml:"base_url" mapstructure:"base_url"`
	TimeoutSecs             int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RateLimitRPS            float64 `yaml:"rate_limit_rps" mapstructure:"rate_limit_rps"`
	CircuitFailureThreshold int     `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetSecs        int     `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// BacklogConfig configures the backlog submission job.
type BacklogConfig struct {
	Schedule          string `yaml:"schedule" mapstructure:"schedule"`
	BatchSize         int    `yaml:"batch_size" mapstructure:"batch_size"`
	MaxConcurrentOrgs int    `yaml:"max_concurrent_orgs" mapstructure:"max_concurrent_orgs"`
	ThresholdHours    int    `yaml:"threshold_hours" mapstructure:"threshold_hours"`
	OrgsFile          string `yaml:"orgs_file" mapstructure:"orgs_file"`
}

// RetryConfig configures the deferred retry backoff for failed submissions.
type RetryConfig struct {
	InitialBackoffSecs int     `yaml:"initial_backoff_secs" mapstructure:"initial_backoff_secs"`
	MaxBackoffSecs     int     `yaml:"max_backoff_secs" mapstructure:"max_backoff_secs"`
	Multiplier         float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction     float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// MonitoringConfig configures alert delivery and compliance snapshots.
type MonitoringConfig struct {
	WebhookURL          string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	AMQPURL             string  `yaml:"amqp_url" mapstructure:"amqp_url"`
	AMQPExchange        string  `yaml:"amqp_exchange" mapstructure:"amqp_exchange"`
	LookbackWindowHours int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	ComplianceThreshold float64 `yaml:"compliance_threshold" mapstructure:"compliance_threshold"`
	CheckSchedule       string  `yaml:"check_schedule" mapstructure:"check_schedule"`
}

// NotionConfig holds the remediation board settings.
type NotionConfig struct {
	Token         string `yaml:"token" mapstructure:"token"`
	RemediationDB string `yaml:"remediation_db" mapstructure:"remediation_db"`
}

// ServerConfig configures the admin API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	JWTSecret      string   `yaml:"jwt_secret" mapstructure:"jwt_secret"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("EVV")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("aggregator.timeout_secs", 30)
	v.SetDefault("aggregator.rate_limit_rps", 5)
	v.SetDefault("aggregator.circuit_failure_threshold", 5)
	v.SetDefault("aggregator.circuit_reset_secs", 60)
	v.SetDefault("backlog.schedule", "@every 15m")
	v.SetDefault("backlog.batch_size", 500)
	v.SetDefault("backlog.max_concurrent_orgs", 4)
	v.SetDefault("backlog.threshold_hours", 24)
	v.SetDefault("retry.initial_backoff_secs", 300)
	v.SetDefault("retry.max_backoff_secs", 21600)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.1)
	v.SetDefault("monitoring.amqp_exchange", "evv.alerts")
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.compliance_threshold", 0.9)
	v.SetDefault("monitoring.check_schedule", "@hourly")

	d := DefaultOrgRules()
	v.SetDefault("rules.geofence_radius_meters", d.GeofenceRadiusMeters)
	v.SetDefault("rules.gps_accuracy_warn_meters", d.GPSAccuracyWarnMeters)
	v.SetDefault("rules.clock_in_tolerance_minutes", d.ClockInToleranceMinutes)
	v.SetDefault("rules.duration_variance_minutes", d.DurationVarianceMinutes)
	v.SetDefault("rules.rounding_interval_minutes", d.RoundingIntervalMinutes)
	v.SetDefault("rules.rounding_mode", string(d.RoundingMode))
	v.SetDefault("rules.max_retry_attempts", d.MaxRetryAttempts)
	v.SetDefault("rules.retry_delay_secs", d.RetryDelaySecs)
	v.SetDefault("rules.claims_gate_mode", string(d.ClaimsGateMode))
	v.SetDefault("rules.require_authorization_match", d.RequireAuthorizationMatch)
	v.SetDefault("rules.block_over_authorization", d.BlockOverAuthorization)
	v.SetDefault("rules.timezone", d.Timezone)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	if err := cfg.Rules.Validate(); err != nil {
		return nil, eris.Wrap(err, "config: rules")
	}

	return &cfg, nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
