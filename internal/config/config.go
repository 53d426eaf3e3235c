package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/shizukutanaka/Banken/internal/logging"
	"github.com/shizukutanaka/Banken/internal/store"
)

// Config is the application-wide configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Logging    logging.Config    `mapstructure:"logging"`
	API        APIConfig         `mapstructure:"api"`
	Redis      store.RedisConfig `mapstructure:"redis"`
	Audit      AuditConfig       `mapstructure:"audit"`
	Threat     ThreatConfig      `mapstructure:"threat"`
	Compliance ComplianceConfig  `mapstructure:"compliance"`
	Alerting   AlertConfig       `mapstructure:"alerting"`
	Monitor    MonitorConfig     `mapstructure:"monitor"`
	Ingest     IngestConfig      `mapstructure:"ingest"`
}

// APIConfig configures the HTTP boundary.
type APIConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	ListenAddr   string   `mapstructure:"listen_addr"`
	EnableTLS    bool     `mapstructure:"enable_tls"`
	CertFile     string   `mapstructure:"cert_file"`
	KeyFile      string   `mapstructure:"key_file"`
	RateLimit    int      `mapstructure:"rate_limit"`
	RateBurst    int      `mapstructure:"rate_burst"`
	AllowOrigins []string `mapstructure:"allow_origins"`
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	DatabasePath  string        `mapstructure:"database_path"`
	BatchSize     int           `mapstructure:"batch_size"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
	MaxBuffered   int           `mapstructure:"max_buffered"`

	// Payload encryption. The key is loaded once at startup and injected;
	// startup fails when encryption is enabled without a key.
	EncryptPayloads bool   `mapstructure:"encrypt_payloads"`
	EncryptionKey   string `mapstructure:"encryption_key"`

	// Retention windows.
	RetentionDays          int `mapstructure:"retention_days"`
	ViolationRetentionDays int `mapstructure:"violation_retention_days"`
	ReportRetentionDays    int `mapstructure:"report_retention_days"`
}

// ThreatConfig configures the threat scorer.
type ThreatConfig struct {
	RulesFile         string   `mapstructure:"rules_file"`
	BlacklistedIPs    []string `mapstructure:"blacklisted_ips"`
	HighRiskCountries []string `mapstructure:"high_risk_countries"`

	RequestRateThreshold int `mapstructure:"request_rate_threshold"`
	BurstWindowThreshold int `mapstructure:"burst_window_threshold"`
	MaxPayloadBytes      int `mapstructure:"max_payload_bytes"`
}

// ComplianceConfig configures the compliance scorer.
type ComplianceConfig struct {
	RulesFile string `mapstructure:"rules_file"`
}

// AlertConfig configures alert dispatch.
type AlertConfig struct {
	ThreatCooldown     time.Duration `mapstructure:"threat_cooldown"`
	ComplianceCooldown time.Duration `mapstructure:"compliance_cooldown"`
	SystemCooldown     time.Duration `mapstructure:"system_cooldown"`

	// Per-type channel routing. Valid names: log, email, webhook, audit.
	// A type with no list is served by every configured channel.
	ThreatChannels     []string `mapstructure:"threat_channels"`
	ComplianceChannels []string `mapstructure:"compliance_channels"`
	IntegrityChannels  []string `mapstructure:"integrity_channels"`
	SystemChannels     []string `mapstructure:"system_channels"`

	// SMTP settings.
	SMTPHost string `mapstructure:"smtp_host"`
	SMTPPort int    `mapstructure:"smtp_port"`
	SMTPUser string `mapstructure:"smtp_user"`
	SMTPPass string `mapstructure:"smtp_pass"`
	SMTPFrom string `mapstructure:"smtp_from"`
	SMTPTo   string `mapstructure:"smtp_to"`

	// Webhook settings.
	WebhookURL   string        `mapstructure:"webhook_url"`
	WebhookToken string        `mapstructure:"webhook_token"`
	SendTimeout  time.Duration `mapstructure:"send_timeout"`
}

// MonitorConfig configures health sampling and anomaly detection.
type MonitorConfig struct {
	SampleInterval time.Duration `mapstructure:"sample_interval"`
	HistorySize    int           `mapstructure:"history_size"`
	SnapshotTTL    time.Duration `mapstructure:"snapshot_ttl"`

	CPUCritical       float64 `mapstructure:"cpu_critical"`
	MemoryCritical    float64 `mapstructure:"memory_critical"`
	DiskCritical      float64 `mapstructure:"disk_critical"`
	LoadCritical      float64 `mapstructure:"load_critical"`
	ErrorRateCritical float64 `mapstructure:"error_rate_critical"`

	PrometheusEnabled bool   `mapstructure:"prometheus_enabled"`
	PrometheusAddr    string `mapstructure:"prometheus_addr"`
}

// IngestConfig configures the optional NATS event ingest.
type IngestConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	NATSURL string `mapstructure:"nats_url"`
	Subject string `mapstructure:"subject"`
	Queue   string `mapstructure:"queue"`
}

// Load reads configuration from the given file (and BANKEN_* environment
// variables) and applies defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("BANKEN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with all defaults applied, used when no
// config file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with production defaults.
func (c *Config) ApplyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.Logging.Level == "" {
		c.Logging = logging.DefaultConfig()
		c.Logging.Level = c.LogLevel
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.RateLimit <= 0 {
		c.API.RateLimit = 50
	}
	if c.API.RateBurst <= 0 {
		c.API.RateBurst = 100
	}

	if c.Audit.DatabasePath == "" {
		c.Audit.DatabasePath = "data/banken.db"
	}
	if c.Audit.BatchSize <= 0 {
		c.Audit.BatchSize = 50
	}
	if c.Audit.FlushInterval <= 0 {
		c.Audit.FlushInterval = 10 * time.Second
	}
	if c.Audit.MaxBuffered <= 0 {
		c.Audit.MaxBuffered = 10000
	}
	if c.Audit.RetentionDays <= 0 {
		c.Audit.RetentionDays = 90
	}
	if c.Audit.ViolationRetentionDays <= 0 {
		c.Audit.ViolationRetentionDays = 180
	}
	if c.Audit.ReportRetentionDays <= 0 {
		c.Audit.ReportRetentionDays = 365
	}

	if c.Threat.RequestRateThreshold <= 0 {
		c.Threat.RequestRateThreshold = 100
	}
	if c.Threat.BurstWindowThreshold <= 0 {
		c.Threat.BurstWindowThreshold = 50
	}
	if c.Threat.MaxPayloadBytes <= 0 {
		c.Threat.MaxPayloadBytes = 100 * 1024
	}

	if c.Alerting.ThreatCooldown <= 0 {
		c.Alerting.ThreatCooldown = 2 * time.Minute
	}
	if c.Alerting.ComplianceCooldown <= 0 {
		c.Alerting.ComplianceCooldown = 10 * time.Minute
	}
	if c.Alerting.SystemCooldown <= 0 {
		c.Alerting.SystemCooldown = 15 * time.Minute
	}
	if c.Alerting.SendTimeout <= 0 {
		c.Alerting.SendTimeout = 10 * time.Second
	}

	if c.Monitor.SampleInterval <= 0 {
		c.Monitor.SampleInterval = 15 * time.Second
	}
	if c.Monitor.HistorySize <= 0 {
		c.Monitor.HistorySize = 120
	}
	if c.Monitor.SnapshotTTL <= 0 {
		c.Monitor.SnapshotTTL = time.Hour
	}
	if c.Monitor.CPUCritical <= 0 {
		c.Monitor.CPUCritical = 90.0
	}
	if c.Monitor.MemoryCritical <= 0 {
		c.Monitor.MemoryCritical = 90.0
	}
	if c.Monitor.DiskCritical <= 0 {
		c.Monitor.DiskCritical = 95.0
	}
	if c.Monitor.LoadCritical <= 0 {
		c.Monitor.LoadCritical = 8.0
	}
	if c.Monitor.ErrorRateCritical <= 0 {
		c.Monitor.ErrorRateCritical = 10.0
	}
	if c.Monitor.PrometheusAddr == "" {
		c.Monitor.PrometheusAddr = ":9090"
	}

	if c.Ingest.Subject == "" {
		c.Ingest.Subject = "events.security"
	}
	if c.Ingest.Queue == "" {
		c.Ingest.Queue = "banken"
	}
}

// Validate rejects configurations that must not reach runtime.
func (c *Config) Validate() error {
	if c.Audit.EncryptPayloads && c.Audit.EncryptionKey == "" {
		return fmt.Errorf("audit.encryption_key is required when audit.encrypt_payloads is enabled")
	}
	if c.Audit.EncryptPayloads && len(c.Audit.EncryptionKey) != 64 {
		return fmt.Errorf("audit.encryption_key must be a 64 character hex string (32 bytes)")
	}
	if c.API.EnableTLS && (c.API.CertFile == "" || c.API.KeyFile == "") {
		return fmt.Errorf("api.cert_file and api.key_file are required when TLS is enabled")
	}
	if c.Ingest.Enabled && c.Ingest.NATSURL == "" {
		return fmt.Errorf("ingest.nats_url is required when ingest is enabled")
	}
	return nil
}
