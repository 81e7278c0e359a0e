package settlementd

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config captures the runtime configuration for settlementd.
type Config struct {
	ListenAddress string            `yaml:"listen"`
	Environment   string            `yaml:"environment"`
	PolicyPath    string            `yaml:"policy"`
	PauseOnStart  bool              `yaml:"pause"`
	SweepInterval Duration          `yaml:"sweep_interval"`
	Database      DatabaseConfig    `yaml:"database"`
	Redis         RedisConfig       `yaml:"redis"`
	Ledger        LedgerConfig      `yaml:"ledger"`
	Oracle        OracleConfig      `yaml:"oracle"`
	Settlement    SettlementConfig  `yaml:"settlement"`
	Admin         AdminConfig       `yaml:"admin"`
	Telemetry     TelemetryConfig   `yaml:"telemetry"`
	Log           LogConfig         `yaml:"log"`
	Reports       ReportConfig      `yaml:"reports"`
	Assets        map[string]string `yaml:"assets"`
}

// DatabaseConfig points at the settlement Postgres instance.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// RedisConfig configures the shared lock store. When Addr is empty the daemon
// falls back to in-process locking.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// LedgerConfig configures the on-chain settlement client.
type LedgerConfig struct {
	Endpoint           string   `yaml:"endpoint"`
	TreasuryKey        string   `yaml:"treasury_key"`
	TreasuryKeyFile    string   `yaml:"treasury_key_file"`
	TreasuryKeyEnv     string   `yaml:"treasury_key_env"`
	ConfirmAttempts    int      `yaml:"confirm_attempts"`
	ConfirmInterval    Duration `yaml:"confirm_interval"`
	SubmitRetries      int      `yaml:"submit_retries"`
	SubmitRetryBackoff Duration `yaml:"submit_retry_backoff"`
	DryRun             bool     `yaml:"dry_run"`
}

// OracleConfig configures price sourcing for USD conversion.
type OracleConfig struct {
	Endpoint string   `yaml:"endpoint"`
	TTL      Duration `yaml:"ttl"`
}

// SettlementConfig carries the withdrawal policy knobs.
type SettlementConfig struct {
	MinWithdrawUSD  string   `yaml:"min_withdraw_usd"`
	RequestDeadline Duration `yaml:"request_deadline"`
	WithdrawLockTTL Duration `yaml:"withdraw_lock_ttl"`
	DistributeTTL   Duration `yaml:"distribute_lock_ttl"`
}

// AdminConfig captures security settings for the admin API.
type AdminConfig struct {
	BearerToken     string  `yaml:"bearer_token"`
	BearerTokenFile string  `yaml:"bearer_token_file"`
	JWTSecret       string  `yaml:"jwt_secret"`
	RateLimit       float64 `yaml:"rate_limit"`
	RateBurst       int     `yaml:"rate_burst"`
}

// TelemetryConfig configures the OTLP exporter.
type TelemetryConfig struct {
	Endpoint string `yaml:"endpoint"`
	Insecure bool   `yaml:"insecure"`
	Headers  string `yaml:"headers"`
}

// LogConfig configures the optional rotating file sink.
type LogConfig struct {
	FilePath   string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// ReportConfig configures distribution report output.
type ReportConfig struct {
	Dir string `yaml:"dir"`
}

// LoadConfig reads configuration from the supplied path.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	file, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()
	dec := yaml.NewDecoder(file)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("decode config: %w", err)
	}
	applyDefaults(&cfg)
	if err := cfg.Ledger.normalise(); err != nil {
		return cfg, fmt.Errorf("ledger signer: %w", err)
	}
	if err := cfg.Admin.normalise(); err != nil {
		return cfg, fmt.Errorf("admin security: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":7090"
	}
	if cfg.Environment == "" {
		cfg.Environment = "dev"
	}
	if cfg.PolicyPath == "" {
		cfg.PolicyPath = "services/settlementd/policy.toml"
	}
	if cfg.SweepInterval.Duration == 0 {
		cfg.SweepInterval.Duration = time.Minute
	}
	if cfg.Ledger.ConfirmAttempts <= 0 {
		cfg.Ledger.ConfirmAttempts = 30
	}
	if cfg.Ledger.ConfirmInterval.Duration == 0 {
		cfg.Ledger.ConfirmInterval.Duration = time.Second
	}
	if cfg.Ledger.SubmitRetries <= 0 {
		cfg.Ledger.SubmitRetries = 3
	}
	if cfg.Ledger.SubmitRetryBackoff.Duration == 0 {
		cfg.Ledger.SubmitRetryBackoff.Duration = 2 * time.Second
	}
	if cfg.Oracle.TTL.Duration == 0 {
		cfg.Oracle.TTL.Duration = 15 * time.Second
	}
	if cfg.Settlement.MinWithdrawUSD == "" {
		cfg.Settlement.MinWithdrawUSD = "10"
	}
	if cfg.Settlement.RequestDeadline.Duration == 0 {
		cfg.Settlement.RequestDeadline.Duration = 30 * time.Minute
	}
	if cfg.Settlement.WithdrawLockTTL.Duration == 0 {
		cfg.Settlement.WithdrawLockTTL.Duration = time.Minute
	}
	if cfg.Settlement.DistributeTTL.Duration == 0 {
		cfg.Settlement.DistributeTTL.Duration = 5 * time.Minute
	}
	if cfg.Admin.RateLimit <= 0 {
		cfg.Admin.RateLimit = 5
	}
	if cfg.Admin.RateBurst <= 0 {
		cfg.Admin.RateBurst = 10
	}
	if cfg.Reports.Dir == "" {
		cfg.Reports.Dir = "reports"
	}
	if cfg.Assets == nil {
		cfg.Assets = map[string]string{}
	}
}

func validateConfig(cfg Config) error {
	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return fmt.Errorf("database dsn must be configured")
	}
	if !cfg.Ledger.DryRun && strings.TrimSpace(cfg.Ledger.Endpoint) == "" {
		return fmt.Errorf("ledger endpoint must be configured")
	}
	if cfg.Admin.BearerToken == "" && cfg.Admin.JWTSecret == "" {
		return fmt.Errorf("configure either bearer_token or jwt_secret for admin authentication")
	}
	return nil
}

func (l *LedgerConfig) normalise() error {
	if l == nil {
		return fmt.Errorf("ledger configuration missing")
	}
	l.TreasuryKey = strings.TrimSpace(l.TreasuryKey)
	l.TreasuryKeyEnv = strings.TrimSpace(l.TreasuryKeyEnv)
	l.TreasuryKeyFile = strings.TrimSpace(l.TreasuryKeyFile)
	if l.TreasuryKey != "" || l.DryRun {
		return nil
	}
	switch {
	case l.TreasuryKeyEnv != "":
		value := strings.TrimSpace(os.Getenv(l.TreasuryKeyEnv))
		if value == "" {
			return fmt.Errorf("treasury_key_env %s is empty", l.TreasuryKeyEnv)
		}
		l.TreasuryKey = value
	case l.TreasuryKeyFile != "":
		contents, err := os.ReadFile(l.TreasuryKeyFile)
		if err != nil {
			return fmt.Errorf("read treasury_key_file: %w", err)
		}
		l.TreasuryKey = strings.TrimSpace(string(contents))
	default:
		return fmt.Errorf("treasury_key is required")
	}
	return nil
}

func (a *AdminConfig) normalise() error {
	if a == nil {
		return fmt.Errorf("admin configuration missing")
	}
	token := strings.TrimSpace(a.BearerToken)
	if path := strings.TrimSpace(a.BearerTokenFile); path != "" {
		contents, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read bearer_token_file: %w", err)
		}
		token = strings.TrimSpace(string(contents))
	}
	a.BearerToken = token
	a.JWTSecret = strings.TrimSpace(a.JWTSecret)
	return nil
}
