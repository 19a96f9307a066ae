package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"esgcoupon/crypto"
	telemetry "esgcoupon/observability/otel"
	"esgcoupon/services/issuanced/authority"
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

// Ledger store backends.
const (
	StoreSQL      = "sql"
	StoreDocument = "document"
	StoreMemory   = "memory"
)

// Config captures the runtime configuration for issuanced.
type Config struct {
	ListenAddress string              `yaml:"listen"`
	Environment   string              `yaml:"environment"`
	Database      DatabaseConfig      `yaml:"database"`
	Ledger        LedgerConfig        `yaml:"ledger"`
	PolicyTable   string              `yaml:"policy_table"`
	PolicyStore   string              `yaml:"policy_store"`
	Authorities   []authority.Spec    `yaml:"authorities"`
	Authorization AuthorizationConfig `yaml:"authorization"`
	Node          NodeConfig          `yaml:"node"`
	Registry      RegistryDocument    `yaml:"registry"`
	RegistryFile  string              `yaml:"registry_file"`
	Verifier      VerifierConfig      `yaml:"verifier"`
	Alerts        AlertsConfig        `yaml:"alerts"`
	Auth          AuthConfig          `yaml:"auth"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit"`
	Logging       LoggingConfig       `yaml:"logging"`
	Telemetry     TelemetryConfig     `yaml:"telemetry"`
}

// DatabaseConfig selects the SQL database. DSNs starting with postgres:// use
// the Postgres driver; anything else is opened as SQLite.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// IsPostgres reports whether the DSN targets Postgres.
func (d DatabaseConfig) IsPostgres() bool {
	dsn := strings.ToLower(d.DSN)
	return strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=")
}

// LedgerConfig configures the budget ledger.
type LedgerConfig struct {
	Store        string         `yaml:"store"`
	DocumentPath string         `yaml:"document_path"`
	GrantTTL     Duration       `yaml:"grant_ttl"`
	Budgets      []BudgetConfig `yaml:"budgets"`
}

// BudgetConfig seeds a period on first start. Existing periods are left alone.
type BudgetConfig struct {
	Period         string `yaml:"period"`
	TotalBudget    int64  `yaml:"total_budget"`
	PerPersonLimit int64  `yaml:"per_person_limit"`
}

// AuthorizationConfig tunes the threshold authorizer and its dispatcher.
type AuthorizationConfig struct {
	Timeout        Duration `yaml:"timeout"`
	SweepInterval  Duration `yaml:"sweep_interval"`
	MaxAttempts    int      `yaml:"max_attempts"`
	InitialBackoff Duration `yaml:"initial_backoff"`
	MaxBackoff     Duration `yaml:"max_backoff"`
}

// NodeConfig points at the token network's JSON-RPC endpoint. Static selects
// the in-memory oracle for local runs.
type NodeConfig struct {
	URL               string   `yaml:"url"`
	Timeout           Duration `yaml:"timeout"`
	RequestsPerSecond float64  `yaml:"requests_per_second"`
	Burst             int      `yaml:"burst"`
	Static            bool     `yaml:"static"`
}

// RegistryDocument lists the holders the conservation check sums.
type RegistryDocument struct {
	AssetID           string   `yaml:"asset_id" json:"asset_id"`
	ReserveAddress    string   `yaml:"reserve_address" json:"reserve_address"`
	CitizenAddresses  []string `yaml:"citizen_addresses" json:"citizen_addresses"`
	MerchantAddresses []string `yaml:"merchant_addresses" json:"merchant_addresses"`
	RecoveryAddress   string   `yaml:"recovery_address" json:"recovery_address"`
}

// VerifierConfig configures invariant verification.
type VerifierConfig struct {
	SignerKey            string   `yaml:"signer_key"`
	SignerKeyFile        string   `yaml:"signer_key_file"`
	SignerKeyEnv         string   `yaml:"signer_key_env"`
	ExpectedMetadataHash string   `yaml:"expected_metadata_hash"`
	Interval             Duration `yaml:"interval"`
	RunHour              int      `yaml:"run_hour"`
	RunMinute            int      `yaml:"run_minute"`
	ExportDir            string   `yaml:"export_dir"`
	ExportDryRun         bool     `yaml:"export_dry_run"`
	Concurrency          int      `yaml:"concurrency"`
	LookupAttempts       int      `yaml:"lookup_attempts"`
	LookupBackoff        Duration `yaml:"lookup_backoff"`
	Disabled             bool     `yaml:"disabled"`
}

// AlertsConfig enables NATS delivery of invariant findings.
type AlertsConfig struct {
	NATSURL       string `yaml:"nats_url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// AuthConfig carries the bearer token verification settings.
type AuthConfig struct {
	JWTSecret     string   `yaml:"jwt_secret"`
	JWTSecretFile string   `yaml:"jwt_secret_file"`
	JWTSecretEnv  string   `yaml:"jwt_secret_env"`
	Issuer        string   `yaml:"issuer"`
	Audience      []string `yaml:"audience"`
	MaxSkew       Duration `yaml:"max_skew"`
}

// RateLimitConfig bounds per-client request rates.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LoggingConfig mirrors logging.Options.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
}

// TelemetryConfig configures the OTLP exporters.
type TelemetryConfig struct {
	Endpoint string            `yaml:"endpoint"`
	Insecure bool              `yaml:"insecure"`
	Headers  map[string]string `yaml:"headers"`
	Metrics  bool              `yaml:"metrics"`
	Traces   bool              `yaml:"traces"`

	// SampleRatio is the root-span sampling ratio; 0 samples everything.
	SampleRatio float64 `yaml:"sample_ratio"`
}

// LoadConfig reads configuration from the supplied path, applies ISSUANCED_*
// environment overrides and validates the result.
func LoadConfig(path string) (Config, error) {
	cfg := Config{}
	if strings.TrimSpace(path) != "" {
		file, err := os.Open(path)
		if err != nil {
			return cfg, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		dec := yaml.NewDecoder(file)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("decode config: %w", err)
		}
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if cfg.RegistryFile != "" {
		doc, err := LoadRegistry(cfg.RegistryFile)
		if err != nil {
			return cfg, err
		}
		cfg.Registry = doc
	}
	cfg.Registry.normalise()
	if err := cfg.Auth.normalise(); err != nil {
		return cfg, fmt.Errorf("auth: %w", err)
	}
	if err := cfg.Verifier.normalise(); err != nil {
		return cfg, fmt.Errorf("verifier signer: %w", err)
	}
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadRegistry reads a standalone registry document.
func LoadRegistry(path string) (RegistryDocument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return RegistryDocument{}, fmt.Errorf("read registry: %w", err)
	}
	var doc RegistryDocument
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return RegistryDocument{}, fmt.Errorf("decode registry: %w", err)
	}
	doc.normalise()
	return doc, nil
}

func applyEnv(cfg *Config) {
	cfg.ListenAddress = getEnvDefault("ISSUANCED_LISTEN", cfg.ListenAddress)
	cfg.Environment = getEnvDefault("ISSUANCED_ENV", cfg.Environment)
	cfg.Database.DSN = getEnvDefault("ISSUANCED_DATABASE_DSN", cfg.Database.DSN)
	cfg.Ledger.Store = getEnvDefault("ISSUANCED_LEDGER_STORE", cfg.Ledger.Store)
	cfg.Node.URL = getEnvDefault("ISSUANCED_NODE_URL", cfg.Node.URL)
	cfg.Node.Static = parseBoolEnv("ISSUANCED_NODE_STATIC", cfg.Node.Static)
	cfg.Alerts.NATSURL = getEnvDefault("ISSUANCED_NATS_URL", cfg.Alerts.NATSURL)
	cfg.Logging.Level = getEnvDefault("ISSUANCED_LOG_LEVEL", cfg.Logging.Level)
	cfg.Verifier.Disabled = parseBoolEnv("ISSUANCED_VERIFIER_DISABLED", cfg.Verifier.Disabled)
	cfg.RateLimit.Burst = parseIntEnv("ISSUANCED_RATE_LIMIT_BURST", cfg.RateLimit.Burst)
	if secret := os.Getenv("ISSUANCED_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	cfg.Telemetry.Endpoint = getEnvDefault("OTEL_EXPORTER_OTLP_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.Insecure = parseBoolEnv("OTEL_EXPORTER_OTLP_INSECURE", cfg.Telemetry.Insecure)
	if headers := telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")); len(headers) > 0 {
		cfg.Telemetry.Headers = headers
	}
}

func applyDefaults(cfg *Config) {
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = ":8090"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Database.DSN == "" {
		cfg.Database.DSN = "file:issuanced.db?_pragma=busy_timeout(5000)"
	}
	if cfg.Ledger.Store == "" {
		cfg.Ledger.Store = StoreSQL
	}
	if cfg.Ledger.DocumentPath == "" {
		cfg.Ledger.DocumentPath = "data/ledger"
	}
	if cfg.Ledger.GrantTTL.Duration == 0 {
		cfg.Ledger.GrantTTL.Duration = 5 * time.Minute
	}
	if cfg.PolicyStore == "" {
		cfg.PolicyStore = "data/policy.db"
	}
	if cfg.Authorization.Timeout.Duration == 0 {
		cfg.Authorization.Timeout.Duration = 24 * time.Hour
	}
	if cfg.Authorization.SweepInterval.Duration == 0 {
		cfg.Authorization.SweepInterval.Duration = time.Minute
	}
	if cfg.Authorization.MaxAttempts <= 0 {
		cfg.Authorization.MaxAttempts = 5
	}
	if cfg.Authorization.InitialBackoff.Duration == 0 {
		cfg.Authorization.InitialBackoff.Duration = 500 * time.Millisecond
	}
	if cfg.Authorization.MaxBackoff.Duration == 0 {
		cfg.Authorization.MaxBackoff.Duration = 10 * time.Second
	}
	if cfg.Node.Timeout.Duration == 0 {
		cfg.Node.Timeout.Duration = 10 * time.Second
	}
	if cfg.Node.RequestsPerSecond <= 0 {
		cfg.Node.RequestsPerSecond = 20
	}
	if cfg.Node.Burst <= 0 {
		cfg.Node.Burst = 5
	}
	if cfg.Verifier.RunHour == 0 && cfg.Verifier.RunMinute == 0 && cfg.Verifier.Interval.Duration == 0 {
		cfg.Verifier.RunHour = 2
	}
	if cfg.Verifier.LookupAttempts <= 0 {
		cfg.Verifier.LookupAttempts = 3
	}
	if cfg.Verifier.LookupBackoff.Duration == 0 {
		cfg.Verifier.LookupBackoff.Duration = 200 * time.Millisecond
	}
	if cfg.Auth.MaxSkew.Duration == 0 {
		cfg.Auth.MaxSkew.Duration = 30 * time.Second
	}
	if cfg.RateLimit.RequestsPerSecond <= 0 {
		cfg.RateLimit.RequestsPerSecond = 10
	}
	if cfg.RateLimit.Burst <= 0 {
		cfg.RateLimit.Burst = 20
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

func validateConfig(cfg Config) error {
	switch cfg.Ledger.Store {
	case StoreSQL, StoreDocument, StoreMemory:
	default:
		return fmt.Errorf("ledger.store must be one of sql, document, memory; got %q", cfg.Ledger.Store)
	}
	for _, b := range cfg.Ledger.Budgets {
		if strings.TrimSpace(b.Period) == "" {
			return fmt.Errorf("ledger.budgets: period required")
		}
		if b.TotalBudget < 0 || b.PerPersonLimit < 0 {
			return fmt.Errorf("ledger.budgets %s: budget and limit must be non-negative", b.Period)
		}
	}
	if !cfg.Node.Static && strings.TrimSpace(cfg.Node.URL) == "" {
		return fmt.Errorf("node.url must be configured unless node.static is set")
	}
	if cfg.Registry.AssetID == "" {
		return fmt.Errorf("registry.asset_id must be configured")
	}
	if err := cfg.Registry.Validate(); err != nil {
		return err
	}
	if len(cfg.Authorities) == 0 {
		return fmt.Errorf("at least one authority must be configured")
	}
	if _, err := authority.FromSpecs(cfg.Authorities); err != nil {
		return fmt.Errorf("authorities: %w", err)
	}
	if cfg.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret must be configured")
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}
	if cfg.Verifier.RunHour < 0 || cfg.Verifier.RunHour > 23 {
		return fmt.Errorf("verifier.run_hour must be within 0-23")
	}
	if cfg.Verifier.RunMinute < 0 || cfg.Verifier.RunMinute > 59 {
		return fmt.Errorf("verifier.run_minute must be within 0-59")
	}
	return nil
}

func (r *RegistryDocument) normalise() {
	r.AssetID = strings.TrimSpace(r.AssetID)
	r.ReserveAddress = strings.TrimSpace(r.ReserveAddress)
	r.RecoveryAddress = strings.TrimSpace(r.RecoveryAddress)
	r.CitizenAddresses = trimAll(r.CitizenAddresses)
	r.MerchantAddresses = trimAll(r.MerchantAddresses)
}

// Validate requires every listed address to decode and to appear once.
func (r RegistryDocument) Validate() error {
	seen := make(map[string]string)
	check := func(field, addr string) error {
		if _, err := crypto.DecodeAddress(addr); err != nil {
			return fmt.Errorf("registry.%s: invalid address %q: %w", field, addr, err)
		}
		if prev, ok := seen[addr]; ok {
			return fmt.Errorf("registry.%s: address %s already listed under %s", field, addr, prev)
		}
		seen[addr] = field
		return nil
	}
	if r.ReserveAddress == "" {
		return fmt.Errorf("registry.reserve_address must be configured")
	}
	if err := check("reserve_address", r.ReserveAddress); err != nil {
		return err
	}
	for _, addr := range r.CitizenAddresses {
		if err := check("citizen_addresses", addr); err != nil {
			return err
		}
	}
	for _, addr := range r.MerchantAddresses {
		if err := check("merchant_addresses", addr); err != nil {
			return err
		}
	}
	if r.RecoveryAddress != "" {
		if err := check("recovery_address", r.RecoveryAddress); err != nil {
			return err
		}
	}
	return nil
}

func (a *AuthConfig) normalise() error {
	secret := strings.TrimSpace(a.JWTSecret)
	switch {
	case secret != "":
	case strings.TrimSpace(a.JWTSecretEnv) != "":
		secret = strings.TrimSpace(os.Getenv(strings.TrimSpace(a.JWTSecretEnv)))
		if secret == "" {
			return fmt.Errorf("jwt_secret_env %s is empty", a.JWTSecretEnv)
		}
	case strings.TrimSpace(a.JWTSecretFile) != "":
		contents, err := os.ReadFile(strings.TrimSpace(a.JWTSecretFile))
		if err != nil {
			return fmt.Errorf("read jwt_secret_file: %w", err)
		}
		secret = strings.TrimSpace(string(contents))
	}
	a.JWTSecret = secret
	a.Issuer = strings.TrimSpace(a.Issuer)
	a.Audience = trimAll(a.Audience)
	return nil
}

// normalise resolves the signer key from env or file. An unset key leaves
// reports unsigned.
func (v *VerifierConfig) normalise() error {
	v.SignerKey = strings.TrimSpace(v.SignerKey)
	v.SignerKeyEnv = strings.TrimSpace(v.SignerKeyEnv)
	v.SignerKeyFile = strings.TrimSpace(v.SignerKeyFile)
	v.ExpectedMetadataHash = strings.ToLower(strings.TrimSpace(v.ExpectedMetadataHash))
	if v.SignerKey != "" {
		return nil
	}
	switch {
	case v.SignerKeyEnv != "":
		value := strings.TrimSpace(os.Getenv(v.SignerKeyEnv))
		if value == "" {
			return fmt.Errorf("signer_key_env %s is empty", v.SignerKeyEnv)
		}
		v.SignerKey = value
	case v.SignerKeyFile != "":
		contents, err := os.ReadFile(v.SignerKeyFile)
		if err != nil {
			return fmt.Errorf("read signer_key_file: %w", err)
		}
		v.SignerKey = strings.TrimSpace(string(contents))
	}
	if v.SignerKey != "" {
		if _, err := crypto.PrivateKeyFromHex(v.SignerKey); err != nil {
			return fmt.Errorf("parse signer key: %w", err)
		}
	}
	return nil
}

func trimAll(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func parseIntEnv(key string, def int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return def
}

func parseBoolEnv(key string, def bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return def
}
