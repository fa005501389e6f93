// Package config holds the typed application configuration: connection
// descriptors, access policies, and server tuning. Loading (YAML + env) is
// in loader.go; validation in validate.go.
package config

import (
	"fmt"
	"regexp"
	"strings"
)

// SSLMode mirrors config/models.py's SSLMode enum.
type SSLMode string

const (
	SSLDisable SSLMode = "disable"
	SSLAllow   SSLMode = "allow"
	SSLPrefer  SSLMode = "prefer"
	SSLRequire SSLMode = "require"
)

// SelectStarPolicy governs how `SELECT *` is handled by the access policy.
type SelectStarPolicy string

const (
	SelectStarAllow  SelectStarPolicy = "allow"
	SelectStarExpand SelectStarPolicy = "expand"
	SelectStarDeny   SelectStarPolicy = "deny"
)

// OnDeniedAction governs what the access policy does with a denied column.
type OnDeniedAction string

const (
	OnDeniedReject OnDeniedAction = "reject"
	OnDeniedRedact OnDeniedAction = "redact"
)

var nameRe = regexp.MustCompile(`^[a-z0-9_-]+$`)

// Secret is a string that never round-trips in logs, audit events, or error
// details; String() always masks, matching utils/serialization.py's
// SecretStr masking.
type Secret string

func (Secret) String() string { return "***" }

// DatabaseConfig is the Connection Descriptor of spec.md §3: immutable once
// built by Load.
type DatabaseConfig struct {
	Name         string
	Host         string
	Port         int
	Database     string
	User         string
	Password     Secret
	URL          string // connection_string / "url" in config/models.py
	SSLMode      SSLMode
	MinPoolSize  int
	MaxPoolSize  int
	AccessPolicy AccessPolicyConfig
}

// DSN builds a libpq-style connection string, matching
// DatabaseConfig.get_dsn() in config/models.py.
func (d DatabaseConfig) DSN() string {
	if d.URL != "" {
		return d.URL
	}
	sslmode := string(d.SSLMode)
	if sslmode == "" {
		sslmode = string(SSLPrefer)
	}
	return fmt.Sprintf("postgresql://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, string(d.Password), d.Host, d.Port, d.Database, sslmode)
}

func (d DatabaseConfig) Validate() error {
	if !nameRe.MatchString(d.Name) {
		return fmt.Errorf("database name %q must match [a-z0-9_-]+", d.Name)
	}
	if d.URL == "" {
		var missing []string
		if d.Host == "" {
			missing = append(missing, "host")
		}
		if d.Database == "" {
			missing = append(missing, "dbname")
		}
		if len(missing) > 0 {
			return fmt.Errorf("database %q missing required fields: %s (or provide url)",
				d.Name, strings.Join(missing, ", "))
		}
	}
	if d.MinPoolSize < 1 || d.MinPoolSize > 20 {
		return fmt.Errorf("database %q: min_pool_size must be 1..20", d.Name)
	}
	if d.MaxPoolSize < 1 || d.MaxPoolSize > 100 {
		return fmt.Errorf("database %q: max_pool_size must be 1..100", d.Name)
	}
	switch d.SSLMode {
	case SSLDisable, SSLAllow, SSLPrefer, SSLRequire, "":
	default:
		return fmt.Errorf("database %q: invalid ssl_mode %q", d.Name, d.SSLMode)
	}
	return nil
}

// TableAccessConfig is the `tables.{allowed,denied}` list pair.
type TableAccessConfig struct {
	Allowed []string
	Denied  []string
}

// ColumnAccessConfig is the `columns.denied_patterns` list.
type ColumnAccessConfig struct {
	DeniedPatterns []string
}

// ExplainPolicyConfig is §4.5's Explain Policy.
type ExplainPolicyConfig struct {
	Enabled                  bool
	MaxEstimatedRows         int64
	MaxEstimatedCost         float64
	DenySeqScanOnLargeTables bool
	LargeTableThreshold      int64
	CacheTTLSeconds          int
	CacheMaxSize             int
	TimeoutSeconds           float64
}

func DefaultExplainPolicy() ExplainPolicyConfig {
	return ExplainPolicyConfig{
		Enabled:                  true,
		MaxEstimatedRows:         100_000,
		MaxEstimatedCost:         100_000,
		DenySeqScanOnLargeTables: true,
		LargeTableThreshold:      100_000,
		CacheTTLSeconds:          300,
		CacheMaxSize:             512,
		TimeoutSeconds:           5,
	}
}

// AccessPolicyConfig is §3's Access Policy.
type AccessPolicyConfig struct {
	AllowedSchemas   []string
	Tables           TableAccessConfig
	Columns          ColumnAccessConfig
	SelectStarPolicy SelectStarPolicy
	OnDenied         OnDeniedAction
	ExplainPolicy    ExplainPolicyConfig
}

func DefaultAccessPolicy() AccessPolicyConfig {
	return AccessPolicyConfig{
		AllowedSchemas:   []string{"public"},
		SelectStarPolicy: SelectStarAllow,
		OnDenied:         OnDeniedReject,
		ExplainPolicy:    DefaultExplainPolicy(),
	}
}

// RateLimitConfig is §3's Rate-Limit Bucket configuration.
type RateLimitConfig struct {
	Enabled             bool
	RequestsPerMinute   int
	RequestsPerHour     int
	OpenAITokensPerMin  int
	IdleTimeoutSeconds  int
}

func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		Enabled:            true,
		RequestsPerMinute:  60,
		RequestsPerHour:    1000,
		OpenAITokensPerMin: 100_000,
		IdleTimeoutSeconds: 3600,
	}
}

// OpenAIConfig is the LM provider configuration.
type OpenAIConfig struct {
	APIKey     Secret
	Model      string
	BaseURL    string
	MaxRetries int
	Timeout    float64
}

// ServerConfig is the tuning knobs of spec.md §6 `server.*`.
type ServerConfig struct {
	CacheRefreshInterval      int
	MaxResultRows             int
	QueryTimeout              float64
	MaxSQLRetry               int
	UseReadonlyTransactions   bool
	EnableResultValidation    bool
	RateLimit                 RateLimitConfig
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		CacheRefreshInterval:    3600,
		MaxResultRows:           1000,
		QueryTimeout:            30,
		MaxSQLRetry:             2,
		UseReadonlyTransactions: true,
		RateLimit:               DefaultRateLimitConfig(),
	}
}

// AppConfig is the top-level configuration, matching config/models.py's
// AppConfig.
type AppConfig struct {
	Databases []DatabaseConfig
	OpenAI    OpenAIConfig
	Server    ServerConfig
}

func (c AppConfig) GetDatabase(name string) (DatabaseConfig, bool) {
	for _, d := range c.Databases {
		if d.Name == strings.ToLower(name) {
			return d, true
		}
	}
	return DatabaseConfig{}, false
}

func (c AppConfig) DatabaseNames() []string {
	names := make([]string, len(c.Databases))
	for i, d := range c.Databases {
		names[i] = d.Name
	}
	return names
}
