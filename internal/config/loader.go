package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// rawYAML mirrors the on-disk shape; field names match the table in
// spec.md §6. Kept separate from AppConfig so env-var expansion can run on
// plain strings before Pydantic-style coercion into typed fields.
type rawYAML struct {
	Databases []rawDatabase `yaml:"databases"`
	OpenAI    rawOpenAI     `yaml:"openai"`
	Server    rawServer     `yaml:"server"`
}

type rawDatabase struct {
	Name         string       `yaml:"name"`
	Host         string       `yaml:"host"`
	Port         int          `yaml:"port"`
	DBName       string       `yaml:"dbname"`
	User         string       `yaml:"user"`
	Password     string       `yaml:"password"`
	URL          string       `yaml:"url"`
	SSLMode      string       `yaml:"ssl_mode"`
	MinPoolSize  int          `yaml:"min_pool_size"`
	MaxPoolSize  int          `yaml:"max_pool_size"`
	AccessPolicy rawAccessPol `yaml:"access_policy"`
}

type rawAccessPol struct {
	AllowedSchemas []string `yaml:"allowed_schemas"`
	Tables         struct {
		Allowed []string `yaml:"allowed"`
		Denied  []string `yaml:"denied"`
	} `yaml:"tables"`
	Columns struct {
		DeniedPatterns []string `yaml:"denied_patterns"`
	} `yaml:"columns"`
	SelectStarPolicy string       `yaml:"select_star_policy"`
	OnDenied         string       `yaml:"on_denied"`
	ExplainPolicy    rawExplainPol `yaml:"explain_policy"`
}

type rawExplainPol struct {
	Enabled                  *bool    `yaml:"enabled"`
	MaxEstimatedRows         int64    `yaml:"max_estimated_rows"`
	MaxEstimatedCost         float64  `yaml:"max_estimated_cost"`
	DenySeqScanOnLargeTables *bool    `yaml:"deny_seq_scan_on_large_tables"`
	LargeTableThreshold      int64    `yaml:"large_table_threshold"`
	CacheTTLSeconds          int      `yaml:"cache_ttl_seconds"`
	CacheMaxSize             int      `yaml:"cache_max_size"`
	TimeoutSeconds           float64  `yaml:"timeout_seconds"`
}

type rawOpenAI struct {
	APIKey     string  `yaml:"api_key"`
	Model      string  `yaml:"model"`
	BaseURL    string  `yaml:"base_url"`
	MaxRetries int     `yaml:"max_retries"`
	Timeout    float64 `yaml:"timeout"`
}

type rawServer struct {
	CacheRefreshInterval    int     `yaml:"cache_refresh_interval"`
	MaxResultRows           int     `yaml:"max_result_rows"`
	QueryTimeout            float64 `yaml:"query_timeout"`
	MaxSQLRetry             int     `yaml:"max_sql_retry"`
	UseReadonlyTransactions *bool   `yaml:"use_readonly_transactions"`
	EnableResultValidation  bool    `yaml:"enable_result_validation"`
	RateLimit               struct {
		Enabled           *bool `yaml:"enabled"`
		RequestsPerMinute int   `yaml:"requests_per_minute"`
		RequestsPerHour   int   `yaml:"requests_per_hour"`
		TokensPerMinute   int   `yaml:"openai_tokens_per_minute"`
		IdleTimeoutSeconds int  `yaml:"idle_timeout_seconds"`
	} `yaml:"rate_limit"`
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

// expandEnvVars supports ${VAR} and ${VAR:-default}, matching
// config/loader.py's expand_env_vars.
func expandEnvVars(value string) string {
	return envVarPattern.ReplaceAllStringFunc(value, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, def := sub[1], sub[2]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		if len(sub) > 2 && strings.Contains(match, ":-") {
			return def
		}
		return match
	})
}

// LoadFile loads and expands a YAML config file, the out-of-core-scope
// collaborator spec.md §1 names; kept here so the module is runnable
// end-to-end, the way the teacher's cmd wires env vars directly.
func LoadFile(path string) (AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}
	expanded := expandEnvVars(string(data))

	var raw rawYAML
	if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
		return AppConfig{}, fmt.Errorf("parse config yaml: %w", err)
	}
	return fromRaw(raw)
}

func fromRaw(raw rawYAML) (AppConfig, error) {
	cfg := AppConfig{
		OpenAI: OpenAIConfig{
			APIKey:     Secret(raw.OpenAI.APIKey),
			Model:      orDefault(raw.OpenAI.Model, "gpt-4o-mini"),
			BaseURL:    raw.OpenAI.BaseURL,
			MaxRetries: intOrDefault(raw.OpenAI.MaxRetries, 3),
			Timeout:    floatOrDefault(raw.OpenAI.Timeout, 30),
		},
		Server: DefaultServerConfig(),
	}

	if raw.Server.CacheRefreshInterval > 0 {
		cfg.Server.CacheRefreshInterval = raw.Server.CacheRefreshInterval
	}
	if raw.Server.MaxResultRows > 0 {
		cfg.Server.MaxResultRows = raw.Server.MaxResultRows
	}
	if raw.Server.QueryTimeout > 0 {
		cfg.Server.QueryTimeout = raw.Server.QueryTimeout
	}
	if raw.Server.MaxSQLRetry > 0 || raw.Server.MaxSQLRetry == 0 {
		cfg.Server.MaxSQLRetry = raw.Server.MaxSQLRetry
	}
	if raw.Server.UseReadonlyTransactions != nil {
		cfg.Server.UseReadonlyTransactions = *raw.Server.UseReadonlyTransactions
	}
	cfg.Server.EnableResultValidation = raw.Server.EnableResultValidation

	rl := &cfg.Server.RateLimit
	if raw.Server.RateLimit.Enabled != nil {
		rl.Enabled = *raw.Server.RateLimit.Enabled
	}
	if raw.Server.RateLimit.RequestsPerMinute > 0 {
		rl.RequestsPerMinute = raw.Server.RateLimit.RequestsPerMinute
	}
	if raw.Server.RateLimit.RequestsPerHour > 0 {
		rl.RequestsPerHour = raw.Server.RateLimit.RequestsPerHour
	}
	if raw.Server.RateLimit.TokensPerMinute > 0 {
		rl.OpenAITokensPerMin = raw.Server.RateLimit.TokensPerMinute
	}
	if raw.Server.RateLimit.IdleTimeoutSeconds > 0 {
		rl.IdleTimeoutSeconds = raw.Server.RateLimit.IdleTimeoutSeconds
	}

	for _, rd := range raw.Databases {
		db := DatabaseConfig{
			Name:        strings.ToLower(rd.Name),
			Host:        rd.Host,
			Port:        intOrDefault(rd.Port, 5432),
			Database:    rd.DBName,
			User:        rd.User,
			Password:    Secret(rd.Password),
			URL:         rd.URL,
			SSLMode:     SSLMode(orDefault(rd.SSLMode, string(SSLPrefer))),
			MinPoolSize: intOrDefault(rd.MinPoolSize, 2),
			MaxPoolSize: intOrDefault(rd.MaxPoolSize, 10),
			AccessPolicy: accessPolicyFromRaw(rd.AccessPolicy),
		}
		if err := db.Validate(); err != nil {
			return AppConfig{}, err
		}
		cfg.Databases = append(cfg.Databases, db)
	}

	if len(cfg.Databases) == 0 {
		return AppConfig{}, fmt.Errorf("at least one database must be configured")
	}
	return cfg, nil
}

func accessPolicyFromRaw(r rawAccessPol) AccessPolicyConfig {
	pol := DefaultAccessPolicy()
	if len(r.AllowedSchemas) > 0 {
		pol.AllowedSchemas = r.AllowedSchemas
	}
	pol.Tables = TableAccessConfig{Allowed: r.Tables.Allowed, Denied: r.Tables.Denied}
	pol.Columns = ColumnAccessConfig{DeniedPatterns: r.Columns.DeniedPatterns}
	if r.SelectStarPolicy != "" {
		pol.SelectStarPolicy = SelectStarPolicy(r.SelectStarPolicy)
	}
	if r.OnDenied != "" {
		pol.OnDenied = OnDeniedAction(r.OnDenied)
	}
	ep := &pol.ExplainPolicy
	if r.ExplainPolicy.Enabled != nil {
		ep.Enabled = *r.ExplainPolicy.Enabled
	}
	if r.ExplainPolicy.MaxEstimatedRows > 0 {
		ep.MaxEstimatedRows = r.ExplainPolicy.MaxEstimatedRows
	}
	if r.ExplainPolicy.MaxEstimatedCost > 0 {
		ep.MaxEstimatedCost = r.ExplainPolicy.MaxEstimatedCost
	}
	if r.ExplainPolicy.DenySeqScanOnLargeTables != nil {
		ep.DenySeqScanOnLargeTables = *r.ExplainPolicy.DenySeqScanOnLargeTables
	}
	if r.ExplainPolicy.LargeTableThreshold > 0 {
		ep.LargeTableThreshold = r.ExplainPolicy.LargeTableThreshold
	}
	if r.ExplainPolicy.CacheTTLSeconds > 0 {
		ep.CacheTTLSeconds = r.ExplainPolicy.CacheTTLSeconds
	}
	if r.ExplainPolicy.CacheMaxSize > 0 {
		ep.CacheMaxSize = r.ExplainPolicy.CacheMaxSize
	}
	if r.ExplainPolicy.TimeoutSeconds > 0 {
		ep.TimeoutSeconds = r.ExplainPolicy.TimeoutSeconds
	}
	return pol
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
func intOrDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}
func floatOrDefault(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

// LoadEnv builds a single-database AppConfig purely from PG_MCP_*
// environment variables, matching config/loader.py's _load_from_env /
// the teacher's mustConfig. Only the flat single-database shape is
// supported from env (PG_MCP_DATABASES__0__NAME=...); the YAML path is the
// one to use for multi-database or access-policy configuration.
func LoadEnv() (AppConfig, error) {
	prefix := "PG_MCP_"
	env := map[string]string{}
	for _, kv := range os.Environ() {
		if !strings.HasPrefix(kv, prefix) {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		env[strings.TrimPrefix(parts[0], prefix)] = parts[1]
	}
	if len(env) == 0 {
		return AppConfig{}, fmt.Errorf("no PG_MCP_* environment variables found")
	}

	db := DatabaseConfig{
		SSLMode:     SSLPrefer,
		MinPoolSize: 2,
		MaxPoolSize: 10,
		AccessPolicy: DefaultAccessPolicy(),
	}
	cfg := AppConfig{Server: DefaultServerConfig()}

	for k, v := range env {
		k = strings.ToLower(k)
		switch {
		case strings.HasPrefix(k, "databases__0__name"):
			db.Name = strings.ToLower(v)
		case strings.HasPrefix(k, "databases__0__host"):
			db.Host = v
		case strings.HasPrefix(k, "databases__0__port"):
			if n, err := strconv.Atoi(v); err == nil {
				db.Port = n
			}
		case strings.HasPrefix(k, "databases__0__dbname"):
			db.Database = v
		case strings.HasPrefix(k, "databases__0__user"):
			db.User = v
		case strings.HasPrefix(k, "databases__0__password"):
			db.Password = Secret(v)
		case strings.HasPrefix(k, "databases__0__url"):
			db.URL = v
		case strings.HasPrefix(k, "databases__0__ssl_mode"):
			db.SSLMode = SSLMode(v)
		case k == "openai__api_key":
			cfg.OpenAI.APIKey = Secret(v)
		case k == "openai__model":
			cfg.OpenAI.Model = v
		case k == "openai__base_url":
			cfg.OpenAI.BaseURL = v
		case k == "server__query_timeout":
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				cfg.Server.QueryTimeout = f
			}
		case k == "server__max_result_rows":
			if n, err := strconv.Atoi(v); err == nil {
				cfg.Server.MaxResultRows = n
			}
		}
	}
	if db.Name == "" {
		return AppConfig{}, fmt.Errorf("PG_MCP_DATABASES__0__NAME is required")
	}
	if cfg.OpenAI.Model == "" {
		cfg.OpenAI.Model = "gpt-4o-mini"
	}
	if db.Port == 0 {
		db.Port = 5432
	}
	if err := db.Validate(); err != nil {
		return AppConfig{}, err
	}
	cfg.Databases = []DatabaseConfig{db}
	return cfg, nil
}

// Load resolves PG_MCP_CONFIG (a YAML path) if set, otherwise falls back to
// flat PG_MCP_* environment variables — the priority order from
// config/loader.py's load_config.
func Load() (AppConfig, error) {
	if path := os.Getenv("PG_MCP_CONFIG"); path != "" {
		return LoadFile(path)
	}
	return LoadEnv()
}
