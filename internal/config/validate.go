package config

import (
	"fmt"
	"strings"
)

// ValidationResult mirrors config/validators.py's ValidationResult: a
// config can be usable with warnings, but errors mean reject outright.
type ValidationResult struct {
	Errors   []string
	Warnings []string
}

func (r ValidationResult) Valid() bool { return len(r.Errors) == 0 }

// Validate runs the structural bound checks (DatabaseConfig.Validate,
// already applied at load time) plus the cross-field consistency checks
// config/validators.py's ConfigValidator performs: duplicate database
// names, allow/deny table conflicts, suspicious column patterns, and
// missing restrictions worth flagging even though they're not errors.
func Validate(cfg AppConfig) ValidationResult {
	var res ValidationResult

	seen := map[string]bool{}
	for _, db := range cfg.Databases {
		if seen[db.Name] {
			res.Errors = append(res.Errors, fmt.Sprintf("duplicate database name %q", db.Name))
		}
		seen[db.Name] = true

		if err := db.Validate(); err != nil {
			res.Errors = append(res.Errors, err.Error())
		}
		validateAccessPolicy(db.Name, db.AccessPolicy, &res)
	}

	if len(cfg.Databases) == 0 {
		res.Errors = append(res.Errors, "at least one database must be configured")
	}
	return res
}

func validateAccessPolicy(dbName string, pol AccessPolicyConfig, res *ValidationResult) {
	allowed := map[string]bool{}
	for _, t := range pol.Tables.Allowed {
		allowed[strings.ToLower(t)] = true
	}
	for _, t := range pol.Tables.Denied {
		lt := strings.ToLower(t)
		if allowed[lt] {
			res.Errors = append(res.Errors,
				fmt.Sprintf("database %q: table %q is both allowed and denied", dbName, t))
		}
	}

	for _, p := range pol.Columns.DeniedPatterns {
		if err := validateColumnPattern(p); err != "" {
			res.Errors = append(res.Errors, fmt.Sprintf("database %q: %s", dbName, err))
			continue
		}
		wildcards := strings.Count(p, "*")
		if wildcards > 2 {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("database %q: pattern %q has more than two wildcards, likely too broad", dbName, p))
		}
		if p == "*.*" || p == "*" {
			res.Warnings = append(res.Warnings,
				fmt.Sprintf("database %q: pattern %q denies every column in every table", dbName, p))
		}
	}

	if len(pol.AllowedSchemas) == 0 {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("database %q: no allowed_schemas configured, all schemas are reachable", dbName))
	}
	if len(pol.Tables.Allowed) == 0 && len(pol.Tables.Denied) == 0 {
		res.Warnings = append(res.Warnings,
			fmt.Sprintf("database %q: no table allow/deny list configured, every table is reachable", dbName))
	}
}

// validateColumnPattern matches config/validators.py's
// _validate_column_pattern: only word characters, dots, wildcards, and
// hyphens are allowed in a glob pattern. Returns "" when valid.
func validateColumnPattern(pattern string) string {
	for _, r := range pattern {
		ok := (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') ||
			r == '.' || r == '*' || r == '-' || r == '_'
		if !ok {
			return fmt.Sprintf("invalid column pattern %q: only letters, digits, '.', '*', '-', '_' allowed", pattern)
		}
	}
	if pattern == "" {
		return "empty column pattern"
	}
	return ""
}

// Format renders a ValidationResult the way
// print_validation_result/validate_config_command do: errors first, then
// warnings, one per line.
func (r ValidationResult) Format() string {
	var b strings.Builder
	if len(r.Errors) == 0 {
		b.WriteString("configuration is valid\n")
	} else {
		fmt.Fprintf(&b, "%d error(s):\n", len(r.Errors))
		for _, e := range r.Errors {
			fmt.Fprintf(&b, "  - %s\n", e)
		}
	}
	if len(r.Warnings) > 0 {
		fmt.Fprintf(&b, "%d warning(s):\n", len(r.Warnings))
		for _, w := range r.Warnings {
			fmt.Fprintf(&b, "  - %s\n", w)
		}
	}
	return b.String()
}
