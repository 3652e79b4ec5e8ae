// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package config provides unified configuration loading and management for termlimits.
//
// Supports both TOML and JSON configuration formats, with sensible defaults,
// environment variable overrides, and validation.
//
// Configuration file locations (in order of precedence):
//   - ./termlimits.toml, ./termlimits.json (project-local)
//   - ~/.termlimits/config.toml
//   - ~/.termlimits/config.json
//   - Built-in defaults
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/TheMapleseed/Term-Limits/internal/security/classification"
	"github.com/TheMapleseed/Term-Limits/internal/util"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete termlimits configuration.
type Config struct {
	Version string `toml:"version" json:"version"`

	Build      BuildConfig      `toml:"build" json:"build"`
	Levels     LevelsConfig     `toml:"levels" json:"levels"`
	Protection ProtectionConfig `toml:"protection" json:"protection"`
	Signing    SigningConfig    `toml:"signing" json:"signing"`
	Validator  ValidatorConfig  `toml:"validator" json:"validator"`
	Session    SessionConfig    `toml:"session" json:"session"`
	Server     ServerConfig     `toml:"server" json:"server"`
	Watch      WatchConfig      `toml:"watch" json:"watch"`
	Audit      AuditConfig      `toml:"audit" json:"audit"`
	Logging    LoggingConfig    `toml:"logging" json:"logging"`
}

// BuildConfig controls module discovery and artifact emission.
type BuildConfig struct {
	// SourceRoot is the directory scanned for frontend modules
	SourceRoot string `toml:"source_root" json:"source_root"`
	// OutDir receives protected artifacts and the integrity manifest
	OutDir string `toml:"out_dir" json:"out_dir"`
	// BuildID is mixed into every content hash. Empty = TERMLIMITS_BUILD_ID or a fresh UUID.
	BuildID string `toml:"build_id" json:"build_id"`
	// Tag is the fixed leading hash input; changing it invalidates every cache key
	Tag string `toml:"tag" json:"tag"`
	// Concurrency bounds parallel module transforms (0 = GOMAXPROCS)
	Concurrency int `toml:"concurrency" json:"concurrency"`
	// CachePath is the SQLite build cache (empty disables caching)
	CachePath string `toml:"cache_path" json:"cache_path"`
	// Extensions lists module file extensions to include
	Extensions []string `toml:"extensions" json:"extensions"`
	// Exclude lists directory names skipped during discovery
	Exclude []string `toml:"exclude" json:"exclude"`
	// ManifestName is the manifest file name inside OutDir
	ManifestName string `toml:"manifest_name" json:"manifest_name"`
}

// LevelRule maps a module ID glob to a level name.
type LevelRule struct {
	Pattern string `toml:"pattern" json:"pattern"`
	Level   string `toml:"level" json:"level"`
}

// LevelsConfig controls level declaration and inference.
type LevelsConfig struct {
	// Default is used when no declaration, pragma, rule or marker applies
	Default string `toml:"default" json:"default"`
	// DeclarationFile is resolved against the source root (security.yaml or security.json)
	DeclarationFile string `toml:"declaration_file" json:"declaration_file"`
	// Rules are evaluated in order before naming markers
	Rules []LevelRule `toml:"rules" json:"rules"`
	// DisableMarkers turns off path/name conventions such as /admin/ or .secret.
	DisableMarkers bool `toml:"disable_markers" json:"disable_markers"`
}

// ProtectionConfig controls payload protection strategies and key rotation.
type ProtectionConfig struct {
	// KeyDir holds the protection key ring
	KeyDir string `toml:"key_dir" json:"key_dir"`
	// RotationIntervalHours is the lifetime of one key epoch
	RotationIntervalHours int `toml:"rotation_interval_hours" json:"rotation_interval_hours"`
	// RetainEpochs is how many past epochs stay available for decryption
	RetainEpochs int `toml:"retain_epochs" json:"retain_epochs"`
	// Strategies upgrades the strategy for a level (level name -> strategy name)
	Strategies map[string]string `toml:"strategies" json:"strategies"`
	// TopSecretPermission must be held by a session to unwrap TOP_SECRET payloads
	TopSecretPermission string `toml:"top_secret_permission" json:"top_secret_permission"`
}

// SigningConfig controls artifact and manifest signing keys.
type SigningConfig struct {
	// KeyDir holds one Ed25519 key pair per level plus the manifest key
	KeyDir string `toml:"key_dir" json:"key_dir"`
}

// ValidatorConfig controls runtime validation policy.
type ValidatorConfig struct {
	// RequireSignatureFrom is the lowest level whose artifacts must carry a valid signature
	RequireSignatureFrom string `toml:"require_signature_from" json:"require_signature_from"`
	// ConfidentialMaxRisk fails CONFIDENTIAL modules at or above this risk score
	ConfidentialMaxRisk int `toml:"confidential_max_risk" json:"confidential_max_risk"`
	// TopSecretMaxRisk fails TOP_SECRET modules at or above this risk score
	TopSecretMaxRisk int `toml:"top_secret_max_risk" json:"top_secret_max_risk"`
	// TimingSkewMillis is the timing anomaly that counts as an indicator
	TimingSkewMillis int `toml:"timing_skew_millis" json:"timing_skew_millis"`
}

// SessionConfig controls verification of tokens issued by the session backend.
type SessionConfig struct {
	Issuer   string `toml:"issuer" json:"issuer"`
	Audience string `toml:"audience" json:"audience"`
	// Secret is the HS256 shared secret. Prefer TERMLIMITS_SESSION_SECRET.
	Secret string `toml:"secret" json:"secret"`
	// PublicKeyPath is a PEM Ed25519 public key for EdDSA tokens (takes precedence over Secret)
	PublicKeyPath string `toml:"public_key_path" json:"public_key_path"`
	// LeewaySecs tolerates clock skew between the backend and termlimits
	LeewaySecs int `toml:"leeway_secs" json:"leeway_secs"`
	// TokenTTLMinutes is used by `termlimits token issue` for local development
	TokenTTLMinutes int `toml:"token_ttl_minutes" json:"token_ttl_minutes"`
}

// ServerConfig controls the edge endpoints.
type ServerConfig struct {
	Listen string `toml:"listen" json:"listen"`
	// RateLimit is requests per second per client
	RateLimit float64 `toml:"rate_limit" json:"rate_limit"`
	Burst     int     `toml:"burst" json:"burst"`
	// ReadTimeoutSecs bounds request header and body reads
	ReadTimeoutSecs int `toml:"read_timeout_secs" json:"read_timeout_secs"`
	// MaxBodyBytes bounds validation request bodies
	MaxBodyBytes int64 `toml:"max_body_bytes" json:"max_body_bytes"`
}

// WatchConfig controls incremental rebuilds.
type WatchConfig struct {
	DebounceMillis int `toml:"debounce_millis" json:"debounce_millis"`
}

// AuditConfig controls the security event log.
type AuditConfig struct {
	Enabled bool `toml:"enabled" json:"enabled"`
	// Path of the JSONL log (empty = ~/.termlimits/audit.log)
	Path string `toml:"path" json:"path"`
}

// LoggingConfig controls diagnostic logging.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error
	Level string `toml:"level" json:"level"`
	// Format is json or console
	Format string `toml:"format" json:"format"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns a Config with sensible default values.
func Default() *Config {
	return &Config{
		Version: "1.0.0",

		Build: BuildConfig{
			SourceRoot:   "src",
			OutDir:       "dist",
			BuildID:      "",
			Tag:          "termlimits-v1",
			Concurrency:  0, // GOMAXPROCS
			CachePath:    "",
			Extensions:   []string{".js", ".mjs", ".cjs", ".ts", ".tsx", ".jsx", ".css"},
			Exclude:      []string{"node_modules", ".git", "dist", "build", "coverage"},
			ManifestName: "integrity-manifest.json",
		},

		Levels: LevelsConfig{
			Default:         classification.NamePublic,
			DeclarationFile: "security.yaml",
		},

		Protection: ProtectionConfig{
			KeyDir:                "",
			RotationIntervalHours: 24,
			RetainEpochs:          7,
			TopSecretPermission:   "modules:top_secret",
		},

		Signing: SigningConfig{
			KeyDir: "",
		},

		Validator: ValidatorConfig{
			RequireSignatureFrom: classification.NameRestricted,
			ConfidentialMaxRisk:  40,
			TopSecretMaxRisk:     20,
			TimingSkewMillis:     100,
		},

		Session: SessionConfig{
			Issuer:          "termlimits-session",
			Audience:        "termlimits",
			LeewaySecs:      30,
			TokenTTLMinutes: 15,
		},

		Server: ServerConfig{
			Listen:          "127.0.0.1:8787",
			RateLimit:       20,
			Burst:           40,
			ReadTimeoutSecs: 10,
			MaxBodyBytes:    8 << 20,
		},

		Watch: WatchConfig{
			DebounceMillis: 250,
		},

		Audit: AuditConfig{
			Enabled: true,
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// =============================================================================
// CONFIG PATH HELPERS
// =============================================================================

// ConfigDir returns the termlimits configuration directory path.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("could not determine home directory: %w", err)
	}
	return filepath.Join(home, ".termlimits"), nil
}

// ConfigPathTOML returns the path to the user TOML config file.
func ConfigPathTOML() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// ConfigPathJSON returns the path to the user JSON config file.
func ConfigPathJSON() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.json"), nil
}

// candidatePaths returns config files in lookup order.
func candidatePaths() []string {
	paths := []string{"termlimits.toml", "termlimits.json"}
	if p, err := ConfigPathTOML(); err == nil {
		paths = append(paths, p)
	}
	if p, err := ConfigPathJSON(); err == nil {
		paths = append(paths, p)
	}
	return paths
}

// FindConfigFile returns the first existing config file in lookup order,
// or "" when only defaults apply.
func FindConfigFile() string {
	for _, path := range candidatePaths() {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ensureSecurePermissions tightens permissions on config files.
// SECURITY: Config may carry the session secret, so 0600 is enforced.
func ensureSecurePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	mode := info.Mode().Perm()
	if mode&0077 != 0 {
		if err := os.Chmod(path, 0600); err != nil {
			return fmt.Errorf("failed to fix insecure permissions (was %o): %w", mode, err)
		}
	}
	return nil
}

// =============================================================================
// LOAD FUNCTIONS
// =============================================================================

// Load loads configuration from the first config file found, falling back to
// defaults. Environment overrides are applied last.
// CONFIG: Comprehensive validation ensures safe configuration
func Load() (*Config, error) {
	if path := FindConfigFile(); path != "" {
		return LoadFromPath(path)
	}

	cfg := Default()
	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadTOML decodes a TOML file on top of cfg.
func LoadTOML(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return fmt.Errorf("failed to decode TOML file: %w", err)
	}
	return nil
}

// LoadJSON decodes a JSON file on top of cfg.
func LoadJSON(cfg *Config, path string) error {
	if err := ensureSecurePermissions(path); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: could not ensure secure permissions on %s: %v\n", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read JSON file: %w", err)
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to decode JSON file: %w", err)
	}
	return nil
}

// LoadFromPath loads configuration from a specific file path with full validation.
// Values absent from the file keep their defaults.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if strings.HasSuffix(path, ".json") {
		if err := LoadJSON(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load JSON config from %s: %w", path, err)
		}
	} else {
		if err := LoadTOML(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load TOML config from %s: %w", path, err)
		}
	}

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// finish applies env overrides, defaults and validation.
func (c *Config) finish() error {
	c.ApplyEnvOverrides()
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// =============================================================================
// SAVE FUNCTIONS
// =============================================================================

// SaveTOML saves the configuration to a TOML file.
// SECURITY: Written with 0600 permissions (owner read/write only).
func SaveTOML(cfg *Config, path string) error {
	var b strings.Builder
	b.WriteString("# termlimits configuration file\n")
	b.WriteString("# Generated by termlimits - edit with care\n\n")

	if err := toml.NewEncoder(&b).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	// RELIABILITY: Atomic write with fsync prevents data loss on crash
	if err := util.AtomicWriteFile(path, []byte(b.String()), 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// SaveJSON saves the configuration to a JSON file.
func SaveJSON(cfg *Config, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := util.AtomicWriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateErrors is a collection of validation errors.
type ValidateErrors []ValidationError

func (e ValidateErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Validate validates the configuration and returns every problem found.
func (c *Config) Validate() error {
	var errs ValidateErrors
	add := func(field, format string, args ...interface{}) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	// Build
	if strings.TrimSpace(c.Build.SourceRoot) == "" {
		add("build.source_root", "must not be empty")
	}
	if strings.TrimSpace(c.Build.OutDir) == "" {
		add("build.out_dir", "must not be empty")
	}
	if c.Build.Tag == "" || strings.ContainsAny(c.Build.Tag, " \t\n") {
		add("build.tag", "must be a non-empty token without whitespace (got %q)", c.Build.Tag)
	}
	if c.Build.Concurrency < 0 || c.Build.Concurrency > 256 {
		add("build.concurrency", "must be between 0 and 256 (got %d)", c.Build.Concurrency)
	}
	if len(c.Build.Extensions) == 0 {
		add("build.extensions", "at least one extension is required")
	}
	for _, ext := range c.Build.Extensions {
		if !strings.HasPrefix(ext, ".") {
			add("build.extensions", "extension %q must start with '.'", ext)
		}
	}
	if strings.ContainsAny(c.Build.ManifestName, `/\`) {
		add("build.manifest_name", "must be a file name, not a path")
	}

	// Levels
	if _, err := classification.Parse(c.Levels.Default); err != nil {
		add("levels.default", "%v", err)
	}
	for i, r := range c.Levels.Rules {
		if _, err := classification.ParseRule(r.Pattern, r.Level); err != nil {
			add(fmt.Sprintf("levels.rules[%d]", i), "%v", err)
		}
	}

	// Protection
	if c.Protection.RotationIntervalHours < 1 {
		add("protection.rotation_interval_hours", "must be at least 1 (got %d)", c.Protection.RotationIntervalHours)
	}
	if c.Protection.RetainEpochs < 1 {
		add("protection.retain_epochs", "must be at least 1 (got %d)", c.Protection.RetainEpochs)
	}
	for level := range c.Protection.Strategies {
		if _, err := classification.Parse(level); err != nil {
			add("protection.strategies", "%v", err)
		}
	}
	if c.Protection.TopSecretPermission == "" {
		add("protection.top_secret_permission", "must not be empty")
	}

	// Validator
	if _, err := classification.Parse(c.Validator.RequireSignatureFrom); err != nil {
		add("validator.require_signature_from", "%v", err)
	}
	if c.Validator.ConfidentialMaxRisk < 1 || c.Validator.ConfidentialMaxRisk > 100 {
		add("validator.confidential_max_risk", "must be between 1 and 100 (got %d)", c.Validator.ConfidentialMaxRisk)
	}
	if c.Validator.TopSecretMaxRisk < 1 || c.Validator.TopSecretMaxRisk > 100 {
		add("validator.top_secret_max_risk", "must be between 1 and 100 (got %d)", c.Validator.TopSecretMaxRisk)
	}
	if c.Validator.TopSecretMaxRisk > c.Validator.ConfidentialMaxRisk {
		add("validator.top_secret_max_risk", "must not be looser than confidential_max_risk")
	}

	// Session
	if c.Session.LeewaySecs < 0 || c.Session.LeewaySecs > 300 {
		add("session.leeway_secs", "must be between 0 and 300 (got %d)", c.Session.LeewaySecs)
	}
	if c.Session.Secret != "" && len(c.Session.Secret) < 32 {
		add("session.secret", "must be at least 32 bytes when set")
	}

	// Server
	if c.Server.RateLimit <= 0 {
		add("server.rate_limit", "must be positive (got %v)", c.Server.RateLimit)
	}
	if c.Server.Burst < 1 {
		add("server.burst", "must be at least 1 (got %d)", c.Server.Burst)
	}

	// Logging
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		add("logging.level", "invalid level %q, must be one of: debug, info, warn, error", c.Logging.Level)
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		add("logging.format", "invalid format %q, must be json or console", c.Logging.Format)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// SetDefaults fills zero values that have a meaningful default.
func (c *Config) SetDefaults() {
	d := Default()

	if c.Version == "" {
		c.Version = d.Version
	}
	if c.Build.SourceRoot == "" {
		c.Build.SourceRoot = d.Build.SourceRoot
	}
	if c.Build.OutDir == "" {
		c.Build.OutDir = d.Build.OutDir
	}
	if c.Build.Tag == "" {
		c.Build.Tag = d.Build.Tag
	}
	if len(c.Build.Extensions) == 0 {
		c.Build.Extensions = d.Build.Extensions
	}
	if c.Build.ManifestName == "" {
		c.Build.ManifestName = d.Build.ManifestName
	}
	if c.Levels.Default == "" {
		c.Levels.Default = d.Levels.Default
	}
	if c.Protection.RotationIntervalHours == 0 {
		c.Protection.RotationIntervalHours = d.Protection.RotationIntervalHours
	}
	if c.Protection.RetainEpochs == 0 {
		c.Protection.RetainEpochs = d.Protection.RetainEpochs
	}
	if c.Protection.TopSecretPermission == "" {
		c.Protection.TopSecretPermission = d.Protection.TopSecretPermission
	}
	if c.Validator.RequireSignatureFrom == "" {
		c.Validator.RequireSignatureFrom = d.Validator.RequireSignatureFrom
	}
	if c.Validator.ConfidentialMaxRisk == 0 {
		c.Validator.ConfidentialMaxRisk = d.Validator.ConfidentialMaxRisk
	}
	if c.Validator.TopSecretMaxRisk == 0 {
		c.Validator.TopSecretMaxRisk = d.Validator.TopSecretMaxRisk
	}
	if c.Validator.TimingSkewMillis == 0 {
		c.Validator.TimingSkewMillis = d.Validator.TimingSkewMillis
	}
	if c.Session.Issuer == "" {
		c.Session.Issuer = d.Session.Issuer
	}
	if c.Session.Audience == "" {
		c.Session.Audience = d.Session.Audience
	}
	if c.Session.TokenTTLMinutes == 0 {
		c.Session.TokenTTLMinutes = d.Session.TokenTTLMinutes
	}
	if c.Server.Listen == "" {
		c.Server.Listen = d.Server.Listen
	}
	if c.Server.RateLimit == 0 {
		c.Server.RateLimit = d.Server.RateLimit
	}
	if c.Server.Burst == 0 {
		c.Server.Burst = d.Server.Burst
	}
	if c.Server.ReadTimeoutSecs == 0 {
		c.Server.ReadTimeoutSecs = d.Server.ReadTimeoutSecs
	}
	if c.Server.MaxBodyBytes == 0 {
		c.Server.MaxBodyBytes = d.Server.MaxBodyBytes
	}
	if c.Watch.DebounceMillis == 0 {
		c.Watch.DebounceMillis = d.Watch.DebounceMillis
	}
	if c.Logging.Level == "" {
		c.Logging.Level = d.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = d.Logging.Format
	}

	// Key directories default under the config dir
	if c.Protection.KeyDir == "" || c.Signing.KeyDir == "" {
		base := filepath.Join(".", ".termlimits")
		if dir, err := ConfigDir(); err == nil {
			base = dir
		}
		if c.Protection.KeyDir == "" {
			c.Protection.KeyDir = filepath.Join(base, "keys", "protect")
		}
		if c.Signing.KeyDir == "" {
			c.Signing.KeyDir = filepath.Join(base, "keys", "signing")
		}
	}
}

// =============================================================================
// ENVIRONMENT OVERRIDES
// =============================================================================

// ApplyEnvOverrides applies TERMLIMITS_* environment variables.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("TERMLIMITS_SOURCE_ROOT"); v != "" {
		c.Build.SourceRoot = v
	}
	if v := os.Getenv("TERMLIMITS_OUT_DIR"); v != "" {
		c.Build.OutDir = v
	}
	if v := os.Getenv("TERMLIMITS_BUILD_ID"); v != "" {
		c.Build.BuildID = v
	}
	if v := os.Getenv("TERMLIMITS_CACHE_PATH"); v != "" {
		c.Build.CachePath = v
	}
	if v := os.Getenv("TERMLIMITS_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Build.Concurrency = n
		}
	}
	if v := os.Getenv("TERMLIMITS_KEY_DIR"); v != "" {
		c.Protection.KeyDir = filepath.Join(v, "protect")
		c.Signing.KeyDir = filepath.Join(v, "signing")
	}
	// SECURITY: Keep the shared secret out of config files where possible
	if v := os.Getenv("TERMLIMITS_SESSION_SECRET"); v != "" {
		c.Session.Secret = v
	}
	if v := os.Getenv("TERMLIMITS_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("TERMLIMITS_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TERMLIMITS_AUDIT"); v != "" {
		c.Audit.Enabled = v == "1" || strings.EqualFold(v, "true")
	}
}

// =============================================================================
// TYPED ACCESSORS
// =============================================================================

// DefaultLevel returns the parsed default level.
func (c *Config) DefaultLevel() classification.Level {
	l, err := classification.Parse(c.Levels.Default)
	if err != nil {
		return classification.Public
	}
	return l
}

// LevelRules converts configured rules into classification rules.
func (c *Config) LevelRules() ([]classification.Rule, error) {
	rules := make([]classification.Rule, 0, len(c.Levels.Rules))
	for i, r := range c.Levels.Rules {
		rule, err := classification.ParseRule(r.Pattern, r.Level)
		if err != nil {
			return nil, fmt.Errorf("levels.rules[%d]: %w", i, err)
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

// Inferrer builds the level inferrer described by the config.
func (c *Config) Inferrer() (*classification.Inferrer, error) {
	rules, err := c.LevelRules()
	if err != nil {
		return nil, err
	}
	inf := classification.NewInferrer(c.DefaultLevel(), rules...)
	if c.Levels.DisableMarkers {
		inf.WithoutMarkers()
	}
	return inf, nil
}

// RotationInterval returns the key epoch length.
func (c *Config) RotationInterval() time.Duration {
	return time.Duration(c.Protection.RotationIntervalHours) * time.Hour
}

// Concurrency returns the effective transform concurrency.
func (c *Config) Concurrency() int {
	if c.Build.Concurrency <= 0 {
		return runtime.GOMAXPROCS(0)
	}
	return c.Build.Concurrency
}

// Debounce returns the watch debounce interval.
func (c *Config) Debounce() time.Duration {
	return time.Duration(c.Watch.DebounceMillis) * time.Millisecond
}

// ManifestPath returns the manifest location inside the output directory.
func (c *Config) ManifestPath() string {
	return filepath.Join(c.Build.OutDir, c.Build.ManifestName)
}

// AuditPath returns the audit log path, defaulting under the config dir.
func (c *Config) AuditPath() string {
	if c.Audit.Path != "" {
		return c.Audit.Path
	}
	dir, err := ConfigDir()
	if err != nil {
		return filepath.Join(".termlimits", "audit.log")
	}
	return filepath.Join(dir, "audit.log")
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	out := *c
	out.Build.Extensions = append([]string(nil), c.Build.Extensions...)
	out.Build.Exclude = append([]string(nil), c.Build.Exclude...)
	out.Levels.Rules = append([]LevelRule(nil), c.Levels.Rules...)
	if c.Protection.Strategies != nil {
		out.Protection.Strategies = make(map[string]string, len(c.Protection.Strategies))
		for k, v := range c.Protection.Strategies {
			out.Protection.Strategies[k] = v
		}
	}
	return &out
}

// =============================================================================
// GET/SET HELPERS (DOT NOTATION)
// =============================================================================

// Get retrieves a configuration value using dot notation (e.g., "build.out_dir").
func (c *Config) Get(key string) (interface{}, error) {
	field, err := c.lookup(key)
	if err != nil {
		return nil, err
	}
	return field.Interface(), nil
}

// Set sets a configuration value using dot notation. String values are
// converted to the field's type.
func (c *Config) Set(key string, value interface{}) error {
	field, err := c.lookup(key)
	if err != nil {
		return err
	}
	if !field.CanSet() {
		return fmt.Errorf("cannot set field: %s", key)
	}
	return setFieldValue(field, value)
}

func (c *Config) lookup(key string) (reflect.Value, error) {
	if key == "" {
		return reflect.Value{}, errors.New("empty key")
	}
	parts := strings.Split(key, ".")

	v := reflect.ValueOf(c).Elem()
	for i, part := range parts {
		field, ok := fieldByTag(v, part)
		if !ok {
			return reflect.Value{}, fmt.Errorf("unknown field: %s", strings.Join(parts[:i+1], "."))
		}
		if i == len(parts)-1 {
			return field, nil
		}
		if field.Kind() != reflect.Struct {
			return reflect.Value{}, fmt.Errorf("field '%s' is not a struct", strings.Join(parts[:i+1], "."))
		}
		v = field
	}
	return reflect.Value{}, fmt.Errorf("invalid key: %s", key)
}

// fieldByTag finds a struct field by its toml tag name.
func fieldByTag(v reflect.Value, name string) (reflect.Value, bool) {
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		tag := strings.Split(t.Field(i).Tag.Get("toml"), ",")[0]
		if tag == name {
			return v.Field(i), true
		}
	}
	return reflect.Value{}, false
}

// setFieldValue sets a reflect.Value from an interface{} value with type conversion.
func setFieldValue(field reflect.Value, value interface{}) error {
	if strVal, ok := value.(string); ok {
		switch field.Kind() {
		case reflect.String:
			field.SetString(strVal)
			return nil
		case reflect.Int, reflect.Int64:
			intVal, err := strconv.ParseInt(strVal, 10, 64)
			if err != nil {
				return fmt.Errorf("invalid integer value: %v", err)
			}
			field.SetInt(intVal)
			return nil
		case reflect.Float64:
			floatVal, err := strconv.ParseFloat(strVal, 64)
			if err != nil {
				return fmt.Errorf("invalid float value: %v", err)
			}
			field.SetFloat(floatVal)
			return nil
		case reflect.Bool:
			lower := strings.ToLower(strVal)
			field.SetBool(lower == "1" || lower == "true" || lower == "yes")
			return nil
		case reflect.Slice:
			if field.Type().Elem().Kind() == reflect.String {
				var items []string
				for _, s := range strings.Split(strVal, ",") {
					if s = strings.TrimSpace(s); s != "" {
						items = append(items, s)
					}
				}
				field.Set(reflect.ValueOf(items))
				return nil
			}
		}
	}

	val := reflect.ValueOf(value)
	if val.Type().AssignableTo(field.Type()) {
		field.Set(val)
		return nil
	}
	if val.Type().ConvertibleTo(field.Type()) {
		field.Set(val.Convert(field.Type()))
		return nil
	}
	return fmt.Errorf("cannot assign %T to %s", value, field.Type())
}

// =============================================================================
// GLOBAL CONFIG
// =============================================================================

var (
	globalConfig     *Config
	globalConfigOnce sync.Once
	globalConfigMu   sync.RWMutex
)

// Global returns the global configuration instance.
// Loads configuration on first access. Thread-safe.
func Global() *Config {
	globalConfigOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v (using defaults)\n", err)
			cfg = Default()
			cfg.SetDefaults()
		}
		globalConfigMu.Lock()
		if globalConfig == nil {
			globalConfig = cfg
		}
		globalConfigMu.Unlock()
	})

	globalConfigMu.RLock()
	defer globalConfigMu.RUnlock()
	return globalConfig
}

// SetGlobal sets the global configuration instance. Thread-safe.
func SetGlobal(cfg *Config) {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = cfg
}

// ResetGlobalForTesting resets the global config state for testing.
func ResetGlobalForTesting() {
	globalConfigMu.Lock()
	defer globalConfigMu.Unlock()
	globalConfig = nil
	globalConfigOnce = sync.Once{}
}
