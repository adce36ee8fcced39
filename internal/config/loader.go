package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"strings"

	"github.com/goccy/go-yaml"
)

// validNameIDFormats are the accepted name_id_format values.
var validNameIDFormats = map[string]bool{
	"email": true, "persistent": true, "transient": true, "unspecified": true,
}

// validLogLevels are the accepted logging.level values.
var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "error": true,
}

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Parse(data)
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	// Expand environment variables
	expanded := l.expandEnvVars(string(data))

	// Start with defaults
	cfg := DefaultConfig()

	// Unmarshal YAML into config
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	// Validate configuration
	if err := l.validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := strings.TrimPrefix(strings.TrimSuffix(match, "}"), "${")
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match // Keep original if env var not set
	})
}

// validate checks configuration for errors
func (l *Loader) validate(cfg *Config) error {
	if cfg.Server.Address == "" {
		return fmt.Errorf("server: address is required")
	}
	if cfg.Server.TLS.Enabled {
		if cfg.Server.TLS.CertFile == "" {
			return fmt.Errorf("server: tls.cert_file is required when tls is enabled")
		}
		if cfg.Server.TLS.KeyFile == "" {
			return fmt.Errorf("server: tls.key_file is required when tls is enabled")
		}
	}

	if cfg.Admin.Enabled && cfg.Admin.Address == "" {
		return fmt.Errorf("admin: address is required when admin is enabled")
	}

	if err := l.validateSAML(&cfg.SAML); err != nil {
		return err
	}

	if cfg.Logging.Level != "" && !validLogLevels[cfg.Logging.Level] {
		return fmt.Errorf("logging: invalid level: %s", cfg.Logging.Level)
	}

	for i, user := range cfg.Users {
		if len(user) == 0 {
			return fmt.Errorf("users: entry %d is empty", i)
		}
		if user[cfg.SAML.SSOField] == "" {
			return fmt.Errorf("users: entry %d is missing the %q attribute", i, cfg.SAML.SSOField)
		}
	}

	return nil
}

// validateSAML checks the service-provider realm settings
func (l *Loader) validateSAML(sc *SAMLConfig) error {
	if sc.SSOField == "" {
		return fmt.Errorf("saml: sso_field is required")
	}
	if sc.CertFile == "" {
		return fmt.Errorf("saml: cert_file is required")
	}
	if sc.DefaultIdPMetadata == "" {
		return fmt.Errorf("saml: default_idp_metadata is required")
	}

	if sc.BaseURL == "" {
		return fmt.Errorf("saml: base_url is required")
	}
	u, err := url.Parse(sc.BaseURL)
	if err != nil {
		return fmt.Errorf("saml: invalid base_url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("saml: base_url must be http or https, got %q", sc.BaseURL)
	}
	if u.Host == "" {
		return fmt.Errorf("saml: base_url has no host: %q", sc.BaseURL)
	}

	if !strings.HasPrefix(sc.PathPrefix, "/") {
		return fmt.Errorf("saml: path_prefix must start with /, got %q", sc.PathPrefix)
	}

	if !validNameIDFormats[sc.NameIDFormat] {
		return fmt.Errorf("saml: invalid name_id_format: %s", sc.NameIDFormat)
	}

	if sc.MaxResponseSize <= 0 {
		return fmt.Errorf("saml: max_response_size must be positive, got %d", sc.MaxResponseSize)
	}
	if sc.ClockSkew < 0 {
		return fmt.Errorf("saml: clock_skew must not be negative, got %v", sc.ClockSkew)
	}
	if sc.RequestTTL <= 0 {
		return fmt.Errorf("saml: request_ttl must be positive, got %v", sc.RequestTTL)
	}
	if sc.ReplayTTL <= 0 {
		return fmt.Errorf("saml: replay_ttl must be positive, got %v", sc.ReplayTTL)
	}

	if sc.RateLimit.Rate < 0 {
		return fmt.Errorf("saml: rate_limit.rate must not be negative, got %v", sc.RateLimit.Rate)
	}
	if sc.RateLimit.Rate > 0 && sc.RateLimit.Burst < 1 {
		return fmt.Errorf("saml: rate_limit.burst must be at least 1 when rate limiting is on")
	}

	if sc.Session.SigningKey == "" {
		return fmt.Errorf("saml: session.signing_key is required")
	}
	if strings.HasPrefix(sc.Session.SigningKey, "${") {
		return fmt.Errorf("saml: session.signing_key references an unset environment variable")
	}
	if sc.Session.CookieName == "" {
		return fmt.Errorf("saml: session.cookie_name is required")
	}
	if sc.Session.MaxAge <= 0 {
		return fmt.Errorf("saml: session.max_age must be positive, got %v", sc.Session.MaxAge)
	}
	switch sc.Session.SameSite {
	case "", "lax", "strict", "none":
	default:
		return fmt.Errorf("saml: invalid session.same_site: %s", sc.Session.SameSite)
	}

	return nil
}
