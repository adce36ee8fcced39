package config

import (
	"time"
)

// Config represents the complete samlgate configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Admin   AdminConfig   `yaml:"admin"`
	SAML    SAMLConfig    `yaml:"saml"`
	Logging LoggingConfig `yaml:"logging"`

	// Users is the static user store consulted by the standalone binary.
	// Each entry is a flat attribute map; the attribute named by
	// saml.sso_field is the lookup key.
	Users []map[string]string `yaml:"users"`
}

// ServerConfig defines the public HTTP listener settings
type ServerConfig struct {
	Address           string        `yaml:"address"` // e.g., ":8443"
	ReadTimeout       time.Duration `yaml:"read_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
	IdleTimeout       time.Duration `yaml:"idle_timeout"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	MaxHeaderBytes    int           `yaml:"max_header_bytes"`
	TLS               TLSConfig     `yaml:"tls"`
}

// TLSConfig defines TLS settings for the public listener
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// AdminConfig defines admin API settings
type AdminConfig struct {
	Enabled bool          `yaml:"enabled"`
	Address string        `yaml:"address"` // e.g., ":9100"
	Pprof   bool          `yaml:"pprof"`   // Enable /debug/pprof/* endpoints
	Metrics MetricsConfig `yaml:"metrics"`
}

// MetricsConfig defines the metrics exposition endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"` // default "/metrics"
}

// SAMLConfig defines a service-provider realm.
type SAMLConfig struct {
	SSOField           string `yaml:"sso_field"`             // identity attribute matched against NameID
	CACertFile         string `yaml:"ca_cert_file"`          // PEM bundle of trusted roots for metadata fetch
	CertFile           string `yaml:"cert_file"`             // SP certificate, may hold cert+key combined
	KeyFile            string `yaml:"key_file"`              // optional separate SP private key
	DefaultIdPMetadata string `yaml:"default_idp_metadata"`  // IdP metadata URL or file path
	OrgName            string `yaml:"saml_org_name"`
	OrgDisplayName     string `yaml:"saml_org_display_name"`
	OrgContact         string `yaml:"saml_org_contact"`
	OverrideEntityID   string `yaml:"override_entity_id"`    // replaces the derived SP entity ID
	OverrideSAMLURL    string `yaml:"override_saml_url"`     // replaces the IdP SSO URL from metadata
	OverrideSAMLID     string `yaml:"override_saml_id"`      // replaces the IdP entity ID from metadata

	BaseURL           string          `yaml:"base_url"`                  // SP external base URL, no trailing slash
	PathPrefix        string          `yaml:"path_prefix"`               // default "/saml"
	SignRequests      bool            `yaml:"sign_requests"`
	NameIDFormat      string          `yaml:"name_id_format"`            // email|persistent|transient|unspecified
	MaxResponseSize   int64           `yaml:"max_response_size"`
	ClockSkew         time.Duration   `yaml:"clock_skew"`
	AllowIdPInitiated bool            `yaml:"allow_idp_initiated"`
	MetadataRefresh   time.Duration   `yaml:"metadata_refresh_interval"` // >0 enables periodic refresh
	RequestTTL        time.Duration   `yaml:"request_ttl"`               // outstanding AuthnRequest lifetime
	ReplayTTL         time.Duration   `yaml:"replay_ttl"`                // seen assertion ID retention
	RateLimit         RateLimitConfig `yaml:"rate_limit"`
	Session           SessionConfig   `yaml:"session"`
}

// RateLimitConfig defines login endpoint rate limiting. Rate 0 disables.
type RateLimitConfig struct {
	Rate  float64 `yaml:"rate"` // requests per second
	Burst int     `yaml:"burst"`
}

// SessionConfig defines the session cookie minted after a successful
// assertion.
type SessionConfig struct {
	SigningKey string        `yaml:"signing_key"`
	CookieName string        `yaml:"cookie_name"`
	MaxAge     time.Duration `yaml:"max_age"`
	Secure     bool          `yaml:"secure"`
	SameSite   string        `yaml:"same_site"` // lax|strict|none
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"` // stdout, stderr, or a file path
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`    // gzip rotated files (default true)
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:           ":8443",
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			MaxHeaderBytes:    1 << 20,
		},
		Admin: AdminConfig{
			Enabled: true,
			Address: ":9100",
			Metrics: MetricsConfig{
				Enabled: true,
				Path:    "/metrics",
			},
		},
		SAML: SAMLConfig{
			SSOField:        "email",
			PathPrefix:      "/saml",
			NameIDFormat:    "email",
			MaxResponseSize: 512 * 1024,
			RequestTTL:      90 * time.Second,
			ReplayTTL:       10 * time.Minute,
			Session: SessionConfig{
				CookieName: "samlgate_session",
				MaxAge:     8 * time.Hour,
				Secure:     true,
				SameSite:   "lax",
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: "stdout",
			Rotation: LogRotationConfig{
				MaxSize:    100,
				MaxBackups: 3,
				MaxAge:     28,
				Compress:   true,
			},
		},
	}
}
