package config

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`

	// AdminTokenHash is the bcrypt hash of the bearer token required by
	// mutating endpoints. Generated with `trackoor hash-token`. Empty
	// disables the admin surface entirely.
	AdminTokenHash string `yaml:"admin_token_hash,omitempty" mapstructure:"admin_token_hash"`
}

// RateLimitConfig configures per-client request throttling.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled" mapstructure:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute,omitempty" mapstructure:"requests_per_minute"`
}

// ArtifactsConfig configures the S3 bucket holding crash reports and
// conversation archives.
type ArtifactsConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
}

// CatalogConfig points at the read-only benchmark definition database.
type CatalogConfig struct {
	Path string `yaml:"path,omitempty" mapstructure:"path"`
}
