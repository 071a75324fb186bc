// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for sharepoint-go. Values resolve through
// a four-layer chain: defaults -> config file -> environment -> CLI flags.
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
type Config struct {
	Identity  IdentityConfig  `toml:"identity"`
	Site      SiteConfig      `toml:"site"`
	Transfers TransfersConfig `toml:"transfers"`
	Logging   LoggingConfig   `toml:"logging"`
	Network   NetworkConfig   `toml:"network"`
	Metrics   MetricsConfig   `toml:"metrics"`
	Ledger    LedgerConfig    `toml:"ledger"`
}

// IdentityConfig names the app registration and its certificate. There are
// no built-in values; every deployment supplies its own.
type IdentityConfig struct {
	TenantID       string `toml:"tenant_id"`
	ClientID       string `toml:"client_id"`
	Thumbprint     string `toml:"certificate_thumbprint"`
	PrivateKeyFile string `toml:"private_key_file"`
	PassphraseEnv  string `toml:"private_key_passphrase_env"`
	AuthorityHost  string `toml:"authority_host"`

	// Passphrase is read from the environment during Resolve, never from
	// the file.
	Passphrase string `toml:"-" json:"-"`
}

// SiteConfig addresses the destination document library.
type SiteConfig struct {
	Hostname  string `toml:"hostname"`
	SitePath  string `toml:"site_path"`
	UploadDir string `toml:"upload_dir"`
}

// TransfersConfig controls session uploads. chunk_size must be a multiple
// of 320 KiB per the upload session API.
type TransfersConfig struct {
	ChunkSize      string `toml:"chunk_size"`
	ResumeSessions bool   `toml:"resume_sessions"`
	StagingDir     string `toml:"staging_dir"`
}

// LoggingConfig controls log output: level and format.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// NetworkConfig controls HTTP client behavior.
type NetworkConfig struct {
	ConnectTimeout string `toml:"connect_timeout"`
	DataTimeout    string `toml:"data_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// MetricsConfig enables the Prometheus endpoint when listen_addr is set.
type MetricsConfig struct {
	ListenAddr string `toml:"listen_addr"`
}

// LedgerConfig locates the SQLite ledger. Empty selects the default data dir.
type LedgerConfig struct {
	Path string `toml:"path"`
}

// CLIOverrides holds values from CLI flags. Pointer fields distinguish
// "not specified" (nil) from an explicit zero value.
type CLIOverrides struct {
	ConfigPath     string  // --config flag (empty = use default)
	UploadDir      *string // --dir flag
	ResumeSessions *bool   // --resume flag
	LogLevel       string  // derived from --verbose / --quiet
}

// ChunkSizeBytes returns the parsed chunk size. Call after Validate.
func (t *TransfersConfig) ChunkSizeBytes() int64 {
	n, err := ParseSize(t.ChunkSize)
	if err != nil {
		return 0
	}

	return n
}

// Timeouts returns the parsed connect and data timeouts. Call after Validate.
func (n *NetworkConfig) Timeouts() (connect, data time.Duration) {
	connect, _ = time.ParseDuration(n.ConnectTimeout)
	data, _ = time.ParseDuration(n.DataTimeout)

	return connect, data
}

// LedgerPath returns the configured ledger path, or the default under the
// data directory.
func (c *Config) LedgerPath() string {
	if c.Ledger.Path != "" {
		return expandTilde(c.Ledger.Path)
	}

	return DefaultLedgerPath()
}
