package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Validation range constants.
const (
	chunkAlignBytes   = 327_680    // 320 KiB alignment for upload chunks
	minChunkBytes     = 327_680    // 320 KiB
	maxChunkBytes     = 62_914_560 // 60 MiB
	minConnectTimeout = 1 * time.Second
	minDataTimeout    = 5 * time.Second
)

// Validate checks all configuration values and returns all errors found.
// Identity and site fields may be empty here; commands that talk to the
// service call RequireIdentity and RequireSite.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateIdentity(&cfg.Identity)...)
	errs = append(errs, validateSite(&cfg.Site)...)
	errs = append(errs, validateChunkSize(cfg.Transfers.ChunkSize)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateMetrics(&cfg.Metrics)...)

	return errors.Join(errs...)
}

// RequireIdentity reports every identity field needed to acquire a token
// that is still empty. The thumbprint may be omitted when the key file
// carries the certificate.
func (c *Config) RequireIdentity() error {
	var errs []error

	if c.Identity.TenantID == "" {
		errs = append(errs, fmt.Errorf("identity.tenant_id: required (or set %s)", EnvTenantID))
	}

	if c.Identity.ClientID == "" {
		errs = append(errs, fmt.Errorf("identity.client_id: required (or set %s)", EnvClientID))
	}

	if c.Identity.PrivateKeyFile == "" {
		errs = append(errs, errors.New("identity.private_key_file: required"))
	}

	return errors.Join(errs...)
}

// RequireSite reports every missing site field.
func (c *Config) RequireSite() error {
	var errs []error

	if c.Site.Hostname == "" {
		errs = append(errs, errors.New("site.hostname: required"))
	}

	if c.Site.SitePath == "" {
		errs = append(errs, errors.New("site.site_path: required"))
	}

	return errors.Join(errs...)
}

func validateIdentity(id *IdentityConfig) []error {
	var errs []error

	if id.AuthorityHost != "" {
		u, err := url.Parse(id.AuthorityHost)
		if err != nil || u.Scheme != "https" || u.Host == "" {
			errs = append(errs, fmt.Errorf("identity.authority_host: must be an https URL, got %q", id.AuthorityHost))
		}
	}

	if strings.ContainsAny(id.PassphraseEnv, "= ") {
		errs = append(errs, fmt.Errorf("identity.private_key_passphrase_env: not a valid variable name: %q", id.PassphraseEnv))
	}

	return errs
}

func validateSite(s *SiteConfig) []error {
	var errs []error

	if strings.Contains(s.Hostname, "/") {
		errs = append(errs, fmt.Errorf("site.hostname: must be a bare host name, got %q", s.Hostname))
	}

	if s.SitePath != "" && !strings.HasPrefix(s.SitePath, "/") {
		errs = append(errs, fmt.Errorf("site.site_path: must start with /, got %q", s.SitePath))
	}

	if strings.Contains(s.UploadDir, `\`) {
		errs = append(errs, fmt.Errorf("site.upload_dir: use / as the separator, got %q", s.UploadDir))
	}

	return errs
}

func validateChunkSize(s string) []error {
	bytes, err := ParseSize(s)
	if err != nil {
		return []error{fmt.Errorf("transfers.chunk_size: %w", err)}
	}

	if bytes < minChunkBytes || bytes > maxChunkBytes {
		return []error{fmt.Errorf("transfers.chunk_size: must be between 320KiB and 60MiB, got %s", s)}
	}

	if bytes%chunkAlignBytes != 0 {
		return []error{fmt.Errorf(
			"transfers.chunk_size: must be a multiple of 320 KiB (%d bytes), got %s (%d bytes)",
			chunkAlignBytes, s, bytes)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateNetwork(n *NetworkConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("network.connect_timeout", n.ConnectTimeout, minConnectTimeout)...)
	errs = append(errs, validateDurationMin("network.data_timeout", n.DataTimeout, minDataTimeout)...)

	return errs
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}

func validateMetrics(m *MetricsConfig) []error {
	if m.ListenAddr == "" {
		return nil
	}

	if _, _, err := net.SplitHostPort(m.ListenAddr); err != nil {
		return []error{fmt.Errorf("metrics.listen_addr: %w", err)}
	}

	return nil
}
