package config

import (
	"fmt"
	"io"
)

const redacted = "(set)"

// RenderEffective writes the resolved configuration as TOML-like text to w.
// This powers the "config show" command. The passphrase is never printed;
// only whether one was found.
func RenderEffective(cfg *Config, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("[identity]\n")
	ew.printf("  tenant_id                  = %q\n", cfg.Identity.TenantID)
	ew.printf("  client_id                  = %q\n", cfg.Identity.ClientID)
	ew.printf("  certificate_thumbprint     = %q\n", cfg.Identity.Thumbprint)
	ew.printf("  private_key_file           = %q\n", cfg.Identity.PrivateKeyFile)
	ew.printf("  private_key_passphrase_env = %q\n", passphraseVar(&cfg.Identity))

	if cfg.Identity.Passphrase != "" {
		ew.printf("  # passphrase               = %s\n", redacted)
	}

	if cfg.Identity.AuthorityHost != "" {
		ew.printf("  authority_host             = %q\n", cfg.Identity.AuthorityHost)
	}

	ew.printf("\n[site]\n")
	ew.printf("  hostname   = %q\n", cfg.Site.Hostname)
	ew.printf("  site_path  = %q\n", cfg.Site.SitePath)
	ew.printf("  upload_dir = %q\n", cfg.Site.UploadDir)

	ew.printf("\n[transfers]\n")
	ew.printf("  chunk_size      = %q\n", cfg.Transfers.ChunkSize)
	ew.printf("  resume_sessions = %t\n", cfg.Transfers.ResumeSessions)

	if cfg.Transfers.StagingDir != "" {
		ew.printf("  staging_dir     = %q\n", cfg.Transfers.StagingDir)
	}

	ew.printf("\n[logging]\n")
	ew.printf("  log_level  = %q\n", cfg.Logging.LogLevel)
	ew.printf("  log_format = %q\n", cfg.Logging.LogFormat)

	ew.printf("\n[network]\n")
	ew.printf("  connect_timeout = %q\n", cfg.Network.ConnectTimeout)
	ew.printf("  data_timeout    = %q\n", cfg.Network.DataTimeout)

	if cfg.Network.UserAgent != "" {
		ew.printf("  user_agent      = %q\n", cfg.Network.UserAgent)
	}

	if cfg.Metrics.ListenAddr != "" {
		ew.printf("\n[metrics]\n")
		ew.printf("  listen_addr = %q\n", cfg.Metrics.ListenAddr)
	}

	ew.printf("\n[ledger]\n")
	ew.printf("  path = %q\n", cfg.LedgerPath())

	return ew.err
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
