package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.Equal(t, IdentityConfig{}, cfg.Identity, "no built-in identity")
	assert.Equal(t, SiteConfig{}, cfg.Site)

	assert.Equal(t, "10MiB", cfg.Transfers.ChunkSize)
	assert.Equal(t, int64(10_485_760), cfg.Transfers.ChunkSizeBytes())
	assert.False(t, cfg.Transfers.ResumeSessions)
	assert.Empty(t, cfg.Transfers.StagingDir)

	assert.Equal(t, "info", cfg.Logging.LogLevel)
	assert.Equal(t, "auto", cfg.Logging.LogFormat)

	connect, data := cfg.Network.Timeouts()
	assert.Equal(t, 10*time.Second, connect)
	assert.Equal(t, 60*time.Second, data)

	assert.Empty(t, cfg.Metrics.ListenAddr)
	assert.Empty(t, cfg.Ledger.Path)

	require.NoError(t, Validate(cfg))
}

func TestRequireIdentity(t *testing.T) {
	cfg := DefaultConfig()

	err := cfg.RequireIdentity()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "identity.tenant_id")
	assert.Contains(t, err.Error(), "identity.client_id")
	assert.Contains(t, err.Error(), "identity.private_key_file")

	cfg.Identity = IdentityConfig{TenantID: "t", ClientID: "c", PrivateKeyFile: "/k.pem"}
	assert.NoError(t, cfg.RequireIdentity(), "thumbprint is optional")
}

func TestRequireSite(t *testing.T) {
	cfg := DefaultConfig()

	err := cfg.RequireSite()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "site.hostname")
	assert.Contains(t, err.Error(), "site.site_path")

	cfg.Site = SiteConfig{Hostname: "contoso.sharepoint.com", SitePath: "/sites/Team"}
	assert.NoError(t, cfg.RequireSite())
}
