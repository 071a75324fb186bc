package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig        = "SHAREPOINT_GO_CONFIG"
	EnvTenantID      = "SHAREPOINT_GO_TENANT_ID"
	EnvClientID      = "SHAREPOINT_GO_CLIENT_ID"
	EnvThumbprint    = "SHAREPOINT_GO_THUMBPRINT"
	EnvKeyPassphrase = "SHAREPOINT_GO_KEY_PASSPHRASE"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string
	TenantID   string
	ClientID   string
	Thumbprint string
}

// ReadEnvOverrides reads environment variables and returns any overrides
// found. The key passphrase is not included; Resolve reads it from the
// variable named by identity.private_key_passphrase_env.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		TenantID:   os.Getenv(EnvTenantID),
		ClientID:   os.Getenv(EnvClientID),
		Thumbprint: os.Getenv(EnvThumbprint),
	}
}

func passphraseVar(id *IdentityConfig) string {
	if id.PassphraseEnv != "" {
		return id.PassphraseEnv
	}

	return EnvKeyPassphrase
}
