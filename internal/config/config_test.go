package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ayedb/ayb/internal/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ayb.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const minimalConfig = `
host = "0.0.0.0"
database_url = "sqlite://ayb.sqlite"
data_path = "/var/lib/ayb"

[authentication]
fernet_key = "WSK6It-sk51yRpTk8TZqPHdsQEDLzOOiF3osd40-org="
`

func TestLoadMinimal(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0", cfg.Host)
	require.Equal(t, 5433, cfg.Port)
	require.Equal(t, 5434, cfg.Pgwire.Port)
	require.Equal(t, "*", cfg.CORS.Origin)
	require.Equal(t, time.Hour, cfg.Authentication.TokenTTL())
	require.False(t, cfg.EmailConfigured())
	require.False(t, cfg.SnapshotsConfigured())
}

func TestLoadFull(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig+`
[email.file]
path = "/tmp/ayb-outbox"

[cors]
origin = "https://app.example.org"

[web]
base_url = "https://app.example.org"

[snapshots]
access_key_id = "AKIA"
secret_access_key = "secret"
bucket = "ayb-snapshots"
path_prefix = "prod"
endpoint_url = "http://127.0.0.1:9000"
force_path_style = true

[snapshots.automation]
interval = "15m"
max_snapshots = 10
`))
	require.NoError(t, err)
	require.True(t, cfg.EmailConfigured())
	require.Equal(t, "/tmp/ayb-outbox", cfg.Email.File.Path)
	require.Equal(t, "https://app.example.org", cfg.CORS.Origin)
	require.Equal(t, "https://app.example.org", cfg.Web.BaseURL)
	require.True(t, cfg.SnapshotsConfigured())
	require.Equal(t, "ayb-snapshots", cfg.Snapshots.Bucket)
	require.True(t, cfg.Snapshots.ForcePathStyle)

	interval, err := cfg.Snapshots.Automation.ParseInterval()
	require.NoError(t, err)
	require.Equal(t, 15*time.Minute, interval)
	require.Equal(t, 10, cfg.Snapshots.Automation.MaxSnapshots)
}

func TestMissingAuthenticationIsFatal(t *testing.T) {
	_, err := Load(writeConfig(t, `
database_url = "sqlite://ayb.sqlite"
data_path = "/var/lib/ayb"
`))
	require.Error(t, err)
	require.Equal(t, types.KindConfigurationError, types.KindOf(err))
}

func TestMissingDatabaseURLIsFatal(t *testing.T) {
	_, err := Load(writeConfig(t, `
data_path = "/var/lib/ayb"

[authentication]
fernet_key = "key"
`))
	require.Error(t, err)
}

func TestUnparseableConfigIsFatal(t *testing.T) {
	_, err := Load(writeConfig(t, "host = [not toml"))
	require.Error(t, err)
	require.Equal(t, types.KindConfigurationError, types.KindOf(err))
}

func TestEmptyEmailSectionIsFatal(t *testing.T) {
	cfg := &Config{
		DatabaseURL: "sqlite://ayb.sqlite",
		DataPath:    "/var/lib/ayb",
		Authentication: Authentication{
			FernetKey:              "key",
			TokenExpirationSeconds: 3600,
		},
		Email: &Email{},
	}
	require.Error(t, cfg.Validate())
}

func TestMissingNsjailBinaryIsFatal(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
[isolation]
nsjail_path = "/does/not/exist/nsjail"
`))
	require.Error(t, err)
	require.Equal(t, types.KindConfigurationError, types.KindOf(err))
}

func TestPresentNsjailBinaryIsAccepted(t *testing.T) {
	helper := filepath.Join(t.TempDir(), "nsjail")
	require.NoError(t, os.WriteFile(helper, []byte("#!/bin/sh\n"), 0o755))

	cfg, err := Load(writeConfig(t, minimalConfig+`
[isolation]
nsjail_path = "`+helper+`"
`))
	require.NoError(t, err)
	require.Equal(t, helper, cfg.Isolation.NsjailPath)
}

func TestBadAutomationInterval(t *testing.T) {
	_, err := Load(writeConfig(t, minimalConfig+`
[snapshots]
bucket = "b"

[snapshots.automation]
interval = "often"
max_snapshots = 3
`))
	require.Error(t, err)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("AYB__PORT", "8080")
	t.Setenv("AYB__AUTHENTICATION__FERNET_KEY", "env-key")
	t.Setenv("AYB__DATABASE_URL", "sqlite://env.sqlite")
	t.Setenv("AYB__DATA_PATH", "/tmp/ayb-data")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Port)
	require.Equal(t, "env-key", cfg.Authentication.FernetKey)
	require.Equal(t, "sqlite://env.sqlite", cfg.DatabaseURL)
}
