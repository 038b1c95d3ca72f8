package githubapp_test

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"

	"github.com/universesync/core/internal/githubapp"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewInstallationsRequiresInstallationsJSON(t *testing.T) {
	_, err := githubapp.NewInstallations(githubapp.Config{}, discardLogger())
	assert.Error(t, err)
}

func TestNewInstallationsRejectsInvalidJSON(t *testing.T) {
	_, err := githubapp.NewInstallations(githubapp.Config{InstallationsJSON: "not json"}, discardLogger())
	assert.Error(t, err)
}

func TestNewInstallationsRejectsEmptyMap(t *testing.T) {
	_, err := githubapp.NewInstallations(githubapp.Config{InstallationsJSON: "{}"}, discardLogger())
	assert.Error(t, err)
}

func TestNewInstallationsSucceeds(t *testing.T) {
	installations, err := githubapp.NewInstallations(githubapp.Config{
		AppID:             "123",
		PrivateKeyPath:    "/etc/universesync/app.pem",
		InstallationsJSON: `{"acme":"456"}`,
	}, discardLogger())
	assert.NoError(t, err)
	assert.True(t, installations.IsConfigured())
	assert.Equal(t, "123", installations.AppID())
	assert.Equal(t, "/etc/universesync/app.pem", installations.PrivateKeyPath())
	assert.Equal(t, "456", installations.GetInstallationID("acme"))
	assert.Equal(t, "", installations.GetInstallationID("globex"))
}

func TestNilInstallationsIsNotConfigured(t *testing.T) {
	var installations *githubapp.Installations
	assert.False(t, installations.IsConfigured())
	assert.Equal(t, "", installations.AppID())
	assert.Equal(t, "", installations.PrivateKeyPath())
	assert.Equal(t, "", installations.GetInstallationID("acme"))
}

func TestDefaultTokenCacheConfig(t *testing.T) {
	cfg := githubapp.DefaultTokenCacheConfig()
	assert.Equal(t, 5*time.Minute, cfg.RefreshBuffer)
	assert.Equal(t, 10*time.Minute, cfg.JWTExpiration)
}
