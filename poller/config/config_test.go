package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "windlass-data", cfg.DataDir)
	assert.Equal(t, "windlass.yml", cfg.PollersFile)
	assert.Equal(t, "https://api.github.com", cfg.GitHub.APIURL)
	assert.Equal(t, "token", cfg.GitHub.TokenFile)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("WINDLASS_DATA_DIR", "/srv/windlass")
	t.Setenv("WINDLASS_POLLERS_FILE", "/etc/windlass/pollers.yml")
	t.Setenv("WINDLASS_GITHUB_API_URL", "https://forge.internal/api/v3")
	t.Setenv("WINDLASS_GITHUB_USER", "ci-bot")

	cfg, err := Load(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "/srv/windlass", cfg.DataDir)
	assert.Equal(t, "/etc/windlass/pollers.yml", cfg.PollersFile)
	assert.Equal(t, "https://forge.internal/api/v3", cfg.GitHub.APIURL)
	assert.Equal(t, "ci-bot", cfg.GitHub.User)
}

func TestAuthTokenEnvWins(t *testing.T) {
	cfg := &Config{
		DataDir: t.TempDir(),
		GitHub: GitHub{
			Token:     "from-env",
			TokenFile: "token",
		},
	}

	token, err := cfg.AuthToken()
	require.NoError(t, err)
	assert.Equal(t, "from-env", token)
}

func TestAuthTokenFromFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "token"), []byte("ghp_secret\n"), 0600))

	cfg := &Config{
		DataDir: dir,
		GitHub:  GitHub{TokenFile: "token"},
	}

	token, err := cfg.AuthToken()
	require.NoError(t, err)
	// trailing whitespace is trimmed
	assert.Equal(t, "ghp_secret", token)
}

func TestAuthTokenAbsolutePath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "creds")
	require.NoError(t, os.WriteFile(path, []byte("ghp_other"), 0600))

	cfg := &Config{
		DataDir: "/nonexistent",
		GitHub:  GitHub{TokenFile: path},
	}

	token, err := cfg.AuthToken()
	require.NoError(t, err)
	assert.Equal(t, "ghp_other", token)
}

func TestAuthTokenMissing(t *testing.T) {
	cfg := &Config{
		DataDir: t.TempDir(),
		GitHub:  GitHub{TokenFile: "token"},
	}

	_, err := cfg.AuthToken()
	assert.ErrorIs(t, err, ErrTokenNotFound)
}

func TestAuthTokenEmptyFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "token"), []byte("  \n"), 0600))

	cfg := &Config{
		DataDir: dir,
		GitHub:  GitHub{TokenFile: "token"},
	}

	_, err := cfg.AuthToken()
	assert.ErrorIs(t, err, ErrTokenNotFound)
}
