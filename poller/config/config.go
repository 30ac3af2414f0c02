package config

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/sethvargo/go-envconfig"
)

// ErrTokenNotFound means no API token was found in the environment or
// the token file. Startup fails on it; the pollers never run
// unauthenticated.
var ErrTokenNotFound = errors.New("github API token not found")

type GitHub struct {
	APIURL    string `env:"API_URL, default=https://api.github.com"`
	User      string `env:"USER"`
	Token     string `env:"TOKEN"`
	TokenFile string `env:"TOKEN_FILE, default=token"`
}

type Config struct {
	DataDir     string `env:"WINDLASS_DATA_DIR, default=windlass-data"`
	PollersFile string `env:"WINDLASS_POLLERS_FILE, default=windlass.yml"`
	GitHub      GitHub `env:",prefix=WINDLASS_GITHUB_"`
}

func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	err := envconfig.Process(ctx, &cfg)
	if err != nil {
		return nil, err
	}

	return &cfg, nil
}

// AuthToken resolves the forge credential: the environment wins,
// otherwise the token file (relative paths resolve inside the data
// directory) is read and trimmed.
func (c *Config) AuthToken() (string, error) {
	if c.GitHub.Token != "" {
		return c.GitHub.Token, nil
	}

	path := c.GitHub.TokenFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.DataDir, path)
	}

	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", ErrTokenNotFound, path)
	}
	if err != nil {
		return "", err
	}

	token := strings.TrimSpace(string(raw))
	if token == "" {
		return "", fmt.Errorf("%w: %s is empty", ErrTokenNotFound, path)
	}

	return token, nil
}
