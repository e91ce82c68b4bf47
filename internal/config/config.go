package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog/log"
)

const (
	ServerReadTimeout     = 30 * time.Second
	ServerRequestTimeout  = 120 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 10 * time.Second
)

type Config struct {
	Port         int    `env:"PORT" envDefault:"8080"`
	AccountsFile string `env:"ACCOUNTS_FILE"`

	// GithubClientID defaults to the VS Code Copilot OAuth app.
	GithubClientID string `env:"GITHUB_CLIENT_ID" envDefault:"Iv1.b507a08c87ecfe98"`
	GithubWebURL   string `env:"GITHUB_WEB_URL" envDefault:"https://github.com"`
	GithubAPIURL   string `env:"GITHUB_API_URL" envDefault:"https://api.github.com"`
	CopilotAPIURL  string `env:"COPILOT_API_URL" envDefault:"https://api.individual.githubcopilot.com"`

	ManagerUsername string `env:"MANAGER_USERNAME"`
	ManagerPassword string `env:"MANAGER_PASSWORD"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}

// ManagerEnabled reports whether the operator surface should be mounted.
func (c *Config) ManagerEnabled() bool {
	return c.ManagerUsername != "" && c.ManagerPassword != ""
}

func (c *Config) Validate() error {
	if !c.ManagerEnabled() {
		log.Warn().Msg("MANAGER_USERNAME/MANAGER_PASSWORD not set: manager API disabled")
	}
	return nil
}

func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.AccountsFile == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		cfg.AccountsFile = filepath.Join(home, ".local", "share", "copilot-gateway", "accounts.json")
	}
	return &cfg, nil
}
