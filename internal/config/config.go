package config

import (
	"fmt"
	"strings"

	"github.com/joho/godotenv"
)

// Storage backend names accepted by storage.backend and storage.mirror.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
	BackendGitHub = "github"
)

type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	GitHub  GitHubConfig
	Auth    AuthConfig
	Review  ReviewConfig
	Log     LogConfig
}

type ServerConfig struct {
	Port int
}

type StorageConfig struct {
	// Backend selects the primary store: json, sqlite, or github.
	Backend string
	DataDir string
	// Mirror optionally names a second backend that receives best-effort
	// copies of every write. Empty disables mirroring.
	Mirror string
}

type GitHubConfig struct {
	Token  string
	Repo   string // owner/name
	Branch string
}

type AuthConfig struct {
	SessionSecret   string
	SessionTTLHours int
	AdminPassword   string
}

type ReviewConfig struct {
	// TargetPerDeal is the redundancy target: how many independent
	// annotations a deal needs before it is considered covered.
	TargetPerDeal int
}

type LogConfig struct {
	Level string
}

func defaults() Config {
	return Config{
		Server: ServerConfig{
			Port: 4600,
		},
		Storage: StorageConfig{
			Backend: BackendJSON,
			DataDir: defaultDataDir(),
		},
		GitHub: GitHubConfig{
			Branch: "main",
		},
		Auth: AuthConfig{
			SessionTTLHours: 1,
		},
		Review: ReviewConfig{
			TargetPerDeal: 3,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a .env file (if present), the JSON config
// file at $XDG_CONFIG_HOME/dealmark/config.json, and DEALMARK_* environment
// variables, in increasing precedence.
func Load() (Config, error) {
	godotenv.Load()
	return loadWith(newFileBackend(configFilePath()))
}

func loadWith(b ConfigBackend) (Config, error) {
	cfg := defaults()

	if err := applyBackend(&cfg, b); err != nil {
		return Config{}, err
	}
	applyEnvOverrides(&cfg)

	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func validate(cfg Config) error {
	if cfg.Auth.SessionSecret == "" {
		return fmt.Errorf("missing required config: session secret (set DEALMARK_SESSION_SECRET)")
	}
	if cfg.Auth.AdminPassword == "" {
		return fmt.Errorf("missing required config: admin password (set DEALMARK_ADMIN_PASSWORD)")
	}

	valid := map[string]bool{BackendJSON: true, BackendSQLite: true, BackendGitHub: true}
	backend := strings.ToLower(cfg.Storage.Backend)
	if !valid[backend] {
		return fmt.Errorf("invalid storage backend %q (want json, sqlite, or github)", cfg.Storage.Backend)
	}
	if cfg.Storage.Mirror != "" {
		mirror := strings.ToLower(cfg.Storage.Mirror)
		if !valid[mirror] {
			return fmt.Errorf("invalid mirror backend %q (want json, sqlite, or github)", cfg.Storage.Mirror)
		}
		if mirror == backend {
			return fmt.Errorf("mirror backend must differ from primary backend %q", backend)
		}
	}

	usesGitHub := backend == BackendGitHub || strings.ToLower(cfg.Storage.Mirror) == BackendGitHub
	if usesGitHub && (cfg.GitHub.Token == "" || cfg.GitHub.Repo == "") {
		return fmt.Errorf("github backend requires DEALMARK_GITHUB_TOKEN and DEALMARK_GITHUB_REPO (owner/name)")
	}

	if cfg.Review.TargetPerDeal < 1 {
		return fmt.Errorf("target annotations per deal must be at least 1, got %d", cfg.Review.TargetPerDeal)
	}
	return nil
}
