package config

import (
	"fmt"
	"os"
	"strconv"
)

type keyType int

const (
	kString keyType = iota
	kInt
)

type keySpec struct {
	key    string
	typ    keyType
	env    string
	secret bool
	apply  func(cfg *Config, v any)
}

var specs = []keySpec{
	{
		key: "server.port", typ: kInt, env: "DEALMARK_PORT",
		apply: func(cfg *Config, v any) { cfg.Server.Port = v.(int) },
	},
	{
		key: "storage.backend", typ: kString, env: "DEALMARK_STORAGE_BACKEND",
		apply: func(cfg *Config, v any) { cfg.Storage.Backend = v.(string) },
	},
	{
		key: "storage.data_dir", typ: kString, env: "DEALMARK_DATA_DIR",
		apply: func(cfg *Config, v any) { cfg.Storage.DataDir = v.(string) },
	},
	{
		key: "storage.mirror", typ: kString, env: "DEALMARK_STORAGE_MIRROR",
		apply: func(cfg *Config, v any) { cfg.Storage.Mirror = v.(string) },
	},
	{
		key: "github.token", typ: kString, env: "DEALMARK_GITHUB_TOKEN", secret: true,
		apply: func(cfg *Config, v any) { cfg.GitHub.Token = v.(string) },
	},
	{
		key: "github.repo", typ: kString, env: "DEALMARK_GITHUB_REPO",
		apply: func(cfg *Config, v any) { cfg.GitHub.Repo = v.(string) },
	},
	{
		key: "github.branch", typ: kString, env: "DEALMARK_GITHUB_BRANCH",
		apply: func(cfg *Config, v any) { cfg.GitHub.Branch = v.(string) },
	},
	{
		key: "auth.session_secret", typ: kString, env: "DEALMARK_SESSION_SECRET", secret: true,
		apply: func(cfg *Config, v any) { cfg.Auth.SessionSecret = v.(string) },
	},
	{
		key: "auth.session_ttl_hours", typ: kInt, env: "DEALMARK_SESSION_TTL_HOURS",
		apply: func(cfg *Config, v any) { cfg.Auth.SessionTTLHours = v.(int) },
	},
	{
		key: "auth.admin_password", typ: kString, env: "DEALMARK_ADMIN_PASSWORD", secret: true,
		apply: func(cfg *Config, v any) { cfg.Auth.AdminPassword = v.(string) },
	},
	{
		key: "review.target_per_deal", typ: kInt, env: "DEALMARK_TARGET_PER_DEAL",
		apply: func(cfg *Config, v any) { cfg.Review.TargetPerDeal = v.(int) },
	},
	{
		key: "log.level", typ: kString, env: "DEALMARK_LOG_LEVEL",
		apply: func(cfg *Config, v any) { cfg.Log.Level = v.(string) },
	},
}

func applyBackend(cfg *Config, b ConfigBackend) error {
	for _, s := range specs {
		// Secrets never live in the config file; they come from env only.
		if s.secret {
			continue
		}
		switch s.typ {
		case kString:
			v, ok, err := b.GetString(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		case kInt:
			v, ok, err := b.GetInt(s.key)
			if err != nil {
				return fmt.Errorf("reading %s: %w", s.key, err)
			}
			if ok {
				s.apply(cfg, v)
			}
		}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	for _, s := range specs {
		if s.env == "" {
			continue
		}
		raw := os.Getenv(s.env)
		if raw == "" {
			continue
		}
		switch s.typ {
		case kString:
			s.apply(cfg, raw)
		case kInt:
			if i, err := strconv.Atoi(raw); err == nil {
				s.apply(cfg, i)
			} else {
				fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", s.env, raw, err)
			}
		}
	}
}
