package config

import (
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/alexjbarnes/davsync/internal/auth"
	"github.com/alexjbarnes/davsync/internal/paths"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds all environment-based configuration for davsync.
type Config struct {
	// WebDAV server
	WebDAVURL      string        `env:"WEBDAV_URL"`
	WebDAVUsername string        `env:"WEBDAV_USERNAME"`
	WebDAVPassword string        `env:"WEBDAV_PASSWORD"`
	WebDAVTimeout  time.Duration `env:"WEBDAV_TIMEOUT" envDefault:"60s"`

	// Upload to a temporary name and move it over the target.
	SafeUpload bool `env:"SAFE_UPLOAD" envDefault:"true"`

	// Bolt database holding roots, records and history. Defaults to
	// ~/.davsync/state.db.
	StatePath string `env:"STATE_PATH"`

	// Optional YAML file listing the roots to enroll at startup.
	RootsFile string `env:"ROOTS_FILE"`

	// Scheduling
	SyncInterval        time.Duration `env:"SYNC_INTERVAL" envDefault:"5m"`
	WatchLocal          bool          `env:"WATCH_LOCAL" envDefault:"true"`
	WatchDebounce       time.Duration `env:"WATCH_DEBOUNCE" envDefault:"2s"`
	TransferConcurrency int           `env:"TRANSFER_CONCURRENCY" envDefault:"4"`
	RootConcurrency     int           `env:"ROOT_CONCURRENCY" envDefault:"2"`
	HistoryLimit        int           `env:"HISTORY_LIMIT" envDefault:"1000"`

	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`

	// Control server (MCP tools and the event stream). Empty disables it.
	ControlListenAddr string `env:"CONTROL_LISTEN_ADDR"`
	ControlAPIKeys    string `env:"CONTROL_API_KEYS"`
}

// warnInsecureEnvFile checks whether the .env file (if present) has
// overly permissive permissions. On Unix systems, group or world
// readable files risk exposing credentials to other users.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return // file does not exist, nothing to check
	}

	mode := info.Mode().Perm()
	if mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// It first attempts to load a .env file if present, then parses env vars.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	if cfg.StatePath == "" {
		p, err := DefaultStatePath()
		if err != nil {
			return nil, err
		}

		cfg.StatePath = p
	}

	statePath, err := expandHome(cfg.StatePath)
	if err != nil {
		return nil, err
	}

	cfg.StatePath = statePath

	if cfg.RootsFile != "" {
		rootsFile, err := expandHome(cfg.RootsFile)
		if err != nil {
			return nil, err
		}

		cfg.RootsFile = rootsFile
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.WebDAVURL == "" {
		return fmt.Errorf("WEBDAV_URL is required")
	}

	u, err := url.Parse(c.WebDAVURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("WEBDAV_URL must be an http or https URL")
	}

	if c.WebDAVTimeout <= 0 {
		return fmt.Errorf("WEBDAV_TIMEOUT must be positive")
	}

	if c.SyncInterval < 0 {
		return fmt.Errorf("SYNC_INTERVAL must not be negative")
	}

	if c.TransferConcurrency < 1 {
		return fmt.Errorf("TRANSFER_CONCURRENCY must be at least 1")
	}

	if c.RootConcurrency < 1 {
		return fmt.Errorf("ROOT_CONCURRENCY must be at least 1")
	}

	if c.HistoryLimit < 0 {
		return fmt.Errorf("HISTORY_LIMIT must not be negative")
	}

	if c.ControlListenAddr != "" && c.ControlAPIKeys == "" {
		return fmt.Errorf("CONTROL_API_KEYS is required when CONTROL_LISTEN_ADDR is set")
	}

	return nil
}

// DefaultStatePath returns ~/.davsync/state.db.
func DefaultStatePath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, ".davsync", "state.db"), nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ControlEnabled reports whether the control server should listen.
func (c *Config) ControlEnabled() bool {
	return c.ControlListenAddr != ""
}

// ParseControlAPIKeys parses the CONTROL_API_KEYS string.
// Format: "user1:dsk_key1,user2:dsk_key2"
func (c *Config) ParseControlAPIKeys() ([]auth.APIKey, error) {
	if c.ControlAPIKeys == "" {
		return nil, nil
	}

	seenUsers := make(map[string]struct{})

	var entries []auth.APIKey

	for _, pair := range strings.Split(c.ControlAPIKeys, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		idx := strings.Index(pair, ":")
		if idx < 0 {
			return nil, fmt.Errorf("invalid API key entry (missing ':')")
		}

		userID := pair[:idx]

		key := pair[idx+1:]
		if userID == "" || key == "" {
			return nil, fmt.Errorf("empty user or key in entry %d", len(entries)+1)
		}

		if err := auth.ValidateKeyFormat(key); err != nil {
			return nil, fmt.Errorf("entry %d: %w", len(entries)+1, err)
		}

		if _, dup := seenUsers[userID]; dup {
			return nil, fmt.Errorf("duplicate user_id %q in CONTROL_API_KEYS", userID)
		}

		seenUsers[userID] = struct{}{}
		entries = append(entries, auth.APIKey{UserID: userID, Key: key})
	}

	return entries, nil
}

// Root is one remote/local pair from the roots file.
type Root struct {
	Remote string `yaml:"remote"`
	Local  string `yaml:"local"`
}

type rootsFile struct {
	Roots []Root `yaml:"roots"`
}

// LoadRoots reads the roots file. Local folders may start with ~. Roots
// must not nest on either side.
func LoadRoots(path string) ([]Root, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading roots file: %w", err)
	}

	var f rootsFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing roots file: %w", err)
	}

	locals := make([]string, len(f.Roots))

	for i, r := range f.Roots {
		if r.Remote == "" || r.Local == "" {
			return nil, fmt.Errorf("roots file entry %d: remote and local are required", i+1)
		}

		local, err := expandHome(r.Local)
		if err != nil {
			return nil, fmt.Errorf("roots file entry %d: %w", i+1, err)
		}

		locals[i] = local

		for j := range i {
			prev := f.Roots[j]

			switch {
			case paths.Remote(prev.Remote) == paths.Remote(r.Remote):
				return nil, fmt.Errorf("roots file entry %d: duplicate remote %q", i+1, r.Remote)
			case paths.Overlaps(prev.Remote, r.Remote):
				return nil, fmt.Errorf("roots file entry %d: remote %q nests with %q", i+1, r.Remote, prev.Remote)
			case paths.DirsOverlap(locals[j], local):
				return nil, fmt.Errorf("roots file entry %d: local %q nests with %q", i+1, r.Local, prev.Local)
			}
		}
	}

	return f.Roots, nil
}

func expandHome(p string) (string, error) {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return filepath.Abs(p)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}

	return filepath.Join(home, strings.TrimPrefix(p, "~")), nil
}
