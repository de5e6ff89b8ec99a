// Package config loads the authority configuration: a yaml file overlaid
// with PLOTRELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"plotrelay.dev/internal/sim/authority"
)

const EnvPrefix = "PLOTRELAY_"

type Config struct {
	WorldID string `yaml:"world_id" env:"WORLD_ID"`
	DataDir string `yaml:"data_dir" env:"DATA_DIR"`
	Listen  string `yaml:"listen"   env:"LISTEN"`
	// Crops is a path or URL of the content pack's crops.json.
	Crops string `yaml:"crops" env:"CROPS"`
	// AuthorityKey is the hex secret the authority signs slots with. It is
	// never read from the yaml file.
	AuthorityKey string `yaml:"-" env:"AUTHORITY_KEY"`

	Relays []Relay `yaml:"relays"`
	// RelayURLs replaces Relays when set from the environment; every entry
	// is required.
	RelayURLs []string `yaml:"-" env:"RELAYS" envSeparator:","`

	Reconcile Reconcile `yaml:"reconcile" envPrefix:"RECONCILE_"`
	Index     Index     `yaml:"index"     envPrefix:"INDEX_"`
	Mirror    Mirror    `yaml:"mirror"    envPrefix:"MIRROR_"`
	Archive   Archive   `yaml:"archive"   envPrefix:"ARCHIVE_"`
}

type Relay struct {
	URL      string `yaml:"url"`
	Required bool   `yaml:"required"`
}

type Reconcile struct {
	PollInterval   time.Duration `yaml:"poll_interval"   env:"POLL_INTERVAL"`
	BatchLimit     int           `yaml:"batch_limit"     env:"BATCH_LIMIT"`
	MaxPages       int           `yaml:"max_pages"       env:"MAX_PAGES"`
	Workers        int           `yaml:"workers"         env:"WORKERS"`
	CallTimeout    time.Duration `yaml:"call_timeout"    env:"CALL_TIMEOUT"`
	CursorLookback time.Duration `yaml:"cursor_lookback" env:"CURSOR_LOOKBACK"`
	RequireRipe    bool          `yaml:"require_ripe"    env:"REQUIRE_RIPE"`
}

type Index struct {
	// Backend is "sqlite" or "none".
	Backend string `yaml:"backend" env:"BACKEND"`
	Path    string `yaml:"path"    env:"PATH"`
}

type Mirror struct {
	Endpoint      string        `yaml:"endpoint"       env:"ENDPOINT"`
	Token         string        `yaml:"-"              env:"TOKEN"`
	BatchSize     int           `yaml:"batch_size"     env:"BATCH_SIZE"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
}

// Archive uploads sealed journal files to S3-compatible storage. It is off
// while Endpoint is empty.
type Archive struct {
	Endpoint        string `yaml:"endpoint"   env:"ENDPOINT"`
	Bucket          string `yaml:"bucket"     env:"BUCKET"`
	Region          string `yaml:"region"     env:"REGION"`
	Prefix          string `yaml:"prefix"     env:"PREFIX"`
	Workers         int    `yaml:"workers"    env:"WORKERS"`
	AccessKeyID     string `yaml:"-"          env:"ACCESS_KEY_ID"`
	SecretAccessKey string `yaml:"-"          env:"SECRET_ACCESS_KEY"`
}

func Defaults() Config {
	return Config{
		DataDir: "./data",
		Listen:  ":8080",
		Crops:   "./configs/crops.json",
		Reconcile: Reconcile{
			PollInterval:   3 * time.Second,
			BatchLimit:     500,
			MaxPages:       10,
			Workers:        4,
			CallTimeout:    5 * time.Second,
			CursorLookback: 30 * time.Second,
		},
		Index:   Index{Backend: "sqlite"},
		Archive: Archive{Workers: 1},
	}
}

// Load reads path over the defaults, then applies the environment and
// validates. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Read is Load without validation, for callers that override fields from
// flags first.
func Read(path string) (Config, error) {
	cfg := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, fmt.Errorf("%s: %w", path, err)
		}
	}
	if err := ApplyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overlays PLOTRELAY_* variables. Unset variables leave cfg as is.
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	if len(cfg.RelayURLs) > 0 {
		cfg.Relays = cfg.Relays[:0]
		for _, u := range cfg.RelayURLs {
			if u = strings.TrimSpace(u); u != "" {
				cfg.Relays = append(cfg.Relays, Relay{URL: u, Required: true})
			}
		}
		cfg.RelayURLs = nil
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.WorldID) == "" {
		errs = append(errs, errors.New("world_id is required"))
	}
	if len(c.Relays) == 0 {
		errs = append(errs, errors.New("at least one relay is required"))
	}
	for i, r := range c.Relays {
		if !strings.HasPrefix(r.URL, "ws://") && !strings.HasPrefix(r.URL, "wss://") {
			errs = append(errs, fmt.Errorf("relays[%d]: url must be ws:// or wss://, got %q", i, r.URL))
		}
	}
	rc := c.Reconcile
	if rc.PollInterval <= 0 {
		errs = append(errs, errors.New("reconcile.poll_interval must be positive"))
	}
	if rc.BatchLimit <= 0 || rc.MaxPages <= 0 {
		errs = append(errs, errors.New("reconcile.batch_limit and max_pages must be positive"))
	}
	if rc.Workers <= 0 {
		errs = append(errs, errors.New("reconcile.workers must be positive"))
	}
	if rc.CursorLookback < 0 {
		errs = append(errs, errors.New("reconcile.cursor_lookback must not be negative"))
	}
	switch c.Index.Backend {
	case "sqlite", "none":
	default:
		errs = append(errs, fmt.Errorf("index.backend must be sqlite or none, got %q", c.Index.Backend))
	}
	if a := c.Archive; a.Endpoint != "" && (a.Bucket == "" || a.AccessKeyID == "" || a.SecretAccessKey == "") {
		errs = append(errs, errors.New("archive needs bucket and PLOTRELAY_ARCHIVE_ACCESS_KEY_ID/SECRET_ACCESS_KEY when endpoint is set"))
	}
	return errors.Join(errs...)
}

// AuthorityConfig maps the reconcile section onto the reconciler's config.
func (c Config) AuthorityConfig() authority.Config {
	rc := c.Reconcile
	return authority.Config{
		WorldID:        c.WorldID,
		PollInterval:   rc.PollInterval,
		BatchLimit:     rc.BatchLimit,
		MaxPages:       rc.MaxPages,
		Workers:        rc.Workers,
		CallTimeout:    rc.CallTimeout,
		CursorLookback: rc.CursorLookback,
		RequireRipe:    rc.RequireRipe,
	}
}

// IndexPath is where the sqlite ledger lives.
func (c Config) IndexPath() string {
	if c.Index.Path != "" {
		return c.Index.Path
	}
	return filepath.Join(c.DataDir, "index", c.WorldID+".sqlite")
}

func (c Config) JournalDir() string {
	return filepath.Join(c.DataDir, "journal", c.WorldID)
}
