// Package config layers the monitor's configuration from defaults, an
// optional config.json in the data directory, environment variables,
// and CLI flags, in that order of precedence.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/ethomics/rigmonitor/internal/db"
)

// Config holds all application configuration.
type Config struct {
	Host    string `json:"host" env:"RIGMONITOR_HOST"`
	Port    int    `json:"port" env:"RIGMONITOR_PORT"`
	DataDir string `json:"data_dir" env:"RIGMONITOR_DATA_DIR"`

	// Store paths. Empty values fall back to <DataDir>/<name>.db so a
	// single-machine install needs no explicit paths, while a rig that
	// mounts the acquisition machine's behavior store can point just
	// that one elsewhere.
	ExperimentDB string `json:"experiment_db" env:"RIGMONITOR_EXPERIMENT_DB"`
	BehaviorDB   string `json:"behavior_db" env:"RIGMONITOR_BEHAVIOR_DB"`
	InterfaceDB  string `json:"interface_db" env:"RIGMONITOR_INTERFACE_DB"`

	WriteTimeout  time.Duration `json:"-" env:"RIGMONITOR_WRITE_TIMEOUT"`
	QueryTimeout  time.Duration `json:"-" env:"RIGMONITOR_QUERY_TIMEOUT"`
	PollInterval  time.Duration `json:"-" env:"RIGMONITOR_POLL_INTERVAL"`
	WatchDebounce time.Duration `json:"-" env:"RIGMONITOR_WATCH_DEBOUNCE"`
}

// Default returns a Config with default values.
func Default() (Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Config{}, fmt.Errorf("determining home directory: %w", err)
	}
	return Config{
		Host:          "127.0.0.1",
		Port:          8080,
		DataDir:       filepath.Join(home, ".rigmonitor"),
		WriteTimeout:  30 * time.Second,
		QueryTimeout:  5 * time.Second,
		PollInterval:  time.Second,
		WatchDebounce: 250 * time.Millisecond,
	}, nil
}

// Load builds a Config by layering: defaults < config file < env < flags.
// The provided FlagSet must already be parsed by the caller. Only
// flags that were explicitly set override the lower layers.
func Load(fs *flag.FlagSet) (Config, error) {
	cfg, err := LoadMinimal()
	if err != nil {
		return cfg, err
	}
	applyFlags(&cfg, fs)
	return cfg, nil
}

// LoadMinimal builds a Config from defaults, config file, and env,
// without parsing CLI flags. Use this for subcommands that manage
// their own flag sets.
func LoadMinimal() (Config, error) {
	cfg, err := Default()
	if err != nil {
		return cfg, err
	}

	// The data dir env var has to win before the config file is
	// located, since the file lives inside it.
	if v := os.Getenv("RIGMONITOR_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if err := cfg.loadFile(); err != nil {
		return cfg, fmt.Errorf("loading config file: %w", err)
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parsing environment: %w", err)
	}
	return cfg, nil
}

func (c *Config) configPath() string {
	return filepath.Join(c.DataDir, "config.json")
}

func (c *Config) loadFile() error {
	data, err := os.ReadFile(c.configPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parsing config: %w", err)
	}
	return nil
}

// StorePaths resolves the three store locations, defaulting any unset
// path into the data directory.
func (c *Config) StorePaths() db.Paths {
	p := db.Paths{
		Experiment: c.ExperimentDB,
		Behavior:   c.BehaviorDB,
		Interface:  c.InterfaceDB,
	}
	if p.Experiment == "" {
		p.Experiment = filepath.Join(c.DataDir, "experiment.db")
	}
	if p.Behavior == "" {
		p.Behavior = filepath.Join(c.DataDir, "behavior.db")
	}
	if p.Interface == "" {
		p.Interface = filepath.Join(c.DataDir, "interface.db")
	}
	return p
}

// RegisterServeFlags registers serve-command flags on fs.
// The caller must call fs.Parse before passing fs to Load.
func RegisterServeFlags(fs *flag.FlagSet) {
	fs.String("host", "127.0.0.1", "Host to bind to")
	fs.Int("port", 8080, "Port to listen on")
	fs.String("data-dir", "", "Data directory for stores and config")
}

// applyFlags copies explicitly-set flags from fs into cfg.
func applyFlags(cfg *Config, fs *flag.FlagSet) {
	if fs == nil {
		return
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "host":
			cfg.Host = f.Value.String()
		case "port":
			// flag already validated the int; ignore parse error
			cfg.Port, _ = strconv.Atoi(f.Value.String())
		case "data-dir":
			cfg.DataDir = f.Value.String()
		}
	})
}
