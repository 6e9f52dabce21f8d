// Package config loads the node configuration from YAML.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/QuangTrungK22/Discord-P2P/internal/tracker"
)

// Duration is a time.Duration written as a Go duration string ("30s").
type Duration time.Duration

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	var s string
	if err := n.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("config: line %d: %w", n.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) D() time.Duration { return time.Duration(d) }

// Config holds the segchat node configuration.
type Config struct {
	DataDir        string `yaml:"data_dir"`
	ListenHost     string `yaml:"listen_host"`
	ListenPort     int    `yaml:"listen_port"`
	AdvertiseIP    string `yaml:"advertise_ip"`
	DisplayName    string `yaml:"display_name"`
	LogLevel       string `yaml:"log_level"`
	LogDevelopment bool   `yaml:"log_development"`

	Tracker tracker.Options `yaml:"tracker"`

	RefreshInterval      Duration `yaml:"refresh_interval"`
	PublishInterval      Duration `yaml:"publish_interval"`
	ActiveWithinMinutes  int      `yaml:"active_within_minutes"`
	ConnectTimeout       Duration `yaml:"connect_timeout"`
	ShutdownTimeout      Duration `yaml:"shutdown_timeout"`
	NetworkCheckInterval Duration `yaml:"network_check_interval"`
}

// DefaultDir returns ~/.segchat.
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".segchat")
	}
	return filepath.Join(home, ".segchat")
}

// DefaultPath returns the default config file path: ~/.segchat/config.yaml
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		DataDir:    DefaultDir(),
		ListenHost: "0.0.0.0",
		LogLevel:   "info",
		Tracker: tracker.Options{
			Backend: tracker.BackendHTTP,
			URL:     "http://127.0.0.1:7420",
		},
		RefreshInterval:      Duration(30 * time.Second),
		PublishInterval:      Duration(60 * time.Second),
		ActiveWithinMinutes:  5,
		ConnectTimeout:       Duration(5 * time.Second),
		ShutdownTimeout:      Duration(5 * time.Second),
		NetworkCheckInterval: Duration(5 * time.Second),
	}
}

// Load reads the configuration from the given YAML file path.
// If the file does not exist, it returns Default() with no error.
func Load(path string) (*Config, error) {
	cfg := Default()

	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		fmt.Fprintf(os.Stderr,
			"warning: config file %s has permissions %04o, expected 0600. "+
				"A postgres dsn in it may be readable by other users.\n",
			path, perm)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path with 0600 permissions.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.ListenPort < 0 || c.ListenPort > 65535 {
		errs = append(errs, fmt.Errorf("listen_port %d out of range", c.ListenPort))
	}
	if c.ActiveWithinMinutes <= 0 {
		errs = append(errs, errors.New("active_within_minutes must be positive"))
	}
	for name, d := range map[string]Duration{
		"refresh_interval":       c.RefreshInterval,
		"publish_interval":       c.PublishInterval,
		"connect_timeout":        c.ConnectTimeout,
		"shutdown_timeout":       c.ShutdownTimeout,
		"network_check_interval": c.NetworkCheckInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", name))
		}
	}

	switch c.Tracker.Backend {
	case tracker.BackendHTTP:
		if c.Tracker.URL == "" {
			errs = append(errs, errors.New("tracker.url required for http backend"))
		}
	case tracker.BackendEtcd:
		if len(c.Tracker.Endpoints) == 0 {
			errs = append(errs, errors.New("tracker.endpoints required for etcd backend"))
		}
	case tracker.BackendPostgres:
		if c.Tracker.DSN == "" {
			errs = append(errs, errors.New("tracker.dsn required for postgres backend"))
		}
	case tracker.BackendBolt:
		if c.Tracker.Path == "" {
			errs = append(errs, errors.New("tracker.path required for bolt backend"))
		}
	case tracker.BackendMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown tracker.backend %q", c.Tracker.Backend))
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// IdentityPath is where the local identity lives.
func (c *Config) IdentityPath() string {
	return filepath.Join(c.DataDir, "identity.json")
}
