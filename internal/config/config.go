// Package config loads the replica configuration file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the configuration file name looked up by the CLI.
const DefaultFile = "driftsync.yaml"

// Config is the full replica configuration.
type Config struct {
	Replica   ReplicaConfig   `yaml:"replica"`
	Storage   StorageConfig   `yaml:"storage"`
	Schema    SchemaConfig    `yaml:"schema"`
	Sync      SyncConfig      `yaml:"sync"`
	GC        GCConfig        `yaml:"gc"`
	Peers     PeersConfig     `yaml:"peers"`
	Discovery DiscoveryConfig `yaml:"discovery"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ReplicaConfig identifies this device. An empty ID is taken from the
// database, which binds one on init.
type ReplicaConfig struct {
	ID string `yaml:"id" validate:"omitempty,max=128,printascii"`
}

type StorageConfig struct {
	Path string `yaml:"path" validate:"required"`
	// MaxPending bounds operations waiting for causal dependencies.
	MaxPending int `yaml:"max_pending" validate:"gte=0"`
}

// SchemaConfig points at a directory of CUE entity definitions. Empty uses
// the built-in types.
type SchemaConfig struct {
	Dir string `yaml:"dir"`
}

type SyncConfig struct {
	Listen string `yaml:"listen" validate:"omitempty,hostname_port"`
	// Transport is "ws" or "tcp".
	Transport   string        `yaml:"transport" validate:"oneof=ws tcp"`
	Interval    time.Duration `yaml:"interval" validate:"gte=0"`
	IdleTimeout time.Duration `yaml:"idle_timeout" validate:"gt=0"`
	DialTimeout time.Duration `yaml:"dial_timeout" validate:"gt=0"`
	AckEvery    int           `yaml:"ack_every" validate:"gte=1"`
	// SendRate caps outbound operations per second; 0 is unlimited.
	SendRate  float64 `yaml:"send_rate" validate:"gte=0"`
	SendBurst int     `yaml:"send_burst" validate:"gte=0"`
	// Advertise is the address other replicas dial, e.g.
	// "ws://10.0.0.5:7420/sync". Derived from Listen when empty.
	Advertise string `yaml:"advertise" validate:"omitempty,url"`
}

type GCConfig struct {
	Enabled   bool          `yaml:"enabled"`
	Retention time.Duration `yaml:"retention" validate:"gt=0"`
	Interval  time.Duration `yaml:"interval" validate:"gt=0"`
}

type PeersConfig struct {
	// RequirePairing refuses inbound sessions from replicas not paired.
	RequirePairing bool `yaml:"require_pairing"`
	// AutoPair pairs with every discovered replica.
	AutoPair bool `yaml:"auto_pair"`
}

type DiscoveryConfig struct {
	MDNS   MDNSConfig   `yaml:"mdns"`
	Gossip GossipConfig `yaml:"gossip"`
}

type MDNSConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Service        string        `yaml:"service" validate:"required_if=Enabled true"`
	Domain         string        `yaml:"domain" validate:"required_if=Enabled true"`
	BrowseInterval time.Duration `yaml:"browse_interval" validate:"gte=0"`
}

type GossipConfig struct {
	Enabled  bool     `yaml:"enabled"`
	BindAddr string   `yaml:"bind_addr" validate:"omitempty,ip"`
	BindPort int      `yaml:"bind_port" validate:"gte=0,lte=65535"`
	Seeds    []string `yaml:"seeds" validate:"dive,hostname_port"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen" validate:"omitempty,hostname_port"`
}

type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=debug info warn error"`
	Format string `yaml:"format" validate:"oneof=json console"`
}

// Default returns the configuration used for any key the file omits.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{Path: "driftsync.db"},
		Sync: SyncConfig{
			Listen:      "0.0.0.0:7420",
			Transport:   "ws",
			Interval:    5 * time.Minute,
			IdleTimeout: 30 * time.Second,
			DialTimeout: time.Minute,
			AckEvery:    64,
		},
		GC: GCConfig{
			Enabled:   true,
			Retention: 7 * 24 * time.Hour,
			Interval:  time.Hour,
		},
		Discovery: DiscoveryConfig{
			MDNS: MDNSConfig{
				Service:        "_driftsync._tcp",
				Domain:         "local.",
				BrowseInterval: 30 * time.Second,
			},
			Gossip: GossipConfig{BindAddr: "0.0.0.0", BindPort: 7946},
		},
		Metrics: MetricsConfig{Listen: "127.0.0.1:9464"},
		Logging: LoggingConfig{Level: "info", Format: "console"},
	}
}

var validate = validator.New()

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			first := verrs[0]
			return fmt.Errorf("invalid config: %s fails %q", first.Namespace(), first.Tag())
		}
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// Load reads path over the defaults and validates the result. Relative
// storage and schema paths resolve against the file's directory.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	base := filepath.Dir(path)
	cfg.Storage.Path = resolve(base, cfg.Storage.Path)
	if cfg.Schema.Dir != "" {
		cfg.Schema.Dir = resolve(base, cfg.Schema.Dir)
	}
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Write stores cfg at path, refusing to overwrite an existing file.
func Write(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("write config: %w", err)
	}
	return f.Close()
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
