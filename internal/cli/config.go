package cli

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	FabricMemory = "memory"
	FabricEtcd   = "etcd"

	defaultListen      = ":7400"
	defaultMetricsPort = 9090
)

var errInvalidConfig = errors.New("invalid config")

// Config is the node configuration file. Durations use Go syntax ("2s").
type Config struct {
	Node struct {
		ID      string `yaml:"id"` // generated when empty
		Cluster string `yaml:"cluster"`
	} `yaml:"node"`

	RPC struct {
		Listen      string        `yaml:"listen"`
		Advertise   string        `yaml:"advertise"` // address other members dial
		CallTimeout time.Duration `yaml:"call_timeout"`
	} `yaml:"rpc"`

	Fabric struct {
		Kind              string `yaml:"kind"`
		MessageTTLSeconds int64  `yaml:"message_ttl_seconds"`
		Etcd              struct {
			Endpoints       []string      `yaml:"endpoints"`
			DialTimeout     time.Duration `yaml:"dial_timeout"`
			LeaseTTLSeconds int64         `yaml:"lease_ttl_seconds"`
		} `yaml:"etcd"`
	} `yaml:"fabric"`

	Seed struct {
		Parallelism    int      `yaml:"parallelism"`
		TilesPerSecond float64  `yaml:"tiles_per_second"`
		Metatile       int      `yaml:"metatile"`
		Layers         []string `yaml:"layers"`
	} `yaml:"seed"`

	Worker struct {
		PoolSize  int `yaml:"pool_size"`
		QueueSize int `yaml:"queue_size"`
	} `yaml:"worker"`

	Job struct {
		StatusTimeout time.Duration `yaml:"status_timeout"`
		Retention     time.Duration `yaml:"retention"`
		ReapInterval  time.Duration `yaml:"reap_interval"`
	} `yaml:"job"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

// loadConfig reads path; an empty path yields the defaults.
func loadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Node.ID == "" {
		c.Node.ID = uuid.NewString()
	}
	if c.Node.Cluster == "" {
		c.Node.Cluster = "default"
	}
	if c.RPC.Listen == "" {
		c.RPC.Listen = defaultListen
	}
	if c.RPC.Advertise == "" {
		c.RPC.Advertise = advertiseFor(c.RPC.Listen)
	}
	if c.Fabric.Kind == "" {
		c.Fabric.Kind = FabricMemory
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = defaultMetricsPort
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
}

// advertiseFor turns a wildcard listen address into one peers can dial.
func advertiseFor(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch c.Fabric.Kind {
	case FabricMemory:
	case FabricEtcd:
		if len(c.Fabric.Etcd.Endpoints) == 0 {
			return fmt.Errorf("%w: fabric.etcd.endpoints is required for the etcd fabric", errInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: fabric.kind %q (want %s or %s)", errInvalidConfig, c.Fabric.Kind, FabricMemory, FabricEtcd)
	}
	if _, _, err := net.SplitHostPort(c.RPC.Listen); err != nil {
		return fmt.Errorf("%w: rpc.listen %q: %w", errInvalidConfig, c.RPC.Listen, err)
	}
	if c.Seed.Parallelism < 0 {
		return fmt.Errorf("%w: seed.parallelism must not be negative", errInvalidConfig)
	}
	if c.Seed.TilesPerSecond < 0 {
		return fmt.Errorf("%w: seed.tiles_per_second must not be negative", errInvalidConfig)
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		return fmt.Errorf("%w: metrics.port %d", errInvalidConfig, c.Metrics.Port)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("%w: log.format %q (want text or json)", errInvalidConfig, c.Log.Format)
	}
	return nil
}

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: log.level %q", errInvalidConfig, s)
	}
	return l, nil
}

// newLogger builds the process logger from the log settings.
func newLogger(c *Config, w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
