// Package config handles tunables loading using viper.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"firestige.xyz/gatekeeper/internal/core"
)

// Defaults for every tunable. A missing key in the document always falls back to these.
const (
	DefaultQueueSize   = 1024
	DefaultReadBuffer  = 4194304
	DefaultWriteBuffer = 4194304
	DefaultLocal       = true
	DefaultRST         = false

	DefaultWorkerCount                = 4
	DefaultWorkerQueueSize            = 64
	DefaultTCPMaxBufferedPagesTotal   = 65536
	DefaultTCPMaxBufferedPagesPerConn = 16
	DefaultTCPTimeout                 = 600 * time.Second
	DefaultUDPMaxStreams              = 4096

	DefaultGeoIP   = "./geoip"
	DefaultGeoSite = "./geosite"

	DefaultReplayStreamTableSize = 65536
	DefaultReplayDrainTimeout    = 10 * time.Second

	// EnvPrefix is prepended to environment overrides, e.g. GATEKEEPER_WORKERS_COUNT.
	EnvPrefix = "GATEKEEPER"
)

// Config is the full tunables document.
type Config struct {
	IO      IOConfig      `mapstructure:"io" yaml:"io"`
	Workers WorkersConfig `mapstructure:"workers" yaml:"workers"`
	Ruleset RulesetConfig `mapstructure:"ruleset" yaml:"ruleset"`
	Replay  ReplayConfig  `mapstructure:"replay" yaml:"replay"`
	Log     LogConfig     `mapstructure:"log" yaml:"log"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
}

// ─── Packet I/O ───

// IOConfig tunes the kernel packet queue backend.
type IOConfig struct {
	QueueSize   int  `mapstructure:"queue_size" yaml:"queue_size"` // kernel queue length
	ReadBuffer  int  `mapstructure:"rcv_buf" yaml:"rcv_buf"`       // netlink socket receive buffer, bytes
	WriteBuffer int  `mapstructure:"snd_buf" yaml:"snd_buf"`       // netlink socket send buffer, bytes
	Local       bool `mapstructure:"local" yaml:"local"`           // INPUT/OUTPUT when true, FORWARD otherwise
	RST         bool `mapstructure:"rst" yaml:"rst"`               // reset dropped TCP streams
}

// ─── Workers ───

// WorkersConfig sizes the dispatcher.
// One buffered page is one packet waiting for a verdict.
type WorkersConfig struct {
	Count                      int           `mapstructure:"count" yaml:"count"`
	QueueSize                  int           `mapstructure:"queue_size" yaml:"queue_size"`
	TCPMaxBufferedPagesTotal   int           `mapstructure:"tcp_max_buffered_pages_total" yaml:"tcp_max_buffered_pages_total"`
	TCPMaxBufferedPagesPerConn int           `mapstructure:"tcp_max_buffered_pages_per_conn" yaml:"tcp_max_buffered_pages_per_conn"`
	TCPTimeout                 time.Duration `mapstructure:"tcp_timeout" yaml:"tcp_timeout"`
	UDPMaxStreams              int           `mapstructure:"udp_max_streams" yaml:"udp_max_streams"`
}

// ─── Ruleset ───

// RulesetConfig points at the geo databases consumed by the rule engine.
type RulesetConfig struct {
	GeoIP   string `mapstructure:"geoip" yaml:"geoip"`
	GeoSite string `mapstructure:"geosite" yaml:"geosite"`
}

// ─── Replay ───

// ReplayConfig tunes the capture file backend.
type ReplayConfig struct {
	Realtime        bool          `mapstructure:"realtime" yaml:"realtime"`
	Output          string        `mapstructure:"output" yaml:"output"` // accepted packets are written here, empty = off
	StreamTableSize int           `mapstructure:"stream_table_size" yaml:"stream_table_size"`
	DrainTimeout    time.Duration `mapstructure:"drain_timeout" yaml:"drain_timeout"` // end of file: give up after this long without a verdict
}

// ─── Log ───

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string           `mapstructure:"level" yaml:"level"`   // debug / info / warn / error
	Format string           `mapstructure:"format" yaml:"format"` // json / text
	File   FileOutputConfig `mapstructure:"file" yaml:"file"`
}

// FileOutputConfig configures file log output.
type FileOutputConfig struct {
	Enabled    bool   `mapstructure:"enabled" yaml:"enabled"`
	Path       string `mapstructure:"path" yaml:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxAgeDays int    `mapstructure:"max_age_days" yaml:"max_age_days"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
	Compress   bool   `mapstructure:"compress" yaml:"compress"`
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Listen  string `mapstructure:"listen" yaml:"listen"`
	Path    string `mapstructure:"path" yaml:"path"`
}

// ─── Loading ───

// Load loads configuration from a YAML file.
// An empty path yields the defaults; environment variables with the GATEKEEPER_ prefix
// override both (e.g. GATEKEEPER_WORKERS_COUNT=8).
func Load(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("%w: failed to read config file: %v", core.ErrConfigInvalid, err)
		}
	}
	return decode(v)
}

// LoadFromReader loads configuration from a YAML document.
func LoadFromReader(r io.Reader) (*Config, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read config: %v", core.ErrConfigInvalid, err)
	}
	v := newViper()
	if len(bytes.TrimSpace(data)) > 0 {
		v.SetConfigType("yaml")
		if err := v.ReadConfig(bytes.NewReader(data)); err != nil {
			return nil, fmt.Errorf("%w: failed to parse config: %v", core.ErrConfigInvalid, err)
		}
	}
	return decode(v)
}

// Default returns the configuration used when no document is given.
func Default() *Config {
	return &Config{
		IO: IOConfig{
			QueueSize:   DefaultQueueSize,
			ReadBuffer:  DefaultReadBuffer,
			WriteBuffer: DefaultWriteBuffer,
			Local:       DefaultLocal,
			RST:         DefaultRST,
		},
		Workers: WorkersConfig{
			Count:                      DefaultWorkerCount,
			QueueSize:                  DefaultWorkerQueueSize,
			TCPMaxBufferedPagesTotal:   DefaultTCPMaxBufferedPagesTotal,
			TCPMaxBufferedPagesPerConn: DefaultTCPMaxBufferedPagesPerConn,
			TCPTimeout:                 DefaultTCPTimeout,
			UDPMaxStreams:              DefaultUDPMaxStreams,
		},
		Ruleset: RulesetConfig{
			GeoIP:   DefaultGeoIP,
			GeoSite: DefaultGeoSite,
		},
		Replay: ReplayConfig{
			StreamTableSize: DefaultReplayStreamTableSize,
			DrainTimeout:    DefaultReplayDrainTimeout,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
			File: FileOutputConfig{
				Path:       "/var/log/gatekeeper/gatekeeper.log",
				MaxSizeMB:  100,
				MaxAgeDays: 30,
				MaxBackups: 5,
				Compress:   true,
			},
		},
		Metrics: MetricsConfig{
			Listen: ":9091",
			Path:   "/metrics",
		},
	}
}

// YAML renders the effective configuration.
func (cfg *Config) YAML() ([]byte, error) {
	return yaml.Marshal(cfg)
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		secondsToDurationHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal config: %v", core.ErrConfigInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// setDefaults sets default values for configuration.
func setDefaults(v *viper.Viper) {
	d := Default()

	// Packet I/O defaults
	v.SetDefault("io.queue_size", d.IO.QueueSize)
	v.SetDefault("io.rcv_buf", d.IO.ReadBuffer)
	v.SetDefault("io.snd_buf", d.IO.WriteBuffer)
	v.SetDefault("io.local", d.IO.Local)
	v.SetDefault("io.rst", d.IO.RST)

	// Worker defaults
	v.SetDefault("workers.count", d.Workers.Count)
	v.SetDefault("workers.queue_size", d.Workers.QueueSize)
	v.SetDefault("workers.tcp_max_buffered_pages_total", d.Workers.TCPMaxBufferedPagesTotal)
	v.SetDefault("workers.tcp_max_buffered_pages_per_conn", d.Workers.TCPMaxBufferedPagesPerConn)
	v.SetDefault("workers.tcp_timeout", d.Workers.TCPTimeout)
	v.SetDefault("workers.udp_max_streams", d.Workers.UDPMaxStreams)

	// Ruleset defaults
	v.SetDefault("ruleset.geoip", d.Ruleset.GeoIP)
	v.SetDefault("ruleset.geosite", d.Ruleset.GeoSite)

	// Replay defaults
	v.SetDefault("replay.realtime", d.Replay.Realtime)
	v.SetDefault("replay.output", d.Replay.Output)
	v.SetDefault("replay.stream_table_size", d.Replay.StreamTableSize)
	v.SetDefault("replay.drain_timeout", d.Replay.DrainTimeout)

	// Log defaults
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.format", d.Log.Format)
	v.SetDefault("log.file.enabled", d.Log.File.Enabled)
	v.SetDefault("log.file.path", d.Log.File.Path)
	v.SetDefault("log.file.max_size_mb", d.Log.File.MaxSizeMB)
	v.SetDefault("log.file.max_age_days", d.Log.File.MaxAgeDays)
	v.SetDefault("log.file.max_backups", d.Log.File.MaxBackups)
	v.SetDefault("log.file.compress", d.Log.File.Compress)

	// Metrics defaults
	v.SetDefault("metrics.enabled", d.Metrics.Enabled)
	v.SetDefault("metrics.listen", d.Metrics.Listen)
	v.SetDefault("metrics.path", d.Metrics.Path)
}

// secondsToDurationHook lets duration fields be written as plain integer seconds
// ("tcp_timeout: 600" or "600"), next to Go duration strings ("10m").
func secondsToDurationHook() mapstructure.DecodeHookFuncType {
	durationType := reflect.TypeOf(time.Duration(0))
	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != durationType {
			return data, nil
		}
		switch from.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			if from == durationType {
				return data, nil
			}
			return time.Duration(reflect.ValueOf(data).Int()) * time.Second, nil
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return time.Duration(reflect.ValueOf(data).Uint()) * time.Second, nil
		case reflect.Float32, reflect.Float64:
			return time.Duration(reflect.ValueOf(data).Float() * float64(time.Second)), nil
		case reflect.String:
			s := strings.TrimSpace(data.(string))
			if n, err := strconv.ParseInt(s, 10, 64); err == nil {
				return time.Duration(n) * time.Second, nil
			}
			return s, nil
		}
		return data, nil
	}
}

// Validate checks value ranges. Errors wrap core.ErrConfigInvalid.
func (cfg *Config) Validate() error {
	var errs []error
	positive := func(name string, n int) {
		if n <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %d", name, n))
		}
	}

	// ── Packet I/O ──
	positive("io.queue_size", cfg.IO.QueueSize)
	if uint64(cfg.IO.QueueSize) > math.MaxUint32 {
		errs = append(errs, fmt.Errorf("io.queue_size %d out of range", cfg.IO.QueueSize))
	}
	positive("io.rcv_buf", cfg.IO.ReadBuffer)
	positive("io.snd_buf", cfg.IO.WriteBuffer)

	// ── Workers ──
	positive("workers.count", cfg.Workers.Count)
	positive("workers.queue_size", cfg.Workers.QueueSize)
	positive("workers.tcp_max_buffered_pages_total", cfg.Workers.TCPMaxBufferedPagesTotal)
	positive("workers.tcp_max_buffered_pages_per_conn", cfg.Workers.TCPMaxBufferedPagesPerConn)
	positive("workers.udp_max_streams", cfg.Workers.UDPMaxStreams)
	if cfg.Workers.TCPTimeout <= 0 {
		errs = append(errs, fmt.Errorf("workers.tcp_timeout must be positive, got %s", cfg.Workers.TCPTimeout))
	}
	if cfg.Workers.TCPMaxBufferedPagesPerConn > cfg.Workers.TCPMaxBufferedPagesTotal {
		errs = append(errs, fmt.Errorf("workers.tcp_max_buffered_pages_per_conn (%d) exceeds tcp_max_buffered_pages_total (%d)",
			cfg.Workers.TCPMaxBufferedPagesPerConn, cfg.Workers.TCPMaxBufferedPagesTotal))
	}

	// ── Replay ──
	positive("replay.stream_table_size", cfg.Replay.StreamTableSize)
	if cfg.Replay.DrainTimeout <= 0 {
		errs = append(errs, fmt.Errorf("replay.drain_timeout must be positive, got %s", cfg.Replay.DrainTimeout))
	}

	// ── Log ──
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[cfg.Log.Level] {
		errs = append(errs, fmt.Errorf("invalid log level: %s (must be debug/info/warn/error)", cfg.Log.Level))
	}
	if cfg.Log.Format != "json" && cfg.Log.Format != "text" {
		errs = append(errs, fmt.Errorf("invalid log format: %s (must be json/text)", cfg.Log.Format))
	}
	if cfg.Log.File.Enabled && cfg.Log.File.Path == "" {
		errs = append(errs, fmt.Errorf("log.file.path is required when log.file.enabled=true"))
	}

	// ── Metrics ──
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		errs = append(errs, fmt.Errorf("metrics.listen is required when metrics.enabled=true"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", core.ErrConfigInvalid, errors.Join(errs...))
	}
	return nil
}

// Warnings reports settings that are accepted but probably not what the operator meant.
func (cfg *Config) Warnings() []string {
	var w []string
	if _, err := os.Stat(cfg.Ruleset.GeoIP); err != nil {
		w = append(w, fmt.Sprintf("ruleset.geoip %q is not accessible", cfg.Ruleset.GeoIP))
	}
	if _, err := os.Stat(cfg.Ruleset.GeoSite); err != nil {
		w = append(w, fmt.Sprintf("ruleset.geosite %q is not accessible", cfg.Ruleset.GeoSite))
	}
	return w
}
