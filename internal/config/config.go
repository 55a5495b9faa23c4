// Package config loads the fusionlog configuration file.
//
// Configuration is read from a single YAML file named by the --config
// flag, the FUSIONLOG_CONFIG environment variable, or DefaultPath, in that
// order. A missing file at DefaultPath means all defaults; a missing file
// that was named explicitly is an error. Values from the file are laid
// over Default(), then per-link defaults are filled in and the result is
// validated.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"

	"github.com/limarti/positioning-fusion-sub001/internal/home"
	"github.com/limarti/positioning-fusion-sub001/internal/logging"
	"github.com/limarti/positioning-fusion-sub001/internal/serial"
	"github.com/limarti/positioning-fusion-sub001/internal/volume"
)

// DefaultPath is read when no path is given.
const DefaultPath = "/etc/fusionlog/fusionlog.yaml"

// EnvVar names the environment variable that overrides DefaultPath.
const EnvVar = "FUSIONLOG_CONFIG"

// Config is the full configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Storage StorageConfig `yaml:"storage"`
	Writer  WriterConfig  `yaml:"writer"`
	Session SessionConfig `yaml:"session"`
	Janitor JanitorConfig `yaml:"janitor"`
	Status  StatusConfig  `yaml:"status"`
	Links   []LinkConfig  `yaml:"links"`
}

// LogConfig configures logging.
type LogConfig struct {
	// Level is the default minimum level (debug, info, warn, error).
	Level string `yaml:"level"`
	// Format is "text" or "json".
	Format string `yaml:"format"`
	// Levels overrides the level per component ("serial", "writer", ...).
	Levels map[string]string `yaml:"levels"`
}

// StorageConfig configures volume discovery.
type StorageConfig struct {
	// MediaRoots are the directories removable drives are mounted under.
	MediaRoots []string `yaml:"media_roots"`
	// LoggingDir is created at the volume root to hold sessions.
	LoggingDir string `yaml:"logging_dir"`
	// FSTypes is the filesystem allowlist.
	FSTypes []string `yaml:"fs_types"`
}

// WriterConfig holds flush thresholds shared by all writers.
type WriterConfig struct {
	QueueCapacity int           `yaml:"queue_capacity"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxBuffer     ByteSize      `yaml:"max_buffer"`
	// MaxPending bounds memory held per writer while no volume is present.
	MaxPending ByteSize `yaml:"max_pending"`
}

// SessionConfig configures session finalization.
type SessionConfig struct {
	RenamePoll time.Duration `yaml:"rename_poll"`
	// TimeSource is "kernel" (synchronized system clock) or "none".
	TimeSource string `yaml:"time_source"`
}

// JanitorConfig configures storage rotation.
type JanitorConfig struct {
	Interval  time.Duration `yaml:"interval"`
	HighWater float64       `yaml:"high_water"`
	LowWater  float64       `yaml:"low_water"`
}

// StatusConfig configures periodic status reporting.
type StatusConfig struct {
	Interval time.Duration `yaml:"interval"`
	// ThroughputFile is a per-session CSV of link rates. Empty disables it.
	ThroughputFile string `yaml:"throughput_file"`
}

// LinkConfig configures one serial link and the file it is recorded to.
type LinkConfig struct {
	Name     string `yaml:"name"`
	Device   string `yaml:"device"`
	Baud     int    `yaml:"baud"`
	DataBits int    `yaml:"data_bits"`
	Parity   string `yaml:"parity"`
	StopBits int    `yaml:"stop_bits"`

	ReadBuffer     int           `yaml:"read_buffer"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	Watchdog       time.Duration `yaml:"watchdog"`
	RateInterval   time.Duration `yaml:"rate_interval"`
	ReopenInterval time.Duration `yaml:"reopen_interval"`
	HealOnPoll     bool          `yaml:"heal_on_poll"`
	LineEnding     string        `yaml:"line_ending"`

	// MaxIOErrors consecutive read failures close the device for reopening.
	MaxIOErrors int `yaml:"max_io_errors"`

	// File is the output file name in the session directory.
	File string `yaml:"file"`
	// Header is written as the first line of a new file.
	Header string `yaml:"header"`
}

// ByteSize is a byte count written as "1MB", "64 MiB" or a plain integer.
type ByteSize uint64

// UnmarshalYAML implements yaml.Unmarshaler.
func (b *ByteSize) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("line %d: invalid byte size %q: %w", node.Line, s, err)
	}
	*b = ByteSize(n)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (b ByteSize) MarshalYAML() (any, error) {
	return humanize.IBytes(uint64(b)), nil
}

func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }

// Default returns the configuration used before the file is applied.
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Storage: StorageConfig{
			MediaRoots: slices.Clone(volume.DefaultMediaRoots),
			LoggingDir: "fusionlog",
			FSTypes:    slices.Clone(volume.DefaultFSTypes),
		},
		Writer: WriterConfig{
			QueueCapacity: 10000,
			FlushInterval: time.Second,
			MaxBuffer:     1 << 20,
			MaxPending:    32 << 20,
		},
		Session: SessionConfig{RenamePoll: 15 * time.Second, TimeSource: "kernel"},
		Janitor: JanitorConfig{Interval: 5 * time.Second, HighWater: 0.80, LowWater: 0.75},
		Status:  StatusConfig{Interval: 5 * time.Second, ThroughputFile: "throughput.csv"},
	}
}

// LinkDefaults returns the values an unset link field takes.
func LinkDefaults() LinkConfig {
	return LinkConfig{
		Baud:           115200,
		DataBits:       8,
		Parity:         "none",
		StopBits:       1,
		ReadBuffer:     serial.DefaultReadBuffer,
		PollInterval:   serial.DefaultPollInterval,
		RateInterval:   serial.DefaultRateInterval,
		ReopenInterval: 5 * time.Second,
		LineEnding:     serial.DefaultLineEnding,
		MaxIOErrors:    serial.DefaultMaxIOErrors,
	}
}

// Path resolves the config file path: flagPath, then $FUSIONLOG_CONFIG,
// then DefaultPath. explicit reports whether the user named a file.
func Path(flagPath string) (path string, explicit bool) {
	if flagPath != "" {
		return flagPath, true
	}
	if env := os.Getenv(EnvVar); env != "" {
		return env, true
	}
	return DefaultPath, false
}

// Load reads the configuration named by flagPath (see Path).
func Load(flagPath string) (*Config, error) {
	path, explicit := Path(flagPath)
	cfg, err := LoadFile(path)
	if errors.Is(err, fs.ErrNotExist) && !explicit {
		cfg = Default()
		cfg.applyLinkDefaults()
		return cfg, cfg.Validate()
	}
	return cfg, err
}

// LoadFile reads, defaults and validates the file at path.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec // G304: operator-supplied config path
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyLinkDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyLinkDefaults() {
	d := LinkDefaults()
	for i := range c.Links {
		l := &c.Links[i]
		if l.Baud == 0 {
			l.Baud = d.Baud
		}
		if l.DataBits == 0 {
			l.DataBits = d.DataBits
		}
		if l.Parity == "" {
			l.Parity = d.Parity
		}
		if l.StopBits == 0 {
			l.StopBits = d.StopBits
		}
		if l.ReadBuffer == 0 {
			l.ReadBuffer = d.ReadBuffer
		}
		if l.PollInterval == 0 {
			l.PollInterval = d.PollInterval
		}
		if l.Watchdog == 0 {
			l.Watchdog = l.PollInterval
		}
		if l.RateInterval == 0 {
			l.RateInterval = d.RateInterval
		}
		if l.ReopenInterval == 0 {
			l.ReopenInterval = d.ReopenInterval
		}
		if l.LineEnding == "" {
			l.LineEnding = d.LineEnding
		}
		if l.MaxIOErrors == 0 {
			l.MaxIOErrors = d.MaxIOErrors
		}
	}
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	bad := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Log.Format != "text" && c.Log.Format != "json" {
		bad("log.format: must be text or json, got %q", c.Log.Format)
	}
	if lvl := c.Log.Level; !validLevel(lvl) {
		bad("log.level: invalid level %q", lvl)
	}
	for comp, lvl := range c.Log.Levels {
		if !validLevel(lvl) {
			bad("log.levels.%s: invalid level %q", comp, lvl)
		}
	}

	if len(c.Storage.MediaRoots) == 0 {
		bad("storage.media_roots: at least one root is required")
	}
	if c.Storage.LoggingDir == "" || strings.ContainsRune(c.Storage.LoggingDir, '/') {
		bad("storage.logging_dir: must be a single directory name, got %q", c.Storage.LoggingDir)
	}
	if len(c.Storage.FSTypes) == 0 {
		bad("storage.fs_types: at least one filesystem type is required")
	}

	if c.Writer.QueueCapacity <= 0 {
		bad("writer.queue_capacity: must be positive")
	}
	if c.Writer.FlushInterval <= 0 {
		bad("writer.flush_interval: must be positive")
	}
	if c.Writer.MaxBuffer == 0 {
		bad("writer.max_buffer: must be positive")
	}
	if c.Writer.MaxPending < c.Writer.MaxBuffer {
		bad("writer.max_pending: must be at least writer.max_buffer (%s)", c.Writer.MaxBuffer)
	}

	if c.Session.RenamePoll <= 0 {
		bad("session.rename_poll: must be positive")
	}
	if c.Session.TimeSource != "kernel" && c.Session.TimeSource != "none" {
		bad("session.time_source: must be kernel or none, got %q", c.Session.TimeSource)
	}

	if c.Janitor.Interval <= 0 {
		bad("janitor.interval: must be positive")
	}
	if c.Janitor.HighWater <= 0 || c.Janitor.HighWater > 1 {
		bad("janitor.high_water: must be in (0, 1], got %v", c.Janitor.HighWater)
	}
	if c.Janitor.LowWater <= 0 || c.Janitor.LowWater >= c.Janitor.HighWater {
		bad("janitor.low_water: must be in (0, high_water), got %v", c.Janitor.LowWater)
	}

	if c.Status.Interval <= 0 {
		bad("status.interval: must be positive")
	}
	if strings.ContainsRune(c.Status.ThroughputFile, '/') {
		bad("status.throughput_file: must be a file name, got %q", c.Status.ThroughputFile)
	} else if reserved(c.Status.ThroughputFile) {
		bad("status.throughput_file: %q is reserved", c.Status.ThroughputFile)
	}

	names := make(map[string]bool)
	files := make(map[string]bool)
	if c.Status.ThroughputFile != "" {
		files[c.Status.ThroughputFile] = true
	}
	for i, l := range c.Links {
		field := fmt.Sprintf("links[%d]", i)
		if l.Name == "" {
			bad("%s.name: required", field)
		} else if names[l.Name] {
			bad("%s.name: duplicate link %q", field, l.Name)
		}
		names[l.Name] = true

		if l.File == "" || strings.ContainsRune(l.File, '/') {
			bad("%s.file: must be a file name, got %q", field, l.File)
		} else if reserved(l.File) {
			bad("%s.file: %q is reserved", field, l.File)
		} else if files[l.File] {
			bad("%s.file: %q is already used", field, l.File)
		}
		files[l.File] = true

		if _, err := l.Serial(); err != nil {
			bad("%s: %w", field, err)
		}
		if l.ReadBuffer <= 0 {
			bad("%s.read_buffer: must be positive", field)
		}
		if l.MaxIOErrors <= 0 {
			bad("%s.max_io_errors: must be positive", field)
		}
		if l.PollInterval <= 0 || l.Watchdog <= 0 || l.RateInterval <= 0 || l.ReopenInterval <= 0 {
			bad("%s: intervals must be positive", field)
		}
	}

	return errors.Join(errs...)
}

// reserved reports names a session directory already uses for itself.
func reserved(name string) bool {
	return name == home.MetaFile || name == "." || name == ".."
}

// Serial converts the link's framing settings to a serial.Config.
func (l LinkConfig) Serial() (serial.Config, error) {
	parity, err := serial.ParseParity(l.Parity)
	if err != nil {
		return serial.Config{}, err
	}
	cfg := serial.Config{
		Device:   l.Device,
		Baud:     l.Baud,
		DataBits: l.DataBits,
		Parity:   parity,
		StopBits: serial.StopBits(l.StopBits), //nolint:gosec // G115: validated below
	}
	if l.StopBits < 0 || l.StopBits > 2 {
		return serial.Config{}, fmt.Errorf("unsupported stop bits %d", l.StopBits)
	}
	if err := cfg.Validate(); err != nil {
		return serial.Config{}, err
	}
	return cfg, nil
}

// Link builds the serial.LinkConfig for l. The config must have been
// validated.
func (l LinkConfig) Link() serial.LinkConfig {
	port, _ := l.Serial()
	return serial.LinkConfig{
		Name:         l.Name,
		Port:         port,
		ReadBuffer:   l.ReadBuffer,
		PollInterval: l.PollInterval,
		Watchdog:     l.Watchdog,
		RateInterval: l.RateInterval,
		HealOnPoll:   l.HealOnPoll,
		LineEnding:   l.LineEnding,
		MaxIOErrors:  l.MaxIOErrors,
	}
}

func validLevel(s string) bool {
	_, err := logging.ParseLevel(s)
	return err == nil
}
