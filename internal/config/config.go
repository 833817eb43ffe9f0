// Package config loads the runtime configuration shared by the bridge and
// the dashboard. Values come from a JSON file, then from the environment
// (optionally seeded from a .env file); command-line flags in cmd/ override
// both.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/banshee-data/beacon.report/internal/frame"
	"github.com/banshee-data/beacon.report/internal/serialmux"
	"github.com/banshee-data/beacon.report/internal/units"
)

// Defaults
const (
	DefaultListen           = ":8080"
	DefaultSerialPort       = "/dev/ttyUSB0"
	DefaultFrameFormat      = frame.FormatSimple
	DefaultTOFScale         = 0.01
	DefaultDBPath           = "beacon_data.db"
	DefaultEgressEndpoint   = "http://localhost:8090/api/click"
	DefaultEgressQueueSize  = 64
	DefaultSessionTTL       = 12 * time.Hour
	DefaultReadingRetention = 7 * 24 * time.Hour
	DefaultReplayInterval   = serialmux.DefaultReplayInterval
)

// Config is the root configuration. Every field is optional; the Get*
// methods supply defaults for fields left unset.
type Config struct {
	Listen *string `json:"listen,omitempty"`

	// Serial transport
	SerialPort  *string  `json:"serial_port,omitempty"`
	BaudRate    *int     `json:"baud_rate,omitempty"`
	DataBits    *int     `json:"data_bits,omitempty"`
	StopBits    *int     `json:"stop_bits,omitempty"`
	Parity      *string  `json:"parity,omitempty"`
	FrameFormat *string  `json:"frame_format,omitempty"`
	TOFScale    *float64 `json:"tof_scale,omitempty"`
	ReadTimeout *string  `json:"read_timeout,omitempty"` // duration string like "1s"

	// Replay input instead of a serial port
	ReplayFile     *string `json:"replay_file,omitempty"`
	ReplayInterval *string `json:"replay_interval,omitempty"` // duration string like "500ms"

	// Storage
	DBPath           *string `json:"db_path,omitempty"`
	ReadingRetention *string `json:"reading_retention,omitempty"` // duration string like "168h"

	// Egress
	EgressEndpoint  *string `json:"egress_endpoint,omitempty"`
	EgressQueueSize *int    `json:"egress_queue_size,omitempty"`

	// Auth
	PocketBaseURL *string `json:"pocketbase_url,omitempty"`
	SessionTTL    *string `json:"session_ttl,omitempty"`
	// Static credentials are read from the environment only.
	AuthIdentity string `json:"-"`
	AuthPassword string `json:"-"`

	// Presentation
	Units      *string `json:"units,omitempty"`
	GridWidth  *string `json:"grid_width,omitempty"`
	GridHeight *string `json:"grid_height,omitempty"`
	GridSize   *string `json:"grid_size,omitempty"`
}

// Load reads a Config from a JSON file. The file must have a .json
// extension and be under 1MB. Omitted fields keep their defaults.
func Load(path string) (*Config, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := os.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := os.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// FromFiles loads the JSON config at path, when given, then applies the
// environment seeded from envFiles.
func FromFiles(path string, envFiles ...string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		var err error
		if cfg, err = Load(path); err != nil {
			return nil, err
		}
	}
	lookup, err := EnvLookup(envFiles...)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(lookup); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}
	return cfg, nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// EnvLookup returns a LookupFunc over the process environment, falling
// back to the values of the given .env files. Missing files are skipped.
// The process environment always wins.
func EnvLookup(files ...string) (LookupFunc, error) {
	fileEnv := make(map[string]string)
	for _, f := range files {
		vals, err := godotenv.Read(f)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f, err)
		}
		for k, v := range vals {
			if _, ok := fileEnv[k]; !ok {
				fileEnv[k] = v
			}
		}
	}
	return func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := fileEnv[key]
		return v, ok
	}, nil
}

// ApplyEnv overrides fields from BEACON_* variables.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	str := func(key string, dst **string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = &v
		}
	}
	num := func(key string, dst **int) error {
		v, ok := lookup(key)
		if !ok || v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
		*dst = &n
		return nil
	}

	str("BEACON_LISTEN", &c.Listen)
	str("BEACON_SERIAL_PORT", &c.SerialPort)
	str("BEACON_READ_TIMEOUT", &c.ReadTimeout)
	str("BEACON_FRAME_FORMAT", &c.FrameFormat)
	str("BEACON_DB_PATH", &c.DBPath)
	str("BEACON_EGRESS_ENDPOINT", &c.EgressEndpoint)
	str("BEACON_POCKETBASE_URL", &c.PocketBaseURL)
	str("BEACON_UNITS", &c.Units)
	if err := num("BEACON_BAUD_RATE", &c.BaudRate); err != nil {
		return err
	}
	if v, ok := lookup("BEACON_AUTH_IDENTITY"); ok {
		c.AuthIdentity = v
	}
	if v, ok := lookup("BEACON_AUTH_PASSWORD"); ok {
		c.AuthPassword = v
	}
	return c.Validate()
}

// Validate checks that the configuration values are valid.
func (c *Config) Validate() error {
	if _, err := c.GetPortOptions().Normalise(); err != nil {
		return err
	}
	if c.FrameFormat != nil {
		if _, err := frame.ParseFormat(*c.FrameFormat); err != nil {
			return err
		}
	}
	if c.TOFScale != nil && !(*c.TOFScale > 0) {
		return fmt.Errorf("tof_scale must be positive, got %g", *c.TOFScale)
	}
	for name, d := range map[string]*string{
		"reading_retention": c.ReadingRetention,
		"session_ttl":       c.SessionTTL,
	} {
		if d == nil || *d == "" {
			continue
		}
		if v, err := time.ParseDuration(*d); err != nil || v < 0 {
			return fmt.Errorf("invalid %s %q", name, *d)
		}
	}
	// Tickers and read deadlines need a positive period.
	for name, d := range map[string]*string{
		"replay_interval": c.ReplayInterval,
		"read_timeout":    c.ReadTimeout,
	} {
		if d == nil || *d == "" {
			continue
		}
		if v, err := time.ParseDuration(*d); err != nil || v <= 0 {
			return fmt.Errorf("invalid %s %q: must be a positive duration", name, *d)
		}
	}
	for name, raw := range map[string]*string{
		"egress_endpoint": c.EgressEndpoint,
		"pocketbase_url":  c.PocketBaseURL,
	} {
		if raw == nil || *raw == "" {
			continue
		}
		u, err := url.Parse(*raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("invalid %s %q", name, *raw)
		}
	}
	if c.EgressQueueSize != nil && *c.EgressQueueSize < 1 {
		return fmt.Errorf("egress_queue_size must be at least 1, got %d", *c.EgressQueueSize)
	}
	if c.Units != nil && !units.IsValid(*c.Units) {
		return fmt.Errorf("invalid units %q (valid: %s)", *c.Units, units.GetValidUnitsString())
	}
	return nil
}

func durationOr(s *string, def time.Duration) time.Duration {
	if s == nil || *s == "" {
		return def
	}
	d, err := time.ParseDuration(*s)
	if err != nil {
		return def
	}
	return d
}

func stringOr(s *string, def string) string {
	if s == nil || *s == "" {
		return def
	}
	return *s
}

func (c *Config) GetListen() string     { return stringOr(c.Listen, DefaultListen) }
func (c *Config) GetSerialPort() string { return stringOr(c.SerialPort, DefaultSerialPort) }
func (c *Config) GetDBPath() string     { return stringOr(c.DBPath, DefaultDBPath) }
func (c *Config) GetReplayFile() string { return stringOr(c.ReplayFile, "") }
func (c *Config) GetUnits() string      { return stringOr(c.Units, units.Meters) }

// GetPortOptions returns the serial settings; zero fields are defaulted by
// serialmux.PortOptions.Normalise. The read timeout defaults to
// serialmux.DefaultReadTimeout so reconnect loops notice cancellation.
func (c *Config) GetPortOptions() serialmux.PortOptions {
	o := serialmux.PortOptions{ReadTimeout: durationOr(c.ReadTimeout, serialmux.DefaultReadTimeout)}
	if c.BaudRate != nil {
		o.BaudRate = *c.BaudRate
	}
	if c.DataBits != nil {
		o.DataBits = *c.DataBits
	}
	if c.StopBits != nil {
		o.StopBits = *c.StopBits
	}
	if c.Parity != nil {
		o.Parity = *c.Parity
	}
	return o
}

// GetFrameFormat returns the configured frame format, or FormatSimple.
func (c *Config) GetFrameFormat() frame.Format {
	if c.FrameFormat == nil {
		return DefaultFrameFormat
	}
	f, err := frame.ParseFormat(*c.FrameFormat)
	if err != nil {
		return DefaultFrameFormat
	}
	return f
}

// GetTOFScale returns the multiplier from raw time-of-flight units to
// meters for the binary and text frame formats.
func (c *Config) GetTOFScale() float64 {
	if c.TOFScale == nil {
		return DefaultTOFScale
	}
	return *c.TOFScale
}

func (c *Config) GetReplayInterval() time.Duration {
	return durationOr(c.ReplayInterval, DefaultReplayInterval)
}

// GetReadingRetention returns how long stored readings are kept. Zero keeps
// them forever.
func (c *Config) GetReadingRetention() time.Duration {
	return durationOr(c.ReadingRetention, DefaultReadingRetention)
}

func (c *Config) GetSessionTTL() time.Duration {
	return durationOr(c.SessionTTL, DefaultSessionTTL)
}

func (c *Config) GetEgressEndpoint() string {
	return stringOr(c.EgressEndpoint, DefaultEgressEndpoint)
}

func (c *Config) GetEgressQueueSize() int {
	if c.EgressQueueSize == nil {
		return DefaultEgressQueueSize
	}
	return *c.EgressQueueSize
}

// GetPocketBaseURL returns the PocketBase server, or "" when accounts are
// checked against the static credentials instead.
func (c *Config) GetPocketBaseURL() string { return stringOr(c.PocketBaseURL, "") }

// GetGridInput returns the initial grid as width, height and cell size
// text, defaulting to a 10m x 8m floor with 0.5m cells.
func (c *Config) GetGridInput() (width, height, gridSize string) {
	return stringOr(c.GridWidth, "10"), stringOr(c.GridHeight, "8"), stringOr(c.GridSize, "0.5")
}
