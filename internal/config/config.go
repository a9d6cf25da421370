// Package config provides configuration management for cadenza.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/goccy/go-json"
)

// Defaults.
const (
	DefaultWorkerHost       = "127.0.0.1"
	DefaultWorkerPort       = 37780
	DefaultAPIBaseURL       = "https://server.music-assistant.com/"
	DefaultBarsPerPage      = 20
	DefaultAggregatorWindow = 5
	DefaultMatchWithin      = 1.0
	DefaultNearWithin       = 2.0
	DefaultTickIntervalMS   = 16
	DefaultCaptureTimeoutMS = 200
	DefaultCallTimeoutMS    = 15000

	BackendLocal  = "local"
	BackendRemote = "remote"

	ClockReported = "reported"
	ClockWall     = "wall"
)

// Config holds cadenza settings.
type Config struct {
	WorkerHost       string
	WorkerPort       int
	APIBaseURL       string
	APIToken         string
	Backend          string   // local or remote persistence
	ScoreSource      string   // local library or remote provider
	DBDSN            string   // PostgreSQL DSN; empty uses SQLite at DBPath
	DBPath           string
	MaxConns         int
	LibraryPath      string
	BarsPerPage      int
	AggregatorWindow int
	DefaultLower     float64 // live bounds when a unit carries none; 0 disables
	DefaultUpper     float64
	MatchWithin      float64
	NearWithin       float64
	Clock            string // reported or wall
	TickIntervalMS   int
	CaptureTimeoutMS int
	CallTimeoutMS    int
	AllowedOrigins   []string
	Debug            bool
}

var (
	global     *Config
	globalOnce sync.Once
)

// DataDir returns the cadenza data directory.
func DataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return filepath.Join(home, ".cadenza")
}

// DBPath returns the default SQLite database path.
func DBPath() string {
	return filepath.Join(DataDir(), "cadenza.db")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(DataDir(), "settings.json")
}

// LibraryPath returns the default exercise library path.
func LibraryPath() string {
	return filepath.Join(DataDir(), "library.yml")
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		WorkerHost:       DefaultWorkerHost,
		WorkerPort:       DefaultWorkerPort,
		APIBaseURL:       DefaultAPIBaseURL,
		Backend:          BackendLocal,
		ScoreSource:      BackendLocal,
		DBPath:           DBPath(),
		MaxConns:         4,
		LibraryPath:      LibraryPath(),
		BarsPerPage:      DefaultBarsPerPage,
		AggregatorWindow: DefaultAggregatorWindow,
		MatchWithin:      DefaultMatchWithin,
		NearWithin:       DefaultNearWithin,
		Clock:            ClockReported,
		TickIntervalMS:   DefaultTickIntervalMS,
		CaptureTimeoutMS: DefaultCaptureTimeoutMS,
		CallTimeoutMS:    DefaultCallTimeoutMS,
		AllowedOrigins:   []string{"*"},
	}
}

// EnsureDataDir creates the data directory if missing.
func EnsureDataDir() error {
	return os.MkdirAll(DataDir(), 0750)
}

// EnsureSettings writes a default settings file if none exists.
func EnsureSettings() error {
	path := SettingsPath()
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	d := Default()
	settings := map[string]any{
		"CADENZA_WORKER_PORT":   d.WorkerPort,
		"CADENZA_BACKEND":       d.Backend,
		"CADENZA_SCORE_SOURCE":  d.ScoreSource,
		"CADENZA_API_BASE_URL":  d.APIBaseURL,
		"CADENZA_BARS_PER_PAGE": d.BarsPerPage,
		"CADENZA_CLOCK":         d.Clock,
	}
	data, err := json.MarshalIndent(settings, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}

// EnsureAll creates the data directory and default settings.
func EnsureAll() error {
	if err := EnsureDataDir(); err != nil {
		return err
	}
	return EnsureSettings()
}

// Load reads settings.json over the defaults and applies environment
// overrides. A missing or malformed settings file yields the defaults.
func Load() (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(SettingsPath())
	if err == nil {
		var settings map[string]any
		if json.Unmarshal(data, &settings) == nil {
			cfg.apply(func(key string) (any, bool) {
				v, ok := settings[key]
				return v, ok
			})
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	cfg.apply(func(key string) (any, bool) {
		v, ok := os.LookupEnv(key)
		if !ok || v == "" {
			return nil, false
		}
		return v, true
	})
	return cfg, nil
}

// Get returns the cached global configuration, loading it on first use.
func Get() *Config {
	globalOnce.Do(func() {
		cfg, err := Load()
		if err != nil {
			cfg = Default()
		}
		global = cfg
	})
	return global
}

// GetWorkerPort returns the worker port, honoring CADENZA_WORKER_PORT.
func GetWorkerPort() int {
	if v := os.Getenv("CADENZA_WORKER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			return port
		}
	}
	return Get().WorkerPort
}

// Validate checks settings that the engine treats as preconditions.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendLocal, BackendRemote:
	default:
		return fmt.Errorf("CADENZA_BACKEND: unknown backend %q", c.Backend)
	}
	switch c.ScoreSource {
	case BackendLocal, BackendRemote:
	default:
		return fmt.Errorf("CADENZA_SCORE_SOURCE: unknown source %q", c.ScoreSource)
	}
	switch c.Clock {
	case ClockReported, ClockWall:
	default:
		return fmt.Errorf("CADENZA_CLOCK: unknown clock %q", c.Clock)
	}
	if c.BarsPerPage < 2 {
		return fmt.Errorf("CADENZA_BARS_PER_PAGE: %d < 2", c.BarsPerPage)
	}
	if c.NearWithin <= c.MatchWithin {
		return fmt.Errorf("CADENZA_NEAR_WITHIN %v must exceed CADENZA_MATCH_WITHIN %v", c.NearWithin, c.MatchWithin)
	}
	if c.DefaultUpper < c.DefaultLower {
		return fmt.Errorf("default bounds inverted: %v > %v", c.DefaultLower, c.DefaultUpper)
	}
	return nil
}

func (c *Config) apply(lookup func(key string) (any, bool)) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			if s, ok := asString(v); ok {
				*dst = s
			}
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			if f, ok := asFloat(v); ok && f > 0 {
				*dst = int(f)
			}
		}
	}
	flt := func(key string, dst *float64) {
		if v, ok := lookup(key); ok {
			if f, ok := asFloat(v); ok && f >= 0 {
				*dst = f
			}
		}
	}

	str("CADENZA_WORKER_HOST", &c.WorkerHost)
	num("CADENZA_WORKER_PORT", &c.WorkerPort)
	str("CADENZA_API_BASE_URL", &c.APIBaseURL)
	str("CADENZA_API_TOKEN", &c.APIToken)
	str("CADENZA_BACKEND", &c.Backend)
	str("CADENZA_SCORE_SOURCE", &c.ScoreSource)
	str("CADENZA_DB_DSN", &c.DBDSN)
	str("CADENZA_DB_PATH", &c.DBPath)
	num("CADENZA_MAX_CONNS", &c.MaxConns)
	str("CADENZA_LIBRARY_PATH", &c.LibraryPath)
	num("CADENZA_BARS_PER_PAGE", &c.BarsPerPage)
	num("CADENZA_AGGREGATOR_WINDOW", &c.AggregatorWindow)
	flt("CADENZA_DEFAULT_LOWER", &c.DefaultLower)
	flt("CADENZA_DEFAULT_UPPER", &c.DefaultUpper)
	flt("CADENZA_MATCH_WITHIN", &c.MatchWithin)
	flt("CADENZA_NEAR_WITHIN", &c.NearWithin)
	str("CADENZA_CLOCK", &c.Clock)
	num("CADENZA_TICK_INTERVAL_MS", &c.TickIntervalMS)
	num("CADENZA_CAPTURE_TIMEOUT_MS", &c.CaptureTimeoutMS)
	num("CADENZA_CALL_TIMEOUT_MS", &c.CallTimeoutMS)

	if v, ok := lookup("CADENZA_ALLOWED_ORIGINS"); ok {
		if s, ok := asString(v); ok {
			c.AllowedOrigins = splitTrim(s)
		}
	}
	if v, ok := lookup("CADENZA_DEBUG"); ok {
		switch b := v.(type) {
		case bool:
			c.Debug = b
		case string:
			c.Debug, _ = strconv.ParseBool(b)
		}
	}
}

func asString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64), true
	}
	return "", false
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}

// splitTrim splits a comma-separated list and drops empty entries.
func splitTrim(s string) []string {
	result := []string{}
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			result = append(result, p)
		}
	}
	return result
}
