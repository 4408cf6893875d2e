// Package agent provides the AIVory Monitor Go agent.
package agent

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/ilscipio/aivory-monitor/agent-go/pkg/capture"
	"github.com/ilscipio/aivory-monitor/agent-go/pkg/debugger"
	"github.com/ilscipio/aivory-monitor/agent-go/pkg/snapshot"
	"gopkg.in/yaml.v3"
)

// Config holds the agent configuration.
type Config struct {
	APIKey            string        `yaml:"api_key"`
	BackendURL        string        `yaml:"backend_url"`
	Environment       string        `yaml:"environment"`
	MaxCaptureDepth   int           `yaml:"max_capture_depth"`
	MaxStringLength   int           `yaml:"max_string_length"`
	MaxCollectionSize int           `yaml:"max_collection_size"`
	Debug             bool          `yaml:"debug"`
	EnableBreakpoints bool          `yaml:"enable_breakpoints"`
	SnapshotTTL       time.Duration `yaml:"snapshot_ttl"`
	JanitorPeriod     time.Duration `yaml:"janitor_period"`
	ConditionTimeout  time.Duration `yaml:"condition_timeout"`
	SourceRoots       []string      `yaml:"source_roots"`
	WatchSources      bool          `yaml:"watch_sources"`
	OverlayDir        string        `yaml:"overlay_dir"`
	MetricsAddr       string        `yaml:"metrics_addr"`
	Hostname          string        `yaml:"-"`
	AgentID           string        `yaml:"-"`

	loadErr error
}

// NewConfig creates a new configuration. Defaults come from an optional YAML
// file named by AIVORY_CONFIG, then from environment variables, then from
// options.
func NewConfig(options ...ConfigOption) *Config {
	cfg := &Config{
		BackendURL:        "wss://api.aivory.net/ws/agent",
		Environment:       "production",
		MaxCaptureDepth:   capture.DefaultLimits.MaxDepth,
		MaxStringLength:   capture.DefaultLimits.MaxStringLength,
		MaxCollectionSize: capture.DefaultLimits.MaxCollectionSize,
		EnableBreakpoints: true,
		SnapshotTTL:       snapshot.DefaultTTL,
		JanitorPeriod:     snapshot.DefaultJanitorPeriod,
		ConditionTimeout:  100 * time.Millisecond,
		OverlayDir:        filepath.Join(os.TempDir(), "aivory-overlay"),
	}

	if path := os.Getenv("AIVORY_CONFIG"); path != "" {
		cfg.loadErr = cfg.LoadFile(path)
	}

	cfg.APIKey = getEnvOrDefault("AIVORY_API_KEY", cfg.APIKey)
	cfg.BackendURL = getEnvOrDefault("AIVORY_BACKEND_URL", cfg.BackendURL)
	cfg.Environment = getEnvOrDefault("AIVORY_ENVIRONMENT", cfg.Environment)
	cfg.MaxCaptureDepth = getEnvIntOrDefault("AIVORY_MAX_DEPTH", cfg.MaxCaptureDepth)
	cfg.MaxStringLength = getEnvIntOrDefault("AIVORY_MAX_STRING_LENGTH", cfg.MaxStringLength)
	cfg.MaxCollectionSize = getEnvIntOrDefault("AIVORY_MAX_COLLECTION_SIZE", cfg.MaxCollectionSize)
	cfg.Debug = getEnvBoolOrDefault("AIVORY_DEBUG", cfg.Debug)
	cfg.EnableBreakpoints = getEnvBoolOrDefault("AIVORY_ENABLE_BREAKPOINTS", cfg.EnableBreakpoints)
	cfg.SnapshotTTL = getEnvDurationOrDefault("AIVORY_SNAPSHOT_TTL", cfg.SnapshotTTL)
	cfg.JanitorPeriod = getEnvDurationOrDefault("AIVORY_JANITOR_PERIOD", cfg.JanitorPeriod)
	cfg.ConditionTimeout = getEnvDurationOrDefault("AIVORY_CONDITION_TIMEOUT", cfg.ConditionTimeout)
	cfg.WatchSources = getEnvBoolOrDefault("AIVORY_WATCH_SOURCES", cfg.WatchSources)
	cfg.OverlayDir = getEnvOrDefault("AIVORY_OVERLAY_DIR", cfg.OverlayDir)
	cfg.MetricsAddr = getEnvOrDefault("AIVORY_METRICS_ADDR", cfg.MetricsAddr)
	if roots := os.Getenv("AIVORY_SOURCE_ROOTS"); roots != "" {
		cfg.SourceRoots = filepath.SplitList(roots)
	}

	// Generate hostname
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	cfg.Hostname = hostname

	// Generate agent ID
	cfg.AgentID = generateAgentID()

	// Apply options
	for _, opt := range options {
		opt(cfg)
	}

	return cfg
}

// LoadFile overlays the values set in a YAML file onto c.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate reports configuration problems, including a config file that
// could not be loaded.
func (c *Config) Validate() error {
	if c.loadErr != nil {
		return c.loadErr
	}
	if c.APIKey == "" {
		return errors.New("API key is required. Set AIVORY_API_KEY or use WithAPIKey option")
	}
	if !strings.HasPrefix(c.BackendURL, "ws://") && !strings.HasPrefix(c.BackendURL, "wss://") {
		return fmt.Errorf("backend URL must use ws:// or wss://, got %q", c.BackendURL)
	}
	if c.SnapshotTTL <= 0 || c.JanitorPeriod <= 0 {
		return errors.New("snapshot TTL and janitor period must be positive")
	}
	return nil
}

// DebuggerConfig derives the debugger settings.
func (c *Config) DebuggerConfig() debugger.Config {
	return debugger.Config{
		Snapshot: snapshot.Config{
			TTL:           c.SnapshotTTL,
			JanitorPeriod: c.JanitorPeriod,
		},
		ConditionTimeout: c.ConditionTimeout,
		Limits: capture.Limits{
			MaxDepth:          c.MaxCaptureDepth,
			MaxStringLength:   c.MaxStringLength,
			MaxCollectionSize: c.MaxCollectionSize,
		},
		SourceRoots:  c.SourceRoots,
		WatchSources: c.WatchSources,
	}
}

// ConfigOption is a function that modifies Config.
type ConfigOption func(*Config)

// WithAPIKey sets the API key.
func WithAPIKey(key string) ConfigOption {
	return func(c *Config) {
		c.APIKey = key
	}
}

// WithBackendURL sets the backend URL.
func WithBackendURL(url string) ConfigOption {
	return func(c *Config) {
		c.BackendURL = url
	}
}

// WithEnvironment sets the environment name.
func WithEnvironment(env string) ConfigOption {
	return func(c *Config) {
		c.Environment = env
	}
}

// WithDebug enables debug logging.
func WithDebug(debug bool) ConfigOption {
	return func(c *Config) {
		c.Debug = debug
	}
}

// WithEnableBreakpoints enables or disables breakpoint support.
func WithEnableBreakpoints(enable bool) ConfigOption {
	return func(c *Config) {
		c.EnableBreakpoints = enable
	}
}

// WithSnapshotTTL sets how long snapshots and their breakpoints live.
func WithSnapshotTTL(ttl time.Duration) ConfigOption {
	return func(c *Config) {
		c.SnapshotTTL = ttl
	}
}

// WithSourceRoots sets where breakpoint source files are looked up.
func WithSourceRoots(roots ...string) ConfigOption {
	return func(c *Config) {
		c.SourceRoots = roots
	}
}

// WithOverlayDir sets where instrumented units are written.
func WithOverlayDir(dir string) ConfigOption {
	return func(c *Config) {
		c.OverlayDir = dir
	}
}

// WithMetricsAddr sets the listen address of the metrics endpoint.
func WithMetricsAddr(addr string) ConfigOption {
	return func(c *Config) {
		c.MetricsAddr = addr
	}
}

// WithConfigFile overlays a YAML file. Load errors surface from Validate.
func WithConfigFile(path string) ConfigOption {
	return func(c *Config) {
		if err := c.LoadFile(path); err != nil {
			c.loadErr = err
		}
	}
}

// RuntimeInfo contains Go runtime information.
type RuntimeInfo struct {
	Runtime        string `json:"runtime"`
	RuntimeVersion string `json:"runtime_version"`
	Platform       string `json:"platform"`
	Arch           string `json:"arch"`
	NumCPU         int    `json:"num_cpu"`
	NumGoroutine   int    `json:"num_goroutine"`
}

// GetRuntimeInfo returns current runtime information.
func (c *Config) GetRuntimeInfo() RuntimeInfo {
	return RuntimeInfo{
		Runtime:        "go",
		RuntimeVersion: runtime.Version(),
		Platform:       runtime.GOOS,
		Arch:           runtime.GOARCH,
		NumCPU:         runtime.NumCPU(),
		NumGoroutine:   runtime.NumGoroutine(),
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func generateAgentID() string {
	timestamp := fmt.Sprintf("%x", time.Now().Unix())
	random := make([]byte, 4)
	rand.Read(random)
	return fmt.Sprintf("agent-%s-%s", timestamp, hex.EncodeToString(random))
}
