package core

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// appDirPlaceholder is substituted with the application directory before
// the document is parsed.
const appDirPlaceholder = "{{appdir}}"

// Delivery modes.
const (
	DeliveryModeDirect = "direct"
	DeliveryModePipe   = "pipe"
)

// Config is the full gateway configuration.
type Config struct {
	Engine   EngineConfig   `yaml:"engine"`
	Queue    QueueConfig    `yaml:"queue"`
	Delivery DeliveryConfig `yaml:"delivery"`
	Server   ServerConfig   `yaml:"server"`
	Logging  LoggingConfig  `yaml:"logging"`

	// AppDir is the parent of the directory holding the config file.
	AppDir string `yaml:"-"`
	// Document is the whole parsed document plus "appdir". It is handed to
	// the script's init and entry point unchanged.
	Document map[string]any `yaml:"-"`
}

// EngineConfig holds runtime configuration for the script engine.
type EngineConfig struct {
	Main                   string `yaml:"main"`                   // path of the app script, relative to AppDir
	EntryPoint             string `yaml:"entryPoint"`             // exported function called per request
	MemoryLimitMB          int    `yaml:"memoryLimitMB"`          // VM memory limit
	ExecutionTimeoutMs     int    `yaml:"executionTimeoutMs"`     // per-request budget before the VM is interrupted
	FailureStatus          int    `yaml:"failureStatus"`          // status sent when a request fails without a response
	DisableFailureResponse bool   `yaml:"disableFailureResponse"` // leave failed requests to the host timeout
}

// ExecutionTimeout returns the per-request budget as a duration.
func (c EngineConfig) ExecutionTimeout() time.Duration {
	return time.Duration(c.ExecutionTimeoutMs) * time.Millisecond
}

// QueueConfig sizes the bounded request queue.
type QueueConfig struct {
	Size int `yaml:"size"`
}

// DeliveryConfig selects the delivery strategy installed behind the dispatcher.
type DeliveryConfig struct {
	Mode string `yaml:"mode"` // "direct" or "pipe"
}

// ServerConfig configures the HTTP host.
type ServerConfig struct {
	Listen              string        `yaml:"listen"`
	ResponseTimeout     time.Duration `yaml:"responseTimeout"`
	MaxBodyBytes        int64         `yaml:"maxBodyBytes"`
	SpoolThresholdBytes int64         `yaml:"spoolThresholdBytes"`
	BodyTempDir         string        `yaml:"bodyTempDir"`
	MaxConnections      int           `yaml:"maxConnections"` // 0 means unlimited
	Compress            bool          `yaml:"compress"`
}

// LoggingConfig configures the process logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
	File   string `yaml:"file"`   // empty means stderr
}

// LoadConfig reads, expands and validates the config file at path.
func LoadConfig(path string) (*Config, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path: %w", err)
	}
	appDir := filepath.Dir(filepath.Dir(abs))

	raw, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	envFile := filepath.Join(appDir, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("loading %s: %w", envFile, err)
		}
	}

	cfg, err := ParseConfig(raw, appDir)
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ParseConfig parses a config document and applies the appdir
// substitution. It does not apply environment overrides or validate.
func ParseConfig(raw []byte, appDir string) (*Config, error) {
	src := strings.ReplaceAll(string(raw), appDirPlaceholder, filepath.ToSlash(appDir))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(src), cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	doc := map[string]any{}
	if err := yaml.Unmarshal([]byte(src), &doc); err != nil {
		return nil, fmt.Errorf("parsing config document: %w", err)
	}
	doc["appdir"] = filepath.ToSlash(appDir)
	cfg.AppDir = appDir
	cfg.Document = doc
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("JSGATE_LISTEN"); v != "" {
		c.Server.Listen = v
	}
	if v := os.Getenv("JSGATE_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("JSGATE_DELIVERY_MODE"); v != "" {
		c.Delivery.Mode = v
	}
	if v := os.Getenv("JSGATE_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("JSGATE_QUEUE_SIZE: %w", err)
		}
		c.Queue.Size = n
	}
	return nil
}

// Validate fills defaults and rejects values the gateway cannot run with.
func (c *Config) Validate() error {
	if c.Engine.Main == "" {
		return errors.New("engine.main is required")
	}
	if !filepath.IsAbs(c.Engine.Main) && c.AppDir != "" {
		c.Engine.Main = filepath.Join(c.AppDir, c.Engine.Main)
	}
	if c.Engine.EntryPoint == "" {
		c.Engine.EntryPoint = "handle"
	}
	if c.Engine.MemoryLimitMB <= 0 {
		c.Engine.MemoryLimitMB = 128
	}
	if c.Engine.ExecutionTimeoutMs <= 0 {
		c.Engine.ExecutionTimeoutMs = 5000
	}
	if c.Engine.FailureStatus == 0 {
		c.Engine.FailureStatus = 500
	}
	if c.Engine.FailureStatus < 1 || c.Engine.FailureStatus > 65535 {
		return fmt.Errorf("engine.failureStatus out of range: %d", c.Engine.FailureStatus)
	}

	if c.Queue.Size == 0 {
		c.Queue.Size = 64
	}
	if c.Queue.Size < 1 || c.Queue.Size > 65535 {
		return fmt.Errorf("queue.size must be in 1..65535, got %d", c.Queue.Size)
	}

	switch c.Delivery.Mode {
	case "":
		c.Delivery.Mode = DeliveryModeDirect
	case DeliveryModeDirect, DeliveryModePipe:
	default:
		return fmt.Errorf("delivery.mode must be %q or %q, got %q",
			DeliveryModeDirect, DeliveryModePipe, c.Delivery.Mode)
	}

	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.ResponseTimeout <= 0 {
		c.Server.ResponseTimeout = 30 * time.Second
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 16 << 20
	}
	if c.Server.SpoolThresholdBytes <= 0 {
		c.Server.SpoolThresholdBytes = 1 << 20
	}
	if c.Server.BodyTempDir == "" {
		c.Server.BodyTempDir = os.TempDir()
	}
	if c.Server.MaxConnections < 0 {
		return fmt.Errorf("server.maxConnections must not be negative")
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	return nil
}
