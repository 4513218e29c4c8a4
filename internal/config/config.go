// Package config loads the client configuration from config.toml, a profile
// .env file and BLUEBUBBLES_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix prefixes every environment override, e.g. BLUEBUBBLES_SERVER_URL.
const EnvPrefix = "BLUEBUBBLES"

// Defaults.
const (
	DefaultSendMethod      = "apple-script"
	DefaultRequestTimeout  = 30 * time.Second
	DefaultLongTimeout     = 60 * time.Second
	DefaultChatPageSize    = 50
	DefaultMessagePageSize = 50
	DefaultWorkers         = 4
	DefaultQueueSize       = 64
	DefaultDebounce        = 100 * time.Millisecond
	DefaultContactTTL      = 10 * time.Minute
	DefaultLogLevel        = "info"
)

// Config is the content of config.toml.
type Config struct {
	DefaultProfile string `toml:"default_profile" envconfig:"PROFILE"`
	Server         Server `toml:"server"`
	Sync           Sync   `toml:"sync"`
	Log            Log    `toml:"log"`
}

// Server addresses the BlueBubbles server.
type Server struct {
	URL            string        `toml:"url" envconfig:"URL"`
	Password       string        `toml:"password" envconfig:"PASSWORD"`
	SendMethod     string        `toml:"send_method" envconfig:"SEND_METHOD"`
	RequestTimeout time.Duration `toml:"request_timeout" envconfig:"REQUEST_TIMEOUT"`
	LongTimeout    time.Duration `toml:"long_timeout" envconfig:"LONG_TIMEOUT"`
}

// Sync tunes the reconciliation engine.
type Sync struct {
	ChatPageSize    int           `toml:"chat_page_size" envconfig:"CHAT_PAGE_SIZE"`
	MessagePageSize int           `toml:"message_page_size" envconfig:"MESSAGE_PAGE_SIZE"`
	Workers         int           `toml:"workers" envconfig:"WORKERS"`
	QueueSize       int           `toml:"queue_size" envconfig:"QUEUE_SIZE"`
	Debounce        time.Duration `toml:"debounce" envconfig:"DEBOUNCE"`
	ContactTTL      time.Duration `toml:"contact_ttl" envconfig:"CONTACT_TTL"`
}

// Log configures the daemon logger.
type Log struct {
	Level string `toml:"level" envconfig:"LEVEL"`
}

// Load reads config from the given path. A missing file is an error.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Resolve builds the effective configuration: config.toml at path (optional),
// then variables from envFile (optional, never overriding the real
// environment), then BLUEBUBBLES_* variables. The result is normalized.
func Resolve(path, envFile string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = &Config{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", path, err)
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("environment overrides: %w", err)
	}
	cfg.Normalize()
	return cfg, nil
}

// Normalize trims the server URL and fills unset values with defaults.
func (c *Config) Normalize() {
	c.Server.URL = strings.TrimRight(strings.TrimSpace(c.Server.URL), "/")
	c.Server.Password = strings.TrimSpace(c.Server.Password)
	if c.Server.SendMethod == "" {
		c.Server.SendMethod = DefaultSendMethod
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = DefaultRequestTimeout
	}
	if c.Server.LongTimeout <= 0 {
		c.Server.LongTimeout = DefaultLongTimeout
	}
	if c.Sync.ChatPageSize <= 0 {
		c.Sync.ChatPageSize = DefaultChatPageSize
	}
	if c.Sync.MessagePageSize <= 0 {
		c.Sync.MessagePageSize = DefaultMessagePageSize
	}
	if c.Sync.Workers <= 0 {
		c.Sync.Workers = DefaultWorkers
	}
	if c.Sync.QueueSize <= 0 {
		c.Sync.QueueSize = DefaultQueueSize
	}
	if c.Sync.Debounce <= 0 {
		c.Sync.Debounce = DefaultDebounce
	}
	if c.Sync.ContactTTL <= 0 {
		c.Sync.ContactTTL = DefaultContactTTL
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

// Configured reports whether a server URL and password are present.
func (c *Config) Configured() bool {
	return c.Server.URL != "" && c.Server.Password != ""
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
