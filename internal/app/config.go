package app

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"

	"github.com/aussiebroadwan/sunga/pkg/authsdk"
)

// Credential store drivers.
const (
	StoreMemory = "memory"
	StoreSQLite = "sqlite"
)

type Config struct {
	APIURL          string        // Base URL of the records API (default: http://localhost:8000)
	Store           string        // Credential store driver (memory, sqlite) (default: sqlite)
	DatabaseFile    string        // Path to the sqlite credential file (default: ./sunga.db)
	StorePassphrase string        // Optional: seals stored values when set
	HTTPTimeout     time.Duration // Per request timeout, refresh included (default: 10s)
	ExpiryLeeway    time.Duration // Keep using an access token this long past exp (default: 0)
	ResetOnboarding bool          // Clear the first launch flag when a session is invalidated (default: true)
	Env             string        // Environment (dev, prod) (default: prod)
	LogLevel        string        // Log level (debug, info, warn, error) (default: warn)
	LogFormat       string        // Log format (json, text) (default: text)
	ProxyAddr       string        // Listen address of `sunga proxy` (default: 127.0.0.1:8787)
	ProxyRate       int           // Requests per second forwarded by the proxy (default: 10)
	ProxyBurst      int           // Burst above ProxyRate (default: 20)
}

// Load builds the config from defaults, a .env file in dir, the environment
// and finally the global flags in args, each overriding the one before. It
// returns the arguments left after the global flags.
func Load(dir string, getenv func(string) string, args []string) (Config, []string, error) {
	dotenv, err := readDotEnv(dir)
	if err != nil {
		return Config{}, nil, fmt.Errorf("failed to read .env: %w", err)
	}

	cfg := LoadConfig(func(key string) string {
		if v := getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	})

	rest, err := cfg.ParseFlags(args)
	if err != nil {
		return Config{}, nil, err
	}

	return cfg, rest, cfg.Validate()
}

// LoadConfig reads the config from getenv, usually os.Getenv.
func LoadConfig(getenv func(string) string) Config {
	return Config{
		APIURL:          getEnvOrDefault(getenv, "SUNGA_API_URL", "http://localhost:8000"),
		Store:           getEnvOrDefault(getenv, "SUNGA_STORE", StoreSQLite),
		DatabaseFile:    getEnvOrDefault(getenv, "SUNGA_DB_FILE", "sunga.db"),
		StorePassphrase: getenv("SUNGA_STORE_PASSPHRASE"),
		HTTPTimeout:     getEnvDurationOrDefault(getenv, "SUNGA_HTTP_TIMEOUT", authsdk.DefaultTimeout),
		ExpiryLeeway:    getEnvDurationOrDefault(getenv, "SUNGA_EXPIRY_LEEWAY", 0),
		ResetOnboarding: getEnvBoolOrDefault(getenv, "SUNGA_RESET_ONBOARDING", true),
		Env:             getEnvOrDefault(getenv, "ENV", "prod"),
		LogLevel:        getEnvOrDefault(getenv, "LOG_LEVEL", "warn"),
		LogFormat:       getEnvOrDefault(getenv, "LOG_FORMAT", "text"),
		ProxyAddr:       getEnvOrDefault(getenv, "SUNGA_PROXY_ADDR", "127.0.0.1:8787"),
		ProxyRate:       getEnvIntOrDefault(getenv, "SUNGA_PROXY_RATE", 10),
		ProxyBurst:      getEnvIntOrDefault(getenv, "SUNGA_PROXY_BURST", 20),
	}
}

// ParseFlags applies the global flags. Parsing stops at the first
// positional argument so subcommands keep their own flags. The store
// passphrase has no flag to keep it out of process listings.
func (c *Config) ParseFlags(args []string) ([]string, error) {
	fs := pflag.NewFlagSet("sunga", pflag.ContinueOnError)
	fs.SetInterspersed(false)

	fs.StringVarP(&c.APIURL, "api-url", "u", c.APIURL, "Records API base URL")
	fs.StringVar(&c.Store, "store", c.Store, "Credential store (memory, sqlite)")
	fs.StringVar(&c.DatabaseFile, "db-file", c.DatabaseFile, "Credential database file")
	fs.DurationVar(&c.HTTPTimeout, "timeout", c.HTTPTimeout, "Per request timeout")
	fs.DurationVar(&c.ExpiryLeeway, "leeway", c.ExpiryLeeway, "Access token expiry leeway")
	fs.StringVarP(&c.LogLevel, "log-level", "l", c.LogLevel, "Logging level (debug, info, warn, error)")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "Logging format (json, text)")
	fs.StringVarP(&c.Env, "environment", "e", c.Env, "Environment (dev, prod)")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return fs.Args(), nil
}

// Validate reports the first invalid setting.
func (c Config) Validate() error {
	u, err := url.Parse(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid api url %q", c.APIURL)
	}

	switch c.Store {
	case StoreMemory:
	case StoreSQLite:
		if c.DatabaseFile == "" {
			return errors.New("sqlite store needs a database file")
		}
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}

	if c.HTTPTimeout <= 0 {
		return errors.New("http timeout must be positive")
	}
	if c.ExpiryLeeway < 0 {
		return errors.New("expiry leeway must not be negative")
	}
	if c.ProxyRate <= 0 || c.ProxyBurst <= 0 {
		return errors.New("proxy rate and burst must be positive")
	}

	return nil
}

// readDotEnv returns the variables in dir/.env, or nothing when there is
// no such file.
func readDotEnv(dir string) (map[string]string, error) {
	if dir == "" {
		return nil, nil
	}

	env, err := godotenv.Read(filepath.Join(dir, ".env"))
	switch {
	case err == nil:
		return env, nil
	case errors.Is(err, os.ErrNotExist):
		return nil, nil
	default:
		return nil, err
	}
}

func getEnvOrDefault(getenv func(string) string, key, defaultValue string) string {
	if value := getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(getenv func(string) string, key string, defaultValue int) int {
	value := getenv(key)
	if value == "" {
		return defaultValue
	}

	if intValue, err := strconv.Atoi(value); err == nil {
		return intValue
	}

	return defaultValue
}

func getEnvBoolOrDefault(getenv func(string) string, key string, defaultValue bool) bool {
	value := getenv(key)
	if value == "" {
		return defaultValue
	}

	if b, err := strconv.ParseBool(value); err == nil {
		return b
	}

	return defaultValue
}

func getEnvDurationOrDefault(getenv func(string) string, key string, defaultValue time.Duration) time.Duration {
	value := getenv(key)
	if value == "" {
		return defaultValue
	}

	// Try parsing as duration (e.g., "30s", "2m")
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}

	// Bare integers are seconds
	if seconds, err := strconv.Atoi(value); err == nil {
		return time.Duration(seconds) * time.Second
	}

	return defaultValue
}
