// Package config loads runner configuration from the environment, an optional
// .env file and an optional YAML overlay.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "MCPRUNNER_"

// Config holds all configuration for the MCP runner.
type Config struct {
	// HTTP
	Port               int      `yaml:"port"`
	BindIP             string   `yaml:"bind_ip"` // Loopback by default; do not expose publicly without a proxy
	APIKey             string   `yaml:"api_key"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`

	// Database
	DatabaseDSN    string `yaml:"database_dsn"`    // sqlite3:///path/to.db or postgres://...
	DatabaseDriver string `yaml:"database_driver"` // sqlite or postgres, derived from the DSN when empty

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // json or console

	// Container engine
	DockerHost     string   `yaml:"docker_host"` // Empty uses DOCKER_HOST / default socket
	SandboxRuntime string   `yaml:"sandbox_runtime"`
	SecurityOpts   []string `yaml:"security_opts"`
	CapDrop        []string `yaml:"cap_drop"`
	DNSServers     []string `yaml:"dns_servers"`
	NetworkMTU     int      `yaml:"network_mtu"`

	// Isolation
	UserCommandPrefix []string `yaml:"user_command_prefix"` // e.g. ["sudo"] when not running as root

	// Lifecycle
	StopTimeout       time.Duration `yaml:"stop_timeout"`
	SchedulerInterval time.Duration `yaml:"scheduler_interval"`
	StderrLimit       int           `yaml:"stderr_limit"`
	CleanupOnShutdown bool          `yaml:"cleanup_on_shutdown"`
}

// Default returns the configuration used when nothing is overridden.
func Default() *Config {
	return &Config{
		Port:               3000,
		BindIP:             "127.0.0.1",
		CORSAllowedOrigins: []string{"*"},
		DatabaseDSN:        "sqlite3://" + defaultDatabasePath(),
		LogLevel:           "info",
		LogFormat:          "json",
		SandboxRuntime:     "runsc",
		SecurityOpts:       []string{"no-new-privileges:true", "apparmor:docker-default", "seccomp:unconfined"},
		CapDrop:            []string{"SYS_ADMIN", "NET_ADMIN", "SYS_PTRACE", "SYS_MODULE"},
		DNSServers:         []string{"8.8.8.8", "1.1.1.1"},
		NetworkMTU:         1500,
		StopTimeout:        10 * time.Second,
		SchedulerInterval:  time.Second,
		StderrLimit:        64 * 1024,
		CleanupOnShutdown:  true,
	}
}

func defaultDatabasePath() string {
	path, err := xdg.DataFile("mcprunner/mcprunner.db")
	if err != nil {
		return "mcprunner.db"
	}
	return path
}

// Load reads configuration. Precedence, lowest first: defaults, the YAML file
// named by MCPRUNNER_CONFIG, environment variables (including those loaded
// from .env).
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := Default()

	if path := os.Getenv(envPrefix + "CONFIG"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if cfg.DatabaseDriver == "" {
		cfg.DatabaseDriver = driverFromDSN(cfg.DatabaseDSN)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	var err error

	if v, ok := lookup("PORT"); ok {
		if c.Port, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("invalid %sPORT: %w", envPrefix, err)
		}
	}
	if v, ok := lookup("BIND_IP"); ok {
		c.BindIP = v
	}
	if v, ok := lookup("API_KEY"); ok {
		c.APIKey = v
	}
	if v, ok := lookup("CORS_ALLOWED_ORIGINS"); ok {
		c.CORSAllowedOrigins = splitList(v)
	}
	if v, ok := lookup("DATABASE_DSN"); ok {
		c.DatabaseDSN = v
	}
	if v, ok := lookup("DATABASE_DRIVER"); ok {
		c.DatabaseDriver = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok {
		c.LogLevel = v
	}
	if v, ok := lookup("LOG_FORMAT"); ok {
		c.LogFormat = v
	}
	if v, ok := lookup("DOCKER_HOST"); ok {
		c.DockerHost = v
	}
	if v, ok := lookup("SANDBOX_RUNTIME"); ok {
		c.SandboxRuntime = v
	}
	if v, ok := lookup("SECURITY_OPTS"); ok {
		c.SecurityOpts = splitList(v)
	}
	if v, ok := lookup("CAP_DROP"); ok {
		c.CapDrop = splitList(v)
	}
	if v, ok := lookup("DNS_SERVERS"); ok {
		c.DNSServers = splitList(v)
	}
	if v, ok := lookup("NETWORK_MTU"); ok {
		if c.NetworkMTU, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("invalid %sNETWORK_MTU: %w", envPrefix, err)
		}
	}
	if v, ok := lookup("USER_COMMAND_PREFIX"); ok {
		c.UserCommandPrefix = strings.Fields(v)
	}
	if v, ok := lookup("STOP_TIMEOUT"); ok {
		if c.StopTimeout, err = time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %sSTOP_TIMEOUT: %w", envPrefix, err)
		}
	}
	if v, ok := lookup("SCHEDULER_INTERVAL"); ok {
		if c.SchedulerInterval, err = time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %sSCHEDULER_INTERVAL: %w", envPrefix, err)
		}
	}
	if v, ok := lookup("STDERR_LIMIT"); ok {
		if c.StderrLimit, err = strconv.Atoi(v); err != nil {
			return fmt.Errorf("invalid %sSTDERR_LIMIT: %w", envPrefix, err)
		}
	}
	if v, ok := lookup("CLEANUP_ON_SHUTDOWN"); ok {
		if c.CleanupOnShutdown, err = strconv.ParseBool(v); err != nil {
			return fmt.Errorf("invalid %sCLEANUP_ON_SHUTDOWN: %w", envPrefix, err)
		}
	}
	return nil
}

// Validate rejects configurations the runner cannot operate with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	switch c.DatabaseDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported database driver %q", c.DatabaseDriver)
	}
	if c.SchedulerInterval <= 0 {
		return fmt.Errorf("scheduler interval must be positive")
	}
	if c.StderrLimit < 0 {
		return fmt.Errorf("stderr limit must not be negative")
	}
	return nil
}

// Addr returns the listen address for the HTTP server.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindIP, c.Port)
}

// SQLitePath returns the database file path for the sqlite driver.
func (c *Config) SQLitePath() string {
	path := strings.TrimPrefix(c.DatabaseDSN, "sqlite3://")
	return strings.TrimPrefix(path, "sqlite://")
}

func driverFromDSN(dsn string) string {
	switch {
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		return "postgres"
	default:
		return "sqlite"
	}
}

func lookup(key string) (string, bool) {
	return os.LookupEnv(envPrefix + key)
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
