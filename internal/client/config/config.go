package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/famsync/internal/common"
)

// Store backends.
const (
	StoreSQLite = "sqlite"
	StoreRedis  = "redis"
)

// Config holds runtime settings for the client.
type Config struct {
	BackendURL string
	APIKey     string
	// DatabaseDSN enables the direct Postgres transport when set.
	DatabaseDSN string

	DataDir       string
	Store         string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	StoreSecret   string
	Namespace     string

	LogLevel  string
	LogFormat string

	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	AttemptTimeout time.Duration

	OperationTimeout       time.Duration
	SessionFallbackTimeout time.Duration
	TierTimeout            time.Duration
	RealtimeHeartbeat      time.Duration
	RefreshLeeway          time.Duration

	ProtectedRoutes []string
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.DataDir = "famsync_data"
	c.Store = StoreSQLite
	c.RedisAddr = "localhost:6379"
	c.StoreSecret = "famsync-local"
	c.Namespace = common.DefaultNamespace

	c.LogLevel = "info"
	c.LogFormat = "text"

	c.MaxRetries = 3
	c.RetryBaseDelay = time.Second
	c.RetryMaxDelay = 10 * time.Second
	c.AttemptTimeout = 15 * time.Second

	c.OperationTimeout = 30 * time.Second
	c.SessionFallbackTimeout = 8 * time.Second
	c.TierTimeout = 8 * time.Second
	c.RealtimeHeartbeat = 25 * time.Second
	c.RefreshLeeway = time.Minute

	c.ProtectedRoutes = []string{
		"onboarding",
		"profile-setup",
		"family-setup",
		"create-family",
		"join-family",
		"verify-email",
	}
}

// Validate reports missing backend settings as ErrConfigMissing and rejects
// unknown store backends.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.BackendURL) == "" || strings.TrimSpace(c.APIKey) == "" {
		return common.Validation("config", common.ErrConfigMissing).
			WithMsg("backend URL and API key are required (FAMSYNC_BACKEND_URL, FAMSYNC_API_KEY or -u/-k)")
	}
	switch c.Store {
	case StoreSQLite:
	case StoreRedis:
		if c.RedisAddr == "" {
			return fmt.Errorf("redis store needs an address")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store)
	}
	return nil
}

// LoadConfig builds a Config from defaults, environment, JSON and flags, in
// that order of increasing precedence. args are the command-line arguments
// without the program name.
func LoadConfig(args []string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()

	if err := parseEnv(cfg, args); err != nil {
		return nil, err
	}
	if err := parseJSON(cfg, args); err != nil {
		return nil, err
	}
	if err := parseFlags(cfg, args); err != nil {
		return nil, err
	}
	return cfg, nil
}
