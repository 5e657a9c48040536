package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/dmitrijs2005/famsync/internal/flagx"
	"github.com/dmitrijs2005/famsync/internal/timex"
)

// JsonConfig is a DTO used exclusively for JSON unmarshalling. Pointer and
// zero-valued fields mean "not set" and leave the Config untouched.
type JsonConfig struct {
	BackendURL  string `json:"backend_url"`
	APIKey      string `json:"api_key"`
	DatabaseDSN string `json:"database_dsn"`

	DataDir       string `json:"data_dir"`
	Store         string `json:"store"`
	RedisAddr     string `json:"redis_addr"`
	RedisPassword string `json:"redis_password"`
	RedisDB       *int   `json:"redis_db"`
	StoreSecret   string `json:"store_secret"`
	Namespace     string `json:"namespace"`

	LogLevel  string `json:"log_level"`
	LogFormat string `json:"log_format"`

	MaxRetries     *int           `json:"max_retries"`
	RetryBaseDelay timex.Duration `json:"retry_base_delay"`
	RetryMaxDelay  timex.Duration `json:"retry_max_delay"`
	AttemptTimeout timex.Duration `json:"attempt_timeout"`

	OperationTimeout       timex.Duration `json:"operation_timeout"`
	SessionFallbackTimeout timex.Duration `json:"session_fallback_timeout"`
	TierTimeout            timex.Duration `json:"tier_timeout"`
	RealtimeHeartbeat      timex.Duration `json:"realtime_heartbeat"`
	RefreshLeeway          timex.Duration `json:"refresh_leeway"`

	ProtectedRoutes []string `json:"protected_routes"`
}

// parseJSON overlays cfg with the JSON file named by -c/-config, if any.
func parseJSON(cfg *Config, args []string) error {
	path := flagx.ConfigPath(args)
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	var jc JsonConfig
	if err := json.Unmarshal(data, &jc); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}

	setStr := func(dst *string, v string) {
		if v != "" {
			*dst = v
		}
	}
	setDur := func(dst *time.Duration, v timex.Duration) {
		if v.Duration > 0 {
			*dst = v.Duration
		}
	}

	setStr(&cfg.BackendURL, jc.BackendURL)
	setStr(&cfg.APIKey, jc.APIKey)
	setStr(&cfg.DatabaseDSN, jc.DatabaseDSN)
	setStr(&cfg.DataDir, jc.DataDir)
	setStr(&cfg.Store, jc.Store)
	setStr(&cfg.RedisAddr, jc.RedisAddr)
	setStr(&cfg.RedisPassword, jc.RedisPassword)
	if jc.RedisDB != nil {
		cfg.RedisDB = *jc.RedisDB
	}
	setStr(&cfg.StoreSecret, jc.StoreSecret)
	setStr(&cfg.Namespace, jc.Namespace)
	setStr(&cfg.LogLevel, jc.LogLevel)
	setStr(&cfg.LogFormat, jc.LogFormat)
	if jc.MaxRetries != nil {
		cfg.MaxRetries = *jc.MaxRetries
	}
	setDur(&cfg.RetryBaseDelay, jc.RetryBaseDelay)
	setDur(&cfg.RetryMaxDelay, jc.RetryMaxDelay)
	setDur(&cfg.AttemptTimeout, jc.AttemptTimeout)
	setDur(&cfg.OperationTimeout, jc.OperationTimeout)
	setDur(&cfg.SessionFallbackTimeout, jc.SessionFallbackTimeout)
	setDur(&cfg.TierTimeout, jc.TierTimeout)
	setDur(&cfg.RealtimeHeartbeat, jc.RealtimeHeartbeat)
	setDur(&cfg.RefreshLeeway, jc.RefreshLeeway)
	if len(jc.ProtectedRoutes) > 0 {
		cfg.ProtectedRoutes = jc.ProtectedRoutes
	}
	return nil
}
