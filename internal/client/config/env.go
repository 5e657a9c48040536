package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/famsync/internal/flagx"
	"github.com/joho/godotenv"
)

const envPrefix = "FAMSYNC_"

// parseEnv loads the dotenv file (an explicit -env path must exist, the
// implicit ".env" may not) and overlays FAMSYNC_* variables.
func parseEnv(cfg *Config, args []string) error {
	if path := flagx.EnvFile(args); path != "" {
		if err := godotenv.Load(path); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
	} else if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}

	var errs []error
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(envPrefix + key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("BACKEND_URL", &cfg.BackendURL)
	str("API_KEY", &cfg.APIKey)
	str("DATABASE_DSN", &cfg.DatabaseDSN)
	str("DATA_DIR", &cfg.DataDir)
	str("STORE", &cfg.Store)
	str("REDIS_ADDR", &cfg.RedisAddr)
	str("REDIS_PASSWORD", &cfg.RedisPassword)
	num("REDIS_DB", &cfg.RedisDB)
	str("STORE_SECRET", &cfg.StoreSecret)
	str("NAMESPACE", &cfg.Namespace)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("LOG_FORMAT", &cfg.LogFormat)
	num("MAX_RETRIES", &cfg.MaxRetries)
	dur("RETRY_BASE_DELAY", &cfg.RetryBaseDelay)
	dur("RETRY_MAX_DELAY", &cfg.RetryMaxDelay)
	dur("ATTEMPT_TIMEOUT", &cfg.AttemptTimeout)
	dur("OPERATION_TIMEOUT", &cfg.OperationTimeout)
	dur("SESSION_FALLBACK_TIMEOUT", &cfg.SessionFallbackTimeout)
	dur("TIER_TIMEOUT", &cfg.TierTimeout)
	dur("REALTIME_HEARTBEAT", &cfg.RealtimeHeartbeat)
	dur("REFRESH_LEEWAY", &cfg.RefreshLeeway)

	if v, ok := os.LookupEnv(envPrefix + "PROTECTED_ROUTES"); ok && v != "" {
		cfg.ProtectedRoutes = splitList(v)
	}

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
