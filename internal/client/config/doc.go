// Package config loads runtime configuration for the famsync client.
//
// Sources & precedence
//
//  1. Built-in defaults (see (*Config).LoadDefaults).
//  2. Environment variables prefixed FAMSYNC_, after loading an optional
//     dotenv file (".env" in the working directory, or the path given by
//     -env).
//  3. Optional JSON file selected via -c or -config.
//  4. Command-line flags, which override everything else.
//
// Supported flags
//
//	-u string   backend base URL
//	-k string   backend public API key
//	-d string   local data directory
//	-s string   persistent store backend: sqlite or redis
//	-l string   log level: debug, info, warn, error
//
// # JSON schema
//
// Durations use timex.Duration, so they may be strings like "8s" or a
// number of seconds:
//
//	{
//	  "backend_url": "https://xyz.example.co",
//	  "api_key": "public-anon-key",
//	  "store": "sqlite",
//	  "operation_timeout": "30s",
//	  "protected_routes": ["onboarding", "join-family"]
//	}
package config
