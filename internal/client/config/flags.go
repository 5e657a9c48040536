package config

import (
	"flag"
	"fmt"
	"io"

	"github.com/dmitrijs2005/famsync/internal/flagx"
)

// parseFlags overlays cfg with the command-line flags it knows about. Other
// arguments (bootstrap flags, REPL input) are filtered out first.
func parseFlags(cfg *Config, args []string) error {
	args = flagx.FilterArgs(args, []string{"-u", "-k", "-d", "-s", "-l"})

	fs := flag.NewFlagSet("famsync", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.BackendURL, "u", cfg.BackendURL, "backend base URL")
	fs.StringVar(&cfg.APIKey, "k", cfg.APIKey, "backend public API key")
	fs.StringVar(&cfg.DataDir, "d", cfg.DataDir, "local data directory")
	fs.StringVar(&cfg.Store, "s", cfg.Store, "store backend (sqlite|redis)")
	fs.StringVar(&cfg.LogLevel, "l", cfg.LogLevel, "log level")

	if err := fs.Parse(args); err != nil {
		return fmt.Errorf("parse flags: %w", err)
	}
	return nil
}
