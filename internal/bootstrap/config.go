package bootstrap

import (
	"fmt"
	"os"
	"path/filepath"

	"funding_arb/internal/config"
)

// Config is an alias for the project's main configuration struct
type Config = config.Config

// LoadConfig delegates to the project's config loader and runs pre-flight checks
func LoadConfig(path string, envFiles ...string) (*Config, error) {
	cfg, err := config.LoadConfig(path, envFiles...)
	if err != nil {
		return nil, err
	}

	if err := checkPreFlight(cfg, path); err != nil {
		return nil, fmt.Errorf("pre-flight checks failed: %w", err)
	}
	return cfg, nil
}

// checkPreFlight performs environment checks beyond schema validation
func checkPreFlight(cfg *Config, path string) error {
	if p := cfg.Storage.TradeLogPath; p != "" {
		dir := filepath.Dir(p)
		info, err := os.Stat(dir)
		if err != nil {
			return fmt.Errorf("trade log directory %s: %w", dir, err)
		}
		if !info.IsDir() {
			return fmt.Errorf("trade log directory %s is not a directory", dir)
		}
	}

	if !cfg.App.EnableTrading {
		return nil
	}
	// A config that others can write could redirect live orders
	for name, v := range cfg.Venues {
		if !v.HasCredentials() {
			continue
		}
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if mode := info.Mode().Perm(); mode&0o022 != 0 {
			return fmt.Errorf("insecure permissions on %s used with %s credentials: %04o (should not be group or world writable)", path, name, mode)
		}
	}
	return nil
}
