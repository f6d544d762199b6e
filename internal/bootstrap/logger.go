package bootstrap

import (
	"funding_arb/pkg/logging"
)

// InitLogger builds the zap logger from configuration and installs it globally
func InitLogger(cfg *Config) (*logging.ZapLogger, error) {
	logger, err := logging.New(logging.Options{
		Level: cfg.App.LogLevel,
		File:  cfg.App.LogFile,
	})
	if err != nil {
		return nil, err
	}
	logging.SetGlobalLogger(logger)
	return logger, nil
}
