package bootstrap

import (
	"botctl/internal/core"
	"botctl/pkg/logging"
)

// InitLogger builds the process-wide zap-backed logger from system.log_level.
func InitLogger(cfg *Config) (core.ILogger, error) {
	logger, err := logging.NewZapLogger(cfg.System.LogLevel)
	if err != nil {
		return nil, err
	}
	return logger, nil
}
