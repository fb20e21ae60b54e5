package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blescope/pkg/config"
)

// parseLogLevel maps a --log-level value onto a logrus level
func parseLogLevel(s string) (logrus.Level, error) {
	switch s {
	case "debug":
		return logrus.DebugLevel, nil
	case "info":
		return logrus.InfoLevel, nil
	case "warn":
		return logrus.WarnLevel, nil
	case "error":
		return logrus.ErrorLevel, nil
	default:
		return logrus.PanicLevel, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", s)
	}
}

// loadConfig reads --config (defaults and environment included) and applies
// --log-level, then builds the logger
func loadConfig(cmd *cobra.Command) (*config.Config, *logrus.Logger, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, err
	}

	if s, _ := cmd.Flags().GetString("log-level"); s != "" {
		level, err := parseLogLevel(s)
		if err != nil {
			return nil, nil, err
		}
		cfg.LogLevel = level
	}

	return cfg, cfg.NewLogger(), nil
}
