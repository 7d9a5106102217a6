package main

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/wearsense/pkg/config"
)

// loadConfig reads the config file named by --config (or the default one)
// and applies the global flag overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		path = config.DefaultPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	if knownFile, _ := cmd.Flags().GetString("known-file"); knownFile != "" {
		cfg.KnownDevicesPath = knownFile
	}
	return cfg, nil
}

// configureLogger builds the logger from the config, letting --log-level and
// --verbose override it, with --log-level taking precedence.
func configureLogger(cmd *cobra.Command, cfg *config.Config, verboseFlagName string) (*logrus.Logger, error) {
	logLevelStr, _ := cmd.Flags().GetString("log-level")
	if logLevelStr != "" {
		switch logLevelStr {
		case "debug", "info", "warn", "error":
			cfg.LogLevel = logLevelStr
		default:
			return nil, fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", logLevelStr)
		}
	} else if verbose, _ := cmd.Flags().GetBool(verboseFlagName); verbose {
		cfg.LogLevel = "debug"
	}
	return cfg.NewLogger(), nil
}
