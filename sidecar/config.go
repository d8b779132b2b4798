package sidecar

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog"
)

const (
	defaultDeregistrationWait = 120 * time.Second
	defaultPollingFrequency   = 30 * time.Second
)

// Config holds sidecar configuration.
type Config struct {
	DeregistrationWait  time.Duration
	PollingFrequency    time.Duration
	TargetContainerName string
	MetadataURI         string
	StatusAddr          string
	EndpointURL         string // Custom endpoint URL for simulator mode
}

// fileConfig is the TOML representation of the optional config file.
// Environment variables always take precedence over file values.
type fileConfig struct {
	DeregistrationWait  *int   `toml:"deregistration_wait"`
	PollingFrequency    *int   `toml:"polling_frequency"`
	TargetContainerName string `toml:"target_container_name"`
	StatusAddr          string `toml:"status_addr"`
}

// ConfigFromEnv loads configuration from environment variables, layered over
// the optional TOML file named by SIDECAR_CONFIG_FILE. Numeric variables fall
// back to their defaults with a warning when non-numeric.
func ConfigFromEnv(logger zerolog.Logger) (Config, error) {
	cfg := Config{
		DeregistrationWait:  defaultDeregistrationWait,
		PollingFrequency:    defaultPollingFrequency,
		TargetContainerName: os.Getenv("TARGET_CONTAINER_NAME"),
		MetadataURI:         os.Getenv("ECS_CONTAINER_METADATA_URI_V4"),
		StatusAddr:          os.Getenv("SIDECAR_STATUS_ADDR"),
		EndpointURL:         os.Getenv("AWS_ENDPOINT_URL"),
	}

	if path := os.Getenv("SIDECAR_CONFIG_FILE"); path != "" {
		var fc fileConfig
		if _, err := toml.DecodeFile(path, &fc); err != nil {
			return Config{}, wrapFatal(KindContext, err, "cannot load config file %s", path)
		}
		if fc.DeregistrationWait != nil {
			cfg.DeregistrationWait = time.Duration(*fc.DeregistrationWait) * time.Second
		}
		if fc.PollingFrequency != nil {
			cfg.PollingFrequency = time.Duration(*fc.PollingFrequency) * time.Second
		}
		if fc.TargetContainerName != "" && cfg.TargetContainerName == "" {
			cfg.TargetContainerName = fc.TargetContainerName
		}
		if fc.StatusAddr != "" && cfg.StatusAddr == "" {
			cfg.StatusAddr = fc.StatusAddr
		}
	}

	cfg.DeregistrationWait = envSeconds(logger, "DEREGISTRATION_WAIT", cfg.DeregistrationWait)
	cfg.PollingFrequency = envSeconds(logger, "POLLING_FREQUENCY", cfg.PollingFrequency)

	logger.Info().
		Dur("deregistration_wait", cfg.DeregistrationWait).
		Dur("polling_frequency", cfg.PollingFrequency).
		Msg("configuration loaded")

	return cfg, nil
}

// envSeconds reads an environment variable holding a number of seconds.
// Unset keeps the current value; non-numeric falls back to it with a warning.
func envSeconds(logger zerolog.Logger, key string, current time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return current
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		logger.Warn().Str("var", key).Str("value", v).Msg("not a numeric value, using default")
		return current
	}
	return time.Duration(n) * time.Second
}
