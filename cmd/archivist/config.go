package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"github.com/haasonsaas/archivist/internal/config"
	"github.com/haasonsaas/archivist/internal/observability"
)

const defaultConfigName = "archivist.yaml"

// defaultConfigPath prefers ARCHIVIST_CONFIG over the working-directory file.
func defaultConfigPath() string {
	if path := strings.TrimSpace(os.Getenv("ARCHIVIST_CONFIG")); path != "" {
		return path
	}
	return defaultConfigName
}

// loadEnvFile loads path without overriding variables already set.
func loadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// loadConfig reads the config and installs the configured logger as default.
func loadConfig(path string, debug bool) (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})
	slog.SetDefault(logger)
	return cfg, logger, nil
}

func requireChannel(cfg *config.Config) error {
	if strings.TrimSpace(cfg.Discord.ChannelID) == "" {
		return errors.New("discord.channel_id is required to sync")
	}
	return nil
}
