// Package config loads server and engine configuration from an
// optional YAML file with environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the config file consulted when none is given.
const DefaultPath = "stagehand.yaml"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Storage   StorageConfig   `koanf:"storage"`
	Artifacts ArtifactsConfig `koanf:"artifacts"`
	Secrets   SecretsConfig   `koanf:"secrets"`
	Log       LogConfig       `koanf:"log"`
}

type ServerConfig struct {
	Port int `koanf:"port"`
	// PipelineDir is where serve mode looks up <name>.yaml
	// definitions for triggered runs.
	PipelineDir string `koanf:"pipeline_dir"`
}

type StorageConfig struct {
	// Driver selects the run store backend: sqlite or postgres.
	Driver string `koanf:"driver"`
	DSN    string `koanf:"dsn"`
}

type ArtifactsConfig struct {
	// Backend is "local" or "s3".
	Backend string `koanf:"backend"`
	// Dir is the local archive root (local backend, and always the
	// log capture root).
	Dir string   `koanf:"dir"`
	S3  S3Config `koanf:"s3"`
}

type S3Config struct {
	Endpoint  string `koanf:"endpoint"`
	AccessKey string `koanf:"access_key"`
	SecretKey string `koanf:"secret_key"`
	Bucket    string `koanf:"bucket"`
	Region    string `koanf:"region"`
	UseSSL    bool   `koanf:"use_ssl"`
}

type SecretsConfig struct {
	// Store selects the secret backend: env (default) or none.
	Store string `koanf:"store"`
}

type LogConfig struct {
	// Format is json, text, or tint.
	Format string `koanf:"format"`
	Level  string `koanf:"level"`
}

// Load reads the config file at path (skipped if absent) and applies
// STAGEHAND_-prefixed environment overrides, STAGEHAND_SERVER__PORT
// mapping to server.port.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path == "" {
		path = DefaultPath
	}
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("STAGEHAND_", ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, "STAGEHAND_")), "__", ".", -1)
	}), nil); err != nil {
		return nil, fmt.Errorf("load environment overrides: %w", err)
	}

	// Default values
	if !k.Exists("server.port") {
		k.Set("server.port", 8080)
	}
	if !k.Exists("server.pipeline_dir") {
		k.Set("server.pipeline_dir", "./pipelines")
	}
	if !k.Exists("storage.driver") {
		k.Set("storage.driver", "sqlite")
	}
	if !k.Exists("storage.dsn") {
		k.Set("storage.dsn", "./data/stagehand.db")
	}
	if !k.Exists("artifacts.backend") {
		k.Set("artifacts.backend", "local")
	}
	if !k.Exists("artifacts.dir") {
		k.Set("artifacts.dir", "./data/artifacts")
	}
	if !k.Exists("secrets.store") {
		k.Set("secrets.store", "env")
	}
	if !k.Exists("log.format") {
		k.Set("log.format", "text")
	}
	if !k.Exists("log.level") {
		k.Set("log.level", "info")
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &cfg, nil
}
