// Package config loads foreman configuration in layers: embedded
// defaults, then the global config, then the project config, then
// FOREMAN_* environment variables. Missing files are not errors;
// malformed YAML is.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/adrg/xdg"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "FOREMAN_"

// Load reads and merges configuration from the given paths. Precedence,
// lowest to highest: defaults, globalPath, projectPath, environment.
func Load(globalPath, projectPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(rawbytes.Provider(defaultsYAML), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	for _, path := range []string{globalPath, projectPath} {
		if path == "" {
			continue
		}
		if err := loadFile(k, path); err != nil {
			return nil, fmt.Errorf("loading %s: %w", path, err)
		}
	}

	// FOREMAN_LOG_LEVEL -> log.level; a double underscore separates
	// nested keys whose names themselves contain underscores, as in
	// FOREMAN_REPO__BASE_BRANCH -> repo.base_branch.
	err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		key := strings.ToLower(strings.TrimPrefix(s, envPrefix))
		if strings.Contains(key, "__") {
			return strings.ReplaceAll(key, "__", ".")
		}
		return strings.Replace(key, "_", ".", 1)
	}), nil)
	if err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	return &cfg, nil
}

// LoadDefault loads configuration from the conventional paths:
// $XDG_CONFIG_HOME/foreman/config.yaml then .foreman/config.yaml.
func LoadDefault() (*Config, error) {
	globalPath := filepath.Join(xdg.ConfigHome, "foreman", "config.yaml")
	projectPath := filepath.Join(".foreman", "config.yaml")
	return Load(globalPath, projectPath)
}

// loadFile merges a YAML config file. A missing file is skipped.
func loadFile(k *koanf.Koanf, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return k.Load(rawbytes.Provider(data), yaml.Parser())
}
