package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// envVarPattern matches ${VAR} and ${VAR:-default}.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::-([^}]*))?\}`)

// ExpandEnv replaces ${VAR} and ${VAR:-default} in the input with
// environment values. Unset variables without a default expand to the
// empty string; required values fail downstream validation instead.
func ExpandEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		if value, ok := os.LookupEnv(groups[1]); ok && value != "" {
			return value
		}
		if len(groups) >= 3 {
			return groups[2]
		}
		return ""
	})
}

// Load reads a YAML config file over the given base config, expanding
// environment variables first. Unknown keys are rejected to catch typos
// early.
func Load(path string, base Config) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return base, fmt.Errorf("config file not found: %s", path)
		}
		return base, fmt.Errorf("cannot read config file %q: %w", path, err)
	}

	expanded := ExpandEnv(string(data))

	cfg := base
	dec := yaml.NewDecoder(bytes.NewReader([]byte(expanded)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return base, fmt.Errorf("invalid YAML in %s: %w", path, err)
	}
	return cfg, nil
}

// Resolve merges defaults, the optional YAML file, and the environment,
// then normalises and validates. An empty path skips the file layer.
func Resolve(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		loaded, err := Load(path, cfg)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	cfg = FromEnv(cfg)
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
