package gateway

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// toolSpec is one declarative allow-list entry, loaded from the tool-config
// YAML file. Field names match the on-disk shape exactly.
type toolSpec struct {
	Template    string            `yaml:"template"`
	Params      map[string]string `yaml:"params"`
	Timeout     int               `yaml:"timeout"`
	Description string            `yaml:"description"`
}

// config is the full declarative allow-list: a named set of CLI tools plus
// a global defense-in-depth blocked-pattern list scanned against every
// assembled command.
type config struct {
	CLIWhitelist    map[string]toolSpec `yaml:"cli_whitelist"`
	BlockedPatterns []string            `yaml:"blocked_patterns"`

	// ScriptsRoot is the single directory execute_script may resolve into.
	// Not part of the wire YAML contract in spec form, but every deployment
	// needs one; it is read from its own key so the allow-list file stays
	// the single source of gateway policy.
	ScriptsRoot  string `yaml:"scripts_root"`
	ScriptSuffix string `yaml:"script_suffix"`

	// EnvAllowPattern is the regex per-skill environment variable names must
	// fully match before being forwarded into a subprocess environment.
	EnvAllowPattern string `yaml:"env_allow_pattern"`
}

// loadConfig reads and parses the tool allow-list from path. A malformed or
// missing allow-list is a fatal startup error — per design, the gateway
// never starts in a partially-configured state.
func loadConfig(path string) (*config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gateway: read config %s: %w", path, err)
	}
	var cfg config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("gateway: parse config %s: %w", path, err)
	}
	if cfg.ScriptSuffix == "" {
		cfg.ScriptSuffix = ".py"
	}
	if cfg.EnvAllowPattern == "" {
		cfg.EnvAllowPattern = `^[A-Z_][A-Z0-9_]*$`
	}
	if _, err := regexp.Compile(cfg.EnvAllowPattern); err != nil {
		return nil, fmt.Errorf("gateway: invalid env_allow_pattern: %w", err)
	}
	for _, pattern := range cfg.BlockedPatterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return nil, fmt.Errorf("gateway: invalid blocked pattern %q: %w", pattern, err)
		}
	}
	for name, spec := range cfg.CLIWhitelist {
		if spec.Template == "" {
			return nil, fmt.Errorf("gateway: tool %q has no template", name)
		}
		for slot, pattern := range spec.Params {
			if _, err := regexp.Compile(`^(?:` + pattern + `)$`); err != nil {
				return nil, fmt.Errorf("gateway: tool %q param %q has an invalid pattern: %w", name, slot, err)
			}
		}
		if spec.Timeout <= 0 {
			spec.Timeout = 30
			cfg.CLIWhitelist[name] = spec
		}
	}
	return &cfg, nil
}
