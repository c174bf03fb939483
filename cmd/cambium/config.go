package main

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// configFileName is looked up at the repo root.
const configFileName = ".cambium.yaml"

// Config is the per-repository configuration file. Flags override it.
type Config struct {
	// Languages restricts analysis to the listed languages. Empty means
	// every supported language.
	Languages []string `yaml:"languages"`

	// DebounceMS is how long a provisional-only diagnostics round is held
	// before publishing anyway.
	DebounceMS int `yaml:"debounce_ms"`

	// ProvisionalSources names diagnostic sources whose rounds are held
	// for the debounce window when nothing else contributed.
	ProvisionalSources []string `yaml:"provisional_sources"`

	// LintScripts lists Risor scripts to run per file, relative to
	// ScriptsDir. Empty means discover every .risor file there.
	LintScripts []string `yaml:"lint_scripts"`

	// ScriptsDir is where lint scripts live, relative to the repo root.
	ScriptsDir string `yaml:"scripts_dir"`

	// DB is the index database path, relative to the repo root.
	DB string `yaml:"db"`
}

func defaultConfig() Config {
	return Config{
		DebounceMS:         500,
		ProvisionalSources: []string{"lint"},
		ScriptsDir:         filepath.Join(".cambium", "lint"),
		DB:                 filepath.Join(".cambium", "index.db"),
	}
}

// loadConfig reads .cambium.yaml from repoRoot, returning defaults when the
// file does not exist. Unset fields fall back to their defaults.
func loadConfig(repoRoot string) (Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(filepath.Join(repoRoot, configFileName))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("reading %s: %w", configFileName, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", configFileName, err)
	}
	if cfg.DebounceMS <= 0 {
		cfg.DebounceMS = defaultConfig().DebounceMS
	}
	if cfg.ScriptsDir == "" {
		cfg.ScriptsDir = defaultConfig().ScriptsDir
	}
	if cfg.DB == "" {
		cfg.DB = defaultConfig().DB
	}
	return cfg, nil
}
