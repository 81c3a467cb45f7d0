package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

// Config represents the TOML configuration structure
type Config struct {
	Performance struct {
		NumThreads int `toml:"num_threads"`
	} `toml:"performance"`

	Logging struct {
		Debug bool `toml:"debug"`
	} `toml:"logging"`
}

var (
	configOnce *sync.Once
	config     *Config
	configFile string
)

func resetConfigFile() {
	configOnce = new(sync.Once)
	config = nil
	configFile = ""
}

// GetConfigPaths returns the list of possible config file paths, most
// specific first.
func GetConfigPaths() []string {
	var paths []string
	if ConfigPath != "" {
		paths = append(paths, ConfigPath)
	}

	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		paths = append(paths, filepath.Join(xdgConfig, "demucs", "config.toml"))
	}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "demucs", "config.toml"))
	}

	return paths
}

// loadConfig loads the first available configuration file
func loadConfig() (*Config, string, error) {
	for _, path := range GetConfigPaths() {
		if _, err := os.Stat(path); err == nil {
			var cfg Config
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return nil, "", fmt.Errorf("error parsing config file %s: %w", path, err)
			}
			return &cfg, path, nil
		}
	}
	return nil, "", nil
}

// GetConfigValue returns the value for a given environment variable key from the config file
func GetConfigValue(key string) string {
	configOnce.Do(func() {
		var err error
		config, configFile, err = loadConfig()
		if err != nil {
			slog.Warn("failed to load config file", "error", err)
		} else if config != nil {
			slog.Debug("loaded config file", "path", configFile)
		}
	})

	if config == nil {
		return ""
	}

	switch key {
	case "DEMUCS_NUM_THREADS":
		if config.Performance.NumThreads > 0 {
			return fmt.Sprintf("%d", config.Performance.NumThreads)
		}
	case "DEMUCS_DEBUG":
		return fmt.Sprintf("%t", config.Logging.Debug)
	}

	return ""
}

// GenerateExampleConfig returns a commented example TOML configuration
func GenerateExampleConfig() string {
	return `# demucs configuration file
# Environment variables take precedence over these values.

[performance]
# Goroutines used by data-parallel layer loops (default: number of CPUs)
num_threads = 4

[logging]
# Enable debug logging (default: false)
debug = false
`
}
