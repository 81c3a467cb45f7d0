package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

var (
	// Set via DEMUCS_DEBUG in the environment
	Debug bool
	// Set via DEMUCS_NUM_THREADS in the environment
	NumThreads int
	// Set via DEMUCS_CONFIG in the environment
	ConfigPath string
)

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"DEMUCS_CONFIG":      {"DEMUCS_CONFIG", ConfigPath, "Path to a TOML configuration file"},
		"DEMUCS_DEBUG":       {"DEMUCS_DEBUG", Debug, "Show additional debug information (e.g. DEMUCS_DEBUG=1)"},
		"DEMUCS_NUM_THREADS": {"DEMUCS_NUM_THREADS", NumThreads, "Maximum goroutines per layer for data-parallel loops (default: number of CPUs)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// LogLevel is the slog level implied by Debug.
func LogLevel() slog.Level {
	if Debug {
		return slog.LevelDebug
	}

	return slog.LevelInfo
}

// Clean quotes and spaces from the value
func clean(key string) string {
	return strings.Trim(os.Getenv(key), "\"' ")
}

// lookup prefers the environment and falls back to the config file.
func lookup(key string) string {
	if v := clean(key); v != "" {
		return v
	}

	return GetConfigValue(key)
}

func init() {
	LoadConfig()
}

func LoadConfig() {
	// default values
	Debug = false
	NumThreads = runtime.NumCPU()

	ConfigPath = clean("DEMUCS_CONFIG")
	resetConfigFile()

	if debug := lookup("DEMUCS_DEBUG"); debug != "" {
		d, err := strconv.ParseBool(debug)
		if err == nil {
			Debug = d
		} else {
			Debug = true
		}
	}

	if threads := lookup("DEMUCS_NUM_THREADS"); threads != "" {
		val, err := strconv.Atoi(threads)
		if err != nil || val <= 0 {
			slog.Error("invalid setting must be greater than zero", "DEMUCS_NUM_THREADS", threads, "error", err)
		} else {
			NumThreads = val
		}
	}
}
