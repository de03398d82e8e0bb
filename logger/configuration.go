package logger

import (
	"path/filepath"
)

var defaultConfig = createDefaultConfig()

// Logging configuration
type Config struct {
	ConsoleConfig *ConsoleConfig // If nil, the logger will not log into the console
	RollingConfig *RollingConfig // If nil, the logger will not use a rolling log

	MinLevel string // debug | info | error | fatal
}

type ConsoleConfig struct {
	noColor bool
}

type RollingConfig struct {
	Dirname  string
	Filename string

	maxSize    int // megabytes
	maxBackups int // files
	maxAge     int // days
}

func (rc *RollingConfig) Fullpath() string {
	return filepath.Join(rc.Dirname, rc.Filename)
}

func createDefaultConfig() Config {
	const minLevel = "info"

	const rollingMaxSize = 5    // Mb
	const rollingMaxBackups = 5 // files
	const rollingMaxAge = 0     // keep forever
	const defaultLogFilename = "ledgerdesk-update.log"

	return Config{
		ConsoleConfig: &ConsoleConfig{
			noColor: false,
		},
		RollingConfig: &RollingConfig{
			Dirname:    "",
			Filename:   defaultLogFilename,
			maxSize:    rollingMaxSize,
			maxBackups: rollingMaxBackups,
			maxAge:     rollingMaxAge,
		},
		MinLevel: minLevel,
	}
}

// CreateConfig assembles a logging configuration from the flag values the
// CLI gathered. An empty logDirectory disables file logging.
func CreateConfig(minLevel string, disableTerminal bool, logDirectory string) *Config {
	var console *ConsoleConfig
	if !disableTerminal {
		console = &ConsoleConfig{noColor: false}
	}

	var rolling *RollingConfig
	if logDirectory != "" {
		rolling = &RollingConfig{
			Dirname:    logDirectory,
			Filename:   defaultConfig.RollingConfig.Filename,
			maxSize:    defaultConfig.RollingConfig.maxSize,
			maxBackups: defaultConfig.RollingConfig.maxBackups,
			maxAge:     defaultConfig.RollingConfig.maxAge,
		}
	}

	if minLevel == "" {
		minLevel = defaultConfig.MinLevel
	}

	return &Config{
		ConsoleConfig: console,
		RollingConfig: rolling,
		MinLevel:      minLevel,
	}
}
