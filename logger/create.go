// Package logger builds the zerolog logger every other package writes to.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/mattn/go-colorable"
	"github.com/rs/zerolog"
	fallbacklog "github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	EnableTerminalLog  = false
	DisableTerminalLog = true

	LogLevelFlag     = "loglevel"
	LogDirectoryFlag = "log-directory"

	dirPermMode = 0o744

	consoleTimeFormat = time.RFC3339
)

func init() {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.TimestampFunc = func() time.Time { return time.Now().UTC() }
}

func fallbackLogger(err error) *zerolog.Logger {
	failLog := fallbacklog.With().Logger()
	fallbacklog.Error().Msgf("Falling back to a default logger due to logger setup failure: %s", err)
	return &failLog
}

// levelWriter applies the minimum level to all writers at once so each sink
// sees the same stream.
type levelWriter struct {
	level   zerolog.Level
	writers []io.Writer
}

func (t levelWriter) Write(p []byte) (int, error) {
	for _, w := range t.writers {
		_, _ = w.Write(p)
	}
	return len(p), nil
}

func (t levelWriter) WriteLevel(level zerolog.Level, p []byte) (int, error) {
	if t.level <= level {
		for _, w := range t.writers {
			_, _ = w.Write(p)
		}
	}
	return len(p), nil
}

// CreateLoggerFromContext builds a logger from the CLI flags.
func CreateLoggerFromContext(c *cli.Context, disableTerminal bool) *zerolog.Logger {
	return Create(CreateConfig(
		c.String(LogLevelFlag),
		disableTerminal,
		c.String(LogDirectoryFlag),
	))
}

// Create builds a logger from an explicit configuration; nil selects the
// defaults (console only, info level).
func Create(loggerConfig *Config) *zerolog.Logger {
	if loggerConfig == nil {
		loggerConfig = &Config{
			ConsoleConfig: defaultConfig.ConsoleConfig,
			MinLevel:      defaultConfig.MinLevel,
		}
	}
	return newZerolog(loggerConfig)
}

func newZerolog(loggerConfig *Config) *zerolog.Logger {
	var writers []io.Writer

	if loggerConfig.ConsoleConfig != nil {
		writers = append(writers, createConsoleLogger(*loggerConfig.ConsoleConfig))
	}

	if loggerConfig.RollingConfig != nil {
		rollingLogger, err := createRollingLogger(*loggerConfig.RollingConfig)
		if err != nil {
			return fallbackLogger(err)
		}
		writers = append(writers, rollingLogger)
	}

	level, levelErr := zerolog.ParseLevel(loggerConfig.MinLevel)
	if levelErr != nil {
		level = zerolog.InfoLevel
	}

	multi := levelWriter{level, writers}
	log := zerolog.New(multi).With().Timestamp().Logger()
	if levelErr != nil {
		log.Error().Msgf("Failed to parse log level %q, using %q instead", loggerConfig.MinLevel, level)
	}

	return &log
}

func createConsoleLogger(config ConsoleConfig) io.Writer {
	consoleOut := os.Stderr
	return zerolog.ConsoleWriter{
		Out:        colorable.NewColorable(consoleOut),
		NoColor:    config.noColor || !term.IsTerminal(int(consoleOut.Fd())),
		TimeFormat: consoleTimeFormat,
	}
}

func createRollingLogger(config RollingConfig) (io.Writer, error) {
	if err := os.MkdirAll(config.Dirname, dirPermMode); err != nil {
		return nil, err
	}

	return &lumberjack.Logger{
		Filename:   config.Fullpath(),
		MaxBackups: config.maxBackups,
		MaxSize:    config.maxSize,
		MaxAge:     config.maxAge,
	}, nil
}
