// Package config reads the update engine's YAML configuration file and fills
// in defaults for everything the file leaves out.
package config

import (
	"os"
	"path/filepath"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	yaml "gopkg.in/yaml.v2"
)

var (
	// DefaultConfigFiles is the file names from which we attempt to read
	// configuration.
	DefaultConfigFiles = []string{"config.yml", "config.yaml"}

	defaultUserConfigDirs = []string{"~/.ledgerdesk"}
	defaultNixConfigDirs  = []string{"/etc/ledgerdesk", "/usr/local/etc/ledgerdesk"}

	ErrNoConfigFile = errors.New("no configuration file found")
)

const (
	DefaultAppName = "LedgerDesk"

	DefaultCheckInterval      = 24 * time.Hour
	DefaultDownloadTimeout    = 300 * time.Second
	DefaultBackupBudget       = 5 * time.Minute
	DefaultMaxBackups         = 3
	DefaultMaxFailedFileRatio = 0.5
)

// Config is everything the update engine needs to know about its
// environment. YAML keys are what ships in the packaged config file.
type Config struct {
	// FeedURL is the release feed root; the engine appends
	// /releases/latest and /releases.
	FeedURL string `yaml:"feed_url"`
	// FeedToken, when set, is sent as "Authorization: token <t>".
	FeedToken string `yaml:"feed_token"`
	AppName   string `yaml:"app_name"`
	// InstallDir is the application root that updates overwrite and
	// backups protect. Defaults to the executable's directory.
	InstallDir string `yaml:"install_dir"`

	CheckInterval   time.Duration `yaml:"check_interval"`
	DownloadTimeout time.Duration `yaml:"download_timeout"`
	BackupBudget    time.Duration `yaml:"backup_budget"`

	MaxBackups int `yaml:"max_backups"`
	// BackupKind is "quick" or "full".
	BackupKind     string   `yaml:"backup_kind"`
	EssentialFiles []string `yaml:"essential_files"`

	// AllowUnverified permits installing an asset the feed published no
	// checksum for. Off by default: a missing digest fails the session.
	// Turning this on is an explicit, audited choice.
	AllowUnverified bool `yaml:"allow_unverified"`

	// MaxFailedFileRatio is the fraction of files an apply pass may fail
	// to copy before the whole install counts as failed.
	MaxFailedFileRatio float64 `yaml:"max_failed_file_ratio"`

	// AutoApply makes scheduled checks download and install on their own
	// instead of only reporting that an update exists.
	AutoApply bool `yaml:"auto_apply"`

	// MetricsAddress, when set, serves prometheus metrics (host:port).
	MetricsAddress string `yaml:"metrics"`
}

// Validate fills defaults and rejects configurations the engine cannot run
// with.
func (c *Config) Validate() error {
	if c.FeedURL == "" {
		return errors.New("feed_url is required")
	}
	if c.AppName == "" {
		c.AppName = DefaultAppName
	}
	if c.InstallDir == "" {
		executable, err := os.Executable()
		if err != nil {
			return errors.Wrap(err, "cannot derive install_dir from executable path")
		}
		c.InstallDir = filepath.Dir(executable)
	}
	if c.CheckInterval < 0 {
		return errors.New("check_interval cannot be negative")
	}
	if c.CheckInterval == 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.DownloadTimeout <= 0 {
		c.DownloadTimeout = DefaultDownloadTimeout
	}
	if c.BackupBudget <= 0 {
		c.BackupBudget = DefaultBackupBudget
	}
	if c.MaxBackups <= 0 {
		c.MaxBackups = DefaultMaxBackups
	}
	switch c.BackupKind {
	case "":
		c.BackupKind = "quick"
	case "quick", "full":
	default:
		return errors.Errorf("backup_kind must be \"quick\" or \"full\", got %q", c.BackupKind)
	}
	if c.MaxFailedFileRatio < 0 || c.MaxFailedFileRatio > 1 {
		return errors.Errorf("max_failed_file_ratio must be within [0, 1], got %v", c.MaxFailedFileRatio)
	}
	if c.MaxFailedFileRatio == 0 {
		c.MaxFailedFileRatio = DefaultMaxFailedFileRatio
	}
	return nil
}

// ReadConfigFile parses the file at path. An empty path searches the default
// locations; a missing file there returns ErrNoConfigFile so callers can run
// on flags alone.
func ReadConfigFile(path string, log *zerolog.Logger) (*Config, error) {
	if path == "" {
		found, err := findDefaultConfigPath()
		if err != nil {
			return nil, err
		}
		path = found
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %s", path)
	}

	log.Debug().Str("path", path).Msg("configuration loaded")
	return &config, nil
}

// DefaultConfigSearchDirectories lists where a config file is looked for
// when no explicit path is given.
func DefaultConfigSearchDirectories() []string {
	dirs := make([]string, 0, len(defaultUserConfigDirs)+len(defaultNixConfigDirs))
	for _, dir := range defaultUserConfigDirs {
		if expanded, err := homedir.Expand(dir); err == nil {
			dirs = append(dirs, expanded)
		}
	}
	dirs = append(dirs, defaultNixConfigDirs...)
	return dirs
}

func findDefaultConfigPath() (string, error) {
	for _, dir := range DefaultConfigSearchDirectories() {
		for _, name := range DefaultConfigFiles {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path, nil
			}
		}
	}
	return "", ErrNoConfigFile
}
