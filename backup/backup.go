// Package backup creates, rotates and restores recovery points of the
// install directory. An install never starts before a backup attempt has
// completed.
package backup

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Kind selects how much of the install directory a backup covers.
type Kind string

const (
	// Quick copies only the essential-file allowlist.
	Quick Kind = "quick"
	// Full copies every top-level subdirectory except the excluded ones,
	// plus the essential files.
	Full Kind = "full"
)

const (
	// DefaultMaxBackups is how many backup folders survive rotation.
	DefaultMaxBackups = 3

	// DefaultBudget is the wall-clock limit for one backup pass. Files not
	// copied when it expires are skipped, not errored.
	DefaultBudget = 5 * time.Minute

	// DefaultMaxFileSize is the per-file ceiling; larger files are skipped
	// so a stray dump cannot stall the backup.
	DefaultMaxFileSize = 100 << 20 // 100 MB

	dirName         = "backup"
	timestampLayout = "20060102_150405"
	quickSuffix     = "_quick"
)

// DefaultEssentialFiles is the allowlist a quick backup copies. Missing
// entries are skipped with a warning.
var DefaultEssentialFiles = []string{
	"ledgerdesk",
	"ledgerdesk.exe",
	"icon.png",
	"icon.ico",
	"background.png",
}

// excludedDirs are never part of a full backup.
var excludedDirs = map[string]struct{}{
	dirName:       {},
	"logs":        {},
	"cache":       {},
	".cache":      {},
	"__pycache__": {},
}

// ErrNoBackup is returned by RestoreLatest when no backup folder exists.
var ErrNoBackup = errors.New("no backup available to restore")

// Config are the knobs for a Manager. Zero values select the defaults above.
type Config struct {
	InstallDir     string
	AppName        string
	EssentialFiles []string
	MaxBackups     int
	Budget         time.Duration
	MaxFileSize    int64
}

// Manager owns <installDir>/backup and everything beneath it.
type Manager struct {
	installDir  string
	appName     string
	essentials  []string
	maxBackups  int
	budget      time.Duration
	maxFileSize int64
	log         *zerolog.Logger

	now func() time.Time
}

func NewManager(cfg Config, log *zerolog.Logger) *Manager {
	m := &Manager{
		installDir:  cfg.InstallDir,
		appName:     cfg.AppName,
		essentials:  cfg.EssentialFiles,
		maxBackups:  cfg.MaxBackups,
		budget:      cfg.Budget,
		maxFileSize: cfg.MaxFileSize,
		log:         log,
		now:         time.Now,
	}
	if len(m.essentials) == 0 {
		m.essentials = DefaultEssentialFiles
	}
	if m.maxBackups <= 0 {
		m.maxBackups = DefaultMaxBackups
	}
	if m.budget <= 0 {
		m.budget = DefaultBudget
	}
	if m.maxFileSize <= 0 {
		m.maxFileSize = DefaultMaxFileSize
	}
	return m
}

// Root is the directory all backups live under.
func (m *Manager) Root() string {
	return filepath.Join(m.installDir, dirName)
}

// Create takes a new backup of the given kind and rotates old ones so at
// most MaxBackups remain. It returns the new backup folder. Per-file copy
// problems are skipped with a warning; only a failure to create the backup
// folder itself (or to list the install directory for a full backup) is an
// error.
func (m *Manager) Create(kind Kind, currentVersion string) (string, error) {
	deadline := m.now().Add(m.budget)

	stamp := m.now().Format(timestampLayout)
	suffix := ""
	if kind == Quick {
		suffix = quickSuffix
	}
	dest := filepath.Join(m.Root(), fmt.Sprintf("%s_v%s_%s%s", m.appName, currentVersion, stamp, suffix))
	// a second backup within the same second must not merge into the first
	for seq := 2; ; seq++ {
		if _, err := os.Stat(dest); os.IsNotExist(err) {
			break
		}
		dest = filepath.Join(m.Root(), fmt.Sprintf("%s_v%s_%s_%d%s", m.appName, currentVersion, stamp, seq, suffix))
	}

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", errors.Wrapf(err, "creating backup folder %s", dest)
	}

	m.copyEssentials(dest, deadline)

	if kind == Full {
		entries, err := os.ReadDir(m.installDir)
		if err != nil {
			return "", errors.Wrapf(err, "listing install directory %s", m.installDir)
		}
		for _, entry := range entries {
			if !entry.IsDir() {
				continue
			}
			if _, excluded := excludedDirs[entry.Name()]; excluded {
				continue
			}
			m.copyTree(
				filepath.Join(m.installDir, entry.Name()),
				filepath.Join(dest, entry.Name()),
				deadline,
			)
		}
	}

	m.log.Info().Str("kind", string(kind)).Str("path", dest).Msg("backup created")
	m.cleanupOld()
	return dest, nil
}

// RestoreLatest copies the contents of the most recently created backup back
// into the install directory, overwriting in place. Individual copy problems
// are logged and skipped; ErrNoBackup is returned when nothing can be
// restored.
func (m *Manager) RestoreLatest() error {
	latest, err := m.latest()
	if err != nil {
		return err
	}

	m.log.Info().Str("path", latest).Msg("restoring from backup")

	return filepath.Walk(latest, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			m.log.Warn().Err(err).Str("path", path).Msg("skipping unreadable backup entry")
			return nil
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(latest, path)
		if err != nil {
			return nil
		}
		target := filepath.Join(m.installDir, rel)
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			m.log.Warn().Err(err).Str("path", target).Msg("cannot recreate directory during restore")
			return nil
		}
		if err := copyFile(path, target); err != nil {
			m.log.Warn().Err(err).Str("path", target).Msg("cannot restore file")
		}
		return nil
	})
}

// Latest returns the newest backup folder, or ErrNoBackup.
func (m *Manager) Latest() (string, error) {
	return m.latest()
}

func (m *Manager) latest() (string, error) {
	backups, err := m.list()
	if err != nil || len(backups) == 0 {
		return "", ErrNoBackup
	}
	return filepath.Join(m.Root(), backups[0].name), nil
}

type backupEntry struct {
	name    string
	created time.Time
}

// list returns existing backup folders, most recently created first. Names
// embed the creation timestamp so they double as a tie-breaker.
func (m *Manager) list() ([]backupEntry, error) {
	entries, err := os.ReadDir(m.Root())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var backups []backupEntry
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, backupEntry{name: entry.Name(), created: info.ModTime()})
	}

	sort.Slice(backups, func(i, j int) bool {
		if backups[i].created.Equal(backups[j].created) {
			return backups[i].name > backups[j].name
		}
		return backups[i].created.After(backups[j].created)
	})
	return backups, nil
}

// cleanupOld deletes every backup beyond the MaxBackups most recent ones.
func (m *Manager) cleanupOld() {
	backups, err := m.list()
	if err != nil {
		m.log.Warn().Err(err).Msg("cannot list backups for rotation")
		return
	}
	for _, stale := range backups[minInt(len(backups), m.maxBackups):] {
		path := filepath.Join(m.Root(), stale.name)
		if err := os.RemoveAll(path); err != nil {
			m.log.Warn().Err(err).Str("path", path).Msg("cannot delete old backup")
			continue
		}
		m.log.Debug().Str("path", path).Msg("old backup deleted")
	}
}

func (m *Manager) copyEssentials(dest string, deadline time.Time) {
	for _, name := range m.essentials {
		src := filepath.Join(m.installDir, name)
		if _, err := os.Stat(src); err != nil {
			m.log.Warn().Str("file", name).Msg("essential file missing, skipping")
			continue
		}
		if !m.copyGuarded(src, filepath.Join(dest, name), deadline) {
			return
		}
	}
}

// copyTree copies src into dst, honoring the wall-clock deadline and the
// per-file size ceiling. Individual failures never abort the tree.
func (m *Manager) copyTree(src, dst string, deadline time.Time) {
	_ = filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			m.log.Warn().Err(err).Str("path", path).Msg("skipping unreadable entry")
			return nil
		}
		if m.now().After(deadline) {
			m.log.Warn().Str("path", path).Msg("backup budget exhausted, skipping remaining files")
			return filepath.SkipAll
		}
		rel, relErr := filepath.Rel(src, path)
		if relErr != nil {
			return nil
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				m.log.Warn().Err(err).Str("path", target).Msg("cannot create backup directory")
			}
			return nil
		}
		if info.Size() > m.maxFileSize {
			m.log.Warn().Str("path", path).Int64("size", info.Size()).Msg("file exceeds backup size ceiling, skipping")
			return nil
		}
		if err := copyFile(path, target); err != nil {
			m.log.Warn().Err(err).Str("path", path).Msg("cannot back up file")
		}
		return nil
	})
}

// copyGuarded copies one file, applying the same skip rules as copyTree.
// It returns false when the deadline has passed.
func (m *Manager) copyGuarded(src, dst string, deadline time.Time) bool {
	if m.now().After(deadline) {
		m.log.Warn().Str("path", src).Msg("backup budget exhausted, skipping remaining files")
		return false
	}
	info, err := os.Stat(src)
	if err == nil && info.Size() > m.maxFileSize {
		m.log.Warn().Str("path", src).Int64("size", info.Size()).Msg("file exceeds backup size ceiling, skipping")
		return true
	}
	if err := copyFile(src, dst); err != nil {
		m.log.Warn().Err(err).Str("path", src).Msg("cannot back up file")
	}
	return true
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

// IsQuick reports whether a backup folder name was created by a quick pass.
func IsQuick(name string) bool {
	return strings.HasSuffix(name, quickSuffix)
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
