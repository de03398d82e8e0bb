// Package updater drives the end-to-end update session: check, download,
// verify, back up, install, record, and — on explicit request — roll back or
// restart. One session runs at a time; everything here is synchronous and
// meant to be called from a worker, not the UI's own loop.
package updater

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/facebookgo/grace/gracenet"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ledgerdesk/selfupdate/backup"
	"github.com/ledgerdesk/selfupdate/config"
	"github.com/ledgerdesk/selfupdate/download"
	"github.com/ledgerdesk/selfupdate/install"
	"github.com/ledgerdesk/selfupdate/integrity"
	"github.com/ledgerdesk/selfupdate/manifest"
	"github.com/ledgerdesk/selfupdate/metrics"
	"github.com/ledgerdesk/selfupdate/release"
	"github.com/ledgerdesk/selfupdate/vercheck"
)

const stagingDirName = "extracted"

var (
	// ErrUpdateInProgress is returned to an entry call made while another
	// operation is in flight. The caller gets an immediate rejection, the
	// running operation is untouched.
	ErrUpdateInProgress = errors.New("another update operation is in progress")

	// ErrNoUpdateAvailable means DownloadAndInstall was called without a
	// prior successful check.
	ErrNoUpdateAvailable = errors.New("no update available; run a check first")
)

// Callbacks is the contract exposed to the UI layer. Both callbacks are
// invoked from the engine's worker goroutine: implementations must marshal
// onto their own event loop and never mutate UI state directly.
type Callbacks struct {
	OnStatus   func(message string)
	OnProgress func(percent int, message string)
}

// Updater owns one update session at a time. Its temp directory is created
// at construction, exclusively owned for the Updater's lifetime, and removed
// by Cleanup.
type Updater struct {
	cfg        *config.Config
	releases   *release.Client
	downloader *download.Downloader
	backups    *backup.Manager
	installer  *install.Installer
	recorder   *manifest.Recorder
	listeners  *gracenet.Net
	metrics    *metrics.UpdaterMetrics
	callbacks  Callbacks
	log        *zerolog.Logger

	sessionID string
	tempDir   string

	mu              sync.Mutex
	state           State
	progressPercent int
	statusMessage   string
	currentVersion  string
	pending         *release.Release
}

// New wires the engine together. currentVersion comes from the last
// recorded install; "0.0.0" when nothing was ever recorded, so any published
// release counts as newer.
func New(cfg *config.Config, listeners *gracenet.Net, m *metrics.UpdaterMetrics, log *zerolog.Logger) (*Updater, error) {
	tempDir, err := os.MkdirTemp("", strings.ToLower(cfg.AppName)+"_update_")
	if err != nil {
		return nil, errors.Wrap(err, "creating session temp directory")
	}

	recorder := manifest.NewRecorder(cfg.InstallDir, log)
	currentVersion := recorder.InstalledVersion()
	if currentVersion == "" {
		currentVersion = "0.0.0"
	}

	u := &Updater{
		cfg:        cfg,
		releases:   release.NewClient(cfg.FeedURL, cfg.FeedToken, cfg.AppName, currentVersion, log),
		downloader: download.New(cfg.DownloadTimeout, fmt.Sprintf("%s-update/%s", cfg.AppName, currentVersion), log),
		backups: backup.NewManager(backup.Config{
			InstallDir:     cfg.InstallDir,
			AppName:        cfg.AppName,
			EssentialFiles: cfg.EssentialFiles,
			MaxBackups:     cfg.MaxBackups,
			Budget:         cfg.BackupBudget,
		}, log),
		installer:      install.NewInstaller(cfg.InstallDir, log),
		recorder:       recorder,
		listeners:      listeners,
		metrics:        m,
		log:            log,
		sessionID:      uuid.NewString(),
		tempDir:        tempDir,
		currentVersion: currentVersion,
	}
	log.Debug().Str("session", u.sessionID).Str("tempdir", tempDir).Msg("update session ready")
	return u, nil
}

// SetCallbacks registers the UI-facing callbacks. Call it before starting
// operations; it is not safe to swap callbacks mid-session.
func (u *Updater) SetCallbacks(cb Callbacks) {
	u.callbacks = cb
}

// State returns the session's current state.
func (u *Updater) State() State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

// Progress returns the last reported percent and status message.
func (u *Updater) Progress() (int, string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.progressPercent, u.statusMessage
}

// CurrentVersion is the version this session believes is installed.
func (u *Updater) CurrentVersion() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.currentVersion
}

// TempDir is the session-owned scratch space.
func (u *Updater) TempDir() string {
	return u.tempDir
}

// Check asks the feed for the newest release and compares it with the
// installed version. It returns nil when there is nothing to do: feed
// unreachable, no usable release, or already up to date.
func (u *Updater) Check(ctx context.Context) (*release.Release, error) {
	if !u.beginCheck() {
		return nil, ErrUpdateInProgress
	}

	u.status("checking for updates")
	rel, err := u.releases.CheckLatest(ctx)
	if err != nil {
		u.setState(Idle)
		u.metrics.ObserveCheck("error")
		u.status("update check failed")
		return nil, err
	}
	if rel == nil {
		u.setState(Idle)
		u.metrics.ObserveCheck("no_release")
		u.status("no release found")
		return nil, nil
	}

	newer, err := vercheck.IsNewer(rel.Version, u.CurrentVersion())
	if err != nil {
		// Ambiguous ordering never installs, but it is worth a log line.
		u.log.Error().Err(err).Msg("version comparison failed, treating as not newer")
	}
	if !newer {
		u.setState(Idle)
		u.metrics.ObserveCheck("up_to_date")
		u.status(fmt.Sprintf("up to date (%s)", u.CurrentVersion()))
		return nil, nil
	}

	u.mu.Lock()
	u.pending = rel
	u.setStateLocked(UpdateAvailable)
	u.mu.Unlock()
	u.metrics.ObserveCheck("update_available")
	u.status(fmt.Sprintf("version %s is available", rel.Version))
	return rel, nil
}

// DownloadAndInstall runs the staged release through download, verification,
// backup, install and version recording. A second call while one is running
// is rejected with ErrUpdateInProgress without touching the first.
func (u *Updater) DownloadAndInstall(ctx context.Context) error {
	u.mu.Lock()
	if u.state != UpdateAvailable {
		busy := u.state.busy()
		u.mu.Unlock()
		if busy {
			return ErrUpdateInProgress
		}
		return ErrNoUpdateAvailable
	}
	rel := u.pending
	u.setStateLocked(Downloading)
	u.mu.Unlock()

	if err := u.runSession(ctx, rel); err != nil {
		u.setState(Failed)
		u.log.Error().Err(err).Str("session", u.sessionID).Msg("update session failed")
		return err
	}

	u.mu.Lock()
	u.currentVersion = rel.Version
	u.pending = nil
	u.setStateLocked(Completed)
	u.mu.Unlock()
	u.status(fmt.Sprintf("update to %s completed", rel.Version))
	return nil
}

func (u *Updater) runSession(ctx context.Context, rel *release.Release) error {
	// Downloading
	archive, err := u.downloader.Download(ctx, rel.DownloadURL, rel.FileSizeBytes, filepath.Join(u.tempDir, archiveName(rel, u.cfg.AppName)), u.progress)
	if err != nil {
		u.metrics.ObserveDownload("failed")
		u.status("download failed")
		return err
	}
	u.metrics.ObserveDownload("ok")

	// Verifying
	if rel.Checksum != "" {
		u.setState(Verifying)
		u.status("verifying download integrity")
		if err := integrity.Verify(archive, rel.Checksum); err != nil {
			os.Remove(archive)
			u.status("integrity verification failed, update aborted")
			return err
		}
	} else if u.cfg.AllowUnverified {
		u.log.Warn().Str("version", rel.Version).Msg("feed published no checksum; proceeding unverified because allow_unverified is set")
	} else {
		u.status("release has no checksum, update aborted")
		return errors.Errorf("feed published no checksum for %s and allow_unverified is off", rel.Version)
	}

	// BackingUp — install never starts without a completed backup attempt.
	u.setState(BackingUp)
	u.status("creating backup")
	if _, err := u.backups.Create(backup.Kind(u.cfg.BackupKind), u.CurrentVersion()); err != nil {
		u.status("backup failed, update aborted")
		return errors.Wrap(err, "creating pre-install backup")
	}

	// Installing
	u.setState(Installing)
	u.status(fmt.Sprintf("installing version %s", rel.Version))
	staging := filepath.Join(u.tempDir, stagingDirName)
	if err := u.installer.Extract(archive, staging, u.progress); err != nil {
		u.metrics.ObserveInstall("failed")
		u.status("update package could not be extracted")
		return err
	}
	result, err := u.installer.Apply(staging, u.progress)
	if err != nil {
		u.metrics.ObserveInstall("failed")
		u.status("installation failed")
		return err
	}
	if result.FailureRatio() > u.cfg.MaxFailedFileRatio {
		u.metrics.ObserveInstall("failed")
		u.status(fmt.Sprintf("installation failed: %d of %d files could not be copied", len(result.FailedPaths), result.Total()))
		return errors.Errorf("apply pass failed %d of %d files, above the %.0f%% threshold",
			len(result.FailedPaths), result.Total(), u.cfg.MaxFailedFileRatio*100)
	}
	if len(result.FailedPaths) > 0 {
		u.log.Warn().Strs("files", result.FailedPaths).Msg("some files could not be installed")
	}
	u.metrics.ObserveInstall("ok")

	// RecordingVersion — its failure downgrades the final message only.
	u.setState(RecordingVersion)
	if err := u.recorder.Record(archive, rel.Version, result); err != nil {
		u.log.Warn().Err(err).Msg("installed version could not be recorded")
		u.status("update installed, but the version could not be recorded")
	}
	return nil
}

// Rollback restores the install directory from the most recent backup. It
// is only ever user-invoked; a failed session never rolls back on its own.
func (u *Updater) Rollback() error {
	u.mu.Lock()
	if u.state.busy() {
		u.mu.Unlock()
		return ErrUpdateInProgress
	}
	u.mu.Unlock()

	u.status("restoring latest backup")
	if err := u.backups.RestoreLatest(); err != nil {
		u.metrics.ObserveRollback("failed")
		if errors.Is(err, backup.ErrNoBackup) {
			u.status("rollback failed: no backup available")
		} else {
			u.status("rollback failed")
		}
		return err
	}

	u.setState(RolledBack)
	u.metrics.ObserveRollback("ok")
	u.status("restored from latest backup")
	return nil
}

// Restart spawns a replacement process of the same executable and returns
// its PID. There is no handshake with the new process; the caller is
// expected to exit promptly.
func (u *Updater) Restart() (int, error) {
	u.status("restarting application")
	pid, err := u.listeners.StartProcess()
	if err != nil {
		return 0, errors.Wrap(err, "spawning replacement process")
	}
	u.log.Info().Int("pid", pid).Msg("replacement process started")
	return pid, nil
}

// Cleanup removes the session temp directory. The Updater must not be used
// afterwards.
func (u *Updater) Cleanup() {
	if err := os.RemoveAll(u.tempDir); err != nil {
		u.log.Warn().Err(err).Str("tempdir", u.tempDir).Msg("cannot remove session temp directory")
	}
}

func (u *Updater) beginCheck() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.state.busy() {
		return false
	}
	u.setStateLocked(Checking)
	return true
}

func (u *Updater) setState(to State) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.setStateLocked(to)
}

func (u *Updater) setStateLocked(to State) {
	u.log.Debug().Stringer("from", u.state).Stringer("to", to).Msg("state transition")
	u.state = to
	u.metrics.SetState(int(to))
}

// status reports a human-readable message to the UI and the log. Full error
// detail only ever goes to the log.
func (u *Updater) status(message string) {
	u.mu.Lock()
	u.statusMessage = message
	u.mu.Unlock()
	u.log.Info().Msg(message)
	if u.callbacks.OnStatus != nil {
		u.callbacks.OnStatus(message)
	}
}

func (u *Updater) progress(percent int, message string) {
	u.mu.Lock()
	u.progressPercent = percent
	u.statusMessage = message
	u.mu.Unlock()
	if u.callbacks.OnProgress != nil {
		u.callbacks.OnProgress(percent, message)
	}
}

// archiveName picks the local filename for the downloaded asset: the URL's
// basename when it looks like a zip, otherwise the packaging convention.
func archiveName(rel *release.Release, appName string) string {
	if parsed, err := url.Parse(rel.DownloadURL); err == nil {
		if base := path.Base(parsed.Path); strings.HasSuffix(strings.ToLower(base), ".zip") {
			return base
		}
	}
	return fmt.Sprintf("%s-v%s-update.zip", appName, rel.Version)
}
