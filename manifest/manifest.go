// Package manifest persists what an update session installed: the version,
// when it was applied, and the per-file outcome of the apply pass. The
// manifest is a structured, machine-written file; the engine never patches
// application source to remember a version.
package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/ledgerdesk/selfupdate/install"
)

const (
	// FileName is the authoritative install record, read back by the
	// application bootstrap and by the next update session.
	FileName = "install-manifest.json"

	// VersionFileName is the flat fallback marker kept for bootstraps that
	// only understand a bare version string.
	VersionFileName = "version.txt"
)

// archiveVersionPattern matches the packaging convention
// <appname>-v<version>-update.zip.
var archiveVersionPattern = regexp.MustCompile(`-v(.+)-update\.zip$`)

// Manifest is the persisted record of one completed install.
type Manifest struct {
	Version     string    `json:"version"`
	InstalledAt time.Time `json:"installedAt"`
	Archive     string    `json:"archive"`
	Succeeded   int       `json:"succeeded"`
	Failed      []string  `json:"failed,omitempty"`
}

// Recorder writes and reads install manifests under the install directory.
type Recorder struct {
	installDir string
	log        *zerolog.Logger

	now func() time.Time
}

func NewRecorder(installDir string, log *zerolog.Logger) *Recorder {
	return &Recorder{installDir: installDir, log: log, now: time.Now}
}

// Record persists the installed version. The version comes from the archive
// filename when it follows the packaging convention, otherwise from
// sessionVersion (the version recorded at download time). Writing either the
// manifest or the fallback marker is sufficient; only both failing is an
// error, and even then the caller downgrades it because file replacement has
// already happened.
func (r *Recorder) Record(archivePath, sessionVersion string, result install.Result) error {
	version, ok := VersionFromArchive(filepath.Base(archivePath))
	if !ok {
		version = sessionVersion
	}
	if version == "" {
		return errors.New("no version available to record")
	}

	m := Manifest{
		Version:     version,
		InstalledAt: r.now().UTC(),
		Archive:     filepath.Base(archivePath),
		Succeeded:   result.Succeeded,
		Failed:      result.FailedPaths,
	}

	manifestErr := r.writeManifest(m)
	if manifestErr != nil {
		r.log.Warn().Err(manifestErr).Msg("cannot write install manifest")
	}

	markerErr := os.WriteFile(filepath.Join(r.installDir, VersionFileName), []byte(version), 0o644)
	if markerErr != nil {
		r.log.Warn().Err(markerErr).Msg("cannot write version marker")
	}

	if manifestErr != nil && markerErr != nil {
		return errors.Wrap(manifestErr, "recording installed version")
	}

	r.log.Info().Str("version", version).Msg("installed version recorded")
	return nil
}

func (r *Recorder) writeManifest(m Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(r.installDir, FileName), data, 0o644)
}

// InstalledVersion reads back the recorded version, preferring the manifest
// over the flat marker. It returns an empty string when neither exists.
func (r *Recorder) InstalledVersion() string {
	if data, err := os.ReadFile(filepath.Join(r.installDir, FileName)); err == nil {
		var m Manifest
		if err := json.Unmarshal(data, &m); err == nil && m.Version != "" {
			return m.Version
		}
		r.log.Warn().Msg("install manifest unreadable, trying version marker")
	}

	if data, err := os.ReadFile(filepath.Join(r.installDir, VersionFileName)); err == nil {
		return strings.TrimSpace(string(data))
	}
	return ""
}

// Read returns the full manifest of the last recorded install.
func (r *Recorder) Read() (*Manifest, error) {
	data, err := os.ReadFile(filepath.Join(r.installDir, FileName))
	if err != nil {
		return nil, errors.Wrap(err, "reading install manifest")
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, errors.Wrap(err, "parsing install manifest")
	}
	return &m, nil
}

// VersionFromArchive extracts the version substring from an archive name
// following the <appname>-v<version>-update.zip convention.
func VersionFromArchive(name string) (string, bool) {
	match := archiveVersionPattern.FindStringSubmatch(name)
	if match == nil || match[1] == "" {
		return "", false
	}
	return match[1], true
}
