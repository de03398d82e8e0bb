package updater

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/facebookgo/grace/gracenet"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ledgerdesk/selfupdate/config"
	"github.com/ledgerdesk/selfupdate/manifest"
	"github.com/ledgerdesk/selfupdate/release"
)

func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		entry, err := w.Create(name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func digestOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// testFeed serves a GitHub-shaped release feed plus the asset itself.
type testFeed struct {
	tag        string
	assetName  string
	notes      string
	archive    []byte
	withDigest bool
	gate       chan struct{} // when non-nil, downloads block until closed
}

func (f *testFeed) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		asset := map[string]interface{}{
			"name":                 f.assetName,
			"browser_download_url": fmt.Sprintf("http://%s/download/%s", r.Host, f.assetName),
			"size":                 len(f.archive),
		}
		if f.withDigest {
			asset["digest"] = "sha256:" + digestOf(f.archive)
		}
		payload := map[string]interface{}{
			"tag_name": f.tag,
			"body":     f.notes,
			"assets":   []interface{}{asset},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	})
	mux.HandleFunc("/download/", func(w http.ResponseWriter, r *http.Request) {
		if f.gate != nil {
			<-f.gate
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(f.archive)
	})
	return mux
}

func newTestUpdater(t *testing.T, handler http.Handler, installDir string, mutate func(*config.Config)) *Updater {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	cfg := &config.Config{
		FeedURL:    server.URL,
		AppName:    "LedgerDesk",
		InstallDir: installDir,
	}
	if mutate != nil {
		mutate(cfg)
	}
	require.NoError(t, cfg.Validate())

	log := zerolog.Nop()
	u, err := New(cfg, &gracenet.Net{}, nil, &log)
	require.NoError(t, err)
	t.Cleanup(u.Cleanup)
	return u
}

func seedInstall(t *testing.T, installDir, version string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(installDir, "ledgerdesk"), []byte("binary "+version), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(installDir, manifest.VersionFileName), []byte(version), 0o644))
}

func tenFiles(version string) map[string]string {
	files := map[string]string{"ledgerdesk": "binary " + version}
	for i := 0; i < 9; i++ {
		files[fmt.Sprintf("assets/file-%d.txt", i)] = version
	}
	return files
}

func TestEndToEndUpdate(t *testing.T) {
	installDir := t.TempDir()
	seedInstall(t, installDir, "2.5.0")

	feed := &testFeed{
		tag:        "v2.6.0",
		assetName:  "LedgerDesk-v2.6.0-update.zip",
		notes:      "bug fixes and faster reports",
		archive:    buildArchive(t, tenFiles("2.6.0")),
		withDigest: true,
	}
	u := newTestUpdater(t, feed.handler(), installDir, nil)

	assert.Equal(t, "2.5.0", u.CurrentVersion())

	rel, err := u.Check(context.Background())
	require.NoError(t, err)
	require.NotNil(t, rel)
	assert.Equal(t, "2.6.0", rel.Version)
	assert.Equal(t, UpdateAvailable, u.State())

	require.NoError(t, u.DownloadAndInstall(context.Background()))
	assert.Equal(t, Completed, u.State())
	assert.Equal(t, "2.6.0", u.CurrentVersion())

	// all ten files landed
	binary, err := os.ReadFile(filepath.Join(installDir, "ledgerdesk"))
	require.NoError(t, err)
	assert.Equal(t, "binary 2.6.0", string(binary))
	for i := 0; i < 9; i++ {
		_, err := os.Stat(filepath.Join(installDir, "assets", fmt.Sprintf("file-%d.txt", i)))
		assert.NoError(t, err)
	}

	// version was recorded
	log := zerolog.Nop()
	recorded, err := manifest.NewRecorder(installDir, &log).Read()
	require.NoError(t, err)
	assert.Equal(t, "2.6.0", recorded.Version)
	assert.Equal(t, 10, recorded.Succeeded)

	// a quick backup of the old install exists
	backups, err := os.ReadDir(filepath.Join(installDir, "backup"))
	require.NoError(t, err)
	require.Len(t, backups, 1)
	old, err := os.ReadFile(filepath.Join(installDir, "backup", backups[0].Name(), "ledgerdesk"))
	require.NoError(t, err)
	assert.Equal(t, "binary 2.5.0", string(old))
}

func TestCheckBothEndpointsUnreachable(t *testing.T) {
	installDir := t.TempDir()
	seedInstall(t, installDir, "2.5.0")

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	u := newTestUpdater(t, mux, installDir, nil)

	rel, err := u.Check(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rel)
	assert.Equal(t, Idle, u.State())

	// nothing was downloaded, backed up or installed
	entries, err := os.ReadDir(u.TempDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
	_, statErr := os.Stat(filepath.Join(installDir, "backup"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestCheckUpToDate(t *testing.T) {
	installDir := t.TempDir()
	seedInstall(t, installDir, "2.6.0")

	feed := &testFeed{tag: "v2.6.0", assetName: "update.zip", archive: []byte("x"), withDigest: true}
	u := newTestUpdater(t, feed.handler(), installDir, nil)

	rel, err := u.Check(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rel)
	assert.Equal(t, Idle, u.State())
}

func TestCheckUnparseableRemoteVersionFailsClosed(t *testing.T) {
	installDir := t.TempDir()
	seedInstall(t, installDir, "2.5.0")

	feed := &testFeed{tag: "nightly-build", assetName: "update.zip", archive: []byte("x"), withDigest: true}
	u := newTestUpdater(t, feed.handler(), installDir, nil)

	rel, err := u.Check(context.Background())
	require.NoError(t, err)
	assert.Nil(t, rel)
	assert.Equal(t, Idle, u.State())
}

func TestDownloadAndInstallWithoutCheck(t *testing.T) {
	installDir := t.TempDir()
	feed := &testFeed{tag: "v2.6.0", assetName: "update.zip", archive: []byte("x"), withDigest: true}
	u := newTestUpdater(t, feed.handler(), installDir, nil)

	assert.ErrorIs(t, u.DownloadAndInstall(context.Background()), ErrNoUpdateAvailable)
}

func TestSecondDownloadRejectedWhileInFlight(t *testing.T) {
	installDir := t.TempDir()
	seedInstall(t, installDir, "2.5.0")

	feed := &testFeed{
		tag:        "v2.6.0",
		assetName:  "LedgerDesk-v2.6.0-update.zip",
		archive:    buildArchive(t, tenFiles("2.6.0")),
		withDigest: true,
		gate:       make(chan struct{}),
	}
	u := newTestUpdater(t, feed.handler(), installDir, nil)

	_, err := u.Check(context.Background())
	require.NoError(t, err)

	firstDone := make(chan error)
	go func() {
		firstDone <- u.DownloadAndInstall(context.Background())
	}()

	require.Eventually(t, func() bool {
		return u.State() == Downloading
	}, 2*time.Second, 10*time.Millisecond)

	// second entry call is rejected immediately, first transfer untouched
	assert.ErrorIs(t, u.DownloadAndInstall(context.Background()), ErrUpdateInProgress)
	assert.Equal(t, Downloading, u.State())

	close(feed.gate)
	require.NoError(t, <-firstDone)
	assert.Equal(t, Completed, u.State())
}

func TestChecksumMismatchDeletesDownload(t *testing.T) {
	installDir := t.TempDir()
	seedInstall(t, installDir, "2.5.0")

	archive := buildArchive(t, tenFiles("2.6.0"))
	mux := http.NewServeMux()
	mux.HandleFunc("/releases/latest", func(w http.ResponseWriter, r *http.Request) {
		payload := map[string]interface{}{
			"tag_name": "v2.6.0",
			"assets": []interface{}{map[string]interface{}{
				"name":                 "LedgerDesk-v2.6.0-update.zip",
				"browser_download_url": fmt.Sprintf("http://%s/download/update.zip", r.Host),
				"size":                 len(archive),
				"digest":               "sha256:" + digestOf([]byte("something else")),
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(payload)
	})
	mux.HandleFunc("/download/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(archive)
	})
	u := newTestUpdater(t, mux, installDir, nil)

	_, err := u.Check(context.Background())
	require.NoError(t, err)
	require.Error(t, u.DownloadAndInstall(context.Background()))
	assert.Equal(t, Failed, u.State())

	// the corrupt file is gone and nothing was installed
	entries, err := os.ReadDir(u.TempDir())
	require.NoError(t, err)
	assert.Empty(t, entries)
	binary, err := os.ReadFile(filepath.Join(installDir, "ledgerdesk"))
	require.NoError(t, err)
	assert.Equal(t, "binary 2.5.0", string(binary))
}

func TestMissingChecksumFailsClosedByDefault(t *testing.T) {
	installDir := t.TempDir()
	seedInstall(t, installDir, "2.5.0")

	feed := &testFeed{
		tag:       "v2.6.0",
		assetName: "LedgerDesk-v2.6.0-update.zip",
		archive:   buildArchive(t, tenFiles("2.6.0")),
	}
	u := newTestUpdater(t, feed.handler(), installDir, nil)

	_, err := u.Check(context.Background())
	require.NoError(t, err)
	require.Error(t, u.DownloadAndInstall(context.Background()))
	assert.Equal(t, Failed, u.State())
}

func TestMissingChecksumAllowedWhenConfigured(t *testing.T) {
	installDir := t.TempDir()
	seedInstall(t, installDir, "2.5.0")

	feed := &testFeed{
		tag:       "v2.6.0",
		assetName: "LedgerDesk-v2.6.0-update.zip",
		archive:   buildArchive(t, tenFiles("2.6.0")),
	}
	u := newTestUpdater(t, feed.handler(), installDir, func(cfg *config.Config) {
		cfg.AllowUnverified = true
	})

	_, err := u.Check(context.Background())
	require.NoError(t, err)
	require.NoError(t, u.DownloadAndInstall(context.Background()))
	assert.Equal(t, Completed, u.State())
}

func TestPartialInstallWithinThreshold(t *testing.T) {
	installDir := t.TempDir()
	seedInstall(t, installDir, "2.5.0")
	// directories squatting on three target paths make those copies fail
	for i := 0; i < 3; i++ {
		require.NoError(t, os.MkdirAll(filepath.Join(installDir, "assets", fmt.Sprintf("file-%d.txt", i)), 0o755))
	}

	feed := &testFeed{
		tag:        "v2.6.0",
		assetName:  "LedgerDesk-v2.6.0-update.zip",
		archive:    buildArchive(t, tenFiles("2.6.0")),
		withDigest: true,
	}
	u := newTestUpdater(t, feed.handler(), installDir, nil)

	_, err := u.Check(context.Background())
	require.NoError(t, err)
	require.NoError(t, u.DownloadAndInstall(context.Background()), "3 of 10 failures stays below the threshold")
	assert.Equal(t, Completed, u.State())

	log := zerolog.Nop()
	recorded, err := manifest.NewRecorder(installDir, &log).Read()
	require.NoError(t, err)
	assert.Equal(t, 7, recorded.Succeeded)
	assert.Len(t, recorded.Failed, 3)
}

func TestPartialInstallAboveThresholdFails(t *testing.T) {
	installDir := t.TempDir()
	seedInstall(t, installDir, "2.5.0")
	for i := 0; i < 9; i++ {
		require.NoError(t, os.MkdirAll(filepath.Join(installDir, "assets", fmt.Sprintf("file-%d.txt", i)), 0o755))
	}

	feed := &testFeed{
		tag:        "v2.6.0",
		assetName:  "LedgerDesk-v2.6.0-update.zip",
		archive:    buildArchive(t, tenFiles("2.6.0")),
		withDigest: true,
	}
	u := newTestUpdater(t, feed.handler(), installDir, nil)

	_, err := u.Check(context.Background())
	require.NoError(t, err)
	require.Error(t, u.DownloadAndInstall(context.Background()))
	assert.Equal(t, Failed, u.State())
}

func TestRollbackRestoresBackup(t *testing.T) {
	installDir := t.TempDir()
	seedInstall(t, installDir, "2.5.0")

	feed := &testFeed{
		tag:        "v2.6.0",
		assetName:  "LedgerDesk-v2.6.0-update.zip",
		archive:    buildArchive(t, tenFiles("2.6.0")),
		withDigest: true,
	}
	u := newTestUpdater(t, feed.handler(), installDir, nil)

	_, err := u.Check(context.Background())
	require.NoError(t, err)
	require.NoError(t, u.DownloadAndInstall(context.Background()))

	require.NoError(t, u.Rollback())
	assert.Equal(t, RolledBack, u.State())

	binary, err := os.ReadFile(filepath.Join(installDir, "ledgerdesk"))
	require.NoError(t, err)
	assert.Equal(t, "binary 2.5.0", string(binary), "rollback restores the pre-update binary")
}

func TestRollbackWithoutBackup(t *testing.T) {
	installDir := t.TempDir()
	feed := &testFeed{tag: "v2.6.0", assetName: "update.zip", archive: []byte("x")}
	u := newTestUpdater(t, feed.handler(), installDir, nil)

	require.Error(t, u.Rollback())
	assert.NotEqual(t, RolledBack, u.State())
}

func TestCallbacksReceiveStatusAndProgress(t *testing.T) {
	installDir := t.TempDir()
	seedInstall(t, installDir, "2.5.0")

	feed := &testFeed{
		tag:        "v2.6.0",
		assetName:  "LedgerDesk-v2.6.0-update.zip",
		archive:    buildArchive(t, tenFiles("2.6.0")),
		withDigest: true,
	}
	u := newTestUpdater(t, feed.handler(), installDir, nil)

	var statuses []string
	var progressCalls int
	u.SetCallbacks(Callbacks{
		OnStatus:   func(message string) { statuses = append(statuses, message) },
		OnProgress: func(percent int, message string) { progressCalls++ },
	})

	_, err := u.Check(context.Background())
	require.NoError(t, err)
	require.NoError(t, u.DownloadAndInstall(context.Background()))

	assert.NotEmpty(t, statuses)
	assert.Contains(t, statuses, "checking for updates")
	assert.Contains(t, statuses, "update to 2.6.0 completed")
	assert.Greater(t, progressCalls, 0)
}

func TestArchiveName(t *testing.T) {
	rel := &release.Release{Version: "2.6.0", DownloadURL: "http://feed/download/LedgerDesk-v2.6.0-update.zip"}
	assert.Equal(t, "LedgerDesk-v2.6.0-update.zip", archiveName(rel, "LedgerDesk"))

	rel = &release.Release{Version: "2.6.0", DownloadURL: "http://feed/download/asset"}
	assert.Equal(t, "LedgerDesk-v2.6.0-update.zip", archiveName(rel, "LedgerDesk"))
}
