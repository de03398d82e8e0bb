package download

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDownloader() *Downloader {
	log := zerolog.Nop()
	return New(10*time.Second, "ledgerdesk-update/test", &log)
}

func TestDownloadStreamsToFile(t *testing.T) {
	payload := bytes.Repeat([]byte("ledger"), 10*1024) // ~60 KB, several chunks

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		_, _ = w.Write(payload)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "update.zip")

	var lastPercent int
	var messages []string
	path, err := newDownloader().Download(context.Background(), server.URL, 0, dest, func(percent int, message string) {
		require.GreaterOrEqual(t, percent, lastPercent, "progress must be monotonic")
		lastPercent = percent
		messages = append(messages, message)
	})
	require.NoError(t, err)
	assert.Equal(t, dest, path)
	assert.Equal(t, 100, lastPercent)
	assert.NotEmpty(t, messages)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestDownloadUsesExpectedSizeWhenNoContentLength(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 16*1024)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		flusher := w.(http.Flusher)
		// chunked transfer: no Content-Length header
		_, _ = w.Write(payload[:8*1024])
		flusher.Flush()
		_, _ = w.Write(payload[8*1024:])
	}))
	defer server.Close()

	var sawProgress bool
	dest := filepath.Join(t.TempDir(), "update.zip")
	_, err := newDownloader().Download(context.Background(), server.URL, int64(len(payload)), dest, func(percent int, message string) {
		sawProgress = true
	})
	require.NoError(t, err)
	assert.True(t, sawProgress)
}

func TestDownloadNon200Fails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "update.zip")
	_, err := newDownloader().Download(context.Background(), server.URL, 0, dest, nil)
	require.Error(t, err)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr), "no partial file may remain")
}

func TestDownloadEmptyBodyFails(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "update.zip")
	_, err := newDownloader().Download(context.Background(), server.URL, 0, dest, nil)
	require.Error(t, err)

	_, statErr := os.Stat(dest)
	assert.True(t, os.IsNotExist(statErr))
}

func TestDownloadHonorsContextCancellation(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer server.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	dest := filepath.Join(t.TempDir(), "update.zip")
	_, err := newDownloader().Download(ctx, server.URL, 0, dest, nil)
	require.Error(t, err)
}
