// Package download streams a release asset to local disk, emitting progress
// as chunks arrive.
package download

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	// DefaultTimeout bounds the whole transfer, not individual reads.
	DefaultTimeout = 300 * time.Second

	chunkSize = 8 * 1024
)

// Downloader fetches update archives over HTTP.
type Downloader struct {
	httpClient *http.Client
	userAgent  string
	log        *zerolog.Logger
}

// New builds a Downloader. timeout <= 0 selects DefaultTimeout.
func New(timeout time.Duration, userAgent string, log *zerolog.Logger) *Downloader {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Downloader{
		httpClient: &http.Client{Timeout: timeout},
		userAgent:  userAgent,
		log:        log,
	}
}

// Download streams url into destPath in 8 KiB chunks. expectedSize is the
// asset size advertised by the feed and is only used for progress reporting
// when the response carries no Content-Length. onProgress may be nil.
// The destination is guaranteed to exist and be non-empty on success; on any
// failure the partial file is removed and no integrity checking has happened.
func (d *Downloader) Download(ctx context.Context, url string, expectedSize int64, destPath string, onProgress func(percent int, message string)) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", errors.Wrap(err, "building download request")
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "downloading update")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Errorf("download failed with status %d", resp.StatusCode)
	}

	total := resp.ContentLength
	if total <= 0 {
		total = expectedSize
	}

	out, err := os.Create(destPath)
	if err != nil {
		return "", errors.Wrapf(err, "creating download file %s", destPath)
	}

	written, err := d.copyChunks(out, resp.Body, total, onProgress)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(destPath)
		return "", errors.Wrap(err, "streaming update to disk")
	}

	if written == 0 {
		os.Remove(destPath)
		return "", errors.New("downloaded file is empty")
	}

	d.log.Info().Str("path", destPath).Int64("bytes", written).Msg("download complete")
	return destPath, nil
}

func (d *Downloader) copyChunks(dst io.Writer, src io.Reader, total int64, onProgress func(percent int, message string)) (int64, error) {
	buf := make([]byte, chunkSize)
	var written int64

	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, err
			}
			written += int64(n)
			if onProgress != nil && total > 0 {
				percent := int(written * 100 / total)
				if percent > 100 {
					percent = 100
				}
				onProgress(percent, progressMessage(written, total))
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

func progressMessage(written, total int64) string {
	return fmt.Sprintf("downloaded %d/%d KB", written/1024, total/1024)
}
