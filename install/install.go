// Package install extracts a downloaded update archive into a staging
// directory and applies the staged tree onto the install directory.
package install

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	extractProgressEvery = 10
	applyProgressEvery   = 5
)

// Result is the aggregate outcome of an apply pass. The walk always runs to
// completion; per-file failures are collected here and the caller decides
// whether the pass counts as a success.
type Result struct {
	Succeeded   int
	FailedPaths []string
}

// Total is the number of files the apply pass attempted.
func (r Result) Total() int {
	return r.Succeeded + len(r.FailedPaths)
}

// FailureRatio is failed/total, 0 for an empty pass.
func (r Result) FailureRatio() float64 {
	total := r.Total()
	if total == 0 {
		return 0
	}
	return float64(len(r.FailedPaths)) / float64(total)
}

// Installer applies staged update trees onto the install directory.
type Installer struct {
	installDir string
	log        *zerolog.Logger
}

func NewInstaller(installDir string, log *zerolog.Logger) *Installer {
	return &Installer{installDir: installDir, log: log}
}

// Extract unpacks every entry of the zip at archivePath into stagingDir,
// reporting progress roughly every ten entries. Entries that would escape
// the staging directory are rejected. Archive-level problems abort the
// extraction.
func (i *Installer) Extract(archivePath, stagingDir string, onProgress func(percent int, message string)) error {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return errors.Wrapf(err, "opening update archive %s", archivePath)
	}
	defer reader.Close()

	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return errors.Wrapf(err, "creating staging directory %s", stagingDir)
	}

	total := len(reader.File)
	for idx, entry := range reader.File {
		rel := filepath.Clean(entry.Name)
		if rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) || filepath.IsAbs(rel) {
			i.log.Warn().Str("entry", entry.Name).Msg("archive entry escapes staging directory, skipping")
			continue
		}
		target := filepath.Join(stagingDir, rel)

		if entry.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return errors.Wrapf(err, "creating directory %s", target)
			}
			continue
		}

		if err := extractFile(entry, target); err != nil {
			return errors.Wrapf(err, "extracting %s", entry.Name)
		}

		if onProgress != nil && (idx+1)%extractProgressEvery == 0 {
			percent := (idx + 1) * 100 / total
			onProgress(percent, fmt.Sprintf("extracted %d/%d entries", idx+1, total))
		}
	}

	if onProgress != nil {
		onProgress(100, fmt.Sprintf("extracted %d/%d entries", total, total))
	}
	return nil
}

// Apply walks the staging tree and copies every file into the install
// directory, overwriting what is there. Per-file failures are recorded in
// the Result and never abort the walk; the returned error is only non-nil
// when the walk itself cannot proceed.
func (i *Installer) Apply(stagingDir string, onProgress func(percent int, message string)) (Result, error) {
	var result Result

	total := countFiles(stagingDir)
	processed := 0

	err := filepath.Walk(stagingDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(stagingDir, path)
		if err != nil {
			return err
		}
		target := filepath.Join(i.installDir, rel)

		if copyErr := copyOver(path, target); copyErr != nil {
			i.log.Error().Err(copyErr).Str("file", rel).Msg("failed to install file")
			result.FailedPaths = append(result.FailedPaths, rel)
		} else {
			result.Succeeded++
		}

		processed++
		if onProgress != nil && processed%applyProgressEvery == 0 && total > 0 {
			onProgress(processed*100/total, fmt.Sprintf("installed %d/%d files", processed, total))
		}
		return nil
	})
	if err != nil {
		return result, errors.Wrapf(err, "walking staged tree %s", stagingDir)
	}

	if onProgress != nil && total > 0 {
		onProgress(100, fmt.Sprintf("installed %d/%d files", processed, total))
	}

	i.log.Info().
		Int("succeeded", result.Succeeded).
		Int("failed", len(result.FailedPaths)).
		Msg("apply pass finished")
	return result, nil
}

func extractFile(entry *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}

	rc, err := entry.Open()
	if err != nil {
		return err
	}
	defer rc.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, entry.Mode())
	if err != nil {
		return err
	}

	_, err = io.Copy(out, rc)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

func copyOver(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	_, err = io.Copy(out, in)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	return err
}

func countFiles(root string) int {
	count := 0
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() {
			count++
		}
		return nil
	})
	return count
}
