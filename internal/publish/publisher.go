// Package publish writes payloads to their final paths atomically: write to
// a temp file next to the destination, optionally fsync, then rename. A
// reader never observes a partially written file, and a failed write never
// leaves the destination corrupted.
package publish

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"readerforge/internal/canon"
	"readerforge/internal/logging"
)

// Options controls publication behavior.
type Options struct {
	Fsync  bool        // fsync the temp file before rename
	Verify bool        // re-read the final file and compare checksums
	Mode   os.FileMode // file mode for the final file; 0 means 0644
	Root   string      // when set, finalPath must resolve inside this directory
}

// Result describes a completed publication.
type Result struct {
	FilePath    string `json:"filePath"`
	Bytes       int    `json:"bytes"`
	ContentHash string `json:"contentHash"`
}

// Write publishes data to finalPath via <finalPath>.tmp.<requestID> + rename.
// On any error the temp file is unlinked and the error propagated. With
// Options.Root set, a finalPath that resolves outside the root is refused
// before anything touches the filesystem.
func Write(finalPath, requestID string, data []byte, opts Options) (Result, error) {
	log := logging.Get(logging.CategoryPublish)

	if opts.Root != "" {
		if err := checkRoot(finalPath, opts.Root); err != nil {
			return Result{}, err
		}
	}

	dir := filepath.Dir(finalPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return Result{}, fmt.Errorf("failed to ensure directory %s: %w", dir, err)
	}

	mode := opts.Mode
	if mode == 0 {
		mode = 0644
	}

	tmpPath := fmt.Sprintf("%s.tmp.%s", finalPath, requestID)
	f, err := os.OpenFile(tmpPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create temp file %s: %w", tmpPath, err)
	}

	cleanup := func(cause error) (Result, error) {
		f.Close()
		os.Remove(tmpPath)
		return Result{}, cause
	}

	if _, err := f.Write(data); err != nil {
		return cleanup(fmt.Errorf("failed to write temp file %s: %w", tmpPath, err))
	}
	if opts.Fsync {
		if err := f.Sync(); err != nil {
			return cleanup(fmt.Errorf("failed to fsync temp file %s: %w", tmpPath, err))
		}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return Result{}, fmt.Errorf("failed to close temp file %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return Result{}, fmt.Errorf("failed to rename %s -> %s: %w", tmpPath, finalPath, err)
	}

	hash := canon.HashBytes(data)

	if opts.Verify {
		written, err := os.ReadFile(finalPath)
		if err != nil {
			return Result{}, fmt.Errorf("failed to verify %s: %w", finalPath, err)
		}
		if got := canon.HashBytes(written); got != hash {
			return Result{}, fmt.Errorf("checksum mismatch after publish %s: wrote %s, read %s",
				finalPath, hash, got)
		}
	}

	log.Debug("published %s (%d bytes, %s)", finalPath, len(data), hash)
	return Result{FilePath: finalPath, Bytes: len(data), ContentHash: hash}, nil
}

// checkRoot rejects a final path whose cleaned absolute form escapes root.
func checkRoot(finalPath, root string) error {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("failed to resolve publish root %s: %w", root, err)
	}
	abs, err := filepath.Abs(finalPath)
	if err != nil {
		return fmt.Errorf("failed to resolve publish path %s: %w", finalPath, err)
	}
	if abs != absRoot && !strings.HasPrefix(abs, absRoot+string(os.PathSeparator)) {
		return fmt.Errorf("refusing to publish %s outside root %s", finalPath, root)
	}
	return nil
}
