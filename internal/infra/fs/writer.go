// Package fs saves finished artifacts to local disk.
package fs

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"
)

// ErrUnsafeName is returned for filenames that would escape the output dir.
var ErrUnsafeName = errors.New("unsafe artifact filename")

// Writer saves artifacts into Dir.
type Writer struct {
	Dir string
	Log *slog.Logger
}

// NewWriter creates a Writer for dir, creating it if needed.
func NewWriter(dir string, log *slog.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create output directory: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Writer{Dir: dir, Log: log}, nil
}

// SafeName reduces a backend-supplied filename to a plain base name.
func SafeName(name string) (string, error) {
	name = strings.TrimSpace(strings.ReplaceAll(name, "\\", "/"))
	base := filepath.Base(name)
	if base == "." || base == ".." || base == "/" || base == "" {
		return "", fmt.Errorf("%w: %q", ErrUnsafeName, name)
	}
	return base, nil
}

// Save writes data to Dir/name atomically: readers see either the previous
// file or the complete new one.
func (w *Writer) Save(name string, data []byte) (string, error) {
	base, err := SafeName(name)
	if err != nil {
		return "", err
	}
	path := filepath.Join(w.Dir, base)

	pendingFile, err := renameio.NewPendingFile(path, renameio.WithPermissions(0o644))
	if err != nil {
		return "", fmt.Errorf("create pending artifact file: %w", err)
	}
	defer func() {
		if err := pendingFile.Cleanup(); err != nil {
			w.Log.Debug("cleanup pending artifact file", "error", err)
		}
	}()

	if _, err := pendingFile.Write(data); err != nil {
		return "", fmt.Errorf("write artifact data: %w", err)
	}

	if err := pendingFile.CloseAtomicallyReplace(); err != nil {
		return "", fmt.Errorf("atomically replace artifact file: %w", err)
	}

	w.Log.Info("Artifact saved", "path", path, "size", len(data))
	return path, nil
}
