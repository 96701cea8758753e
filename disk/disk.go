// Package disk persists extracted attachments to the local filesystem.
package disk

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Saver writes attachment bytes below a base directory, grouped by formatted
// reception date and mail hash. Writes are idempotent: the filename is
// content-addressed, so an existing file at the same path is overwritten
// with identical bytes.
type Saver struct {
	baseDir string
}

// NewSaver creates a saver rooted at baseDir. The directory itself is
// created lazily on first write.
func NewSaver(baseDir string) (*Saver, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, fmt.Errorf("save directory is empty")
	}
	return &Saver{baseDir: filepath.Clean(baseDir)}, nil
}

// Save writes content to {baseDir}/{dateFormatted}/{mailHash}/{filename},
// creating the directory chain as needed, and returns the written path.
func (s *Saver) Save(dateFormatted, mailHash, filename string, content []byte) (string, error) {
	dir := filepath.Join(s.baseDir, dateFormatted, mailHash)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create attachments directory %s: %w", dir, err)
	}

	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("write attachment %s: %w", path, err)
	}

	return path, nil
}
