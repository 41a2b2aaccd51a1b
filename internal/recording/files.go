package recording

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// Files lays out one audio file per recording id in a directory
type Files struct {
	dir string
}

// NewFiles creates the recordings directory if needed
func NewFiles(dir string) (*Files, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recordings dir: %w", err)
	}
	return &Files{dir: dir}, nil
}

// Dir returns the recordings directory
func (f *Files) Dir() string {
	return f.dir
}

// AudioFileName returns the default audio file name for a recording id
func AudioFileName(id string) string {
	return id + ".wav"
}

// Path resolves a file name inside the recordings directory
func (f *Files) Path(fileName string) string {
	return filepath.Join(f.dir, filepath.Base(fileName))
}

// AudioPath returns the audio path for a recording id
func (f *Files) AudioPath(id string) string {
	return f.Path(AudioFileName(id))
}

// Size returns the size of a file in the recordings directory
func (f *Files) Size(fileName string) (int64, error) {
	info, err := os.Stat(f.Path(fileName))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// Exists reports whether a file exists in the recordings directory
func (f *Files) Exists(fileName string) bool {
	_, err := os.Stat(f.Path(fileName))
	return err == nil
}

// DeleteIfExists removes a file, treating a missing file as success
func (f *Files) DeleteIfExists(fileName string) error {
	err := os.Remove(f.Path(fileName))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", fileName, err)
	}
	return nil
}
