// Package kvfile stores small text records as individual files in one directory.
package kvfile

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Dir is a directory of key-value text records. Each key is one file, so a torn
// write only ever affects the record being written.
type Dir struct {
	path string
}

// New returns a Dir rooted at path, creating it if needed.
func New(path string) (*Dir, error) {
	if err := os.MkdirAll(path, 0750); err != nil {
		return nil, fmt.Errorf("create data dir %s: %w", path, err)
	}
	return &Dir{path: path}, nil
}

// Path returns the directory holding the records.
func (d *Dir) Path() string {
	return d.path
}

func (d *Dir) file(key string) (string, error) {
	if key == "" || strings.ContainsAny(key, `/\`) || key == "." || key == ".." {
		return "", fmt.Errorf("invalid record key %q", key)
	}
	return filepath.Join(d.path, key), nil
}

// Read returns the content of the record stored under key.
func (d *Dir) Read(key string) (string, error) {
	name, err := d.file(key)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", key, err)
	}
	return string(data), nil
}

// Write replaces the record stored under key. The value is written to a temporary
// file and renamed into place.
func (d *Dir) Write(key, value string) error {
	name, err := d.file(key)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(d.path, "."+key+".*")
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.WriteString(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", key, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", key, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", key, err)
	}
	if err := os.Rename(tmpName, name); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", key, err)
	}
	return nil
}
