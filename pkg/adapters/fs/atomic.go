package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/aretw0/tilth/pkg/core"
)

const (
	// TempFilePrefix marks files still being written; listings skip them.
	TempFilePrefix = "tilth-tmp-"

	filePerm = 0o644
	dirPerm  = 0o755
)

// replaceFile writes data next to path and renames it into place, so readers
// see either the old record or the new one. Missing parents are created.
func replaceFile(path string, data []byte) error {
	name, err := writeTemp(filepath.Dir(path), data)
	if err != nil {
		return err
	}
	defer os.Remove(name)
	if err := os.Rename(name, path); err != nil {
		return fmt.Errorf("failed to move record into %s: %w", path, err)
	}
	return nil
}

// createFile is replaceFile for a record that must not exist yet: an existing
// file at path is core.ErrDuplicateID and is left untouched.
func createFile(path string, data []byte) error {
	name, err := writeTemp(filepath.Dir(path), data)
	if err != nil {
		return err
	}
	defer os.Remove(name)
	if err := os.Link(name, path); err != nil {
		if os.IsExist(err) {
			return core.ErrDuplicateID
		}
		return fmt.Errorf("failed to create record %s: %w", path, err)
	}
	return nil
}

// writeTemp writes data to a new temp file in dir and returns its name.
func writeTemp(dir string, data []byte) (string, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return "", fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, TempFilePrefix+"*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	name := tmp.Name()

	_, err = tmp.Write(data)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(name, filePerm)
	}
	if err != nil {
		os.Remove(name)
		return "", fmt.Errorf("failed to write temp file: %w", err)
	}
	return name, nil
}

// removeFile deletes the record at path; a missing file is core.ErrNotFound.
func removeFile(path string) error {
	err := os.Remove(path)
	if os.IsNotExist(err) {
		return core.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to delete %s: %w", path, err)
	}
	return nil
}

func isTempFile(name string) bool {
	return strings.HasPrefix(name, TempFilePrefix)
}
