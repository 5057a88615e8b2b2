package platform

import (
	"errors"
	"os"
	"path/filepath"
)

// ErrRootNotFound is returned by FindRoot when no marker exists up to the
// filesystem root.
var ErrRootNotFound = errors.New("root not found")

// rootMarkers identify the root of a tilth project.
var rootMarkers = []string{".tilth", ".git", "tilth.yaml"}

// FindRoot walks upwards from startDir and returns the first directory holding
// a .tilth directory, a .git directory or a tilth.yaml file.
func FindRoot(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", err
	}
	for {
		for _, marker := range rootMarkers {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir, nil
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", ErrRootNotFound
		}
		dir = parent
	}
}
