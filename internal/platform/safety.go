package platform

import (
	"os"
	"path/filepath"
	"strings"
)

// devDir is the namespace of sandboxed stores below os.TempDir.
const devDir = "tilth-dev"

// IsDevRun reports whether the process was started by `go run` or `go test`,
// which build their binaries in temporary directories.
func IsDevRun() bool {
	exe, err := os.Executable()
	if err != nil {
		return false
	}
	if strings.HasPrefix(strings.ToLower(exe), strings.ToLower(os.TempDir())) {
		return true
	}
	return strings.HasSuffix(exe, ".test") || strings.HasSuffix(exe, ".test.exe")
}

// ResolvePath returns where a file-based store really lives. With sandbox set,
// paths outside the system temp directory are re-rooted below
// <tmp>/tilth-dev/<base name> so development runs never touch real data.
func ResolvePath(userPath string, sandbox bool) string {
	if !sandbox {
		if userPath == "" {
			return "."
		}
		return userPath
	}

	clean := filepath.Clean(userPath)
	if rel, err := filepath.Rel(os.TempDir(), clean); err == nil && !strings.HasPrefix(rel, "..") && filepath.IsAbs(clean) {
		return clean
	}

	name := filepath.Base(clean)
	if userPath == "" || name == "." || name == string(os.PathSeparator) {
		name = "default"
	}
	return filepath.Join(os.TempDir(), devDir, name)
}
