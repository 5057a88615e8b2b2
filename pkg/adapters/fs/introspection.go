package fs

import (
	"github.com/aretw0/introspection"
)

// RepositoryState exposes internal state for observability.
type RepositoryState struct {
	Path      string `json:"path"`
	SystemDir string `json:"system_dir"`
	Format    string `json:"format"`
	Gitless   bool   `json:"gitless"`
	Strict    bool   `json:"strict"`
	Staged    int    `json:"staged"`
	Commits   int    `json:"commits"`
}

// State implements introspection.Introspectable.
func (r *Repository) State() any {
	r.mu.Lock()
	defer r.mu.Unlock()

	return RepositoryState{
		Path:      r.Path,
		SystemDir: r.config.SystemDir,
		Format:    r.config.Format,
		Gitless:   r.config.Gitless,
		Strict:    r.config.Strict,
		Staged:    len(r.staged),
		Commits:   r.commits,
	}
}

// ComponentType implements introspection.Component.
func (r *Repository) ComponentType() string {
	return "fs_repository"
}

var _ introspection.Introspectable = (*Repository)(nil)
var _ introspection.Component = (*Repository)(nil)
