// Package fs stores documents as one file per document, optionally versioned
// with git. Every commit of a unit of work becomes at most one git commit.
package fs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/aretw0/tilth/pkg/adapters/codec"
	"github.com/aretw0/tilth/pkg/core"
	"github.com/aretw0/tilth/pkg/git"
	"github.com/aretw0/tilth/pkg/mapping"
)

// Config holds the configuration for the filesystem repository.
type Config struct {
	Path      string
	AutoInit  bool
	Gitless   bool
	MustExist bool
	Logger    *slog.Logger
	SystemDir string // e.g. ".tilth"; ignored by git
	// Format is the file extension of written records: ".yaml" (default), ".yml" or ".json".
	Format string
	// Strict keeps numbers as json.Number when reading records back.
	Strict bool
	// Mapping resolves referenced and embedded types while encoding.
	Mapping mapping.Provider
}

// Repository is the root of a document tree: <Path>/<Type>/<id><Format>.
type Repository struct {
	Path       string
	git        *git.Client
	config     Config
	encoder    *codec.Encoder
	serializer Serializer

	// creating serializes identity allocation with the file it names.
	creating sync.Mutex

	mu      sync.Mutex
	staged  map[string]bool // relative path -> true when written, false when removed
	commits int
}

// NewRepository creates a filesystem-backed repository.
func NewRepository(config Config) (*Repository, error) {
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.SystemDir == "" {
		config.SystemDir = ".tilth"
	}
	if config.Format == "" {
		config.Format = ".yaml"
	}
	if config.Mapping == nil {
		return nil, errors.New("fs repository requires a mapping provider")
	}
	s, ok := DefaultSerializers(config.Strict)[config.Format]
	if !ok {
		return nil, fmt.Errorf("unsupported format %q", config.Format)
	}
	return &Repository{
		Path:       config.Path,
		git:        git.NewClient(config.Path, config.Logger),
		config:     config,
		encoder:    codec.New(config.Mapping),
		serializer: s,
		staged:     make(map[string]bool),
	}, nil
}

// Initialize prepares the directory and, unless gitless, the git repository.
func (r *Repository) Initialize(ctx context.Context) error {
	if r.config.MustExist {
		info, err := os.Stat(r.Path)
		if os.IsNotExist(err) {
			return fmt.Errorf("repository path does not exist: %s", r.Path)
		}
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("repository path is not a directory: %s", r.Path)
		}
	} else if err := os.MkdirAll(r.Path, 0o755); err != nil {
		return fmt.Errorf("failed to create repository directory: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(r.Path, r.config.SystemDir), 0o755); err != nil {
		return fmt.Errorf("failed to create system directory: %w", err)
	}

	if r.config.Gitless {
		return nil
	}
	if !git.IsInstalled() {
		return errors.New("git is not installed")
	}

	wasNewRepo := false
	if !r.git.IsRepo(ctx) {
		if !r.config.AutoInit {
			return fmt.Errorf("path is not a git repository: %s", r.Path)
		}
		if err := r.git.Init(ctx); err != nil {
			return fmt.Errorf("failed to git init: %w", err)
		}
		wasNewRepo = true
	}

	mod, err := r.ensureIgnore()
	if err != nil {
		return fmt.Errorf("failed to ensure .gitignore: %w", err)
	}
	if mod && wasNewRepo {
		if err := r.git.Add(ctx, ".gitignore"); err != nil {
			return fmt.Errorf("failed to add .gitignore: %w", err)
		}
		if err := r.git.Commit(ctx, git.Message{Reason: "chore: ignore " + r.config.SystemDir, Added: []string{".gitignore"}}.String()); err != nil {
			return fmt.Errorf("failed to commit .gitignore: %w", err)
		}
	}
	return nil
}

// ensureIgnore adds the system directory and the lock file to .gitignore.
func (r *Repository) ensureIgnore() (bool, error) {
	ignorePath := filepath.Join(r.Path, ".gitignore")
	content, err := os.ReadFile(ignorePath)
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}

	present := make(map[string]bool)
	for _, line := range strings.Split(string(content), "\n") {
		present[strings.TrimSpace(line)] = true
	}
	var missing []string
	for _, entry := range []string{r.config.SystemDir + "/", git.LockFile} {
		if !present[entry] {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return false, nil
	}

	f, err := os.OpenFile(ignorePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return false, err
	}
	defer f.Close()

	if len(content) > 0 && !strings.HasSuffix(string(content), "\n") {
		if _, err := f.WriteString("\n"); err != nil {
			return false, err
		}
	}
	if _, err := f.WriteString(strings.Join(missing, "\n") + "\n"); err != nil {
		return false, err
	}
	return true, nil
}

// Persister returns the persister of one document type.
func (r *Repository) Persister(meta *mapping.ClassMetadata) *Persister {
	return &Persister{repo: r, meta: meta}
}

// Factory creates persisters on demand; it fits uow.NewPersisters.
func (r *Repository) Factory() func(meta *mapping.ClassMetadata) (core.Persister, error) {
	return func(meta *mapping.ClassMetadata) (core.Persister, error) {
		if err := os.MkdirAll(filepath.Join(r.Path, meta.Name), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", meta.Name, err)
		}
		return r.Persister(meta), nil
	}
}

// relPath returns the path of a record relative to the repository root.
func (r *Repository) relPath(typeName string, id any) (string, error) {
	name := fmt.Sprintf("%v", id)
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return "", fmt.Errorf("identity %q cannot be used as a file name", name)
	}
	return filepath.ToSlash(filepath.Join(typeName, name+r.config.Format)), nil
}

// Read returns the stored record of (typeName, id).
func (r *Repository) Read(typeName string, id any) (codec.Record, error) {
	rel, err := r.relPath(typeName, id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(r.Path, rel))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%s %v: %w", typeName, id, core.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rec, err := r.serializer.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", rel, err)
	}
	return rec, nil
}

// IDs lists the stored identities of typeName, sorted.
func (r *Repository) IDs(typeName string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(r.Path, typeName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() || isTempFile(e.Name()) || filepath.Ext(e.Name()) != r.config.Format {
			continue
		}
		ids = append(ids, strings.TrimSuffix(e.Name(), r.config.Format))
	}
	sort.Strings(ids)
	return ids, nil
}

// write replaces the record at rel, or creates it when create is set.
func (r *Repository) write(rel string, rec codec.Record, create bool) error {
	data, err := r.serializer.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize %s: %w", rel, err)
	}
	path := filepath.Join(r.Path, rel)
	if create {
		err = createFile(path, data)
	} else {
		err = replaceFile(path, data)
	}
	if err != nil {
		return err
	}
	r.stage(rel, true)
	return nil
}

func (r *Repository) stage(rel string, written bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.staged[rel] = written
}

// flush commits every staged path in one git commit.
func (r *Repository) flush(ctx context.Context, reason string) error {
	if r.config.Gitless {
		r.mu.Lock()
		r.staged = make(map[string]bool)
		r.mu.Unlock()
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.staged) == 0 {
		return nil
	}

	unlock, err := r.git.Lock(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire git lock: %w", err)
	}
	defer unlock()

	var toAdd, toRm []string
	for rel, written := range r.staged {
		if written {
			toAdd = append(toAdd, rel)
		} else {
			toRm = append(toRm, rel)
		}
	}
	sort.Strings(toAdd)
	sort.Strings(toRm)

	if err := r.git.Add(ctx, toAdd...); err != nil {
		return fmt.Errorf("failed to git add: %w", err)
	}
	if err := r.git.Rm(ctx, toRm...); err != nil {
		return fmt.Errorf("failed to git rm: %w", err)
	}
	if err := r.git.Commit(ctx, git.Message{Reason: reason, Added: toAdd, Removed: toRm}.String()); err != nil {
		return fmt.Errorf("failed to git commit: %w", err)
	}
	r.config.Logger.Debug("fs repository committed", "added", len(toAdd), "removed", len(toRm), "reason", reason)
	r.staged = make(map[string]bool)
	r.commits++
	return nil
}
