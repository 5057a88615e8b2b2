// Package git runs the git CLI on behalf of the filesystem persister.
package git

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// LockFile is created in the working directory while a client holds the lock.
const LockFile = ".tilth.lock"

// lockRetry is the polling interval while waiting for the lock.
const lockRetry = 10 * time.Millisecond

// Client runs git commands in one working tree. Writers across processes
// serialize through a lock file.
type Client struct {
	WorkDir  string
	Logger   *slog.Logger
	lockPath string
}

// NewClient creates a client for workDir. A nil logger disables tracing.
func NewClient(workDir string, logger *slog.Logger) *Client {
	return &Client{
		WorkDir:  workDir,
		Logger:   logger,
		lockPath: filepath.Join(workDir, LockFile),
	}
}

// IsInstalled reports whether a git binary is on PATH.
func IsInstalled() bool {
	_, err := exec.LookPath("git")
	return err == nil
}

// Lock blocks until the lock file is created or ctx is done. The returned
// function releases the lock.
func (c *Client) Lock(ctx context.Context) (func(), error) {
	for {
		f, err := os.OpenFile(c.lockPath, os.O_CREATE|os.O_EXCL, 0o666)
		if err == nil {
			f.Close()
			return func() { os.Remove(c.lockPath) }, nil
		}
		if !errors.Is(err, os.ErrExist) {
			return nil, fmt.Errorf("failed to acquire lock: %w", err)
		}

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("failed to acquire lock %s: %w", c.lockPath, ctx.Err())
		case <-time.After(lockRetry):
		}
	}
}

// Run executes git with args in the working directory. It does not take the
// lock; writers call Lock first.
func (c *Client) Run(ctx context.Context, args ...string) (string, error) {
	if c.Logger != nil {
		c.Logger.Debug("executing git", "args", args, "dir", c.WorkDir)
	}

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = c.WorkDir
	out, err := cmd.CombinedOutput()
	output := strings.TrimSpace(string(out))
	if err != nil {
		return output, fmt.Errorf("git %s failed: %w\nOutput: %s", args[0], err, output)
	}
	return output, nil
}

// IsRepo reports whether the working directory is inside a git work tree.
func (c *Client) IsRepo(ctx context.Context) bool {
	out, err := c.Run(ctx, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// Init creates a repository. Re-running it on an existing one is harmless.
func (c *Client) Init(ctx context.Context) error {
	_, err := c.Run(ctx, "init")
	return err
}

// Add stages files.
func (c *Client) Add(ctx context.Context, files ...string) error {
	if len(files) == 0 {
		return nil
	}
	_, err := c.Run(ctx, append([]string{"add", "--"}, files...)...)
	return err
}

// Rm stages the removal of files that are already gone from the work tree.
func (c *Client) Rm(ctx context.Context, files ...string) error {
	if len(files) == 0 {
		return nil
	}
	_, err := c.Run(ctx, append([]string{"rm", "--cached", "--ignore-unmatch", "-q", "--"}, files...)...)
	return err
}

// HasStaged reports whether the index differs from HEAD.
func (c *Client) HasStaged(ctx context.Context) (bool, error) {
	out, err := c.Run(ctx, "status", "--porcelain", "--untracked-files=no")
	if err != nil {
		return false, err
	}
	return out != "", nil
}

// Commit records the staged changes. An empty index is not an error.
func (c *Client) Commit(ctx context.Context, msg string) error {
	staged, err := c.HasStaged(ctx)
	if err != nil {
		return err
	}
	if !staged {
		return nil
	}
	_, err = c.Run(ctx, "commit", "-q", "-m", msg)
	return err
}

// Log returns the subjects of the last n commits, newest first.
func (c *Client) Log(ctx context.Context, n int) ([]string, error) {
	out, err := c.Run(ctx, "log", fmt.Sprintf("-%d", n), "--format=%s")
	if err != nil {
		return nil, err
	}
	if out == "" {
		return nil, nil
	}
	return strings.Split(out, "\n"), nil
}
