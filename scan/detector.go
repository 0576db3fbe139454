package scan

import (
	"fmt"
	"path/filepath"

	"github.com/go-git/go-git/v5"
	log "github.com/sirupsen/logrus"
)

// ChangeDetector decides whether a source document has uncommitted changes.
type ChangeDetector interface {
	Modified(path string) bool
}

// AllModified treats every document as changed.
type AllModified struct{}

// Modified always returns true.
func (AllModified) Modified(string) bool { return true }

// GitDetector reports files that show up in the working tree status of a git
// repository: staged, unstaged and untracked alike. The status is read once,
// when the detector is created.
type GitDetector struct {
	root     string
	modified map[string]bool
}

// NewGitDetector opens the repository containing dir and snapshots its status.
func NewGitDetector(dir string) (*GitDetector, error) {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return nil, fmt.Errorf("opening git repository at %s: %w", dir, err)
	}
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("opening worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("reading git status: %w", err)
	}

	root := absClean(wt.Filesystem.Root())
	modified := make(map[string]bool, len(status))
	for path, st := range status {
		if st.Staging == git.Unmodified && st.Worktree == git.Unmodified {
			continue
		}
		modified[filepath.Join(root, filepath.FromSlash(path))] = true
	}

	return &GitDetector{root: root, modified: modified}, nil
}

// Modified reports whether path has uncommitted changes.
func (g *GitDetector) Modified(path string) bool {
	return g.modified[absClean(path)]
}

// Count returns the number of changed files in the repository.
func (g *GitDetector) Count() int {
	return len(g.modified)
}

// NewChangeDetector returns a GitDetector for dir, or AllModified when the
// git status cannot be read.
func NewChangeDetector(dir string, logger log.FieldLogger) ChangeDetector {
	if logger == nil {
		logger = log.StandardLogger()
	}
	g, err := NewGitDetector(dir)
	if err != nil {
		logger.WithError(err).Warn("Could not check git status, translating all files")
		return AllModified{}
	}
	logger.Debugf("git status: %d changed files under %s", g.Count(), g.root)
	return g
}

func absClean(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	return filepath.Clean(abs)
}
