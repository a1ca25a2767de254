// Package testutil provides git working copies for tests.
package testutil

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/stretchr/testify/require"
)

// Repo is a throwaway git working copy rooted in a test temp dir
type Repo struct {
	t    testing.TB
	Dir  string
	repo *gogit.Repository
}

// NewRepo initializes an empty repository in a fresh temp dir
func NewRepo(t testing.TB) *Repo {
	t.Helper()
	dir := t.TempDir()
	repo, err := gogit.PlainInit(dir, false)
	require.NoError(t, err, "failed to init repository")
	return &Repo{t: t, Dir: dir, repo: repo}
}

// Path returns the absolute path of a slash separated relative path
func (r *Repo) Path(rel string) string {
	return filepath.Join(r.Dir, filepath.FromSlash(rel))
}

// WriteFile writes content to rel, creating parent directories
func (r *Repo) WriteFile(rel, content string) {
	r.t.Helper()
	p := r.Path(rel)
	require.NoError(r.t, os.MkdirAll(filepath.Dir(p), 0755), "failed to create dir for %s", rel)
	require.NoError(r.t, os.WriteFile(p, []byte(content), 0644), "failed to write %s", rel)
}

// Remove deletes rel from the working tree and the index
func (r *Repo) Remove(rel string) {
	r.t.Helper()
	wt := r.worktree()
	_, err := wt.Remove(rel)
	require.NoError(r.t, err, "failed to remove %s", rel)
}

// Commit stages every change in the working tree and commits it, returning the hash
func (r *Repo) Commit(msg string) string {
	r.t.Helper()
	wt := r.worktree()
	require.NoError(r.t, wt.AddWithOptions(&gogit.AddOptions{All: true}), "failed to stage changes")
	hash, err := wt.Commit(msg, &gogit.CommitOptions{
		All: true,
		Author: &object.Signature{
			Name:  "Test",
			Email: "test@example.com",
			When:  time.Now(),
		},
	})
	require.NoError(r.t, err, "failed to commit")
	return hash.String()
}

func (r *Repo) worktree() *gogit.Worktree {
	r.t.Helper()
	wt, err := r.repo.Worktree()
	require.NoError(r.t, err, "failed to open worktree")
	return wt
}
