package git

import (
	"context"
	"errors"
	"fmt"
	"sort"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/filemode"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"
)

var (
	// ErrNotAGitRepository is returned when the local path has no .git metadata
	ErrNotAGitRepository = errors.New("not a git repository")
	// ErrInvalidReference is returned when a base revision does not resolve to a commit
	ErrInvalidReference = errors.New("invalid git reference")
)

// ChangeKind classifies a changed path
type ChangeKind int

const (
	Added ChangeKind = iota
	Modified
	Deleted
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "added"
	case Modified:
		return "modified"
	case Deleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// Change is a single changed path, slash-separated and relative to the repository root
type Change struct {
	Path string
	Kind ChangeKind
}

// Options tunes how changes are collected
type Options struct {
	// IncludeUntracked adds untracked, non-ignored files as Added
	IncludeUntracked bool
}

// Client provides the git queries a deploy needs
type Client interface {
	// Head returns the commit hash HEAD points at
	Head(ctx context.Context, repoDir string) (string, error)
	// Changes lists paths changed between base and HEAD. An empty base lists
	// every tracked file as Added.
	Changes(ctx context.Context, repoDir, base string, opts Options) ([]Change, error)
}

// GoGitClient implements Client with go-git, no git binary required
type GoGitClient struct{}

// NewGoGitClient creates a new go-git backed client
func NewGoGitClient() *GoGitClient {
	return &GoGitClient{}
}

// IsRepository reports whether dir is the root of a git working copy
func IsRepository(dir string) bool {
	_, err := gogit.PlainOpen(dir)
	return err == nil
}

// Head returns the hash of the commit HEAD points at
func (c *GoGitClient) Head(_ context.Context, repoDir string) (string, error) {
	repo, err := open(repoDir)
	if err != nil {
		return "", err
	}

	ref, err := repo.Head()
	if err != nil {
		return "", fmt.Errorf("failed to resolve HEAD in %s: %w", repoDir, err)
	}
	return ref.Hash().String(), nil
}

// Changes lists the paths that differ between base and HEAD
func (c *GoGitClient) Changes(ctx context.Context, repoDir, base string, opts Options) ([]Change, error) {
	repo, err := open(repoDir)
	if err != nil {
		return nil, err
	}

	var changes []Change
	if base == "" {
		changes, err = trackedFiles(repo)
	} else {
		changes, err = diffToHead(ctx, repo, base)
	}
	if err != nil {
		return nil, err
	}

	if opts.IncludeUntracked {
		untracked, err := untrackedFiles(repo)
		if err != nil {
			return nil, err
		}
		changes = append(changes, untracked...)
	}

	sort.SliceStable(changes, func(i, j int) bool {
		return changes[i].Path < changes[j].Path
	})
	return changes, nil
}

func open(repoDir string) (*gogit.Repository, error) {
	repo, err := gogit.PlainOpen(repoDir)
	if err != nil {
		if errors.Is(err, gogit.ErrRepositoryNotExists) {
			return nil, fmt.Errorf("%w: %s", ErrNotAGitRepository, repoDir)
		}
		return nil, fmt.Errorf("failed to open repository %s: %w", repoDir, err)
	}
	return repo, nil
}

// trackedFiles lists the index like git ls-files, every entry as Added
func trackedFiles(repo *gogit.Repository) ([]Change, error) {
	idx, err := repo.Storer.Index()
	if err != nil {
		return nil, fmt.Errorf("failed to read git index: %w", err)
	}

	seen := make(map[string]bool, len(idx.Entries))
	changes := make([]Change, 0, len(idx.Entries))
	for _, e := range idx.Entries {
		// Submodules are separate repositories; conflicted paths appear once per stage
		if e.Mode == filemode.Submodule || seen[e.Name] {
			continue
		}
		seen[e.Name] = true
		changes = append(changes, Change{Path: e.Name, Kind: Added})
	}
	return changes, nil
}

// diffToHead classifies the tree diff base..HEAD. Renames surface as a
// delete of the old path plus an add of the new one.
func diffToHead(ctx context.Context, repo *gogit.Repository, base string) ([]Change, error) {
	hash, err := repo.ResolveRevision(plumbing.Revision(base))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidReference, base, err)
	}
	baseCommit, err := repo.CommitObject(*hash)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidReference, base, err)
	}

	ref, err := repo.Head()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve HEAD: %w", err)
	}
	headCommit, err := repo.CommitObject(ref.Hash())
	if err != nil {
		return nil, fmt.Errorf("failed to load HEAD commit: %w", err)
	}

	baseTree, err := baseCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to load tree of %s: %w", base, err)
	}
	headTree, err := headCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("failed to load tree of HEAD: %w", err)
	}

	diff, err := baseTree.DiffContext(ctx, headTree)
	if err != nil {
		return nil, fmt.Errorf("failed to diff %s..HEAD: %w", base, err)
	}

	changes := make([]Change, 0, len(diff))
	for _, ch := range diff {
		converted, err := convert(ch)
		if err != nil {
			return nil, err
		}
		changes = append(changes, converted...)
	}
	return changes, nil
}

func convert(ch *object.Change) ([]Change, error) {
	action, err := ch.Action()
	if err != nil {
		return nil, fmt.Errorf("failed to classify change: %w", err)
	}

	switch action {
	case merkletrie.Insert:
		return []Change{{Path: ch.To.Name, Kind: Added}}, nil
	case merkletrie.Delete:
		return []Change{{Path: ch.From.Name, Kind: Deleted}}, nil
	case merkletrie.Modify:
		if ch.From.Name != ch.To.Name {
			return []Change{
				{Path: ch.From.Name, Kind: Deleted},
				{Path: ch.To.Name, Kind: Added},
			}, nil
		}
		return []Change{{Path: ch.To.Name, Kind: Modified}}, nil
	default:
		return nil, fmt.Errorf("unsupported change action %v for %s", action, ch)
	}
}

// untrackedFiles lists files git status reports as untracked; ignored files are left out
func untrackedFiles(repo *gogit.Repository) ([]Change, error) {
	wt, err := repo.Worktree()
	if err != nil {
		return nil, fmt.Errorf("failed to open worktree: %w", err)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, fmt.Errorf("failed to read worktree status: %w", err)
	}

	var changes []Change
	for p, s := range status {
		if s.Worktree == gogit.Untracked {
			changes = append(changes, Change{Path: p, Kind: Added})
		}
	}
	return changes, nil
}

// ShortHash abbreviates a commit hash for display
func ShortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
