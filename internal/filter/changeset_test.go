package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/ftpdeploy/internal/git"
)

func mustCompile(t *testing.T, patterns ...string) *Matcher {
	t.Helper()
	m, err := Compile(patterns)
	require.NoError(t, err)
	return m
}

func TestBuild_ModifiedExcludedAndAlwaysDeploy(t *testing.T) {
	changes := []git.Change{
		{Path: "a.txt", Kind: git.Modified},
		{Path: "b.log", Kind: git.Modified},
	}
	always := AlwaysDeploy{Files: []string{".env"}}

	cs := Build(changes, mustCompile(t, "*.log"), always, false)

	assert.Equal(t, []string{".env", "a.txt"}, cs.Upload)
	assert.Empty(t, cs.Delete)
	assert.Equal(t, []string{"b.log"}, cs.Excluded)
}

func TestBuild_AlwaysDeployIsNeverDeleted(t *testing.T) {
	changes := []git.Change{
		{Path: ".env", Kind: git.Deleted},
		{Path: "dist/old.js", Kind: git.Deleted},
		{Path: "src/old.go", Kind: git.Deleted},
	}
	always := AlwaysDeploy{
		Files: []string{".env", "dist/app.js"},
		Dirs:  []string{"dist"},
	}

	cs := Build(changes, mustCompile(t), always, false)

	assert.Equal(t, []string{"src/old.go"}, cs.Delete)
	assert.Equal(t, []string{".env", "dist/app.js"}, cs.Upload)
	for _, p := range cs.Delete {
		assert.False(t, always.Covers(p), "always-deploy path %s in delete set", p)
	}
}

func TestBuild_MissingAlwaysDeployEntriesAreNeverDeleted(t *testing.T) {
	always, err := ExpandAlwaysDeploy(t.TempDir(), []string{"secret.txt", "./dist"})
	require.NoError(t, err)
	require.Equal(t, []string{"secret.txt", "./dist"}, always.Missing)

	changes := []git.Change{
		{Path: "secret.txt", Kind: git.Deleted},
		{Path: "dist/app.js", Kind: git.Deleted},
		{Path: "dist/css/site.css", Kind: git.Deleted},
		{Path: "distribution/a.js", Kind: git.Deleted},
	}

	cs := Build(changes, mustCompile(t), always, false)

	assert.Equal(t, []string{"distribution/a.js"}, cs.Delete)
	assert.Empty(t, cs.Upload)
}

func TestBuild_ExcludedPathsDropped(t *testing.T) {
	changes := []git.Change{
		{Path: "logs/app.log", Kind: git.Added},
		{Path: "old.log", Kind: git.Deleted},
		{Path: "node_modules/x/index.js", Kind: git.Modified},
		{Path: "index.php", Kind: git.Modified},
	}
	m := mustCompile(t, "*.log", "node_modules")

	cs := Build(changes, m, AlwaysDeploy{}, false)

	assert.Equal(t, []string{"index.php"}, cs.Upload)
	assert.Empty(t, cs.Delete)
	assert.Equal(t, []string{"logs/app.log", "node_modules/x/index.js", "old.log"}, cs.Excluded)
	for _, p := range append(cs.Upload, cs.Delete...) {
		assert.False(t, m.Match(p), "excluded path %s in change set", p)
	}
}

func TestBuild_AlwaysDeployOverridesExclude(t *testing.T) {
	changes := []git.Change{{Path: "config/prod.log", Kind: git.Modified}}
	always := AlwaysDeploy{Files: []string{"config/prod.log"}}

	cs := Build(changes, mustCompile(t, "*.log"), always, false)

	assert.Equal(t, []string{"config/prod.log"}, cs.Upload)
	assert.Empty(t, cs.Excluded)
}

func TestBuild_FullModeHasNoDeletes(t *testing.T) {
	changes := []git.Change{
		{Path: "a.txt", Kind: git.Added},
		{Path: "gone.txt", Kind: git.Deleted},
	}

	cs := Build(changes, mustCompile(t), AlwaysDeploy{}, true)

	assert.Equal(t, []string{"a.txt"}, cs.Upload)
	assert.Empty(t, cs.Delete)
}

func TestBuild_UploadAndDeleteAreDisjoint(t *testing.T) {
	// a rename back and forth inside one diff can list the same path twice
	changes := []git.Change{
		{Path: "page.html", Kind: git.Deleted},
		{Path: "page.html", Kind: git.Added},
	}

	cs := Build(changes, mustCompile(t), AlwaysDeploy{}, false)

	assert.Equal(t, []string{"page.html"}, cs.Upload)
	assert.Empty(t, cs.Delete)
}

func TestChangeSet_Empty(t *testing.T) {
	assert.True(t, ChangeSet{}.Empty())
	assert.True(t, ChangeSet{Excluded: []string{"a.log"}}.Empty())
	assert.False(t, ChangeSet{Upload: []string{"a"}}.Empty())
	assert.False(t, ChangeSet{Delete: []string{"a"}}.Empty())
	assert.False(t, ChangeSet{Mirror: []string{"dist"}}.Empty())
}
