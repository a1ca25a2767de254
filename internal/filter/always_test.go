package filter

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTree(t *testing.T, root string, files ...string) {
	t.Helper()
	for _, f := range files {
		p := filepath.Join(root, filepath.FromSlash(f))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0755))
		require.NoError(t, os.WriteFile(p, []byte(f), 0644))
	}
}

func TestExpandAlwaysDeploy(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root,
		".env",
		"dist/app.js",
		"dist/css/site.css",
		"dist/.git/HEAD",
		"other.txt",
	)

	always, err := ExpandAlwaysDeploy(root, []string{".env", "dist/", "missing.txt", "./.env"})
	require.NoError(t, err)

	assert.Equal(t, []string{".env", "dist/app.js", "dist/css/site.css"}, always.Files)
	assert.Equal(t, []string{"dist"}, always.Dirs)
	assert.Equal(t, []string{"missing.txt"}, always.Missing)
}

func TestExpandAlwaysDeploy_Empty(t *testing.T) {
	always, err := ExpandAlwaysDeploy(t.TempDir(), nil)
	require.NoError(t, err)
	assert.Empty(t, always.Files)
	assert.Empty(t, always.Dirs)
	assert.Empty(t, always.Missing)
}

func TestAlwaysDeploy_Covers(t *testing.T) {
	always := AlwaysDeploy{
		Files: []string{".env", "dist/app.js"},
		Dirs:  []string{"dist"},
	}

	assert.True(t, always.Covers(".env"))
	assert.True(t, always.Covers("./.env"))
	assert.True(t, always.Covers("dist/app.js"))
	assert.True(t, always.Covers("dist/removed.js"))
	assert.False(t, always.Covers("distribution/a.js"))
	assert.False(t, always.Covers("src/.env"))

	always.Missing = []string{"./secret.txt", "uploads"}
	assert.True(t, always.Covers("secret.txt"))
	assert.True(t, always.Covers("uploads/a.png"))
	assert.False(t, always.Covers("uploads2/a.png"))
}

func TestDiscoverFiles(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, "a.txt", ".hidden", "sub/b.txt", ".git/config")

	files, err := DiscoverFiles(root)
	require.NoError(t, err)

	var rels []string
	for _, f := range files {
		rel, err := RelativePath(root, f)
		require.NoError(t, err)
		rels = append(rels, rel)
	}
	assert.ElementsMatch(t, []string{"a.txt", ".hidden", "sub/b.txt"}, rels)
}
