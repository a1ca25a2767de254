package filter

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// AlwaysDeploy is the resolved form of an app's always-deploy entries
type AlwaysDeploy struct {
	// Files are slash-separated paths relative to the local root, directories expanded
	Files []string
	// Dirs are the entries that named directories
	Dirs []string
	// Missing are entries that do not exist locally
	Missing []string
}

// Covers reports whether rel is an always-deploy file or lies below an
// always-deploy directory. Entries that are missing locally still cover
// their path and everything below it.
func (a AlwaysDeploy) Covers(rel string) bool {
	rel = cleanRel(rel)
	for _, f := range a.Files {
		if f == rel {
			return true
		}
	}
	for _, d := range a.Dirs {
		if d == "." || strings.HasPrefix(rel, d+"/") {
			return true
		}
	}
	for _, m := range a.Missing {
		m = cleanRel(m)
		if m == rel || strings.HasPrefix(rel, m+"/") {
			return true
		}
	}
	return false
}

// ExpandAlwaysDeploy resolves entries below localPath into concrete files.
// Directory entries are walked recursively; entries that do not exist are
// reported in Missing rather than failing the run.
func ExpandAlwaysDeploy(localPath string, entries []string) (AlwaysDeploy, error) {
	var result AlwaysDeploy
	seen := make(map[string]bool)

	for _, entry := range entries {
		rel := cleanRel(entry)
		full := filepath.Join(localPath, filepath.FromSlash(rel))

		info, err := os.Stat(full)
		if err != nil {
			if os.IsNotExist(err) {
				result.Missing = append(result.Missing, entry)
				continue
			}
			return AlwaysDeploy{}, fmt.Errorf("failed to stat always-deploy entry %s: %w", entry, err)
		}

		if !info.IsDir() {
			if !seen[rel] {
				seen[rel] = true
				result.Files = append(result.Files, rel)
			}
			continue
		}

		result.Dirs = append(result.Dirs, rel)
		files, err := DiscoverFiles(full)
		if err != nil {
			return AlwaysDeploy{}, fmt.Errorf("failed to expand always-deploy directory %s: %w", entry, err)
		}
		for _, f := range files {
			fileRel, err := RelativePath(localPath, f)
			if err != nil {
				return AlwaysDeploy{}, fmt.Errorf("failed to compute relative path: %w", err)
			}
			if !seen[fileRel] {
				seen[fileRel] = true
				result.Files = append(result.Files, fileRel)
			}
		}
	}

	sort.Strings(result.Files)
	return result, nil
}

// DiscoverFiles finds all regular files below dir. Hidden files are
// included; nested .git directories are skipped.
func DiscoverFiles(dir string) ([]string, error) {
	var files []string

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if d.Type().IsRegular() {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

// RelativePath returns target relative to baseDir in slash form
func RelativePath(baseDir, target string) (string, error) {
	rel, err := filepath.Rel(baseDir, target)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}

func cleanRel(p string) string {
	return strings.TrimPrefix(path.Clean(filepath.ToSlash(p)), "/")
}
