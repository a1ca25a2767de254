package filter

import (
	"sort"

	"github.com/schaermu/ftpdeploy/internal/git"
)

// ChangeSet is the filtered outcome of a git diff: what to upload, what to
// delete and which remote directories to empty first. Upload and Delete are
// sorted and disjoint.
type ChangeSet struct {
	Upload []string
	Delete []string
	Mirror []string
	// Excluded lists changed paths dropped by an exclude pattern
	Excluded []string
}

// Empty reports whether the change set has nothing to transfer
func (c ChangeSet) Empty() bool {
	return len(c.Upload) == 0 && len(c.Delete) == 0 && len(c.Mirror) == 0
}

// Build turns classified git changes into a ChangeSet.
//
// Paths covered by always-deploy are never deleted and are uploaded even when
// an exclude pattern matches them. Excluded paths are dropped from both sets.
// In full mode nothing is deleted.
func Build(changes []git.Change, matcher *Matcher, always AlwaysDeploy, full bool) ChangeSet {
	upload := make(map[string]bool)
	del := make(map[string]bool)
	var excluded []string

	for _, ch := range changes {
		rel := cleanRel(ch.Path)
		covered := always.Covers(rel)

		if ch.Kind == git.Deleted {
			if covered || full {
				continue
			}
			if matcher.Match(rel) {
				excluded = append(excluded, rel)
				continue
			}
			del[rel] = true
			continue
		}

		if !covered && matcher.Match(rel) {
			excluded = append(excluded, rel)
			continue
		}
		upload[rel] = true
	}

	for _, f := range always.Files {
		upload[f] = true
	}

	for p := range upload {
		delete(del, p)
	}

	cs := ChangeSet{
		Upload:   sortedKeys(upload),
		Delete:   sortedKeys(del),
		Excluded: excluded,
	}
	sort.Strings(cs.Excluded)
	return cs
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
