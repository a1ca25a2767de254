package deploy

import "github.com/schaermu/ftpdeploy/internal/filter"

// Plan represents the work a deploy run will do
type Plan struct {
	App        string
	BaseCommit string // empty for a full deploy
	HeadCommit string
	Full       bool
	// UpToDate is set when HEAD equals the last deployed commit
	UpToDate            bool
	Changes             filter.ChangeSet
	MissingAlwaysDeploy []string
}

// Result summarizes a finished run
type Result struct {
	RunID          string
	Plan           *Plan
	Uploaded       int
	Skipped        int
	Deleted        int
	Cleared        int
	HistoryUpdated bool
}
