package deploy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/schaermu/ftpdeploy/internal/config"
	"github.com/schaermu/ftpdeploy/internal/filter"
	"github.com/schaermu/ftpdeploy/internal/ftpclient"
	"github.com/schaermu/ftpdeploy/internal/git"
	"github.com/schaermu/ftpdeploy/internal/history"
	"github.com/schaermu/ftpdeploy/internal/metrics"
)

// Options are the per-invocation switches
type Options struct {
	// All ignores the deploy history and uploads every tracked file
	All bool
	// DryRun computes and logs the plan without network access or history writes
	DryRun bool
}

// Dependencies are the collaborators of an Engine
type Dependencies struct {
	Git     git.Client
	Dialer  ftpclient.Dialer
	History *history.Store
	Metrics *metrics.Recorder // optional
}

// Engine deploys one application
type Engine struct {
	cfg     *config.Config
	app     *config.AppConfig
	git     git.Client
	dialer  ftpclient.Dialer
	history *history.Store
	metrics *metrics.Recorder
	logger  *slog.Logger
	opts    Options
	runID   string
}

// NewEngine creates a new deploy engine for app
func NewEngine(cfg *config.Config, app *config.AppConfig, deps Dependencies, logger *slog.Logger, opts Options) *Engine {
	runID := uuid.NewString()
	return &Engine{
		cfg:     cfg,
		app:     app,
		git:     deps.Git,
		dialer:  deps.Dialer,
		history: deps.History,
		metrics: deps.Metrics,
		logger:  logger.With("app", app.Name, "run_id", runID),
		opts:    opts,
		runID:   runID,
	}
}

// RunID identifies this run in logs and in the history record
func (e *Engine) RunID() string {
	return e.runID
}

// Run executes the deploy: resolve diff, filter, then report (dry run) or
// transfer and record the deployed commit. A failed transfer leaves the
// history untouched so the next run retries the same diff.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	started := time.Now()
	e.logger.Info("starting deploy",
		"local_path", e.app.LocalPath,
		"remote_path", e.app.RemotePath,
		"all", e.opts.All,
		"dry_run", e.opts.DryRun)

	res, err := e.run(ctx)
	e.recordOutcome(res, err, started)
	return res, err
}

func (e *Engine) run(ctx context.Context) (*Result, error) {
	res := &Result{RunID: e.runID}

	if _, err := os.Stat(e.app.LocalPath); err != nil {
		return res, fmt.Errorf("%w: local path of app %s: %w", config.ErrInvalid, e.app.Name, err)
	}

	plan, err := e.BuildPlan(ctx)
	if err != nil {
		return res, err
	}
	res.Plan = plan

	if plan.UpToDate {
		e.logger.Info("no changes since last deploy, skipping", "commit", plan.HeadCommit)
		return res, nil
	}

	// Log plan
	e.logger.Info("deploy plan",
		"base", git.ShortHash(plan.BaseCommit),
		"head", git.ShortHash(plan.HeadCommit),
		"full", plan.Full,
		"upload", len(plan.Changes.Upload),
		"delete", len(plan.Changes.Delete),
		"clear", len(plan.Changes.Mirror),
		"excluded", len(plan.Changes.Excluded))

	// check for dry-run mode
	if e.opts.DryRun {
		e.logPlanDetails(plan)
		e.logger.Info("dry-run complete, no changes applied")
		return res, nil
	}

	if plan.Changes.Empty() {
		// Only excluded files changed; remember the commit so they are not diffed again
		e.logger.Info("no files to deploy")
		if plan.HeadCommit != plan.BaseCommit {
			if err := e.saveHistory(res); err != nil {
				return res, err
			}
			e.logger.Info("recorded commit without transferring files", "commit", plan.HeadCommit)
		}
		return res, nil
	}

	// Apply plan
	if err := e.transfer(ctx, plan, res); err != nil {
		return res, err
	}

	if err := e.saveHistory(res); err != nil {
		return res, err
	}

	e.logger.Info("deploy completed successfully",
		"uploaded", res.Uploaded,
		"skipped", res.Skipped,
		"deleted", res.Deleted,
		"cleared", res.Cleared)
	return res, nil
}

// BuildPlan resolves the git diff for the app and filters it into a change set
func (e *Engine) BuildPlan(ctx context.Context) (*Plan, error) {
	head, err := e.git.Head(ctx, e.app.LocalPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve current commit: %w", err)
	}
	e.logger.Info("current commit", "commit", head)

	base := ""
	if !e.opts.All {
		if rec, ok := e.history.Get(e.app.Name); ok {
			base = rec.LastCommit
			e.logger.Info("last deployed commit", "commit", base, "deployed_at", rec.Timestamp)
		}
	}

	plan := &Plan{
		App:        e.app.Name,
		BaseCommit: base,
		HeadCommit: head,
	}

	if base != "" && base == head && !e.app.IncludeUntracked {
		plan.UpToDate = true
		return plan, nil
	}

	gitOpts := git.Options{IncludeUntracked: e.app.IncludeUntracked}
	changes, err := e.git.Changes(ctx, e.app.LocalPath, base, gitOpts)
	if errors.Is(err, git.ErrInvalidReference) {
		// History points at a commit that no longer exists (rewritten history, new clone)
		e.logger.Warn("last deployed commit not found, falling back to full deploy", "commit", base, "error", err)
		base = ""
		plan.BaseCommit = ""
		changes, err = e.git.Changes(ctx, e.app.LocalPath, "", gitOpts)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve changes: %w", err)
	}

	plan.Full = base == ""
	if plan.Full {
		e.logger.Info("first or forced deploy, uploading all tracked files")
	}

	matcher, err := filter.Compile(e.cfg.ExcludesFor(e.app))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}

	always, err := filter.ExpandAlwaysDeploy(e.app.LocalPath, e.app.AlwaysDeployFiles)
	if err != nil {
		return nil, err
	}
	for _, missing := range always.Missing {
		e.logger.Warn("always-deploy entry does not exist, skipping", "path", missing)
	}
	plan.MissingAlwaysDeploy = always.Missing

	plan.Changes = filter.Build(changes, matcher, always, plan.Full)
	if e.app.MirrorAlwaysDeployDirs {
		plan.Changes.Mirror = always.Dirs
	}

	return plan, nil
}

// transfer applies the change set over one FTP session. The first failure
// aborts the run; files already transferred stay on the server.
func (e *Engine) transfer(ctx context.Context, plan *Plan, res *Result) error {
	transport, err := e.dialer.Dial(ctx, e.ftpOptions())
	if err != nil {
		return err
	}
	defer func() {
		if err := transport.Close(); err != nil {
			e.logger.Warn("failed to close ftp session", "error", err)
		}
	}()

	// Clear mirrored directories
	for _, dir := range plan.Changes.Mirror {
		if err := transport.ClearDir(ctx, e.remotePath(dir)); err != nil {
			return err
		}
		res.Cleared++
	}

	// Delete removed files
	if n := len(plan.Changes.Delete); n > 0 {
		e.logger.Info("deleting files", "count", n)
	}
	for _, rel := range plan.Changes.Delete {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := transport.Delete(ctx, e.remotePath(rel)); err != nil {
			return err
		}
		res.Deleted++
		if e.metrics != nil {
			e.metrics.Deleted(e.app.Name)
		}
	}

	// Upload added and modified files
	if n := len(plan.Changes.Upload); n > 0 {
		e.logger.Info("uploading files", "count", n)
	}
	for _, rel := range plan.Changes.Upload {
		if err := ctx.Err(); err != nil {
			return err
		}
		local := filepath.Join(e.app.LocalPath, filepath.FromSlash(rel))
		uploaded, err := transport.Upload(ctx, local, e.remotePath(rel), e.cfg.Overwrite)
		if err != nil {
			return err
		}
		if uploaded {
			res.Uploaded++
			if e.metrics != nil {
				e.metrics.Uploaded(e.app.Name)
			}
		} else {
			res.Skipped++
			if e.metrics != nil {
				e.metrics.Skipped(e.app.Name)
			}
		}
	}

	return nil
}

func (e *Engine) saveHistory(res *Result) error {
	e.history.Put(e.app.Name, history.Record{
		LastCommit: res.Plan.HeadCommit,
		Timestamp:  time.Now().UTC(),
		RunID:      e.runID,
		Uploaded:   res.Uploaded,
		Deleted:    res.Deleted,
	})
	if err := e.history.Save(); err != nil {
		return fmt.Errorf("failed to save deploy history: %w", err)
	}
	res.HistoryUpdated = true
	return nil
}

func (e *Engine) ftpOptions() ftpclient.Options {
	return ftpclient.Options{
		Address:     e.cfg.Address(),
		Username:    e.cfg.FTP.Username,
		Password:    e.cfg.FTP.Password,
		Timeout:     e.cfg.TimeoutDuration(),
		TLS:         e.cfg.FTP.TLS,
		DisableEPSV: e.cfg.FTP.DisableEPSV,
		Retries:     e.cfg.Retries,
		RetryDelay:  e.cfg.RetryDelayDuration(),
	}
}

func (e *Engine) remotePath(rel string) string {
	return path.Join(e.app.RemotePath, rel)
}

// logPlanDetails logs detailed plan information for dry-run
func (e *Engine) logPlanDetails(plan *Plan) {
	for _, dir := range plan.Changes.Mirror {
		e.logger.Info("[dry-run] would clear", "remote", e.remotePath(dir))
	}
	for _, rel := range plan.Changes.Delete {
		e.logger.Info("[dry-run] would delete", "remote", e.remotePath(rel))
	}
	for _, rel := range plan.Changes.Upload {
		e.logger.Info("[dry-run] would upload", "local", rel, "remote", e.remotePath(rel))
	}
	for _, rel := range plan.Changes.Excluded {
		e.logger.Debug("[dry-run] excluded", "path", rel)
	}
}

func (e *Engine) recordOutcome(res *Result, err error, started time.Time) {
	if e.metrics == nil {
		return
	}

	result := metrics.ResultSuccess
	switch {
	case err != nil:
		result = metrics.ResultFailure
	case e.opts.DryRun:
		result = metrics.ResultDryRun
	case res != nil && res.Plan != nil && res.Plan.UpToDate:
		result = metrics.ResultUpToDate
	}
	e.metrics.Finished(e.app.Name, result, started)

	if e.cfg.MetricsFile == "" {
		return
	}
	if werr := e.metrics.WriteTextfile(e.cfg.MetricsFile); werr != nil {
		e.logger.Warn("failed to write metrics", "path", e.cfg.MetricsFile, "error", werr)
	}
}
