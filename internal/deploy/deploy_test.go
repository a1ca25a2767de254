package deploy

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/ftpdeploy/internal/config"
	"github.com/schaermu/ftpdeploy/internal/ftpclient"
	"github.com/schaermu/ftpdeploy/internal/git"
	"github.com/schaermu/ftpdeploy/internal/history"
	"github.com/schaermu/ftpdeploy/internal/metrics"
	"github.com/schaermu/ftpdeploy/internal/testutil"
)

// mockTransport records remote operations
type mockTransport struct {
	uploads  []string
	deletes  []string
	cleared  []string
	existing map[string]bool
	failOn   string
	closed   bool
}

func (m *mockTransport) EnsureDir(ctx context.Context, remoteDir string) error {
	return nil
}

func (m *mockTransport) Upload(ctx context.Context, localFile, remoteFile string, overwrite bool) (bool, error) {
	if remoteFile == m.failOn {
		return false, fmt.Errorf("%w: 451 local error", ftpclient.ErrTransfer)
	}
	if _, err := os.Stat(localFile); err != nil {
		return false, fmt.Errorf("%w: %w", ftpclient.ErrTransfer, err)
	}
	if !overwrite && m.existing[remoteFile] {
		return false, nil
	}
	m.uploads = append(m.uploads, remoteFile)
	return true, nil
}

func (m *mockTransport) Delete(ctx context.Context, remoteFile string) error {
	m.deletes = append(m.deletes, remoteFile)
	return nil
}

func (m *mockTransport) ClearDir(ctx context.Context, remoteDir string) error {
	m.cleared = append(m.cleared, remoteDir)
	return nil
}

func (m *mockTransport) Close() error {
	m.closed = true
	return nil
}

// mockDialer hands out one mockTransport per session
type mockDialer struct {
	err      error
	failOn   string
	existing map[string]bool
	opts     []ftpclient.Options
	sessions []*mockTransport
}

func (d *mockDialer) Dial(ctx context.Context, opts ftpclient.Options) (ftpclient.Transport, error) {
	d.opts = append(d.opts, opts)
	if d.err != nil {
		return nil, d.err
	}
	t := &mockTransport{failOn: d.failOn, existing: d.existing}
	d.sessions = append(d.sessions, t)
	return t, nil
}

func (d *mockDialer) last() *mockTransport {
	if len(d.sessions) == 0 {
		return nil
	}
	return d.sessions[len(d.sessions)-1]
}

type fixture struct {
	repo        *testutil.Repo
	cfg         *config.Config
	historyPath string
	dialer      *mockDialer
	metrics     *metrics.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	repo := testutil.NewRepo(t)
	historyPath := filepath.Join(t.TempDir(), config.DefaultHistoryName)

	return &fixture{
		repo:        repo,
		historyPath: historyPath,
		dialer:      &mockDialer{},
		cfg: &config.Config{
			FTP: config.FTPConfig{
				Host:     "ftp.example.com",
				Port:     21,
				Username: "deployer",
				Password: "secret",
			},
			Apps: []config.AppConfig{{
				Name:       "blog",
				LocalPath:  repo.Dir,
				RemotePath: "/site",
			}},
			Overwrite:       true,
			Timeout:         30,
			ExcludePatterns: []string{"*.log", ".gitignore"},
			Retries:         3,
			RetryDelay:      5,
			HistoryFile:     historyPath,
		},
	}
}

func (f *fixture) app() *config.AppConfig {
	return &f.cfg.Apps[0]
}

func (f *fixture) run(t *testing.T, opts Options) (*Result, error) {
	t.Helper()
	store, err := history.Open(f.historyPath)
	require.NoError(t, err)

	engine := NewEngine(f.cfg, f.app(), Dependencies{
		Git:     git.NewGoGitClient(),
		Dialer:  f.dialer,
		History: store,
		Metrics: f.metrics,
	}, testLogger(), opts)
	return engine.Run(context.Background())
}

func (f *fixture) lastCommit(t *testing.T) (string, bool) {
	t.Helper()
	store, err := history.Open(f.historyPath)
	require.NoError(t, err)
	rec, ok := store.Get(f.app().Name)
	return rec.LastCommit, ok
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEngine_FirstDeployUploadsEveryTrackedFile(t *testing.T) {
	f := newFixture(t)
	f.repo.WriteFile("index.html", "<h1>hi</h1>")
	f.repo.WriteFile("css/site.css", "body{}")
	f.repo.WriteFile("debug.log", "noise")
	head := f.repo.Commit("initial")

	res, err := f.run(t, Options{})
	require.NoError(t, err)

	assert.True(t, res.Plan.Full)
	assert.Empty(t, res.Plan.BaseCommit)
	assert.Equal(t, head, res.Plan.HeadCommit)
	assert.Equal(t, []string{"debug.log"}, res.Plan.Changes.Excluded)

	session := f.dialer.last()
	require.NotNil(t, session)
	assert.Equal(t, []string{"/site/css/site.css", "/site/index.html"}, session.uploads)
	assert.Empty(t, session.deletes)
	assert.True(t, session.closed)
	assert.Equal(t, 2, res.Uploaded)
	assert.True(t, res.HistoryUpdated)

	commit, ok := f.lastCommit(t)
	require.True(t, ok)
	assert.Equal(t, head, commit)

	require.Len(t, f.dialer.opts, 1)
	assert.Equal(t, "ftp.example.com:21", f.dialer.opts[0].Address)
	assert.Equal(t, "deployer", f.dialer.opts[0].Username)
	assert.Equal(t, 3, f.dialer.opts[0].Retries)
}

func TestEngine_IncrementalDeployWithExcludeAndAlwaysDeploy(t *testing.T) {
	f := newFixture(t)
	f.app().AlwaysDeployFiles = []string{".env"}

	f.repo.WriteFile(".gitignore", ".env\n")
	f.repo.WriteFile("a.txt", "v1")
	f.repo.WriteFile("b.log", "v1")
	f.repo.Commit("initial")
	f.repo.WriteFile(".env", "SECRET=1")

	_, err := f.run(t, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"/site/.env", "/site/a.txt"}, f.dialer.last().uploads)

	f.repo.WriteFile("a.txt", "v2")
	f.repo.WriteFile("b.log", "v2")
	head := f.repo.Commit("second")

	res, err := f.run(t, Options{})
	require.NoError(t, err)

	assert.False(t, res.Plan.Full)
	assert.Equal(t, []string{".env", "a.txt"}, res.Plan.Changes.Upload)
	assert.Empty(t, res.Plan.Changes.Delete)
	assert.Equal(t, []string{"/site/.env", "/site/a.txt"}, f.dialer.last().uploads)

	commit, _ := f.lastCommit(t)
	assert.Equal(t, head, commit)
}

func TestEngine_RerunWithoutChangesIsUpToDate(t *testing.T) {
	f := newFixture(t)
	f.repo.WriteFile("index.html", "x")
	head := f.repo.Commit("initial")

	_, err := f.run(t, Options{})
	require.NoError(t, err)
	require.Len(t, f.dialer.sessions, 1)

	before, err := os.ReadFile(f.historyPath)
	require.NoError(t, err)

	res, err := f.run(t, Options{})
	require.NoError(t, err)

	assert.True(t, res.Plan.UpToDate)
	assert.Equal(t, head, res.Plan.HeadCommit)
	assert.True(t, res.Plan.Changes.Empty())
	assert.False(t, res.HistoryUpdated)
	assert.Len(t, f.dialer.sessions, 1, "no new ftp session")

	after, err := os.ReadFile(f.historyPath)
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestEngine_AllIgnoresHistory(t *testing.T) {
	f := newFixture(t)
	f.repo.WriteFile("index.html", "x")
	f.repo.WriteFile("about.html", "y")
	f.repo.Commit("initial")

	_, err := f.run(t, Options{})
	require.NoError(t, err)

	res, err := f.run(t, Options{All: true})
	require.NoError(t, err)
	assert.True(t, res.Plan.Full)
	assert.Equal(t, []string{"/site/about.html", "/site/index.html"}, f.dialer.last().uploads)
}

func TestEngine_DryRunTouchesNothing(t *testing.T) {
	f := newFixture(t)
	f.repo.WriteFile("index.html", "x")
	f.repo.Commit("initial")

	res, err := f.run(t, Options{DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"index.html"}, res.Plan.Changes.Upload)
	assert.Empty(t, f.dialer.opts, "dry run must not dial")
	assert.False(t, res.HistoryUpdated)

	_, err = os.Stat(f.historyPath)
	assert.True(t, os.IsNotExist(err), "dry run must not write history")
}

func TestEngine_DeletesRemovedFilesButKeepsAlwaysDeploy(t *testing.T) {
	f := newFixture(t)
	f.app().AlwaysDeployFiles = []string{"keep"}
	f.app().MirrorAlwaysDeployDirs = true

	f.repo.WriteFile("a.txt", "a")
	f.repo.WriteFile("old.txt", "old")
	f.repo.WriteFile("keep/x.txt", "x")
	f.repo.WriteFile("keep/y.txt", "y")
	f.repo.Commit("initial")

	_, err := f.run(t, Options{})
	require.NoError(t, err)
	// A first deploy never deletes
	assert.Empty(t, f.dialer.last().deletes)

	f.repo.Remove("old.txt")
	f.repo.Remove("keep/x.txt")
	f.repo.WriteFile("new.txt", "new")
	f.repo.Commit("second")

	res, err := f.run(t, Options{})
	require.NoError(t, err)

	session := f.dialer.last()
	assert.Equal(t, []string{"/site/old.txt"}, session.deletes)
	assert.Equal(t, []string{"/site/keep/y.txt", "/site/new.txt"}, session.uploads)
	assert.Equal(t, []string{"/site/keep"}, session.cleared)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 1, res.Cleared)
}

func TestEngine_TransferFailureLeavesHistoryUntouched(t *testing.T) {
	f := newFixture(t)
	f.repo.WriteFile("a.txt", "a")
	f.repo.WriteFile("b.txt", "b")
	first := f.repo.Commit("initial")

	_, err := f.run(t, Options{})
	require.NoError(t, err)

	f.repo.WriteFile("a.txt", "a2")
	f.repo.WriteFile("b.txt", "b2")
	f.repo.Commit("second")

	f.dialer.failOn = "/site/b.txt"
	res, err := f.run(t, Options{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ftpclient.ErrTransfer)
	assert.False(t, res.HistoryUpdated)
	assert.True(t, f.dialer.last().closed)

	commit, _ := f.lastCommit(t)
	assert.Equal(t, first, commit)

	// The next run retries the same diff
	f.dialer.failOn = ""
	res, err = f.run(t, Options{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.txt", "b.txt"}, res.Plan.Changes.Upload)
}

func TestEngine_ConnectionFailure(t *testing.T) {
	f := newFixture(t)
	f.repo.WriteFile("a.txt", "a")
	f.repo.Commit("initial")
	f.dialer.err = fmt.Errorf("%w: connection refused", ftpclient.ErrConnection)

	_, err := f.run(t, Options{})
	assert.ErrorIs(t, err, ftpclient.ErrConnection)

	_, statErr := os.Stat(f.historyPath)
	assert.True(t, os.IsNotExist(statErr))
}

func TestEngine_UnknownBaseFallsBackToFullDeploy(t *testing.T) {
	f := newFixture(t)
	f.repo.WriteFile("a.txt", "a")
	head := f.repo.Commit("initial")

	store := history.NewEmpty(f.historyPath)
	store.Put("blog", history.Record{LastCommit: strings.Repeat("e", 40)})
	require.NoError(t, store.Save())

	res, err := f.run(t, Options{})
	require.NoError(t, err)

	assert.True(t, res.Plan.Full)
	assert.Empty(t, res.Plan.BaseCommit)
	assert.Equal(t, []string{"/site/a.txt"}, f.dialer.last().uploads)

	commit, _ := f.lastCommit(t)
	assert.Equal(t, head, commit)
}

func TestEngine_OnlyExcludedChangesAdvanceHistory(t *testing.T) {
	f := newFixture(t)
	f.repo.WriteFile("a.txt", "a")
	f.repo.WriteFile("x.log", "1")
	f.repo.Commit("initial")

	_, err := f.run(t, Options{})
	require.NoError(t, err)
	require.Len(t, f.dialer.sessions, 1)

	f.repo.WriteFile("x.log", "2")
	head := f.repo.Commit("log only")

	res, err := f.run(t, Options{})
	require.NoError(t, err)

	assert.True(t, res.Plan.Changes.Empty())
	assert.True(t, res.HistoryUpdated)
	assert.Len(t, f.dialer.sessions, 1, "nothing to transfer, no session")

	commit, _ := f.lastCommit(t)
	assert.Equal(t, head, commit)
}

func TestEngine_OverwriteDisabledSkipsExistingFiles(t *testing.T) {
	f := newFixture(t)
	f.cfg.Overwrite = false
	f.dialer.existing = map[string]bool{"/site/a.txt": true}
	f.repo.WriteFile("a.txt", "a")
	f.repo.WriteFile("b.txt", "b")
	f.repo.Commit("initial")

	res, err := f.run(t, Options{})
	require.NoError(t, err)

	assert.Equal(t, 1, res.Uploaded)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, []string{"/site/b.txt"}, f.dialer.last().uploads)
}

func TestEngine_NotAGitRepository(t *testing.T) {
	f := newFixture(t)
	f.app().LocalPath = t.TempDir()

	_, err := f.run(t, Options{})
	assert.ErrorIs(t, err, git.ErrNotAGitRepository)
	assert.Empty(t, f.dialer.opts)
}

func TestEngine_MissingLocalPath(t *testing.T) {
	f := newFixture(t)
	f.app().LocalPath = filepath.Join(t.TempDir(), "gone")

	_, err := f.run(t, Options{})
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestEngine_MissingAlwaysDeployEntryIsReported(t *testing.T) {
	f := newFixture(t)
	f.app().AlwaysDeployFiles = []string{"missing.env"}
	f.repo.WriteFile("a.txt", "a")
	f.repo.Commit("initial")

	res, err := f.run(t, Options{DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"missing.env"}, res.Plan.MissingAlwaysDeploy)
	assert.Equal(t, []string{"a.txt"}, res.Plan.Changes.Upload)
}

func TestEngine_WritesMetrics(t *testing.T) {
	f := newFixture(t)
	f.metrics = metrics.NewRecorder()
	f.cfg.MetricsFile = filepath.Join(t.TempDir(), "ftpdeploy.prom")
	f.repo.WriteFile("a.txt", "a")
	f.repo.Commit("initial")

	_, err := f.run(t, Options{})
	require.NoError(t, err)

	data, err := os.ReadFile(f.cfg.MetricsFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), `ftpdeploy_runs_total{app="blog",result="success"} 1`)
	assert.Contains(t, string(data), `ftpdeploy_files_uploaded_total{app="blog"} 1`)
}

func TestEngine_RunIDIsUnique(t *testing.T) {
	f := newFixture(t)
	store := history.NewEmpty(f.historyPath)
	deps := Dependencies{Git: git.NewGoGitClient(), Dialer: f.dialer, History: store}

	a := NewEngine(f.cfg, f.app(), deps, testLogger(), Options{})
	b := NewEngine(f.cfg, f.app(), deps, testLogger(), Options{})
	assert.NotEmpty(t, a.RunID())
	assert.NotEqual(t, a.RunID(), b.RunID())
}
