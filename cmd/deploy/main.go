package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/schaermu/ftpdeploy/internal/config"
	"github.com/schaermu/ftpdeploy/internal/deploy"
	"github.com/schaermu/ftpdeploy/internal/ftpclient"
	"github.com/schaermu/ftpdeploy/internal/git"
	"github.com/schaermu/ftpdeploy/internal/history"
	"github.com/schaermu/ftpdeploy/internal/metrics"
	"github.com/schaermu/ftpdeploy/internal/setup"
)

// Exit codes
const (
	exitOK         = 0
	exitFailure    = 1
	exitConfig     = 2
	exitGit        = 3
	exitConnection = 4
	exitTransfer   = 5
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	logFile   string

	// Deploy flags
	appName  string
	allFiles bool
	dryRun   bool
	listApps bool

	// Setup flags
	noTest bool
)

func main() {
	os.Exit(exitCode(rootCmd.Execute()))
}

var rootCmd = &cobra.Command{
	Use:   "deploy",
	Short: "Deploy git changes of a local working copy to an FTP server",
	Long: `deploy uploads the files that changed in a git working copy since the last
successful deploy to a remote FTP server, and deletes the files that were removed.

The last deployed commit of every app is kept in a history file. Without a
history record, or with --all, every tracked file is uploaded. Exclude patterns
drop files from the transfer; always-deploy entries are uploaded on every run.`,
	Example: `  deploy --list
  deploy --app blog --dry-run
  deploy --app blog
  deploy --app blog --all`,
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         runDeploy,
}

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Create a configuration file interactively",
	Long: `Setup asks for the FTP credentials and the applications to deploy, writes the
configuration file, tests the FTP login and adds the deploy files to .gitignore.`,
	Args: cobra.NoArgs,
	RunE: runSetup,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("deploy %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", config.DefaultFileName, "config file (JSON, or YAML by extension)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")
	rootCmd.PersistentFlags().StringVar(&logFile, "log-file", config.DefaultLogName, "append log lines to this file (empty to disable)")

	// Deploy flags
	rootCmd.Flags().StringVarP(&appName, "app", "a", "", "name of the app to deploy")
	rootCmd.Flags().BoolVarP(&allFiles, "all", "A", false, "ignore the deploy history and upload every tracked file")
	rootCmd.Flags().BoolVarP(&dryRun, "dry-run", "d", false, "show what would be done without connecting or recording history")
	rootCmd.Flags().BoolVarP(&listApps, "list", "l", false, "list configured apps and exit")
	rootCmd.MarkFlagsMutuallyExclusive("app", "list")

	// Setup flags
	setupCmd.Flags().BoolVar(&noTest, "no-test", false, "skip the FTP connection test")

	// Add commands
	rootCmd.AddCommand(setupCmd)
	rootCmd.AddCommand(versionCmd)
}

func runDeploy(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	// Setup logger
	logger, closeLog, err := setupLogger()
	if err != nil {
		return err
	}
	defer closeLog()

	// Load configuration
	cfg, err := loadConfig(logger)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return err
	}

	store, err := openHistory(cfg, logger)
	if err != nil {
		logger.Error("failed to open deploy history", "error", err)
		return err
	}

	if listApps {
		printApps(cmd.OutOrStdout(), cfg, store)
		return nil
	}

	if appName == "" {
		printApps(cmd.ErrOrStderr(), cfg, store)
		err := fmt.Errorf("%w: --app is required", config.ErrInvalid)
		logger.Error("no app selected", "error", err)
		return err
	}

	app, err := cfg.App(appName)
	if err != nil {
		logger.Error("unknown app", "error", err)
		printApps(cmd.ErrOrStderr(), cfg, store)
		return err
	}

	// Create dependencies
	deps := deploy.Dependencies{
		Git:     git.NewGoGitClient(),
		Dialer:  ftpclient.NewDialer(logger),
		History: store,
		Metrics: metrics.NewRecorder(),
	}

	// Create deploy engine
	engine := deploy.NewEngine(cfg, app, deps, logger, deploy.Options{
		All:    allFiles,
		DryRun: dryRun,
	})

	// Run deploy
	if _, err := engine.Run(ctx); err != nil {
		logger.Error("deploy failed", "app", app.Name, "run_id", engine.RunID(), "error", err)
		return err
	}

	return nil
}

func runSetup(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger, closeLog, err := setupLogger()
	if err != nil {
		return err
	}
	defer closeLog()

	prompt := setup.NewPrompter(os.Stdin, cmd.OutOrStdout())
	wizard := setup.NewWizard(cfgFile, prompt, ftpclient.NewDialer(logger), logger)

	if _, err := wizard.Run(ctx, !noTest); err != nil {
		if errors.Is(err, setup.ErrAborted) {
			return nil
		}
		logger.Error("setup failed", "error", err)
		return err
	}
	return nil
}

// setupLogger builds the slog logger. Lines go to stdout and, unless
// --log-file is empty, are appended to the log file as well.
func setupLogger() (*slog.Logger, func(), error) {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stdout
	closeFn := func() {}
	if logFile != "" {
		f, err := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to open log file: %w", err)
		}
		w = io.MultiWriter(os.Stdout, f)
		closeFn = func() { _ = f.Close() }
	}

	// Create handler based on format
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler), closeFn, nil
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	logger.Info("loading configuration", "path", cfgFile)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"host", cfg.FTP.Host,
		"apps", len(cfg.Apps),
		"overwrite", cfg.Overwrite,
		"history_file", cfg.HistoryFile)

	return cfg, nil
}

// openHistory reads the history file. A corrupt file is treated as empty so
// the next deploy becomes a full one and rewrites it.
func openHistory(cfg *config.Config, logger *slog.Logger) (*history.Store, error) {
	store, err := history.Open(cfg.HistoryFile)
	if err == nil {
		return store, nil
	}
	if _, statErr := os.Stat(cfg.HistoryFile); statErr != nil {
		return nil, err
	}
	logger.Warn("failed to load deploy history (will treat as first deploy)", "path", cfg.HistoryFile, "error", err)
	return history.NewEmpty(cfg.HistoryFile), nil
}

func printApps(w io.Writer, cfg *config.Config, store *history.Store) {
	_, _ = fmt.Fprintln(w, "Configured apps:")
	for _, app := range cfg.Apps {
		line := fmt.Sprintf("  - %s: %s -> %s", app.Name, app.LocalPath, app.RemotePath)
		if rec, ok := store.Get(app.Name); ok {
			line += fmt.Sprintf(" (last deploy %s at %s)", git.ShortHash(rec.LastCommit), rec.Timestamp.Local().Format("2006-01-02 15:04:05"))
		}
		_, _ = fmt.Fprintln(w, line)
	}
	if len(cfg.Apps) > 0 {
		_, _ = fmt.Fprintf(w, "\nExample: deploy --app %s\n", cfg.Apps[0].Name)
	}
}

// exitCode maps an error to the process exit status
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, config.ErrInvalid):
		return exitConfig
	case errors.Is(err, git.ErrNotAGitRepository), errors.Is(err, git.ErrInvalidReference):
		return exitGit
	case errors.Is(err, ftpclient.ErrConnection):
		return exitConnection
	case errors.Is(err, ftpclient.ErrTransfer):
		return exitTransfer
	default:
		return exitFailure
	}
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
