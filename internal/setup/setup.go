package setup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/ftpdeploy/internal/config"
	"github.com/schaermu/ftpdeploy/internal/ftpclient"
	"github.com/schaermu/ftpdeploy/internal/git"
)

// DefaultFTPHost is offered when the user does not type a host
const DefaultFTPHost = "ftp.lolipop.jp"

// ErrAborted is returned when the user declines to replace an existing config
var ErrAborted = errors.New("setup aborted")

// gitignoreEntries keep credentials and local state out of version control
var gitignoreEntries = []string{
	config.DefaultFileName,
	config.DefaultLogName,
	config.DefaultHistoryName,
}

// Wizard creates a config file interactively
type Wizard struct {
	configPath    string
	gitignorePath string
	prompt        *Prompter
	dialer        ftpclient.Dialer
	logger        *slog.Logger
}

// NewWizard creates a wizard writing configPath. The .gitignore next to the
// config file receives the entries for the config, log and history files.
func NewWizard(configPath string, prompt *Prompter, dialer ftpclient.Dialer, logger *slog.Logger) *Wizard {
	return &Wizard{
		configPath:    configPath,
		gitignorePath: filepath.Join(filepath.Dir(configPath), ".gitignore"),
		prompt:        prompt,
		dialer:        dialer,
		logger:        logger,
	}
}

// Run asks for the configuration, writes it, optionally tests the FTP login
// and checks the local paths. Local path problems only produce warnings.
func (w *Wizard) Run(ctx context.Context, testConnection bool) (*config.Config, error) {
	if _, err := os.Stat(w.configPath); err == nil {
		overwrite, err := w.prompt.Confirm(fmt.Sprintf("Config file %s exists. Overwrite?", w.configPath), false)
		if err != nil {
			return nil, err
		}
		if !overwrite {
			w.logger.Info("setup cancelled, existing config kept", "path", w.configPath)
			return nil, ErrAborted
		}
	}

	cfg, err := w.Ask()
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", config.ErrInvalid, err)
	}

	if err := config.Save(w.configPath, cfg); err != nil {
		return nil, err
	}
	w.logger.Info("config file written", "path", w.configPath)

	if testConnection {
		if err := w.TestConnection(ctx, cfg); err != nil {
			return nil, err
		}
	}

	if !w.ValidateLocalPaths(cfg) {
		w.logger.Warn("some local paths have problems, check them before deploying")
	}

	if err := w.EnsureGitignore(); err != nil {
		w.logger.Warn("failed to update .gitignore", "error", err)
	}

	w.prompt.Println()
	w.prompt.Println("Setup complete. Deploy with:")
	for _, app := range cfg.Apps {
		w.prompt.Println(fmt.Sprintf("  deploy --config %s --app %s", w.configPath, app.Name))
	}

	return cfg, nil
}

// Ask collects the FTP credentials, the applications and the overwrite policy
func (w *Wizard) Ask() (*config.Config, error) {
	w.prompt.Println("=== FTP connection ===")
	host, err := w.prompt.Ask("FTP host", DefaultFTPHost)
	if err != nil {
		return nil, err
	}
	username, err := w.prompt.Ask("FTP username", "")
	if err != nil {
		return nil, err
	}
	if username == "" {
		return nil, fmt.Errorf("%w: FTP username is required", config.ErrInvalid)
	}
	password, err := w.prompt.Password("FTP password")
	if err != nil {
		return nil, err
	}
	if password == "" {
		return nil, fmt.Errorf("%w: FTP password is required", config.ErrInvalid)
	}

	w.prompt.Println()
	w.prompt.Println("=== Applications ===")
	apps, err := w.askApps()
	if err != nil {
		return nil, err
	}

	w.prompt.Println()
	w.prompt.Println("=== Deploy settings ===")
	overwrite, err := w.prompt.Confirm("Overwrite existing remote files?", true)
	if err != nil {
		return nil, err
	}

	return &config.Config{
		FTP: config.FTPConfig{
			Host:     host,
			Port:     config.DefaultFTPPort,
			Username: username,
			Password: password,
		},
		Apps:            apps,
		Overwrite:       overwrite,
		Timeout:         config.DefaultTimeout,
		ExcludePatterns: append([]string(nil), config.DefaultExcludePatterns...),
		Retries:         config.DefaultRetries,
		RetryDelay:      config.DefaultRetryDelay,
	}, nil
}

func (w *Wizard) askApps() ([]config.AppConfig, error) {
	var apps []config.AppConfig

	for {
		w.prompt.Println()
		w.prompt.Println(fmt.Sprintf("--- App %d ---", len(apps)+1))

		name, err := w.prompt.Ask("App name", "")
		if err != nil {
			return nil, err
		}
		if name == "" {
			if len(apps) == 0 {
				w.prompt.Println("At least one app is required.")
				continue
			}
			return apps, nil
		}

		localPath, err := w.prompt.Ask("Local path (e.g. /var/www/my-app)", "")
		if err != nil {
			return nil, err
		}
		if localPath == "" {
			w.prompt.Println("Local path is required.")
			continue
		}

		remotePath, err := w.prompt.Ask("Remote path (e.g. /my-app)", "")
		if err != nil {
			return nil, err
		}
		if remotePath == "" {
			w.prompt.Println("Remote path is required.")
			continue
		}
		if !strings.HasPrefix(remotePath, "/") {
			remotePath = "/" + remotePath
		}

		w.prompt.Println(fmt.Sprintf("Files or folders of %s to deploy on every run, relative to the local path", name))
		w.prompt.Println("(e.g. .env or dist; empty line to finish)")
		var always []string
		for {
			entry, err := w.prompt.Ask(fmt.Sprintf("Entry %d", len(always)+1), "")
			if err != nil {
				return nil, err
			}
			if entry == "" {
				break
			}
			always = append(always, entry)
		}

		apps = append(apps, config.AppConfig{
			Name:              name,
			LocalPath:         filepath.Clean(localPath),
			RemotePath:        remotePath,
			AlwaysDeployFiles: always,
		})

		more, err := w.prompt.Confirm("Configure another app?", false)
		if err != nil {
			return nil, err
		}
		if !more {
			return apps, nil
		}
	}
}

// TestConnection logs in to the configured server and disconnects
func (w *Wizard) TestConnection(ctx context.Context, cfg *config.Config) error {
	w.logger.Info("testing ftp connection", "address", cfg.Address())

	transport, err := w.dialer.Dial(ctx, ftpclient.Options{
		Address:     cfg.Address(),
		Username:    cfg.FTP.Username,
		Password:    cfg.FTP.Password,
		Timeout:     cfg.TimeoutDuration(),
		TLS:         cfg.FTP.TLS,
		DisableEPSV: cfg.FTP.DisableEPSV,
		Retries:     1,
	})
	if err != nil {
		return fmt.Errorf("ftp connection test failed: %w", err)
	}
	if err := transport.Close(); err != nil {
		w.logger.Warn("failed to close test connection", "error", err)
	}

	w.logger.Info("ftp connection test succeeded")
	return nil
}

// ValidateLocalPaths checks that every app points at an existing git working copy
func (w *Wizard) ValidateLocalPaths(cfg *config.Config) bool {
	valid := true
	for _, app := range cfg.Apps {
		if _, err := os.Stat(app.LocalPath); err != nil {
			w.logger.Warn("local path does not exist", "app", app.Name, "path", app.LocalPath)
			valid = false
			continue
		}
		if !git.IsRepository(app.LocalPath) {
			w.logger.Warn("local path is not a git repository", "app", app.Name, "path", app.LocalPath)
			valid = false
			continue
		}
		w.logger.Info("local path ok", "app", app.Name, "path", app.LocalPath)
	}
	return valid
}

// EnsureGitignore appends the tool's files to .gitignore unless the config file is already listed
func (w *Wizard) EnsureGitignore() error {
	data, err := os.ReadFile(w.gitignorePath)
	if err != nil && !os.IsNotExist(err) {
		return err
	}

	existing := string(data)
	for _, line := range strings.Split(existing, "\n") {
		if strings.TrimSpace(line) == config.DefaultFileName {
			w.logger.Info(".gitignore already lists the deploy files", "path", w.gitignorePath)
			return nil
		}
	}

	var b strings.Builder
	if existing != "" {
		if !strings.HasSuffix(existing, "\n") {
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	b.WriteString("# deploy tool files\n")
	for _, entry := range gitignoreEntries {
		b.WriteString(entry + "\n")
	}

	f, err := os.OpenFile(w.gitignorePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.WriteString(b.String()); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	w.logger.Info("added deploy files to .gitignore", "path", w.gitignorePath)
	return nil
}
