package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/schaermu/ftpdeploy/internal/filter"
)

// ErrInvalid marks every configuration problem: missing or malformed file,
// failed validation, unknown application name.
var ErrInvalid = errors.New("config error")

const (
	DefaultFileName    = "deploy_config.json"
	DefaultHistoryName = "deploy_history.json"
	DefaultLogName     = "deploy.log"
	DefaultFTPPort     = 21
	DefaultTimeout     = 30
	DefaultRetries     = 3
	DefaultRetryDelay  = 5

	// EnvPrefix is the prefix for environment overrides, e.g. FTPDEPLOY_FTP_PASSWORD.
	EnvPrefix = "FTPDEPLOY"
)

// DefaultExcludePatterns is written into new configs by the setup wizard.
var DefaultExcludePatterns = []string{
	".git",
	".gitignore",
	"__pycache__",
	"*.pyc",
	"*.pyo",
	".DS_Store",
	"Thumbs.db",
	".env",
	".env.local",
	DefaultFileName,
	DefaultLogName,
	DefaultHistoryName,
	"*.tmp",
	"*.log",
	".vscode",
	".idea",
	"*.swp",
	"*.swo",
}

// Config represents the complete deploy configuration
type Config struct {
	FTP             FTPConfig   `json:"ftp" yaml:"ftp" mapstructure:"ftp"`
	Apps            []AppConfig `json:"apps" yaml:"apps" mapstructure:"apps" validate:"required,min=1,dive"`
	Overwrite       bool        `json:"overwrite" yaml:"overwrite" mapstructure:"overwrite"`
	Timeout         int         `json:"timeout" yaml:"timeout" mapstructure:"timeout" validate:"gte=1"`
	ExcludePatterns []string    `json:"exclude_patterns" yaml:"exclude_patterns" mapstructure:"exclude_patterns"`
	Retries         int         `json:"retries,omitempty" yaml:"retries,omitempty" mapstructure:"retries" validate:"gte=1"`
	RetryDelay      int         `json:"retry_delay,omitempty" yaml:"retry_delay,omitempty" mapstructure:"retry_delay" validate:"gte=0"`
	HistoryFile     string      `json:"history_file,omitempty" yaml:"history_file,omitempty" mapstructure:"history_file"`
	MetricsFile     string      `json:"metrics_file,omitempty" yaml:"metrics_file,omitempty" mapstructure:"metrics_file"`

	// path is the file the config was loaded from; relative files resolve against its directory.
	path string
}

// FTPConfig configures the remote FTP server
type FTPConfig struct {
	Host        string `json:"host" yaml:"host" mapstructure:"host" validate:"required,hostname_rfc1123|ip"`
	Port        int    `json:"port,omitempty" yaml:"port,omitempty" mapstructure:"port" validate:"gte=1,lte=65535"`
	Username    string `json:"username" yaml:"username" mapstructure:"username" validate:"required"`
	Password    string `json:"password" yaml:"password" mapstructure:"password" validate:"required"`
	TLS         bool   `json:"tls,omitempty" yaml:"tls,omitempty" mapstructure:"tls"`
	DisableEPSV bool   `json:"disable_epsv,omitempty" yaml:"disable_epsv,omitempty" mapstructure:"disable_epsv"`
}

// AppConfig configures one deployable application
type AppConfig struct {
	Name                   string   `json:"name" yaml:"name" mapstructure:"name" validate:"required"`
	LocalPath              string   `json:"local_path" yaml:"local_path" mapstructure:"local_path" validate:"required"`
	RemotePath             string   `json:"remote_path" yaml:"remote_path" mapstructure:"remote_path" validate:"required,startswith=/"`
	AlwaysDeployFiles      []string `json:"always_deploy_files" yaml:"always_deploy_files" mapstructure:"always_deploy_files"`
	ExcludePatterns        []string `json:"exclude_patterns,omitempty" yaml:"exclude_patterns,omitempty" mapstructure:"exclude_patterns"`
	IncludeUntracked       bool     `json:"include_untracked,omitempty" yaml:"include_untracked,omitempty" mapstructure:"include_untracked"`
	MirrorAlwaysDeployDirs bool     `json:"mirror_always_deploy_dirs,omitempty" yaml:"mirror_always_deploy_dirs,omitempty" mapstructure:"mirror_always_deploy_dirs"`
}

// Load reads and parses the configuration file. JSON is the default format;
// .yaml and .yml files are accepted as well.
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("%w: failed to read config file %s: %w", ErrInvalid, path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("%w: failed to parse config file: %w", ErrInvalid, err)
	}
	cfg.path = path

	// Expand environment variables in string fields
	cfg.expandEnv()

	// Apply defaults
	cfg.applyDefaults()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid configuration: %w", ErrInvalid, err)
	}

	return &cfg, nil
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigFile(path)
	if ext := strings.ToLower(filepath.Ext(path)); ext != ".yaml" && ext != ".yml" {
		v.SetConfigType("json")
	}

	v.SetDefault("ftp.port", DefaultFTPPort)
	v.SetDefault("overwrite", true)
	v.SetDefault("timeout", DefaultTimeout)
	v.SetDefault("retries", DefaultRetries)
	v.SetDefault("retry_delay", DefaultRetryDelay)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Credentials may be absent from the file and supplied only through the environment.
	for _, key := range []string{"ftp.host", "ftp.username", "ftp.password"} {
		_ = v.BindEnv(key)
	}
	return v
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.FTP.Host = os.ExpandEnv(c.FTP.Host)
	c.FTP.Username = os.ExpandEnv(c.FTP.Username)
	c.FTP.Password = os.ExpandEnv(c.FTP.Password)
	c.HistoryFile = os.ExpandEnv(c.HistoryFile)
	c.MetricsFile = os.ExpandEnv(c.MetricsFile)
	for i := range c.Apps {
		c.Apps[i].LocalPath = os.ExpandEnv(c.Apps[i].LocalPath)
		c.Apps[i].RemotePath = os.ExpandEnv(c.Apps[i].RemotePath)
	}
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.FTP.Port == 0 {
		c.FTP.Port = DefaultFTPPort
	}
	if c.Timeout == 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Retries == 0 {
		c.Retries = DefaultRetries
	}
	if c.HistoryFile == "" {
		c.HistoryFile = DefaultHistoryName
	}
	if !filepath.IsAbs(c.HistoryFile) && c.path != "" {
		c.HistoryFile = filepath.Join(filepath.Dir(c.path), c.HistoryFile)
	}
	if c.MetricsFile != "" && !filepath.IsAbs(c.MetricsFile) && c.path != "" {
		c.MetricsFile = filepath.Join(filepath.Dir(c.path), c.MetricsFile)
	}
	for i := range c.Apps {
		c.Apps[i].RemotePath = path.Clean(c.Apps[i].RemotePath)
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report fields by their config key instead of the Go field name.
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			return fieldError(verrs[0])
		}
		return err
	}

	// App names are the lookup key and must be unique
	seen := make(map[string]bool, len(c.Apps))
	for _, app := range c.Apps {
		if seen[app.Name] {
			return fmt.Errorf("duplicate app name: %s", app.Name)
		}
		seen[app.Name] = true

		if _, err := filter.Compile(c.ExcludesFor(&app)); err != nil {
			return fmt.Errorf("app %s: %w", app.Name, err)
		}
		for _, entry := range app.AlwaysDeployFiles {
			clean := path.Clean(filepath.ToSlash(entry))
			if filepath.IsAbs(entry) || clean == ".." || strings.HasPrefix(clean, "../") {
				return fmt.Errorf("app %s: always_deploy_files entry must be relative to local_path: %s", app.Name, entry)
			}
		}
	}

	return nil
}

// fieldError renders a validator failure using the config key path.
func fieldError(fe validator.FieldError) error {
	field := fe.Namespace()
	if i := strings.Index(field, "."); i >= 0 {
		field = field[i+1:]
	}
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", field)
	case "startswith":
		return fmt.Errorf("%s must be an absolute remote path: %v", field, fe.Value())
	case "min":
		return fmt.Errorf("%s needs at least %s entry", field, fe.Param())
	default:
		return fmt.Errorf("%s is invalid (%s %s): %v", field, fe.Tag(), fe.Param(), fe.Value())
	}
}

// App returns the configuration of the named application
func (c *Config) App(name string) (*AppConfig, error) {
	for i := range c.Apps {
		if c.Apps[i].Name == name {
			return &c.Apps[i], nil
		}
	}
	return nil, fmt.Errorf("%w: app %q is not configured", ErrInvalid, name)
}

// ExcludesFor returns the global exclude patterns followed by the app's own.
func (c *Config) ExcludesFor(app *AppConfig) []string {
	patterns := make([]string, 0, len(c.ExcludePatterns)+len(app.ExcludePatterns))
	patterns = append(patterns, c.ExcludePatterns...)
	return append(patterns, app.ExcludePatterns...)
}

// Address returns host:port of the FTP server
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.FTP.Host, c.FTP.Port)
}

// TimeoutDuration returns the FTP timeout
func (c *Config) TimeoutDuration() time.Duration {
	return time.Duration(c.Timeout) * time.Second
}

// RetryDelayDuration returns the pause between transfer attempts
func (c *Config) RetryDelayDuration() time.Duration {
	return time.Duration(c.RetryDelay) * time.Second
}

// Path returns the file the config was loaded from, if any.
func (c *Config) Path() string {
	return c.path
}

// Save writes cfg to path. The format follows the extension, JSON unless
// the file ends in .yaml or .yml. The file holds credentials and is written 0600.
func Save(path string, cfg *Config) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	default:
		data, err = json.MarshalIndent(cfg, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
