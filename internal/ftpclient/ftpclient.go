package ftpclient

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/textproto"
	"os"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/sethvargo/go-retry"
)

var (
	// ErrConnection marks dial, timeout and login failures
	ErrConnection = errors.New("ftp connection error")
	// ErrTransfer marks a failed upload, delete or directory operation
	ErrTransfer = errors.New("ftp transfer error")
)

// Options configures a session
type Options struct {
	Address     string // host:port
	Username    string
	Password    string
	Timeout     time.Duration
	TLS         bool // explicit FTPS (AUTH TLS)
	DisableEPSV bool

	// Retries is the number of attempts per upload or delete
	Retries    int
	RetryDelay time.Duration
}

// Transport provides the remote file operations of a deploy
type Transport interface {
	// EnsureDir creates remoteDir and its parents; existing directories are fine
	EnsureDir(ctx context.Context, remoteDir string) error
	// Upload stores localFile at remoteFile. With overwrite false an existing
	// remote file is left alone and Upload reports false.
	Upload(ctx context.Context, localFile, remoteFile string, overwrite bool) (bool, error)
	// Delete removes remoteFile; a file that is already gone counts as deleted
	Delete(ctx context.Context, remoteFile string) error
	// ClearDir removes everything inside remoteDir but keeps the directory
	ClearDir(ctx context.Context, remoteDir string) error
	// Close ends the session
	Close() error
}

// Dialer opens transports
type Dialer interface {
	Dial(ctx context.Context, opts Options) (Transport, error)
}

// FTPDialer dials real FTP servers
type FTPDialer struct {
	logger *slog.Logger
}

// NewDialer creates a dialer whose sessions log to logger
func NewDialer(logger *slog.Logger) *FTPDialer {
	return &FTPDialer{logger: logger}
}

// Dial implements Dialer
func (d *FTPDialer) Dial(ctx context.Context, opts Options) (Transport, error) {
	return Connect(ctx, opts, d.logger)
}

// serverConn is the part of *ftp.ServerConn the client uses
type serverConn interface {
	Login(user, password string) error
	ChangeDir(path string) error
	MakeDir(path string) error
	FileSize(path string) (int64, error)
	Stor(path string, r io.Reader) error
	Delete(path string) error
	List(path string) ([]*ftp.Entry, error)
	RemoveDirRecur(path string) error
	Quit() error
}

// Client implements Transport over a single FTP control connection
type Client struct {
	conn      serverConn
	opts      Options
	logger    *slog.Logger
	knownDirs map[string]bool
}

// Connect dials the server and logs in
func Connect(ctx context.Context, opts Options, logger *slog.Logger) (*Client, error) {
	dialOpts := []ftp.DialOption{
		ftp.DialWithContext(ctx),
		ftp.DialWithDisabledEPSV(opts.DisableEPSV),
	}
	if opts.Timeout > 0 {
		dialOpts = append(dialOpts, ftp.DialWithTimeout(opts.Timeout))
	}
	if opts.TLS {
		host, _, err := net.SplitHostPort(opts.Address)
		if err != nil {
			host = opts.Address
		}
		dialOpts = append(dialOpts, ftp.DialWithExplicitTLS(&tls.Config{
			ServerName: host,
			MinVersion: tls.VersionTLS12,
		}))
	}

	conn, err := ftp.Dial(opts.Address, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to %s: %w", ErrConnection, opts.Address, err)
	}

	if err := conn.Login(opts.Username, opts.Password); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("%w: login as %s failed: %w", ErrConnection, opts.Username, err)
	}

	logger.Info("ftp connection established", "address", opts.Address, "tls", opts.TLS)
	return newClient(conn, opts, logger), nil
}

func newClient(conn serverConn, opts Options, logger *slog.Logger) *Client {
	if opts.Retries < 1 {
		opts.Retries = 1
	}
	return &Client{
		conn:      conn,
		opts:      opts,
		logger:    logger,
		knownDirs: map[string]bool{"/": true},
	}
}

// EnsureDir creates remoteDir one level at a time
func (c *Client) EnsureDir(ctx context.Context, remoteDir string) error {
	dir := cleanRemote(remoteDir)
	if c.knownDirs[dir] {
		return nil
	}

	cur := ""
	for _, part := range strings.Split(strings.Trim(dir, "/"), "/") {
		if err := ctx.Err(); err != nil {
			return err
		}

		cur += "/" + part
		if c.knownDirs[cur] {
			continue
		}
		if err := c.conn.ChangeDir(cur); err == nil {
			c.knownDirs[cur] = true
			continue
		}

		if err := c.conn.MakeDir(cur); err != nil {
			// The directory may have appeared in the meantime
			if cerr := c.conn.ChangeDir(cur); cerr != nil {
				return fmt.Errorf("%w: failed to create directory %s: %w", ErrTransfer, cur, err)
			}
		} else {
			c.logger.Info("created remote directory", "path", cur)
		}
		c.knownDirs[cur] = true
	}

	return nil
}

// Upload stores a local file on the server, retrying failed attempts
func (c *Client) Upload(ctx context.Context, localFile, remoteFile string, overwrite bool) (bool, error) {
	remoteFile = cleanRemote(remoteFile)

	if _, err := os.Stat(localFile); err != nil {
		return false, fmt.Errorf("%w: local file %s: %w", ErrTransfer, localFile, err)
	}

	if err := c.EnsureDir(ctx, path.Dir(remoteFile)); err != nil {
		return false, err
	}

	if !overwrite {
		if _, err := c.conn.FileSize(remoteFile); err == nil {
			c.logger.Info("remote file exists, overwrite disabled, skipping", "path", remoteFile)
			return false, nil
		}
	}

	err := c.withRetry(ctx, "upload", remoteFile, func() error {
		f, err := os.Open(localFile)
		if err != nil {
			return err
		}
		defer func() {
			_ = f.Close()
		}()
		return c.conn.Stor(remoteFile, f)
	})
	if err != nil {
		return false, fmt.Errorf("%w: failed to upload %s -> %s: %w", ErrTransfer, localFile, remoteFile, err)
	}

	c.logger.Info("uploaded", "local", localFile, "remote", remoteFile)
	return true, nil
}

// Delete removes a remote file, retrying failed attempts
func (c *Client) Delete(ctx context.Context, remoteFile string) error {
	remoteFile = cleanRemote(remoteFile)

	err := c.withRetry(ctx, "delete", remoteFile, func() error {
		err := c.conn.Delete(remoteFile)
		if isNotFound(err) {
			c.logger.Warn("remote file already absent", "path", remoteFile)
			return nil
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: failed to delete %s: %w", ErrTransfer, remoteFile, err)
	}

	c.logger.Info("deleted", "remote", remoteFile)
	return nil
}

// ClearDir empties remoteDir. A missing directory has nothing to clear.
func (c *Client) ClearDir(ctx context.Context, remoteDir string) error {
	dir := cleanRemote(remoteDir)

	entries, err := c.conn.List(dir)
	if err != nil {
		if isNotFound(err) {
			c.logger.Info("remote directory absent, nothing to clear", "path", dir)
			return nil
		}
		return fmt.Errorf("%w: failed to list %s: %w", ErrTransfer, dir, err)
	}

	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		name := path.Base(e.Name)
		if name == "." || name == ".." {
			continue
		}
		full := path.Join(dir, name)

		if e.Type == ftp.EntryTypeFolder {
			err = c.conn.RemoveDirRecur(full)
		} else {
			err = c.conn.Delete(full)
		}
		if err != nil && !isNotFound(err) {
			return fmt.Errorf("%w: failed to clear %s: %w", ErrTransfer, full, err)
		}
	}

	// Subdirectories are gone now
	for known := range c.knownDirs {
		if strings.HasPrefix(known, dir+"/") {
			delete(c.knownDirs, known)
		}
	}

	c.logger.Info("cleared remote directory", "path", dir)
	return nil
}

// Close sends QUIT
func (c *Client) Close() error {
	if err := c.conn.Quit(); err != nil {
		return fmt.Errorf("failed to close ftp connection: %w", err)
	}
	return nil
}

// withRetry runs fn up to opts.Retries times with a constant pause between attempts
func (c *Client) withRetry(ctx context.Context, op, target string, fn func() error) error {
	delay := c.opts.RetryDelay
	if delay <= 0 {
		delay = time.Millisecond
	}
	backoff := retry.WithMaxRetries(uint64(c.opts.Retries-1), retry.NewConstant(delay))

	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		c.logger.Warn("ftp operation failed",
			"op", op,
			"path", target,
			"attempt", attempt,
			"attempts", c.opts.Retries,
			"error", err)
		return retry.RetryableError(err)
	})
}

// isNotFound reports a 550 reply (file unavailable)
func isNotFound(err error) bool {
	var tpErr *textproto.Error
	return errors.As(err, &tpErr) && tpErr.Code == ftp.StatusFileUnavailable
}

func cleanRemote(p string) string {
	return path.Clean("/" + p)
}
