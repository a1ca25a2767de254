//go:build integration

package ftp

import (
	"crypto/tls"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	ftpserver "github.com/fclairamb/ftpserverlib"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
)

const (
	testUser     = "deployer"
	testPassword = "s3cret"
)

// Harness runs an in-process FTP server backed by a temp directory
type Harness struct {
	t      *testing.T
	Root   string
	server *ftpserver.FtpServer
}

// NewHarness starts a server on a random local port; it stops with the test
func NewHarness(t *testing.T) *Harness {
	t.Helper()

	root := t.TempDir()
	server := ftpserver.NewFtpServer(&driver{root: root})
	require.NoError(t, server.Listen(), "listen")
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(func() {
		_ = server.Stop()
	})

	t.Logf("FTP server listening on %s (root %s)", server.Addr(), root)
	return &Harness{t: t, Root: root, server: server}
}

// HostPort returns the address clients connect to
func (h *Harness) HostPort() (string, int) {
	h.t.Helper()
	host, portStr, err := net.SplitHostPort(h.server.Addr())
	require.NoError(h.t, err, "parse server address")
	port, err := strconv.Atoi(portStr)
	require.NoError(h.t, err, "parse server port")
	return host, port
}

// ReadRemote returns the content of a file on the server, "" if absent
func (h *Harness) ReadRemote(remote string) (string, bool) {
	h.t.Helper()
	data, err := os.ReadFile(filepath.Join(h.Root, filepath.FromSlash(remote)))
	if os.IsNotExist(err) {
		return "", false
	}
	require.NoError(h.t, err, "read remote %s", remote)
	return string(data), true
}

// WriteRemote places a file on the server directly
func (h *Harness) WriteRemote(remote, content string) {
	h.t.Helper()
	p := filepath.Join(h.Root, filepath.FromSlash(remote))
	require.NoError(h.t, os.MkdirAll(filepath.Dir(p), 0755), "mkdir remote %s", remote)
	require.NoError(h.t, os.WriteFile(p, []byte(content), 0644), "write remote %s", remote)
}

// driver serves a single account rooted at root
type driver struct {
	root string
}

func (d *driver) GetSettings() (*ftpserver.Settings, error) {
	return &ftpserver.Settings{
		ListenAddr: "127.0.0.1:0",
		Banner:     "ftpdeploy test server",
	}, nil
}

func (d *driver) ClientConnected(cc ftpserver.ClientContext) (string, error) {
	return "welcome", nil
}

func (d *driver) ClientDisconnected(cc ftpserver.ClientContext) {}

func (d *driver) AuthUser(cc ftpserver.ClientContext, user, pass string) (ftpserver.ClientDriver, error) {
	if user != testUser || pass != testPassword {
		return nil, errors.New("invalid credentials")
	}
	return afero.NewBasePathFs(afero.NewOsFs(), d.root), nil
}

func (d *driver) GetTLSConfig() (*tls.Config, error) {
	return nil, errors.New("tls not configured")
}
