package transfer

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/thrillee/aegiscert/internal/config"
)

func TestNewPicksUploader(t *testing.T) {
	u, err := New(config.RemoteConfig{Type: "ftp", Host: "files.test"})
	require.NoError(t, err)
	assert.IsType(t, &FTPUploader{}, u)

	knownHosts := filepath.Join(t.TempDir(), "known_hosts")
	require.NoError(t, os.WriteFile(knownHosts, nil, 0o600))
	u, err = New(config.RemoteConfig{Type: "SFTP", Host: "files.test", KnownHosts: knownHosts})
	require.NoError(t, err)
	assert.IsType(t, &SFTPUploader{}, u)

	_, err = New(config.RemoteConfig{Type: "S3", Host: "files.test"})
	assert.Error(t, err)

	_, err = New(config.RemoteConfig{Type: "SFTP", Host: "files.test", KnownHosts: filepath.Join(t.TempDir(), "missing")})
	assert.ErrorContains(t, err, "known hosts")
}

func TestNewSFTPUploaderHostKeyPolicy(t *testing.T) {
	u, err := New(config.RemoteConfig{Type: "SFTP", Host: "files.test"})
	assert.ErrorContains(t, err, "REMOTE_KNOWN_HOSTS")
	assert.Nil(t, u)

	s, err := NewSFTPUploader(config.RemoteConfig{Type: "SFTP", Host: "files.test", InsecureHostKey: true})
	require.NoError(t, err)
	assert.NotNil(t, s.sshConfig.HostKeyCallback)
}

func TestRemoteAddrDefaults(t *testing.T) {
	assert.Equal(t, "files.test:22", config.RemoteConfig{Type: "SFTP", Host: "files.test"}.Addr())
	assert.Equal(t, "files.test:21", config.RemoteConfig{Type: "FTP", Host: "files.test"}.Addr())
	assert.Equal(t, "files.test:2222", config.RemoteConfig{Type: "SFTP", Host: "files.test", Port: 2222}.Addr())
}

type pipeConn struct {
	io.Reader
	io.WriteCloser
}

// pipeClient connects an sftp client to an in-process server on the local filesystem.
func pipeClient(t *testing.T) *sftp.Client {
	t.Helper()
	c2sR, c2sW := io.Pipe()
	s2cR, s2cW := io.Pipe()

	server, err := sftp.NewServer(pipeConn{Reader: c2sR, WriteCloser: s2cW})
	require.NoError(t, err)
	go func() { _ = server.Serve() }()

	client, err := sftp.NewClientPipe(s2cR, c2sW)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestUploadSFTPCreatesDirectories(t *testing.T) {
	local := filepath.Join(t.TempDir(), "abc123.pdf.p7m")
	require.NoError(t, os.WriteFile(local, []byte("signed"), 0o600))
	remoteDir := filepath.Join(t.TempDir(), "outbound", "acme")

	dst, err := uploadSFTP(pipeClient(t), local, remoteDir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(remoteDir, "abc123.pdf.p7m"), dst)

	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, "signed", string(got))
}

func TestUploadSFTPMissingLocalFile(t *testing.T) {
	_, err := uploadSFTP(pipeClient(t), filepath.Join(t.TempDir(), "nope"), t.TempDir())
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestUploadersReportUnreachableHost(t *testing.T) {
	local := filepath.Join(t.TempDir(), "abc.pdf.p7m")
	require.NoError(t, os.WriteFile(local, []byte("signed"), 0o600))

	for _, typ := range []string{"SFTP", "FTP"} {
		u, err := New(config.RemoteConfig{Type: typ, Host: "127.0.0.1", Port: closedPort(t), Timeout: time.Second, InsecureHostKey: true})
		require.NoError(t, err)
		_, err = u.Upload(context.Background(), local, "/outbound")
		assert.Error(t, err, typ)
	}
}
