package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"

	"github.com/pkg/sftp"
	"github.com/thrillee/aegiscert/internal/config"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

type SFTPUploader struct {
	addr      string
	sshConfig *ssh.ClientConfig
}

// NewSFTPUploader verifies the server against REMOTE_KNOWN_HOSTS. Skipping
// verification requires REMOTE_INSECURE_HOST_KEY.
func NewSFTPUploader(cfg config.RemoteConfig) (*SFTPUploader, error) {
	var hostKeyCallback ssh.HostKeyCallback
	switch {
	case cfg.KnownHosts != "":
		cb, err := knownhosts.New(cfg.KnownHosts)
		if err != nil {
			return nil, fmt.Errorf("load known hosts %s: %w", cfg.KnownHosts, err)
		}
		hostKeyCallback = cb
	case cfg.InsecureHostKey:
		slog.Warn("REMOTE_INSECURE_HOST_KEY set, SFTP host key will not be verified", slog.String("host", cfg.Host))
		hostKeyCallback = ssh.InsecureIgnoreHostKey()
	default:
		return nil, errors.New("REMOTE_KNOWN_HOSTS is required for SFTP unless REMOTE_INSECURE_HOST_KEY is set")
	}

	return &SFTPUploader{
		addr: cfg.Addr(),
		sshConfig: &ssh.ClientConfig{
			User:            cfg.Username,
			Auth:            []ssh.AuthMethod{ssh.Password(cfg.Password)},
			HostKeyCallback: hostKeyCallback,
			Timeout:         cfg.Timeout,
		},
	}, nil
}

func (u *SFTPUploader) Upload(ctx context.Context, localPath, remoteDir string) (string, error) {
	dialer := net.Dialer{Timeout: u.sshConfig.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", u.addr)
	if err != nil {
		return "", fmt.Errorf("dial sftp %s: %w", u.addr, err)
	}
	sshConn, chans, reqs, err := ssh.NewClientConn(conn, u.addr, u.sshConfig)
	if err != nil {
		conn.Close()
		return "", fmt.Errorf("ssh handshake with %s: %w", u.addr, err)
	}
	sshClient := ssh.NewClient(sshConn, chans, reqs)
	defer sshClient.Close()

	client, err := sftp.NewClient(sshClient)
	if err != nil {
		return "", fmt.Errorf("start sftp session: %w", err)
	}
	defer client.Close()

	return uploadSFTP(client, localPath, remoteDir)
}

func uploadSFTP(client *sftp.Client, localPath, remoteDir string) (string, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	if err := client.MkdirAll(remoteDir); err != nil {
		return "", fmt.Errorf("create remote dir %s: %w", remoteDir, err)
	}
	dst := remotePath(remoteDir, localPath)
	f, err := client.Create(dst)
	if err != nil {
		return "", fmt.Errorf("create remote file %s: %w", dst, err)
	}
	if _, err := io.Copy(f, src); err != nil {
		f.Close()
		return "", fmt.Errorf("write remote file %s: %w", dst, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("close remote file %s: %w", dst, err)
	}
	return dst, nil
}
