package transfer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"github.com/thrillee/aegiscert/internal/config"
)

type FTPUploader struct {
	addr     string
	username string
	password string
	timeout  time.Duration
}

func NewFTPUploader(cfg config.RemoteConfig) *FTPUploader {
	return &FTPUploader{
		addr:     cfg.Addr(),
		username: cfg.Username,
		password: cfg.Password,
		timeout:  cfg.Timeout,
	}
}

func (u *FTPUploader) Upload(ctx context.Context, localPath, remoteDir string) (string, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer src.Close()

	conn, err := ftp.Dial(u.addr, ftp.DialWithTimeout(u.timeout), ftp.DialWithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("dial ftp %s: %w", u.addr, err)
	}
	defer func() {
		if err := conn.Quit(); err != nil {
			slog.DebugContext(ctx, "FTP quit failed", slog.Any("error", err))
		}
	}()

	if err := conn.Login(u.username, u.password); err != nil {
		return "", fmt.Errorf("ftp login: %w", err)
	}
	if err := ensureDir(conn, remoteDir); err != nil {
		return "", err
	}
	dst := remotePath(remoteDir, localPath)
	if err := conn.Stor(dst, src); err != nil {
		return "", fmt.Errorf("store %s: %w", dst, err)
	}
	return dst, nil
}

// ensureDir creates remoteDir one component at a time. FTP has no mkdir -p.
func ensureDir(conn *ftp.ServerConn, remoteDir string) error {
	current := ""
	if strings.HasPrefix(remoteDir, "/") {
		current = "/"
	}
	for _, part := range strings.Split(strings.Trim(remoteDir, "/"), "/") {
		if part == "" {
			continue
		}
		current = path.Join(current, part)
		if err := conn.ChangeDir(current); err == nil {
			continue
		}
		if err := conn.MakeDir(current); err != nil {
			return fmt.Errorf("create remote dir %s: %w", current, err)
		}
	}
	return nil
}
