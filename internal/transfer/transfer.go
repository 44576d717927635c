// Package transfer uploads certificates to a client's remote directory over
// SFTP or FTP.
package transfer

import (
	"context"
	"fmt"
	"path"
	"path/filepath"
	"strings"

	"github.com/thrillee/aegiscert/internal/config"
)

// Uploader copies a local file into a remote directory and returns the remote path.
type Uploader interface {
	Upload(ctx context.Context, localPath, remoteDir string) (string, error)
}

// New picks the uploader for cfg.Type (SFTP or FTP).
func New(cfg config.RemoteConfig) (Uploader, error) {
	switch strings.ToUpper(cfg.Type) {
	case "SFTP":
		u, err := NewSFTPUploader(cfg)
		if err != nil {
			return nil, err
		}
		return u, nil
	case "FTP":
		return NewFTPUploader(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported REMOTE_STORAGE_TYPE %q", cfg.Type)
	}
}

func remotePath(remoteDir, localPath string) string {
	return path.Join(remoteDir, filepath.Base(localPath))
}
