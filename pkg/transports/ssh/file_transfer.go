package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/sftp"
)

// UploadDirectory mirrors a local directory tree to remoteDir over SFTP.
// Existing files are replaced and remote entries missing locally are
// removed. Top-level entries named in skip are neither uploaded nor pruned.
func (c *SSHClient) UploadDirectory(ctx context.Context, localDir string, remoteDir string, skip ...string) error {
	startTime := time.Now()

	sftpClient, err := c.createSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	skipped := make(map[string]bool, len(skip))
	for _, name := range skip {
		skipped[name] = true
	}

	uploaded := make(map[string]bool)
	var files int
	var bytes int64
	err = filepath.WalkDir(localDir, func(localPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		rel, err := filepath.Rel(localDir, localPath)
		if err != nil {
			return err
		}
		if skipped[rel] {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		target := path.Join(remoteDir, filepath.ToSlash(rel))
		if d.IsDir() {
			if err := sftpClient.MkdirAll(target); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", target, err)
			}
			uploaded[filepath.ToSlash(rel)] = true
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		uploaded[filepath.ToSlash(rel)] = true

		n, err := uploadFile(ctx, sftpClient, localPath, target)
		if err != nil {
			return err
		}
		files++
		bytes += n
		return nil
	})
	if err != nil {
		return &TransportError{Op: "upload-dir", Err: err}
	}

	pruned, err := pruneRemote(ctx, sftpClient, remoteDir, uploaded, skipped)
	if err != nil {
		return &TransportError{Op: "upload-dir", Err: err}
	}

	c.logger.Debug().
		Str("local", localDir).
		Str("remote", remoteDir).
		Int("files", files).
		Int("pruned", pruned).
		Int64("bytes", bytes).
		Dur("duration", time.Since(startTime)).
		Msg("directory uploaded")

	return nil
}

// DownloadFile copies a single remote file to localPath. The error wraps
// os.ErrNotExist when the remote file is missing.
func (c *SSHClient) DownloadFile(ctx context.Context, remotePath string, localPath string) error {
	sftpClient, err := c.createSFTPClient()
	if err != nil {
		return err
	}
	defer sftpClient.Close()

	remoteFile, err := sftpClient.Open(remotePath)
	if err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to open remote file %s: %w", remotePath, err)}
	}
	defer remoteFile.Close()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to create local directory: %w", err)}
	}

	// Write to a sibling and rename so a failed transfer never truncates
	// the previous copy.
	tmp, err := os.CreateTemp(filepath.Dir(localPath), "."+filepath.Base(localPath)+".*")
	if err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to create local file: %w", err)}
	}
	defer os.Remove(tmp.Name())

	n, err := copyWithContext(ctx, tmp, remoteFile)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to copy %s: %w", remotePath, err), IsTemporary: true}
	}

	if err := os.Rename(tmp.Name(), localPath); err != nil {
		return &TransportError{Op: "download", Err: fmt.Errorf("failed to replace %s: %w", localPath, err)}
	}

	c.logger.Debug().Str("remote", remotePath).Str("local", localPath).Int64("bytes", n).Msg("file downloaded")
	return nil
}

// IsNotExist reports whether err means a remote file was missing.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}

func (c *SSHClient) createSFTPClient() (*sftp.Client, error) {
	sshClient, err := c.getClient()
	if err != nil {
		return nil, err
	}

	sftpClient, err := sftp.NewClient(sshClient)
	if err != nil {
		return nil, &TransportError{
			Op:          "sftp-init",
			Err:         fmt.Errorf("failed to create SFTP client: %w", err),
			IsTemporary: true,
		}
	}

	return sftpClient, nil
}

// pruneRemote removes entries under remoteDir that are not in keep.
func pruneRemote(ctx context.Context, sftpClient *sftp.Client, remoteDir string, keep, skipped map[string]bool) (int, error) {
	var pruned int
	walker := sftpClient.Walk(remoteDir)
	for walker.Step() {
		if err := ctx.Err(); err != nil {
			return pruned, err
		}
		if err := walker.Err(); err != nil {
			return pruned, fmt.Errorf("failed to walk %s: %w", remoteDir, err)
		}

		rel := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), remoteDir), "/")
		if rel == "" {
			continue
		}
		isDir := walker.Stat().IsDir()
		if skipped[rel] {
			if isDir {
				walker.SkipDir()
			}
			continue
		}
		if keep[rel] {
			continue
		}

		if err := sftpClient.RemoveAll(walker.Path()); err != nil {
			return pruned, fmt.Errorf("failed to remove %s: %w", walker.Path(), err)
		}
		pruned++
		if isDir {
			walker.SkipDir()
		}
	}
	return pruned, nil
}

func uploadFile(ctx context.Context, sftpClient *sftp.Client, localPath, remotePath string) (int64, error) {
	localFile, err := os.Open(localPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open local file: %w", err)
	}
	defer localFile.Close()

	info, err := localFile.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat local file: %w", err)
	}

	remoteFile, err := sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return 0, fmt.Errorf("failed to create remote file %s: %w", remotePath, err)
	}
	defer remoteFile.Close()

	n, err := copyWithContext(ctx, remoteFile, localFile)
	if err != nil {
		return n, fmt.Errorf("failed to copy %s: %w", localPath, err)
	}

	if err := remoteFile.Chmod(info.Mode().Perm()); err != nil {
		return n, fmt.Errorf("failed to set permissions on %s: %w", remotePath, err)
	}

	return n, nil
}

// copyWithContext copies data from src to dst while respecting context cancellation.
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	buf := make([]byte, 32*1024)
	var written int64

	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		nr, err := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nr != nw {
				return written, io.ErrShortWrite
			}
		}
		if err == io.EOF {
			return written, nil
		}
		if err != nil {
			return written, err
		}
	}
}
