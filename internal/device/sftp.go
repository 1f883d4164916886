package device

import (
	"context"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
)

// sftpFiles implements FileChannel on an SFTP subsystem. pkg/sftp is not
// context aware, so ctx is only checked before each transfer starts.
type sftpFiles struct {
	client    *sftp.Client
	closeOnce sync.Once
}

func (f *sftpFiles) Upload(ctx context.Context, localPath, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return errors.Wrapf(err, "open %s", localPath)
	}
	defer src.Close()
	dst, err := f.client.Create(remotePath)
	if err != nil {
		return errors.Wrapf(err, "create %s", remotePath)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return errors.Wrapf(err, "copy %s to %s", localPath, remotePath)
	}
	return errors.Wrapf(dst.Close(), "close %s", remotePath)
}

func (f *sftpFiles) Remove(ctx context.Context, remotePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return f.client.Remove(remotePath)
}

func (f *sftpFiles) List(ctx context.Context, dir string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := f.client.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (f *sftpFiles) ReadFile(ctx context.Context, remotePath string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := f.client.Open(remotePath)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	return io.ReadAll(src)
}

func (f *sftpFiles) Close() error {
	var err error
	f.closeOnce.Do(func() { err = f.client.Close() })
	return err
}
