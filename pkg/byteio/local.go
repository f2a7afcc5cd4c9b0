package byteio

import (
	"context"
	"io"
	"os"
	"strings"

	"github.com/gofrs/flock"
)

// localBackend reads range requests off a local *os.File. openLocal tries
// an advisory flock on a "<path>.orsldk" sidecar file and holds it only
// while the slide file is being opened; the lock is released when
// openLocal returns, so it does not cover the later Size probe. This
// follows the teacher's file-cache-lock pattern in its local layer store.
type localBackend struct {
	f    *os.File
	lock *flock.Flock
}

func openLocal(ctx context.Context, url string) (Backend, error) {
	path := strings.TrimPrefix(url, "file://")
	lock := flock.New(path + ".orsldk")
	locked, err := lock.TryLock()
	if err == nil && locked {
		defer lock.Unlock()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	// FD_CLOEXEC per spec.md §6 "URL scheme dispatch" note on local fds.
	setCloexec(f)
	return &localBackend{f: f}, nil
}

func (b *localBackend) Size(ctx context.Context) (int64, error) {
	fi, err := b.f.Stat()
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func (b *localBackend) FetchRange(ctx context.Context, offset, length int64) ([]byte, error) {
	buf := make([]byte, length)
	n, err := b.f.ReadAt(buf, offset)
	if err != nil && err != io.EOF {
		return nil, err
	}
	return buf[:n], nil
}

func (b *localBackend) Close() error {
	return b.f.Close()
}
