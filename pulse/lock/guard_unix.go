//go:build unix

package lock

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/teranos/leadpulse/am"
	"github.com/teranos/leadpulse/errors"
)

// guard is an exclusive advisory flock held while a marker is inspected and
// rewritten.
type guard struct {
	f *os.File
}

func acquireGuard(path string) (*guard, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, am.DefaultFilePermissions)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open lock guard %s", path)
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "failed to flock %s", path)
	}
	return &guard{f: f}, nil
}

func (g *guard) release() {
	unix.Flock(int(g.f.Fd()), unix.LOCK_UN)
	g.f.Close()
}
