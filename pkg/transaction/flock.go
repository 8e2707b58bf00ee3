package transaction

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// flock is an advisory, exclusive, non-blocking filesystem lock backed by
// flock(2). It is how the engine enforces "at most one transaction per
// target name at a time" (§5) without a lock server.
type flock struct {
	file *os.File
}

func acquireFlock(path string) (*flock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("flock: %w", err)
	}
	return &flock{file: f}, nil
}

func (l *flock) release() {
	if l == nil || l.file == nil {
		return
	}
	_ = unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	_ = l.file.Close()
}
