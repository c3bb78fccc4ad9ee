//go:build unix

package region

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"

	"github.com/alexhholmes/pmart/internal/base"
)

func mapFile(f *os.File, size int) ([]byte, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	// Node traversal jumps around the pool; readahead only pollutes the cache.
	_ = unix.Madvise(data, unix.MADV_RANDOM)
	return data, nil
}

func unmapFile(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}

func msync(b []byte) error {
	return unix.Msync(b, unix.MS_SYNC)
}

func syncFile(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Msync(data, unix.MS_SYNC)
}

func lockFile(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if errors.Is(err, unix.EWOULDBLOCK) {
		return base.ErrLocked
	}
	return err
}

func unlockFile(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
