//go:build unix

package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

// lockFile blocks until an exclusive POSIX record lock covers f. Record
// locks also hold across NFS mounts, unlike flock.
func lockFile(f *os.File) error {
	lk := unix.Flock_t{Type: unix.F_WRLCK, Whence: 0}
	for {
		err := unix.FcntlFlock(f.Fd(), unix.F_SETLKW, &lk)
		if err != unix.EINTR {
			return err
		}
	}
}

func unlockFile(f *os.File) error {
	lk := unix.Flock_t{Type: unix.F_UNLCK, Whence: 0}
	return unix.FcntlFlock(f.Fd(), unix.F_SETLK, &lk)
}
