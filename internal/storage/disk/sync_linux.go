//go:build linux

package disk

import (
	"os"

	"golang.org/x/sys/unix"
)

// syncFile flushes file data without forcing a metadata write.
func syncFile(file *os.File) error {
	return unix.Fdatasync(int(file.Fd()))
}
