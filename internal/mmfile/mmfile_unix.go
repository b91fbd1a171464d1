//go:build unix

package mmfile

import (
	"errors"
	"os"

	"golang.org/x/sys/unix"
)

func mapFile(fd *os.File, size int) (*File, error) {
	data, err := unix.Mmap(int(fd.Fd()), 0, size, unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		return nil, err
	}
	return &File{data: data, unmap: munmap}, nil
}

func munmap(b []byte) error {
	err := unix.Munmap(b)
	if errors.Is(err, unix.EINVAL) {
		return nil
	}
	return err
}
