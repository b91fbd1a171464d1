//go:build !unix

package mmfile

import (
	"io"
	"os"
)

func mapFile(fd *os.File, size int) (*File, error) {
	data := make([]byte, size)
	if _, err := io.ReadFull(fd, data); err != nil {
		return nil, err
	}
	return &File{data: data}, nil
}
