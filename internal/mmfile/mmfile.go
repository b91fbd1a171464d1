// Package mmfile maps image files read-only.
package mmfile

import (
	"errors"
	"fmt"
	"os"
)

// ErrTooLarge is returned when a file exceeds the limit passed to Open.
var ErrTooLarge = errors.New("mmfile: file exceeds size limit")

// File is a read-only view of a file's contents.
type File struct {
	data  []byte
	unmap func([]byte) error
}

// Bytes returns the contents. The slice is invalid after Close.
func (f *File) Bytes() []byte { return f.data }

// Len returns the file size.
func (f *File) Len() int { return len(f.data) }

// Close releases the view. Calling it twice is a no-op.
func (f *File) Close() error {
	if f.data == nil {
		return nil
	}
	data := f.data
	f.data = nil
	if f.unmap == nil {
		return nil
	}
	return f.unmap(data)
}

// Open maps path. A limit of zero or less means no limit.
func Open(path string, limit int64) (*File, error) {
	fd, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer fd.Close()

	info, err := fd.Stat()
	if err != nil {
		return nil, err
	}
	size := info.Size()
	if limit > 0 && size > limit {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, path, size)
	}
	if size > int64(^uint(0)>>1) {
		return nil, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, path, size)
	}
	if size == 0 {
		return &File{data: []byte{}}, nil
	}
	return mapFile(fd, int(size))
}
