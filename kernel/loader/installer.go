package loader

import (
	"errors"
	"io"
	"slices"
	"sync"

	"github.com/joshuapare/hubkernel/internal/format"
)

var (
	// ErrNoSpace indicates the installer cannot reserve room for an image
	// until storage is reclaimed.
	ErrNoSpace = errors.New("loader: no space for image")
	// ErrStageFull indicates a write past a stage's reservation.
	ErrStageFull = errors.New("loader: write past staged size")
	// ErrStageClosed indicates use of a committed or discarded stage.
	ErrStageClosed = errors.New("loader: stage already closed")
)

// Stage receives the verified output of one upload: the image header
// followed by the plaintext body.
type Stage interface {
	io.Writer
	// Commit makes the staged image live.
	Commit(hdr format.Header) error
	// Discard drops the staged bytes.
	Discard() error
}

// Installer owns image storage.
type Installer interface {
	// Stage reserves room for an upload of size bytes. It returns an
	// error matching ErrNoSpace when Reclaim may free enough room.
	Stage(size uint32) (Stage, error)
	// Reclaim erases superseded images.
	Reclaim() error
}

type imageState uint8

const (
	imageStaging imageState = iota
	imageValid
	imageStale
)

// Image is an installed image.
type Image struct {
	Header format.Header
	Data   []byte
}

type memImage struct {
	state    imageState
	reserved int
	hdr      format.Header
	data     []byte
}

// MemoryInstaller keeps images in memory under a fixed byte budget. A
// committed image supersedes the live image with the same type and app
// id; the old image keeps its space until Reclaim.
type MemoryInstaller struct {
	mu       sync.Mutex
	capacity int
	used     int
	images   []*memImage
}

// NewMemoryInstaller returns an installer holding at most capacity bytes.
func NewMemoryInstaller(capacity int) *MemoryInstaller {
	return &MemoryInstaller{capacity: capacity}
}

// Stage implements Installer.
func (m *MemoryInstaller) Stage(size uint32) (Stage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.used+int(size) > m.capacity {
		return nil, ErrNoSpace
	}
	img := &memImage{reserved: int(size)}
	m.used += img.reserved
	m.images = append(m.images, img)
	return &memStage{m: m, img: img}, nil
}

// Reclaim implements Installer.
func (m *MemoryInstaller) Reclaim() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.images = slices.DeleteFunc(m.images, func(img *memImage) bool {
		if img.state != imageStale {
			return false
		}
		m.used -= img.reserved
		return true
	})
	return nil
}

// Used returns the bytes held by staged, live and stale images.
func (m *MemoryInstaller) Used() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.used
}

// Images returns the live images in install order.
func (m *MemoryInstaller) Images() []Image {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Image
	for _, img := range m.images {
		if img.state == imageValid {
			out = append(out, Image{Header: img.hdr, Data: slices.Clone(img.data)})
		}
	}
	return out
}

type memStage struct {
	m      *MemoryInstaller
	img    *memImage
	closed bool
}

func (s *memStage) Write(p []byte) (int, error) {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.closed {
		return 0, ErrStageClosed
	}
	if len(s.img.data)+len(p) > s.img.reserved {
		return 0, ErrStageFull
	}
	s.img.data = append(s.img.data, p...)
	return len(p), nil
}

func (s *memStage) Commit(hdr format.Header) error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.closed {
		return ErrStageClosed
	}
	s.closed = true
	for _, img := range s.m.images {
		if img.state == imageValid && img.hdr.Type == hdr.Type && img.hdr.AppID == hdr.AppID {
			img.state = imageStale
		}
	}
	// Give back the part of the reservation the image did not use.
	s.m.used -= s.img.reserved - len(s.img.data)
	s.img.reserved = len(s.img.data)
	s.img.hdr = hdr
	s.img.state = imageValid
	return nil
}

func (s *memStage) Discard() error {
	s.m.mu.Lock()
	defer s.m.mu.Unlock()
	if s.closed {
		return ErrStageClosed
	}
	s.closed = true
	s.m.used -= s.img.reserved
	s.m.images = slices.DeleteFunc(s.m.images, func(img *memImage) bool { return img == s.img })
	return nil
}
