//go:build !unix

package slab

func mapArena(size int) ([]byte, func() error, error) {
	return make([]byte, size), func() error { return nil }, nil
}
