package main

import (
	"fmt"
	"math"

	"github.com/joshuapare/hubkernel/internal/mmfile"
)

// Images larger than the 32-bit length fields allow are rejected before mapping.
const maxImageFile = math.MaxUint32

func openImage(path string) (*mmfile.File, error) {
	printVerbose("Mapping image: %s\n", path)
	f, err := mmfile.Open(path, maxImageFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read image: %w", err)
	}
	return f, nil
}
