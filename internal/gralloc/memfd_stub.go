//go:build !linux

package gralloc

import (
	"fmt"
	"runtime"
)

// Memfd stub for platforms without memfd_create
type Memfd struct {
	*Heap
}

func NewMemfd(opts Options) (*Memfd, error) {
	return nil, fmt.Errorf("memfd allocator not supported on %s", runtime.GOOS)
}
