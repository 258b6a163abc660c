//go:build !linux && !darwin && !freebsd && !netbsd && !openbsd

package objfile

import (
	"io"
	"os"
)

type mapping struct{}

func (m *mapping) Close() error { return nil }

// mapFile reads the whole file on platforms without a unix mmap.
func mapFile(path string) ([]byte, io.Closer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, err
	}
	return data, &mapping{}, nil
}
