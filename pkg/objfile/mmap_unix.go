//go:build linux || darwin || freebsd || netbsd || openbsd

package objfile

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

type mapping struct {
	data []byte
}

func (m *mapping) Close() error {
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	return err
}

// mapFile maps the whole file read-only. Empty files get an empty
// slice, mmap of zero bytes fails.
func mapFile(path string) ([]byte, io.Closer, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, nil, err
	}
	if fi.Size() == 0 {
		return nil, &mapping{}, nil
	}

	data, err := unix.Mmap(int(f.Fd()), 0, int(fi.Size()), unix.PROT_READ, unix.MAP_PRIVATE)
	if err != nil {
		return nil, nil, &os.PathError{Op: "mmap", Path: path, Err: err}
	}
	return data, &mapping{data: data}, nil
}
