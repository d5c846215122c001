//go:build linux

package blockdev

import (
	"os"

	"golang.org/x/sys/unix"

	"github.com/hupe1980/vecfs/internal/fs"
)

// datasync uses fdatasync for *os.File and falls back to Sync for wrapped
// files.
func datasync(f fs.File) error {
	osf, ok := f.(*os.File)
	if !ok {
		return f.Sync()
	}
	for {
		err := unix.Fdatasync(int(osf.Fd()))
		if err != unix.EINTR {
			return err
		}
	}
}
