//go:build !linux

package blockdev

import "github.com/hupe1980/vecfs/internal/fs"

func datasync(f fs.File) error {
	return f.Sync()
}
