//go:build linux

package vhci

import (
	"log/slog"
	"os"
	"path/filepath"

	"github.com/efficientgo/core/errors"
)

// New returns the platform controller driver. On Linux this is the sysfs
// vhci_hcd backend.
func New(logger *slog.Logger) Driver {
	return NewSysfs(logger)
}

// NewSysfs returns a driver bound to the real /sys mount.
func NewSysfs(logger *slog.Logger) *SysfsDriver {
	return &SysfsDriver{
		fsys:   os.DirFS("/sys"),
		write:  writeSysFile,
		logger: logger,
	}
}

func writeSysFile(rel string, content string) error {
	p := filepath.Join("/sys", filepath.FromSlash(rel))
	f, err := os.OpenFile(p, os.O_WRONLY, 0)
	if err != nil {
		return errors.Wrapf(err, "open %s for writing", p)
	}
	defer func(f *os.File) {
		_ = f.Close()
	}(f)

	if _, err := f.WriteString(content); err != nil {
		return errors.Wrapf(err, "write %q to %s", content, p)
	}
	return nil
}
