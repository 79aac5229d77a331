// Package procs answers whether a named process is running, using /proc.
package procs

import (
	"fmt"
	"path/filepath"

	"github.com/prometheus/procfs"
)

// Inspector looks processes up in a procfs mount.
type Inspector struct {
	fs procfs.FS
}

// New returns an Inspector for the procfs mounted at mountPoint.
func New(mountPoint string) (*Inspector, error) {
	fs, err := procfs.NewFS(mountPoint)
	if err != nil {
		return nil, fmt.Errorf("procfs %s: %w", mountPoint, err)
	}
	return &Inspector{fs: fs}, nil
}

// Default returns an Inspector for /proc.
func Default() (*Inspector, error) { return New(procfs.DefaultMountPoint) }

// Running reports whether any process has the given name. A process matches
// when its comm or the base name of its executable equals name. Processes
// that exit while being inspected are skipped.
func (i *Inspector) Running(name string) (bool, error) {
	all, err := i.fs.AllProcs()
	if err != nil {
		return false, fmt.Errorf("list processes: %w", err)
	}
	for _, p := range all {
		if comm, err := p.Comm(); err == nil && comm == name {
			return true, nil
		}
		if exe, err := p.Executable(); err == nil && exe != "" && filepath.Base(exe) == name {
			return true, nil
		}
	}
	return false, nil
}
