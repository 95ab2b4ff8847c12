package mount

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/moby/sys/mountinfo"
	"k8s.io/klog/v2"
)

// DefaultMountInfoPath is the kernel's per-process mount table
const DefaultMountInfoPath = "/proc/self/mountinfo"

// MountTable reads mount entries from a mountinfo file
type MountTable struct {
	// Path is the mountinfo file to parse. Tests point this at a fixture.
	Path string
}

// NewMountTable creates a table reading /proc/self/mountinfo
func NewMountTable() *MountTable {
	return &MountTable{Path: DefaultMountInfoPath}
}

// Mounts returns the entries accepted by filter (nil accepts all)
func (t *MountTable) Mounts(filter mountinfo.FilterFunc) ([]*mountinfo.Info, error) {
	file, err := os.Open(t.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", t.Path, err)
	}
	defer file.Close()

	mounts, err := mountinfo.GetMountsFromReader(file, filter)
	if err != nil {
		return nil, fmt.Errorf("error reading %s: %w", t.Path, err)
	}

	klog.V(5).Infof("Parsed %d mount points from %s", len(mounts), t.Path)
	return mounts, nil
}

// Lookup returns the mount entry for mountPath, or nil when nothing is mounted there
func (t *MountTable) Lookup(mountPath string) (*mountinfo.Info, error) {
	mounts, err := t.Mounts(mountinfo.SingleEntryFilter(filepath.Clean(mountPath)))
	if err != nil {
		return nil, err
	}
	if len(mounts) == 0 {
		return nil, nil
	}
	return mounts[0], nil
}

// IsMounted checks if mountPath appears as a mount point
func (t *MountTable) IsMounted(mountPath string) (bool, error) {
	klog.V(5).Infof("Checking if %s is mounted", mountPath)
	info, err := t.Lookup(mountPath)
	if err != nil {
		return false, err
	}
	return info != nil, nil
}
