// Package partition lays down partition tables on whole disks.
package partition

import (
	"fmt"
	"os/exec"
	"strings"

	"git.srvlab.io/whiskey/vold/pkg/utils"
	"k8s.io/klog/v2"
)

// Scheme is the partition table layout
type Scheme int

const (
	// SchemeMBR is a DOS partition table
	SchemeMBR Scheme = iota
)

// Partition type bytes
const (
	TypeFAT32 byte = 0x0c
)

// Spec describes one partition to create
type Spec struct {
	Name   string
	Type   byte
	Active bool
	// LenKB is the partition length in KiB; -1 extends it to the end of the disk
	LenKB int64
}

// DiskDescriptor describes the partition table to write on Device
type DiskDescriptor struct {
	Device     string
	Scheme     Scheme
	SectorSize int
	SkipLBA    int64
	Partitions []Spec
}

// Writer applies a partition table to a disk
type Writer interface {
	Apply(disk DiskDescriptor) error
}

// SdcardLayout is the single active FAT32 partition written before formatting a whole disk
func SdcardLayout(device string) DiskDescriptor {
	return DiskDescriptor{
		Device:     device,
		Scheme:     SchemeMBR,
		SectorSize: 512,
		SkipLBA:    2048,
		Partitions: []Spec{{
			Name:   "android_sdcard",
			Type:   TypeFAT32,
			Active: true,
			LenKB:  -1,
		}},
	}
}

// Render returns the sfdisk script for disk
func Render(disk DiskDescriptor) (string, error) {
	if disk.Scheme != SchemeMBR {
		return "", fmt.Errorf("%w: unsupported partition scheme %d", utils.ErrInvalidParameter, disk.Scheme)
	}
	if disk.SectorSize <= 0 {
		return "", fmt.Errorf("%w: sector size must be positive: %d", utils.ErrInvalidParameter, disk.SectorSize)
	}
	if len(disk.Partitions) == 0 || len(disk.Partitions) > 4 {
		return "", fmt.Errorf("%w: MBR needs 1-4 partitions, got %d", utils.ErrInvalidParameter, len(disk.Partitions))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "label: dos\nunit: sectors\nsector-size: %d\n\n", disk.SectorSize)

	start := disk.SkipLBA
	for i, p := range disk.Partitions {
		if p.LenKB == -1 && i != len(disk.Partitions)-1 {
			return "", fmt.Errorf("%w: only the last partition may extend to the end of the disk", utils.ErrInvalidParameter)
		}
		fmt.Fprintf(&b, "start=%d, ", start)
		if p.LenKB > 0 {
			sectors := p.LenKB * 1024 / int64(disk.SectorSize)
			fmt.Fprintf(&b, "size=%d, ", sectors)
			start += sectors
		}
		fmt.Fprintf(&b, "type=%x", p.Type)
		if p.Active {
			b.WriteString(", bootable")
		}
		if p.Name != "" {
			fmt.Fprintf(&b, ", name=%q", p.Name)
		}
		b.WriteString("\n")
	}
	return b.String(), nil
}

// SfdiskWriter writes partition tables with sfdisk
type SfdiskWriter struct {
	execCommand func(name string, args ...string) *exec.Cmd
}

// NewSfdiskWriter creates a writer that runs sfdisk
func NewSfdiskWriter() *SfdiskWriter {
	return &SfdiskWriter{execCommand: exec.Command}
}

// Apply writes disk's partition table
func (w *SfdiskWriter) Apply(disk DiskDescriptor) error {
	script, err := Render(disk)
	if err != nil {
		return err
	}

	klog.V(2).Infof("Writing partition table to %s", disk.Device)
	klog.V(4).Infof("sfdisk script for %s:\n%s", disk.Device, script)

	cmd := w.execCommand("sfdisk", "--no-reread", "--wipe", "always", disk.Device)
	cmd.Stdin = strings.NewReader(script)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("sfdisk failed: %w, output: %s", err, string(output))
	}

	klog.V(5).Infof("sfdisk output: %s", string(output))
	return nil
}
