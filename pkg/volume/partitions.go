package volume

import (
	"fmt"
	"math/bits"
	"strings"
)

const (
	// MaxPartitions is the number of partition slots per disk
	MaxPartitions = 31

	// WholeDisk is the partition-set bit used when the disk has no partition table
	WholeDisk = 31
)

// PartitionSet is a bitset of partition indexes (0-based) plus the WholeDisk bit
type PartitionSet uint32

// Has reports whether idx is in the set
func (s PartitionSet) Has(idx int) bool {
	return idx >= 0 && idx <= WholeDisk && s&(1<<uint(idx)) != 0
}

// Add returns the set with idx added
func (s PartitionSet) Add(idx int) PartitionSet {
	if idx < 0 || idx > WholeDisk {
		return s
	}
	return s | 1<<uint(idx)
}

// Remove returns the set without idx
func (s PartitionSet) Remove(idx int) PartitionSet {
	if idx < 0 || idx > WholeDisk {
		return s
	}
	return s &^ (1 << uint(idx))
}

// Empty reports whether no bit is set
func (s PartitionSet) Empty() bool {
	return s == 0
}

// Lowest returns the lowest set index, or -1 when the set is empty
func (s PartitionSet) Lowest() int {
	if s == 0 {
		return -1
	}
	return bits.TrailingZeros32(uint32(s))
}

// Indexes returns all set indexes in ascending order
func (s PartitionSet) Indexes() []int {
	var out []int
	for rest := s; rest != 0; rest &= rest - 1 {
		out = append(out, bits.TrailingZeros32(uint32(rest)))
	}
	return out
}

func (s PartitionSet) String() string {
	idx := s.Indexes()
	parts := make([]string, len(idx))
	for i, v := range idx {
		if v == WholeDisk {
			parts[i] = "disk"
		} else {
			parts[i] = fmt.Sprintf("%d", v+1)
		}
	}
	return "[" + strings.Join(parts, ",") + "]"
}

// Device is a kernel block device number
type Device struct {
	Major uint32
	Minor uint32
}

// IsZero reports whether the device is unset
func (d Device) IsZero() bool {
	return d.Major == 0 && d.Minor == 0
}

func (d Device) String() string {
	return fmt.Sprintf("%d:%d", d.Major, d.Minor)
}

// partSlot is one slot of the disk's partition table
type partSlot struct {
	minor  uint32
	name   string
	fsType string
}

// Node is a mountable device node of the volume
type Node struct {
	// Index is the partition index (0-based) or WholeDisk
	Index int
	Dev   Device
	// Name is the kernel device name, or the volume label for a whole disk
	Name string
}

// diskLayout is the device information that crypto mapping swaps out
type diskLayout struct {
	disk    Device
	parts   [MaxPartitions]partSlot
	valid   PartitionSet
	noParts bool
	nparts  int
}
