// Package hotplug carries decoded block-device uevents to volumes.
package hotplug

import (
	"fmt"
	"strconv"
	"strings"
)

// Action is the kernel uevent action
type Action string

const (
	ActionAdd    Action = "add"
	ActionRemove Action = "remove"
	ActionChange Action = "change"
)

// Device types reported in DEVTYPE
const (
	DevTypeDisk      = "disk"
	DevTypePartition = "partition"
)

// FakeSdcardDevPath is the sysfs path of the synthetic legacy sdcard device
const FakeSdcardDevPath = "/devices/amlogic/fakesdcard"

// Event is a decoded block uevent
type Event struct {
	Action    Action
	DevPath   string
	Subsystem string
	Major     uint32
	Minor     uint32
	DevName   string
	DevType   string
	NParts    int
	PartN     int
	SeqNum    uint64
}

// Sink consumes block events. The volume manager is the production sink.
type Sink interface {
	HandleBlockEvent(evt *Event)
}

// IsDisk reports whether the event describes a whole disk
func (e *Event) IsDisk() bool {
	return e.DevType == DevTypeDisk
}

// IsPartition reports whether the event describes a partition
func (e *Event) IsPartition() bool {
	return e.DevType == DevTypePartition
}

// Encode renders the event in the kernel's NUL-separated uevent layout
func (e *Event) Encode() []byte {
	fields := []string{
		fmt.Sprintf("%s@%s", e.Action, e.DevPath),
		"ACTION=" + string(e.Action),
		"DEVPATH=" + e.DevPath,
		"SUBSYSTEM=" + e.Subsystem,
		"MAJOR=" + strconv.FormatUint(uint64(e.Major), 10),
		"MINOR=" + strconv.FormatUint(uint64(e.Minor), 10),
		"DEVNAME=" + e.DevName,
		"DEVTYPE=" + e.DevType,
	}
	if e.IsPartition() {
		fields = append(fields, "PARTN="+strconv.Itoa(e.PartN))
	} else {
		fields = append(fields, "NPARTS="+strconv.Itoa(e.NParts))
	}
	fields = append(fields, "SEQNUM="+strconv.FormatUint(e.SeqNum, 10))
	return []byte(strings.Join(fields, "\x00"))
}

func (e *Event) String() string {
	return fmt.Sprintf("%s@%s (%s %d:%d %s)", e.Action, e.DevPath, e.DevType, e.Major, e.Minor, e.DevName)
}

// FakeSdcardEvent builds the synthetic whole-disk event that exposes a
// removable partition as the legacy sdcard device
func FakeSdcardEvent(action Action, major, minor uint32) *Event {
	return &Event{
		Action:    action,
		DevPath:   FakeSdcardDevPath,
		Subsystem: "block",
		Major:     major,
		Minor:     minor,
		DevName:   "sdcard",
		DevType:   DevTypeDisk,
		NParts:    0,
		SeqNum:    999,
	}
}
