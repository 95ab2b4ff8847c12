package fsdriver

import (
	"fmt"

	"git.srvlab.io/whiskey/vold/pkg/mount"
	"git.srvlab.io/whiskey/vold/pkg/utils"
)

// DefaultOrder is the detection and mount fallback order
var DefaultOrder = []string{"exfat", "vfat", "ntfs", "hfsplus", "iso9660"}

var builtins = map[string]Options{
	"exfat": {
		CheckCommand:        []string{"fsck.exfat", "-n"},
		NotRecognizedCodes:  []int{8},
		TolerateCheckErrors: true,
		FormatCommand:       []string{"mkfs.exfat"},
		LabelFlag:           "-L",
		DataStyle:           DataFAT,
	},
	"vfat": {
		CheckCommand:       []string{"fsck_msdos", "-p", "-f"},
		NotRecognizedCodes: []int{2},
		RecheckCodes:       []int{4},
		MaxRechecks:        3,
		FormatCommand:      []string{"newfs_msdos", "-F", "32", "-O", "android", "-c", "8"},
		LabelFlag:          "-L",
		DataStyle:          DataFAT,
		ExtraData:          "utf8,shortname=mixed",
		LostAndFound:       true,
	},
	"ntfs": {
		CheckCommand:       []string{"ntfsfix", "-n"},
		NotRecognizedCodes: []int{1},
		FormatCommand:      []string{"mkntfs", "-Q"},
		LabelFlag:          "-L",
		DataStyle:          DataFAT,
		ExtraData:          "nls=utf8",
	},
	"hfsplus": {
		CheckCommand:        []string{"fsck.hfsplus", "-q"},
		NotRecognizedCodes:  []int{8},
		TolerateCheckErrors: true,
		FormatCommand:       []string{"mkfs.hfsplus"},
		LabelFlag:           "-v",
		DataStyle:           DataUmask,
	},
	"iso9660": {
		DataStyle: DataOwner,
		ReadOnly:  true,
	},
}

// Defaults returns the built-in options for a filesystem type
func Defaults(name string) (Options, error) {
	opts, ok := builtins[name]
	if !ok {
		return Options{}, fmt.Errorf("%w: unsupported filesystem type: %s", utils.ErrConfiguration, name)
	}
	return opts, nil
}

// NewDefaultDrivers builds the built-in drivers in DefaultOrder
func NewDefaultDrivers(mounter mount.Mounter) ([]Driver, error) {
	drivers := make([]Driver, 0, len(DefaultOrder))
	for _, name := range DefaultOrder {
		opts, err := Defaults(name)
		if err != nil {
			return nil, err
		}
		d, err := New(name, mounter, opts)
		if err != nil {
			return nil, err
		}
		drivers = append(drivers, d)
	}
	return drivers, nil
}
