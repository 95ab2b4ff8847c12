package volume

import (
	"fmt"
	"time"

	"git.srvlab.io/whiskey/vold/pkg/fsdriver"
	"git.srvlab.io/whiskey/vold/pkg/partition"
	"git.srvlab.io/whiskey/vold/pkg/utils"
	"k8s.io/klog/v2"
)

// Format lays down a fresh filesystem on the volume.
//
// A volume configured for the whole disk gets a new single-partition MBR
// before the first partition is formatted. The volume returns to Idle
// whether or not formatting succeeded.
func (v *Volume) Format() (err error) {
	start := time.Now()
	defer func() {
		v.env.Metrics.RecordVolumeOp("format", err, time.Since(start))
	}()

	switch st := v.State(); st {
	case StateIdle:
	case StateNoMedia:
		return fmt.Errorf("%w: volume %s has no media", utils.ErrMediaRemoved, v.cfg.Label)
	default:
		return fmt.Errorf("%w: volume %s is %s", utils.ErrBusy, v.cfg.Label, st)
	}

	if mounted, mErr := v.env.Mounter.IsMountPoint(v.cfg.Mountpoint); mErr == nil && mounted {
		klog.Warningf("Volume %s is idle but appears to be mounted - fixing", v.cfg.Label)
		v.setState(StateMounted)
		return fmt.Errorf("%w: volume %s is mounted", utils.ErrBusy, v.cfg.Label)
	}

	if v.layout.disk.IsZero() {
		return fmt.Errorf("%w: volume %s has no disk", utils.ErrMediaRemoved, v.cfg.Label)
	}

	driver, err := v.env.driver(v.env.FormatDriver)
	if err != nil {
		return err
	}

	wholeDisk := v.cfg.PartIdx == -1
	part := Device{Major: v.layout.disk.Major}
	if wholeDisk {
		part.Minor = v.layout.disk.Minor + 1
	} else {
		if !v.layout.valid.Has(v.cfg.PartIdx - 1) {
			return fmt.Errorf("%w: partition %d of volume %s is not present", utils.ErrMediaRemoved, v.cfg.PartIdx, v.cfg.Label)
		}
		part.Minor = v.layout.parts[v.cfg.PartIdx-1].minor
	}

	v.setState(StateFormatting)
	defer v.transitionFrom(StateFormatting, StateIdle)

	v.debugf("Formatting volume %s partIdx=%d partNode=%s", v.cfg.Label, v.cfg.PartIdx, part)

	if wholeDisk {
		if v.env.PartitionWriter == nil {
			return fmt.Errorf("%w: no partition table writer configured", utils.ErrConfiguration)
		}
		diskPath := v.env.devicePath(v.layout.disk)
		if err := v.env.PartitionWriter.Apply(partition.SdcardLayout(diskPath)); err != nil {
			klog.Errorf("Failed to initialize MBR on %s (%v)", diskPath, err)
			return fmt.Errorf("unable to write partition table on %s: %w", diskPath, err)
		}
	}

	opts := fsdriver.FormatOptions{}
	if v.cfg.Type == TypeFlash {
		opts.Label = v.env.FlashFormatLabel
	}

	device := v.env.devicePath(part)
	if err := driver.Format(device, opts); err != nil {
		klog.Errorf("Failed to format %s (%v)", device, err)
		return fmt.Errorf("unable to format %s as %s: %w", device, driver.Name(), err)
	}

	klog.V(2).Infof("Volume %s formatted %s as %s", v.cfg.Label, device, driver.Name())
	return nil
}
