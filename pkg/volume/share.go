package volume

import (
	"fmt"
	"os"

	"git.srvlab.io/whiskey/vold/pkg/utils"
	"k8s.io/klog/v2"
)

// Share exports the raw disk over USB mass storage by writing its device
// path into lunFile. The volume must be Idle.
func (v *Volume) Share(lunFile string) error {
	switch st := v.State(); st {
	case StateIdle:
	case StateNoMedia:
		return fmt.Errorf("%w: volume %s has no media", utils.ErrMediaRemoved, v.cfg.Label)
	default:
		return fmt.Errorf("%w: volume %s is %s", utils.ErrBusy, v.cfg.Label, st)
	}

	if v.layout.disk.IsZero() {
		return fmt.Errorf("%w: volume %s has no disk", utils.ErrMediaRemoved, v.cfg.Label)
	}

	device := v.env.devicePath(v.layout.disk)
	if err := writeLun(lunFile, device); err != nil {
		klog.Errorf("Unable to share %s via %s (%v)", device, lunFile, err)
		return err
	}

	klog.V(2).Infof("Volume %s shared %s via %s", v.cfg.Label, device, lunFile)
	v.setState(StateShared)
	return nil
}

// Unshare withdraws a USB mass storage export
func (v *Volume) Unshare(lunFile string) error {
	if st := v.State(); st != StateShared {
		return fmt.Errorf("%w: volume %s is %s, not shared", utils.ErrInvalidState, v.cfg.Label, st)
	}

	if err := writeLun(lunFile, "\n"); err != nil {
		klog.Errorf("Unable to unshare volume %s via %s (%v)", v.cfg.Label, lunFile, err)
		return err
	}

	klog.V(2).Infof("Volume %s unshared", v.cfg.Label)
	v.setState(StateIdle)
	return nil
}

func writeLun(lunFile, content string) error {
	f, err := os.OpenFile(lunFile, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("unable to open ums lunfile %s: %w", lunFile, err)
	}
	defer f.Close()

	if _, err := f.WriteString(content); err != nil {
		return fmt.Errorf("unable to write ums lunfile %s: %w", lunFile, err)
	}
	return nil
}
