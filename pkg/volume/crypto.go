package volume

import (
	"fmt"
	"os"
	"time"

	"git.srvlab.io/whiskey/vold/pkg/utils"
	"github.com/cenkalti/backoff/v4"
	"k8s.io/klog/v2"
)

// CryptoMapper maps an encrypted raw device to its decrypted counterpart
type CryptoMapper interface {
	// SetupVolume creates the mapping and returns the decrypted device
	SetupVolume(label string, major, minor uint32) (sysPath string, newMajor, newMinor uint32, err error)
	// RevertVolume removes the mapping
	RevertVolume(label string) error
	// IsRemapped reports whether a mapping is active for label
	IsRemapped(label string) bool
}

// needsCryptoMapping reports whether mounting must go through the decrypted device
func (v *Volume) needsCryptoMapping() bool {
	return v.env.Crypto != nil &&
		v.isPrimary() &&
		v.cfg.Flags.NonRemovable && v.cfg.Flags.Encryptable &&
		v.env.CryptoState == CryptoStateEncrypted &&
		!v.isRemapped()
}

func (v *Volume) isRemapped() bool {
	return v.saved != nil || (v.env.Crypto != nil && v.env.Crypto.IsRemapped(v.cfg.Label))
}

// setupCrypto switches the volume to its decrypted device and returns the new node list
func (v *Volume) setupCrypto(nodes []Node) ([]Node, error) {
	if len(nodes) != 1 {
		klog.Errorf("Too many device nodes returned when mounting %s", v.cfg.Label)
		return nil, fmt.Errorf("%w: encrypted volume %s has %d device nodes, need exactly 1",
			utils.ErrConfiguration, v.cfg.Label, len(nodes))
	}

	raw := nodes[0].Dev
	sysPath, major, minor, err := v.env.Crypto.SetupVolume(v.cfg.Label, raw.Major, raw.Minor)
	if err != nil {
		klog.Errorf("Cannot setup encryption mapping for %s (%v)", v.cfg.Label, err)
		return nil, fmt.Errorf("encryption mapping for volume %s: %w", v.cfg.Label, err)
	}

	mapped := Device{Major: major, Minor: minor}
	nodePath := v.env.devicePath(mapped)
	klog.V(2).Infof("Volume %s mapped %s to %s (%s)", v.cfg.Label, raw, mapped, sysPath)

	if err := v.env.Mounter.MakeBlockDevice(nodePath, major, minor); err != nil {
		klog.Errorf("Error making device node '%s' (%v)", nodePath, err)
	}
	if err := v.waitForDeviceNode(nodePath); err != nil {
		if rErr := v.env.Crypto.RevertVolume(v.cfg.Label); rErr != nil {
			klog.Errorf("Failed to revert encryption mapping for %s (%v)", v.cfg.Label, rErr)
		}
		return nil, fmt.Errorf("decrypted device %s for volume %s did not appear: %w", nodePath, v.cfg.Label, err)
	}

	saved := v.layout
	v.saved = &saved
	v.layout = diskLayout{disk: mapped, noParts: true}
	v.env.Metrics.RecordCryptoMapped()

	return v.deviceNodes()
}

// waitForDeviceNode polls until path exists or the node timeout passes
func (v *Volume) waitForDeviceNode(path string) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = time.Second
	b.MaxElapsedTime = v.env.Retry.DeviceNodeTimeout

	return backoff.Retry(func() error {
		_, err := os.Stat(path)
		if err != nil {
			klog.V(5).Infof("Waiting for %s: %v", path, err)
		}
		return err
	}, b)
}

// revertCrypto removes the mapping and restores the raw device layout
func (v *Volume) revertCrypto() {
	if err := v.env.Crypto.RevertVolume(v.cfg.Label); err != nil {
		klog.Errorf("Failed to revert encryption mapping for %s (%v)", v.cfg.Label, err)
	}
	if v.saved != nil {
		v.layout = *v.saved
		v.saved = nil
		v.env.Metrics.RecordCryptoReverted()
	}
	klog.V(2).Infof("Volume %s reverted to raw device %s", v.cfg.Label, v.layout.disk)
}
