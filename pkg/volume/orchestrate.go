package volume

import (
	"errors"
	"fmt"

	"git.srvlab.io/whiskey/vold/pkg/fsdriver"
	"git.srvlab.io/whiskey/vold/pkg/process"
	"git.srvlab.io/whiskey/vold/pkg/utils"
	"k8s.io/klog/v2"
)

// moveMount relocates src onto dst, retrying while the kernel reports EBUSY.
// With force, holders of src are signalled as the retries run out.
func (e *Env) moveMount(src, dst string, force bool) error {
	backoff := utils.FixedBackoff(e.Retry.MoveAttempts, e.Retry.MoveInterval)

	err := utils.RetryWhileBusy(backoff, func() error {
		return e.Mounter.MoveMount(src, dst)
	}, func(failures int) {
		e.Metrics.RecordBusyRetry("move")
		sig := process.SignalNone
		if force {
			sig = e.Retry.MoveEscalation.signalFor(failures)
		}
		klog.Warningf("Failed to move %s -> %s (busy, attempt %d, action %s)", src, dst, failures, sig)
		e.terminateHolders(src, sig)
	})
	if err != nil {
		klog.Errorf("Giving up on move %s -> %s (%v)", src, dst, err)
		return err
	}

	klog.V(4).Infof("Moved mount %s -> %s successfully", src, dst)
	return nil
}

// doUnmount unmounts path, retrying while busy. Nothing mounted counts as success.
func (e *Env) doUnmount(path string, force bool) error {
	backoff := utils.FixedBackoff(e.Retry.UnmountAttempts, e.Retry.UnmountInterval)

	err := utils.RetryWhileBusy(backoff, func() error {
		err := e.Mounter.Unmount(path)
		if err != nil && utils.IsNotMountedErrno(err) {
			klog.V(4).Infof("%s was not mounted (%v)", path, err)
			return nil
		}
		return err
	}, func(failures int) {
		e.Metrics.RecordBusyRetry("unmount")
		sig := process.SignalNone
		if force {
			sig = e.Retry.UnmountEscalation.signalFor(failures)
		}
		klog.Warningf("Failed to unmount %s (busy, attempt %d, action %s)", path, failures, sig)
		e.terminateHolders(path, sig)
	})
	if err != nil {
		klog.Errorf("Giving up on unmount %s (%v)", path, err)
		return err
	}

	klog.V(4).Infof("%s successfully unmounted", path)
	return nil
}

func (e *Env) terminateHolders(path string, sig process.Signal) {
	if sig == process.SignalNone || e.Terminator == nil {
		return
	}
	e.Metrics.RecordTermination(sig.String())
	e.Terminator.TerminateHoldersOf(path, sig)
}

// detectFilesystem runs the driver cascade against device. It returns the
// index of the recognizing driver, or -1 with NotRecognized or Unrecoverable.
func (e *Env) detectFilesystem(device string) (int, fsdriver.CheckResult) {
	for i, d := range e.Drivers {
		res := d.Check(device)
		e.Metrics.RecordDetection(d.Name(), res.String())

		switch res {
		case fsdriver.Recognized:
			klog.V(2).Infof("%s contains a %s filesystem", device, d.Name())
			return i, res
		case fsdriver.Unrecoverable:
			klog.Errorf("%s failed %s filesystem checks (I/O error)", device, d.Name())
			return -1, res
		default:
			klog.V(4).Infof("%s does not contain a %s filesystem", device, d.Name())
		}
	}
	return -1, fsdriver.NotRecognized
}

// mountWithFallback mounts device with the winning driver, then with every
// other driver in cascade order until one succeeds
func (e *Env) mountWithFallback(device, target string, winner int, opts fsdriver.MountOptions) (string, error) {
	order := make([]int, 0, len(e.Drivers))
	if winner >= 0 && winner < len(e.Drivers) {
		order = append(order, winner)
	}
	for i := range e.Drivers {
		if i != winner {
			order = append(order, i)
		}
	}

	var errs []error
	for _, i := range order {
		d := e.Drivers[i]
		err := d.Mount(device, target, opts)
		if err == nil {
			klog.V(2).Infof("Mounted %s on %s as %s", device, target, d.Name())
			return d.Name(), nil
		}
		klog.Errorf("%s failed to mount via %s (%v)", device, d.Name(), err)
		errs = append(errs, err)
	}
	return "", fmt.Errorf("no driver could mount %s on %s: %w", device, target, errors.Join(errs...))
}
