package mock

import (
	"sync"

	"git.srvlab.io/whiskey/vold/pkg/fsdriver"
	"git.srvlab.io/whiskey/vold/pkg/mount"
)

// FormatCall tracks a Format operation
type FormatCall struct {
	Device string
	Label  string
}

// MockDriver is a mock fsdriver.Driver. Check answers come from a per-device
// table; Mount goes through the given Mounter so the mount table stays consistent.
type MockDriver struct {
	mu sync.Mutex

	name    string
	mounter mount.Mounter

	// results maps device path -> check result; devices not in the table use fallback
	results  map[string]fsdriver.CheckResult
	fallback fsdriver.CheckResult

	mountErr  error
	formatErr error

	// OnCheck runs before every Check, outside the mock's lock
	OnCheck func(device string)

	checkCalls  []string
	mountCalls  []MountCall
	formatCalls []FormatCall
}

// MountCall tracks a driver Mount operation
type MountCall struct {
	Device string
	Target string
	Opts   fsdriver.MountOptions
}

var _ fsdriver.Driver = (*MockDriver)(nil)

// NewMockDriver creates a driver called name that recognizes nothing
func NewMockDriver(name string, mounter mount.Mounter) *MockDriver {
	return &MockDriver{
		name:     name,
		mounter:  mounter,
		results:  make(map[string]fsdriver.CheckResult),
		fallback: fsdriver.NotRecognized,
	}
}

// Name implements fsdriver.Driver
func (d *MockDriver) Name() string { return d.name }

// Check implements fsdriver.Driver
func (d *MockDriver) Check(device string) fsdriver.CheckResult {
	if hook := d.OnCheck; hook != nil {
		hook(device)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkCalls = append(d.checkCalls, device)
	if res, ok := d.results[device]; ok {
		return res
	}
	return d.fallback
}

// Mount implements fsdriver.Driver
func (d *MockDriver) Mount(device, target string, opts fsdriver.MountOptions) error {
	d.mu.Lock()
	d.mountCalls = append(d.mountCalls, MountCall{Device: device, Target: target, Opts: opts})
	err := d.mountErr
	d.mu.Unlock()

	if err != nil {
		return err
	}
	var flags uintptr = mount.FlagNoDev | mount.FlagNoSuid | mount.FlagNoExec
	if opts.ReadOnly {
		flags |= mount.FlagReadOnly
	}
	return d.mounter.Mount(device, target, d.name, flags, "")
}

// Format implements fsdriver.Driver
func (d *MockDriver) Format(device string, opts fsdriver.FormatOptions) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.formatCalls = append(d.formatCalls, FormatCall{Device: device, Label: opts.Label})
	return d.formatErr
}

// Test helper methods

// SetResult sets the check result for device
func (d *MockDriver) SetResult(device string, res fsdriver.CheckResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results[device] = res
}

// SetDefaultResult sets the check result for devices without an explicit entry
func (d *MockDriver) SetDefaultResult(res fsdriver.CheckResult) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fallback = res
}

// SetMountError sets an error to return on Mount operations
func (d *MockDriver) SetMountError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mountErr = err
}

// SetFormatError sets an error to return on Format operations
func (d *MockDriver) SetFormatError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.formatErr = err
}

// GetCheckCalls returns the devices passed to Check
func (d *MockDriver) GetCheckCalls() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.checkCalls...)
}

// GetMountCalls returns the history of Mount calls
func (d *MockDriver) GetMountCalls() []MountCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]MountCall(nil), d.mountCalls...)
}

// GetFormatCalls returns the history of Format calls
func (d *MockDriver) GetFormatCalls() []FormatCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]FormatCall(nil), d.formatCalls...)
}
