package mock

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"git.srvlab.io/whiskey/vold/pkg/mount"
	"golang.org/x/sys/unix"
)

// MountRecord describes one mount held by MockMounter
type MountRecord struct {
	Source string
	FSType string
	Flags  uintptr
	Data   string
}

// Call tracks one Mounter operation
type Call struct {
	Op     string
	Source string
	Target string
}

// MockMounter is a mock implementation of mount.Mounter for testing.
// Its mount table lives in memory; device nodes are written as plain files.
type MockMounter struct {
	mu sync.RWMutex

	// Mounted filesystems: target path -> record
	mounted map[string]MountRecord

	// Errors injects failures per operation and target
	Errors *ErrorInjector

	// Call tracking
	calls []Call
}

var _ mount.Mounter = (*MockMounter)(nil)

// NewMockMounter creates a new mock mounter
func NewMockMounter() *MockMounter {
	return &MockMounter{
		mounted: make(map[string]MountRecord),
		Errors:  NewErrorInjector(),
	}
}

func (m *MockMounter) record(op, source, target string) {
	m.calls = append(m.calls, Call{Op: op, Source: source, Target: target})
}

// Mount implements mount.Mounter
func (m *MockMounter) Mount(source, target, fsType string, flags uintptr, data string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record(OpMount, source, target)
	if err := m.Errors.Next(OpMount, target); err != nil {
		return fmt.Errorf("mount %s on %s (%s): %w", source, target, fsType, err)
	}

	m.mounted[target] = MountRecord{Source: source, FSType: fsType, Flags: flags, Data: data}
	return nil
}

// BindMount implements mount.Mounter
func (m *MockMounter) BindMount(source, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record(OpBind, source, target)
	if err := m.Errors.Next(OpBind, target); err != nil {
		return fmt.Errorf("bind mount %s on %s: %w", source, target, err)
	}

	m.mounted[target] = MountRecord{Source: source, Flags: unix.MS_BIND}
	return nil
}

// MoveMount implements mount.Mounter. Moving a path that is not mounted fails with EINVAL.
func (m *MockMounter) MoveMount(source, target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record(OpMove, source, target)
	if err := m.Errors.Next(OpMove, source); err != nil {
		return fmt.Errorf("move mount %s to %s: %w", source, target, err)
	}

	rec, ok := m.mounted[source]
	if !ok {
		return fmt.Errorf("move mount %s to %s: %w", source, target, unix.EINVAL)
	}
	delete(m.mounted, source)
	m.mounted[target] = rec
	return nil
}

// Unmount implements mount.Mounter. Unmounting a path that is not mounted fails with EINVAL.
func (m *MockMounter) Unmount(target string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record(OpUnmount, "", target)
	if err := m.Errors.Next(OpUnmount, target); err != nil {
		return fmt.Errorf("unmount %s: %w", target, err)
	}

	if _, ok := m.mounted[target]; !ok {
		return fmt.Errorf("unmount %s: %w", target, unix.EINVAL)
	}
	delete(m.mounted, target)
	return nil
}

// IsMountPoint implements mount.Mounter
func (m *MockMounter) IsMountPoint(path string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	_, mounted := m.mounted[filepath.Clean(path)]
	if !mounted {
		_, mounted = m.mounted[path]
	}
	return mounted, nil
}

// MakeBlockDevice implements mount.Mounter by creating an empty file at path
func (m *MockMounter) MakeBlockDevice(path string, major, minor uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.record(OpMknod, fmt.Sprintf("%d:%d", major, minor), path)
	if err := m.Errors.Next(OpMknod, path); err != nil {
		return fmt.Errorf("mknod %s: %w", path, err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	return f.Close()
}

// Test helper methods

// SetMounted marks target as mounted from source, as if mounted outside the daemon
func (m *MockMounter) SetMounted(target, source string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mounted[target] = MountRecord{Source: source}
}

// IsMounted checks if a path is currently mounted
func (m *MockMounter) IsMounted(path string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, mounted := m.mounted[path]
	return mounted
}

// Record returns the record for a mounted path
func (m *MockMounter) Record(path string) (MountRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.mounted[path]
	return rec, ok
}

// MountedPaths returns every mounted target, sorted
func (m *MockMounter) MountedPaths() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	paths := make([]string, 0, len(m.mounted))
	for p := range m.mounted {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// GetCalls returns the history of calls
func (m *MockMounter) GetCalls() []Call {
	m.mu.RLock()
	defer m.mu.RUnlock()
	calls := make([]Call, len(m.calls))
	copy(calls, m.calls)
	return calls
}

// CountCalls returns how many calls of op were made on target ("" for any)
func (m *MockMounter) CountCalls(op, target string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, c := range m.calls {
		if c.Op == op && (target == "" || c.Target == target || (op == OpMove && c.Source == target)) {
			n++
		}
	}
	return n
}

// Reset clears all state for test isolation
func (m *MockMounter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.mounted = make(map[string]MountRecord)
	m.calls = nil
	m.Errors.Reset()
}
