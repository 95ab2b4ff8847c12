package mock

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"git.srvlab.io/whiskey/vold/pkg/broadcast"
	"git.srvlab.io/whiskey/vold/pkg/hotplug"
	"git.srvlab.io/whiskey/vold/pkg/loop"
	"git.srvlab.io/whiskey/vold/pkg/partition"
	"git.srvlab.io/whiskey/vold/pkg/process"
)

// MockCrypto maps every volume to a fixed decrypted device
type MockCrypto struct {
	mu sync.Mutex

	SysPath  string
	Major    uint32
	Minor    uint32
	SetupErr error

	remapped    map[string]bool
	setupCalls  []string
	revertCalls []string
}

// NewMockCrypto creates a mapper that hands out major:minor
func NewMockCrypto(major, minor uint32) *MockCrypto {
	return &MockCrypto{
		SysPath:  fmt.Sprintf("/devices/virtual/block/dm-%d", minor),
		Major:    major,
		Minor:    minor,
		remapped: make(map[string]bool),
	}
}

// SetupVolume implements volume.CryptoMapper
func (c *MockCrypto) SetupVolume(label string, major, minor uint32) (string, uint32, uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setupCalls = append(c.setupCalls, fmt.Sprintf("%s@%d:%d", label, major, minor))
	if c.SetupErr != nil {
		return "", 0, 0, c.SetupErr
	}
	c.remapped[label] = true
	return c.SysPath, c.Major, c.Minor, nil
}

// RevertVolume implements volume.CryptoMapper
func (c *MockCrypto) RevertVolume(label string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revertCalls = append(c.revertCalls, label)
	delete(c.remapped, label)
	return nil
}

// IsRemapped implements volume.CryptoMapper
func (c *MockCrypto) IsRemapped(label string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remapped[label]
}

// GetSetupCalls returns "label@major:minor" for every SetupVolume call
func (c *MockCrypto) GetSetupCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.setupCalls...)
}

// GetRevertCalls returns the labels passed to RevertVolume
func (c *MockCrypto) GetRevertCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.revertCalls...)
}

// TerminateCall tracks one TerminateHoldersOf operation
type TerminateCall struct {
	Path   string
	Signal process.Signal
}

// MockTerminator records termination requests without signalling anything
type MockTerminator struct {
	mu    sync.Mutex
	calls []TerminateCall

	// OnTerminate runs after the call is recorded
	OnTerminate func(path string, sig process.Signal)
}

var _ process.Terminator = (*MockTerminator)(nil)

// NewMockTerminator creates an empty terminator
func NewMockTerminator() *MockTerminator {
	return &MockTerminator{}
}

// TerminateHoldersOf implements process.Terminator
func (t *MockTerminator) TerminateHoldersOf(path string, sig process.Signal) {
	t.mu.Lock()
	t.calls = append(t.calls, TerminateCall{Path: path, Signal: sig})
	hook := t.OnTerminate
	t.mu.Unlock()
	if hook != nil {
		hook(path, sig)
	}
}

// GetCalls returns the history of termination requests
func (t *MockTerminator) GetCalls() []TerminateCall {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]TerminateCall(nil), t.calls...)
}

// Count returns the number of requests that sent sig
func (t *MockTerminator) Count(sig process.Signal) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.calls {
		if c.Signal == sig {
			n++
		}
	}
	return n
}

// MockBroadcaster records every broadcast in order
type MockBroadcaster struct {
	mu       sync.Mutex
	messages []broadcast.Message
}

var _ broadcast.Broadcaster = (*MockBroadcaster)(nil)

// NewMockBroadcaster creates an empty broadcaster
func NewMockBroadcaster() *MockBroadcaster {
	return &MockBroadcaster{}
}

// SendBroadcast implements broadcast.Broadcaster
func (b *MockBroadcaster) SendBroadcast(code int, msg string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = append(b.messages, broadcast.Message{Seq: uint64(len(b.messages) + 1), Code: code, Text: msg})
}

// Messages returns every broadcast so far
func (b *MockBroadcaster) Messages() []broadcast.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]broadcast.Message(nil), b.messages...)
}

// Texts returns the text of every broadcast with code
func (b *MockBroadcaster) Texts(code int) []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for _, m := range b.messages {
		if m.Code == code {
			out = append(out, m.Text)
		}
	}
	return out
}

// Contains reports whether a broadcast with code contains substr
func (b *MockBroadcaster) Contains(code int, substr string) bool {
	for _, t := range b.Texts(code) {
		if strings.Contains(t, substr) {
			return true
		}
	}
	return false
}

// Reset drops recorded broadcasts
func (b *MockBroadcaster) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.messages = nil
}

// MockPartitionWriter records partition tables instead of writing them
type MockPartitionWriter struct {
	mu    sync.Mutex
	Err   error
	disks []partition.DiskDescriptor
}

var _ partition.Writer = (*MockPartitionWriter)(nil)

// Apply implements partition.Writer
func (w *MockPartitionWriter) Apply(disk partition.DiskDescriptor) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.disks = append(w.disks, disk)
	return w.Err
}

// Applied returns every descriptor passed to Apply
func (w *MockPartitionWriter) Applied() []partition.DiskDescriptor {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]partition.DiskDescriptor(nil), w.disks...)
}

// MockHotplugSink records synthetic events and optionally forwards them
type MockHotplugSink struct {
	mu     sync.Mutex
	events []hotplug.Event

	// Forward receives each event after it is recorded
	Forward hotplug.Sink
}

var _ hotplug.Sink = (*MockHotplugSink)(nil)

// HandleBlockEvent implements hotplug.Sink
func (s *MockHotplugSink) HandleBlockEvent(evt *hotplug.Event) {
	s.mu.Lock()
	s.events = append(s.events, *evt)
	fwd := s.Forward
	s.mu.Unlock()
	if fwd != nil {
		fwd.HandleBlockEvent(evt)
	}
}

// Events returns every event received
func (s *MockHotplugSink) Events() []hotplug.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]hotplug.Event(nil), s.events...)
}

// MockBinder is a loop.Binder that tracks the attached image in memory
type MockBinder struct {
	mu      sync.Mutex
	path    string
	image   string
	BindErr error
	binds   int
	unbinds int
}

var _ loop.Binder = (*MockBinder)(nil)

// NewMockBinder creates a binder for the loop device at path
func NewMockBinder(path string) *MockBinder {
	return &MockBinder{path: path}
}

// Bind implements loop.Binder
func (b *MockBinder) Bind(image string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.binds++
	if b.BindErr != nil {
		return b.BindErr
	}
	if b.image != "" {
		return fmt.Errorf("loop device %s busy with %s", b.path, b.image)
	}
	b.image = image
	return nil
}

// Unbind implements loop.Binder
func (b *MockBinder) Unbind() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.unbinds++
	b.image = ""
	return nil
}

// Path implements loop.Binder
func (b *MockBinder) Path() string { return b.path }

// Image returns the attached image, empty when detached
func (b *MockBinder) Image() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.image
}

// MockAllocator hands out a fresh MockBinder per allocation, named loop<N> under dir
type MockAllocator struct {
	mu       sync.Mutex
	dir      string
	next     int
	binders  []*MockBinder
	AllocErr error
}

var _ loop.Allocator = (*MockAllocator)(nil)

// NewMockAllocator creates an allocator whose devices live under dir
func NewMockAllocator(dir string) *MockAllocator {
	return &MockAllocator{dir: dir}
}

// Allocate implements loop.Allocator. A device is reused once it is detached.
func (a *MockAllocator) Allocate() (loop.Binder, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.AllocErr != nil {
		return nil, a.AllocErr
	}
	for _, b := range a.binders {
		if b.Image() == "" {
			return b, nil
		}
	}
	b := NewMockBinder(filepath.Join(a.dir, fmt.Sprintf("loop%d", a.next)))
	a.next++
	a.binders = append(a.binders, b)
	return b, nil
}

// Attached returns the images currently bound, by device path
func (a *MockAllocator) Attached() map[string]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	attached := make(map[string]string)
	for _, b := range a.binders {
		if image := b.Image(); image != "" {
			attached[b.Path()] = image
		}
	}
	return attached
}
