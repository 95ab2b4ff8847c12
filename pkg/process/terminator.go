// Package process finds and signals processes that keep a mount busy.
package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/prometheus/procfs"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

const (
	// DefaultProcRoot is the default root path for procfs
	DefaultProcRoot = "/proc"
)

// Signal is the escalation level applied to holders of a busy path
type Signal int

const (
	// SignalNone only reports holders
	SignalNone Signal = iota
	// SignalHangup asks holders to let go
	SignalHangup
	// SignalKill terminates holders
	SignalKill
)

func (s Signal) String() string {
	switch s {
	case SignalNone:
		return "none"
	case SignalHangup:
		return "hangup"
	case SignalKill:
		return "kill"
	default:
		return fmt.Sprintf("signal(%d)", int(s))
	}
}

func (s Signal) toUnix() unix.Signal {
	if s == SignalKill {
		return unix.SIGKILL
	}
	return unix.SIGHUP
}

// Terminator signals every process holding a path open. Best effort: it
// never reports failure.
type Terminator interface {
	TerminateHoldersOf(path string, sig Signal)
}

// Holder is a process with a reference below a path
type Holder struct {
	PID    int
	Name   string
	Reason string
	Target string
}

// ProcScanner walks procfs looking for references to a path
type ProcScanner struct {
	Root string // "/proc" in production, temp dir in tests

	kill func(pid int, sig unix.Signal) error
	self int
}

// NewProcScanner creates a scanner over /proc that signals with kill(2)
func NewProcScanner() *ProcScanner {
	return &ProcScanner{
		Root: DefaultProcRoot,
		kill: unix.Kill,
		self: os.Getpid(),
	}
}

// NewProcScannerWithRoot creates scanner with custom root and kill function (for testing)
func NewProcScannerWithRoot(root string, kill func(pid int, sig unix.Signal) error) *ProcScanner {
	return &ProcScanner{
		Root: root,
		kill: kill,
		self: -1,
	}
}

// HoldersOf returns processes whose cwd, root, executable, open files or
// mapped files are at or below path
func (s *ProcScanner) HoldersOf(path string) ([]Holder, error) {
	fs, err := procfs.NewFS(s.Root)
	if err != nil {
		return nil, fmt.Errorf("failed to open procfs at %s: %w", s.Root, err)
	}
	procs, err := fs.AllProcs()
	if err != nil {
		return nil, fmt.Errorf("failed to list processes in %s: %w", s.Root, err)
	}

	path = filepath.Clean(path)
	var holders []Holder
	for _, p := range procs {
		if p.PID == s.self {
			continue
		}
		if h, ok := scanProcess(p, path); ok {
			holders = append(holders, h)
		}
	}

	klog.V(5).Infof("HoldersOf %s: found %d processes", path, len(holders))
	return holders, nil
}

// scanProcess reports the first reference of p below path. Processes that
// exit mid-scan simply stop matching.
func scanProcess(p procfs.Proc, path string) (Holder, bool) {
	h := Holder{PID: p.PID, Name: "unknown"}
	if comm, err := p.Comm(); err == nil && comm != "" {
		h.Name = comm
	}

	links := []struct {
		reason string
		read   func() (string, error)
	}{
		{"cwd", p.Cwd},
		{"root", p.RootDir},
		{"exe", p.Executable},
	}
	for _, link := range links {
		if target, err := link.read(); err == nil && isUnder(target, path) {
			h.Reason, h.Target = link.reason, target
			return h, true
		}
	}

	if targets, err := p.FileDescriptorTargets(); err == nil {
		for _, target := range targets {
			if isUnder(target, path) {
				h.Reason, h.Target = "open file", target
				return h, true
			}
		}
	}

	if maps, err := p.ProcMaps(); err == nil {
		for _, m := range maps {
			if isUnder(m.Pathname, path) {
				h.Reason, h.Target = "mapped file", m.Pathname
				return h, true
			}
		}
	}
	return h, false
}

// TerminateHoldersOf logs every holder of path and signals it unless sig is SignalNone
func (s *ProcScanner) TerminateHoldersOf(path string, sig Signal) {
	holders, err := s.HoldersOf(path)
	if err != nil {
		klog.Errorf("Unable to scan processes holding %s: %v", path, err)
		return
	}

	for _, h := range holders {
		klog.Warningf("Process %s (%d) has %s %s", h.Name, h.PID, h.Reason, h.Target)
		if sig == SignalNone {
			continue
		}
		klog.Warningf("Sending %s to process %d", sig, h.PID)
		if err := s.kill(h.PID, sig.toUnix()); err != nil {
			klog.V(4).Infof("Signal to process %d failed: %v", h.PID, err)
		}
	}
}

func isUnder(target, path string) bool {
	return target == path || strings.HasPrefix(target, path+"/")
}
