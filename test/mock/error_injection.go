package mock

import (
	"sync"

	"k8s.io/klog/v2"
)

// Operation names understood by ErrorInjector
const (
	OpMount   = "mount"
	OpBind    = "bind"
	OpMove    = "move"
	OpUnmount = "unmount"
	OpMknod   = "mknod"
)

// injection is one queued failure for an operation
type injection struct {
	op           string
	target       string
	err          error
	remaining    int // <0 means forever
	triggerAfter int
	seen         int
}

// ErrorInjector hands out queued errors to mock operations
type ErrorInjector struct {
	mu    sync.Mutex // Protect the rule list and counters
	rules []*injection
}

// NewErrorInjector creates an injector with no rules
func NewErrorInjector() *ErrorInjector {
	return &ErrorInjector{}
}

// Fail makes the next times calls of op on target return err.
// An empty target matches every path; times < 0 fails forever.
func (e *ErrorInjector) Fail(op, target string, err error, times int) {
	e.FailAfter(op, target, err, 0, times)
}

// FailAfter lets triggerAfter matching calls through before failing
func (e *ErrorInjector) FailAfter(op, target string, err error, triggerAfter, times int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = append(e.rules, &injection{
		op:           op,
		target:       target,
		err:          err,
		remaining:    times,
		triggerAfter: triggerAfter,
	})
}

// Next returns the error to inject for this call, or nil
func (e *ErrorInjector) Next(op, target string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, r := range e.rules {
		if r.op != op || (r.target != "" && r.target != target) || r.remaining == 0 {
			continue
		}
		r.seen++
		if r.seen <= r.triggerAfter {
			continue
		}
		if r.remaining > 0 {
			r.remaining--
		}
		klog.V(4).Infof("Mock: injecting %v into %s %s", r.err, op, target)
		return r.err
	}
	return nil
}

// Reset drops every rule
func (e *ErrorInjector) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules = nil
}
