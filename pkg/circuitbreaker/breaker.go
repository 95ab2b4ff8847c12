package circuitbreaker

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"git.srvlab.io/whiskey/vold/pkg/utils"
	"github.com/sony/gobreaker"
	"k8s.io/klog/v2"
)

const (
	// DefaultConsecutiveFailures is the number of failures before circuit opens
	DefaultConsecutiveFailures = 3

	// DefaultTimeout is how long circuit stays open before allowing a retry
	DefaultTimeout = 5 * time.Minute

	// DefaultInterval is the cyclic period of closed state to clear failure counts
	DefaultInterval = 1 * time.Minute
)

// Settings tunes the per-volume breakers
type Settings struct {
	ConsecutiveFailures uint32
	Timeout             time.Duration
	Interval            time.Duration
}

// DefaultSettings returns the stock breaker tuning
func DefaultSettings() Settings {
	return Settings{
		ConsecutiveFailures: DefaultConsecutiveFailures,
		Timeout:             DefaultTimeout,
		Interval:            DefaultInterval,
	}
}

// VolumeCircuitBreaker manages per-volume circuit breakers so damaged media
// is not re-probed on every hotplug or client retry
type VolumeCircuitBreaker struct {
	settings Settings
	breakers map[string]*gobreaker.CircuitBreaker
	mu       sync.RWMutex
}

// NewVolumeCircuitBreaker creates a new per-volume circuit breaker manager
func NewVolumeCircuitBreaker(settings Settings) *VolumeCircuitBreaker {
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = DefaultConsecutiveFailures
	}
	return &VolumeCircuitBreaker{
		settings: settings,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

// getBreaker returns or creates a circuit breaker for the given volume
func (vcb *VolumeCircuitBreaker) getBreaker(label string) *gobreaker.CircuitBreaker {
	vcb.mu.RLock()
	cb, exists := vcb.breakers[label]
	vcb.mu.RUnlock()

	if exists {
		return cb
	}

	vcb.mu.Lock()
	defer vcb.mu.Unlock()

	// Double-check after acquiring write lock
	if cb, exists := vcb.breakers[label]; exists {
		return cb
	}

	threshold := vcb.settings.ConsecutiveFailures
	settings := gobreaker.Settings{
		Name:        label,
		MaxRequests: 1, // Only 1 request allowed in half-open state
		Interval:    vcb.settings.Interval,
		Timeout:     vcb.settings.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Only hardware faults count; busy, blank or removed media are ordinary outcomes
		IsSuccessful: func(err error) bool {
			return !errors.Is(err, utils.ErrUnrecoverableMedia)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			klog.Infof("Circuit breaker for volume %s: %s -> %s", name, from, to)
		},
	}

	cb = gobreaker.NewCircuitBreaker(settings)
	vcb.breakers[label] = cb
	klog.V(4).Infof("Created circuit breaker for volume %s", label)
	return cb
}

// Execute runs the given function with circuit breaker protection.
// Returns an error wrapping utils.ErrCircuitOpen while the circuit rejects calls.
func (vcb *VolumeCircuitBreaker) Execute(label string, fn func() error) error {
	cb := vcb.getBreaker(label)

	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})

	if errors.Is(err, gobreaker.ErrOpenState) {
		return fmt.Errorf("%w: volume %s failed %d consecutive checks with I/O errors, media may be damaged; "+
			"format the volume or wait %s before retrying",
			utils.ErrCircuitOpen, label, vcb.settings.ConsecutiveFailures, vcb.settings.Timeout)
	}

	if errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: volume %s is being retried, wait for the current attempt to complete",
			utils.ErrCircuitOpen, label)
	}

	return err
}

// Reset drops the breaker for label so the next call starts closed
func (vcb *VolumeCircuitBreaker) Reset(label string) bool {
	vcb.mu.Lock()
	defer vcb.mu.Unlock()

	if _, exists := vcb.breakers[label]; exists {
		delete(vcb.breakers, label)
		klog.Infof("Circuit breaker reset for volume %s", label)
		return true
	}
	return false
}

// State returns the current state of the circuit breaker for a volume.
// Returns "closed" if no breaker exists (default safe state).
func (vcb *VolumeCircuitBreaker) State(label string) string {
	vcb.mu.RLock()
	cb, exists := vcb.breakers[label]
	vcb.mu.RUnlock()

	if !exists {
		return "closed"
	}

	return cb.State().String()
}
