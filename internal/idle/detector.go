package idle

import (
	"errors"
	"sync"
	"time"

	"github.com/northbridgehq/coauthor/backend/internal/metrics"
)

// DefaultTimeout is how long a collaboration session may sit without
// activity before it is considered abandoned.
const DefaultTimeout = 15 * time.Minute

var errMissingCallback = errors.New("idle: callback is required")

// Detector fires a callback after a period with no recorded activity.
// It is armed by Enable, fed by Touch, and fires at most once per idle
// period; the next Touch re-arms it.
type Detector struct {
	timeout  time.Duration
	callback func()

	mu      sync.Mutex
	timer   *time.Timer
	enabled bool
}

// NewDetector constructs a detector that invokes callback on its own
// goroutine after timeout of inactivity. The detector starts disabled.
func NewDetector(timeout time.Duration, callback func()) (*Detector, error) {
	if callback == nil {
		return nil, errMissingCallback
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Detector{timeout: timeout, callback: callback}, nil
}

// Enable arms the detector. Enabling an armed detector restarts the
// countdown.
func (d *Detector) Enable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = true
	d.armLocked()
}

// Disable disarms the detector and stops any running countdown.
func (d *Detector) Disable() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.enabled = false
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}

// Touch records activity and restarts the countdown. Touch on a disabled
// detector is a no-op.
func (d *Detector) Touch() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.enabled {
		return
	}
	d.armLocked()
}

// Stop permanently disarms the detector.
func (d *Detector) Stop() {
	d.Disable()
}

func (d *Detector) armLocked() {
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.timeout, d.fire)
}

func (d *Detector) fire() {
	d.mu.Lock()
	if !d.enabled {
		d.mu.Unlock()
		return
	}
	d.timer = nil
	d.mu.Unlock()

	metrics.IdleFirings.Inc()
	d.callback()
}
