// Package commissioning implements the staged Matter commissioning
// flow: the commissioner-side procedure, the device-side failsafe with
// its rollback journal, and the commissioning window.
package commissioning

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrFailsafeRequired indicates a gated operation without an armed
	// failsafe.
	ErrFailsafeRequired = errors.New("commissioning: failsafe required")

	// ErrFailsafeBusy indicates the failsafe is armed by another
	// session.
	ErrFailsafeBusy = errors.New("commissioning: failsafe armed elsewhere")

	// ErrCumulativeExceeded indicates re-arming past the cumulative
	// cap.
	ErrCumulativeExceeded = errors.New("commissioning: cumulative failsafe exceeded")
)

// DefaultMaxCumulative caps the total armed duration per spec.
const DefaultMaxCumulative = 900 * time.Second

// RollbackFn is one journal entry, applied in reverse on expiry.
type RollbackFn func()

// Failsafe is the per-node commissioning failsafe: while armed, every
// provisional change registers a rollback entry; only
// CommissioningComplete commits permanently.
type Failsafe struct {
	mu sync.Mutex

	armed      bool
	owner      uint64 // session identity that armed
	expiry     time.Time
	cumulative time.Duration
	maxTotal   time.Duration
	timer      *time.Timer

	journal    []RollbackFn
	breadcrumb uint64

	onExpired func()
}

// FailsafeConfig configures a failsafe.
type FailsafeConfig struct {
	// MaxCumulative caps the total armed time across re-arms.
	MaxCumulative time.Duration

	// OnExpired fires after an expiry rollback completed.
	OnExpired func()
}

// NewFailsafe creates a disarmed failsafe.
func NewFailsafe(config FailsafeConfig) *Failsafe {
	max := config.MaxCumulative
	if max <= 0 {
		max = DefaultMaxCumulative
	}
	return &Failsafe{maxTotal: max, onExpired: config.OnExpired}
}

// Arm arms or re-arms the failsafe for the owner session. Expiry zero
// disarms with rollback.
func (f *Failsafe) Arm(owner uint64, expiry time.Duration) error {
	f.mu.Lock()
	if f.armed && f.owner != owner {
		f.mu.Unlock()
		return ErrFailsafeBusy
	}
	if expiry == 0 {
		// ArmFailSafe(0) expires the failsafe immediately.
		f.mu.Unlock()
		f.expire()
		return nil
	}
	if f.cumulative+expiry > f.maxTotal {
		f.mu.Unlock()
		return ErrCumulativeExceeded
	}
	f.cumulative += expiry
	f.armed = true
	f.owner = owner
	f.expiry = time.Now().Add(expiry)
	if f.timer != nil {
		f.timer.Stop()
	}
	f.timer = time.AfterFunc(expiry, f.expire)
	f.mu.Unlock()
	return nil
}

// Armed reports whether the failsafe is armed, and for which owner.
func (f *Failsafe) Armed() (bool, uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.armed, f.owner
}

// CheckArmed fails unless the failsafe is armed by the owner.
func (f *Failsafe) CheckArmed(owner uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.armed {
		return ErrFailsafeRequired
	}
	if f.owner != owner {
		return ErrFailsafeBusy
	}
	return nil
}

// AddRollback appends a journal entry; a no-op when disarmed.
func (f *Failsafe) AddRollback(fn RollbackFn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.armed {
		f.journal = append(f.journal, fn)
	}
}

// SetBreadcrumb records the staged-progress breadcrumb.
func (f *Failsafe) SetBreadcrumb(v uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.breadcrumb = v
}

// Breadcrumb returns the current breadcrumb.
func (f *Failsafe) Breadcrumb() uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.breadcrumb
}

// Commit disarms without rollback (CommissioningComplete).
func (f *Failsafe) Commit(owner uint64) error {
	f.mu.Lock()
	if !f.armed {
		f.mu.Unlock()
		return ErrFailsafeRequired
	}
	if f.owner != owner {
		f.mu.Unlock()
		return ErrFailsafeBusy
	}
	f.disarmLocked()
	f.mu.Unlock()
	return nil
}

// expire applies the journal in reverse and resets the breadcrumb.
func (f *Failsafe) expire() {
	f.mu.Lock()
	if !f.armed {
		f.mu.Unlock()
		return
	}
	journal := f.journal
	f.disarmLocked()
	f.breadcrumb = 0
	notify := f.onExpired
	f.mu.Unlock()

	for i := len(journal) - 1; i >= 0; i-- {
		journal[i]()
	}
	if notify != nil {
		notify()
	}
}

// ExpireNow forces an immediate rollback (PASE peer close).
func (f *Failsafe) ExpireNow() { f.expire() }

func (f *Failsafe) disarmLocked() {
	f.armed = false
	f.owner = 0
	f.journal = nil
	f.cumulative = 0
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
}
