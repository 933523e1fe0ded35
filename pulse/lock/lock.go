// Package lock provides the per-scope run lock that keeps overlapping
// invocations of one job family from running at the same time.
//
// A run holds a marker {scope, pid, hostname, token, acquired_at} in a Store
// for as long as it executes. A marker older than the staleness threshold
// belongs to a run that was killed without cleanup and may be reclaimed.
package lock

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/teranos/leadpulse/errors"
)

// Scope keys used by the entry flows.
const (
	ScopeLeadForwarding = "lead-forwarding"
	ScopeAutomation     = "automation"
	ScopeBackgroundJobs = "background-jobs"
)

// ErrAlreadyRunning is returned by Acquire when a live marker exists for the scope.
var ErrAlreadyRunning = errors.New("run already in progress")

// Store errors. Backends return these (possibly wrapped) so Locker can tell
// contention apart from infrastructure failures.
var (
	ErrMarkerExists  = errors.New("lock marker already exists")
	ErrTokenMismatch = errors.New("lock marker owned by another run")
)

// IsAlreadyRunning reports whether err is lock contention.
func IsAlreadyRunning(err error) bool {
	return err != nil && errors.Is(err, ErrAlreadyRunning)
}

// Marker is the persisted record of a lock holder.
type Marker struct {
	Scope      string    `json:"scope"`
	Token      string    `json:"token"`
	PID        int       `json:"pid"`
	Hostname   string    `json:"hostname"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Age returns how long the marker has been held at now.
func (m Marker) Age(now time.Time) time.Duration {
	return now.Sub(m.AcquiredAt)
}

func (m Marker) String() string {
	return fmt.Sprintf("%s (pid %d on %s since %s)", m.Scope, m.PID, m.Hostname, m.AcquiredAt.Format(time.RFC3339))
}

// Store persists markers. Create must be an atomic create-if-absent.
type Store interface {
	// Create stores m unless a marker for m.Scope exists, in which case it
	// returns ErrMarkerExists.
	Create(ctx context.Context, m Marker) error

	// Get returns the marker for scope, or errors.ErrNotFound.
	Get(ctx context.Context, scope string) (Marker, error)

	// Replace swaps the marker holding old.Token for next. Returns
	// ErrTokenMismatch if the stored token changed, errors.ErrNotFound if
	// the marker disappeared.
	Replace(ctx context.Context, old, next Marker) error

	// Delete removes the marker for scope if it still holds token.
	// A missing marker or a different token is not an error.
	Delete(ctx context.Context, scope, token string) error
}

// maxAcquireRounds bounds the create/inspect loop when a marker vanishes
// between Create and Get.
const maxAcquireRounds = 3

// Locker acquires run locks against a Store.
type Locker struct {
	store    Store
	logger   *zap.SugaredLogger
	now      func() time.Time
	pid      int
	hostname string
}

// NewLocker creates a Locker. logger may be nil.
func NewLocker(store Store, logger *zap.SugaredLogger) *Locker {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	hostname, _ := os.Hostname()
	return &Locker{
		store:    store,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		pid:      os.Getpid(),
		hostname: hostname,
	}
}

// Acquire takes the lock for scope. It fails with ErrAlreadyRunning when a
// marker younger than staleAfter exists, and reclaims older markers.
func (l *Locker) Acquire(ctx context.Context, scope string, staleAfter time.Duration) (*Handle, error) {
	if scope == "" {
		return nil, errors.NewInvalidRequestError("lock scope must not be empty")
	}
	if staleAfter <= 0 {
		return nil, errors.NewInvalidRequestError("staleAfter must be positive, got %s", staleAfter)
	}

	for round := 0; round < maxAcquireRounds; round++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "lock acquisition cancelled")
		}

		mine := l.newMarker(scope)
		err := l.store.Create(ctx, mine)
		if err == nil {
			l.logger.Debugw("Lock acquired", "scope", scope, "token", mine.Token)
			return &Handle{store: l.store, marker: mine, logger: l.logger}, nil
		}
		if !errors.Is(err, ErrMarkerExists) {
			return nil, errors.Wrapf(err, "failed to create lock marker for %s", scope)
		}

		existing, err := l.store.Get(ctx, scope)
		if errors.IsNotFoundError(err) {
			continue // holder released in between
		}
		if err != nil {
			return nil, errors.Wrapf(err, "failed to read lock marker for %s", scope)
		}

		age := existing.Age(mine.AcquiredAt)
		if age < staleAfter {
			return nil, errors.WithDetailf(
				errors.Wrapf(ErrAlreadyRunning, "scope %s", scope),
				"held by %s, age %s", existing, age.Round(time.Second),
			)
		}

		err = l.store.Replace(ctx, existing, mine)
		switch {
		case err == nil:
			l.logger.Warnw("Reclaimed stale lock",
				"scope", scope,
				"owner_pid", existing.PID,
				"owner_host", existing.Hostname,
				"lock_age", age.Round(time.Second).String(),
			)
			prev := existing
			return &Handle{store: l.store, marker: mine, logger: l.logger, previous: &prev}, nil
		case errors.Is(err, ErrTokenMismatch):
			// another invocation reclaimed first
			return nil, errors.Wrapf(ErrAlreadyRunning, "scope %s reclaimed by another run", scope)
		case errors.IsNotFoundError(err):
			continue
		default:
			return nil, errors.Wrapf(err, "failed to reclaim stale lock for %s", scope)
		}
	}

	return nil, errors.Newf("lock for %s kept changing hands after %d attempts", scope, maxAcquireRounds)
}

func (l *Locker) newMarker(scope string) Marker {
	return Marker{
		Scope:      scope,
		Token:      uuid.NewString(),
		PID:        l.pid,
		Hostname:   l.hostname,
		AcquiredAt: l.now(),
	}
}

// Handle is a held lock.
type Handle struct {
	store    Store
	marker   Marker
	previous *Marker
	logger   *zap.SugaredLogger

	mu       sync.Mutex
	released bool
}

// Marker returns the marker written for this run.
func (h *Handle) Marker() Marker { return h.marker }

// Reclaimed reports whether the lock was taken over from a stale holder.
func (h *Handle) Reclaimed() bool { return h != nil && h.previous != nil }

// Previous returns the stale marker that was reclaimed, or nil.
func (h *Handle) Previous() *Marker {
	if h == nil || h.previous == nil {
		return nil
	}
	prev := *h.previous
	return &prev
}

// Release removes the marker. Safe to call on a nil handle, more than once,
// and after the marker was already removed.
func (h *Handle) Release(ctx context.Context) error {
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}

	if err := h.store.Delete(ctx, h.marker.Scope, h.marker.Token); err != nil {
		return errors.Wrapf(err, "failed to release lock for %s", h.marker.Scope)
	}
	h.released = true
	h.logger.Debugw("Lock released", "scope", h.marker.Scope)
	return nil
}
