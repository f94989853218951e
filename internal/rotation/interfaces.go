// Package rotation swaps the browser onto a fresh cookie profile when the
// current one runs out of quota. It owns the on-disk profile pools, the
// persisted cooldown and usage books, the depletion guard and the
// coordinator that performs the actual swap while requests are parked.
package rotation

import "time"

// Pool names, in scan order. The active pool holds at most one canonical
// profile; saved is the normal rotation pool; emergency is touched only by
// the depletion guard or when everything else is cooling down.
const (
	PoolActive    = "active"
	PoolSaved     = "saved"
	PoolEmergency = "emergency"
)

// Profile is one cookie profile file on disk.
type Profile struct {
	// Path is the absolute path of the profile JSON document.
	Path string
	// Pool is the directory the profile was found in.
	Pool string
}

// ProfileStore is the persistence seam the coordinator works against:
// profile pools, cookie documents, the cooldown book and the usage ledger.
type ProfileStore interface {
	// ListProfiles scans the given pools in order. With no arguments it
	// scans active, saved and emergency.
	ListProfiles(pools ...string) ([]Profile, error)
	// ReadCookies returns the raw profile document ({cookies, origins}).
	ReadCookies(path string) ([]byte, error)
	// WriteCookies atomically replaces the profile document.
	WriteCookies(path string, data []byte) error
	// LoadCooldowns reads the cooldown book; a missing file yields an
	// empty set.
	LoadCooldowns() (*CooldownSet, error)
	// SaveCooldowns persists the cooldown book.
	SaveCooldowns(set *CooldownSet) error
	// Usage returns the accumulated token count for a profile.
	Usage(path string) (int64, error)
	// IncUsage adds n tokens to a profile's accumulated count.
	IncUsage(path string, n int64) error
}

// Ledger is the sliding window of recent rotation timestamps consulted by
// the depletion guard.
type Ledger struct {
	window time.Duration
	times  []time.Time
}

// NewLedger creates a ledger covering the trailing window.
func NewLedger(window time.Duration) *Ledger {
	return &Ledger{window: window}
}

// Record appends a rotation timestamp.
func (l *Ledger) Record(now time.Time) {
	l.prune(now)
	l.times = append(l.times, now)
}

// CountWithin returns how many rotations happened in the trailing window.
func (l *Ledger) CountWithin(now time.Time) int {
	l.prune(now)
	return len(l.times)
}

func (l *Ledger) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	keep := l.times[:0]
	for _, t := range l.times {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	l.times = keep
}
