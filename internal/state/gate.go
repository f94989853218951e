package state

import (
	"context"
	"time"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
)

const (
	// gateTotalWait bounds the whole stay at the gate.
	gateTotalWait = 60 * time.Second
	// gateLockWait bounds any single wait on the rotation lock.
	gateLockWait = 30 * time.Second
	// gateRecheck paces re-checks while the lock is set but quota is still
	// flagged (the brief window during a rotation hand-off).
	gateRecheck = 100 * time.Millisecond
)

// ParkingGate stalls requests while a rotation is in progress or quota is
// flagged. Requests pass once the rotation lock is set and the quota flag is
// down.
type ParkingGate struct {
	state *RuntimeState
	clock interfaces.Clock
}

// NewParkingGate builds a gate over the given runtime state.
func NewParkingGate(state *RuntimeState) *ParkingGate {
	return &ParkingGate{state: state, clock: state.Clock()}
}

// Wait blocks until requests may proceed. It counts the caller in the
// gate's queued total for the duration. Exceeding the total wall-time bound
// returns a GateTimeoutError; ctx cancellation returns ctx.Err().
func (g *ParkingGate) Wait(ctx context.Context) error {
	if g.passable() {
		return nil
	}

	g.state.IncQueued()
	defer g.state.DecQueued()

	deadline := g.clock.Now().Add(gateTotalWait)
	for {
		if g.passable() {
			return nil
		}
		if g.state.IsShuttingDown() {
			return context.Canceled
		}

		remaining := deadline.Sub(g.clock.Now())
		if remaining <= 0 {
			return &interfaces.GateTimeoutError{}
		}

		if g.state.RotationLock().IsSet() {
			// Lock is up but quota is still flagged; poll briefly while the
			// coordinator finishes the hand-off.
			wait := gateRecheck
			if remaining < wait {
				wait = remaining
			}
			if err := g.clock.Sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		wait := gateLockWait
		if remaining < wait {
			wait = remaining
		}
		select {
		case <-g.state.RotationLock().Done():
		case <-g.clock.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		case <-g.state.ShutdownChan():
			return context.Canceled
		}
	}
}

func (g *ParkingGate) passable() bool {
	return g.state.RotationLock().IsSet() && !g.state.QuotaExceeded()
}
