package quota

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/config"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/state"
)

const errorBackoff = 5 * time.Second

// Rotator runs one profile rotation. Satisfied by rotation.Coordinator.
type Rotator interface {
	Perform(ctx context.Context) error
}

// Watchdog is the long-lived task that blocks on the quota signal and
// recovers the process by rotating profiles.
type Watchdog struct {
	cfg   *config.Config
	st    *state.RuntimeState
	rot   Rotator
	clock interfaces.Clock
}

func NewWatchdog(cfg *config.Config, st *state.RuntimeState, rot Rotator) *Watchdog {
	return &Watchdog{cfg: cfg, st: st, rot: rot, clock: st.Clock()}
}

// Run blocks on the quota signal until ctx is done or shutdown is
// requested. Each wake handles one trigger; unexpected rotation errors
// back off before the next wait.
func (w *Watchdog) Run(ctx context.Context) error {
	log.Debug("quota watchdog started")
	for {
		if err := w.st.QuotaSignal().Wait(ctx); err != nil {
			return err
		}
		if w.st.IsShuttingDown() {
			return nil
		}
		w.st.QuotaSignal().Clear()

		if err := w.handleTrigger(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Errorf("quota watchdog: recovery failed: %v", err)
			if sleepErr := w.clock.Sleep(ctx, errorBackoff); sleepErr != nil {
				return sleepErr
			}
		}
	}
}

func (w *Watchdog) handleTrigger(ctx context.Context) error {
	if !w.st.RotationLock().IsSet() {
		log.Debug("quota watchdog: rotation already in progress, skipping")
		return nil
	}
	if !w.st.QuotaExceeded() {
		return nil
	}
	if !w.cfg.AutoRotate {
		log.Warn("quota watchdog: quota exceeded but auto-rotation is disabled, force-clearing the flag")
		w.st.ForceResetQuota()
		return nil
	}

	log.Infof("quota watchdog: quota exceeded (%s), starting recovery rotation", w.st.LastErrorKind())
	w.st.SetRecovering(true)
	err := w.rot.Perform(ctx)
	w.st.SetRecovering(false)

	if w.st.QuotaExceeded() {
		log.Warn("quota watchdog: exceeded flag still set after rotation, force-resetting")
		w.st.ForceResetQuota()
	}
	return err
}
