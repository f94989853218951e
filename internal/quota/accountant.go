// Package quota tracks per-model token consumption against the configured
// limits and runs the watchdog that turns quota signals into profile
// rotations.
package quota

import (
	log "github.com/sirupsen/logrus"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/config"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/rotation"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/state"
)

// Accountant books completed-response token usage. Crossing the soft limit
// schedules a rotation between requests; crossing the hard limit exhausts
// the model and unwinds the current request.
type Accountant struct {
	cfg   *config.Config
	st    *state.RuntimeState
	store rotation.ProfileStore
}

func NewAccountant(cfg *config.Config, st *state.RuntimeState, store rotation.ProfileStore) *Accountant {
	return &Accountant{cfg: cfg, st: st, store: store}
}

// RecordUsage adds a response's total tokens to the model's running count
// and to the active profile's persistent ledger. It returns a
// QuotaExceededError once the hard limit for the model is reached.
func (a *Accountant) RecordUsage(model string, totalTokens int64) error {
	if totalTokens <= 0 {
		return nil
	}
	if profile := a.st.CurrentProfile(); profile != "" {
		if err := a.store.IncUsage(profile, totalTokens); err != nil {
			log.Warnf("quota: could not persist usage for %s: %v", profile, err)
		}
	}

	total := a.st.AddTokens(model, totalTokens)
	hard := a.cfg.HardLimitFor(model)
	if total >= hard {
		log.Warnf("quota: model %s at %d tokens, hard limit %d reached", model, total, hard)
		a.st.FlagQuotaExceeded(state.ErrorKindQuotaExceeded, model)
		return &interfaces.QuotaExceededError{
			Msg:   "model token quota exhausted on the current profile",
			Model: model,
		}
	}
	if total >= a.cfg.Quota.SoftLimit && !a.st.NeedsRotation() {
		log.Infof("quota: model %s at %d tokens, soft limit %d crossed, rotation scheduled between requests",
			model, total, a.cfg.Quota.SoftLimit)
		a.st.SetNeedsRotation(true)
	}
	return nil
}
