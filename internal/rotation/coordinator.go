package rotation

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/config"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/constant"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/state"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/util"
)

const (
	depletionWindow       = time.Minute
	canaryAttempts        = 5
	canaryNavTimeout      = 30 * time.Second
	canarySelectorTimeout = 15 * time.Second
	expiryRetryBuffer     = time.Second

	// The canary probe: a fresh profile must render the new-chat prompt
	// input before traffic resumes on it.
	canaryURL      = "https://aistudio.google.com/prompts/new_chat"
	promptSelector = "ms-prompt-input-wrapper textarea"
)

// ErrDepleted means emergency mode failed and the rotation lock was left
// cleared: requests stay parked until an operator replenishes the pools.
var ErrDepleted = errors.New("profile pools depleted, requests parked")

// ErrNoCandidates means every profile is cooling down for the target model.
var ErrNoCandidates = errors.New("no usable profile candidates")

// Coordinator performs profile rotations. Perform serializes against
// itself; the page is safe to touch because callers only rotate while
// requests are parked behind the cleared rotation lock.
type Coordinator struct {
	cfg        *config.Config
	store      ProfileStore
	page       interfaces.PageController
	st         *state.RuntimeState
	clock      interfaces.Clock
	ledger     *Ledger
	rnd        *rand.Rand
	skipCanary bool

	mu sync.Mutex
}

func NewCoordinator(cfg *config.Config, store ProfileStore, page interfaces.PageController, st *state.RuntimeState) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		store:      store,
		page:       page,
		st:         st,
		clock:      st.Clock(),
		ledger:     NewLedger(depletionWindow),
		rnd:        rand.New(rand.NewSource(time.Now().UnixNano())),
		skipCanary: cfg.LaunchMode == constant.LaunchNoBrowser,
	}
}

// Perform runs one full rotation: depletion guard, cooldown assignment for
// the profile being left, candidate selection, soft cookie swap and canary
// validation. The rotation lock is cleared for the duration and set again
// on exit, except when emergency mode fails and requests must stay parked.
func (c *Coordinator) Perform(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.st.RotationLock().Clear()
	parked := false
	defer func() {
		if !parked {
			c.st.RotationLock().Set()
		}
	}()

	now := c.clock.Now()
	targetKey := util.NormalizeModelID(c.st.CurrentModel())
	if targetKey == "" {
		targetKey = DefaultKey
	}

	if c.depleted(now) {
		if err := c.emergencySwap(ctx, targetKey); err != nil {
			parked = true
			log.Errorf("rotation: emergency swap failed, parking requests until operator intervention: %v", err)
			return fmt.Errorf("%w: %v", ErrDepleted, err)
		}
		return nil
	}

	cooldowns, err := c.store.LoadCooldowns()
	if err != nil {
		log.Warnf("rotation: could not load cooldown book, starting empty: %v", err)
		cooldowns = NewCooldownSet()
	}
	c.assignCooldowns(cooldowns, targetKey, now)
	if err = c.store.SaveCooldowns(cooldowns); err != nil {
		log.Warnf("rotation: could not save cooldown book: %v", err)
	}

	tried := make(map[string]bool)
	var lastErr error
	for attempt := 1; attempt <= canaryAttempts; attempt++ {
		if err = ctx.Err(); err != nil {
			return err
		}
		cand, errSelect := c.selectCandidate(ctx, cooldowns, targetKey, tried, attempt == 1)
		if errSelect != nil {
			if lastErr != nil {
				return fmt.Errorf("rotation failed: %w (last attempt: %v)", errSelect, lastErr)
			}
			return fmt.Errorf("rotation failed: %w", errSelect)
		}
		tried[cand.Path] = true

		if err = c.swapTo(ctx, cand.Path); err != nil {
			log.Warnf("rotation: swap to %s failed: %v", cand.Path, err)
			lastErr = err
			continue
		}
		if err = c.canary(ctx); err != nil {
			log.Warnf("rotation: canary failed on %s: %v", cand.Path, err)
			until := c.clock.Now().Add(c.rateLimitCooldown())
			cooldowns.Set(cand.Path, GlobalKey, until)
			if errSave := c.store.SaveCooldowns(cooldowns); errSave != nil {
				log.Warnf("rotation: could not save cooldown book: %v", errSave)
			}
			lastErr = err
			continue
		}

		c.ledger.Record(c.clock.Now())
		c.st.MarkRotationSuccess()
		log.Infof("rotation: now on profile %s (pool %s) after %d attempt(s)", cand.Path, cand.Pool, attempt)
		return nil
	}
	return fmt.Errorf("rotation failed after %d attempts: %w", canaryAttempts, lastErr)
}

// IsRotating reports whether a rotation currently holds requests parked.
func (c *Coordinator) IsRotating() bool {
	return !c.st.RotationLock().IsSet()
}

// WithSwapLock runs fn holding the rotation mutex so profile writes
// never interleave with an in-progress swap.
func (c *Coordinator) WithSwapLock(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn()
}

func (c *Coordinator) depleted(now time.Time) bool {
	limit := config.DefaultDepletionGuardLimit
	if int(c.st.QueuedCount()) > c.cfg.HighTrafficQueueThreshold {
		limit = c.cfg.DepletionGuardHighTraffic
	}
	count := c.ledger.CountWithin(now)
	if count >= limit {
		log.Warnf("rotation: %d rotations in the last %s (budget %d)", count, depletionWindow, limit)
		return true
	}
	return false
}

// emergencySwap tries exactly one swap to an emergency-pool profile.
func (c *Coordinator) emergencySwap(ctx context.Context, targetKey string) error {
	log.Warn("rotation: depletion guard tripped, trying one emergency profile")
	cooldowns, err := c.store.LoadCooldowns()
	if err != nil {
		cooldowns = NewCooldownSet()
	}
	cands, err := c.rankedCandidates(cooldowns, targetKey, nil, c.clock.Now(), PoolEmergency)
	if err != nil {
		return err
	}
	if len(cands) == 0 {
		return errors.New("emergency pool has no usable profile")
	}
	cand := cands[0]
	if err = c.swapTo(ctx, cand.Path); err != nil {
		return err
	}
	if err = c.canary(ctx); err != nil {
		return fmt.Errorf("emergency canary failed: %w", err)
	}
	c.ledger.Record(c.clock.Now())
	c.st.MarkRotationSuccess()
	log.Infof("rotation: emergency swap to %s succeeded", cand.Path)
	return nil
}

// assignCooldowns books the profile being rotated away from, keyed by what
// actually went wrong. Soft-limit rotations carry no upstream error and
// book nothing.
func (c *Coordinator) assignCooldowns(cooldowns *CooldownSet, targetKey string, now time.Time) {
	current := c.st.CurrentProfile()
	if current == "" {
		return
	}
	switch c.st.LastErrorKind() {
	case state.ErrorKindRateLimit:
		until := now.Add(c.rateLimitCooldown())
		cooldowns.Set(current, GlobalKey, until)
		log.Infof("rotation: global cooldown on %s until %s (rate limited)", current, until.Format(time.RFC3339))
	case state.ErrorKindQuotaExceeded:
		until := now.Add(c.quotaCooldown())
		keys := make(map[string]struct{})
		for _, m := range c.st.ExhaustedModels() {
			if k := util.NormalizeModelID(m); k != "" {
				keys[k] = struct{}{}
			}
		}
		if targetKey != DefaultKey {
			keys[targetKey] = struct{}{}
		}
		if len(keys) == 0 {
			keys[DefaultKey] = struct{}{}
		}
		for k := range keys {
			cooldowns.Set(current, k, until)
			log.Infof("rotation: cooldown on %s for model %s until %s (quota exhausted)", current, k, until.Format(time.RFC3339))
		}
	}
}

// selectCandidate returns the best usable profile. When the first pass
// comes back empty it sleeps until the soonest cooldown expiry and retries
// once.
func (c *Coordinator) selectCandidate(ctx context.Context, cooldowns *CooldownSet, targetKey string, tried map[string]bool, allowWait bool) (Profile, error) {
	now := c.clock.Now()
	cands, err := c.rankedCandidates(cooldowns, targetKey, tried, now)
	if err != nil {
		return Profile{}, err
	}
	if len(cands) > 0 {
		return cands[0], nil
	}
	if !allowWait {
		return Profile{}, ErrNoCandidates
	}

	soonest, ok := cooldowns.SoonestExpiry(now)
	if !ok {
		return Profile{}, ErrNoCandidates
	}
	wait := soonest.Sub(now) + expiryRetryBuffer
	log.Infof("rotation: every profile is cooling down, waiting %s for the next expiry", wait.Round(time.Second))
	if err = c.clock.Sleep(ctx, wait); err != nil {
		return Profile{}, err
	}
	cands, err = c.rankedCandidates(cooldowns, targetKey, tried, c.clock.Now())
	if err != nil {
		return Profile{}, err
	}
	if len(cands) == 0 {
		return Profile{}, ErrNoCandidates
	}
	return cands[0], nil
}

// rankedCandidates filters and orders profiles by (efficiency desc, usage
// asc, random). Efficiency counts active cooldowns for models other than
// the target: a profile already spent on other models gets worn out first,
// keeping fresh profiles in reserve.
func (c *Coordinator) rankedCandidates(cooldowns *CooldownSet, targetKey string, tried map[string]bool, now time.Time, pools ...string) ([]Profile, error) {
	profiles, err := c.store.ListProfiles(pools...)
	if err != nil {
		return nil, err
	}
	type scored struct {
		profile    Profile
		efficiency int
		usage      int64
		rnd        float64
	}
	list := make([]scored, 0, len(profiles))
	for _, p := range profiles {
		if tried[p.Path] {
			continue
		}
		if cooldowns.ActiveFor(p.Path, targetKey, now) {
			continue
		}
		usage, errUsage := c.store.Usage(p.Path)
		if errUsage != nil {
			log.Debugf("rotation: no usage for %s: %v", p.Path, errUsage)
		}
		list = append(list, scored{
			profile:    p,
			efficiency: cooldowns.ActiveOtherCount(p.Path, targetKey, now),
			usage:      usage,
			rnd:        c.rnd.Float64(),
		})
	}
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].efficiency != list[j].efficiency {
			return list[i].efficiency > list[j].efficiency
		}
		if list[i].usage != list[j].usage {
			return list[i].usage < list[j].usage
		}
		return list[i].rnd < list[j].rnd
	})
	out := make([]Profile, len(list))
	for i, s := range list {
		out[i] = s.profile
	}
	return out, nil
}

// swapTo installs a profile's cookies into the live browser context with
// no reload and records it as current.
func (c *Coordinator) swapTo(ctx context.Context, path string) error {
	doc, err := c.store.ReadCookies(path)
	if err != nil {
		return err
	}
	cookies := gjson.GetBytes(doc, "cookies").Raw
	if err = c.page.ClearCookies(ctx); err != nil {
		return fmt.Errorf("failed to clear cookies: %w", err)
	}
	if err = c.page.AddCookies(ctx, []byte(cookies)); err != nil {
		return fmt.Errorf("failed to install cookies from %s: %w", path, err)
	}
	c.st.SetCurrentProfile(path)
	return nil
}

// canary verifies the freshly installed profile can reach the chat UI.
func (c *Coordinator) canary(ctx context.Context) error {
	if c.skipCanary {
		c.st.IncCanarySkips()
		log.Warn("rotation: canary skipped, no browser attached")
		return nil
	}
	navCtx, cancel := context.WithTimeout(ctx, canaryNavTimeout)
	defer cancel()
	if err := c.page.Navigate(navCtx, canaryURL); err != nil {
		return fmt.Errorf("canary navigation: %w", err)
	}
	if err := c.page.WaitForSelector(ctx, promptSelector, canarySelectorTimeout); err != nil {
		return fmt.Errorf("canary selector: %w", err)
	}
	return nil
}

func (c *Coordinator) rateLimitCooldown() time.Duration {
	return time.Duration(c.cfg.Cooldown.RateLimitSeconds) * time.Second
}

func (c *Coordinator) quotaCooldown() time.Duration {
	return time.Duration(c.cfg.Cooldown.QuotaExceededSeconds) * time.Second
}
