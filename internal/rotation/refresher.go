package rotation

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tidwall/sjson"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/config"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interfaces"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/state"
)

// Refresher writes the live browser context's cookies back into the
// active profile document so a later restart, or the next rotation back
// onto this profile, resumes with fresh session state. Saves serialize
// against the coordinator's swap so a write can never land on a profile
// that is being rotated out from underneath it.
type Refresher struct {
	cfg   *config.Config
	page  interfaces.PageController
	store ProfileStore
	st    *state.RuntimeState
	coord *Coordinator
	clock interfaces.Clock

	mu       sync.Mutex
	lastSave time.Time
}

func NewRefresher(cfg *config.Config, page interfaces.PageController, store ProfileStore, st *state.RuntimeState, coord *Coordinator) *Refresher {
	return &Refresher{
		cfg:   cfg,
		page:  page,
		store: store,
		st:    st,
		coord: coord,
		clock: st.Clock(),
	}
}

// Run drives the periodic save loop until ctx is done.
func (r *Refresher) Run(ctx context.Context) error {
	interval := time.Duration(r.cfg.CookieRefresh.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 30 * time.Minute
	}
	for {
		if err := r.clock.Sleep(ctx, interval); err != nil {
			return err
		}
		if r.st.IsShuttingDown() {
			return nil
		}
		if err := r.Save(ctx); err != nil {
			log.Warnf("cookie refresh: periodic save failed: %v", err)
		}
	}
}

// Save exports the context cookies and rewrites the current profile's
// cookies field in place, preserving the rest of the document.
func (r *Refresher) Save(ctx context.Context) error {
	var saveErr error
	saved := false
	r.coord.WithSwapLock(func() {
		path := r.st.CurrentProfile()
		if path == "" {
			return
		}
		cookies, err := r.page.Cookies(ctx)
		if err != nil {
			saveErr = err
			return
		}
		doc, err := r.store.ReadCookies(path)
		if err != nil {
			doc = []byte("{}")
		}
		updated, err := sjson.SetRawBytes(doc, "cookies", cookies)
		if err != nil {
			saveErr = err
			return
		}
		if saveErr = r.store.WriteCookies(path, updated); saveErr == nil {
			saved = true
			log.Debugf("cookie refresh: saved session state to %s", path)
		}
	})
	if saved {
		r.mu.Lock()
		r.lastSave = r.clock.Now()
		r.mu.Unlock()
	}
	return saveErr
}

// MaybeSaveAfterRequest saves at most once per configured interval; the
// worker calls this after every clean request so back-to-back traffic
// does not hammer the profile file.
func (r *Refresher) MaybeSaveAfterRequest(ctx context.Context) {
	if !r.cfg.CookieRefresh.OnRequestEnabled {
		return
	}
	minGap := time.Duration(r.cfg.CookieRefresh.RequestIntervalSeconds) * time.Second
	r.mu.Lock()
	last := r.lastSave
	r.mu.Unlock()
	if !last.IsZero() && r.clock.Now().Sub(last) < minGap {
		return
	}
	if err := r.Save(ctx); err != nil {
		log.Warnf("cookie refresh: post-request save failed: %v", err)
	}
}

// SaveOnShutdown runs the final save when configured to.
func (r *Refresher) SaveOnShutdown(ctx context.Context) {
	if !r.cfg.CookieRefresh.OnShutdown {
		return
	}
	if err := r.Save(ctx); err != nil {
		log.Warnf("cookie refresh: shutdown save failed: %v", err)
	}
}
