// Package cmd assembles the service: every collaborator is constructed
// and wired here, background tasks are supervised through one errgroup,
// and a signal tears the whole thing down in order.
package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/api"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/browser"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/config"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/interceptor"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/logging"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/pipeline"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/quota"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/registry"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/rotation"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/snapshot"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/state"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/usage"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/util"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/watcher"
)

const (
	// feedReadyTimeout bounds the wait for the stream feed listener before
	// the API starts admitting requests.
	feedReadyTimeout = 15 * time.Second

	// shutdownTimeout bounds the graceful drain after SIGINT/SIGTERM.
	shutdownTimeout = 30 * time.Second
)

// StartService wires the full service and blocks until a shutdown signal
// arrives or a background task fails.
func StartService(cfg *config.Config, configPath string) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st := state.NewRuntimeState(nil)

	hub := logging.NewLogHub()
	defer hub.Close()
	logging.AddLineSink(func(line string) { hub.Broadcast([]byte(line)) })
	logging.AddLineSink(st.AppendDebugLog)

	page, err := browser.NewPageController(cfg)
	if err != nil {
		log.Fatalf("failed to initialize page controller: %v", err)
	}

	store := rotation.NewFileProfileStore(
		util.ExpandPath(cfg.AuthDir),
		util.ExpandPath(cfg.CooldownFilePath),
		util.ExpandPath(cfg.UsageLedgerPath),
	)
	selectStartupProfile(cfg, st, store)

	coord := rotation.NewCoordinator(cfg, store, page, st)
	refresher := rotation.NewRefresher(cfg, page, store, st, coord)

	var streams pipeline.StreamSource
	var feed *interceptor.Server
	if cfg.StreamPort > 0 {
		mgr := interceptor.NewManager(st)
		feed = interceptor.NewServer(cfg.StreamPort, mgr)
		streams = pipeline.NewManagerSource(mgr)
	} else {
		log.Warn("stream feed disabled (stream-port 0), responses will be polled from the page")
	}

	pipe := pipeline.New(pipeline.Deps{
		Config:     cfg,
		State:      st,
		Page:       page,
		Streams:    streams,
		Rotator:    coord,
		Accountant: quota.NewAccountant(cfg, st, store),
		Estimator:  usage.NewEstimator(),
		Snapshots:  snapshot.NewStore(util.ExpandPath(cfg.SnapshotDBPath)),
		Refresher:  refresher,
		ReqLog:     logging.NewFileRequestLogger(cfg.RequestLog, "logs"),
		Tools:      pipeline.NewToolExecutor(cfg),
	})

	watchdog := quota.NewWatchdog(cfg, st, pipe.LockedRotator())
	reg := registry.New(cfg, page)
	server := api.NewServer(cfg, st, pipe, reg, hub)

	fsw, err := watcher.NewWatcher(configPath, cfg.AuthDir, server.UpdateConfig, func(ev watcher.PoolEvent) {
		// The profile store rescans the pools on every rotation, so the
		// event needs no cache invalidation.
		log.Debugf("profile pool event: %s %s", ev.Op, filepath.Base(ev.Path))
	})
	if err != nil {
		log.Fatalf("failed to initialize file watcher: %v", err)
	}
	fsw.SetConfig(cfg)

	g, gctx := errgroup.WithContext(ctx)

	if feed != nil {
		g.Go(feed.Start)
		select {
		case <-feed.Ready():
			log.Infof("stream feed listener ready on port %d", cfg.StreamPort)
		case <-time.After(feedReadyTimeout):
			log.Warnf("stream feed listener not ready within %s, continuing startup", feedReadyTimeout)
		case <-gctx.Done():
		}
	}

	if cfg.RotateOnStartup && gctx.Err() == nil {
		log.Info("performing startup profile rotation")
		if err := coord.Perform(ctx); err != nil {
			log.Warnf("startup rotation failed: %v", err)
		}
	}

	g.Go(func() error { return pipe.Run(gctx) })
	g.Go(func() error { return watchdog.Run(gctx) })
	if cfg.CookieRefresh.Enabled {
		g.Go(func() error { return refresher.Run(gctx) })
	}

	if err := fsw.Start(gctx); err != nil {
		log.Warnf("file watcher failed to start, hot reload disabled: %v", err)
	} else {
		defer func() { _ = fsw.Stop() }()
	}

	log.Infof("starting API server on port %d", cfg.Port)
	g.Go(server.Start)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Infof("received %s, shutting down", sig)
	case <-gctx.Done():
		log.Error("background task failed, shutting down")
	}

	// Wakes the gate, the worker and the watchdog before anything closes.
	st.Shutdown()

	sdCtx, sdCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer sdCancel()

	refresher.SaveOnShutdown(sdCtx)

	if err := server.Stop(sdCtx); err != nil {
		log.Warnf("API server shutdown: %v", err)
	}
	if feed != nil {
		if err := feed.Stop(sdCtx); err != nil {
			log.Warnf("feed listener shutdown: %v", err)
		}
	}

	cancel()
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Errorf("shutdown completed with error: %v", err)
		return
	}
	log.Info("shutdown complete")
}

// selectStartupProfile pins the profile the session starts on. An explicit
// active-auth-path wins; otherwise the first profile in the active pool is
// taken. Starting without a profile is allowed, rotation will pick one up.
func selectStartupProfile(cfg *config.Config, st *state.RuntimeState, store rotation.ProfileStore) {
	if cfg.ActiveAuthPath != "" {
		path := util.ExpandPath(cfg.ActiveAuthPath)
		if !util.IsRegularFile(path) {
			log.Warnf("pinned auth profile %s does not exist yet", path)
		}
		st.SetCurrentProfile(path)
		log.Infof("using pinned auth profile: %s", filepath.Base(path))
		return
	}

	profiles, err := store.ListProfiles(rotation.PoolActive)
	if err != nil {
		log.Warnf("failed to scan active profile pool: %v", err)
		return
	}
	if len(profiles) == 0 {
		log.Warn("no active auth profile found, starting without one")
		return
	}
	st.SetCurrentProfile(profiles[0].Path)
	log.Infof("using auth profile: %s", filepath.Base(profiles[0].Path))
}
