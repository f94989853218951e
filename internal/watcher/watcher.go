// Package watcher monitors the config file and the profile pool for
// changes. Configuration edits are reloaded and pushed to the gateway;
// profile files appearing, changing or vanishing are reported so the
// rotation candidate set stays current. Content hashes filter out the
// duplicate events editors and cookie refreshes produce.
package watcher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/config"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/rotation"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/util"
)

// Cookie writers on Windows hold short-lived locks, so profile reads
// retry briefly before giving up.
const (
	profileReadMaxAttempts = 5
	profileReadRetryDelay  = 100 * time.Millisecond
)

// PoolEvent describes one observed profile pool change.
type PoolEvent struct {
	// Op is "updated" or "removed".
	Op   string
	Path string
}

// Watcher manages file watching for the configuration file and the
// profile pool directories.
type Watcher struct {
	configPath string
	poolDir    string

	onConfig func(*config.Config)
	onPool   func(PoolEvent)

	watcher *fsnotify.Watcher

	mu             sync.Mutex
	config         *config.Config
	lastConfigHash string
	lastPoolHashes map[string]string
}

// NewWatcher creates a new file watcher instance. Either callback may
// be nil.
func NewWatcher(configPath, poolDir string, onConfig func(*config.Config), onPool func(PoolEvent)) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		configPath:     configPath,
		poolDir:        util.ExpandPath(poolDir),
		onConfig:       onConfig,
		onPool:         onPool,
		watcher:        fsw,
		lastPoolHashes: make(map[string]string),
	}, nil
}

// SetConfig primes the watcher with the currently loaded configuration.
func (w *Watcher) SetConfig(cfg *config.Config) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.config = cfg
}

// Start begins watching the config file and the pool directories. Pool
// subdirectories that do not exist yet are skipped; the profile store
// creates them before the first rotation.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.configPath); err != nil {
		log.Errorf("failed to watch config file %s: %v", w.configPath, err)
		return err
	}
	log.Debugf("watching config file: %s", w.configPath)

	for _, pool := range []string{rotation.PoolActive, rotation.PoolSaved, rotation.PoolEmergency} {
		dir := filepath.Join(w.poolDir, pool)
		if err := w.watcher.Add(dir); err != nil {
			log.Warnf("profile pool %s not watchable, skipping: %v", dir, err)
			continue
		}
		log.Debugf("watching profile pool: %s", dir)
	}

	w.primePoolHashes()

	go w.processEvents(ctx)
	return nil
}

// Stop stops the file watcher.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}

func (w *Watcher) processEvents(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case errWatch, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Errorf("file watcher error: %v", errWatch)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	isConfigEvent := event.Name == w.configPath && event.Op&(fsnotify.Write|fsnotify.Create) != 0
	isProfileJSON := strings.HasPrefix(event.Name, w.poolDir) && strings.HasSuffix(event.Name, ".json")
	if !isConfigEvent && !isProfileJSON {
		// Unrelated noise: editor temp files, the usage ledger, etc.
		return
	}

	log.Debugf("file system event: %s %s", event.Op.String(), event.Name)

	if isConfigEvent {
		w.handleConfigChange()
		return
	}

	switch {
	case event.Op&(fsnotify.Create|fsnotify.Write) != 0:
		w.profileUpdated(event.Name)
	case event.Op&(fsnotify.Remove|fsnotify.Rename) != 0:
		w.profileRemoved(event.Name)
	}
}

func (w *Watcher) handleConfigChange() {
	data, err := os.ReadFile(w.configPath)
	if err != nil {
		log.Errorf("failed to read config file for hash check: %v", err)
		return
	}
	if len(data) == 0 {
		log.Debug("ignoring empty config file write event")
		return
	}
	newHash := hashBytes(data)

	w.mu.Lock()
	unchanged := w.lastConfigHash != "" && w.lastConfigHash == newHash
	w.mu.Unlock()
	if unchanged {
		log.Debug("config file content unchanged (hash match), skipping reload")
		return
	}

	log.Infof("config file changed, reloading: %s", w.configPath)
	newConfig, err := config.LoadConfig(w.configPath)
	if err != nil {
		log.Errorf("failed to reload config: %v", err)
		return
	}

	w.mu.Lock()
	oldConfig := w.config
	w.config = newConfig
	w.lastConfigHash = newHash
	w.mu.Unlock()

	// Keep logrus in line with the latest config even when nothing else
	// changed.
	util.SetLogLevel(newConfig)
	if oldConfig != nil {
		logConfigDiff(oldConfig, newConfig)
	}

	if w.onConfig != nil {
		w.onConfig(newConfig)
	}
}

func logConfigDiff(oldCfg, newCfg *config.Config) {
	if oldCfg.Port != newCfg.Port {
		log.Debugf("  port: %d -> %d (takes effect on restart)", oldCfg.Port, newCfg.Port)
	}
	if oldCfg.Debug != newCfg.Debug {
		log.Debugf("  debug: %t -> %t", oldCfg.Debug, newCfg.Debug)
	}
	if oldCfg.AuthDir != newCfg.AuthDir {
		log.Debugf("  auth-dir: %s -> %s (takes effect on restart)", oldCfg.AuthDir, newCfg.AuthDir)
	}
	if oldCfg.LaunchMode != newCfg.LaunchMode {
		log.Debugf("  launch-mode: %s -> %s (takes effect on restart)", oldCfg.LaunchMode, newCfg.LaunchMode)
	}
	if oldCfg.DefaultModel != newCfg.DefaultModel {
		log.Debugf("  default-model: %s -> %s", oldCfg.DefaultModel, newCfg.DefaultModel)
	}
	if oldCfg.ProxyURL != newCfg.ProxyURL {
		log.Debugf("  proxy-url: %s -> %s", oldCfg.ProxyURL, newCfg.ProxyURL)
	}
	if oldCfg.RequestLog != newCfg.RequestLog {
		log.Debugf("  request-log: %t -> %t", oldCfg.RequestLog, newCfg.RequestLog)
	}
	if len(oldCfg.APIKeys) != len(newCfg.APIKeys) {
		log.Debugf("  api-keys count: %d -> %d", len(oldCfg.APIKeys), len(newCfg.APIKeys))
	}
}

func (w *Watcher) profileUpdated(path string) {
	data, err := readProfileWithRetry(path, profileReadMaxAttempts, profileReadRetryDelay)
	if err != nil {
		log.Errorf("failed to read profile %s: %v", filepath.Base(path), err)
		return
	}
	if len(data) == 0 {
		// Intermediate state: created but not yet written.
		log.Debugf("ignoring empty profile file: %s", filepath.Base(path))
		return
	}
	newHash := hashBytes(data)

	w.mu.Lock()
	if prev, ok := w.lastPoolHashes[path]; ok && prev == newHash {
		w.mu.Unlock()
		log.Debugf("profile content unchanged (hash match), skipping: %s", filepath.Base(path))
		return
	}
	w.lastPoolHashes[path] = newHash
	w.mu.Unlock()

	log.Infof("profile pool change: %s updated", filepath.Base(path))
	if w.onPool != nil {
		w.onPool(PoolEvent{Op: "updated", Path: path})
	}
}

func (w *Watcher) profileRemoved(path string) {
	w.mu.Lock()
	_, known := w.lastPoolHashes[path]
	delete(w.lastPoolHashes, path)
	w.mu.Unlock()
	if !known {
		return
	}

	log.Infof("profile pool change: %s removed", filepath.Base(path))
	if w.onPool != nil {
		w.onPool(PoolEvent{Op: "removed", Path: path})
	}
}

func (w *Watcher) primePoolHashes() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, pool := range []string{rotation.PoolActive, rotation.PoolSaved, rotation.PoolEmergency} {
		dir := filepath.Join(w.poolDir, pool)
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if data, errRead := os.ReadFile(path); errRead == nil && len(data) > 0 {
				w.lastPoolHashes[path] = hashBytes(data)
			}
		}
	}
}

// readProfileWithRetry reads a profile file, retrying to ride out
// short-lived write locks.
func readProfileWithRetry(path string, attempts int, delay time.Duration) ([]byte, error) {
	var lastErr error
	for i := 0; i < attempts; i++ {
		data, err := os.ReadFile(path)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if i < attempts-1 {
			time.Sleep(delay)
		}
	}
	return nil, lastErr
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
