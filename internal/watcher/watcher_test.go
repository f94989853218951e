package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/config"
	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/rotation"
)

type recorder struct {
	mu      sync.Mutex
	configs []*config.Config
	pools   []PoolEvent
}

func (r *recorder) onConfig(cfg *config.Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs = append(r.configs, cfg)
}

func (r *recorder) onPool(ev PoolEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools = append(r.pools, ev)
}

func (r *recorder) configCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.configs)
}

func (r *recorder) lastConfig() *config.Config {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.configs) == 0 {
		return nil
	}
	return r.configs[len(r.configs)-1]
}

func (r *recorder) poolEvents() []PoolEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]PoolEvent(nil), r.pools...)
}

func newWatcherFixture(t *testing.T) (*Watcher, *recorder, string, string) {
	t.Helper()
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("port: 2048\n"), 0o644))
	poolDir := filepath.Join(dir, "auth_profiles")
	require.NoError(t, os.MkdirAll(filepath.Join(poolDir, rotation.PoolActive), 0o755))

	rec := &recorder{}
	w, err := NewWatcher(cfgPath, poolDir, rec.onConfig, rec.onPool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })
	return w, rec, cfgPath, poolDir
}

func TestConfigChangeTriggersReload(t *testing.T) {
	w, rec, cfgPath, _ := newWatcherFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, w.Start(ctx))

	require.NoError(t, os.WriteFile(cfgPath, []byte("port: 3333\n"), 0o644))

	require.Eventually(t, func() bool { return rec.configCount() >= 1 }, 3*time.Second, 20*time.Millisecond)
	assert.Equal(t, 3333, rec.lastConfig().Port)
}

func TestConfigReloadSkipsUnchangedContent(t *testing.T) {
	w, rec, cfgPath, _ := newWatcherFixture(t)

	w.handleConfigChange()
	require.Equal(t, 1, rec.configCount())

	w.handleConfigChange()
	assert.Equal(t, 1, rec.configCount(), "identical content must not reload")

	require.NoError(t, os.WriteFile(cfgPath, []byte("port: 4444\n"), 0o644))
	w.handleConfigChange()
	require.Equal(t, 2, rec.configCount())
	assert.Equal(t, 4444, rec.lastConfig().Port)
}

func TestBrokenConfigKeepsCurrent(t *testing.T) {
	w, rec, cfgPath, _ := newWatcherFixture(t)

	w.handleConfigChange()
	require.Equal(t, 1, rec.configCount())

	require.NoError(t, os.WriteFile(cfgPath, []byte(":\nnot yaml ["), 0o644))
	w.handleConfigChange()
	assert.Equal(t, 1, rec.configCount(), "unparsable config must not be pushed")
}

func TestProfilePoolEvents(t *testing.T) {
	w, rec, _, poolDir := newWatcherFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, w.Start(ctx))

	profile := filepath.Join(poolDir, rotation.PoolActive, "alice@example.json")
	require.NoError(t, os.WriteFile(profile, []byte(`{"cookies":[]}`), 0o644))

	require.Eventually(t, func() bool {
		for _, ev := range rec.poolEvents() {
			if ev.Op == "updated" && ev.Path == profile {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, os.Remove(profile))
	require.Eventually(t, func() bool {
		for _, ev := range rec.poolEvents() {
			if ev.Op == "removed" && ev.Path == profile {
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)
}

func TestProfileUpdateDedupesByContent(t *testing.T) {
	w, rec, _, poolDir := newWatcherFixture(t)
	profile := filepath.Join(poolDir, rotation.PoolActive, "bob@example.json")
	require.NoError(t, os.WriteFile(profile, []byte(`{"cookies":[1]}`), 0o644))
	w.primePoolHashes()

	w.profileUpdated(profile)
	assert.Empty(t, rec.poolEvents(), "primed content must not notify")

	require.NoError(t, os.WriteFile(profile, []byte(`{"cookies":[2]}`), 0o644))
	w.profileUpdated(profile)
	require.Len(t, rec.poolEvents(), 1)
	assert.Equal(t, "updated", rec.poolEvents()[0].Op)
	assert.Equal(t, profile, rec.poolEvents()[0].Path)
}

func TestRemoveUnknownProfileIsSilent(t *testing.T) {
	w, rec, _, poolDir := newWatcherFixture(t)

	w.profileRemoved(filepath.Join(poolDir, rotation.PoolActive, "ghost.json"))
	assert.Empty(t, rec.poolEvents())
}
