package rotation

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/camoufox-proxy/AIStudioProxyAPI/internal/util"
)

// FileProfileStore implements ProfileStore over an auth-profiles directory
// containing active/, saved/ and emergency/ subdirectories, plus the
// cooldown book and usage ledger JSON files.
type FileProfileStore struct {
	baseDir      string
	cooldownPath string
	usagePath    string

	cooldownMu sync.Mutex
	usageMu    sync.Mutex
}

func NewFileProfileStore(baseDir, cooldownPath, usagePath string) *FileProfileStore {
	return &FileProfileStore{
		baseDir:      baseDir,
		cooldownPath: cooldownPath,
		usagePath:    usagePath,
	}
}

// ListProfiles scans the given pools in order; with no arguments it scans
// active, saved and emergency. Missing pool directories are skipped.
func (s *FileProfileStore) ListProfiles(pools ...string) ([]Profile, error) {
	if len(pools) == 0 {
		pools = []string{PoolActive, PoolSaved, PoolEmergency}
	}
	var profiles []Profile
	for _, pool := range pools {
		dir := filepath.Join(s.baseDir, pool)
		entries, err := os.ReadDir(dir)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, fmt.Errorf("failed to scan profile pool %s: %w", pool, err)
		}
		var names []string
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(strings.ToLower(e.Name()), ".json") {
				continue
			}
			names = append(names, e.Name())
		}
		sort.Strings(names)
		for _, name := range names {
			abs, err := filepath.Abs(filepath.Join(dir, name))
			if err != nil {
				abs = filepath.Join(dir, name)
			}
			profiles = append(profiles, Profile{Path: abs, Pool: pool})
		}
	}
	return profiles, nil
}

// ReadCookies returns the raw profile document after checking it parses
// and carries a cookies array.
func (s *FileProfileStore) ReadCookies(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read profile %s: %w", path, err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("profile %s is not valid JSON", path)
	}
	if !gjson.GetBytes(data, "cookies").IsArray() {
		return nil, fmt.Errorf("profile %s has no cookies array", path)
	}
	return data, nil
}

// WriteCookies atomically replaces the profile document.
func (s *FileProfileStore) WriteCookies(path string, data []byte) error {
	if !gjson.ValidBytes(data) {
		return fmt.Errorf("refusing to write invalid JSON to profile %s", path)
	}
	return util.WriteFileAtomic(path, data)
}

// LoadCooldowns reads the cooldown book. A missing file yields an empty
// set.
func (s *FileProfileStore) LoadCooldowns() (*CooldownSet, error) {
	raw, err := os.ReadFile(s.cooldownPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewCooldownSet(), nil
		}
		return nil, fmt.Errorf("failed to read cooldown file: %w", err)
	}
	return ParseCooldowns(raw)
}

// SaveCooldowns persists the cooldown book atomically. Writes are
// serialized; readers tolerate a stale view.
func (s *FileProfileStore) SaveCooldowns(set *CooldownSet) error {
	data, err := set.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode cooldown file: %w", err)
	}
	s.cooldownMu.Lock()
	defer s.cooldownMu.Unlock()
	return util.WriteFileAtomic(s.cooldownPath, data)
}

// Usage returns the accumulated token count for a profile. A path that
// moved between pools still resolves through its file name.
func (s *FileProfileStore) Usage(path string) (int64, error) {
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	ledger, err := s.loadUsageLocked()
	if err != nil {
		return 0, err
	}
	return lookupUsage(ledger, path), nil
}

// IncUsage adds n tokens to a profile's count, migrating any entry stored
// under a previous location of the same file name.
func (s *FileProfileStore) IncUsage(path string, n int64) error {
	if n <= 0 {
		return nil
	}
	s.usageMu.Lock()
	defer s.usageMu.Unlock()
	ledger, err := s.loadUsageLocked()
	if err != nil {
		return err
	}
	if _, ok := ledger[path]; !ok {
		if prev, prevPath := basenameMatch(ledger, path); prevPath != "" {
			ledger[path] = prev
			delete(ledger, prevPath)
		}
	}
	ledger[path] += n
	return util.WriteJSON(s.usagePath, ledger)
}

func (s *FileProfileStore) loadUsageLocked() (map[string]int64, error) {
	ledger := make(map[string]int64)
	if err := util.ReadJSON(s.usagePath, &ledger); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return ledger, nil
		}
		return nil, fmt.Errorf("failed to read usage ledger: %w", err)
	}
	return ledger, nil
}

func lookupUsage(ledger map[string]int64, path string) int64 {
	if v, ok := ledger[path]; ok {
		return v
	}
	v, _ := basenameMatch(ledger, path)
	return v
}

// basenameMatch finds a ledger entry whose file name matches path's. A
// profile promoted from saved/ to active/ keeps its history this way.
func basenameMatch(ledger map[string]int64, path string) (int64, string) {
	base := filepath.Base(path)
	for p, v := range ledger {
		if p != path && filepath.Base(p) == base {
			return v, p
		}
	}
	return 0, ""
}
