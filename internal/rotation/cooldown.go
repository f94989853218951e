package rotation

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	log "github.com/sirupsen/logrus"
)

// GlobalKey marks a profile unusable for every model.
const GlobalKey = "global"

// DefaultKey is written only when a quota failure carries no model id at
// all; selection treats it like any other model key.
const DefaultKey = "default"

// timestampLayouts are accepted on read. Entries written by older builds
// carry naive local timestamps without a zone.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
}

// CooldownSet is the parsed cooldown book: profile path to model key to
// expiry. Entries read in the legacy single-timestamp form are kept in that
// shape on save until something rewrites them; nested entries are never
// collapsed back to the legacy form.
type CooldownSet struct {
	entries map[string]*cooldownEntry
}

type cooldownEntry struct {
	models    map[string]time.Time
	legacy    bool
	legacyRaw string
	touched   bool
}

// NewCooldownSet returns an empty book.
func NewCooldownSet() *CooldownSet {
	return &CooldownSet{entries: make(map[string]*cooldownEntry)}
}

// ParseCooldowns decodes the persisted book. Unreadable entries are
// dropped with a warning rather than failing the whole load.
func ParseCooldowns(raw []byte) (*CooldownSet, error) {
	set := NewCooldownSet()
	if len(raw) == 0 {
		return set, nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("cooldown file is not a JSON object: %w", err)
	}
	for path, rawEntry := range doc {
		var asString string
		if err := json.Unmarshal(rawEntry, &asString); err == nil {
			t, err := parseTimestamp(asString)
			if err != nil {
				log.Warnf("cooldown entry for %s has unreadable timestamp %q, skipping", path, asString)
				continue
			}
			set.entries[path] = &cooldownEntry{
				models:    map[string]time.Time{GlobalKey: t},
				legacy:    true,
				legacyRaw: asString,
			}
			continue
		}
		var asMap map[string]string
		if err := json.Unmarshal(rawEntry, &asMap); err != nil {
			log.Warnf("cooldown entry for %s has unrecognized shape, skipping", path)
			continue
		}
		entry := &cooldownEntry{models: make(map[string]time.Time, len(asMap))}
		for key, ts := range asMap {
			t, err := parseTimestamp(ts)
			if err != nil {
				log.Warnf("cooldown entry for %s model %s has unreadable timestamp %q, skipping", path, key, ts)
				continue
			}
			entry.models[key] = t
		}
		set.entries[path] = entry
	}
	return set, nil
}

// Encode renders the book for persistence. Untouched legacy entries keep
// their original single-timestamp shape.
func (c *CooldownSet) Encode() ([]byte, error) {
	doc := make(map[string]any, len(c.entries))
	for path, entry := range c.entries {
		if entry.legacy && !entry.touched {
			doc[path] = entry.legacyRaw
			continue
		}
		models := make(map[string]string, len(entry.models))
		for key, t := range entry.models {
			models[key] = t.Format(time.RFC3339Nano)
		}
		doc[path] = models
	}
	return json.MarshalIndent(doc, "", "  ")
}

// Set records a cooldown for one model key on a profile, upgrading legacy
// entries to the nested shape.
func (c *CooldownSet) Set(path, modelKey string, until time.Time) {
	entry, ok := c.entries[path]
	if !ok {
		entry = &cooldownEntry{models: make(map[string]time.Time)}
		c.entries[path] = entry
	}
	entry.models[modelKey] = until
	entry.touched = true
}

// ActiveGlobal reports whether the profile is globally cooled down.
func (c *CooldownSet) ActiveGlobal(path string, now time.Time) bool {
	entry, ok := c.entries[path]
	if !ok {
		return false
	}
	t, ok := entry.models[GlobalKey]
	return ok && t.After(now)
}

// ActiveFor reports whether the profile is unusable for the given model
// key, either through a global cooldown or a per-model one.
func (c *CooldownSet) ActiveFor(path, modelKey string, now time.Time) bool {
	if c.ActiveGlobal(path, now) {
		return true
	}
	entry, ok := c.entries[path]
	if !ok {
		return false
	}
	t, ok := entry.models[modelKey]
	return ok && t.After(now)
}

// ActiveOtherCount counts active per-model cooldowns on the profile for
// models other than target. Selection prefers profiles that are already
// partially spent.
func (c *CooldownSet) ActiveOtherCount(path, target string, now time.Time) int {
	entry, ok := c.entries[path]
	if !ok {
		return 0
	}
	n := 0
	for key, t := range entry.models {
		if key == GlobalKey || key == target {
			continue
		}
		if t.After(now) {
			n++
		}
	}
	return n
}

// SoonestExpiry returns the earliest cooldown expiry still in the future,
// across all profiles and model keys.
func (c *CooldownSet) SoonestExpiry(now time.Time) (time.Time, bool) {
	var soonest time.Time
	found := false
	for _, entry := range c.entries {
		for _, t := range entry.models {
			if !t.After(now) {
				continue
			}
			if !found || t.Before(soonest) {
				soonest = t
				found = true
			}
		}
	}
	return soonest, found
}

// Paths returns the profile paths present in the book, sorted.
func (c *CooldownSet) Paths() []string {
	paths := make([]string, 0, len(c.entries))
	for p := range c.entries {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

func parseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		var t time.Time
		var err error
		if layout == time.RFC3339Nano {
			t, err = time.Parse(layout, s)
		} else {
			t, err = time.ParseInLocation(layout, s, time.Local)
		}
		if err == nil {
			return t, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
