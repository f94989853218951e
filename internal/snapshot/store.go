// Package snapshot persists diagnostic bundles for failed requests. A
// bundle captures what the gateway knew at the moment a request died
// server-side: the request id, the model, the pipeline stage, the page
// URL and the tail of the debug log. Bundles are keyed monotonically so
// the newest one is always last in key order.
package snapshot

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	bolt "go.etcd.io/bbolt"
)

const bucketName = "snapshots"

// Bundle is one persisted diagnostic snapshot.
type Bundle struct {
	ReqID     string    `json:"req_id"`
	Model     string    `json:"model"`
	Stage     string    `json:"stage"`
	PageURL   string    `json:"page_url"`
	Error     string    `json:"error"`
	LogLines  []string  `json:"log_lines,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store writes bundles to a bbolt file. The database is opened per
// operation and closed before returning so no long-lived file lock can
// outlive a crashed process.
type Store struct {
	path string

	mu      sync.Mutex
	lastKey string
	loaded  bool
}

// NewStore returns a store backed by the bbolt file at path. The file is
// created on first save.
func NewStore(path string) *Store {
	return &Store{path: path}
}

func (s *Store) open() (*bolt.DB, error) {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return nil, err
	}
	return bolt.Open(s.path, 0o600, &bolt.Options{Timeout: time.Second})
}

// Save persists a bundle under the next monotonic key and returns the
// key. A zero CreatedAt is stamped with the current time.
func (s *Store) Save(b Bundle) (string, error) {
	if b.CreatedAt.IsZero() {
		b.CreatedAt = time.Now()
	}
	db, err := s.open()
	if err != nil {
		return "", fmt.Errorf("snapshot: open db: %w", err)
	}
	defer func() { _ = db.Close() }()

	var key string
	err = db.Update(func(tx *bolt.Tx) error {
		bucket, err := tx.CreateBucketIfNotExists([]byte(bucketName))
		if err != nil {
			return err
		}
		seq, err := bucket.NextSequence()
		if err != nil {
			return err
		}
		key = fmt.Sprintf("%012d-%s", seq, b.ReqID)
		data, err := json.Marshal(b)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(key), data)
	})
	if err != nil {
		return "", fmt.Errorf("snapshot: save: %w", err)
	}

	s.mu.Lock()
	s.lastKey = key
	s.loaded = true
	s.mu.Unlock()
	return key, nil
}

// LastKey returns the key of the most recently saved bundle, or "" when
// none exists. The first call after startup reads it from disk.
func (s *Store) LastKey() string {
	s.mu.Lock()
	if s.loaded {
		key := s.lastKey
		s.mu.Unlock()
		return key
	}
	s.mu.Unlock()

	key := ""
	if _, err := os.Stat(s.path); err == nil {
		if db, err := s.open(); err == nil {
			_ = db.View(func(tx *bolt.Tx) error {
				bucket := tx.Bucket([]byte(bucketName))
				if bucket == nil {
					return nil
				}
				if k, _ := bucket.Cursor().Last(); k != nil {
					key = string(k)
				}
				return nil
			})
			_ = db.Close()
		}
	}

	s.mu.Lock()
	s.lastKey = key
	s.loaded = true
	s.mu.Unlock()
	return key
}

// Load reads a bundle by key.
func (s *Store) Load(key string) (*Bundle, error) {
	db, err := s.open()
	if err != nil {
		return nil, fmt.Errorf("snapshot: open db: %w", err)
	}
	defer func() { _ = db.Close() }()

	var raw []byte
	err = db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket == nil {
			return nil
		}
		if v := bucket.Get([]byte(key)); v != nil {
			raw = append(raw, v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: load: %w", err)
	}
	if raw == nil {
		return nil, fmt.Errorf("snapshot: no bundle under key %q", key)
	}
	var b Bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("snapshot: decode bundle: %w", err)
	}
	return &b, nil
}

// Recent returns up to n bundles, newest first.
func (s *Store) Recent(n int) ([]Bundle, error) {
	db, err := s.open()
	if err != nil {
		return nil, fmt.Errorf("snapshot: open db: %w", err)
	}
	defer func() { _ = db.Close() }()

	var out []Bundle
	err = db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketName))
		if bucket == nil {
			return nil
		}
		c := bucket.Cursor()
		for k, v := c.Last(); k != nil && len(out) < n; k, v = c.Prev() {
			var b Bundle
			if err := json.Unmarshal(v, &b); err != nil {
				continue
			}
			out = append(out, b)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("snapshot: scan: %w", err)
	}
	return out, nil
}
