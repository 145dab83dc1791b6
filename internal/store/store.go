// Package store holds the authoritative key → (value, version) map.
//
// All mutations are serialized through a single write lock. Listeners are
// invoked synchronously while the lock is held, so the order in which
// change events are observed is exactly the order mutations were applied.
package store

import (
	"bytes"
	"sync"

	"go.uber.org/zap"

	"github.com/routekv/kvsd/internal/metrics"
)

// Pair is one stored entry.
type Pair struct {
	Key     []byte
	Value   []byte
	Version uint16
}

// Listener observes committed mutations. Callbacks run under the store's
// write lock and must not call back into the store.
type Listener interface {
	// Changed fires when a key gains a new value. oldVersion is nil for
	// a fresh insert.
	Changed(key, value []byte, version uint16, oldVersion *uint16)
	// Removed fires when a key is deleted.
	Removed(key []byte, lastVersion uint16)
}

type entry struct {
	value   []byte
	version uint16
}

type Store struct {
	mu        sync.RWMutex
	pairs     map[string]entry
	listeners []Listener
	logger    *zap.Logger
}

func New(logger *zap.Logger) *Store {
	return &Store{
		pairs:  make(map[string]entry),
		logger: logger,
	}
}

// Subscribe registers a listener. Not safe to call once mutations have
// started; wire all listeners before serving.
func (s *Store) Subscribe(l Listener) {
	s.listeners = append(s.listeners, l)
}

// VersionNewer reports whether a is strictly newer than b under
// modular-successor comparison, so the 16-bit counter never sticks
// after wrapping.
func VersionNewer(a, b uint16) bool {
	d := a - b
	return d >= 1 && d < 0x8000
}

// Get returns the current value for key.
func (s *Store) Get(key []byte) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.pairs[string(key)]
	if !ok {
		return nil, false
	}
	return e.value, true
}

// Version returns the current version for key.
func (s *Store) Version(key []byte) (uint16, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.pairs[string(key)]
	return e.version, ok
}

// Len returns the number of stored pairs.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pairs)
}

// Insert stores value under key and returns the resulting version: 0 for
// a fresh key, the successor of the old version when the value changed,
// and the unchanged current version when the value is byte-identical.
func (s *Store) Insert(key, value []byte) uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := string(key)
	old, exists := s.pairs[k]
	if exists && bytes.Equal(old.value, value) {
		return old.version
	}

	var version uint16
	var oldVersion *uint16
	if exists {
		version = old.version + 1
		ov := old.version
		oldVersion = &ov
	}

	s.pairs[k] = entry{value: bytes.Clone(value), version: version}
	metrics.StoreKeys.Set(float64(len(s.pairs)))
	s.changed(key, value, version, oldVersion)
	return version
}

// Remove deletes key, reporting whether it was present.
func (s *Store) Remove(key []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := string(key)
	old, exists := s.pairs[k]
	if !exists {
		return false
	}
	delete(s.pairs, k)
	metrics.StoreKeys.Set(float64(len(s.pairs)))
	for _, l := range s.listeners {
		l.Removed(key, old.version)
	}
	return true
}

// ApplyRemote admits a pair decoded from the wire. It is adopted iff the
// key is absent or the incoming version is strictly newer; an equal
// version is idempotent only for a byte-identical value. Older versions
// are dropped silently; that is the normal convergence case.
func (s *Store) ApplyRemote(key, value []byte, version uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := string(key)
	old, exists := s.pairs[k]
	if exists {
		if old.version == version {
			if !bytes.Equal(old.value, value) {
				metrics.StaleVersionsTotal.Inc()
				s.logger.Info("rejected remote pair: version tie with different value",
					zap.ByteString("key", key),
					zap.Uint16("version", version),
				)
			}
			return false
		}
		if !VersionNewer(version, old.version) {
			metrics.StaleVersionsTotal.Inc()
			return false
		}
	}

	var oldVersion *uint16
	if exists {
		ov := old.version
		oldVersion = &ov
	}

	s.pairs[k] = entry{value: bytes.Clone(value), version: version}
	metrics.StoreKeys.Set(float64(len(s.pairs)))
	s.changed(key, value, version, oldVersion)
	return true
}

// RemoveRemote deletes key only if its current version still matches.
// Issued when a peer withdraws the routes of the winning version.
func (s *Store) RemoveRemote(key []byte, version uint16) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := string(key)
	old, exists := s.pairs[k]
	if !exists || old.version != version {
		return false
	}
	delete(s.pairs, k)
	metrics.StoreKeys.Set(float64(len(s.pairs)))
	for _, l := range s.listeners {
		l.Removed(key, old.version)
	}
	return true
}

// Seed loads pairs without emitting change events. Used to restore a
// persisted snapshot before the advertiser replays.
func (s *Store) Seed(pairs []Pair) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range pairs {
		s.pairs[string(p.Key)] = entry{value: bytes.Clone(p.Value), version: p.Version}
	}
	metrics.StoreKeys.Set(float64(len(s.pairs)))
}

// Snapshot returns a copy of all stored pairs.
func (s *Store) Snapshot() []Pair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Pair, 0, len(s.pairs))
	for k, e := range s.pairs {
		out = append(out, Pair{
			Key:     []byte(k),
			Value:   bytes.Clone(e.value),
			Version: e.version,
		})
	}
	return out
}

func (s *Store) changed(key, value []byte, version uint16, oldVersion *uint16) {
	for _, l := range s.listeners {
		l.Changed(key, value, version, oldVersion)
	}
}
