// Package reassembler buffers inbound route fragments until a complete
// pair can be decoded and offered to the store.
package reassembler

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/routekv/kvsd/internal/codec"
	"github.com/routekv/kvsd/internal/metrics"
)

// Committer is the slice of the store the reassembler drives.
type Committer interface {
	ApplyRemote(key, value []byte, version uint16) bool
	RemoveRemote(key []byte, version uint16) bool
	Version(key []byte) (uint16, bool)
}

// slotKey identifies one assembly. The (key hash, version) pair is unique
// per in-flight advertisement set; hash collisions are caught later by
// the codec's key check.
type slotKey struct {
	hash    uint64
	version uint16
}

type assembly struct {
	routes    map[uint16]codec.Route
	firstSeen time.Time

	// Set once the seq=0 header has arrived.
	haveHeader bool
	total      int // expected route count

	// Set once the assembly decoded and was offered to the store. The
	// routes map is released at that point; key is what a later
	// withdrawal needs to reach the store.
	committed bool
	key       []byte
}

type Reassembler struct {
	store  Committer
	logger *zap.Logger

	maxAge     time.Duration
	gcInterval time.Duration
	maxSlots   int

	mu    sync.Mutex
	slots map[slotKey]*assembly
	now   func() time.Time
}

func New(store Committer, maxAge, gcInterval time.Duration, maxSlots int, logger *zap.Logger) *Reassembler {
	return &Reassembler{
		store:      store,
		logger:     logger,
		maxAge:     maxAge,
		gcInterval: gcInterval,
		maxSlots:   maxSlots,
		slots:      make(map[slotKey]*assembly),
		now:        time.Now,
	}
}

// Admit buffers one inbound route. When it completes its assembly, the
// decoded pair is offered to the store and the slot flips to committed.
func (ra *Reassembler) Admit(route codec.Route) {
	ra.mu.Lock()
	defer ra.mu.Unlock()

	m, err := codec.RouteMeta(route)
	if err != nil {
		metrics.UpdatesIgnoredTotal.WithLabelValues("malformed").Inc()
		return
	}

	k := slotKey{hash: m.KeyHash, version: m.Version}
	slot, ok := ra.slots[k]
	if !ok {
		if len(ra.slots) >= ra.maxSlots {
			metrics.UpdatesIgnoredTotal.WithLabelValues("capacity").Inc()
			ra.logger.Warn("assembly capacity exceeded, dropping fragment",
				zap.Uint64("key_hash", m.KeyHash),
				zap.Uint16("version", m.Version),
			)
			return
		}
		slot = &assembly{
			routes:    make(map[uint16]codec.Route),
			firstSeen: ra.now(),
		}
		ra.slots[k] = slot
		metrics.AssembliesActive.Set(float64(len(ra.slots)))
	}

	if slot.committed {
		// The pair already reached the store; a revised fragment for the
		// same version carries nothing new.
		return
	}

	if m.Seq == 0 {
		keyLen, valueLen := codec.HeaderLengths(route)
		slot.haveHeader = true
		slot.total = codec.RouteCount(int(keyLen) + int(valueLen))
	}
	if slot.haveHeader && int(m.Seq) >= slot.total {
		// Beyond the declared set; the sender disagrees with its own
		// header. Drop the fragment, keep the assembly.
		metrics.UpdatesIgnoredTotal.WithLabelValues("seq_out_of_range").Inc()
		return
	}

	// BGP best-path may revise a route: later bytes replace earlier ones.
	slot.routes[m.Seq] = route

	if slot.haveHeader && len(slot.routes) == slot.total {
		ra.complete(k, slot)
	}
}

func (ra *Reassembler) complete(k slotKey, slot *assembly) {
	routes := make([]codec.Route, 0, len(slot.routes))
	for _, r := range slot.routes {
		routes = append(routes, r)
	}

	key, value, version, err := codec.Decode(routes)
	if err != nil {
		metrics.DecodeErrorsTotal.WithLabelValues(decodeReason(err)).Inc()
		ra.logger.Info("abandoning assembly: decode failed",
			zap.Uint64("key_hash", k.hash),
			zap.Uint16("version", k.version),
			zap.Error(err),
		)
		ra.release(k)
		return
	}

	metrics.PairsCommittedTotal.Inc()
	adopted := ra.store.ApplyRemote(key, value, version)
	ra.logger.Debug("assembly complete",
		zap.ByteString("key", key),
		zap.Uint16("version", version),
		zap.Bool("adopted", adopted),
	)

	slot.committed = true
	slot.key = key
	slot.routes = nil
}

// Withdraw handles an inbound route withdrawal. Retracting any route of a
// committed set withdraws the whole pair at that version; the store only
// honors it if that version is still the winner.
func (ra *Reassembler) Withdraw(route codec.Route) {
	ra.mu.Lock()
	defer ra.mu.Unlock()

	m, err := codec.RouteMeta(route)
	if err != nil {
		metrics.UpdatesIgnoredTotal.WithLabelValues("malformed").Inc()
		return
	}

	k := slotKey{hash: m.KeyHash, version: m.Version}
	slot, ok := ra.slots[k]
	if !ok {
		return
	}

	if slot.committed {
		ra.store.RemoveRemote(slot.key, m.Version)
		ra.release(k)
		return
	}

	delete(slot.routes, m.Seq)
	if len(slot.routes) == 0 {
		ra.release(k)
	}
}

// GC discards incomplete assemblies older than maxAge, the backstop
// against partial advertisements pinning memory. It also releases
// committed slots whose version has since lost to a newer one.
func (ra *Reassembler) GC(now time.Time) int {
	ra.mu.Lock()
	defer ra.mu.Unlock()

	var dropped int
	for k, slot := range ra.slots {
		if slot.committed {
			ver, ok := ra.store.Version(slot.key)
			if !ok || ver != k.version {
				ra.release(k)
			}
			continue
		}
		if now.Sub(slot.firstSeen) > ra.maxAge {
			ra.release(k)
			metrics.AssembliesExpiredTotal.Inc()
			dropped++
		}
	}
	return dropped
}

// Run drives periodic GC until the context is cancelled.
func (ra *Reassembler) Run(ctx context.Context) {
	ticker := time.NewTicker(ra.gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := ra.GC(ra.now()); n > 0 {
				ra.logger.Info("expired incomplete assemblies", zap.Int("count", n))
			}
		}
	}
}

func (ra *Reassembler) release(k slotKey) {
	delete(ra.slots, k)
	metrics.AssembliesActive.Set(float64(len(ra.slots)))
}

func decodeReason(err error) string {
	switch {
	case errors.Is(err, codec.ErrMalformedHeader):
		return "malformed_header"
	case errors.Is(err, codec.ErrLengthMismatch):
		return "length_mismatch"
	case errors.Is(err, codec.ErrKeyHashMismatch):
		return "key_hash_mismatch"
	default:
		return "other"
	}
}
