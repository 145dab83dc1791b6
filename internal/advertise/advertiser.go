// Package advertise reflects local store state into outbound BGP
// advertisements and keeps the mirror of live routes that withdrawal and
// restart replay depend on.
package advertise

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/routekv/kvsd/internal/codec"
	"github.com/routekv/kvsd/internal/metrics"
	"github.com/routekv/kvsd/internal/store"
)

// Commander delivers announce/withdraw commands to the BGP daemon.
type Commander interface {
	Announce(r codec.Route, community string)
	Withdraw(r codec.Route, community string)
}

type advertised struct {
	version   uint16
	routes    []codec.Route
	community string
}

type Advertiser struct {
	out          Commander
	communityASN uint32 // 0 disables community tagging
	logger       *zap.Logger

	mu     sync.Mutex
	mirror map[string]advertised
}

func New(out Commander, communityASN uint32, logger *zap.Logger) *Advertiser {
	return &Advertiser{
		out:          out,
		communityASN: communityASN,
		logger:       logger,
		mirror:       make(map[string]advertised),
	}
}

// CommunityTag derives the community attached to a category's routes:
// the ASN paired with the low 16 bits of the category's hash.
func CommunityTag(asn uint32, category string) string {
	return fmt.Sprintf("%d:%d", asn, uint16(codec.KeyHash([]byte(category))))
}

// Community returns the tag attached to a key's routes, keyed on the
// key's category (the text before the first "::", or the whole key
// without one). Empty when tagging is disabled.
func (a *Advertiser) Community(key []byte) string {
	if a.communityASN == 0 {
		return ""
	}
	category, _, _ := strings.Cut(string(key), "::")
	return CommunityTag(a.communityASN, category)
}

// Changed implements store.Listener. The new version's routes are
// announced before the old version's are withdrawn, so peers see the two
// sets overlap rather than a gap.
func (a *Advertiser) Changed(key, value []byte, version uint16, oldVersion *uint16) {
	routes, err := codec.Encode(key, value, version)
	if err != nil {
		// The store enforces the size limits, so this is a programming
		// error rather than an operational one.
		a.logger.Error("encode failed for stored pair",
			zap.ByteString("key", key),
			zap.Uint16("version", version),
			zap.Error(err),
		)
		return
	}
	community := a.Community(key)

	a.mu.Lock()
	defer a.mu.Unlock()

	old, hadOld := a.mirror[string(key)]

	for _, r := range routes {
		a.out.Announce(r, community)
		metrics.RoutesAnnouncedTotal.Inc()
	}
	if oldVersion != nil && hadOld && old.version == *oldVersion {
		for _, r := range old.routes {
			a.out.Withdraw(r, old.community)
			metrics.RoutesWithdrawnTotal.Inc()
		}
	}

	a.mirror[string(key)] = advertised{version: version, routes: routes, community: community}
}

// Removed implements store.Listener.
func (a *Advertiser) Removed(key []byte, lastVersion uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()

	adv, ok := a.mirror[string(key)]
	if !ok {
		return
	}
	for _, r := range adv.routes {
		a.out.Withdraw(r, adv.community)
		metrics.RoutesWithdrawnTotal.Inc()
	}
	delete(a.mirror, string(key))
}

// Rebuild seeds the mirror from the store without announcing anything.
// Used at startup before the first session establishment; Replay then
// announces everything.
func (a *Advertiser) Rebuild(pairs []store.Pair) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range pairs {
		routes, err := codec.Encode(p.Key, p.Value, p.Version)
		if err != nil {
			a.logger.Error("encode failed rebuilding mirror",
				zap.ByteString("key", p.Key),
				zap.Error(err),
			)
			continue
		}
		a.mirror[string(p.Key)] = advertised{
			version:   p.Version,
			routes:    routes,
			community: a.Community(p.Key),
		}
	}
}

// Replay re-announces every mirrored route. BGP treats duplicate
// announcements as idempotent, so replaying after each session
// establishment is safe.
func (a *Advertiser) Replay() {
	a.mu.Lock()
	defer a.mu.Unlock()

	var routes int
	for _, adv := range a.mirror {
		for _, r := range adv.routes {
			a.out.Announce(r, adv.community)
			metrics.RoutesAnnouncedTotal.Inc()
			routes++
		}
	}
	a.logger.Info("replayed mirror to peer",
		zap.Int("keys", len(a.mirror)),
		zap.Int("routes", routes),
	)
}

// Len returns the number of mirrored keys.
func (a *Advertiser) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.mirror)
}
