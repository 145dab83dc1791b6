// Package codec maps key/value pairs to and from sets of IPv6 /128 routes.
//
// A pair (key, value, version) is packed into n routes. The prefix of the
// seq=0 route carries the two lengths and the first 8 payload bytes; each
// later prefix carries 12 more payload bytes. The next-hop of every route
// carries (version, seq, key hash) so fragments of the same pair can be
// correlated after BGP has reordered or revised them.
package codec

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"
	"sort"

	"github.com/cespare/xxhash/v2"
)

// Sentinel is the fixed value of field 0 in both prefix and next-hop.
// Routes lacking it in either address are not ours and are ignored.
const Sentinel uint16 = 0xBF51

const (
	// HeaderPayloadBytes is the payload capacity of the seq=0 prefix.
	HeaderPayloadBytes = 8
	// ContPayloadBytes is the payload capacity of each continuation prefix.
	ContPayloadBytes = 12

	// MaxKeyLen and MaxValueLen are bounded by the 16-bit length fields
	// in the header prefix.
	MaxKeyLen   = 0xFFFF
	MaxValueLen = 0xFFFF

	// MaxPayloadBytes caps the concatenated key+value length.
	MaxPayloadBytes = 786420
)

var (
	ErrOversize        = errors.New("codec: payload too large")
	ErrMalformedRoute  = errors.New("codec: route missing sentinel")
	ErrMalformedHeader = errors.New("codec: missing header route (seq 0)")
	ErrLengthMismatch  = errors.New("codec: declared lengths do not match carried bytes")
	ErrKeyHashMismatch = errors.New("codec: key hash does not match decoded key")
)

// Route is one (prefix, next-hop) pair as announced to or received from
// the BGP daemon. Both addresses are /128 hosts.
type Route struct {
	Prefix  netip.Addr
	NextHop netip.Addr
}

// Meta is the per-route metadata extracted from the next-hop.
type Meta struct {
	Version uint16
	Seq     uint16
	KeyHash uint64
}

// KeyHash returns the stable 64-bit hash used to correlate fragments of
// the same key. xxHash64 with the default seed: deterministic across
// processes, which peers rely on.
func KeyHash(key []byte) uint64 {
	return xxhash.Sum64(key)
}

// RouteCount returns the number of routes a payload of length n packs into.
func RouteCount(payloadLen int) int {
	if payloadLen <= HeaderPayloadBytes {
		return 1
	}
	return 1 + (payloadLen-HeaderPayloadBytes+ContPayloadBytes-1)/ContPayloadBytes
}

// Encode packs a pair into its ordered route set, seq ascending from 0.
func Encode(key, value []byte, version uint16) ([]Route, error) {
	if len(key) > MaxKeyLen || len(value) > MaxValueLen || len(key)+len(value) > MaxPayloadBytes {
		return nil, fmt.Errorf("%w (key=%d value=%d bytes)", ErrOversize, len(key), len(value))
	}

	payload := make([]byte, 0, len(key)+len(value))
	payload = append(payload, key...)
	payload = append(payload, value...)

	hash := KeyHash(key)
	n := RouteCount(len(payload))
	routes := make([]Route, 0, n)

	for seq := 0; seq < n; seq++ {
		var p [16]byte
		binary.BigEndian.PutUint16(p[0:2], Sentinel)
		binary.BigEndian.PutUint16(p[2:4], uint16(seq))

		if seq == 0 {
			binary.BigEndian.PutUint16(p[4:6], uint16(len(key)))
			binary.BigEndian.PutUint16(p[6:8], uint16(len(value)))
			copy(p[8:16], payload)
		} else {
			off := HeaderPayloadBytes + ContPayloadBytes*(seq-1)
			copy(p[4:16], payload[off:])
		}

		var nh [16]byte
		binary.BigEndian.PutUint16(nh[0:2], Sentinel)
		binary.BigEndian.PutUint16(nh[2:4], version)
		binary.BigEndian.PutUint16(nh[4:6], uint16(seq))
		// nh[6:8] reserved, zero on emit.
		binary.BigEndian.PutUint64(nh[8:16], hash)

		routes = append(routes, Route{
			Prefix:  netip.AddrFrom16(p),
			NextHop: netip.AddrFrom16(nh),
		})
	}

	return routes, nil
}

// RouteMeta validates the sentinel in both addresses and extracts the
// next-hop metadata. The reserved field is ignored on parse.
func RouteMeta(r Route) (Meta, error) {
	if !r.Prefix.Is6() || !r.NextHop.Is6() {
		return Meta{}, ErrMalformedRoute
	}
	p := r.Prefix.As16()
	nh := r.NextHop.As16()
	if binary.BigEndian.Uint16(p[0:2]) != Sentinel || binary.BigEndian.Uint16(nh[0:2]) != Sentinel {
		return Meta{}, ErrMalformedRoute
	}

	m := Meta{
		Version: binary.BigEndian.Uint16(nh[2:4]),
		Seq:     binary.BigEndian.Uint16(nh[4:6]),
		KeyHash: binary.BigEndian.Uint64(nh[8:16]),
	}

	// The prefix carries the seq too; the pair must agree or the route
	// was not produced by Encode.
	if binary.BigEndian.Uint16(p[2:4]) != m.Seq {
		return Meta{}, ErrMalformedRoute
	}
	return m, nil
}

// HeaderLengths reads the declared key and value lengths from a seq=0 prefix.
func HeaderLengths(r Route) (keyLen, valueLen uint16) {
	p := r.Prefix.As16()
	return binary.BigEndian.Uint16(p[4:6]), binary.BigEndian.Uint16(p[6:8])
}

// Decode is the exact inverse of Encode. The routes must form a complete
// set sharing one (version, key hash); order does not matter, Decode sorts
// by seq.
func Decode(routes []Route) (key, value []byte, version uint16, err error) {
	if len(routes) == 0 {
		return nil, nil, 0, ErrMalformedHeader
	}

	metas := make([]Meta, len(routes))
	for i, r := range routes {
		m, err := RouteMeta(r)
		if err != nil {
			return nil, nil, 0, err
		}
		metas[i] = m
	}

	ord := make([]int, len(routes))
	for i := range ord {
		ord[i] = i
	}
	sort.Slice(ord, func(a, b int) bool { return metas[ord[a]].Seq < metas[ord[b]].Seq })

	head := metas[ord[0]]
	if head.Seq != 0 {
		return nil, nil, 0, ErrMalformedHeader
	}
	for _, i := range ord {
		if metas[i].Version != head.Version || metas[i].KeyHash != head.KeyHash {
			return nil, nil, 0, fmt.Errorf("%w: mixed version or key hash", ErrMalformedRoute)
		}
	}
	for rank, i := range ord {
		if int(metas[i].Seq) != rank {
			return nil, nil, 0, fmt.Errorf("%w: seq %d missing", ErrLengthMismatch, rank)
		}
	}

	keyLen, valueLen := HeaderLengths(routes[ord[0]])
	need := int(keyLen) + int(valueLen)
	if RouteCount(need) != len(routes) {
		return nil, nil, 0, fmt.Errorf("%w: %d routes carry lengths %d+%d", ErrLengthMismatch, len(routes), keyLen, valueLen)
	}

	payload := make([]byte, 0, HeaderPayloadBytes+ContPayloadBytes*(len(routes)-1))
	for _, i := range ord {
		p := routes[i].Prefix.As16()
		if metas[i].Seq == 0 {
			payload = append(payload, p[8:16]...)
		} else {
			payload = append(payload, p[4:16]...)
		}
	}

	// Bytes beyond the declared payload are padding and must be zero.
	for _, b := range payload[need:] {
		if b != 0 {
			return nil, nil, 0, fmt.Errorf("%w: nonzero padding", ErrLengthMismatch)
		}
	}

	key = bytes.Clone(payload[:keyLen])
	value = bytes.Clone(payload[keyLen:need])

	if KeyHash(key) != head.KeyHash {
		return nil, nil, 0, ErrKeyHashMismatch
	}

	return key, value, head.Version, nil
}
