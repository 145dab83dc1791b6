package peer

import (
	"fmt"
	"net/netip"
	"strings"

	"github.com/routekv/kvsd/internal/codec"
)

// The control channel speaks line-delimited JSON, one message per line,
// in both directions. Outbound command:
//
//	{"type":"announce","prefix":"bf51::.../128","next_hop":"bf51::...","community":"64512:7"}
//
// Inbound route update from the daemon:
//
//	{"type":"update","action":"announce","prefix":"bf51::.../128","next_hop":"bf51::..."}
//
// Anything else on the inbound side is ignored.
type command struct {
	Type      string `json:"type"` // announce | withdraw
	Prefix    string `json:"prefix"`
	NextHop   string `json:"next_hop"`
	Community string `json:"community,omitempty"`
}

type update struct {
	Type      string `json:"type"`
	Action    string `json:"action"`
	Prefix    string `json:"prefix"`
	NextHop   string `json:"next_hop"`
	Community string `json:"community,omitempty"`
}

func formatPrefix(a netip.Addr) string {
	return a.String() + "/128"
}

func commandFor(op string, r codec.Route, community string) command {
	return command{
		Type:      op,
		Prefix:    formatPrefix(r.Prefix),
		NextHop:   r.NextHop.String(),
		Community: community,
	}
}

func parseRoute(u update) (codec.Route, error) {
	ps, ok := strings.CutSuffix(u.Prefix, "/128")
	if !ok {
		return codec.Route{}, fmt.Errorf("peer: prefix %q is not a /128", u.Prefix)
	}
	prefix, err := netip.ParseAddr(ps)
	if err != nil {
		return codec.Route{}, fmt.Errorf("peer: bad prefix: %w", err)
	}
	nextHop, err := netip.ParseAddr(u.NextHop)
	if err != nil {
		return codec.Route{}, fmt.Errorf("peer: bad next hop: %w", err)
	}
	return codec.Route{Prefix: prefix, NextHop: nextHop}, nil
}
