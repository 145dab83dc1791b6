package peer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/routekv/kvsd/internal/codec"
)

type fakeHandler struct {
	admitted  chan codec.Route
	withdrawn chan codec.Route
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		admitted:  make(chan codec.Route, 16),
		withdrawn: make(chan codec.Route, 16),
	}
}

func (f *fakeHandler) Admit(r codec.Route)    { f.admitted <- r }
func (f *fakeHandler) Withdraw(r codec.Route) { f.withdrawn <- r }

func testRoute(t *testing.T) codec.Route {
	t.Helper()
	routes, err := codec.Encode([]byte("k"), []byte("v"), 1)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return routes[0]
}

func updateLine(t *testing.T, action string, r codec.Route, community string) []byte {
	t.Helper()
	b, err := json.Marshal(update{
		Type:      "update",
		Action:    action,
		Prefix:    formatPrefix(r.Prefix),
		NextHop:   r.NextHop.String(),
		Community: community,
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func TestHandleLine_Announce(t *testing.T) {
	h := newFakeHandler()
	a := New("ignored:179", time.Second, 16, nil, h, zap.NewNop())
	r := testRoute(t)

	a.handleLine(updateLine(t, "announce", r, ""))

	select {
	case got := <-h.admitted:
		if got != r {
			t.Errorf("admitted %+v, want %+v", got, r)
		}
	default:
		t.Fatal("announce not dispatched")
	}
}

func TestHandleLine_Withdraw(t *testing.T) {
	h := newFakeHandler()
	a := New("ignored:179", time.Second, 16, nil, h, zap.NewNop())
	r := testRoute(t)

	a.handleLine(updateLine(t, "withdraw", r, ""))

	select {
	case got := <-h.withdrawn:
		if got != r {
			t.Errorf("withdrew %+v, want %+v", got, r)
		}
	default:
		t.Fatal("withdraw not dispatched")
	}
}

func TestHandleLine_ForeignRouteIgnored(t *testing.T) {
	h := newFakeHandler()
	a := New("ignored:179", time.Second, 16, nil, h, zap.NewNop())

	line := []byte(`{"type":"update","action":"announce","prefix":"2001:db8::1/128","next_hop":"2001:db8::2"}`)
	a.handleLine(line)

	select {
	case <-h.admitted:
		t.Fatal("foreign route dispatched")
	default:
	}
}

func TestHandleLine_SentinelRequiredInBothFields(t *testing.T) {
	h := newFakeHandler()
	a := New("ignored:179", time.Second, 16, nil, h, zap.NewNop())
	r := testRoute(t)

	// Sentinel prefix but arbitrary next-hop: still not ours.
	line := []byte(fmt.Sprintf(`{"type":"update","action":"announce","prefix":"%s","next_hop":"2001:db8::2"}`,
		formatPrefix(r.Prefix)))
	a.handleLine(line)

	select {
	case <-h.admitted:
		t.Fatal("half-sentinel route dispatched")
	default:
	}
}

func TestHandleLine_GarbageIgnored(t *testing.T) {
	h := newFakeHandler()
	a := New("ignored:179", time.Second, 16, nil, h, zap.NewNop())

	a.handleLine([]byte("not json at all"))
	a.handleLine([]byte(`{"type":"state","peer":"10.0.0.1"}`))
	a.handleLine([]byte(`{"type":"update","action":"flap"}`))

	select {
	case <-h.admitted:
		t.Fatal("garbage dispatched")
	default:
	}
}

func TestHandleLine_CommunityFilter(t *testing.T) {
	h := newFakeHandler()
	a := New("ignored:179", time.Second, 16, []string{"64512:7"}, h, zap.NewNop())
	r := testRoute(t)

	a.handleLine(updateLine(t, "announce", r, "64512:999"))
	select {
	case <-h.admitted:
		t.Fatal("unsubscribed community dispatched")
	default:
	}

	a.handleLine(updateLine(t, "announce", r, "64512:7"))
	select {
	case <-h.admitted:
	default:
		t.Fatal("subscribed community not dispatched")
	}
}

func TestParseRoute(t *testing.T) {
	r := testRoute(t)
	got, err := parseRoute(update{
		Prefix:  formatPrefix(r.Prefix),
		NextHop: r.NextHop.String(),
	})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got != r {
		t.Errorf("round trip mismatch: %+v vs %+v", got, r)
	}

	if _, err := parseRoute(update{Prefix: "bf51::1/64", NextHop: "bf51::2"}); err == nil {
		t.Error("accepted a non-/128 prefix")
	}
	if _, err := parseRoute(update{Prefix: "nonsense/128", NextHop: "bf51::2"}); err == nil {
		t.Error("accepted a bad address")
	}
}

// scriptedDaemon hands out the server half of a pipe per dial.
type scriptedDaemon struct {
	dials atomic.Int32
	conns chan net.Conn
}

func newScriptedDaemon() *scriptedDaemon {
	return &scriptedDaemon{conns: make(chan net.Conn, 4)}
}

func (d *scriptedDaemon) dial(ctx context.Context) (net.Conn, error) {
	d.dials.Add(1)
	client, server := net.Pipe()
	select {
	case d.conns <- server:
	case <-ctx.Done():
		client.Close()
		return nil, ctx.Err()
	}
	return client, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRun_AnnounceReachesDaemon(t *testing.T) {
	h := newFakeHandler()
	a := New("ignored:179", 10*time.Millisecond, 16, nil, h, zap.NewNop())
	d := newScriptedDaemon()
	a.dial = d.dial

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	server := <-d.conns
	defer server.Close()
	waitFor(t, "session establishment", a.Established)

	r := testRoute(t)
	a.Announce(r, "64512:1")

	sc := bufio.NewScanner(server)
	if !sc.Scan() {
		t.Fatalf("no command on the wire: %v", sc.Err())
	}
	var cmd command
	if err := json.Unmarshal(sc.Bytes(), &cmd); err != nil {
		t.Fatalf("bad command JSON: %v", err)
	}
	if cmd.Type != "announce" {
		t.Errorf("type = %s", cmd.Type)
	}
	if cmd.Prefix != formatPrefix(r.Prefix) {
		t.Errorf("prefix = %s, want %s", cmd.Prefix, formatPrefix(r.Prefix))
	}
	if cmd.NextHop != r.NextHop.String() {
		t.Errorf("next_hop = %s, want %s", cmd.NextHop, r.NextHop.String())
	}
	if cmd.Community != "64512:1" {
		t.Errorf("community = %s", cmd.Community)
	}
}

func TestRun_InboundUpdateDispatched(t *testing.T) {
	h := newFakeHandler()
	a := New("ignored:179", 10*time.Millisecond, 16, nil, h, zap.NewNop())
	d := newScriptedDaemon()
	a.dial = d.dial

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	server := <-d.conns
	defer server.Close()
	waitFor(t, "session establishment", a.Established)

	r := testRoute(t)
	line := append(updateLine(t, "announce", r, ""), '\n')
	if _, err := server.Write(line); err != nil {
		t.Fatalf("write: %v", err)
	}

	select {
	case got := <-h.admitted:
		if got != r {
			t.Errorf("admitted %+v, want %+v", got, r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("inbound update never dispatched")
	}
}

func TestRun_ReconnectAndReplay(t *testing.T) {
	h := newFakeHandler()
	a := New("ignored:179", 10*time.Millisecond, 16, nil, h, zap.NewNop())
	d := newScriptedDaemon()
	a.dial = d.dial

	var replays atomic.Int32
	a.OnEstablished(func() { replays.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	first := <-d.conns
	waitFor(t, "first establishment", a.Established)
	if replays.Load() != 1 {
		t.Errorf("replay hook ran %d times, want 1", replays.Load())
	}

	// Kill the session; the adapter must reconnect and replay again.
	first.Close()
	second := <-d.conns
	defer second.Close()
	waitFor(t, "second establishment", func() bool { return replays.Load() == 2 })

	if d.dials.Load() < 2 {
		t.Errorf("dialed %d times, want at least 2", d.dials.Load())
	}
	if !a.Established() {
		t.Error("not established after reconnect")
	}
}

func TestEnqueue_DropsOnBackpressure(t *testing.T) {
	h := newFakeHandler()
	a := New("ignored:179", time.Second, 2, nil, h, zap.NewNop())
	r := testRoute(t)

	// No session: nothing drains the queue.
	a.Announce(r, "")
	a.Announce(r, "")
	a.Announce(r, "") // dropped, must not block

	if len(a.queue) != 2 {
		t.Errorf("queue holds %d commands, want 2", len(a.queue))
	}
}
