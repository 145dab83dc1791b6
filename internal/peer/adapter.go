// Package peer is the boundary to the external BGP daemon. It delivers
// outbound announce/withdraw commands over a local control channel,
// normalizes inbound route updates, and tracks the session lifecycle.
package peer

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/routekv/kvsd/internal/codec"
	"github.com/routekv/kvsd/internal/metrics"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	default:
		return "disconnected"
	}
}

// Handler receives normalized inbound route updates.
type Handler interface {
	Admit(codec.Route)
	Withdraw(codec.Route)
}

// Maximum accepted line length on the control channel. A route update is
// a few hundred bytes; anything near this limit is garbage.
const maxLineBytes = 1 << 16

type Adapter struct {
	addr          string
	reconnectWait time.Duration
	handler       Handler
	subscribed    map[string]struct{} // empty: accept every community
	logger        *zap.Logger

	// dial is swapped out by tests.
	dial          func(ctx context.Context) (net.Conn, error)
	onEstablished func()
	queue         chan command
	state         atomic.Int32
}

func New(addr string, reconnectWait time.Duration, queueSize int, subscribed []string, handler Handler, logger *zap.Logger) *Adapter {
	a := &Adapter{
		addr:          addr,
		reconnectWait: reconnectWait,
		handler:       handler,
		logger:        logger,
		queue:         make(chan command, queueSize),
	}
	if len(subscribed) > 0 {
		a.subscribed = make(map[string]struct{}, len(subscribed))
		for _, c := range subscribed {
			a.subscribed[c] = struct{}{}
		}
	}
	a.dial = func(ctx context.Context) (net.Conn, error) {
		d := net.Dialer{Timeout: 10 * time.Second}
		return d.DialContext(ctx, "tcp", a.addr)
	}
	return a
}

// OnEstablished registers the hook run on each entry to Established,
// after stale queued commands have been discarded. The advertiser's
// replay goes here.
func (a *Adapter) OnEstablished(f func()) {
	a.onEstablished = f
}

func (a *Adapter) State() State {
	return State(a.state.Load())
}

// Established reports whether the control session is up. Used by the
// readiness probe.
func (a *Adapter) Established() bool {
	return a.State() == StateEstablished
}

// Announce queues an announce command. On queue backpressure the command
// is dropped and counted; the advertiser's mirror re-issues it on the
// next session establishment.
func (a *Adapter) Announce(r codec.Route, community string) {
	a.enqueue(commandFor("announce", r, community))
}

// Withdraw queues a withdraw command.
func (a *Adapter) Withdraw(r codec.Route, community string) {
	a.enqueue(commandFor("withdraw", r, community))
}

func (a *Adapter) enqueue(c command) {
	select {
	case a.queue <- c:
	default:
		metrics.PeerCommandsDroppedTotal.Inc()
		a.logger.Warn("outbound queue full, dropping command",
			zap.String("type", c.Type),
			zap.String("prefix", c.Prefix),
		)
	}
}

// Run owns the connection to the daemon: dial, serve, reconnect, until
// the context is cancelled.
func (a *Adapter) Run(ctx context.Context) {
	for {
		a.setState(StateConnecting)
		conn, err := a.dial(ctx)
		if err != nil {
			a.setState(StateDisconnected)
			if ctx.Err() != nil {
				return
			}
			a.logger.Warn("connect to BGP daemon failed",
				zap.String("addr", a.addr),
				zap.Error(err),
			)
			if !a.sleep(ctx) {
				return
			}
			continue
		}

		a.logger.Info("control session established", zap.String("addr", a.addr))
		a.setState(StateEstablished)

		// Commands queued while the session was down were already lost
		// on the wire; the mirror replay supersedes them.
		a.drainQueue()
		if a.onEstablished != nil {
			a.onEstablished()
		}

		a.serve(ctx, conn)
		conn.Close()
		a.setState(StateDisconnected)

		if ctx.Err() != nil {
			return
		}
		a.logger.Warn("control session lost", zap.String("addr", a.addr))
		if !a.sleep(ctx) {
			return
		}
	}
}

// serve pumps both directions until the connection breaks or the context
// is cancelled.
func (a *Adapter) serve(ctx context.Context, conn net.Conn) {
	errc := make(chan error, 2)
	done := make(chan struct{})
	defer close(done)

	go func() {
		enc := json.NewEncoder(conn)
		for {
			select {
			case <-done:
				return
			case cmd := <-a.queue:
				if err := enc.Encode(cmd); err != nil {
					errc <- err
					return
				}
			}
		}
	}()

	go func() {
		sc := bufio.NewScanner(conn)
		sc.Buffer(make([]byte, 4096), maxLineBytes)
		for sc.Scan() {
			a.handleLine(sc.Bytes())
		}
		errc <- sc.Err()
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			a.logger.Warn("control channel error", zap.Error(err))
		}
	}
}

func (a *Adapter) handleLine(line []byte) {
	var u update
	if err := json.Unmarshal(line, &u); err != nil {
		metrics.UpdatesIgnoredTotal.WithLabelValues("bad_json").Inc()
		return
	}
	if u.Type != "update" {
		return
	}

	route, err := parseRoute(u)
	if err != nil {
		metrics.UpdatesIgnoredTotal.WithLabelValues("bad_address").Inc()
		return
	}

	// Routes without the sentinel in both fields are ordinary BGP
	// traffic, not ours.
	if _, err := codec.RouteMeta(route); err != nil {
		metrics.UpdatesIgnoredTotal.WithLabelValues("foreign").Inc()
		return
	}

	if a.subscribed != nil {
		if _, ok := a.subscribed[u.Community]; !ok {
			metrics.UpdatesIgnoredTotal.WithLabelValues("unsubscribed").Inc()
			return
		}
	}

	switch u.Action {
	case "announce":
		metrics.UpdatesReceivedTotal.WithLabelValues("announce").Inc()
		a.handler.Admit(route)
	case "withdraw":
		metrics.UpdatesReceivedTotal.WithLabelValues("withdraw").Inc()
		a.handler.Withdraw(route)
	default:
		metrics.UpdatesIgnoredTotal.WithLabelValues("bad_action").Inc()
	}
}

func (a *Adapter) drainQueue() {
	for {
		select {
		case <-a.queue:
		default:
			return
		}
	}
}

func (a *Adapter) sleep(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(a.reconnectWait):
		return true
	}
}

func (a *Adapter) setState(s State) {
	a.state.Store(int32(s))
	metrics.PeerSessionState.Set(float64(s))
}
