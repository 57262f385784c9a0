// Package router implements the upstream router link: a single TCP
// connection to an I3 router speaking MudMode, driven by a state machine
// (Disconnected, Connecting, Authenticating, Connected, Draining,
// Reconnecting, Closed).
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"i3gateway/internal/gwerr"
	"i3gateway/internal/lpc"
	"i3gateway/internal/mudmode"
	"i3gateway/internal/packet"
	"i3gateway/internal/resilience"
)

// State is one node of the router link state machine.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateConnected
	StateDraining
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateConnected:
		return "connected"
	case StateDraining:
		return "draining"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Host is one router endpoint in the ordered fallback list.
type Host struct {
	Name string
	Addr string // host:port
}

// Config holds the link's tunable parameters, each with a stated default.
type Config struct {
	MudName           string
	Primary           Host
	Fallbacks         []Host
	MaxAttempts       int           // default 10
	HandshakeTimeout  time.Duration // default 30s
	HeartbeatInterval time.Duration // default 60s
	ReadIdleTimeout   time.Duration // default 180s
	DrainTimeout      time.Duration // default 30s
	FailoverThreshold int           // default 3

	// Startup fields carried into every startup-req-3.
	PlayerPort int32
	ImudTCP    int32
	ImudUDP    int32
	Mudlib     string
	BaseMudlib string
	Driver     string
	MudType    string
	OpenStatus string
	AdminEmail string
	Services   lpc.Mapping
}

func (c *Config) setDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 60 * time.Second
	}
	if c.ReadIdleTimeout <= 0 {
		c.ReadIdleTimeout = 180 * time.Second
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 30 * time.Second
	}
	if c.FailoverThreshold <= 0 {
		c.FailoverThreshold = 3
	}
}

// PersistentState is the durable state the link must survive restarts
// with: the router-assigned password and the mudlist/chanlist ids used to
// avoid a full refetch on reconnect.
type PersistentState struct {
	Password   int32
	MudlistID  int32
	ChanlistID int32
}

// Store persists and loads router link state across restarts.
type Store interface {
	LoadRouterState() (PersistentState, error)
	SaveRouterState(PersistentState) error
}

// EventSink receives observability events, published under a
// "gateway.router.*" type prefix: state transitions
// ("gateway.router.state") and unreachable-host notices
// ("gateway.router.unreachable"). The link publishes no round-trip latency
// samples.
type EventSink interface {
	Publish(eventType string, payload map[string]any, priority int)
}

// Link drives one upstream router connection through its state machine.
// Callers run Run in a goroutine; Send queues an outbound packet; Inbound
// returns a channel of decoded packets for the packet router (C7) to
// consume.
type Link struct {
	cfg   Config
	store Store
	sink  EventSink

	mu           sync.Mutex
	state        State
	current      Host
	persisted    PersistentState
	retryCount   int
	failCount    int // consecutive handshake or Connected-phase failures since the last successful handshake

	inbound  chan packet.Packet
	outbound chan outboundItem

	conn    net.Conn
	breaker *resilience.Breaker

	drainRequested     chan struct{}
	reconnectRequested chan struct{}
	closed             chan struct{}
}

type outboundItem struct {
	pkt      packet.Packet
	priority int // 0 heartbeat, 1 reply, 2 user request (lower = higher priority)
}

// Priority classes for outbound sends: heartbeat > reply > user request.
const (
	PriorityHeartbeat = 0
	PriorityReply     = 1
	PriorityRequest   = 2
)

// New constructs a Link. sink may be nil if no event publication is
// needed (e.g. in tests).
func New(cfg Config, store Store, sink EventSink) *Link {
	cfg.setDefaults()
	return &Link{
		cfg:                cfg,
		store:              store,
		sink:               sink,
		state:              StateDisconnected,
		inbound:            make(chan packet.Packet, 256),
		outbound:           make(chan outboundItem, 256),
		drainRequested:     make(chan struct{}),
		reconnectRequested: make(chan struct{}, 1),
		closed:             make(chan struct{}),
	}
}

// SetBreaker installs a circuit breaker around dial attempts: once the
// router host has failed enough consecutive dials, further attempts fail
// fast with gobreaker's open-state error instead of hitting the network,
// until OpenTimeout elapses and a half-open probe succeeds.
func (l *Link) SetBreaker(b *resilience.Breaker) {
	l.mu.Lock()
	l.breaker = b
	l.mu.Unlock()
}

// State returns the current state under lock.
func (l *Link) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// CurrentHost reports which host (primary or fallback) is in use.
func (l *Link) CurrentHost() Host {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

// Connected reports whether the link's state machine is in StateConnected.
// Satisfies internal/api.RouterStatus.
func (l *Link) Connected() bool {
	return l.State() == StateConnected
}

// StateName reports the current state as a lowercase string. Satisfies
// internal/api.RouterStatus.
func (l *Link) StateName() string {
	return l.State().String()
}

// Inbound returns the channel of decoded inbound packets.
func (l *Link) Inbound() <-chan packet.Packet { return l.inbound }

// Send queues an outbound packet. The link writes queued packets in the
// order Send receives them; priority decides only whether a packet is
// accepted while the link is Draining, when everything above heartbeat
// priority is dropped. A packet is also dropped silently if the link is
// Closed (callers should check State first for anything that needs a
// guaranteed send).
func (l *Link) Send(pkt packet.Packet, priority int) {
	if priority > PriorityHeartbeat && l.State() == StateDraining {
		return
	}
	select {
	case l.outbound <- outboundItem{pkt: pkt, priority: priority}:
	case <-l.closed:
	}
}

// Drain requests a graceful shutdown: stop accepting new outbound sends
// above heartbeat priority, flush what remains up to DrainTimeout, send a
// shutdown packet, then close.
func (l *Link) Drain() {
	l.mu.Lock()
	if l.state == StateClosed || l.state == StateDraining {
		l.mu.Unlock()
		return
	}
	l.setState(StateDraining)
	l.mu.Unlock()
	close(l.drainRequested)
}

// RequestReconnect signals the run loop to drop the current connection and
// cycle through Reconnecting, without closing the link the way Drain does.
// The signal is buffered; repeated calls before it's consumed coalesce into
// one reconnect.
func (l *Link) RequestReconnect() {
	select {
	case l.reconnectRequested <- struct{}{}:
	default:
	}
}

func (l *Link) setState(s State) {
	prev := l.state
	l.state = s
	if prev != s {
		l.publish("gateway.router.state", map[string]any{"from": prev.String(), "to": s.String()}, 5)
		slog.Info("router state transition", "from", prev, "to", s)
	}
}

func (l *Link) publish(eventType string, payload map[string]any, priority int) {
	if l.sink != nil {
		l.sink.Publish(eventType, payload, priority)
	}
}

// Run drives the state machine until ctx is cancelled or the link
// transitions to Closed. It should be run in its own goroutine.
func (l *Link) Run(ctx context.Context) error {
	l.mu.Lock()
	if p, err := l.store.LoadRouterState(); err == nil {
		l.persisted = p
	}
	l.mu.Unlock()

	hosts := l.hostOrder()
	hostIdx := 0

	for {
		select {
		case <-ctx.Done():
			l.transitionClosed()
			return ctx.Err()
		default:
		}

		l.mu.Lock()
		st := l.state
		l.mu.Unlock()

		switch st {
		case StateDisconnected, StateReconnecting:
			host := hosts[hostIdx%len(hosts)]
			conn, err := l.connect(ctx, host)
			if err != nil {
				hostIdx++
				l.mu.Lock()
				l.retryCount++
				attempt := l.retryCount
				l.mu.Unlock()
				if attempt >= l.cfg.MaxAttempts*len(hosts) {
					l.mu.Lock()
					l.setState(StateDisconnected)
					l.mu.Unlock()
					l.publish("gateway.router.unreachable", map[string]any{"error": err.Error()}, 8)
					return fmt.Errorf("%w: exhausted %d attempts: %v", gwerr.ErrRouterUnreachable, attempt, err)
				}
				if err := l.backoffSleep(ctx, attempt); err != nil {
					l.transitionClosed()
					return err
				}
				continue
			}
			l.mu.Lock()
			l.conn = conn
			l.current = host
			l.setState(StateAuthenticating)
			l.mu.Unlock()

		case StateAuthenticating:
			if err := l.authenticate(ctx); err != nil {
				slog.Info("handshake failed", "host", l.current.Name, "error", err)
				l.closeConn()
				l.mu.Lock()
				l.failCount++
				l.setState(StateReconnecting)
				l.mu.Unlock()
				if l.failCount >= l.cfg.FailoverThreshold {
					hostIdx++
				}
				continue
			}
			l.mu.Lock()
			l.retryCount = 0
			l.failCount = 0
			l.setState(StateConnected)
			l.mu.Unlock()

		case StateConnected:
			err := l.runConnected(ctx)
			l.closeConn()
			l.mu.Lock()
			if err == nil {
				// Drain() requested a graceful stop.
				l.setState(StateClosed)
				l.mu.Unlock()
				close(l.closed)
				return nil
			}
			l.failCount++
			shouldFailover := l.failCount >= l.cfg.FailoverThreshold
			l.setState(StateReconnecting)
			l.mu.Unlock()
			slog.Info("connected link lost", "error", err)
			if shouldFailover {
				hostIdx++
			}

		case StateClosed:
			return nil

		default:
			return fmt.Errorf("router: unhandled state %v", st)
		}
	}
}

func (l *Link) hostOrder() []Host {
	hosts := make([]Host, 0, 1+len(l.cfg.Fallbacks))
	hosts = append(hosts, l.cfg.Primary)
	hosts = append(hosts, l.cfg.Fallbacks...)
	return hosts
}

func (l *Link) backoffSleep(ctx context.Context, attempt int) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 1 * time.Second
	b.MaxInterval = 60 * time.Second
	b.MaxElapsedTime = 0
	b.RandomizationFactor = 1.0 // full jitter
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Link) connect(ctx context.Context, host Host) (net.Conn, error) {
	l.mu.Lock()
	breaker := l.breaker
	l.mu.Unlock()

	dial := func() (any, error) {
		d := net.Dialer{}
		return d.DialContext(ctx, "tcp", host.Addr)
	}

	var result any
	var err error
	if breaker != nil {
		result, err = breaker.Execute(dial)
	} else {
		result, err = dial()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %v", gwerr.ErrRouterUnreachable, host.Addr, err)
	}
	return result.(net.Conn), nil
}

func (l *Link) closeConn() {
	l.mu.Lock()
	conn := l.conn
	l.conn = nil
	l.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

// authenticate sends startup-req-3 and waits for startup-reply or error,
// arming the handshake timer.
func (l *Link) authenticate(ctx context.Context) error {
	l.mu.Lock()
	conn := l.conn
	pw := l.persisted.Password
	l.mu.Unlock()

	req := packet.Packet{
		Header: packet.Header{
			Type:      packet.TypeStartupReq3,
			TTL:       packet.DefaultTTL,
			OriginMud: l.cfg.MudName,
		},
		Password:      pw,
		OldMudlistID:  l.persisted.MudlistID,
		OldChanlistID: l.persisted.ChanlistID,
		PlayerPort:    l.cfg.PlayerPort,
		ImudTCPPort:   l.cfg.ImudTCP,
		ImudUDPPort:   l.cfg.ImudUDP,
		Mudlib:        l.cfg.Mudlib,
		BaseMudlib:    l.cfg.BaseMudlib,
		Driver:        l.cfg.Driver,
		MudType:       l.cfg.MudType,
		OpenStatus:    l.cfg.OpenStatus,
		AdminEmail:    l.cfg.AdminEmail,
		Services:      l.cfg.Services,
		OtherData:     lpc.Null,
	}

	if err := l.writeFrame(conn, req); err != nil {
		return fmt.Errorf("%w: writing startup-req-3: %v", gwerr.ErrHandshakeTimeout, err)
	}

	conn.SetReadDeadline(time.Now().Add(l.cfg.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	reader := mudmode.NewReader(conn, 0)
	frame, err := reader.ReadFrame()
	if err != nil {
		return fmt.Errorf("%w: %v", gwerr.ErrHandshakeTimeout, err)
	}
	v, err := lpc.Decode(frame, 0)
	if err != nil {
		return fmt.Errorf("%w: %v", gwerr.ErrMalformedLPC, err)
	}
	reply, err := packet.Decode(v)
	if err != nil {
		return fmt.Errorf("%w: %v", gwerr.ErrBadPacket, err)
	}

	switch reply.Type {
	case packet.TypeStartupReply:
		l.mu.Lock()
		if reply.Password != 0 {
			l.persisted.Password = reply.Password
		}
		l.persisted.MudlistID = reply.MudlistID
		l.persisted.ChanlistID = reply.ChanlistID
		state := l.persisted
		l.mu.Unlock()
		if l.store != nil {
			if err := l.store.SaveRouterState(state); err != nil {
				slog.Error("persisting router state failed", "error", err)
			}
		}
		return nil
	case packet.TypeError:
		return fmt.Errorf("%w: router rejected startup: %s %s", gwerr.ErrRouterClosed, reply.ErrorCode, reply.ErrorMessage)
	default:
		return fmt.Errorf("%w: unexpected reply type %q during handshake", gwerr.ErrBadPacket, reply.Type)
	}
}

func (l *Link) writeFrame(conn net.Conn, pkt packet.Packet) error {
	enc := lpc.Encode(packet.Encode(pkt))
	framed := mudmode.Encode(enc)
	_, err := conn.Write(framed)
	return err
}

// runConnected reads frames and drains the outbound queue until the
// connection dies, the read idle timeout fires, or a drain is requested
// (in which case it returns nil to signal a clean shutdown).
func (l *Link) runConnected(ctx context.Context) error {
	l.mu.Lock()
	conn := l.conn
	l.mu.Unlock()

	readErrs := make(chan error, 1)
	frames := make(chan []byte, 64)
	go func() {
		reader := mudmode.NewReader(conn, 0)
		for {
			conn.SetReadDeadline(time.Now().Add(l.cfg.ReadIdleTimeout))
			frame, err := reader.ReadFrame()
			if err != nil {
				readErrs <- err
				return
			}
			select {
			case frames <- frame:
			case <-ctx.Done():
				return
			}
		}
	}()

	heartbeat := time.NewTicker(l.cfg.HeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case <-l.drainRequested:
			return l.drainConnection(conn)

		case <-l.reconnectRequested:
			return fmt.Errorf("%w: reconnect requested", gwerr.ErrRouterClosed)

		case err := <-readErrs:
			return fmt.Errorf("%w: %v", gwerr.ErrRouterClosed, err)

		case frame := <-frames:
			v, err := lpc.Decode(frame, 0)
			if err != nil {
				slog.Warn("dropping malformed frame", "error", err)
				continue
			}
			pkt, err := packet.Decode(v)
			if err != nil {
				slog.Warn("dropping bad packet", "error", err)
				continue
			}
			select {
			case l.inbound <- pkt:
			default:
				slog.Warn("inbound queue full, dropping packet", "type", pkt.Type)
			}

		case item := <-l.outbound:
			if err := l.writeFrame(conn, item.pkt); err != nil {
				return fmt.Errorf("%w: %v", gwerr.ErrRouterClosed, err)
			}

		case <-heartbeat.C:
			// Keep-alive is passive per the router protocol: TCP-level
			// keepalive plus ReadIdleTimeout detect a dead peer without
			// an application-level ping packet.
			if tcp, ok := conn.(*net.TCPConn); ok {
				tcp.SetKeepAlive(true)
				tcp.SetKeepAlivePeriod(l.cfg.HeartbeatInterval)
			}
		}
	}
}

func (l *Link) drainConnection(conn net.Conn) error {
	deadline := time.Now().Add(l.cfg.DrainTimeout)
	for time.Now().Before(deadline) {
		select {
		case item := <-l.outbound:
			if err := l.writeFrame(conn, item.pkt); err != nil {
				return nil
			}
		default:
			shutdown := packet.Packet{Header: packet.Header{
				Type:      packet.TypeShutdown,
				TTL:       packet.DefaultTTL,
				OriginMud: l.cfg.MudName,
			}}
			l.writeFrame(conn, shutdown)
			return nil
		}
	}
	return nil
}

func (l *Link) transitionClosed() {
	l.mu.Lock()
	if l.state != StateClosed {
		l.setState(StateClosed)
	}
	l.mu.Unlock()
	select {
	case <-l.closed:
	default:
		close(l.closed)
	}
}

// ErrDraining names the condition in which the link no longer accepts
// non-heartbeat traffic. Send drops such packets without returning an
// error; nothing in this package returns ErrDraining.
var ErrDraining = errors.New("router link draining")
