package ibgw

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"ibgw/internal/config"
	"ibgw/internal/logging"
	"ibgw/internal/metrics"
)

// BusState is the connection lifecycle state (§3). Only Ready permits
// sends; Reconnecting queues nothing, failing fast with NotConnected.
type BusState int

const (
	StateDisconnected BusState = iota
	StateConnecting
	StateReady
	StateReconnecting
	StateShutdown
)

func (s BusState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateReconnecting:
		return "reconnecting"
	case StateShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// Config is the bus's enumerated configuration surface (§6).
type Config struct {
	Address              string
	ClientID             int
	MaxReconnectAttempts int
	HandshakeTimeout     time.Duration
	RecordingDir         string
	RequestIDBase        int

	// SubscriptionBuffer sizes every recipient channel the router
	// creates; zero or negative selects 4096. Recipient channels are
	// bounded: a frame that arrives while a recipient's channel is full
	// is dropped with a warning (see recipient.send).
	SubscriptionBuffer int

	Logger  *zap.Logger
	Metrics *metrics.Registry

	// Dialer lets tests substitute net.Pipe for a real TCP dial.
	Dialer func(address string) (net.Conn, error)
}

// LoadConfig reads Config from defaults/env/file via viper (§6).
func LoadConfig() (Config, error) {
	v, err := config.Load()
	if err != nil {
		return Config{}, err
	}
	log, err := logging.New(logging.Config{Level: v.LogLevel, Development: v.LogDevelopment})
	if err != nil {
		return Config{}, err
	}
	var reg *metrics.Registry
	if v.MetricsEnabled {
		reg = metrics.NewRegistry(nil)
	}
	return Config{
		Address:              v.Address,
		ClientID:             v.ClientID,
		MaxReconnectAttempts: v.MaxReconnectAttempts,
		HandshakeTimeout:     v.HandshakeTimeout,
		RecordingDir:         v.RecordingDir,
		Logger:               log,
		Metrics:              reg,
	}, nil
}

func (c *Config) fillDefaults() {
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 20
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 30 * time.Second
	}
	if c.SubscriptionBuffer <= 0 {
		c.SubscriptionBuffer = 4096
	}
	if c.Logger == nil {
		c.Logger = logging.Noop()
	}
	if c.Dialer == nil {
		c.Dialer = func(address string) (net.Conn, error) {
			return net.DialTimeout("tcp", address, 10*time.Second)
		}
	}
}

// Bus owns the socket, serialises outbound requests, and demultiplexes
// inbound responses (§1, §4.5). It is the library's central type.
type Bus struct {
	cfg Config
	ids *idGenerator

	writeMu sync.Mutex // serialises register-then-send and every wire write (§4.5, §5)
	stateMu sync.RWMutex
	state   BusState

	conn   net.Conn
	fr     *framer
	router *router

	session SessionInfo

	recorder *zap.Logger

	sharedSubs map[MessageType]*recipient // outbound type -> pre-installed shared recipient

	subsMu sync.Mutex
	subs   map[*Subscription]struct{} // every live request-id/order-id Subscription, for reset fan-out (§4.6)

	supervisor *supervisor

	closeOnce sync.Once
	closed    chan struct{}
}

// New constructs a Bus and performs the initial connect and handshake.
// It returns once the bus is Ready or the initial attempt fails; the
// reconnection supervisor takes over from there.
func New(cfg Config) (*Bus, error) {
	cfg.fillDefaults()

	recorder, err := newRecorder(cfg.RecordingDir)
	if err != nil {
		return nil, err
	}

	b := &Bus{
		cfg:        cfg,
		ids:        newIDGenerator(cfg.RequestIDBase),
		state:      StateDisconnected,
		recorder:   recorder,
		sharedSubs: make(map[MessageType]*recipient),
		subs:       make(map[*Subscription]struct{}),
		closed:     make(chan struct{}),
	}
	b.router = newRouter(cfg.Logger, cfg.Metrics)
	b.supervisor = newSupervisor(b)

	if err := b.connect(); err != nil {
		return nil, err
	}

	b.supervisor.start()
	return b, nil
}

// connect dials, performs the handshake, seeds the order-id counter,
// and starts the reader loop, which first replays any buffered
// out-of-order handshake frames. Called both from New and by the supervisor on
// reconnect.
func (b *Bus) connect() error {
	b.setState(StateConnecting)

	conn, err := b.cfg.Dialer(b.cfg.Address)
	if err != nil {
		b.setState(StateDisconnected)
		return newErr(KindIO, "dial gateway", err)
	}

	fr := newFramer(conn)
	info, buffered, err := doHandshake(fr, conn, b.cfg.ClientID, b.cfg.HandshakeTimeout, b.cfg.Logger)
	if err != nil {
		conn.Close()
		b.setState(StateDisconnected)
		return err
	}

	b.writeMu.Lock()
	b.conn = conn
	b.fr = fr
	b.session = info
	b.writeMu.Unlock()

	b.ids.seedOrderID(info.NextOrderID)

	// Shared-channel recipients need no reinstallation here: router's
	// byShared registry is never touched by resetKeyed (§4.6), so every
	// previously installed shared Subscription keeps the same
	// recipient across a reconnect and simply resumes receiving once
	// readLoop starts dispatching on the new connection.
	go b.readLoop(fr, conn, buffered)

	b.setState(StateReady)
	return nil
}

func (b *Bus) setState(s BusState) {
	b.stateMu.Lock()
	b.state = s
	b.stateMu.Unlock()
}

// State returns the current BusState.
func (b *Bus) State() BusState {
	b.stateMu.RLock()
	defer b.stateMu.RUnlock()
	return b.state
}

// IsConnected reports whether the bus currently permits sends (§4.6).
func (b *Bus) IsConnected() bool {
	return b.State() == StateReady
}

// Session returns the SessionInfo from the most recent successful
// handshake.
func (b *Bus) Session() SessionInfo {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.session
}

// readLoop is the dedicated reader goroutine; it owns read access to
// the socket (§5, "shared-resource policy"). Grounded on the
// readLoop/writeLoop split in go-server-3/internal/transport/server.go.
func (b *Bus) readLoop(fr *framer, conn net.Conn, buffered []Frame) {
	for _, f := range buffered {
		recordFrame(b.recorder, "in", f)
		b.router.dispatch(f)
	}

	for {
		f, err := fr.readFrame()
		if err != nil {
			b.supervisor.onReadError(conn, err)
			return
		}
		recordFrame(b.recorder, "in", f)
		if b.cfg.Metrics != nil {
			b.cfg.Metrics.FramesRead.Inc()
		}
		b.router.dispatch(f)
	}
}

// SendRequest registers rid then writes frame atomically (§4.5). rid
// must be unique; reuse returns AlreadySubscribed. cancelFrame, when
// non-nil, is emitted exactly once (before the registry slot is
// released) the first time the returned Subscription is cancelled or
// dropped (§3 invariant 4, §4.4). Pass nil for request types with no
// cancel message.
func (b *Bus) SendRequest(rid int, frame []string, cancelFrame []string, decode Decoder) (*Subscription, error) {
	if !b.IsConnected() {
		return nil, newErr(KindNotConnected, "send_request while not connected", nil)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	rec, err := b.router.registerRequest(rid, b.cfg.SubscriptionBuffer)
	if err != nil {
		return nil, err
	}
	if err := b.writeLocked(frame); err != nil {
		b.router.unregisterRequest(rid)
		return nil, err
	}

	var sub *Subscription
	sub = newSubscription(rec, decode, func() {
		if cancelFrame != nil {
			b.Cancel(cancelFrame)
		}
		b.router.unregisterRequest(rid)
		b.untrack(sub)
	})
	b.track(sub)
	return sub, nil
}

// SendOrderRequest registers oid then writes frame atomically (§4.5).
// cancelFrame follows the same exactly-once-on-drop contract as in
// SendRequest.
func (b *Bus) SendOrderRequest(oid int, frame []string, cancelFrame []string, decode Decoder) (*Subscription, error) {
	if !b.IsConnected() {
		return nil, newErr(KindNotConnected, "send_order_request while not connected", nil)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	rec, err := b.router.registerOrder(oid, b.cfg.SubscriptionBuffer)
	if err != nil {
		return nil, err
	}
	if err := b.writeLocked(frame); err != nil {
		b.router.unregisterOrder(oid)
		return nil, err
	}

	var sub *Subscription
	sub = newSubscription(rec, decode, func() {
		if cancelFrame != nil {
			b.Cancel(cancelFrame)
		}
		b.router.unregisterOrder(oid)
		b.untrack(sub)
	})
	b.track(sub)
	return sub, nil
}

// SendSharedRequest installs (or reuses) the pre-created shared
// recipient for outbound and writes frame atomically. cancelFrame, when
// non-nil, is emitted once when the last subscriber of this shared
// channel drops it.
func (b *Bus) SendSharedRequest(outbound MessageType, frame []string, cancelFrame []string, decode Decoder) (*Subscription, error) {
	if !b.IsConnected() {
		return nil, newErr(KindNotConnected, "send_shared_request while not connected", nil)
	}

	b.writeMu.Lock()
	defer b.writeMu.Unlock()

	rec, isNew := b.ensureSharedLocked(outbound)
	if err := b.writeLocked(frame); err != nil {
		if isNew {
			b.router.unregisterShared(outbound, rec)
			delete(b.sharedSubs, outbound)
		}
		return nil, err
	}

	// Not tracked in b.subs: shared recipients survive a reconnect
	// (router.resetKeyed leaves byShared alone), so a shared
	// Subscription should keep delivering rather than see a spurious
	// ConnectionReset (§4.6).
	sub := newSubscription(rec, decode, func() {
		if cancelFrame != nil {
			b.Cancel(cancelFrame)
		}
		b.writeMu.Lock()
		delete(b.sharedSubs, outbound)
		b.writeMu.Unlock()
		b.router.unregisterShared(outbound, rec)
	})
	return sub, nil
}

// track/untrack maintain the set of live request-id and order-id
// Subscriptions so a reconnect can deliver ConnectionReset to each of
// them (§4.6). Shared Subscriptions are not tracked.
func (b *Bus) track(sub *Subscription) {
	b.subsMu.Lock()
	b.subs[sub] = struct{}{}
	b.subsMu.Unlock()
}

func (b *Bus) untrack(sub *Subscription) {
	b.subsMu.Lock()
	delete(b.subs, sub)
	b.subsMu.Unlock()
}

// resetAllSubscriptions delivers ConnectionReset to every currently
// tracked Subscription and clears the set. Keyed subscriptions do not
// survive a reconnect (§4.6): nothing re-registers them, and a caller
// that wants the stream again issues a fresh Send* once the bus is
// Ready.
func (b *Bus) resetAllSubscriptions() {
	b.subsMu.Lock()
	live := make([]*Subscription, 0, len(b.subs))
	for sub := range b.subs {
		live = append(live, sub)
	}
	b.subs = make(map[*Subscription]struct{})
	b.subsMu.Unlock()

	for _, sub := range live {
		sub.deliverReset()
	}
}

func (b *Bus) ensureSharedLocked(outbound MessageType) (*recipient, bool) {
	if rec, ok := b.sharedSubs[outbound]; ok {
		return rec, false
	}
	rec := b.router.installShared(outbound, b.cfg.SubscriptionBuffer)
	b.sharedSubs[outbound] = rec
	return rec, true
}

// SendMessage writes a frame that expects no correlated response
// (§4.5).
func (b *Bus) SendMessage(frame []string) error {
	if !b.IsConnected() {
		return newErr(KindNotConnected, "send_message while not connected", nil)
	}
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	return b.writeLocked(frame)
}

// writeLocked writes frame; caller must hold writeMu.
func (b *Bus) writeLocked(frame []string) error {
	if b.fr == nil {
		return newErr(KindNotConnected, "bus not connected", nil)
	}
	if err := b.fr.writeFrame(frame); err != nil {
		return err
	}
	recordFrame(b.recorder, "out", Frame(frame))
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.FramesWritten.Inc()
	}
	return nil
}

// Cancel emits frame (the type's cancel message, if any) to the
// gateway. Errors are swallowed when not connected, matching §4.5's
// "cancel: swallowed on NotConnected" and §5's "cancellation during
// Reconnecting is a no-op on the wire".
func (b *Bus) Cancel(frame []string) {
	if !b.IsConnected() {
		return
	}
	_ = b.SendMessage(frame)
}

// NextRequestID returns the next monotonically increasing request id.
func (b *Bus) NextRequestID() int { return b.ids.nextRequestID() }

// NextOrderID returns the next monotonically increasing order id.
func (b *Bus) NextOrderID() int { return b.ids.nextOrderID() }

// NextValidOrderID implements §4.7's round-trip refresh: it sends a
// RequestIds message, waits for the gateway's NextValidId reply, seeds
// the local order-id counter from it (never regressing it, per §3
// invariant 5), and returns the value the gateway reported.
func (b *Bus) NextValidOrderID(ctx context.Context) (int, error) {
	sub, err := b.SendSharedRequest(OutRequestIDs, []string{strconv.Itoa(int(OutRequestIDs)), "1", "1"}, nil,
		func(f Frame) (any, error) {
			if len(f) < 2 {
				return nil, ErrUnexpectedResponse
			}
			id, err := strconv.Atoi(f[len(f)-1])
			if err != nil {
				return nil, newErr(KindParseFailure, "parse next valid order id", err)
			}
			return id, nil
		})
	if err != nil {
		return 0, err
	}
	defer sub.Cancel()

	item, err := sub.Next(ctx)
	if err != nil {
		return 0, err
	}
	id, ok := item.(int)
	if !ok {
		return 0, newErr(KindUnexpectedResponse, "next valid order id decoder returned no value", nil)
	}

	b.ids.seedOrderID(id)
	return id, nil
}

// Close shuts the bus down: the supervisor stops, the socket is closed,
// and every subsequent send fails with NotConnected.
func (b *Bus) Close() error {
	var err error
	b.closeOnce.Do(func() {
		b.setState(StateShutdown)
		b.supervisor.stop()
		b.writeMu.Lock()
		if b.conn != nil {
			err = b.conn.Close()
		}
		b.writeMu.Unlock()
		close(b.closed)
		if b.recorder != nil {
			_ = b.recorder.Sync()
		}
	})
	return err
}
