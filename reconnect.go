package ibgw

import (
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
)

// fibonacciBackoff yields the reconnect-wait sequence from §4.6:
// 1, 1, 2, 3, 5, 8, 13, ... capped at max, grounded on the wait-field
// naming in kalshi's connection ManagerConfig and the backoff loop
// shape in go-server/pkg/nats/client.go's reconnect handler.
type fibonacciBackoff struct {
	a, b int
	max  time.Duration
}

func newFibonacciBackoff(max time.Duration) *fibonacciBackoff {
	return &fibonacciBackoff{a: 0, b: 1, max: max}
}

func (f *fibonacciBackoff) next() time.Duration {
	f.a, f.b = f.b, f.a+f.b
	d := time.Duration(f.a) * time.Second
	if d > f.max || d <= 0 {
		return f.max
	}
	return d
}

func (f *fibonacciBackoff) reset() {
	f.a, f.b = 0, 1
}

// supervisor owns the reconnect loop described in §4.6. It is the only
// code outside of Bus.connect that transitions state across
// Ready/Reconnecting/Shutdown.
type supervisor struct {
	bus *Bus

	mu       sync.Mutex
	attempts int
	active   bool // true while a reconnect cycle is running

	stopCh chan struct{}
}

func newSupervisor(b *Bus) *supervisor {
	return &supervisor{bus: b, stopCh: make(chan struct{})}
}

// start is a no-op placeholder hook; the supervisor is purely reactive
// (driven by onReadError), so there is no background goroutine to
// launch at steady state.
func (s *supervisor) start() {}

// stop prevents any reconnect cycle from beginning after Close.
func (s *supervisor) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}
}

func (s *supervisor) stopped() bool {
	select {
	case <-s.stopCh:
		return true
	default:
		return false
	}
}

// onReadError is invoked by Bus.readLoop when the connection's reader
// returns an error. It only starts a reconnect cycle for the first
// reader that observes the break; a second, racing reader loop (there
// can be at most one, but connect() may already be mid-dial) is a
// no-op.
func (s *supervisor) onReadError(conn net.Conn, err error) {
	if s.stopped() {
		return
	}

	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return
	}
	s.active = true
	s.mu.Unlock()

	b := s.bus
	if b.cfg.Logger != nil {
		b.cfg.Logger.Warn("connection lost, starting reconnect", zap.Error(err))
	}
	if b.cfg.Metrics != nil {
		b.cfg.Metrics.Reconnects.Inc()
	}

	b.setState(StateReconnecting)
	conn.Close()

	// Deliver ConnectionReset to every tracked (keyed) Subscription
	// before wiping the registries they point into; shared
	// Subscriptions are left alone (§4.6, see bus.go SendSharedRequest).
	b.resetAllSubscriptions()
	b.router.resetKeyed()

	go s.reconnectLoop()
}

// reconnectLoop retries Bus.connect with Fibonacci backoff until it
// succeeds, MaxReconnectAttempts is exhausted, or the bus is closed.
func (s *supervisor) reconnectLoop() {
	defer func() {
		s.mu.Lock()
		s.active = false
		s.mu.Unlock()
	}()

	b := s.bus
	backoff := newFibonacciBackoff(60 * time.Second)

	s.mu.Lock()
	s.attempts = 0
	s.mu.Unlock()

	for {
		if s.stopped() {
			return
		}

		s.mu.Lock()
		s.attempts++
		attempt := s.attempts
		s.mu.Unlock()

		if attempt > b.cfg.MaxReconnectAttempts {
			if b.cfg.Logger != nil {
				b.cfg.Logger.Error("reconnect attempts exhausted, shutting down")
			}
			b.setState(StateShutdown)
			_ = b.Close()
			return
		}

		wait := backoff.next()
		select {
		case <-s.stopCh:
			return
		case <-time.After(wait):
		}

		if err := b.connect(); err != nil {
			if b.cfg.Logger != nil {
				b.cfg.Logger.Warn("reconnect attempt failed",
					zap.Int("attempt", attempt), zap.Error(err))
			}
			continue
		}

		if b.cfg.Logger != nil {
			b.cfg.Logger.Info("reconnected", zap.Int("attempt", attempt))
		}
		s.mu.Lock()
		s.attempts = 0
		s.mu.Unlock()
		return
	}
}
