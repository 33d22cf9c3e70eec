package ibgw

import (
	"context"
	"strconv"
	"sync"
)

// Decoder turns one inbound Frame into a user-facing item. It may
// return ErrUnexpectedResponse to mean "not for me, pass" (§4.4,
// "retry-on-decoder-signal") or ErrEndOfStream to terminate the
// subscription. Any other error is surfaced to the caller without
// ending the subscription (§7, "parse errors on one frame do not
// terminate a subscription").
type Decoder func(Frame) (any, error)

// ErrUnexpectedResponse is returned by a Decoder to mean the frame
// wasn't addressed to this subscription; the subscription loop retries
// with the next frame rather than surfacing it.
var ErrUnexpectedResponse = &BusError{Kind: KindUnexpectedResponse, Msg: "frame not for this subscription"}

// ErrEndOfStream is returned by a Decoder to mark the terminal frame of
// a stream.
var ErrEndOfStream = &BusError{Kind: KindEndOfStream, Msg: "end of stream"}

// IdentityDecoder returns the Frame itself as the item, terminating
// (nil item, ErrEndOfStream) on any MessageType the routing table marks
// as a terminator. Used by tests and by callers that want raw frames.
func IdentityDecoder(f Frame) (any, error) {
	if len(f) == 0 {
		return nil, ErrUnexpectedResponse
	}
	mt, err := messageTypeOf(f)
	if err == nil && isTerminator(mt) {
		return nil, ErrEndOfStream
	}
	return f, nil
}

func messageTypeOf(f Frame) (MessageType, error) {
	mt, err := strconv.Atoi(f.Type())
	return MessageType(mt), err
}

// subState is the Subscription's lifecycle state (§3).
type subState int

const (
	subOpen subState = iota
	subEndOfStream
	subCancelled
	subErrored
)

// cancelFunc emits the cancel frame (if any) and releases registry
// entries. It is guaranteed to run at most once per subscription.
type cancelFunc func()

// Subscription is the user-facing handle over one recipient channel and
// its cancel action (§4.4). Grounded on the quit/errOnce shape of
// go-ethereum's rpc.ClientSubscription and the typed-wrapper shape of
// SafeguardProperties' stomp subscription.go.
type Subscription struct {
	rec     *recipient
	decode  Decoder
	cancel  cancelFunc
	Context any // optional decoder-consulted context (contract, smart-depth flag, ...)

	mu        sync.Mutex
	state     subState
	cancelled sync.Once

	resetCh chan struct{} // closed by the supervisor to deliver ConnectionReset
}

func newSubscription(rec *recipient, decode Decoder, cancel cancelFunc) *Subscription {
	if decode == nil {
		decode = IdentityDecoder
	}
	return &Subscription{rec: rec, decode: decode, cancel: cancel, resetCh: make(chan struct{})}
}

// Next blocks until an item, a decode error, a connection reset, or
// termination is available. It returns (nil, nil) once the subscription
// has reached a terminal state (§4.4).
func (s *Subscription) Next(ctx context.Context) (any, error) {
	for {
		s.mu.Lock()
		state := s.state
		s.mu.Unlock()
		if state != subOpen {
			return nil, nil
		}

		select {
		case <-ctx.Done():
			return nil, newErr(KindIO, "context done while waiting for next frame", ctx.Err())
		case <-s.resetCh:
			s.setTerminal(subErrored)
			return nil, newErr(KindConnectionReset, "connection reset", nil)
		case f, ok := <-s.rec.ch:
			if !ok {
				s.setTerminal(subEndOfStream)
				return nil, nil
			}
			item, err := s.decode(f)
			if err == nil {
				return item, nil
			}
			if be, ok := err.(*BusError); ok {
				switch be.Kind {
				case KindUnexpectedResponse:
					continue // loop to the next frame (§4.4 retry-on-decoder-signal)
				case KindEndOfStream:
					s.setTerminal(subEndOfStream)
					return nil, nil
				}
			}
			// Any other decode error is a value delivered to the
			// caller; the subscription continues (§7).
			return nil, err
		}
	}
}

// TryNext is the non-blocking variant of Next.
func (s *Subscription) TryNext() (any, error, bool) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state != subOpen {
		return nil, nil, true
	}

	select {
	case <-s.resetCh:
		s.setTerminal(subErrored)
		return nil, newErr(KindConnectionReset, "connection reset", nil), true
	case f, ok := <-s.rec.ch:
		if !ok {
			s.setTerminal(subEndOfStream)
			return nil, nil, true
		}
		item, err := s.decode(f)
		if err == nil {
			return item, nil, false
		}
		if be, ok := err.(*BusError); ok {
			switch be.Kind {
			case KindUnexpectedResponse:
				return nil, nil, false // caller should poll again
			case KindEndOfStream:
				s.setTerminal(subEndOfStream)
				return nil, nil, true
			}
		}
		return nil, err, false
	default:
		return nil, nil, false
	}
}

// Cancel emits the cancel frame (if this subscription type has one)
// and releases registry entries. Idempotent; at most one cancel frame
// is ever emitted (§4.4).
func (s *Subscription) Cancel() {
	s.cancelled.Do(func() {
		s.setTerminal(subCancelled)
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Close implements the drop contract: dropping a Subscription does
// what Cancel does (§3 invariant 4).
func (s *Subscription) Close() { s.Cancel() }

func (s *Subscription) setTerminal(state subState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == subOpen {
		s.state = state
	}
}

// deliverReset is called by the supervisor at most once per broken
// connection (§5, "cancellation semantics").
func (s *Subscription) deliverReset() {
	select {
	case <-s.resetCh:
	default:
		close(s.resetCh)
	}
}
