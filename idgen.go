package ibgw

import "sync/atomic"

// defaultRequestIDBase is the implementation-defined starting point
// for RequestId (§3).
const defaultRequestIDBase = 9000

// idGenerator owns the two monotonic counters described in §4.7. Both
// are backed by atomics so next_request_id/next_order_id are safe to
// call from any goroutine without the bus's write mutex, mirroring the
// atomic.AddUint64 connection-id idiom in
// go-server-3/internal/session/hub.go.
type idGenerator struct {
	requestID int64
	orderID   int64
}

func newIDGenerator(requestBase int) *idGenerator {
	if requestBase <= 0 {
		requestBase = defaultRequestIDBase
	}
	return &idGenerator{requestID: int64(requestBase) - 1}
}

// nextRequestID post-increments the request-id counter.
func (g *idGenerator) nextRequestID() int {
	return int(atomic.AddInt64(&g.requestID, 1))
}

// seedOrderID initialises the order-id counter from the handshake's
// SessionInfo.NextOrderID, so that the first nextOrderID() call after
// seeding returns exactly serverNext (matching nextRequestID's base-1
// seeding convention). It never regresses the counter (§3 invariant 5):
// on reconnect the server may hand back a stale next-order-id if the
// caller has since generated new order-ids locally, so seeding only
// raises the floor, never lowers it.
func (g *idGenerator) seedOrderID(serverNext int) {
	target := int64(serverNext) - 1
	for {
		cur := atomic.LoadInt64(&g.orderID)
		if target <= cur {
			return
		}
		if atomic.CompareAndSwapInt64(&g.orderID, cur, target) {
			return
		}
	}
}

// nextOrderID post-increments and returns the order-id counter.
func (g *idGenerator) nextOrderID() int {
	return int(atomic.AddInt64(&g.orderID, 1))
}

// currentOrderID returns the next order-id that would be handed out,
// without consuming it.
func (g *idGenerator) currentOrderID() int {
	return int(atomic.LoadInt64(&g.orderID)) + 1
}
