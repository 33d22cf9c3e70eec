package ibgw

import (
	"strconv"
	"sync"

	"go.uber.org/zap"

	"ibgw/internal/metrics"
)

// recipient is a router-owned delivery slot. It wraps the channel a
// Subscription reads from; the Subscription itself holds only the
// receive side plus a cancel closure, never a back-reference into the
// router (§9, "ownership of registries").
type recipient struct {
	ch chan Frame
}

func newRecipient(buf int) *recipient {
	return &recipient{ch: make(chan Frame, buf)}
}

// send is non-blocking: when the channel is full the frame is dropped
// and a warning logged, rather than blocking the reader on a slow
// consumer. send never removes a slot; slots leave the registries only
// through the unregister calls and resetKeyed. Grounded
// on src/sharded/router.go's non-blocking shard send with a logged
// warning on a full channel.
func (r *recipient) send(f Frame, log *zap.Logger, what string) {
	select {
	case r.ch <- f:
	default:
		if log != nil {
			log.Warn("recipient channel full, dropping frame", zap.String("recipient", what))
		}
	}
}

// router owns the three registries described in §4.3 and the dispatch
// table built from proto.go. It is the only place inbound frames are
// classified and fanned out.
type router struct {
	mu        sync.RWMutex
	byRequest map[int]*recipient
	byOrder   map[int]*recipient
	byShared  map[MessageType][]*recipient

	log     *zap.Logger
	metrics *metrics.Registry
}

func newRouter(log *zap.Logger, reg *metrics.Registry) *router {
	return &router{
		byRequest: make(map[int]*recipient),
		byOrder:   make(map[int]*recipient),
		byShared:  make(map[MessageType][]*recipient),
		log:       log,
		metrics:   reg,
	}
}

// registerRequest installs a recipient for rid, failing if one already
// exists (§3 invariant 3: at most one subscription per RequestId).
func (rt *router) registerRequest(rid int, buf int) (*recipient, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, exists := rt.byRequest[rid]; exists {
		return nil, newErr(KindAlreadySubscribed, "request id already registered", nil)
	}
	rec := newRecipient(buf)
	rt.byRequest[rid] = rec
	if rt.metrics != nil {
		rt.metrics.ActiveRequestSubs.Inc()
	}
	return rec, nil
}

func (rt *router) registerOrder(oid int, buf int) (*recipient, error) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, exists := rt.byOrder[oid]; exists {
		return nil, newErr(KindAlreadySubscribed, "order id already registered", nil)
	}
	rec := newRecipient(buf)
	rt.byOrder[oid] = rec
	if rt.metrics != nil {
		rt.metrics.ActiveOrderSubs.Inc()
	}
	return rec, nil
}

// installShared creates one recipient and installs it under every
// inbound type the given outbound request type subscribes to, per
// sharedSubscriptions. The bus calls it on the first SendSharedRequest
// for an outbound type, not at bus construction; frames of a shared
// type that arrive before any such request have no recipient.
func (rt *router) installShared(outbound MessageType, buf int) *recipient {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rec := newRecipient(buf)
	for _, inbound := range sharedSubscriptions[outbound] {
		rt.byShared[inbound] = append(rt.byShared[inbound], rec)
	}
	if rt.metrics != nil {
		rt.metrics.ActiveSharedSubs.Inc()
	}
	return rec
}

func (rt *router) unregisterRequest(rid int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.byRequest[rid]; ok {
		delete(rt.byRequest, rid)
		if rt.metrics != nil {
			rt.metrics.ActiveRequestSubs.Dec()
		}
	}
}

func (rt *router) unregisterOrder(oid int) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if _, ok := rt.byOrder[oid]; ok {
		delete(rt.byOrder, oid)
		if rt.metrics != nil {
			rt.metrics.ActiveOrderSubs.Dec()
		}
	}
}

func (rt *router) unregisterShared(outbound MessageType, rec *recipient) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for _, inbound := range sharedSubscriptions[outbound] {
		slots := rt.byShared[inbound]
		for i, s := range slots {
			if s == rec {
				rt.byShared[inbound] = append(slots[:i], slots[i+1:]...)
				break
			}
		}
	}
	if rt.metrics != nil {
		rt.metrics.ActiveSharedSubs.Dec()
	}
}

// resetKeyed clears byRequest/byOrder on reconnect (§4.6 step 3); their
// request-ids are no longer valid on a freshly (re)established server
// session. byShared is kept because its channels are pre-created and
// shared.
func (rt *router) resetKeyed() {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.byRequest = make(map[int]*recipient)
	rt.byOrder = make(map[int]*recipient)
}

// liveRecipients returns every recipient currently registered, listing
// a shared recipient once even when it is installed under several
// inbound types.
func (rt *router) liveRecipients() []*recipient {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	var all []*recipient
	for _, r := range rt.byRequest {
		all = append(all, r)
	}
	for _, r := range rt.byOrder {
		all = append(all, r)
	}
	seen := make(map[*recipient]bool)
	for _, slots := range rt.byShared {
		for _, r := range slots {
			if !seen[r] {
				seen[r] = true
				all = append(all, r)
			}
		}
	}
	return all
}

// dispatch classifies and delivers a single inbound frame, implementing
// the algorithm in §4.3.
func (rt *router) dispatch(f Frame) {
	t := f.Type()
	mtInt, err := strconv.Atoi(t)
	if err != nil {
		if rt.log != nil {
			rt.log.Warn("inbound frame with non-numeric type", zap.String("type", t))
		}
		return
	}
	mt := MessageType(mtInt)

	if mt == InError {
		rt.dispatchError(f)
		return
	}

	rule, ok := routeTable[mt]
	if !ok {
		// Unknown to the core's routing table: treat as shared, the
		// safest default for a type this core doesn't classify.
		rt.deliverShared(mt, f)
		return
	}

	switch rule.class {
	case RouteByRequestID:
		rid, err := strconv.Atoi(f.Field(rule.fieldIndex))
		if err != nil {
			if rt.log != nil {
				rt.log.Warn("could not parse request id field", zap.String("type", t))
			}
			return
		}
		if rid == -1 {
			rt.deliverShared(mt, f)
			return
		}
		rt.mu.RLock()
		rec, ok := rt.byRequest[rid]
		rt.mu.RUnlock()
		if ok {
			rec.send(f, rt.log, "request:"+strconv.Itoa(rid))
		} else {
			if rt.log != nil {
				rt.log.Warn("no recipient for request id", zap.Int("request_id", rid), zap.String("type", t))
			}
			if rt.metrics != nil {
				rt.metrics.DroppedFrames.Inc()
			}
		}

	case RouteByOrderID:
		oid, err := strconv.Atoi(f.Field(rule.fieldIndex))
		if err != nil {
			if rt.log != nil {
				rt.log.Warn("could not parse order id field", zap.String("type", t))
			}
			return
		}
		rt.mu.RLock()
		rec, ok := rt.byOrder[oid]
		rt.mu.RUnlock()
		if ok {
			rec.send(f, rt.log, "order:"+strconv.Itoa(oid))
			return
		}
		// Normative per §9: fall through to shared delivery rather
		// than dropping, matching the sync reference behaviour.
		rt.deliverShared(mt, f)

	case RouteShared:
		rt.deliverShared(mt, f)
	}
}

// dispatchError routes Error(4) by the request-id in field 2; -1 means
// server-scoped, delivered to shared observers. Codes in the warning
// range [2100,2169] are log-only by default (§4.3, §7, §9 open
// question: this module keeps the sync behaviour and does not fan
// those out).
func (rt *router) dispatchError(f Frame) {
	rid, err := strconv.Atoi(f.Field(2))
	if err != nil {
		if rt.log != nil {
			rt.log.Warn("malformed error frame request id")
		}
		return
	}

	code, _ := strconv.Atoi(f.Field(3))
	if code >= errorWarningLow && code <= errorWarningHigh {
		if rt.log != nil {
			rt.log.Info("server warning", zap.Int("code", code), zap.String("message", f.Field(4)))
		}
		if rt.metrics != nil {
			rt.metrics.Warnings.Inc()
		}
		return
	}

	if rid == -1 {
		rt.deliverShared(InError, f)
		return
	}

	rt.mu.RLock()
	rec, ok := rt.byRequest[rid]
	rt.mu.RUnlock()
	if ok {
		rec.send(f, rt.log, "request:"+strconv.Itoa(rid))
		return
	}
	rt.mu.RLock()
	orderRec, ok := rt.byOrder[rid]
	rt.mu.RUnlock()
	if ok {
		orderRec.send(f, rt.log, "order:"+strconv.Itoa(rid))
		return
	}
	if rt.log != nil {
		rt.log.Warn("no recipient for error frame", zap.Int("request_id", rid))
	}
	if rt.metrics != nil {
		rt.metrics.DroppedFrames.Inc()
	}
}

func (rt *router) deliverShared(mt MessageType, f Frame) {
	rt.mu.RLock()
	slots := rt.byShared[mt]
	rt.mu.RUnlock()
	if len(slots) == 0 {
		if rt.log != nil {
			rt.log.Warn("no shared recipient for message type", zap.Int("type", int(mt)))
		}
		if rt.metrics != nil {
			rt.metrics.DroppedFrames.Inc()
		}
		return
	}
	for i, rec := range slots {
		rec.send(f, rt.log, "shared:"+strconv.Itoa(int(mt))+":"+strconv.Itoa(i))
	}
}
