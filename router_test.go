package ibgw

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func recv(t *testing.T, rec *recipient) Frame {
	t.Helper()
	select {
	case f := <-rec.ch:
		return f
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestRouterRequestIDDispatch(t *testing.T) {
	rt := newRouter(nil, nil)
	rec, err := rt.registerRequest(42, 4)
	require.NoError(t, err)

	rt.dispatch(Frame{"10", "42", "AAPL"}) // InContractData, fieldIndex 1
	got := recv(t, rec)
	require.Equal(t, Frame{"10", "42", "AAPL"}, got)
}

func TestRouterRegisterRequestRejectsDuplicate(t *testing.T) {
	rt := newRouter(nil, nil)
	_, err := rt.registerRequest(1, 1)
	require.NoError(t, err)

	_, err = rt.registerRequest(1, 1)
	require.Error(t, err)
	var be *BusError
	require.ErrorAs(t, err, &be)
	require.Equal(t, KindAlreadySubscribed, be.Kind)
}

func TestRouterRequestIDMinusOneGoesShared(t *testing.T) {
	rt := newRouter(nil, nil)
	shared := rt.installShared(OutRequestAllOpenOrders, 4)

	// InOpenOrder is RouteByOrderID, so use a RouteByRequestID type to
	// exercise the rid==-1 shared-fallback branch via InContractData.
	rt.byShared[InContractData] = append(rt.byShared[InContractData], shared)
	rt.dispatch(Frame{"10", "-1", "whatever"})

	got := recv(t, shared)
	require.Equal(t, Frame{"10", "-1", "whatever"}, got)
}

func TestRouterOrderIDDispatch(t *testing.T) {
	rt := newRouter(nil, nil)
	rec, err := rt.registerOrder(7, 4)
	require.NoError(t, err)

	rt.dispatch(Frame{"5", "7", "BUY", "100"}) // InOpenOrder, fieldIndex 1
	got := recv(t, rec)
	require.Equal(t, Frame{"5", "7", "BUY", "100"}, got)
}

func TestRouterOrderIDFallsThroughToShared(t *testing.T) {
	rt := newRouter(nil, nil)
	shared := rt.installShared(OutRequestAllOpenOrders, 4)

	// No per-order recipient registered for order id 99: normative
	// fallthrough to shared delivery (§4.3, §9).
	rt.dispatch(Frame{"5", "99", "SELL", "50"})
	got := recv(t, shared)
	require.Equal(t, Frame{"5", "99", "SELL", "50"}, got)
}

func TestRouterSharedFanOutToMultipleSubscribers(t *testing.T) {
	rt := newRouter(nil, nil)
	a := rt.installShared(OutRequestCurrentTime, 4)
	b := rt.installShared(OutRequestCurrentTime, 4)

	rt.dispatch(Frame{"49", "1700000000"}) // InCurrentTime, RouteShared

	require.Equal(t, Frame{"49", "1700000000"}, recv(t, a))
	require.Equal(t, Frame{"49", "1700000000"}, recv(t, b))
}

func TestRouterErrorFrameWarningRangeIsLogOnly(t *testing.T) {
	rt := newRouter(nil, nil)
	rec, err := rt.registerRequest(3, 4)
	require.NoError(t, err)

	rt.dispatch(Frame{"4", "2", "3", "2104", "Market data farm connection is OK"})

	select {
	case f := <-rec.ch:
		t.Fatalf("expected no delivery for warning-range error, got %v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRouterErrorFrameDeliveredToRequestRecipient(t *testing.T) {
	rt := newRouter(nil, nil)
	rec, err := rt.registerRequest(3, 4)
	require.NoError(t, err)

	rt.dispatch(Frame{"4", "2", "3", "321", "Error validating request"})
	got := recv(t, rec)
	require.Equal(t, Frame{"4", "2", "3", "321", "Error validating request"}, got)
}

func TestRouterErrorFrameDeliveredToOrderRecipientWhenNoRequestMatch(t *testing.T) {
	rt := newRouter(nil, nil)
	rec, err := rt.registerOrder(3, 4)
	require.NoError(t, err)

	rt.dispatch(Frame{"4", "2", "3", "321", "Error validating order"})
	got := recv(t, rec)
	require.Equal(t, Frame{"4", "2", "3", "321", "Error validating order"}, got)
}

func TestRouterUnregisterAndResetKeyed(t *testing.T) {
	rt := newRouter(nil, nil)
	_, err := rt.registerRequest(1, 1)
	require.NoError(t, err)
	_, err = rt.registerOrder(2, 1)
	require.NoError(t, err)
	shared := rt.installShared(OutRequestCurrentTime, 1)

	rt.resetKeyed()

	require.Empty(t, rt.byRequest)
	require.Empty(t, rt.byOrder)
	// Shared survives a keyed reset.
	require.Contains(t, rt.byShared[InCurrentTime], shared)
}

func TestRouterLiveRecipientsDeduplicatesSharedSlots(t *testing.T) {
	rt := newRouter(nil, nil)
	reqRec, _ := rt.registerRequest(1, 1)
	shared := rt.installShared(OutRequestAllOpenOrders, 1) // fans into 3 inbound types

	live := rt.liveRecipients()
	require.Contains(t, live, reqRec)
	require.Contains(t, live, shared)

	count := 0
	for _, r := range live {
		if r == shared {
			count++
		}
	}
	require.Equal(t, 1, count, "shared recipient must appear once even though installed under 3 inbound types")
}
