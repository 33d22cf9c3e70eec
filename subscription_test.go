package ibgw

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscriptionNextDeliversDecodedItem(t *testing.T) {
	rec := newRecipient(4)
	sub := newSubscription(rec, func(f Frame) (any, error) {
		return f.Field(1), nil
	}, func() {})

	rec.ch <- Frame{"49", "hello"}

	item, err := sub.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "hello", item)
}

func TestSubscriptionRetriesOnUnexpectedResponse(t *testing.T) {
	rec := newRecipient(4)
	calls := 0
	sub := newSubscription(rec, func(f Frame) (any, error) {
		calls++
		if f.Field(1) == "skip" {
			return nil, ErrUnexpectedResponse
		}
		return f.Field(1), nil
	}, func() {})

	rec.ch <- Frame{"1", "skip"}
	rec.ch <- Frame{"1", "keep"}

	item, err := sub.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "keep", item)
	require.Equal(t, 2, calls)
}

func TestSubscriptionEndOfStreamTerminates(t *testing.T) {
	rec := newRecipient(4)
	sub := newSubscription(rec, func(f Frame) (any, error) {
		return nil, ErrEndOfStream
	}, func() {})

	rec.ch <- Frame{"53"}
	item, err := sub.Next(context.Background())
	require.Nil(t, item)
	require.NoError(t, err)

	// Terminal state is sticky: a second Next returns immediately.
	item, err = sub.Next(context.Background())
	require.Nil(t, item)
	require.NoError(t, err)
}

func TestSubscriptionDecodeErrorDoesNotTerminate(t *testing.T) {
	rec := newRecipient(4)
	first := true
	sub := newSubscription(rec, func(f Frame) (any, error) {
		if first {
			first = false
			return nil, newErr(KindParseFailure, "bad field", nil)
		}
		return f.Field(1), nil
	}, func() {})

	rec.ch <- Frame{"1", "bad"}
	_, err := sub.Next(context.Background())
	require.Error(t, err)

	rec.ch <- Frame{"1", "ok"}
	item, err := sub.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, "ok", item)
}

func TestSubscriptionCancelIsIdempotentAndCallsCancelOnce(t *testing.T) {
	rec := newRecipient(4)
	calls := 0
	sub := newSubscription(rec, IdentityDecoder, func() {
		calls++
	})

	sub.Cancel()
	sub.Cancel()
	sub.Close()

	require.Equal(t, 1, calls)
}

func TestSubscriptionDeliverResetSurfacesConnectionReset(t *testing.T) {
	rec := newRecipient(4)
	sub := newSubscription(rec, IdentityDecoder, func() {})

	sub.deliverReset()

	_, err := sub.Next(context.Background())
	require.Error(t, err)
	var be *BusError
	require.ErrorAs(t, err, &be)
	require.Equal(t, KindConnectionReset, be.Kind)
}

func TestSubscriptionNextRespectsContextCancellation(t *testing.T) {
	rec := newRecipient(4)
	sub := newSubscription(rec, IdentityDecoder, func() {})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := sub.Next(ctx)
	require.Error(t, err)
}

func TestSubscriptionTryNextNonBlocking(t *testing.T) {
	rec := newRecipient(4)
	sub := newSubscription(rec, IdentityDecoder, func() {})

	item, err, done := sub.TryNext()
	require.Nil(t, item)
	require.NoError(t, err)
	require.False(t, done)

	rec.ch <- Frame{"1", "x"}
	item, err, done = sub.TryNext()
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, Frame{"1", "x"}, item)
}

func TestIdentityDecoderTerminatesOnTerminatorType(t *testing.T) {
	item, err := IdentityDecoder(Frame{"53"}) // InOpenOrderEnd, terminator
	require.Nil(t, item)
	require.ErrorIs(t, err, ErrEndOfStream)
}
