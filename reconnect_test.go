package ibgw

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFibonacciBackoffSequence(t *testing.T) {
	b := newFibonacciBackoff(time.Hour)
	want := []time.Duration{
		1 * time.Second, 1 * time.Second, 2 * time.Second, 3 * time.Second,
		5 * time.Second, 8 * time.Second, 13 * time.Second,
	}
	for i, w := range want {
		got := b.next()
		require.Equal(t, w, got, "step %d", i)
	}
}

func TestFibonacciBackoffCapsAtMax(t *testing.T) {
	b := newFibonacciBackoff(5 * time.Second)
	var last time.Duration
	for i := 0; i < 10; i++ {
		last = b.next()
	}
	require.Equal(t, 5*time.Second, last)
}

func TestFibonacciBackoffResetRestartsSequence(t *testing.T) {
	b := newFibonacciBackoff(time.Hour)
	b.next()
	b.next()
	b.next() // 1, 1, 2
	b.reset()
	require.Equal(t, 1*time.Second, b.next())
}

func TestBusReconnectsAfterConnectionDrop(t *testing.T) {
	b, server := newTestBus(t, basicHandshakeGateway(t))
	defer b.Close()

	reconnected := make(chan struct{})
	b.cfg.Dialer = func(string) (net.Conn, error) {
		client2, server2 := net.Pipe()
		go func() {
			fakeGateway(t, server2, "DU1234567", "200")
			close(reconnected)
		}()
		return client2, nil
	}
	b.cfg.MaxReconnectAttempts = 5

	server.Close() // break the original connection, triggers supervisor

	select {
	case <-reconnected:
	case <-time.After(5 * time.Second):
		t.Fatal("bus did not reconnect in time")
	}

	require.Eventually(t, func() bool {
		return b.State() == StateReady
	}, 2*time.Second, 10*time.Millisecond)
}

func TestBusKeyedSubscriptionsResetOnReconnect(t *testing.T) {
	b, server := newTestBus(t, basicHandshakeGateway(t))
	defer b.Close()

	sub, err := b.SendRequest(123, []string{"9", "123"}, nil, IdentityDecoder)
	require.NoError(t, err)

	b.cfg.Dialer = func(string) (net.Conn, error) {
		client2, server2 := net.Pipe()
		go fakeGateway(t, server2, "DU1234567", "1")
		return client2, nil
	}
	b.cfg.MaxReconnectAttempts = 5

	server.Close()

	_, err = sub.Next(context.Background())
	require.Error(t, err)
	var be *BusError
	require.ErrorAs(t, err, &be)
	require.Equal(t, KindConnectionReset, be.Kind)
}
