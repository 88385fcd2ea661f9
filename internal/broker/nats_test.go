package broker

import (
	"context"
	"fmt"
	"testing"
	"time"

	natstest "github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/npezzotti/go-chatrooms/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// natsConn starts an embedded server and returns a connection to it plus a
// func that opens further connections, one per simulated instance.
func natsConn(t *testing.T) (*nats.Conn, func() *nats.Conn) {
	t.Helper()

	srv := natstest.RunRandClientPortServer()
	t.Cleanup(srv.Shutdown)

	dial := func() *nats.Conn {
		nc, err := nats.Connect(srv.ClientURL())
		require.NoError(t, err)
		t.Cleanup(nc.Close)
		return nc
	}
	return dial(), dial
}

func TestNatsBroker(t *testing.T) {
	ncA, dial := natsConn(t)
	ncB := dial()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	instanceA := NewNatsBroker(ncA, testutil.TestLogger(t))
	instanceB := NewNatsBroker(ncB, testutil.TestLogger(t))
	defer instanceA.Close()
	defer instanceB.Close()

	chA := make(chan Envelope, 10)
	chB := make(chan Envelope, 10)
	require.NoError(t, instanceA.Subscribe(ctx, func(env Envelope) { chA <- env }))
	require.NoError(t, instanceB.Subscribe(ctx, func(env Envelope) { chB <- env }))

	sent := testEnvelope("room42", 1)
	sent.SkipUser = 7
	require.NoError(t, instanceA.Publish(ctx, sent))

	for _, ch := range []chan Envelope{chA, chB} {
		got := collect(t, ch, 1)[0]
		assert.Equal(t, sent.RoomId, got.RoomId)
		assert.Equal(t, sent.Event, got.Event)
		assert.Equal(t, sent.SkipSession, got.SkipSession)
		assert.Equal(t, sent.SkipUser, got.SkipUser)
		assert.JSONEq(t, string(sent.Payload), string(got.Payload))
		assert.True(t, sent.Timestamp.Equal(got.Timestamp))
	}
}

func TestNatsBroker_Order(t *testing.T) {
	nc, dial := natsConn(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subscriber := NewNatsBroker(nc, testutil.TestLogger(t))
	publisher := NewNatsBroker(dial(), testutil.TestLogger(t))
	defer subscriber.Close()

	ch := make(chan Envelope, 40)
	require.NoError(t, subscriber.Subscribe(ctx, func(env Envelope) { ch <- env }))

	for i := 0; i < 10; i++ {
		require.NoError(t, publisher.Publish(ctx, testEnvelope("ordered", i)))
		require.NoError(t, publisher.Publish(ctx, testEnvelope("other", i)))
	}

	perRoom := map[string][]Envelope{}
	for _, env := range collect(t, ch, 20) {
		perRoom[env.RoomId] = append(perRoom[env.RoomId], env)
	}

	for _, room := range []string{"ordered", "other"} {
		require.Len(t, perRoom[room], 10)
		for i, env := range perRoom[room] {
			assert.JSONEq(t, fmt.Sprintf(`{"seq_id":%d}`, i), string(env.Payload), "room %s out of order", room)
		}
	}
}

func TestNatsBroker_StopsDelivery(t *testing.T) {
	tcases := []struct {
		name string
		stop func(t *testing.T, b *NatsBroker, cancel context.CancelFunc)
	}{
		{
			name: "context cancelled",
			stop: func(_ *testing.T, _ *NatsBroker, cancel context.CancelFunc) { cancel() },
		},
		{
			name: "broker closed",
			stop: func(t *testing.T, b *NatsBroker, _ context.CancelFunc) { require.NoError(t, b.Close()) },
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			nc, dial := natsConn(t)
			publisher := NewNatsBroker(dial(), testutil.TestLogger(t))

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			b := NewNatsBroker(nc, testutil.TestLogger(t))
			ch := make(chan Envelope, 10)
			require.NoError(t, b.Subscribe(ctx, func(env Envelope) { ch <- env }))

			require.NoError(t, publisher.Publish(context.Background(), testEnvelope("abc", 0)))
			collect(t, ch, 1)

			b.mu.Lock()
			sub := b.subs[0]
			b.mu.Unlock()

			tc.stop(t, b, cancel)
			assert.Eventually(t, func() bool { return !sub.IsValid() }, time.Second, 10*time.Millisecond)

			require.NoError(t, publisher.Publish(context.Background(), testEnvelope("abc", 1)))
			require.NoError(t, publisher.nc.Flush())

			select {
			case env := <-ch:
				t.Fatalf("unexpected delivery after stop: %s", env.Payload)
			case <-time.After(100 * time.Millisecond):
			}
		})
	}
}
