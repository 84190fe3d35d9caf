package tabs

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRelay(t *testing.T) *RelayServer {
	t.Helper()

	srv := NewRelayServer("127.0.0.1:0", testLogger(t))
	require.NoError(t, srv.Start())
	t.Cleanup(func() { _ = srv.Stop() })

	return srv
}

func dialBus(t *testing.T, srv *RelayServer) *RelayBus {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	bus, err := DialRelay(ctx, "ws://"+srv.Addr()+"/ws", testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

// inbox collects messages from a bus subscription.
type inbox struct {
	mu   sync.Mutex
	msgs []Message
}

func (in *inbox) add(msg Message) {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.msgs = append(in.msgs, msg)
}

func (in *inbox) count() int {
	in.mu.Lock()
	defer in.mu.Unlock()

	return len(in.msgs)
}

func (in *inbox) first() Message {
	in.mu.Lock()
	defer in.mu.Unlock()

	return in.msgs[0]
}

func TestRelay_DeliversToAllTabs(t *testing.T) {
	t.Parallel()

	srv := startRelay(t)

	sender := dialBus(t, srv)
	receiver := dialBus(t, srv)

	require.Eventually(t, func() bool { return srv.ClientCount() == 2 },
		5*time.Second, 10*time.Millisecond)

	var senderIn, receiverIn inbox

	sender.Subscribe(senderIn.add)
	receiver.Subscribe(receiverIn.add)

	sent := Message{
		Type:      MsgHeartbeat,
		TabID:     "tab-1",
		SessionID: "sess-1",
		Timestamp: time.Now().UTC().Truncate(time.Millisecond),
	}
	require.NoError(t, sender.Publish(sent))

	require.Eventually(t, func() bool { return receiverIn.count() == 1 },
		5*time.Second, 10*time.Millisecond)

	got := receiverIn.first()
	assert.Equal(t, sent.Type, got.Type)
	assert.Equal(t, sent.TabID, got.TabID)
	assert.True(t, sent.Timestamp.Equal(got.Timestamp))

	// The relay echoes to the sender too; the coordinator filters by
	// tab ID, the bus does not.
	require.Eventually(t, func() bool { return senderIn.count() == 1 },
		5*time.Second, 10*time.Millisecond)
}

func TestRelay_DisconnectDropsClient(t *testing.T) {
	t.Parallel()

	srv := startRelay(t)

	bus := dialBus(t, srv)
	dialBus(t, srv)

	require.Eventually(t, func() bool { return srv.ClientCount() == 2 },
		5*time.Second, 10*time.Millisecond)

	require.NoError(t, bus.Close())

	require.Eventually(t, func() bool { return srv.ClientCount() == 1 },
		5*time.Second, 10*time.Millisecond)
}

func TestCoordinatorsOverRelay_ElectOnePrimary(t *testing.T) {
	t.Parallel()

	srv := startRelay(t)

	busA := dialBus(t, srv)
	busB := dialBus(t, srv)

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := NewCoordinator(busA, nil, nil, "sess-1", testLogger(t), Options{HeartbeatInterval: time.Hour})
	a.nowFunc = func() time.Time { return base }
	a.Start(ctx)

	b := NewCoordinator(busB, nil, nil, "sess-1", testLogger(t), Options{HeartbeatInterval: time.Hour})
	b.nowFunc = func() time.Time { return base.Add(time.Second) }
	b.Start(ctx)

	require.Eventually(t, func() bool {
		return a.Primary() == a.TabID() && b.Primary() == a.TabID()
	}, 5*time.Second, 10*time.Millisecond, "both tabs converge on the elder tab")

	assert.True(t, a.IsPrimary())
	assert.False(t, b.IsPrimary())
}
