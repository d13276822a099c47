package eventbus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/nullboard/pluginsup/internal/protocol"
)

func setupTestBus(t *testing.T) (*Bus, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	bus, err := New(Options{
		URL:            fmt.Sprintf("redis://%s", mr.Addr()),
		ConnectTimeout: 5 * time.Second,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = bus.Close()
		mr.Close()
	})

	return bus, mr
}

func TestBusPublish(t *testing.T) {
	bus, mr := setupTestBus(t)

	sub := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer sub.Close()
	pubsub := sub.Subscribe(context.Background(), "pluginsup:events:7")
	defer pubsub.Close()
	_, err := pubsub.Receive(context.Background())
	require.NoError(t, err)

	err = bus.Publish(context.Background(), protocol.Message{
		InstanceID: 7,
		Event:      "run_finished",
	})
	require.NoError(t, err)

	select {
	case msg := <-pubsub.Channel():
		require.Contains(t, msg.Payload, "run_finished")
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published event")
	}
}

func TestBusDefaultsChannelPrefix(t *testing.T) {
	bus := NewWithClient(nil, "")
	require.Equal(t, "pluginsup:events:", bus.channelPrefix)
}
