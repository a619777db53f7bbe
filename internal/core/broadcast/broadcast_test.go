package broadcast_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentrycore/vms-core/internal/core/analyzer"
	"github.com/sentrycore/vms-core/internal/core/broadcast"
	"github.com/sentrycore/vms-core/internal/core/kvstore"
)

func newTestStore(t *testing.T) (kvstore.Store, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return kvstore.New(rdb), mr
}

func testEnvelope() analyzer.EventEnvelope {
	return analyzer.EventEnvelope{
		Type: "event",
		Data: analyzer.EventPayload{EventID: 1, BatchID: "b1", CameraID: "cam-1", RiskScore: 70, RiskLevel: "high"},
	}
}

func TestBroadcastEvent_PublishesToRedisChannel(t *testing.T) {
	store, _ := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := store.Subscribe(ctx, broadcast.Channel)
	defer sub.Close()
	time.Sleep(20 * time.Millisecond) // let the subscription register with miniredis

	p := broadcast.New(store)
	require.NoError(t, p.BroadcastEvent(context.Background(), testEnvelope()))

	select {
	case msg := <-sub.Channel():
		var env analyzer.EventEnvelope
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &env))
		assert.Equal(t, "event", env.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for broadcast message")
	}
}

func TestBroadcastEvent_WithoutNATSOptionStillPublishes(t *testing.T) {
	store, _ := newTestStore(t)
	p := broadcast.New(store)
	assert.NoError(t, p.BroadcastEvent(context.Background(), testEnvelope()))
}
