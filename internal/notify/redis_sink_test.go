package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"fieldsync/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisSink(t *testing.T) (*RedisSink, *redis.Client) {
	t.Helper()
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisSink(client, "fieldsync:notifications"), client
}

func TestRedisSink_Publish(t *testing.T) {
	sink, client := newRedisSink(t)
	ctx := context.Background()

	sub := client.Subscribe(ctx, "fieldsync:notifications")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, sink.Send(ctx, Notification{Kind: KindSyncCompleted, Title: "Sync complete"}))

	select {
	case msg := <-sub.Channel():
		var n Notification
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &n))
		assert.Equal(t, "Sync complete", n.Title)
	case <-time.After(2 * time.Second):
		t.Fatal("notification was not published")
	}
}

func TestRedisSink_HistoryIsCapped(t *testing.T) {
	sink, _ := newRedisSink(t)
	ctx := context.Background()

	for i := 0; i < models.NotificationHistorySize+5; i++ {
		require.NoError(t, sink.Send(ctx, Notification{Title: "n"}))
	}
	require.NoError(t, sink.Send(ctx, Notification{Title: "latest"}))

	history, err := sink.History(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, history, models.NotificationHistorySize)
	assert.Equal(t, "latest", history[0].Title)

	recent, err := sink.History(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestRedisSink_Unavailable(t *testing.T) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	defer client.Close()
	sink := NewRedisSink(client, "ch")
	s.Close()

	assert.Error(t, sink.Send(context.Background(), Notification{Title: "x"}))
}
