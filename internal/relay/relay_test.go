package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRelay(t *testing.T, mr *miniredis.Miniredis, node string) *Relay {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	logger, _ := test.NewNullLogger()
	return New(rdb, node, 16, logrus.NewEntry(logger), nil)
}

func run(t *testing.T, r *Relay) <-chan Message {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	got := make(chan Message, 16)
	ready := make(chan struct{})
	go func() {
		close(ready)
		_ = r.Run(ctx, func(m Message) { got <- m })
	}()
	<-ready
	return got
}

func waitSubscribed(t *testing.T, mr *miniredis.Miniredis, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return mr.PubSubNumPat() >= n
	}, 2*time.Second, 10*time.Millisecond)
}

func TestRelay_DeliversToOtherNode(t *testing.T) {
	mr := miniredis.RunT(t)

	a := newTestRelay(t, mr, "node-a")
	b := newTestRelay(t, mr, "node-b")

	gotA := run(t, a)
	gotB := run(t, b)
	waitSubscribed(t, mr, 2)

	data := json.RawMessage(`[{"id":"shape:1","typeName":"shape"}]`)
	require.True(t, a.Publish(Message{Room: "room-1", Event: "update", Data: data}))

	select {
	case m := <-gotB:
		assert.Equal(t, "node-a", m.Node)
		assert.Equal(t, "room-1", m.Room)
		assert.Equal(t, "update", m.Event)
		assert.JSONEq(t, string(data), string(m.Data))
	case <-time.After(2 * time.Second):
		t.Fatal("node-b did not receive relayed message")
	}

	// 자기 자신이 보낸 메시지는 받지 않는다
	select {
	case m := <-gotA:
		t.Fatalf("node-a received its own message: %+v", m)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestRelay_PublishDropsWhenQueueFull(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	logger, hook := test.NewNullLogger()
	r := New(rdb, "node-a", 1, logrus.NewEntry(logger), nil)

	// Run을 시작하지 않았으므로 큐가 비워지지 않는다
	assert.True(t, r.Publish(Message{Room: "r", Event: "cursor"}))
	assert.False(t, r.Publish(Message{Room: "r", Event: "cursor"}))
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.WarnLevel, hook.LastEntry().Level)
}

func TestChannel(t *testing.T) {
	assert.Equal(t, "board:room:abc", Channel("abc"))
}
