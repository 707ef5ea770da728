package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardsync/internal/board"
	"boardsync/internal/boardsync"
	"boardsync/internal/config"
	"boardsync/internal/relay"
	"boardsync/internal/repository"
)

// =============================================================================
// fakes
// =============================================================================

type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once
	gate   chan struct{} // nil이 아니면 WriteMessage가 gate가 열릴 때까지 블록

	mu  sync.Mutex
	out []Envelope
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 64), closed: make(chan struct{})}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case <-f.closed:
		return 0, nil, io.EOF
	case m := <-f.in:
		return websocket.TextMessage, m, nil
	}
}

func (f *fakeConn) WriteMessage(_ int, data []byte) error {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-f.closed:
			return io.ErrClosedPipe
		}
	}
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	f.mu.Lock()
	f.out = append(f.out, env)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) Close() error {
	f.once.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) isClosed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

func (f *fakeConn) send(t *testing.T, event string, data any) {
	t.Helper()
	msg, err := Encode(event, data)
	require.NoError(t, err)
	f.in <- msg
}

func (f *fakeConn) events(event string) []Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []Envelope
	for _, e := range f.out {
		if e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type updateCall struct {
	room    string
	records []board.Record
}

type deleteCall struct {
	room string
	ids  []string
}

type fakeSyncer struct {
	mu       sync.Mutex
	snapshot []json.RawMessage
	fetchErr error
	updates  []updateCall
	deletes  []deleteCall

	entered chan struct{} // nil이 아니면 ApplyUpdates 진입을 알린다
	gate    chan struct{} // nil이 아니면 ApplyUpdates가 gate가 열릴 때까지 블록
}

func (s *fakeSyncer) Fetch(_ context.Context, _ string) ([]json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fetchErr != nil {
		return nil, s.fetchErr
	}
	return s.snapshot, nil
}

func (s *fakeSyncer) ApplyUpdates(_ context.Context, roomID string, records []board.Record) (boardsync.UpdateResult, error) {
	if s.entered != nil {
		select {
		case s.entered <- struct{}{}:
		default:
		}
	}
	if s.gate != nil {
		<-s.gate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, updateCall{room: roomID, records: records})
	return boardsync.UpdateResult{Updated: len(records)}, nil
}

func (s *fakeSyncer) DeleteRecords(_ context.Context, roomID string, ids []string) (boardsync.DeleteResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deletes = append(s.deletes, deleteCall{room: roomID, ids: ids})
	return boardsync.DeleteResult{Deleted: int64(len(ids))}, nil
}

func (s *fakeSyncer) Limits() board.Limits { return board.DefaultLimits }

func (s *fakeSyncer) updateCalls() []updateCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]updateCall(nil), s.updates...)
}

func (s *fakeSyncer) deleteCalls() []deleteCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]deleteCall(nil), s.deletes...)
}

type fakeRelay struct {
	mu   sync.Mutex
	msgs []relay.Message
}

func (r *fakeRelay) Publish(msg relay.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return true
}

func (r *fakeRelay) published() []relay.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]relay.Message(nil), r.msgs...)
}

// =============================================================================
// helpers
// =============================================================================

func testOptions() Options {
	return Options{
		HeartbeatInterval: time.Hour,
		SendBuffer:        32,
		PersistMode:       config.PersistImmediate,
		PersistTimeout:    time.Second,
	}
}

func newTestGateway(t *testing.T, s Syncer, opts Options, options ...Option) *Gateway {
	t.Helper()
	logger, _ := test.NewNullLogger()
	g := New(s, logrus.NewEntry(logger), opts, options...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = g.Shutdown(ctx)
	})
	return g
}

type session struct {
	conn *fakeConn
	done chan error
}

// connect 접속 후 init을 받을 때까지 기다린다
func connect(t *testing.T, g *Gateway, roomID, userID, userName string) *session {
	t.Helper()
	conn := newFakeConn()
	done := make(chan error, 1)
	go func() {
		done <- g.Serve(context.Background(), conn, Identity{RoomID: roomID, UserID: userID, UserName: userName})
	}()
	require.Eventually(t, func() bool { return len(conn.events(EventInit)) == 1 },
		time.Second, 5*time.Millisecond, "init not received")
	return &session{conn: conn, done: done}
}

func (s *session) disconnect(t *testing.T) {
	t.Helper()
	_ = s.conn.Close()
	select {
	case <-s.done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after close")
	}
}

func decodeRecords(t *testing.T, data json.RawMessage) []map[string]any {
	t.Helper()
	var out []map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

// =============================================================================
// tests
// =============================================================================

func TestServe_RejectsMissingIdentity(t *testing.T) {
	g := newTestGateway(t, &fakeSyncer{}, testOptions())

	conn := newFakeConn()
	err := g.Serve(context.Background(), conn, Identity{RoomID: "r1"})

	assert.ErrorIs(t, err, ErrMissingIdentity)
	assert.True(t, conn.isClosed())
	assert.Equal(t, 0, g.RoomCount())
}

func TestJoin_SendsCompleteSnapshot(t *testing.T) {
	s := &fakeSyncer{snapshot: []json.RawMessage{
		json.RawMessage(`{"id":"shape:1","typeName":"shape"}`),
		json.RawMessage(`{"id":"shape:2","typeName":"shape"}`),
		json.RawMessage(`{"id":"asset:1","typeName":"asset","props":{"src":"https://cdn/x.png"}}`),
	}}
	g := newTestGateway(t, s, testOptions())

	x := connect(t, g, "r1", "x", "X")

	inits := x.conn.events(EventInit)
	require.Len(t, inits, 1)
	records := decodeRecords(t, inits[0].Data)
	require.Len(t, records, 3)
	assert.Equal(t, "asset:1", records[2]["id"])
	assert.Equal(t, 1, g.RoomCount())
}

func TestJoin_FetchErrorSendsEmptyInit(t *testing.T) {
	g := newTestGateway(t, &fakeSyncer{fetchErr: errors.New("db down")}, testOptions())

	x := connect(t, g, "r1", "x", "X")

	inits := x.conn.events(EventInit)
	require.Len(t, inits, 1)
	assert.JSONEq(t, `[]`, string(inits[0].Data))
}

func TestUpdate_BroadcastsToOthersAndPersists(t *testing.T) {
	s := &fakeSyncer{}
	g := newTestGateway(t, s, testOptions())

	x := connect(t, g, "r1", "x", "X")
	y := connect(t, g, "r1", "y", "Y")
	z := connect(t, g, "r1", "z", "Z")
	other := connect(t, g, "r2", "w", "W")

	x.conn.send(t, EventUpdate, map[string]any{"id": "shape:1", "typeName": "shape", "x": 10})

	for _, peer := range []*session{y, z} {
		require.Eventually(t, func() bool { return len(peer.conn.events(EventUpdate)) == 1 },
			time.Second, 5*time.Millisecond)
		records := decodeRecords(t, peer.conn.events(EventUpdate)[0].Data)
		require.Len(t, records, 1)
		assert.Equal(t, "shape:1", records[0]["id"])
	}

	require.Eventually(t, func() bool { return len(s.updateCalls()) == 1 }, time.Second, 5*time.Millisecond)
	call := s.updateCalls()[0]
	assert.Equal(t, "r1", call.room)
	require.Len(t, call.records, 1)
	assert.Equal(t, "shape:1", call.records[0].ID)

	// 보낸 사람과 다른 room은 받지 않는다
	assert.Empty(t, x.conn.events(EventUpdate))
	assert.Empty(t, other.conn.events(EventUpdate))
}

func TestUpdate_FlattensAndFilters(t *testing.T) {
	s := &fakeSyncer{}
	g := newTestGateway(t, s, testOptions())

	x := connect(t, g, "r1", "x", "X")
	y := connect(t, g, "r1", "y", "Y")

	payload := json.RawMessage(`[[{"id":"a","typeName":"shape"},{"id":"b"}],[{"typeName":"shape"},{"id":"c","typeName":"shape"}]]`)
	x.conn.send(t, EventUpdate, payload)

	require.Eventually(t, func() bool { return len(y.conn.events(EventUpdate)) == 1 }, time.Second, 5*time.Millisecond)
	records := decodeRecords(t, y.conn.events(EventUpdate)[0].Data)
	require.Len(t, records, 2)
	assert.Equal(t, "a", records[0]["id"])
	assert.Equal(t, "c", records[1]["id"])
}

func TestUpdate_EmptyBatchIsNoop(t *testing.T) {
	s := &fakeSyncer{}
	g := newTestGateway(t, s, testOptions())

	x := connect(t, g, "r1", "x", "X")
	y := connect(t, g, "r1", "y", "Y")

	x.conn.send(t, EventUpdate, []map[string]any{{"id": "no-type"}})
	// 순서 보장을 위해 뒤에 정상 메시지를 하나 더 보낸다
	x.conn.send(t, EventCursor, map[string]any{"x": 1, "y": 1})

	require.Eventually(t, func() bool { return len(y.conn.events(EventCursor)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, y.conn.events(EventUpdate))
	assert.Empty(t, s.updateCalls())
}

func TestDelete_BroadcastsIDsAndPersists(t *testing.T) {
	s := &fakeSyncer{}
	g := newTestGateway(t, s, testOptions())

	x := connect(t, g, "r1", "x", "X")
	y := connect(t, g, "r1", "y", "Y")

	x.conn.send(t, EventDelete, "shape:1")

	require.Eventually(t, func() bool { return len(y.conn.events(EventDelete)) == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `["shape:1"]`, string(y.conn.events(EventDelete)[0].Data))

	require.Eventually(t, func() bool { return len(s.deleteCalls()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"shape:1"}, s.deleteCalls()[0].ids)
	assert.Empty(t, x.conn.events(EventDelete))
}

func TestCursor_PayloadCarriesIdentity(t *testing.T) {
	g := newTestGateway(t, &fakeSyncer{}, testOptions())

	x := connect(t, g, "r1", "x", "Xavier")
	y := connect(t, g, "r1", "y", "Y")

	x.conn.send(t, EventCursor, map[string]any{"x": 12.5, "y": -3})

	require.Eventually(t, func() bool { return len(y.conn.events(EventCursor)) == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"userId":"x","userName":"Xavier","x":12.5,"y":-3}`, string(y.conn.events(EventCursor)[0].Data))
	assert.Empty(t, x.conn.events(EventCursor))
}

func TestCursor_RateLimited(t *testing.T) {
	opts := testOptions()
	opts.CursorRate = 0.001
	opts.CursorBurst = 2
	g := newTestGateway(t, &fakeSyncer{}, opts)

	x := connect(t, g, "r1", "x", "X")
	y := connect(t, g, "r1", "y", "Y")

	for i := 0; i < 5; i++ {
		x.conn.send(t, EventCursor, map[string]any{"x": i, "y": i})
	}
	x.conn.send(t, EventDelete, "marker")

	require.Eventually(t, func() bool { return len(y.conn.events(EventDelete)) == 1 }, time.Second, 5*time.Millisecond)
	assert.Len(t, y.conn.events(EventCursor), 2)
}

func TestDisconnect_NotifiesRoom(t *testing.T) {
	g := newTestGateway(t, &fakeSyncer{}, testOptions())

	x := connect(t, g, "r1", "x", "X")
	y := connect(t, g, "r1", "y", "Y")

	x.disconnect(t)

	require.Eventually(t, func() bool { return len(y.conn.events(EventUserLeft)) == 1 }, time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `"x"`, string(y.conn.events(EventUserLeft)[0].Data))
	assert.Len(t, g.Members("r1"), 1)

	y.disconnect(t)
	assert.Equal(t, 0, g.RoomCount())
}

func TestHeartbeat_SendsPingWithTimestamp(t *testing.T) {
	opts := testOptions()
	opts.HeartbeatInterval = 10 * time.Millisecond
	clock := time.UnixMilli(1_700_000_000_123)
	g := newTestGateway(t, &fakeSyncer{}, opts, WithClock(func() time.Time { return clock }))

	x := connect(t, g, "r1", "x", "X")

	require.Eventually(t, func() bool { return len(x.conn.events(EventPing)) >= 2 }, time.Second, 5*time.Millisecond)
	var ping PingPayload
	require.NoError(t, json.Unmarshal(x.conn.events(EventPing)[0].Data, &ping))
	assert.Equal(t, int64(1_700_000_000_123), ping.Timestamp)
}

func TestHeartbeat_StopsOnLeave(t *testing.T) {
	logger, _ := test.NewNullLogger()
	c := newClient(newFakeConn(), Identity{RoomID: "r1", UserID: "x"}, Options{SendBuffer: 1}, logrus.NewEntry(logger), time.Now())

	var mu sync.Mutex
	pings := 0
	done := make(chan struct{})
	go func() {
		c.heartbeat(5*time.Millisecond, 0, time.Now, func(*Client) {
			mu.Lock()
			pings++
			mu.Unlock()
		})
		close(done)
	}()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return pings > 0
	}, time.Second, time.Millisecond)

	c.stopHeartbeatOnce()
	c.stopHeartbeatOnce()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("heartbeat goroutine did not stop")
	}

	mu.Lock()
	after := pings
	mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, after, pings)
}

func TestHeartbeat_TimeoutClosesConnection(t *testing.T) {
	opts := testOptions()
	opts.HeartbeatInterval = 10 * time.Millisecond
	opts.HeartbeatTimeout = 15 * time.Millisecond
	g := newTestGateway(t, &fakeSyncer{}, opts)

	x := connect(t, g, "r1", "x", "X")

	require.Eventually(t, x.conn.isClosed, time.Second, 5*time.Millisecond)
}

func TestGetBoard_OnlyRequesterReceives(t *testing.T) {
	s := &fakeSyncer{snapshot: []json.RawMessage{json.RawMessage(`{"id":"a","typeName":"shape"}`)}}
	g := newTestGateway(t, s, testOptions())

	x := connect(t, g, "r1", "x", "X")
	y := connect(t, g, "r1", "y", "Y")

	x.conn.send(t, EventGetBoard, map[string]any{"roomId": "r1"})

	require.Eventually(t, func() bool { return len(x.conn.events(EventInit)) == 2 }, time.Second, 5*time.Millisecond)
	assert.Len(t, y.conn.events(EventInit), 1)
}

func TestMalformedMessageIgnored(t *testing.T) {
	g := newTestGateway(t, &fakeSyncer{}, testOptions())

	x := connect(t, g, "r1", "x", "X")
	y := connect(t, g, "r1", "y", "Y")

	x.conn.in <- []byte("not json")
	x.conn.in <- []byte(`{"data":1}`)
	x.conn.send(t, "unknown-event", nil)
	x.conn.send(t, EventDelete, []string{"a"})

	require.Eventually(t, func() bool { return len(y.conn.events(EventDelete)) == 1 }, time.Second, 5*time.Millisecond)
	assert.False(t, x.conn.isClosed())
}

func TestPong_UpdatesLastSeen(t *testing.T) {
	var mu sync.Mutex
	clock := time.Unix(1_700_000_000, 0)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return clock
	}
	g := newTestGateway(t, &fakeSyncer{}, testOptions(), WithClock(now))

	x := connect(t, g, "r1", "x", "X")

	mu.Lock()
	clock = clock.Add(10 * time.Second)
	mu.Unlock()
	x.conn.send(t, EventPong, PingPayload{Timestamp: 1})

	require.Eventually(t, func() bool {
		members := g.Members("r1")
		return len(members) == 1 && members[0].LastSeen.Equal(now())
	}, time.Second, 5*time.Millisecond)
}

func TestSlowConsumerDisconnected(t *testing.T) {
	opts := testOptions()
	opts.SendBuffer = 1
	g := newTestGateway(t, &fakeSyncer{}, opts)

	x := connect(t, g, "r1", "x", "X")

	slow := newFakeConn()
	slow.gate = make(chan struct{})
	go func() {
		_ = g.Serve(context.Background(), slow, Identity{RoomID: "r1", UserID: "slow"})
	}()
	require.Eventually(t, func() bool { return len(g.Members("r1")) == 2 }, time.Second, 5*time.Millisecond)

	for i := 0; i < 3; i++ {
		x.conn.send(t, EventUpdate, map[string]any{"id": "shape:1", "typeName": "shape", "i": i})
	}

	require.Eventually(t, slow.isClosed, time.Second, 5*time.Millisecond)
	assert.False(t, x.conn.isClosed())
}

func TestRelay_PublishesAndDelivers(t *testing.T) {
	r := &fakeRelay{}
	g := newTestGateway(t, &fakeSyncer{}, testOptions(), WithRelay(r))

	x := connect(t, g, "r1", "x", "X")
	y := connect(t, g, "r1", "y", "Y")

	x.conn.send(t, EventDelete, "a")
	require.Eventually(t, func() bool { return len(r.published()) == 1 }, time.Second, 5*time.Millisecond)
	msg := r.published()[0]
	assert.Equal(t, "r1", msg.Room)
	assert.Equal(t, EventDelete, msg.Event)
	assert.JSONEq(t, `["a"]`, string(msg.Data))

	// 다른 인스턴스에서 온 이벤트는 로컬 멤버 전원에게 전달된다
	g.Deliver(relay.Message{Node: "node-b", Room: "r1", Event: EventUpdate, Data: json.RawMessage(`[{"id":"b","typeName":"shape"}]`)})

	for _, peer := range []*session{x, y} {
		require.Eventually(t, func() bool { return len(peer.conn.events(EventUpdate)) == 1 }, time.Second, 5*time.Millisecond)
	}
}

func TestDebounce_CollapsesBurstIntoOneWrite(t *testing.T) {
	opts := testOptions()
	opts.PersistMode = config.PersistDebounce
	opts.DebounceWindow = 50 * time.Millisecond
	s := &fakeSyncer{}
	g := newTestGateway(t, s, opts)

	x := connect(t, g, "r1", "x", "X")
	y := connect(t, g, "r1", "y", "Y")

	for i := 1; i <= 5; i++ {
		x.conn.send(t, EventUpdate, map[string]any{"id": "shape:1", "typeName": "shape", "v": i})
	}

	// 브로드캐스트는 디바운스와 무관하게 모두 전달된다
	require.Eventually(t, func() bool { return len(y.conn.events(EventUpdate)) == 5 }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return len(s.updateCalls()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)

	calls := s.updateCalls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].records, 1)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(calls[0].records[0].Raw(), &doc))
	assert.EqualValues(t, 5, doc["v"])
}

func TestDebounce_DeletePurgesPending(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := &fakeSyncer{}
	p := newDebouncePersister(s, logrus.NewEntry(logger), nil, time.Second, time.Hour)

	a, err := board.ParseRecord(json.RawMessage(`{"id":"a","typeName":"shape"}`), board.DefaultLimits)
	require.NoError(t, err)
	b, err := board.ParseRecord(json.RawMessage(`{"id":"b","typeName":"shape"}`), board.DefaultLimits)
	require.NoError(t, err)

	p.Update("r1", []board.Record{a, b})
	assert.Equal(t, 1, p.pendingRooms())

	p.Delete("r1", []string{"a"})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))

	calls := s.updateCalls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0].records, 1)
	assert.Equal(t, "b", calls[0].records[0].ID)
	require.Len(t, s.deleteCalls(), 1)
	assert.Equal(t, 0, p.pendingRooms())
}

func mustRecord(t *testing.T, doc string) board.Record {
	t.Helper()
	r, err := board.ParseRecord(json.RawMessage(doc), board.DefaultLimits)
	require.NoError(t, err)
	return r
}

func TestForget_DeletedBoardStaysDeleted(t *testing.T) {
	store := repository.NewMemoryRecordStore()
	logger, _ := test.NewNullLogger()
	svc := boardsync.NewService(store, nil, logrus.NewEntry(logger), boardsync.Options{Timeout: time.Second})

	opts := testOptions()
	opts.PersistMode = config.PersistDebounce
	opts.DebounceWindow = 50 * time.Millisecond
	g := newTestGateway(t, svc, opts)
	dp := g.persister.(*debouncePersister)

	x := connect(t, g, "r1", "x", "X")
	x.conn.send(t, EventUpdate, map[string]any{"id": "shape:1", "typeName": "shape"})
	require.Eventually(t, func() bool { return dp.pendingRooms() == 1 }, time.Second, 5*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	n, err := g.Forget(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 0, dp.pendingRooms())

	select {
	case <-x.done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after Forget")
	}

	_, err = svc.DeleteRoom(ctx, "r1")
	require.NoError(t, err)

	// 디바운스 창이 지나도 삭제된 보드가 다시 저장되지 않는다
	time.Sleep(3 * opts.DebounceWindow)
	rows, err := store.FindByRoom(context.Background(), "r1")
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestForget_WaitsForInflightWrite(t *testing.T) {
	s := &fakeSyncer{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	g := newTestGateway(t, s, testOptions())

	x := connect(t, g, "r1", "x", "X")
	x.conn.send(t, EventUpdate, map[string]any{"id": "shape:1", "typeName": "shape"})
	<-s.entered

	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := g.Forget(short, "r1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(s.gate)
	ctx, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	_, err = g.Forget(ctx, "r1")
	require.NoError(t, err)
	assert.Len(t, s.updateCalls(), 1)
}

func TestDebounce_DropPurgesPending(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := &fakeSyncer{}
	p := newDebouncePersister(s, logrus.NewEntry(logger), nil, time.Second, 50*time.Millisecond)

	p.Update("r1", []board.Record{mustRecord(t, `{"id":"a","typeName":"shape"}`)})
	p.Update("r2", []board.Record{mustRecord(t, `{"id":"b","typeName":"shape"}`)})
	require.Equal(t, 2, p.pendingRooms())

	require.NoError(t, p.Drop(context.Background(), "r1"))
	assert.Equal(t, 1, p.pendingRooms())

	// 다른 room의 대기열은 그대로 저장된다
	require.Eventually(t, func() bool { return len(s.updateCalls()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	calls := s.updateCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "r2", calls[0].room)
}

func TestDebounce_UpdateAfterCloseIsRefused(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := &fakeSyncer{}
	p := newDebouncePersister(s, logrus.NewEntry(logger), nil, time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, p.Close(ctx))

	p.Update("r1", []board.Record{mustRecord(t, `{"id":"a","typeName":"shape"}`)})
	p.Delete("r1", []string{"a"})
	assert.Equal(t, 0, p.pendingRooms())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, s.updateCalls())
	assert.Empty(t, s.deleteCalls())
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, "persister closed, dropping write", hook.LastEntry().Message)
}

func TestDebounce_CloseWaitsForRunningFlush(t *testing.T) {
	logger, _ := test.NewNullLogger()
	s := &fakeSyncer{entered: make(chan struct{}, 1), gate: make(chan struct{})}
	p := newDebouncePersister(s, logrus.NewEntry(logger), nil, time.Second, 5*time.Millisecond)

	p.Update("r1", []board.Record{mustRecord(t, `{"id":"a","typeName":"shape"}`)})
	<-s.entered

	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Close(short), context.DeadlineExceeded)

	close(s.gate)
	ctx, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	require.NoError(t, p.Close(ctx))
	assert.Len(t, s.updateCalls(), 1)
}

func TestShutdown_ClosesConnections(t *testing.T) {
	g := newTestGateway(t, &fakeSyncer{}, testOptions())

	x := connect(t, g, "r1", "x", "X")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, g.Shutdown(ctx))

	select {
	case <-x.done:
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after shutdown")
	}
	assert.ErrorIs(t, g.Serve(context.Background(), newFakeConn(), Identity{RoomID: "r1", UserID: "late"}), ErrClosed)
}
