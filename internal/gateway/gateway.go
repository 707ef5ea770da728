package gateway

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"boardsync/internal/board"
	"boardsync/internal/boardsync"
	"boardsync/internal/config"
	"boardsync/internal/metrics"
	"boardsync/internal/relay"
)

// Syncer 보드 조회/저장 (boardsync.Service 충족)
type Syncer interface {
	Fetch(ctx context.Context, roomID string) ([]json.RawMessage, error)
	ApplyUpdates(ctx context.Context, roomID string, records []board.Record) (boardsync.UpdateResult, error)
	DeleteRecords(ctx context.Context, roomID string, ids []string) (boardsync.DeleteResult, error)
	Limits() board.Limits
}

// Relay 다른 인스턴스로 이벤트 전달
type Relay interface {
	Publish(msg relay.Message) bool
}

// Presence 접속자 기록
type Presence interface {
	Join(ctx context.Context, roomID, connID, userID, userName string) error
	Touch(ctx context.Context, roomID, connID string) error
	Leave(ctx context.Context, roomID, connID string) error
}

// Options 게이트웨이 동작 설정
type Options struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration
	SendBuffer        int
	PersistMode       string
	DebounceWindow    time.Duration
	PersistTimeout    time.Duration
	CursorRate        float64
	CursorBurst       int
}

// NewOptions 설정 파일 값으로 Options 구성
func NewOptions(cfg *config.Config) Options {
	return Options{
		HeartbeatInterval: cfg.Board.HeartbeatInterval,
		HeartbeatTimeout:  cfg.Board.HeartbeatTimeout,
		WriteTimeout:      cfg.WebSocket.WriteTimeout,
		SendBuffer:        cfg.WebSocket.SendBuffer,
		PersistMode:       cfg.Board.PersistMode,
		DebounceWindow:    cfg.Board.DebounceWindow,
		PersistTimeout:    cfg.Board.PersistTimeout,
		CursorRate:        cfg.Board.CursorRate,
		CursorBurst:       cfg.Board.CursorBurst,
	}
}

// Option 선택적 의존성 주입
type Option func(*Gateway)

// WithRelay 멀티 인스턴스 fan-out 사용
func WithRelay(r Relay) Option { return func(g *Gateway) { g.relay = r } }

// WithPresence 접속자 기록 사용
func WithPresence(p Presence) Option { return func(g *Gateway) { g.presence = p } }

// WithMetrics Prometheus 지표 기록
func WithMetrics(m *metrics.Metrics) Option { return func(g *Gateway) { g.metrics = m } }

// WithClock 테스트용 시계
func WithClock(now func() time.Time) Option { return func(g *Gateway) { g.now = now } }

// room 한 보드에 접속한 로컬 클라이언트 집합
type room struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// MemberInfo 로컬 접속자 요약
type MemberInfo struct {
	ConnID   string    `json:"connId"`
	UserID   string    `json:"userId"`
	UserName string    `json:"userName"`
	JoinedAt time.Time `json:"joinedAt"`
	LastSeen time.Time `json:"lastSeen"`
}

// =============================================================================
// Gateway - 실시간 보드 동기화 허브
// =============================================================================

// Gateway room 멤버십, 브로드캐스트, heartbeat, 비동기 저장을 담당한다.
// 모든 상태는 인스턴스가 소유하며 전역 변수를 쓰지 않는다.
type Gateway struct {
	syncer    Syncer
	persister Persister
	relay     Relay
	presence  Presence
	metrics   *metrics.Metrics
	log       *logrus.Entry
	opts      Options
	now       func() time.Time

	rooms  *xsync.MapOf[string, *room]
	closed atomic.Bool
}

// New 생성자
func New(s Syncer, log *logrus.Entry, opts Options, options ...Option) *Gateway {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 256
	}
	g := &Gateway{
		syncer: s,
		log:    log.WithField("component", "gateway"),
		opts:   opts,
		now:    time.Now,
		rooms:  xsync.NewMapOf[string, *room](),
	}
	for _, o := range options {
		o(g)
	}

	persistLog := g.log.WithField("persist_mode", opts.PersistMode)
	if opts.PersistMode == config.PersistDebounce {
		g.persister = newDebouncePersister(s, persistLog, g.metrics, opts.PersistTimeout, opts.DebounceWindow)
	} else {
		g.persister = newImmediatePersister(s, persistLog, g.metrics, opts.PersistTimeout)
	}
	return g
}

// Serve 연결 하나를 처리한다. 연결이 끊길 때까지 블록된다.
func (g *Gateway) Serve(ctx context.Context, conn Conn, id Identity) error {
	if g.closed.Load() {
		_ = conn.Close()
		return ErrClosed
	}
	if err := id.Validate(); err != nil {
		g.log.WithFields(logrus.Fields{"room_id": id.RoomID, "user_id": id.UserID}).
			Warn("connection rejected: missing roomId or userId")
		_ = conn.Close()
		return err
	}
	id.UserName = id.DisplayName()

	c := newClient(conn, id, g.opts, g.log, g.now())
	go c.writePump(g.opts.WriteTimeout)

	g.join(ctx, c)
	defer func() {
		g.leave(c)
		// 핸들러가 끝나면 연결이 반환되므로 writer가 멈출 때까지 기다린다
		<-c.pumpDone
	}()

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			c.log.WithError(err).Debug("read loop finished")
			return nil
		}
		g.handle(ctx, c, msg)
	}
}

func (g *Gateway) join(ctx context.Context, c *Client) {
	roomID := c.Identity.RoomID
	g.rooms.Compute(roomID, func(r *room, loaded bool) (*room, bool) {
		if !loaded {
			r = &room{clients: make(map[string]*Client)}
		}
		r.mu.Lock()
		r.clients[c.ID] = c
		r.mu.Unlock()
		return r, false
	})
	c.state.Store(stateJoined)

	g.metrics.ConnOpened()
	g.metrics.SetRooms(g.rooms.Size())
	c.log.WithField("user_name", c.Identity.UserName).Info("user joined room")

	if g.presence != nil {
		if err := g.presence.Join(ctx, roomID, c.ID, c.Identity.UserID, c.Identity.UserName); err != nil {
			c.log.WithError(err).Warn("presence join failed")
		}
	}

	g.sendInit(ctx, c)

	go c.heartbeat(g.opts.HeartbeatInterval, g.opts.HeartbeatTimeout, g.now, g.ping)
}

func (g *Gateway) leave(c *Client) {
	// heartbeat 정리는 조건 없이 가장 먼저
	c.stopHeartbeatOnce()
	c.state.Store(stateDisconnected)

	roomID := c.Identity.RoomID
	g.rooms.Compute(roomID, func(r *room, loaded bool) (*room, bool) {
		if !loaded {
			return nil, true
		}
		r.mu.Lock()
		delete(r.clients, c.ID)
		empty := len(r.clients) == 0
		r.mu.Unlock()
		return r, empty
	})
	c.closeSend()

	g.metrics.ConnClosed()
	g.metrics.SetRooms(g.rooms.Size())

	if data, err := json.Marshal(c.Identity.UserID); err == nil {
		g.fanOut(roomID, c.ID, EventUserLeft, data, true)
	}

	if g.presence != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := g.presence.Leave(ctx, roomID, c.ID); err != nil {
			c.log.WithError(err).Warn("presence leave failed")
		}
		cancel()
	}
	c.log.Info("user left room")
}

// sendInit 요청한 클라이언트에게만 현재 보드 전체를 보낸다. 조회 실패 시 빈 배열.
func (g *Gateway) sendInit(ctx context.Context, c *Client) {
	fetchCtx, cancel := g.withTimeout(ctx)
	defer cancel()

	records, err := g.syncer.Fetch(fetchCtx, c.Identity.RoomID)
	if err != nil {
		c.log.WithError(err).Error("failed to load board")
		records = nil
	}
	if records == nil {
		records = []json.RawMessage{}
	}

	msg, err := Encode(EventInit, records)
	if err != nil {
		c.log.WithError(err).Error("failed to encode board snapshot")
		return
	}
	if !c.enqueue(msg) {
		g.dropSlow(c, EventInit)
		return
	}
	c.log.WithField("records", len(records)).Debug("board snapshot sent")
}

func (g *Gateway) ping(c *Client) {
	msg, err := Encode(EventPing, PingPayload{Timestamp: nowMillis(g.now())})
	if err != nil {
		return
	}
	if !c.enqueue(msg) {
		g.metrics.Dropped(EventPing, "backpressure")
	}
}

func (g *Gateway) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if g.opts.PersistTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, g.opts.PersistTimeout)
}

// =============================================================================
// Event handlers
// =============================================================================

func (g *Gateway) handle(ctx context.Context, c *Client, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
		c.log.Debug("ignoring malformed message")
		g.metrics.Dropped("unknown", "malformed")
		return
	}
	g.metrics.Event(env.Event)

	switch env.Event {
	case EventUpdate:
		g.onUpdate(c, env.Data)
	case EventDelete:
		g.onDelete(c, env.Data)
	case EventCursor:
		g.onCursor(c, env.Data)
	case EventGetBoard:
		g.sendInit(ctx, c)
	case EventPong:
		g.onPong(ctx, c)
	default:
		c.log.WithField("event", env.Event).Debug("ignoring unknown event")
	}
}

// onUpdate 다른 멤버에게 먼저 브로드캐스트하고 저장은 비동기로 넘긴다.
func (g *Gateway) onUpdate(c *Client, payload json.RawMessage) {
	records, dropped := board.NormalizeRecords(payload, g.syncer.Limits())
	if dropped > 0 {
		c.log.WithField("dropped", dropped).Warn("update: dropped invalid records")
		g.metrics.Dropped(EventUpdate, "invalid_record")
	}
	if len(records) == 0 {
		return
	}

	data, err := json.Marshal(board.RecordsRaw(records))
	if err != nil {
		c.log.WithError(err).Error("failed to encode update")
		return
	}

	roomID := c.Identity.RoomID
	g.fanOut(roomID, c.ID, EventUpdate, data, true)
	g.persister.Update(roomID, records)
	c.log.WithField("records", len(records)).Debug("update broadcast")
}

func (g *Gateway) onDelete(c *Client, payload json.RawMessage) {
	ids := board.NormalizeIDs(payload)
	if len(ids) == 0 {
		return
	}

	data, err := json.Marshal(ids)
	if err != nil {
		return
	}

	roomID := c.Identity.RoomID
	g.fanOut(roomID, c.ID, EventDelete, data, true)
	g.persister.Delete(roomID, ids)
	c.log.WithField("records", len(ids)).Debug("delete broadcast")
}

func (g *Gateway) onCursor(c *Client, payload json.RawMessage) {
	var in CursorIn
	if err := json.Unmarshal(payload, &in); err != nil || in.X == nil || in.Y == nil {
		return
	}
	if !c.allowCursor() {
		g.metrics.Dropped(EventCursor, "rate_limited")
		return
	}

	name := in.UserName
	if name == "" {
		name = c.Identity.UserName
	}
	data, err := json.Marshal(CursorOut{
		UserID:   c.Identity.UserID,
		UserName: name,
		X:        *in.X,
		Y:        *in.Y,
	})
	if err != nil {
		return
	}
	g.fanOut(c.Identity.RoomID, c.ID, EventCursor, data, false)
}

func (g *Gateway) onPong(ctx context.Context, c *Client) {
	c.touch(g.now())
	if g.presence != nil {
		if err := g.presence.Touch(ctx, c.Identity.RoomID, c.ID); err != nil {
			c.log.WithError(err).Debug("presence touch failed")
		}
	}
}

// =============================================================================
// Fan-out
// =============================================================================

// fanOut 로컬 멤버(except 제외)에게 보내고 relay로 다른 인스턴스에 전달한다.
func (g *Gateway) fanOut(roomID, except, event string, data json.RawMessage, reliable bool) {
	msg, err := Encode(event, data)
	if err != nil {
		g.log.WithError(err).WithField("event", event).Error("failed to encode broadcast")
		return
	}
	g.broadcast(roomID, except, event, msg, reliable)

	if g.relay != nil {
		g.relay.Publish(relay.Message{Room: roomID, Event: event, Data: data})
	}
}

// broadcast 신뢰성 이벤트의 큐가 가득 찬 느린 클라이언트는 연결을 끊는다 (재접속 시 init으로 복구).
// 휘발성 이벤트는 버린다.
func (g *Gateway) broadcast(roomID, except, event string, msg []byte, reliable bool) {
	for _, c := range g.members(roomID, except) {
		if c.enqueue(msg) {
			continue
		}
		if reliable {
			g.dropSlow(c, event)
		} else {
			g.metrics.Dropped(event, "backpressure")
		}
	}
}

func (g *Gateway) dropSlow(c *Client, event string) {
	c.log.WithField("event", event).Warn("send queue full, disconnecting slow client")
	g.metrics.Dropped(event, "slow_consumer")
	c.kill()
}

func (g *Gateway) members(roomID, except string) []*Client {
	r, ok := g.rooms.Load(roomID)
	if !ok {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Client, 0, len(r.clients))
	for id, c := range r.clients {
		if id == except || c.state.Load() != stateJoined {
			continue
		}
		out = append(out, c)
	}
	return out
}

// Deliver 다른 인스턴스에서 온 이벤트를 이 인스턴스의 room 멤버 전원에게 전달한다.
func (g *Gateway) Deliver(msg relay.Message) {
	encoded, err := Encode(msg.Event, msg.Data)
	if err != nil {
		return
	}
	reliable := msg.Event != EventCursor
	g.broadcast(msg.Room, "", msg.Event, encoded, reliable)
}

// =============================================================================
// Introspection / lifecycle
// =============================================================================

// RoomCount 활성 room 수
func (g *Gateway) RoomCount() int {
	return g.rooms.Size()
}

// Members 이 인스턴스에 접속한 room 멤버
func (g *Gateway) Members(roomID string) []MemberInfo {
	clients := g.members(roomID, "")
	out := make([]MemberInfo, 0, len(clients))
	for _, c := range clients {
		out = append(out, MemberInfo{
			ConnID:   c.ID,
			UserID:   c.Identity.UserID,
			UserName: c.Identity.UserName,
			JoinedAt: c.JoinedAt,
			LastSeen: c.LastSeen(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JoinedAt.Before(out[j].JoinedAt) })
	return out
}

// Forget 보드 삭제 시 호출. room의 로컬 연결을 모두 끊고 읽기 루프가 끝나기를 기다린 뒤
// 대기 중인 저장을 버린다. 반환 후에는 이 인스턴스에서 해당 room으로의 쓰기가 일어나지 않는다.
func (g *Gateway) Forget(ctx context.Context, roomID string) (int, error) {
	var clients []*Client
	if r, ok := g.rooms.Load(roomID); ok {
		// 입장 직후(connecting)인 연결도 포함
		r.mu.RLock()
		for _, c := range r.clients {
			clients = append(clients, c)
		}
		r.mu.RUnlock()
	}

	for _, c := range clients {
		c.kill()
	}
	for _, c := range clients {
		select {
		case <-c.pumpDone:
		case <-ctx.Done():
			return len(clients), ctx.Err()
		}
	}

	if err := g.persister.Drop(ctx, roomID); err != nil {
		return len(clients), err
	}
	g.log.WithFields(logrus.Fields{"room_id": roomID, "connections": len(clients)}).Info("room forgotten")
	return len(clients), nil
}

// Shutdown 새 연결을 거부하고 모든 연결을 끊은 뒤 대기 중인 저장 작업을 마친다.
func (g *Gateway) Shutdown(ctx context.Context) error {
	if !g.closed.CompareAndSwap(false, true) {
		return nil
	}

	n := 0
	g.rooms.Range(func(_ string, r *room) bool {
		r.mu.RLock()
		for _, c := range r.clients {
			c.kill()
			n++
		}
		r.mu.RUnlock()
		return true
	})
	g.log.WithField("connections", n).Info("gateway shutting down")

	return g.persister.Close(ctx)
}
