package gateway

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Conn 게이트웨이가 사용하는 전송 계층 연결 (Fiber websocket.Conn 충족)
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// 연결 상태
const (
	stateConnecting int32 = iota
	stateJoined
	stateDisconnected
)

// Client room에 접속한 연결 하나
type Client struct {
	ID       string
	Identity Identity
	JoinedAt time.Time

	conn   Conn
	log    *logrus.Entry
	cursor *rate.Limiter

	state    atomic.Int32
	lastSeen atomic.Int64 // unix nano

	sendMu sync.Mutex
	send   chan []byte
	closed bool

	stopHeartbeat chan struct{}
	stopOnce      sync.Once
	closeOnce     sync.Once
	pumpDone      chan struct{}
}

func newClient(conn Conn, id Identity, opts Options, log *logrus.Entry, now time.Time) *Client {
	c := &Client{
		ID:            uuid.NewString(),
		Identity:      id,
		JoinedAt:      now,
		conn:          conn,
		send:          make(chan []byte, opts.SendBuffer),
		stopHeartbeat: make(chan struct{}),
		pumpDone:      make(chan struct{}),
	}
	if opts.CursorRate > 0 {
		c.cursor = rate.NewLimiter(rate.Limit(opts.CursorRate), max(opts.CursorBurst, 1))
	}
	c.log = log.WithFields(logrus.Fields{
		"conn_id": c.ID,
		"room_id": id.RoomID,
		"user_id": id.UserID,
	})
	c.lastSeen.Store(now.UnixNano())
	return c
}

// enqueue 송신 큐에 넣는다. 큐가 가득 차면 false.
func (c *Client) enqueue(msg []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return true
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// closeSend 송신 큐를 닫아 writePump를 종료시킨다.
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// kill 전송 계층 연결을 끊는다. 읽기 루프가 에러로 빠져나오면서 leave가 실행된다.
func (c *Client) kill() {
	c.closeOnce.Do(func() {
		_ = c.conn.Close()
	})
}

func (c *Client) touch(now time.Time) {
	c.lastSeen.Store(now.UnixNano())
}

// LastSeen 마지막 pong 시각
func (c *Client) LastSeen() time.Time {
	return time.Unix(0, c.lastSeen.Load())
}

func (c *Client) allowCursor() bool {
	return c.cursor == nil || c.cursor.Allow()
}

// writePump 송신 큐를 순서대로 소켓에 쓴다. 연결당 writer는 이 고루틴 하나뿐이다.
func (c *Client) writePump(writeTimeout time.Duration) {
	defer close(c.pumpDone)
	defer c.kill()

	for msg := range c.send {
		if writeTimeout > 0 {
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		}
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.log.WithError(err).Debug("write failed, closing connection")
			c.kill()
			// 남은 메시지는 버리고 큐가 닫힐 때까지 비운다
			for range c.send {
			}
			return
		}
	}
}

// heartbeat interval마다 ping을 보낸다. stopHeartbeat가 닫히면 즉시 종료.
func (c *Client) heartbeat(interval, timeout time.Duration, now func() time.Time, onPing func(*Client)) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopHeartbeat:
			return
		case <-ticker.C:
			// stop과 tick이 동시에 준비된 경우 stop 우선
			select {
			case <-c.stopHeartbeat:
				return
			default:
			}
			t := now()
			if timeout > 0 && t.Sub(c.LastSeen()) > timeout {
				c.log.Info("heartbeat timeout, closing connection")
				c.kill()
				return
			}
			onPing(c)
		}
	}
}

func (c *Client) stopHeartbeatOnce() {
	c.stopOnce.Do(func() { close(c.stopHeartbeat) })
}
