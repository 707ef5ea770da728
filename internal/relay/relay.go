package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"boardsync/internal/metrics"
)

const channelPrefix = "board:room:"

// Message 인스턴스 간 전달되는 room 이벤트
type Message struct {
	Node  string          `json:"node"`
	Room  string          `json:"room"`
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Channel room의 pub/sub 채널 이름
func Channel(roomID string) string {
	return channelPrefix + roomID
}

// =============================================================================
// Relay - Redis pub/sub 기반 멀티 인스턴스 fan-out
// =============================================================================

// Relay 로컬 브로드캐스트를 다른 인스턴스로 전달하고, 다른 인스턴스의 이벤트를 받아온다.
// 발행은 단일 고루틴이 큐 순서대로 처리하므로 같은 노드에서 나간 이벤트 순서가 유지된다.
type Relay struct {
	rdb     *redis.Client
	node    string
	out     chan Message
	log     *logrus.Entry
	metrics *metrics.Metrics
}

// New 생성. buffer는 발행 대기 큐 크기.
func New(rdb *redis.Client, nodeID string, buffer int, log *logrus.Entry, m *metrics.Metrics) *Relay {
	if buffer <= 0 {
		buffer = 1024
	}
	return &Relay{
		rdb:     rdb,
		node:    nodeID,
		out:     make(chan Message, buffer),
		log:     log.WithField("component", "relay"),
		metrics: m,
	}
}

// NodeID 이 인스턴스 식별자
func (r *Relay) NodeID() string { return r.node }

// Publish 발행 큐에 넣는다. 큐가 가득 차면 버리고 false.
func (r *Relay) Publish(msg Message) bool {
	msg.Node = r.node
	select {
	case r.out <- msg:
		return true
	default:
		r.metrics.Dropped(msg.Event, "relay_backpressure")
		r.log.WithFields(logrus.Fields{"room_id": msg.Room, "event": msg.Event}).Warn("relay queue full, dropping message")
		return false
	}
}

// Run 구독을 시작하고 ctx가 끝날 때까지 수신/발행을 처리한다.
// 자기 노드에서 나간 메시지는 handler에 전달하지 않는다.
func (r *Relay) Run(ctx context.Context, handler func(Message)) error {
	pubsub := r.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer pubsub.Close()

	// 구독 확인
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("relay subscribe: %w", err)
	}

	go r.publishLoop(ctx)

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var msg Message
			if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
				r.log.WithError(err).WithField("channel", m.Channel).Warn("invalid relay payload")
				continue
			}
			if msg.Node == r.node {
				continue
			}
			if msg.Room == "" {
				msg.Room = strings.TrimPrefix(m.Channel, channelPrefix)
			}
			r.metrics.Relay("in")
			handler(msg)
		}
	}
}

func (r *Relay) publishLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.out:
			payload, err := json.Marshal(msg)
			if err != nil {
				r.log.WithError(err).Error("encode relay message")
				continue
			}
			if err := r.rdb.Publish(ctx, Channel(msg.Room), payload).Err(); err != nil {
				r.log.WithError(err).WithField("room_id", msg.Room).Warn("relay publish failed")
				continue
			}
			r.metrics.Relay("out")
		}
	}
}
