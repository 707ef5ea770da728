package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// 이벤트 이름
const (
	EventInit     = "init"
	EventGetBoard = "get-board"
	EventUpdate   = "update"
	EventDelete   = "delete"
	EventCursor   = "cursor"
	EventUserLeft = "user-left"
	EventPing     = "ping"
	EventPong     = "pong"
)

var (
	ErrMissingIdentity = errors.New("roomId and userId are required")
	ErrClosed          = errors.New("gateway is shut down")
)

// Envelope 와이어 메시지 {"event": ..., "data": ...}
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Encode 이벤트를 와이어 포맷으로 직렬화
func Encode(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", event, err)
		}
		raw = b
	}
	return json.Marshal(Envelope{Event: event, Data: raw})
}

// PingPayload heartbeat 페이로드
type PingPayload struct {
	Timestamp int64 `json:"timestamp"`
}

// CursorIn 클라이언트가 보내는 커서 위치
type CursorIn struct {
	X        *float64 `json:"x"`
	Y        *float64 `json:"y"`
	UserName string   `json:"userName,omitempty"`
}

// CursorOut 브로드캐스트되는 커서 위치
type CursorOut struct {
	UserID   string  `json:"userId"`
	UserName string  `json:"userName"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
}

// =============================================================================
// Identity - 핸드셰이크 쿼리로 받는 접속 정보
// =============================================================================

// Identity 접속 식별 정보
type Identity struct {
	RoomID   string `validate:"required,max=128"`
	UserID   string `validate:"required,max=128"`
	UserName string `validate:"max=128"`
}

var validate = validator.New()

// Validate roomId/userId 필수 검증
func (i Identity) Validate() error {
	if err := validate.Struct(i); err != nil {
		return fmt.Errorf("%w: %v", ErrMissingIdentity, err)
	}
	return nil
}

// DisplayName userName이 없으면 Anonymous
func (i Identity) DisplayName() string {
	if i.UserName == "" {
		return "Anonymous"
	}
	return i.UserName
}

func nowMillis(now time.Time) int64 {
	return now.UnixMilli()
}
