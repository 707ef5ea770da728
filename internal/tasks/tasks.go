package tasks

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
)

// 작업 타입 상수
const (
	TypeBoardTeardown = "board:teardown"    // 보드 전체 삭제 (레코드 + 에셋)
	TypeBoardPrune    = "board:prune"       // 참조되지 않는 에셋 정리
	TypePruneSweep    = "board:prune-sweep" // 모든 보드에 대해 board:prune 예약 (주기 작업)
)

// 큐 이름
const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

var ErrInvalidPayload = errors.New("invalid task payload")

// RoomPayload 보드 단위 작업 데이터
type RoomPayload struct {
	RoomID string `json:"roomId"`
}

// NewTeardownTask 보드 삭제 작업 생성
func NewTeardownTask(roomID string) (*asynq.Task, error) {
	return newRoomTask(TypeBoardTeardown, roomID)
}

// NewPruneTask 고아 에셋 정리 작업 생성
func NewPruneTask(roomID string) (*asynq.Task, error) {
	return newRoomTask(TypeBoardPrune, roomID)
}

// NewPruneSweepTask 주기 정리 작업 생성 (payload 없음)
func NewPruneSweepTask() *asynq.Task {
	return asynq.NewTask(TypePruneSweep, nil)
}

func newRoomTask(typename, roomID string) (*asynq.Task, error) {
	if roomID == "" {
		return nil, fmt.Errorf("%w: roomId is required", ErrInvalidPayload)
	}
	payload, err := json.Marshal(RoomPayload{RoomID: roomID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(typename, payload), nil
}

// ParseRoomPayload 작업 payload 파싱
func ParseRoomPayload(t *asynq.Task) (RoomPayload, error) {
	var p RoomPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if p.RoomID == "" {
		return p, fmt.Errorf("%w: roomId is required", ErrInvalidPayload)
	}
	return p, nil
}
