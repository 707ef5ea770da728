package tasks

import (
	"context"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
)

// Job 예약(또는 즉시 실행)된 작업 결과
type Job struct {
	Type         string `json:"type"`
	RoomID       string `json:"roomId"`
	TaskID       string `json:"taskId,omitempty"`
	Queue        string `json:"queue,omitempty"`
	Inline       bool   `json:"inline"`
	Deleted      int64  `json:"deleted,omitempty"`
	DeletedFiles int    `json:"deletedFiles,omitempty"`
}

// Enqueuer asynq.Client가 충족하는 예약 인터페이스
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Queue asynq 기반 보드 작업 큐
type Queue struct {
	client Enqueuer
	log    *logrus.Entry
}

// NewQueue 생성자
func NewQueue(client Enqueuer, log *logrus.Entry) *Queue {
	return &Queue{client: client, log: log.WithField("component", "task_queue")}
}

// Teardown 보드 삭제 예약. 같은 보드에 대한 중복 요청은 1분 동안 하나로 합쳐진다.
func (q *Queue) Teardown(ctx context.Context, roomID string) (Job, error) {
	task, err := NewTeardownTask(roomID)
	if err != nil {
		return Job{}, err
	}
	return q.enqueue(ctx, task, roomID,
		asynq.Queue(QueueCritical),
		asynq.MaxRetry(5),
		asynq.Timeout(2*time.Minute),
		asynq.Unique(time.Minute),
	)
}

// Prune 고아 에셋 정리 예약
func (q *Queue) Prune(ctx context.Context, roomID string) (Job, error) {
	task, err := NewPruneTask(roomID)
	if err != nil {
		return Job{}, err
	}
	return q.enqueue(ctx, task, roomID,
		asynq.Queue(QueueLow),
		asynq.MaxRetry(3),
		asynq.Timeout(5*time.Minute),
		asynq.Unique(10*time.Minute),
	)
}

func (q *Queue) enqueue(ctx context.Context, task *asynq.Task, roomID string, opts ...asynq.Option) (Job, error) {
	info, err := q.client.EnqueueContext(ctx, task, opts...)
	if err != nil {
		return Job{}, fmt.Errorf("enqueue %s: %w", task.Type(), err)
	}
	q.log.WithFields(logrus.Fields{
		"task_id":   info.ID,
		"task_type": task.Type(),
		"queue":     info.Queue,
		"room_id":   roomID,
	}).Info("task enqueued")

	return Job{
		Type:   task.Type(),
		RoomID: roomID,
		TaskID: info.ID,
		Queue:  info.Queue,
	}, nil
}
