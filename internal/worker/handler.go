package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"boardsync/internal/boardsync"
	"boardsync/internal/tasks"
)

// BoardService 작업 처리에 필요한 보드 서비스 기능
type BoardService interface {
	DeleteRoom(ctx context.Context, roomID string) (boardsync.DeleteResult, error)
	PruneOrphans(ctx context.Context, roomID string) (boardsync.DeleteResult, error)
	Rooms(ctx context.Context) ([]string, error)
}

// PresenceClearer 보드 삭제 시 접속자 기록 정리
type PresenceClearer interface {
	Clear(ctx context.Context, roomID string) error
}

// Processor 보드 작업 처리기. asynq 핸들러와 Redis 없는 환경의 즉시 실행이 같은 로직을 쓴다.
type Processor struct {
	svc      BoardService
	presence PresenceClearer
	queue    *tasks.Queue
	log      *logrus.Entry
}

// NewProcessor 생성자. presence와 queue는 nil 가능.
func NewProcessor(svc BoardService, presence PresenceClearer, queue *tasks.Queue, log *logrus.Entry) *Processor {
	return &Processor{
		svc:      svc,
		presence: presence,
		queue:    queue,
		log:      log.WithField("component", "worker"),
	}
}

// Register 작업 타입별 핸들러 등록
func (p *Processor) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(tasks.TypeBoardTeardown, p.HandleTeardown)
	mux.HandleFunc(tasks.TypeBoardPrune, p.HandlePrune)
	mux.HandleFunc(tasks.TypePruneSweep, p.HandlePruneSweep)
}

func (p *Processor) taskLog(ctx context.Context, t *asynq.Task) *logrus.Entry {
	taskID := ""
	if rw := t.ResultWriter(); rw != nil {
		taskID = rw.TaskID()
	}
	retry, _ := asynq.GetRetryCount(ctx)
	return p.log.WithFields(logrus.Fields{
		"task_id":   taskID,
		"task_type": t.Type(),
		"retry":     retry,
	})
}

// HandleTeardown 보드 레코드와 에셋을 모두 삭제
func (p *Processor) HandleTeardown(ctx context.Context, t *asynq.Task) error {
	logCtx := p.taskLog(ctx, t)

	payload, err := tasks.ParseRoomPayload(t)
	if err != nil {
		logCtx.WithError(err).Error("Failed to parse task payload")
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	res, err := p.Teardown(ctx, payload.RoomID)
	if err != nil {
		return err
	}
	logCtx.WithFields(logrus.Fields{
		"room_id":       payload.RoomID,
		"deleted":       res.Deleted,
		"deleted_files": res.DeletedFiles,
	}).Info("Board teardown task processed")
	return nil
}

// HandlePrune 고아 에셋 정리
func (p *Processor) HandlePrune(ctx context.Context, t *asynq.Task) error {
	logCtx := p.taskLog(ctx, t)

	payload, err := tasks.ParseRoomPayload(t)
	if err != nil {
		logCtx.WithError(err).Error("Failed to parse task payload")
		return fmt.Errorf("%w: %w", err, asynq.SkipRetry)
	}

	res, err := p.svc.PruneOrphans(ctx, payload.RoomID)
	if err != nil {
		return fmt.Errorf("prune %s: %w", payload.RoomID, err)
	}
	logCtx.WithFields(logrus.Fields{
		"room_id": payload.RoomID,
		"deleted": res.Deleted,
	}).Info("Board prune task processed")
	return nil
}

// HandlePruneSweep 모든 보드에 board:prune을 예약한다
func (p *Processor) HandlePruneSweep(ctx context.Context, t *asynq.Task) error {
	logCtx := p.taskLog(ctx, t)

	if p.queue == nil {
		return fmt.Errorf("prune sweep: %w", asynq.SkipRetry)
	}
	rooms, err := p.svc.Rooms(ctx)
	if err != nil {
		return fmt.Errorf("list rooms: %w", err)
	}

	var errs []error
	for _, roomID := range rooms {
		if _, err := p.queue.Prune(ctx, roomID); err != nil && !errors.Is(err, asynq.ErrDuplicateTask) {
			errs = append(errs, err)
		}
	}
	logCtx.WithField("rooms", len(rooms)).Info("Prune sweep scheduled")
	return errors.Join(errs...)
}

// Teardown 보드 삭제 본체. 레코드 삭제가 성공한 뒤에만 접속자 기록을 지운다.
func (p *Processor) Teardown(ctx context.Context, roomID string) (boardsync.DeleteResult, error) {
	res, err := p.svc.DeleteRoom(ctx, roomID)
	if err != nil {
		return res, fmt.Errorf("teardown %s: %w", roomID, err)
	}
	if p.presence != nil {
		if err := p.presence.Clear(ctx, roomID); err != nil {
			p.log.WithError(err).WithField("room_id", roomID).Warn("failed to clear presence")
		}
	}
	return res, nil
}

// =============================================================================
// Inline - Redis 없이 요청 안에서 바로 실행
// =============================================================================

// Inline tasks.Queue와 같은 모양으로 작업을 즉시 실행한다
type Inline struct {
	p *Processor
}

// NewInline 생성자
func NewInline(p *Processor) *Inline {
	return &Inline{p: p}
}

// Teardown 즉시 보드 삭제
func (i *Inline) Teardown(ctx context.Context, roomID string) (tasks.Job, error) {
	res, err := i.p.Teardown(ctx, roomID)
	if err != nil {
		return tasks.Job{}, err
	}
	return tasks.Job{
		Type:         tasks.TypeBoardTeardown,
		RoomID:       roomID,
		Inline:       true,
		Deleted:      res.Deleted,
		DeletedFiles: res.DeletedFiles,
	}, nil
}

// Prune 즉시 고아 에셋 정리
func (i *Inline) Prune(ctx context.Context, roomID string) (tasks.Job, error) {
	res, err := i.p.svc.PruneOrphans(ctx, roomID)
	if err != nil {
		return tasks.Job{}, fmt.Errorf("prune %s: %w", roomID, err)
	}
	return tasks.Job{
		Type:    tasks.TypeBoardPrune,
		RoomID:  roomID,
		Inline:  true,
		Deleted: res.Deleted,
	}, nil
}
