package worker

import (
	"context"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"boardsync/internal/config"
	"boardsync/internal/tasks"
)

// RedisOpt asynq 접속 옵션
func RedisOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// WorkerServer asynq 워커 서버와 주기 작업 스케줄러 시작/종료
type WorkerServer struct {
	server    *asynq.Server
	scheduler *asynq.Scheduler
	processor *Processor
	schedule  string
	log       *logrus.Entry
}

// NewWorkerServer 생성자
func NewWorkerServer(redisOpt asynq.RedisClientOpt, cfg *config.WorkerConfig, processor *Processor, log *logrus.Entry) *WorkerServer {
	logEntry := log.WithField("component", "worker_server")

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}

	server := asynq.NewServer(
		redisOpt,
		asynq.Config{
			Concurrency: concurrency,
			Queues: map[string]int{
				tasks.QueueCritical: 6,
				tasks.QueueDefault:  3,
				tasks.QueueLow:      1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				taskID := ""
				if rw := task.ResultWriter(); rw != nil {
					taskID = rw.TaskID()
				}
				retryCount, _ := asynq.GetRetryCount(ctx)
				maxRetry, _ := asynq.GetMaxRetry(ctx)
				logEntry.WithFields(logrus.Fields{
					"task_id":   taskID,
					"task_type": task.Type(),
					"retries":   retryCount,
					"max_retry": maxRetry,
				}).WithError(err).Error("Task failed")
			}),
		},
	)

	ws := &WorkerServer{
		server:    server,
		processor: processor,
		schedule:  cfg.PruneSchedule,
		log:       logEntry,
	}
	if cfg.PruneSchedule != "" {
		ws.scheduler = asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{})
	}
	return ws
}

// Start 워커 서버와 스케줄러를 시작한다. 블록되지 않는다.
func (ws *WorkerServer) Start() error {
	mux := asynq.NewServeMux()
	ws.processor.Register(mux)

	if ws.scheduler != nil {
		entryID, err := ws.scheduler.Register(ws.schedule, tasks.NewPruneSweepTask(), asynq.Queue(tasks.QueueLow))
		if err != nil {
			return fmt.Errorf("register prune sweep %q: %w", ws.schedule, err)
		}
		if err := ws.scheduler.Start(); err != nil {
			return fmt.Errorf("start scheduler: %w", err)
		}
		ws.log.WithFields(logrus.Fields{"schedule": ws.schedule, "entry_id": entryID}).Info("Prune sweep task registered")
	}

	ws.log.Info("Worker server starting...")
	if err := ws.server.Start(mux); err != nil && !isClosed(err) {
		return fmt.Errorf("start worker server: %w", err)
	}
	return nil
}

// Shutdown 진행 중인 작업을 마치고 종료
func (ws *WorkerServer) Shutdown() {
	ws.log.Info("Shutting down worker server...")
	if ws.scheduler != nil {
		ws.scheduler.Shutdown()
	}
	ws.server.Shutdown()
	ws.log.Info("Worker server shut down complete.")
}

func isClosed(err error) bool {
	return errors.Is(err, asynq.ErrServerClosed)
}
