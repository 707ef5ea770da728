package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"boardsync/internal/gateway"
	"boardsync/internal/presence"
	"boardsync/internal/storage"
	"boardsync/internal/tasks"
)

// BoardService 보드 REST 엔드포인트가 쓰는 서비스 기능
type BoardService interface {
	Fetch(ctx context.Context, roomID string) ([]json.RawMessage, error)
	UploadFile(ctx context.Context, name, mimeType string, data []byte) (storage.Uploaded, error)
}

// BoardJobs 보드 삭제/정리 작업 실행기 (asynq 큐 또는 즉시 실행)
type BoardJobs interface {
	Teardown(ctx context.Context, roomID string) (tasks.Job, error)
	Prune(ctx context.Context, roomID string) (tasks.Job, error)
}

// PresenceLister 클러스터 전체 접속자 조회
type PresenceLister interface {
	List(ctx context.Context, roomID string) ([]presence.Member, error)
}

// LocalRooms 이 인스턴스의 room 접속 상태
type LocalRooms interface {
	Members(roomID string) []gateway.MemberInfo
	Forget(ctx context.Context, roomID string) (int, error)
}

// forgetTimeout 삭제 전 로컬 연결과 저장 대기열을 정리하는 최대 시간
const forgetTimeout = 10 * time.Second

// BoardHandler 보드 REST 핸들러
type BoardHandler struct {
	svc      BoardService
	jobs     BoardJobs
	presence PresenceLister
	rooms    LocalRooms
	log      *logrus.Entry
}

// NewBoardHandler BoardHandler 생성. presence는 nil 가능 (로컬 접속자만 보여준다).
func NewBoardHandler(svc BoardService, jobs BoardJobs, presence PresenceLister, rooms LocalRooms, log *logrus.Entry) *BoardHandler {
	return &BoardHandler{
		svc:      svc,
		jobs:     jobs,
		presence: presence,
		rooms:    rooms,
		log:      log.WithField("component", "board_handler"),
	}
}

// UploadResponse 업로드 응답
type UploadResponse struct {
	Src      string `json:"src"`
	PublicID string `json:"publicId"`
}

// PresenceResponse 접속자 응답
type PresenceResponse struct {
	RoomID  string            `json:"roomId"`
	Source  string            `json:"source"` // redis | local
	Members []presence.Member `json:"members"`
}

// Upload multipart "file" 업로드 후 {src, publicId} 반환
func (h *BoardHandler) Upload(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "file is required",
		})
	}

	f, err := fh.Open()
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "failed to read file",
		})
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "failed to read file",
		})
	}

	mimeType := fh.Header.Get("Content-Type")
	// 브라우저가 모르는 타입이면 내용으로 판단
	if mimeType == "application/octet-stream" {
		mimeType = ""
	}

	uploaded, err := h.svc.UploadFile(c.UserContext(), fh.Filename, mimeType, data)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrEmptyBlob):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "file is empty",
			})
		case errors.Is(err, storage.ErrNotConfigured):
			return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
				"error": "storage is not configured",
			})
		}
		h.log.WithError(err).WithField("filename", fh.Filename).Error("upload failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to upload file",
		})
	}

	return c.JSON(UploadResponse{Src: uploaded.URL, PublicID: uploaded.Address})
}

// GetBoard 현재 보드 레코드 전체 조회
func (h *BoardHandler) GetBoard(c *fiber.Ctx) error {
	roomID, ok := roomParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid room id",
		})
	}

	records, err := h.svc.Fetch(c.UserContext(), roomID)
	if err != nil {
		h.log.WithError(err).WithField("room_id", roomID).Error("failed to load board")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to load board",
		})
	}
	if records == nil {
		records = []json.RawMessage{}
	}

	return c.JSON(fiber.Map{
		"roomId":  roomID,
		"records": records,
	})
}

// GetPresence room 접속자 목록
func (h *BoardHandler) GetPresence(c *fiber.Ctx) error {
	roomID, ok := roomParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid room id",
		})
	}

	if h.presence != nil {
		members, err := h.presence.List(c.UserContext(), roomID)
		if err == nil {
			return c.JSON(PresenceResponse{RoomID: roomID, Source: "redis", Members: members})
		}
		h.log.WithError(err).WithField("room_id", roomID).Warn("presence lookup failed, falling back to local")
	}

	local := h.rooms.Members(roomID)
	members := make([]presence.Member, 0, len(local))
	for _, m := range local {
		members = append(members, presence.Member{
			ConnID:        m.ConnID,
			UserID:        m.UserID,
			UserName:      m.UserName,
			JoinedAt:      m.JoinedAt.Unix(),
			LastHeartbeat: m.LastSeen.Unix(),
		})
	}
	return c.JSON(PresenceResponse{RoomID: roomID, Source: "local", Members: members})
}

// DeleteBoard 보드 삭제. 로컬 연결과 저장 대기열을 먼저 정리하고 삭제 작업을 예약한다.
func (h *BoardHandler) DeleteBoard(c *fiber.Ctx) error {
	roomID, ok := roomParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid room id",
		})
	}

	ctx, cancel := context.WithTimeout(c.UserContext(), forgetTimeout)
	disconnected, err := h.rooms.Forget(ctx, roomID)
	cancel()
	if err != nil {
		// 대기 중인 저장이 남아 있으면 삭제 후 되살아나므로 삭제를 진행하지 않는다
		h.log.WithError(err).WithField("room_id", roomID).Error("failed to release board before delete")
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
			"error": "board is busy, retry later",
		})
	}

	job, err := h.jobs.Teardown(c.UserContext(), roomID)
	if err != nil {
		h.log.WithError(err).WithField("room_id", roomID).Error("failed to delete board")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to delete board",
		})
	}

	h.log.WithFields(logrus.Fields{
		"room_id":      roomID,
		"disconnected": disconnected,
		"inline":       job.Inline,
	}).Info("board delete requested")

	return c.Status(statusFor(job)).JSON(job)
}

// PruneBoard 참조되지 않는 에셋 정리
func (h *BoardHandler) PruneBoard(c *fiber.Ctx) error {
	roomID, ok := roomParam(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid room id",
		})
	}

	job, err := h.jobs.Prune(c.UserContext(), roomID)
	if err != nil {
		h.log.WithError(err).WithField("room_id", roomID).Error("failed to prune board")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to prune board",
		})
	}
	return c.Status(statusFor(job)).JSON(job)
}

// statusFor 즉시 실행은 200, 예약은 202
func statusFor(job tasks.Job) int {
	if job.Inline {
		return fiber.StatusOK
	}
	return fiber.StatusAccepted
}

// roomParam 경로의 roomId. 요청 버퍼가 재사용되므로 복사해서 반환한다.
func roomParam(c *fiber.Ctx) (string, bool) {
	roomID := strings.TrimSpace(c.Params("roomId"))
	if roomID == "" || len(roomID) > 128 {
		return "", false
	}
	return strings.Clone(roomID), true
}
