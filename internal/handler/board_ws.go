package handler

import (
	"context"
	"errors"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/sirupsen/logrus"

	"boardsync/internal/gateway"
)

// BoardWSHandler 보드 동기화 WebSocket 핸들러
type BoardWSHandler struct {
	gw        *gateway.Gateway
	readLimit int64
	log       *logrus.Entry
}

// NewBoardWSHandler BoardWSHandler 생성
func NewBoardWSHandler(gw *gateway.Gateway, readLimit int64, log *logrus.Entry) *BoardWSHandler {
	return &BoardWSHandler{
		gw:        gw,
		readLimit: readLimit,
		log:       log.WithField("component", "board_ws"),
	}
}

// Upgrade 업그레이드 전 쿼리 파라미터를 Locals에 옮긴다.
// roomId/userId 검증은 게이트웨이가 연결 후 수행한다 (없으면 바로 끊는다).
func (h *BoardWSHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	// 연결은 요청보다 오래 살아있으므로 값을 복사해 둔다
	c.Locals("roomId", utils.CopyString(c.Query("roomId")))
	c.Locals("userId", utils.CopyString(c.Query("userId")))
	c.Locals("userName", utils.CopyString(c.Query("userName")))

	return c.Next()
}

// HandleWebSocket 연결이 끊길 때까지 게이트웨이에 위임한다
func (h *BoardWSHandler) HandleWebSocket(c *websocket.Conn) {
	if h.readLimit > 0 {
		c.SetReadLimit(h.readLimit)
	}

	id := gateway.Identity{
		RoomID:   localString(c, "roomId"),
		UserID:   localString(c, "userId"),
		UserName: localString(c, "userName"),
	}

	if err := h.gw.Serve(context.Background(), c, id); err != nil {
		if errors.Is(err, gateway.ErrMissingIdentity) || errors.Is(err, gateway.ErrClosed) {
			h.log.WithError(err).Debug("websocket connection rejected")
			return
		}
		h.log.WithError(err).Warn("websocket session ended with error")
	}
}

func localString(c *websocket.Conn, key string) string {
	s, _ := c.Locals(key).(string)
	return s
}
