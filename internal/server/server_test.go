package server

import (
	"bytes"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"boardsync/internal/auth"
	"boardsync/internal/board"
	"boardsync/internal/boardsync"
	"boardsync/internal/config"
	"boardsync/internal/gateway"
	"boardsync/internal/handler"
	"boardsync/internal/metrics"
	"boardsync/internal/repository"
	"boardsync/internal/storage"
	"boardsync/internal/worker"
)

func newTestServer(t *testing.T, jwt *auth.JWTManager) *Server {
	t.Helper()
	logger, _ := test.NewNullLogger()
	log := logrus.NewEntry(logger)

	cfg := &config.Config{
		Server: config.ServerConfig{Port: ":0", BodyLimit: 4 * 1024 * 1024},
		Storage: config.StorageConfig{
			Local: config.LocalConfig{Dir: t.TempDir(), URLPrefix: "/uploads"},
		},
		CORS: config.CORSConfig{AllowOrigins: "*", AllowHeaders: "Origin, Content-Type, Accept, Authorization"},
	}

	m := metrics.New()
	blobs, err := storage.NewLocalStore(&cfg.Storage.Local, "ys_academy", "")
	require.NoError(t, err)

	svc := boardsync.NewService(repository.NewMemoryRecordStore(), blobs, log, boardsync.Options{
		Limits:  board.DefaultLimits,
		Metrics: m,
	})
	gw := gateway.New(svc, log, gateway.Options{HeartbeatInterval: time.Hour}, gateway.WithMetrics(m))
	jobs := worker.NewInline(worker.NewProcessor(svc, nil, nil, log))

	s := New(cfg, Deps{
		Board:      handler.NewBoardHandler(svc, jobs, nil, gw, log),
		BoardWS:    handler.NewBoardWSHandler(gw, 0, log),
		Health:     handler.NewHealthHandler(nil, nil),
		JWTManager: jwt,
		Registry:   m.Registry,
		StaticDir:  blobs.Dir(),
	}, log)
	s.SetupMiddleware()
	s.SetupRoutes()
	return s
}

func uploadRequest(t *testing.T, filename string, data []byte) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	w := multipart.NewWriter(body)
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	header.Set("Content-Type", "image/png")
	part, err := w.CreatePart(header)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, "/boards/upload", body)
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req
}

func TestHealthAndMetrics(t *testing.T) {
	app := newTestServer(t, nil).App()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/health", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "boardsync_connections")
}

func TestWebSocketRequiresUpgrade(t *testing.T) {
	app := newTestServer(t, nil).App()

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/ws/board?roomId=r1&userId=u1", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUpgradeRequired, resp.StatusCode)
}

func TestUploadServedFromLocalStore(t *testing.T) {
	app := newTestServer(t, nil).App()

	data := []byte("\x89PNG\r\n\x1a\nfake")
	resp, err := app.Test(uploadRequest(t, "cat.png", data))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var out handler.UploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Contains(t, out.PublicID, "ys_academy/images/")
	assert.Equal(t, "/uploads/"+out.PublicID, out.Src)

	resp, err = app.Test(httptest.NewRequest(http.MethodGet, out.Src, nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	served, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, data, served)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	jwt := auth.NewJWTManager("secret", time.Hour)
	app := newTestServer(t, jwt).App()

	resp, err := app.Test(httptest.NewRequest(http.MethodDelete, "/api/boards/room-1", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	token, err := jwt.GenerateToken("admin", "Admin")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodDelete, "/api/boards/room-1", nil)
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err = app.Test(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// 조회는 토큰 없이 가능
	resp, err = app.Test(httptest.NewRequest(http.MethodGet, "/api/boards/room-1", nil))
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
