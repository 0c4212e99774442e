package api

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"

	"prism-sync/board"
	"prism-sync/config"
	"prism-sync/domain"
	"prism-sync/notify"
	"prism-sync/protocol"
	"prism-sync/ratelimit"
	"prism-sync/session"
	"prism-sync/storage"
)

const adminToken = "admin-secret"

type harness struct {
	t    *testing.T
	srv  *httptest.Server
	orch *Orchestrator
	url  string
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.AdminTokens = []string{adminToken}
	cfg.Conditions.DedupWindow = 0
	if mutate != nil {
		mutate(&cfg)
	}

	logger, _ := test.NewNullLogger()
	backend, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	tokens, err := session.NewTokens("test-secret", cfg.Auth.AdminTokens, cfg.Auth.ValidTokens, nil)
	if err != nil {
		t.Fatalf("tokens: %v", err)
	}
	reg := prometheus.NewRegistry()
	conditions := notify.NewPipeline(notify.Options{
		Logger:      logger,
		RingSize:    cfg.Conditions.RingSize,
		DedupWindow: cfg.Conditions.DedupWindow,
		Registerer:  reg,
	})
	orch := NewOrchestrator(Options{
		Limits:     cfg.Limits,
		SendBuffer: cfg.SendBuffer,
		Store:      board.NewStore(backend, cfg.Limits.MaxBoards, cfg.Limits.MaxTasksPerBoard, nil),
		Sessions: session.NewRegistry(tokens, session.Options{
			MinPseudoLength: cfg.Limits.MinPseudoLength,
			MaxPseudoLength: cfg.Limits.MaxPseudoLength,
		}),
		Limiter:    ratelimit.New(cfg.RateLimit, nil),
		Conditions: conditions,
		Logger:     logger,
		Registerer: reg,
	})

	e := echo.New()
	e.HideBanner = true
	Register(e, orch, reg, logger)
	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		srv.Close()
		backend.Close()
	})
	return &harness{t: t, srv: srv, orch: orch, url: "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"}
}

type envelope struct {
	Type string                 `json:"type"`
	Data sonic.NoCopyRawMessage `json:"data"`
}

type client struct {
	t  *testing.T
	ws *websocket.Conn
}

// dial connects and consumes the connected status frame.
func (h *harness) dial() *client {
	h.t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(h.url, nil)
	if err != nil {
		h.t.Fatalf("dial: %v", err)
	}
	c := &client{t: h.t, ws: ws}
	h.t.Cleanup(func() { ws.Close() })
	var status protocol.SystemStatus
	c.expect(protocol.TypeSystemStatus, &status)
	if status.State != "connected" {
		h.t.Fatalf("unexpected status %q", status.State)
	}
	return c
}

func (c *client) send(typ string, data any) {
	c.t.Helper()
	frame, err := sonic.Marshal(map[string]any{"type": typ, "data": data})
	if err != nil {
		c.t.Fatalf("marshal: %v", err)
	}
	c.sendRaw(frame)
}

func (c *client) sendRaw(frame []byte) {
	c.t.Helper()
	if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

func (c *client) next(timeout time.Duration) (envelope, error) {
	_ = c.ws.SetReadDeadline(time.Now().Add(timeout))
	_, frame, err := c.ws.ReadMessage()
	if err != nil {
		return envelope{}, err
	}
	var env envelope
	if err := sonic.Unmarshal(frame, &env); err != nil {
		c.t.Fatalf("decode %s: %v", frame, err)
	}
	return env, nil
}

// expect reads the next frame, requires its type and decodes its data into out.
func (c *client) expect(typ string, out any) {
	c.t.Helper()
	env, err := c.next(2 * time.Second)
	if err != nil {
		c.t.Fatalf("waiting for %s: %v", typ, err)
	}
	if env.Type != typ {
		c.t.Fatalf("expected %s, got %s: %s", typ, env.Type, env.Data)
	}
	if out != nil {
		if err := sonic.Unmarshal(env.Data, out); err != nil {
			c.t.Fatalf("decode %s data: %v", typ, err)
		}
	}
}

func (c *client) expectError(code notify.Code) protocol.SystemError {
	c.t.Helper()
	var se protocol.SystemError
	c.expect(protocol.TypeSystemError, &se)
	if se.Code != string(code) {
		c.t.Fatalf("expected %s, got %s (%s)", code, se.Code, se.Message)
	}
	return se
}

func (c *client) expectSilence(d time.Duration) {
	c.t.Helper()
	env, err := c.next(d)
	if err == nil {
		c.t.Fatalf("unexpected %s frame: %s", env.Type, env.Data)
	}
	// a read deadline poisons the gorilla connection; callers must not read again
}

func (c *client) identify(pseudo string) protocol.Identified {
	c.t.Helper()
	c.send(protocol.TypeIdentify, map[string]any{"pseudo": pseudo})
	var id protocol.Identified
	c.expect(protocol.TypeIdentified, &id)
	return id
}

func (c *client) join(boardID string) protocol.RoomState {
	c.t.Helper()
	c.send(protocol.TypeJoinRoom, map[string]any{"boardId": boardID})
	var rs protocol.RoomState
	c.expect(protocol.TypeRoomState, &rs)
	return rs
}

func (c *client) create(boardID, title string) domain.Task {
	c.t.Helper()
	c.send(protocol.TypeCreateItem, map[string]any{"boardId": boardID, "title": title})
	var ic protocol.ItemCreated
	c.expect(protocol.TypeItemCreated, &ic)
	return ic.Task
}
