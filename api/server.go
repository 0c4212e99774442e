package api

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

// Register wires the websocket endpoint, health probe and metrics on e.
// reg must be the registry the orchestrator registered its collectors on.
func Register(e *echo.Echo, orch *Orchestrator, reg *prometheus.Registry, logger *log.Logger) {
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "prism_sync",
		Registerer: reg,
		Skipper: func(c echo.Context) bool {
			return c.Path() == "/ws"
		},
	}))
	e.GET("/ws", serveWebsocket(orch, logger))
	e.GET("/health", health(orch))
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{Gatherer: reg}))
}

type healthResponse struct {
	OK      bool  `json:"ok"`
	Details Stats `json:"details"`
}

func health(orch *Orchestrator) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, healthResponse{OK: true, Details: orch.Stats()})
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

func serveWebsocket(orch *Orchestrator, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		ws, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			logger.WithError(err).Warn("websocket upgrade failed")
			return nil
		}
		conn := newConn(ws, orch.sendBuffer, logger)
		orch.Connect(conn)
		go conn.writePump()

		// commands already accepted run to completion even if the peer leaves
		ctx := context.WithoutCancel(c.Request().Context())
		conn.readPump(func(frame []byte) {
			orch.HandleFrame(ctx, conn, frame)
		})
		orch.Disconnect(conn.ID())
		return nil
	}
}
