// Copyright (C) 2020 Markus L. Noga
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package httpapi is an optional REST/WebSocket front-end over the
// orchestrator: POST /api/v1/run submits a config and runs it in the
// background; GET /api/v1/ws/:runId streams its progress events live. Runs
// are keyed by ID with a separately-subscribable event stream; the
// orchestrator's event bus is designed for exactly that kind of fan-out.
package httpapi

import (
	"context"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mlnoga/astroplan/internal/config"
	"github.com/mlnoga/astroplan/internal/ipe"
	"github.com/mlnoga/astroplan/internal/notify"
	"github.com/mlnoga/astroplan/internal/orchestrator"
	"github.com/mlnoga/astroplan/internal/progress"
)

// Runner launches a Session.Run in the background, keeping one progress Bus
// per run ID so WebSocket clients can subscribe to that run's events. A
// client receives only events emitted after it subscribes; earlier events
// are not replayed.
type Runner struct {
	Engine ipe.Engine
	NowFn  func() string

	mu   sync.Mutex
	runs map[string]*progress.Bus
}

// NewRunner builds a Runner around the given IPE implementation.
func NewRunner(engine ipe.Engine, nowFn func() string) *Runner {
	return &Runner{Engine: engine, NowFn: nowFn, runs: make(map[string]*progress.Bus)}
}

func (rn *Runner) start(cfg config.Config) string {
	bus := progress.NewBus()

	var notifySink notify.Sink
	if cfg.NotificationEndpoint != "" {
		notifySink = notify.NewWebhookSink(cfg.NotificationEndpoint)
	}
	session := orchestrator.NewSession(cfg, rn.Engine, bus, notifySink, rn.NowFn)

	rn.mu.Lock()
	rn.runs[session.RunID] = bus
	rn.mu.Unlock()

	go func() {
		_, _ = session.Run(context.Background())
	}()
	return session.RunID
}

func (rn *Runner) bus(runID string) *progress.Bus {
	rn.mu.Lock()
	defer rn.mu.Unlock()
	return rn.runs[runID]
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Serve registers the API routes on r.
func (rn *Runner) Serve(r *gin.Engine) {
	api := r.Group("/api")
	v1 := api.Group("/v1")
	v1.GET("/ping", getPing)
	v1.POST("/run", rn.postRun)
	v1.GET("/ws/:runId", rn.getProgressSocket)
}

func getPing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": "pong"})
}

func (rn *Runner) postRun(c *gin.Context) {
	var cfg config.Config
	if err := c.ShouldBindJSON(&cfg); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := cfg.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	runID := rn.start(cfg)
	c.JSON(http.StatusAccepted, gin.H{"runId": runID})
}

// progressSocketSink adapts a gorilla/websocket connection to progress.Sink.
type progressSocketSink struct {
	conn *websocket.Conn
}

func (p *progressSocketSink) OnEvent(e progress.Event) {
	_ = p.conn.WriteJSON(e)
}

func (rn *Runner) getProgressSocket(c *gin.Context) {
	runID := c.Param("runId")
	bus := rn.bus(runID)
	if bus == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown runId"})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	bus.Subscribe(&progressSocketSink{conn: conn})

	// Block on reads purely to detect client disconnect; the core never
	// expects input back over this socket.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
