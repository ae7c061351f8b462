package api

import (
	"context"
	"encoding/json"
	"time"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"

	"github.com/sessionmesh/sessionmesh/pkg/auth"
	"github.com/sessionmesh/sessionmesh/pkg/events"
)

const (
	streamBuffer     = 64
	streamWriteLimit = 5 * time.Second
)

// handleSessionStream streams every session event for the tenant
func (s *Server) handleSessionStream(c *gin.Context) {
	tenantID, err := auth.RequireTenantID(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	s.streamEvents(c, events.FilterTenant(tenantID))
}

// handleSingleSessionStream streams events for one session only
func (s *Server) handleSingleSessionStream(c *gin.Context) {
	tenantID, err := auth.RequireTenantID(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	id, ok := parseID(c)
	if !ok {
		return
	}
	s.streamEvents(c, events.FilterSession(tenantID, id))
}

func (s *Server) streamEvents(c *gin.Context, filter events.Filter) {
	conn, err := websocket.Accept(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Websocket accept failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	sub := s.bus.Subscribe(streamBuffer, filter)
	defer s.bus.Unsubscribe(sub)

	s.metrics.IncrementCounter("ws.streams_opened", 1)

	ctx := c.Request.Context()
	// Reads are discarded but the read loop surfaces the peer closing
	// the connection, which cancels readCtx.
	readCtx := conn.CloseRead(ctx)

	for {
		select {
		case <-readCtx.Done():
			return
		case event, open := <-sub.Events():
			if !open {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			writeCtx, cancel := context.WithTimeout(readCtx, streamWriteLimit)
			err = conn.Write(writeCtx, websocket.MessageText, payload)
			cancel()
			if err != nil {
				s.logger.Debug("Websocket write failed, dropping stream", map[string]interface{}{
					"error": err.Error(),
				})
				return
			}
		}
	}
}
