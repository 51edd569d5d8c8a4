package admin

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/vyrodovalexey/avatraffic/internal/events"
	"github.com/vyrodovalexey/avatraffic/internal/observability"
)

const (
	streamBuffer     = 64
	streamWriteWait  = 5 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(*http.Request) bool {
		return true
	},
}

// streamEvents upgrades to a websocket and writes control plane events as
// JSON messages. The optional types query parameter is a comma separated
// filter, e.g. ?types=backend:unhealthy,ratelimit:exceeded.
func (s *Server) streamEvents(c *gin.Context) {
	var types []events.Type
	if raw := c.Query("types"); raw != "" {
		for _, t := range strings.Split(raw, ",") {
			if t = strings.TrimSpace(t); t != "" {
				types = append(types, events.Type(t))
			}
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		s.logger.Debug("event stream upgrade failed", observability.Error(err))
		return
	}
	defer conn.Close()

	sub := s.cp.Events().Subscribe(streamBuffer, types...)
	defer sub.Unsubscribe()

	s.logger.Debug("event stream opened",
		observability.String("subscription", sub.ID()),
		observability.String("clientIP", c.ClientIP()),
	)

	// The reader only handles control frames and notices the client leaving.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(streamPongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case e, ok := <-sub.C():
			if !ok {
				s.closeStream(conn, websocket.CloseGoingAway, "event bus closed")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", observability.Error(err))
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.streams:
			s.closeStream(conn, websocket.CloseGoingAway, "server shutting down")
			return
		case <-closed:
			return
		}
	}
}

func (s *Server) closeStream(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(streamWriteWait))
}
