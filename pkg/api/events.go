package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/drovergrid/drover/pkg/errdefs"
	"github.com/drovergrid/drover/pkg/events"
)

const (
	wsWriteTimeout = 10 * time.Second

	// pings go out every wsPingInterval; a peer silent for
	// wsPongTimeout is considered gone.
	wsPingInterval = 30 * time.Second
	wsPongTimeout  = 60 * time.Second
)

// Origin checks are left to the deployment: the API serves
// same-cluster tooling, and the bearer token is the actual gate.
var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// handleEvents upgrades the connection and pumps broker events to the
// subscriber as JSON frames. Filters and the queue size come from the
// query string; a subscriber that cannot keep up is cut loose with a
// policy-violation close so it knows it lost events.
func (s *Server) handleEvents(c *gin.Context) {
	var eventTypes []events.EventType
	if raw := c.Query("types"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			t, err := parseEventType(strings.TrimSpace(part))
			if err != nil {
				writeError(c, err)
				return
			}
			eventTypes = append(eventTypes, t)
		}
	}

	buffer := 0
	if raw := c.Query("buffer"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeError(c, errdefs.NewValidationError().Add("buffer", "must be a positive integer").Err())
			return
		}
		buffer = parsed
	}

	// subscribe before finishing the handshake so a client that dials
	// and immediately mutates state sees its own events
	sub := s.broker.SubscribeBuffered(buffer, eventTypes...)

	conn, err := wsUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already answered the request
		s.broker.Unsubscribe(sub)
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()
	defer s.broker.Unsubscribe(sub)

	s.logger.Debug().Str("subscriber_id", sub.ID()).Msg("event stream opened")

	conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongTimeout))
	})

	// drain client frames so pongs and close messages are processed
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case event, ok := <-sub.Events():
			if !ok {
				code := websocket.CloseGoingAway
				reason := "server shutting down"
				if sub.Dropped() {
					code = websocket.ClosePolicyViolation
					reason = "subscriber lagging"
				}
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(code, reason),
					time.Now().Add(wsWriteTimeout))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				return
			}
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case <-readerDone:
			return
		}
	}
}

func parseEventType(raw string) (events.EventType, error) {
	switch t := events.EventType(raw); t {
	case events.EventNodeChanged, events.EventJobChanged,
		events.EventFolderProgressChanged, events.EventLockChanged,
		events.EventSubscriberDropped:
		return t, nil
	default:
		return "", errdefs.NewValidationError().
			Add("types", fmt.Sprintf("unknown event type %q", raw)).
			Err()
	}
}
