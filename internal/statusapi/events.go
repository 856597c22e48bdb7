package statusapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/mcplink/internal/events"
)

const (
	// eventBuffer is the per-client queue. Events published while it
	// is full are dropped for that client only.
	eventBuffer = 64

	// writeWait bounds a single websocket write. A client that cannot
	// take a frame in time is disconnected.
	writeWait = 10 * time.Second

	// pingPeriod keeps idle streams alive through proxies.
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// handleEvents streams bus events to a websocket client as JSON text
// frames. The optional source and kind query parameters filter the
// stream.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	bus := s.backend.Bus()
	if bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	select {
	case <-s.done:
		s.errorResponse(w, http.StatusServiceUnavailable, "server shutting down")
		return
	default:
	}

	source := r.URL.Query().Get("source")
	kind := r.URL.Query().Get("kind")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error.
		s.logger.Debug("event stream upgrade failed", "error", err)
		return
	}

	ch, unsub := bus.SubscribeChan(eventBuffer)
	s.streams.Add(1)
	go s.streamEvents(conn, ch, unsub, source, kind)
}

func (s *Server) streamEvents(conn *websocket.Conn, ch <-chan events.Event, unsub func(), source, kind string) {
	defer s.streams.Done()
	defer conn.Close()
	defer unsub()

	remote := conn.RemoteAddr().String()
	s.logger.Debug("event stream opened", "remote", remote)

	// The read side only detects the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-s.done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(writeWait))
			return
		case <-closed:
			s.logger.Debug("event stream closed by client", "remote", remote)
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case ev, ok := <-ch:
			if !ok {
				return
			}
			if (source != "" && ev.Source != source) || (kind != "" && ev.Kind != kind) {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream write failed, dropping client",
					"remote", remote, "error", err)
				return
			}
		}
	}
}
