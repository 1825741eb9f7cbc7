package server

import (
	"net/http"
	"time"

	"Strata/model"
	"Strata/pkg/events"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = wsPongWait * 9 / 10
)

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wireEvent is the JSON form of a bus event.
type wireEvent struct {
	Type     string        `json:"type"`
	LayerID  model.LayerID `json:"layerId,omitempty"`
	Layer    *model.Layer  `json:"layer,omitempty"`
	Position float64       `json:"position"` // seconds
	Error    string        `json:"error,omitempty"`
	At       time.Time     `json:"at"`
}

func toWire(e events.Event) wireEvent {
	w := wireEvent{
		Type:     e.Type.String(),
		LayerID:  e.LayerID,
		Layer:    e.Layer,
		Position: e.Position.Seconds(),
		At:       e.At,
	}
	if e.Err != nil {
		w.Error = e.Err.Error()
	}
	return w
}

// handleEvents streams every bus event to the websocket client until either
// side goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := s.app.Bus.SubscribeAll()
	defer s.app.Bus.Unsubscribe(sub)

	// Reader: only control frames are expected; a read error means the
	// client left.
	gone := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			return
		case <-r.Context().Done():
			return
		case e, ok := <-sub:
			if !ok {
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsWriteWait))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(toWire(e)); err != nil {
				s.log.Debug("websocket write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
