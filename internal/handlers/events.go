package handlers

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/khanhromvn/flexbrowser/internal/model"
)

// Event is one message on the /events stream.
type Event struct {
	Type   string            `json:"type"`
	Change *model.Change     `json:"change,omitempty"`
	Audio  *model.AudioState `json:"audio,omitempty"`
}

const eventPingInterval = 30 * time.Second

// HandleEvents upgrades to WebSocket and streams model and audio changes
// until the client goes away.
func (h *Handlers) HandleEvents(w http.ResponseWriter, r *http.Request) {
	changes, unsubChanges := h.Store.Subscribe(64)
	defer unsubChanges()
	audio, unsubAudio := h.Store.Audio().Subscribe(64)
	defer unsubAudio()

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}
	defer func() { _ = conn.Close() }()

	// reader: only watches for close
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := wsutil.ReadClientData(conn); err != nil {
				return
			}
		}
	}()

	if err := writeEvent(conn, Event{Type: "hello"}); err != nil {
		return
	}

	ping := time.NewTicker(eventPingInterval)
	defer ping.Stop()
	for {
		var ev Event
		select {
		case <-done:
			return
		case ch, ok := <-changes:
			if !ok {
				return
			}
			ev = Event{Type: string(ch.Kind), Change: &ch}
		case st, ok := <-audio:
			if !ok {
				return
			}
			ev = Event{Type: "audio", Audio: &st}
		case <-ping.C:
			if err := wsutil.WriteServerMessage(conn, ws.OpPing, nil); err != nil {
				return
			}
			continue
		}
		if err := writeEvent(conn, ev); err != nil {
			slog.Debug("events client gone", "err", err)
			return
		}
	}
}

func writeEvent(conn io.Writer, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return wsutil.WriteServerText(conn, data)
}
