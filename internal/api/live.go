package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// upgrader mirrors the teacher's permissive-origin stance for an internal
// service; the mTLS client certificate, not Origin, is the trust boundary
// here.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

const livePingInterval = 30 * time.Second

// runsLive streams every run transition to a websocket client as a single
// {when, runs: {run_id: {...}}} frame per store.Event, adapting the
// teacher's ModWatcher/output-watcher push model (its watch package) from a
// file descriptor event to a store.Event.
func (s *Server) runsLive(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Errorf("upgrade websocket; error: %v", err)
		return
	}
	defer conn.Close()

	sub := s.core.Store.QueryLiveScoped(r.Context())
	defer sub.Close()

	ping := time.NewTicker(livePingInterval)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case event, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := conn.WriteJSON(s.convertRuns(event.When, event.Runs)); err != nil {
				return
			}
		}
	}
}
