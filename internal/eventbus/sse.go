package eventbus

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// sseHeartbeatInterval matches the teacher's progress-service SSE keepalive.
const sseHeartbeatInterval = 15 * time.Second

// RegisterSSE registers the event stream endpoint on a chi router. Separate
// from any huma registration since huma doesn't support SSE streaming.
func (b *Bus) RegisterSSE(router interface {
	Get(pattern string, handlerFn http.HandlerFunc)
}) {
	router.Get("/api/events", b.HandleSSEEvents)
}

// HandleSSEEvents is the raw HTTP handler for SSE streaming. Exported for
// direct use with custom routers.
func (b *Bus) HandleSSEEvents(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sub := b.Subscribe()
	defer b.Unsubscribe(sub.ID)

	rc := http.NewResponseController(w)
	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	ctx := r.Context()

	fmt.Fprint(w, ":connected\n\n")
	if err := rc.Flush(); err != nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprintf(w, ":heartbeat %d\n\n", time.Now().Unix())
			if err := rc.Flush(); err != nil {
				return
			}
		case event, ok := <-sub.Events:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			if err := rc.Flush(); err != nil {
				b.logger.Debug("SSE flush failed, client likely disconnected")
				return
			}
		}
	}
}
