package ws

import (
	"bytes"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/tbourn/go-handoff-backend/internal/stream"
)

// sseConn is one Server-Sent-Events client on the replay transport. It has
// no ack path; reconnection with Last-Event-ID is its delivery guarantee.
type sseConn struct {
	rec  ConnectionRecord
	send chan []byte
	g    *replayGate

	closeOnce sync.Once
	done      chan struct{}
}

func newSSEConn(rec ConnectionRecord, queueSize int) *sseConn {
	return &sseConn{
		rec:  rec,
		send: make(chan []byte, queueSize),
		g:    newReplayGate(),
		done: make(chan struct{}),
	}
}

func (c *sseConn) record() *ConnectionRecord { return &c.rec }
func (c *sseConn) gate() *replayGate         { return c.g }

func (c *sseConn) deliver(ev stream.Event) bool {
	frame, err := formatSSE(ev)
	if err != nil {
		return true
	}
	return c.enqueue(frame)
}

func (c *sseConn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// kill closes the stream; SSE has no close codes, the client's EventSource
// reconnects per its own policy.
func (c *sseConn) kill(int) {
	c.closeOnce.Do(func() { close(c.done) })
}

// formatSSE renders an event in wire format. The event id doubles as the
// client's replay cursor (EventSource echoes it as Last-Event-ID).
func formatSSE(ev stream.Event) ([]byte, error) {
	data, err := ev.Encode()
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "id: %s\n", ev.ID)
	fmt.Fprintf(&buf, "event: %s\n", ev.Type)
	fmt.Fprintf(&buf, "data: %s\n\n", data)
	return buf.Bytes(), nil
}

// sseHeartbeat is a comment-only line; it carries no id and is not content.
var sseHeartbeat = []byte(": hb\n\n")

// HandleSSE serves one client on the replay transport. Rejections surface as
// HTTP statuses because SSE cannot carry close codes.
func (h *Hub) HandleSSE(c *gin.Context) {
	dialogID := c.Param("id")

	principal, code := h.admit(c, dialogID)
	if code != 0 {
		c.AbortWithStatusJSON(HTTPStatusFor(code), gin.H{"error": http.StatusText(HTTPStatusFor(code))})
		return
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	rec := ConnectionRecord{
		ClientID:    uuid.NewString(),
		DialogID:    dialogID,
		ConnectedAt: time.Now().UTC(),
		AuthKind:    principal.Kind,
		Origin:      c.Request.Header.Get("Origin"),
		Identity:    clientIdentity(c, principal),
	}
	conn := newSSEConn(rec, h.cfg.SendQueueSize)

	if err := h.reg.register(conn); err != nil {
		c.AbortWithStatusJSON(HTTPStatusFor(CloseOverloaded), gin.H{"error": "too many connections"})
		return
	}
	defer h.reg.unregister(rec.ClientID)

	header := c.Writer.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()

	since := c.Request.Header.Get("Last-Event-ID")
	if since == "" {
		since = c.Query("last_event_id")
	}
	h.replay(c.Request.Context(), conn, since)

	ticker := time.NewTicker(h.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-conn.done:
			return
		case frame := <-conn.send:
			if _, err := c.Writer.Write(frame); err != nil {
				return
			}
			flusher.Flush()
		case <-ticker.C:
			if _, err := c.Writer.Write(sseHeartbeat); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
