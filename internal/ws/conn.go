package ws

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-handoff-backend/internal/config"
	"github.com/tbourn/go-handoff-backend/internal/delivery"
	"github.com/tbourn/go-handoff-backend/internal/stream"
)

// errSlowClient marks a subscriber whose private queue is full.
var errSlowClient = errors.New("send queue full")

const writeWait = 10 * time.Second

// ackEnvelope wraps an event for the ack transport; the client echoes
// message_id back in an ack frame.
type ackEnvelope struct {
	MessageID string       `json:"message_id"`
	Event     stream.Event `json:"event"`
}

// clientFrame is what the websocket read loop accepts from clients.
type clientFrame struct {
	Type      string `json:"type"`
	MessageID string `json:"message_id,omitempty"`
}

// wsConn is one websocket connection served through the ack transport.
type wsConn struct {
	rec       ConnectionRecord
	principal *Principal
	sock      *websocket.Conn
	queue     *delivery.Queue
	cfg       config.RealtimeConfig
	lg        zerolog.Logger

	// onTyping forwards operator typing frames into the event pipeline.
	onTyping func(dialogID, operatorID, eventType string)

	send chan []byte
	g    *replayGate

	closeOnce sync.Once
	closeCode int
	done      chan struct{}
}

func newWSConn(rec ConnectionRecord, principal *Principal, sock *websocket.Conn, queue *delivery.Queue, cfg config.RealtimeConfig, lg zerolog.Logger, onTyping func(dialogID, operatorID, eventType string)) *wsConn {
	return &wsConn{
		rec:       rec,
		principal: principal,
		sock:      sock,
		queue:     queue,
		cfg:       cfg,
		lg:        lg,
		onTyping:  onTyping,
		send:      make(chan []byte, cfg.SendQueueSize),
		g:         newReplayGate(),
		done:      make(chan struct{}),
	}
}

func (c *wsConn) record() *ConnectionRecord { return &c.rec }
func (c *wsConn) gate() *replayGate         { return c.g }

// deliver wraps the event in an ack envelope, registers it as pending, and
// queues the frame. The delivery queue retries until the client acks.
func (c *wsConn) deliver(ev stream.Event) bool {
	id := c.queue.MessageID(ev.DialogID, c.rec.ClientID)
	frame, err := json.Marshal(ackEnvelope{MessageID: id, Event: ev})
	if err != nil {
		c.lg.Error().Err(err).Str("event_id", ev.ID).Msg("encode ack envelope")
		return true
	}
	err = c.queue.SendWithID(id, ev.DialogID, c.rec.ClientID, frame)
	return !errors.Is(err, errSlowClient)
}

// enqueue offers a frame to the private queue without blocking.
func (c *wsConn) enqueue(frame []byte) bool {
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

// kill initiates teardown with the given close code. Idempotent.
func (c *wsConn) kill(code int) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		close(c.done)
	})
}

// writePump owns all writes to the socket: queued frames, periodic pings,
// and the final close frame. Runs until kill or a write failure.
func (c *wsConn) writePump() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.sendClose()
		_ = c.sock.Close()
	}()

	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.kill(CloseNormal)
				return
			}
		case <-ticker.C:
			_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.sock.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.kill(CloseNormal)
				return
			}
		}
	}
}

// readPump consumes client frames: pongs keep the connection alive, ack
// frames resolve pending deliveries, typing frames from operator principals
// feed the event pipeline. A silent client trips the read deadline and is
// closed with the heartbeat-timeout code.
func (c *wsConn) readPump() {
	defer c.queue.DropConnection(c.rec.ClientID)

	_ = c.sock.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.sock.SetPongHandler(func(string) error {
		return c.sock.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})

	for {
		_, data, err := c.sock.ReadMessage()
		if err != nil {
			c.kill(readCloseCode(err))
			return
		}
		_ = c.sock.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.kill(CloseProtocolError)
			return
		}
		switch frame.Type {
		case "ack":
			if frame.MessageID != "" {
				c.queue.Ack(frame.MessageID)
			}
		case "ping":
			// Application-level ping for clients without control-frame
			// access; answered from the write pump.
			c.enqueue([]byte(`{"type":"pong"}`))
		case stream.TypeTypingStart, stream.TypeTypingStop:
			if c.principal.Kind == PrincipalAdmin && c.principal.OperatorID != "" && c.onTyping != nil {
				c.onTyping(c.rec.DialogID, c.principal.OperatorID, frame.Type)
			}
		default:
			// Unknown frames are ignored rather than fatal; older widget
			// builds send frames newer servers no longer use.
		}
	}
}

// sendClose writes the close frame carrying the chosen close code.
func (c *wsConn) sendClose() {
	code := c.closeCode
	if code == 0 {
		code = CloseNormal
	}
	msg := websocket.FormatCloseMessage(code, "")
	_ = c.sock.SetWriteDeadline(time.Now().Add(writeWait))
	_ = c.sock.WriteMessage(websocket.CloseMessage, msg)
}

// readCloseCode classifies a read failure into the close code reported in
// teardown logs and sent when the socket is still writable.
func readCloseCode(err error) int {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return CloseHeartbeatTimeout
	}
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return CloseNormal
	}
	return CloseProtocolError
}
