// Package delivery implements the acknowledgement layer for the socket
// transport that requires explicit delivery confirmation. Each outbound
// message gets a globally unique id and is tracked as pending until the
// client acks it; unacked messages are retried with exponential backoff up
// to an attempt cap, then dropped. A bounded dedup set absorbs duplicate
// acks and redeliveries. Everything here is process-local and best-effort;
// durable replay is the event store's job.
package delivery

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/tbourn/go-handoff-backend/internal/config"
)

var (
	pendingGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "handoff_delivery_pending",
		Help: "Messages awaiting client acknowledgement.",
	})
	retryCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_delivery_retries_total",
		Help: "Total delivery retries.",
	})
	dropCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_delivery_dropped_total",
		Help: "Messages dropped after exhausting retries or TTL.",
	})
)

// SendFunc delivers raw bytes to one connection. A non-nil error marks the
// attempt failed; the queue retries later.
type SendFunc func(connectionID string, payload []byte) error

type pendingMsg struct {
	id           string
	dialogID     string
	connectionID string
	payload      []byte
	createdAt    time.Time
	attempts     int
	nextRetryAt  time.Time
}

// Queue tracks pending deliveries for ack-based connections.
type Queue struct {
	cfg  config.DeliveryConfig
	send SendFunc
	lg   zerolog.Logger
	now  func() time.Time

	seq atomic.Uint64

	mu        sync.Mutex
	pending   map[string]*pendingMsg
	dedup     map[string]struct{}
	dedupFifo []string

	lastGC time.Time
}

// NewQueue constructs a delivery queue that resends through send.
func NewQueue(cfg config.DeliveryConfig, send SendFunc, lg zerolog.Logger) *Queue {
	return &Queue{
		cfg:     cfg,
		send:    send,
		lg:      lg,
		now:     func() time.Time { return time.Now().UTC() },
		pending: map[string]*pendingMsg{},
		dedup:   map[string]struct{}{},
	}
}

// MessageID builds a globally unique delivery id from the dialog, the
// connection, a process-monotonic sequence, the timestamp, and a random
// suffix. The id is what clients echo back in their ack frame.
func (q *Queue) MessageID(dialogID, connectionID string) string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%s:%s:%d:%d:%s",
		dialogID, connectionID, q.seq.Add(1), q.now().UnixNano(), hex.EncodeToString(buf[:]))
}

// Send delivers payload to connectionID and tracks it as pending until
// acked. The returned id identifies the delivery for Ack.
func (q *Queue) Send(dialogID, connectionID string, payload []byte) (string, error) {
	id := q.MessageID(dialogID, connectionID)
	return id, q.SendWithID(id, dialogID, connectionID, payload)
}

// SendWithID is Send with a caller-built id (from MessageID), for payloads
// that must embed their own delivery id. A failed first attempt stays
// pending and is retried with backoff; the error is returned so transports
// can prune clients whose queues are already full.
func (q *Queue) SendWithID(id, dialogID, connectionID string, payload []byte) error {
	now := q.now()
	msg := &pendingMsg{
		id:           id,
		dialogID:     dialogID,
		connectionID: connectionID,
		payload:      payload,
		createdAt:    now,
		nextRetryAt:  now.Add(q.cfg.AckTimeout),
	}

	q.mu.Lock()
	q.pending[msg.id] = msg
	pendingGauge.Set(float64(len(q.pending)))
	q.mu.Unlock()

	if err := q.send(connectionID, payload); err != nil {
		q.lg.Debug().Err(err).Str("message_id", msg.id).Msg("initial delivery failed")
		return err
	}
	return nil
}

// Ack confirms receipt of a delivery. Duplicate acks and acks for unknown
// (already dropped) ids report false without side effects.
func (q *Queue) Ack(messageID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, seen := q.dedup[messageID]; seen {
		return false
	}
	msg, ok := q.pending[messageID]
	if !ok {
		return false
	}
	delete(q.pending, messageID)
	q.remember(messageID)
	pendingGauge.Set(float64(len(q.pending)))

	q.lg.Debug().
		Str("message_id", messageID).
		Str("dialog_id", msg.dialogID).
		Int("attempts", msg.attempts).
		Msg("delivery acked")
	return true
}

// DropConnection discards all pending deliveries for a closed connection.
func (q *Queue) DropConnection(connectionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, msg := range q.pending {
		if msg.connectionID == connectionID {
			delete(q.pending, id)
		}
	}
	pendingGauge.Set(float64(len(q.pending)))
}

// PendingCount reports how many deliveries await an ack.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run drives retries and garbage collection until ctx is cancelled. The tick
// granularity is a fraction of the ack timeout so retries fire close to
// their schedule.
func (q *Queue) Run(ctx context.Context) {
	interval := q.cfg.AckTimeout / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Tick(q.now())
		}
	}
}

// Tick runs one retry/GC pass as of now. Exposed so tests can drive time.
func (q *Queue) Tick(now time.Time) {
	type resend struct {
		connectionID string
		payload      []byte
	}
	var resends []resend

	q.mu.Lock()
	for id, msg := range q.pending {
		if now.Sub(msg.createdAt) > q.cfg.PendingTTL {
			delete(q.pending, id)
			q.remember(id)
			dropCounter.Inc()
			q.lg.Warn().Str("message_id", id).Msg("delivery expired past TTL")
			continue
		}
		if now.Before(msg.nextRetryAt) {
			continue
		}
		msg.attempts++
		if msg.attempts >= q.cfg.MaxAttempts {
			delete(q.pending, id)
			q.remember(id)
			dropCounter.Inc()
			q.lg.Warn().
				Str("message_id", id).
				Str("dialog_id", msg.dialogID).
				Int("attempts", msg.attempts).
				Msg("delivery failed after retry cap")
			continue
		}
		// Exponential backoff: timeout, 2x, 4x, ...
		backoff := q.cfg.AckTimeout << uint(msg.attempts)
		msg.nextRetryAt = now.Add(backoff)
		retryCounter.Inc()
		resends = append(resends, resend{msg.connectionID, msg.payload})
	}
	if q.lastGC.IsZero() || now.Sub(q.lastGC) >= q.cfg.GCInterval {
		q.trimDedup()
		q.lastGC = now
	}
	pendingGauge.Set(float64(len(q.pending)))
	q.mu.Unlock()

	// Resend outside the lock; SendFunc may block on a socket.
	for _, r := range resends {
		if err := q.send(r.connectionID, r.payload); err != nil {
			q.lg.Debug().Err(err).Str("connection_id", r.connectionID).Msg("retry delivery failed")
		}
	}
}

// remember adds an id to the dedup set. Caller holds q.mu.
func (q *Queue) remember(id string) {
	if _, ok := q.dedup[id]; ok {
		return
	}
	q.dedup[id] = struct{}{}
	q.dedupFifo = append(q.dedupFifo, id)
}

// trimDedup drops the oldest dedup entries beyond the cap. Caller holds q.mu.
func (q *Queue) trimDedup() {
	over := len(q.dedupFifo) - q.cfg.DedupeCap
	if over <= 0 {
		return
	}
	for _, id := range q.dedupFifo[:over] {
		delete(q.dedup, id)
	}
	q.dedupFifo = append(q.dedupFifo[:0:0], q.dedupFifo[over:]...)
}
