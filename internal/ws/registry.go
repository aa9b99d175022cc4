package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/tbourn/go-handoff-backend/internal/stream"
)

var (
	connGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "handoff_realtime_connections",
		Help: "Currently registered realtime connections.",
	})
	rejectCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "handoff_realtime_rejections_total",
		Help: "Connections rejected before registration.",
	}, []string{"reason"})
	pruneCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_realtime_pruned_total",
		Help: "Connections pruned for slow consumption or dead sockets.",
	})
	supersededCounter = promauto.NewCounter(prometheus.CounterOpts{
		Name: "handoff_realtime_superseded_total",
		Help: "Connections closed because the same identity reconnected.",
	})
)

// Registration errors map to overload close codes at the transport layer.
var (
	ErrTooManyConnections = errors.New("global connection ceiling reached")
	ErrDialogFull         = errors.New("per-dialog connection ceiling reached")
)

// ConnectionRecord is the registry's process-local view of one connection.
type ConnectionRecord struct {
	ClientID    string
	DialogID    string
	ConnectedAt time.Time
	AuthKind    PrincipalKind
	Origin      string
	// Identity is the stable reconnect identity, when the client presents
	// one. A new connection with the same identity on the same dialog
	// supersedes the old one. Empty means anonymous: never superseded.
	Identity string
}

// subscriber is what the registry fans events out to. Both transports
// (websocket conn and SSE stream) implement it.
type subscriber interface {
	// record returns the registry bookkeeping for this connection.
	record() *ConnectionRecord
	// gate returns the replay ordering gate live fan-out consults.
	gate() *replayGate
	// deliver offers an event in the transport's own framing; false means
	// the private queue is full and the subscriber must be pruned.
	deliver(ev stream.Event) bool
	// enqueue offers raw bytes (redeliveries); false means the queue is
	// full.
	enqueue(frame []byte) bool
	// kill force-closes the subscriber with a close code.
	kill(code int)
}

// Registry owns the connection tables: a flat table keyed by client id and a
// per-dialog index. Registration and removal take the lock; fan-out iterates
// a copied snapshot so a slow subscriber never blocks the tables.
type Registry struct {
	maxTotal     int
	maxPerDialog int

	mu       sync.RWMutex
	byClient map[string]subscriber
	byDialog map[string]map[string]subscriber
}

// NewRegistry builds a Registry with the given ceilings.
func NewRegistry(maxTotal, maxPerDialog int) *Registry {
	return &Registry{
		maxTotal:     maxTotal,
		maxPerDialog: maxPerDialog,
		byClient:     map[string]subscriber{},
		byDialog:     map[string]map[string]subscriber{},
	}
}

// register adds a subscriber, enforcing both ceilings. A subscriber carrying
// the identity of one already on the dialog supersedes it: the older
// connection is killed with CloseSuperseded so the client's newest connection
// always wins, and its slot is freed before the ceilings are checked. Ceiling
// violations are returned immediately; the caller rejects with a retryable
// close code.
func (r *Registry) register(s subscriber) error {
	rec := s.record()

	r.mu.Lock()
	old := r.evictIdentityLocked(rec.DialogID, rec.Identity)

	var err error
	switch {
	case len(r.byClient) >= r.maxTotal:
		rejectCounter.WithLabelValues("global_ceiling").Inc()
		err = ErrTooManyConnections
	case len(r.byDialog[rec.DialogID]) >= r.maxPerDialog:
		rejectCounter.WithLabelValues("dialog_ceiling").Inc()
		err = ErrDialogFull
	default:
		dialog := r.byDialog[rec.DialogID]
		if dialog == nil {
			dialog = map[string]subscriber{}
			r.byDialog[rec.DialogID] = dialog
		}
		r.byClient[rec.ClientID] = s
		dialog[rec.ClientID] = s
	}
	connGauge.Set(float64(len(r.byClient)))
	r.mu.Unlock()

	if old != nil {
		supersededCounter.Inc()
		old.kill(CloseSuperseded)
	}
	return err
}

// evictIdentityLocked removes the dialog's subscriber carrying identity, if
// any. The caller holds the lock and kills the returned subscriber after
// releasing it.
func (r *Registry) evictIdentityLocked(dialogID, identity string) subscriber {
	if identity == "" {
		return nil
	}
	dialog := r.byDialog[dialogID]
	for id, prev := range dialog {
		if prev.record().Identity == identity {
			delete(r.byClient, id)
			delete(dialog, id)
			if len(dialog) == 0 {
				delete(r.byDialog, dialogID)
			}
			return prev
		}
	}
	return nil
}

// unregister removes a subscriber; safe to call twice.
func (r *Registry) unregister(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.byClient[clientID]
	if !ok {
		return
	}
	rec := s.record()
	delete(r.byClient, clientID)
	if dialog := r.byDialog[rec.DialogID]; dialog != nil {
		delete(dialog, clientID)
		if len(dialog) == 0 {
			delete(r.byDialog, rec.DialogID)
		}
	}
	connGauge.Set(float64(len(r.byClient)))
}

// forDialog returns a snapshot of the dialog's subscribers. Iteration over
// the snapshot happens without the lock (copy-on-read).
func (r *Registry) forDialog(dialogID string) []subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()

	dialog := r.byDialog[dialogID]
	if len(dialog) == 0 {
		return nil
	}
	out := make([]subscriber, 0, len(dialog))
	for _, s := range dialog {
		out = append(out, s)
	}
	return out
}

// deliver fans a live event to every subscriber of the dialog. Subscribers
// still replaying their backlog have the event buffered by their gate so it
// cannot overtake older replayed events. Slow subscribers (full private
// queue) are pruned with an internal-error close; publishers are never
// blocked.
func (r *Registry) deliver(ev stream.Event) {
	for _, s := range r.forDialog(ev.DialogID) {
		if s.gate().hold(ev) {
			continue
		}
		if !s.deliver(ev) {
			pruneCounter.Inc()
			r.unregister(s.record().ClientID)
			s.kill(CloseInternalError)
		}
	}
}

// get looks up a subscriber by client id.
func (r *Registry) get(clientID string) (subscriber, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.byClient[clientID]
	return s, ok
}

// count reports how many connections are registered.
func (r *Registry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byClient)
}

// closeAll force-closes every subscriber, used on shutdown.
func (r *Registry) closeAll(code int) {
	r.mu.Lock()
	subs := make([]subscriber, 0, len(r.byClient))
	for _, s := range r.byClient {
		subs = append(subs, s)
	}
	r.byClient = map[string]subscriber{}
	r.byDialog = map[string]map[string]subscriber{}
	connGauge.Set(0)
	r.mu.Unlock()

	for _, s := range subs {
		s.kill(code)
	}
}
