package ws

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-handoff-backend/internal/config"
	"github.com/tbourn/go-handoff-backend/internal/delivery"
	"github.com/tbourn/go-handoff-backend/internal/domain"
	"github.com/tbourn/go-handoff-backend/internal/stream"
)

var errUnknownConnection = errors.New("unknown connection")

// DialogLookup resolves a dialog id to its record; the hub uses it to reject
// connections to dialogs that do not exist and to scope widget principals.
type DialogLookup interface {
	GetDialog(ctx context.Context, id string) (*domain.Dialog, error)
}

// ipVisitor holds one source IP's connection-attempt bucket.
type ipVisitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Hub is the connection manager: it accepts websocket and SSE clients,
// authenticates them, enforces rate limits and connection ceilings, replays
// missed events, and fans live bus events out to registered connections.
type Hub struct {
	cfg   config.RealtimeConfig
	auth  *Authenticator
	reg   *Registry
	store stream.Store
	bus   stream.Bus
	// events feeds operator typing frames back into the pipeline so every
	// observer (including other instances) sees them.
	events  stream.Publisher
	dialogs DialogLookup
	queue   *delivery.Queue
	lg      zerolog.Logger

	replayTail int

	upgrader websocket.Upgrader

	mu       sync.Mutex
	visitors map[string]*ipVisitor
}

// NewHub wires the connection manager. The delivery queue it creates routes
// retries back through the hub's own registry.
func NewHub(
	cfg config.RealtimeConfig,
	deliveryCfg config.DeliveryConfig,
	authCfg config.AuthConfig,
	store stream.Store,
	bus stream.Bus,
	events stream.Publisher,
	dialogs DialogLookup,
	replayTail int,
	lg zerolog.Logger,
) *Hub {
	h := &Hub{
		cfg:        cfg,
		auth:       NewAuthenticator(authCfg),
		reg:        NewRegistry(cfg.MaxConnections, cfg.MaxPerDialog),
		store:      store,
		bus:        bus,
		events:     events,
		dialogs:    dialogs,
		lg:         lg,
		replayTail: replayTail,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Origin scoping is enforced by the authenticator per site
			// token, not globally.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		visitors: map[string]*ipVisitor{},
	}
	h.queue = delivery.NewQueue(deliveryCfg, h.sendRaw, lg)
	return h
}

// Queue exposes the delivery queue so its Run loop can be started alongside
// the hub's.
func (h *Hub) Queue() *delivery.Queue { return h.queue }

// ConnectionCount reports currently registered connections.
func (h *Hub) ConnectionCount() int { return h.reg.count() }

// Run consumes the event bus and fans events out to local connections until
// ctx is cancelled, then force-closes everything.
func (h *Hub) Run(ctx context.Context) error {
	ch, err := h.bus.Subscribe(ctx)
	if err != nil {
		return err
	}
	gc := time.NewTicker(time.Minute)
	defer gc.Stop()
	for {
		select {
		case <-ctx.Done():
			h.reg.closeAll(CloseNormal)
			return ctx.Err()
		case <-gc.C:
			h.gcVisitors()
		case ev, ok := <-ch:
			if !ok {
				h.reg.closeAll(CloseInternalError)
				return nil
			}
			h.reg.deliver(ev)
		}
	}
}

// HandleWS upgrades and serves one websocket client on the ack transport.
// Admission failures close the fresh socket with the policy-bearing code so
// the client knows whether to retry.
func (h *Hub) HandleWS(c *gin.Context) {
	dialogID := c.Param("id")
	sock, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error.
		return
	}

	principal, code := h.admit(c, dialogID)
	if code != 0 {
		closeWithCode(sock, code)
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
	conn := newWSConn(rec, principal, sock, h.queue, h.cfg, h.lg, h.publishTyping)

	if err := h.reg.register(conn); err != nil {
		closeWithCode(sock, CloseOverloaded)
		return
	}
	defer h.reg.unregister(rec.ClientID)

	h.lg.Debug().
		Str("client_id", rec.ClientID).
		Str("dialog_id", dialogID).
		Str("auth_kind", string(principal.Kind)).
		Msg("websocket connected")

	go conn.writePump()
	h.replay(c.Request.Context(), conn, c.Query("last_event_id"))
	conn.readPump()
}

// clientIdentity derives the stable reconnect identity: an explicit
// client_id wins, otherwise admin operators get a per-operator identity so a
// reconnecting console supersedes its stale predecessor on the dialog.
// Anonymous connections (no identity) are never superseded.
func clientIdentity(c *gin.Context, p *Principal) string {
	if id := c.Query("client_id"); id != "" {
		return id
	}
	if p.Kind == PrincipalAdmin && p.OperatorID != "" {
		return "operator:" + p.OperatorID
	}
	return ""
}

// admit runs the shared admission pipeline: per-IP rate limit, credentials,
// dialog existence, observe permission. Returns the rejection close code, or
// 0 when admitted.
func (h *Hub) admit(c *gin.Context, dialogID string) (*Principal, int) {
	if !h.allowIP(c.ClientIP()) {
		return nil, CloseRateLimited
	}
	principal, code := h.auth.Authenticate(c.Request)
	if code != 0 {
		return nil, code
	}
	d, err := h.dialogs.GetDialog(c.Request.Context(), dialogID)
	if err != nil {
		return nil, CloseNotFound
	}
	if !principal.CanObserve(d.AssistantID) {
		return nil, CloseForbiddenDomain
	}
	return principal, 0
}

// replay pushes missed events to a fresh connection before it goes live. A
// cursor replays the whole retained gap; an empty cursor serves the recent
// tail only. Live events that raced the replay sit in the connection's gate
// and are flushed, minus duplicates, once the backlog is out.
func (h *Hub) replay(ctx context.Context, s subscriber, sinceID string) {
	g := s.gate()
	defer g.goLive(s.deliver)

	limit := h.replayTail
	if sinceID != "" {
		limit = 0 // bounded by store retention
	}
	events, err := h.store.Replay(ctx, s.record().DialogID, sinceID, limit)
	if err != nil {
		h.lg.Error().Err(err).Str("dialog_id", s.record().DialogID).Msg("replay failed")
		return
	}
	for _, ev := range events {
		if !s.deliver(ev) {
			return
		}
		g.mark(ev.ID)
	}
}

// sendRaw is the delivery queue's transport: route a payload to a local
// connection's private queue.
func (h *Hub) sendRaw(connectionID string, payload []byte) error {
	s, ok := h.reg.get(connectionID)
	if !ok {
		return errUnknownConnection
	}
	if !s.enqueue(payload) {
		return errSlowClient
	}
	return nil
}

// publishTyping forwards an operator typing frame through the event
// pipeline. Typing events are transient but still sequenced, so reconnecting
// clients never see them out of order relative to messages.
func (h *Hub) publishTyping(dialogID, operatorID, eventType string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := h.events.PublishEvent(ctx, eventType, dialogID, map[string]string{
		"operator_id": operatorID,
	}); err != nil {
		h.lg.Debug().Err(err).Str("dialog_id", dialogID).Msg("typing event dropped")
	}
}

// allowIP applies the per-source-IP connection rate limit.
func (h *Hub) allowIP(ip string) bool {
	if h.cfg.ConnRatePerIP <= 0 {
		return true
	}
	h.mu.Lock()
	v, ok := h.visitors[ip]
	if !ok {
		v = &ipVisitor{limiter: rate.NewLimiter(rate.Limit(h.cfg.ConnRatePerIP), h.cfg.ConnBurstPerIP)}
		h.visitors[ip] = v
	}
	v.lastSeen = time.Now()
	h.mu.Unlock()
	return v.limiter.Allow()
}

// gcVisitors evicts idle per-IP buckets to bound memory.
func (h *Hub) gcVisitors() {
	cutoff := time.Now().Add(-10 * time.Minute)
	h.mu.Lock()
	for ip, v := range h.visitors {
		if v.lastSeen.Before(cutoff) {
			delete(h.visitors, ip)
		}
	}
	h.mu.Unlock()
}

// closeWithCode rejects a just-upgraded socket: the close frame carries the
// policy code, then the socket is torn down.
func closeWithCode(sock *websocket.Conn, code int) {
	msg := websocket.FormatCloseMessage(code, "")
	_ = sock.SetWriteDeadline(time.Now().Add(writeWait))
	_ = sock.WriteMessage(websocket.CloseMessage, msg)
	_ = sock.Close()
}
