package ws

import (
	"net/http"
	"strings"

	"github.com/tbourn/go-handoff-backend/internal/config"
)

// PrincipalKind is the credential class a connection authenticated with.
type PrincipalKind string

const (
	// PrincipalAdmin is the operator/admin console, authenticated with a
	// bearer token. Admin principals may act as an operator.
	PrincipalAdmin PrincipalKind = "admin"
	// PrincipalSite is a customer site backend holding a site token scoped
	// to a set of allowed origins.
	PrincipalSite PrincipalKind = "site"
	// PrincipalWidget is the public website widget, identified only by the
	// assistant id it embeds.
	PrincipalWidget PrincipalKind = "widget"
)

// Principal is the resolved identity of an authenticated connection.
type Principal struct {
	Kind PrincipalKind
	// OperatorID is set for admin principals that supplied one; it is what
	// ties typing indicators and acks to an operator identity.
	OperatorID string
	// AssistantIDs limits which dialogs a widget principal may observe
	// (empty for admin/site principals, which may observe any dialog).
	AssistantIDs []string
}

// CanObserve reports whether the principal may observe a dialog owned by
// assistantID.
func (p *Principal) CanObserve(assistantID string) bool {
	if p.Kind != PrincipalWidget {
		return true
	}
	for _, id := range p.AssistantIDs {
		if id == assistantID {
			return true
		}
	}
	return false
}

// Authenticator resolves connection credentials to a Principal.
type Authenticator struct {
	cfg config.AuthConfig
}

// NewAuthenticator builds an Authenticator over the configured credential
// sets.
func NewAuthenticator(cfg config.AuthConfig) *Authenticator {
	return &Authenticator{cfg: cfg}
}

// Authenticate inspects the request's credentials in fixed order: admin
// bearer token, then site token (checked against the request origin), then
// widget assistant id. It returns the close code to reject with when nothing
// matches.
func (a *Authenticator) Authenticate(r *http.Request) (*Principal, int) {
	if tok := bearerToken(r); tok != "" {
		for _, t := range a.cfg.AdminTokens {
			if t == tok {
				return &Principal{
					Kind:       PrincipalAdmin,
					OperatorID: strings.TrimSpace(queryOrHeader(r, "operator_id", "X-Operator-ID")),
				}, 0
			}
		}
	}

	if tok := queryOrHeader(r, "site_token", "X-Site-Token"); tok != "" {
		origins, ok := a.cfg.SiteTokens[tok]
		if !ok {
			return nil, CloseAuthFailed
		}
		if !originAllowed(r.Header.Get("Origin"), origins) {
			return nil, CloseForbiddenDomain
		}
		return &Principal{Kind: PrincipalSite}, 0
	}

	if aid := queryOrHeader(r, "assistant_id", "X-Assistant-ID"); aid != "" {
		for _, id := range a.cfg.WidgetAssistantIDs {
			if id == aid {
				return &Principal{Kind: PrincipalWidget, AssistantIDs: []string{aid}}, 0
			}
		}
		return nil, CloseAuthFailed
	}

	return nil, CloseAuthFailed
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	// Browsers cannot set headers on websocket/EventSource requests.
	return strings.TrimSpace(r.URL.Query().Get("token"))
}

func queryOrHeader(r *http.Request, query, header string) string {
	if v := r.URL.Query().Get(query); v != "" {
		return v
	}
	return r.Header.Get(header)
}

// originAllowed matches the Origin header against a site token's allow list.
// An empty list allows any origin; an absent Origin header (server-to-server
// callers) is always accepted.
func originAllowed(origin string, allowed []string) bool {
	if len(allowed) == 0 || origin == "" {
		return true
	}
	for _, o := range allowed {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
