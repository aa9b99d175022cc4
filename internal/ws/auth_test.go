package ws

import (
	"net/http/httptest"
	"testing"

	"github.com/tbourn/go-handoff-backend/internal/config"
)

func testAuthCfg() config.AuthConfig {
	return config.AuthConfig{
		AdminTokens: []string{"admin-secret"},
		SiteTokens: map[string][]string{
			"site-open":   nil,
			"site-scoped": {"https://example.com"},
		},
		WidgetAssistantIDs: []string{"asst-1"},
	}
}

func TestAuthenticate_AdminBearer(t *testing.T) {
	a := NewAuthenticator(testAuthCfg())

	r := httptest.NewRequest("GET", "/ws?operator_id=op-1", nil)
	r.Header.Set("Authorization", "Bearer admin-secret")
	p, code := a.Authenticate(r)
	if code != 0 {
		t.Fatalf("code = %d, want admitted", code)
	}
	if p.Kind != PrincipalAdmin || p.OperatorID != "op-1" {
		t.Fatalf("principal = %+v", p)
	}

	r = httptest.NewRequest("GET", "/ws", nil)
	r.Header.Set("Authorization", "Bearer wrong")
	if _, code := a.Authenticate(r); code != CloseAuthFailed {
		t.Fatalf("bad bearer code = %d, want %d", code, CloseAuthFailed)
	}
}

func TestAuthenticate_AdminTokenViaQuery(t *testing.T) {
	a := NewAuthenticator(testAuthCfg())

	// Browsers cannot set Authorization on EventSource requests.
	r := httptest.NewRequest("GET", "/sse?token=admin-secret", nil)
	p, code := a.Authenticate(r)
	if code != 0 || p.Kind != PrincipalAdmin {
		t.Fatalf("query-token auth failed: %+v, code %d", p, code)
	}
}

func TestAuthenticate_SiteTokenOriginScoping(t *testing.T) {
	a := NewAuthenticator(testAuthCfg())

	r := httptest.NewRequest("GET", "/ws?site_token=site-scoped", nil)
	r.Header.Set("Origin", "https://example.com")
	p, code := a.Authenticate(r)
	if code != 0 || p.Kind != PrincipalSite {
		t.Fatalf("allowed origin rejected: code %d", code)
	}

	r = httptest.NewRequest("GET", "/ws?site_token=site-scoped", nil)
	r.Header.Set("Origin", "https://evil.example")
	if _, code := a.Authenticate(r); code != CloseForbiddenDomain {
		t.Fatalf("foreign origin code = %d, want %d", code, CloseForbiddenDomain)
	}

	// Token without an origin list accepts any origin.
	r = httptest.NewRequest("GET", "/ws?site_token=site-open", nil)
	r.Header.Set("Origin", "https://anywhere.example")
	if _, code := a.Authenticate(r); code != 0 {
		t.Fatalf("open token rejected: code %d", code)
	}

	r = httptest.NewRequest("GET", "/ws?site_token=unknown", nil)
	if _, code := a.Authenticate(r); code != CloseAuthFailed {
		t.Fatalf("unknown token code = %d, want %d", code, CloseAuthFailed)
	}
}

func TestAuthenticate_Widget(t *testing.T) {
	a := NewAuthenticator(testAuthCfg())

	r := httptest.NewRequest("GET", "/ws?assistant_id=asst-1", nil)
	p, code := a.Authenticate(r)
	if code != 0 || p.Kind != PrincipalWidget {
		t.Fatalf("widget auth failed: code %d", code)
	}
	if !p.CanObserve("asst-1") {
		t.Fatal("widget cannot observe its own assistant")
	}
	if p.CanObserve("asst-other") {
		t.Fatal("widget can observe a foreign assistant")
	}

	r = httptest.NewRequest("GET", "/ws?assistant_id=asst-unknown", nil)
	if _, code := a.Authenticate(r); code != CloseAuthFailed {
		t.Fatalf("unknown assistant code = %d, want %d", code, CloseAuthFailed)
	}
}

func TestAuthenticate_NoCredentials(t *testing.T) {
	a := NewAuthenticator(testAuthCfg())
	r := httptest.NewRequest("GET", "/ws", nil)
	if _, code := a.Authenticate(r); code != CloseAuthFailed {
		t.Fatalf("code = %d, want %d", code, CloseAuthFailed)
	}
}

func TestClosePolicyTable(t *testing.T) {
	cases := map[int]ReconnectPolicy{
		CloseNormal:           PolicyNoReconnect,
		CloseProtocolError:    PolicyNoReconnect,
		CloseAuthFailed:       PolicyNoReconnect,
		CloseForbiddenDomain:  PolicyNoReconnect,
		CloseNotFound:         PolicyNoReconnect,
		CloseAuthExpired:      PolicyRefreshThenReconnect,
		CloseSuperseded:       PolicyReconnectImmediately,
		CloseRateLimited:      PolicyReconnectWithBackoff,
		CloseHeartbeatTimeout: PolicyReconnectWithBackoff,
		CloseInternalError:    PolicyReconnectWithBackoff,
		CloseOverloaded:       PolicyReconnectWithBackoff,
	}
	for code, want := range cases {
		if got := PolicyFor(code); got != want {
			t.Fatalf("PolicyFor(%d) = %v, want %v", code, got, want)
		}
	}

	httpCases := map[int]int{
		CloseAuthFailed:      401,
		CloseForbiddenDomain: 403,
		CloseNotFound:        404,
		CloseRateLimited:     429,
		CloseOverloaded:      503,
	}
	for code, want := range httpCases {
		if got := HTTPStatusFor(code); got != want {
			t.Fatalf("HTTPStatusFor(%d) = %d, want %d", code, got, want)
		}
	}
}
