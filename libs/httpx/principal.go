package httpx

import (
	"net/http"
	"strings"
)

// Headers set by the gateway after token verification. Backend services trust
// them only because the gateway strips any client-supplied values first.
const (
	HeaderUserID   = "X-User-Id"
	HeaderRole     = "X-Role"
	HeaderUserName = "X-User-Name"
)

type Principal struct {
	ID   string
	Role string
	Name string
}

func (p Principal) HasRole(roles ...string) bool {
	for _, r := range roles {
		if strings.EqualFold(p.Role, r) {
			return true
		}
	}
	return false
}

func PrincipalFromRequest(r *http.Request) (Principal, bool) {
	p := Principal{
		ID:   strings.TrimSpace(r.Header.Get(HeaderUserID)),
		Role: strings.TrimSpace(r.Header.Get(HeaderRole)),
		Name: strings.TrimSpace(r.Header.Get(HeaderUserName)),
	}
	if p.ID == "" {
		return Principal{}, false
	}
	return p, true
}

func SetPrincipalHeaders(h http.Header, p Principal) {
	h.Del(HeaderUserID)
	h.Del(HeaderRole)
	h.Del(HeaderUserName)
	h.Set(HeaderUserID, p.ID)
	h.Set(HeaderRole, p.Role)
	if p.Name != "" {
		h.Set(HeaderUserName, p.Name)
	}
}

// WithoutClientPrincipal drops principal headers sent by the client so only
// the gateway's own authentication can set them.
func WithoutClientPrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Header.Del(HeaderUserID)
		r.Header.Del(HeaderRole)
		r.Header.Del(HeaderUserName)
		next.ServeHTTP(w, r)
	})
}
