package rest

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	gocache "github.com/patrickmn/go-cache"

	"github.com/wazo-pbx/xivo-provisioning/pkg/security"
)

// TokenInfo is what the verifier knows about an authenticated token.
type TokenInfo struct {
	// TenantUUID is the tenant the token acts for.
	TenantUUID string

	// Subtenants are the tenants visible below TenantUUID, used when a
	// listing asks for recurse=true.
	Subtenants []string
}

// Verifier authenticates API tokens against the auth service. An error
// means the token is missing the required ACL or is not valid at all.
type Verifier interface {
	VerifyToken(ctx context.Context, token, requiredACL string) (*TokenInfo, error)
}

// authenticatedHandler is a request handler that runs after token
// verification. info is nil when authentication is disabled.
type authenticatedHandler func(w http.ResponseWriter, r *http.Request, info *TokenInfo)

const (
	authTokenHeader = "X-Auth-Token"
	tokenCacheTTL   = 10 * time.Second
)

// authenticator checks tokens and caches positive verdicts briefly so
// a burst of requests does not hammer the auth service.
type authenticator struct {
	verifier Verifier
	cache    *gocache.Cache
}

func newAuthenticator(verifier Verifier) *authenticator {
	return &authenticator{
		verifier: verifier,
		cache:    gocache.New(tokenCacheTTL, time.Minute),
	}
}

// wrap turns an authenticated handler into a plain one, enforcing the
// ACL template. Placeholders like {id} resolve from the route
// variables.
func (a *authenticator) wrap(aclTemplate string, h authenticatedHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if a.verifier == nil {
			h(w, r, nil)
			return
		}
		token := r.Header.Get(authTokenHeader)
		if token == "" {
			security.LogAuthFailure(requestIP(r), r.URL.Path)
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "missing token"})
			return
		}
		acl := expandACL(aclTemplate, mux.Vars(r))
		info, err := a.verify(r.Context(), token, acl)
		if err != nil {
			security.LogAuthFailure(requestIP(r), r.URL.Path)
			writeJSON(w, http.StatusUnauthorized, map[string]interface{}{"error": "invalid token or insufficient authorization"})
			return
		}
		h(w, r, info)
	}
}

func (a *authenticator) verify(ctx context.Context, token, acl string) (*TokenInfo, error) {
	key := token + "\x00" + acl
	if cached, ok := a.cache.Get(key); ok {
		return cached.(*TokenInfo), nil
	}
	info, err := a.verifier.VerifyToken(ctx, token, acl)
	if err != nil {
		return nil, err
	}
	a.cache.SetDefault(key, info)
	return info, nil
}

func expandACL(template string, vars map[string]string) string {
	acl := template
	for name, value := range vars {
		acl = strings.ReplaceAll(acl, "{"+name+"}", value)
	}
	return acl
}

func requestIP(r *http.Request) string {
	host := r.RemoteAddr
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	return strings.Trim(host, "[]")
}

// callerTenant returns the tenant a request acts for, falling back to
// the engine tenant when authentication is disabled.
func (s *Server) callerTenant(info *TokenInfo) string {
	if info == nil {
		return s.app.Tenant()
	}
	return info.TenantUUID
}

// visibleTenants returns the tenants a listing may see. recurse widens
// the scope to the caller's subtenants.
func (s *Server) visibleTenants(info *TokenInfo, recurse bool) []string {
	if info == nil {
		return nil
	}
	tenants := []string{info.TenantUUID}
	if recurse {
		tenants = append(tenants, info.Subtenants...)
	}
	return tenants
}
