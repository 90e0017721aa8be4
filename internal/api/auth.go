package api

import (
	"errors"
	"net/http"
	"strings"

	"lastmile/internal/auth"
)

const (
	defaultTenant = "t_demo"
	defaultRole   = auth.RoleAdmin
)

var errUnauthenticated = errors.New("missing or invalid bearer token")

// getPrincipal extracts tenant and role from the bearer token. In dev mode
// a request without one falls back to X-Tenant-Id / X-Role headers.
func (s *Server) getPrincipal(r *http.Request) (auth.Principal, error) {
	authz := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(authz), "bearer ") && s.Auth != nil {
		tok := strings.TrimSpace(authz[len("Bearer "):])
		p, err := s.Auth.Verify(r.Context(), tok)
		if err != nil {
			return auth.Principal{}, err
		}
		return p, nil
	}
	if s.Auth != nil && s.Auth.Mode != "dev" {
		return auth.Principal{}, errUnauthenticated
	}
	tenant := r.Header.Get("X-Tenant-Id")
	if tenant == "" {
		tenant = defaultTenant
	}
	role := strings.ToLower(r.Header.Get("X-Role"))
	if role == "" {
		role = defaultRole
	}
	return auth.Principal{Tenant: tenant, Role: role}, nil
}

// authorize resolves the caller and checks it holds one of roles (any
// role when none are given). It writes the problem response on failure.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, roles ...string) (auth.Principal, bool) {
	p, err := s.getPrincipal(r)
	if err != nil {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", err.Error(), r.URL.Path)
		return auth.Principal{}, false
	}
	if len(roles) == 0 {
		return p, true
	}
	for _, role := range roles {
		if p.Role == role {
			return p, true
		}
	}
	writeProblem(w, http.StatusForbidden, "Forbidden", strings.Join(roles, " or ")+" required", r.URL.Path)
	return auth.Principal{}, false
}
