package domain

import (
	"context"
	"strconv"
	"strings"
	"time"
)

// Principal is the verified identity extracted from a bearer token.
// It lives for one request and is never persisted.
type Principal struct {
	Subject   string
	Username  string
	Email     string
	Roles     []string
	ExpiresAt time.Time
}

// HasRole reports whether the principal carries the named role.
func (p *Principal) HasRole(role string) bool {
	if p == nil {
		return false
	}
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// MissingRoles returns the required roles the principal does not hold.
func (p *Principal) MissingRoles(required []string) []string {
	var missing []string
	for _, role := range required {
		if !p.HasRole(role) {
			missing = append(missing, role)
		}
	}
	return missing
}

// TenantContext is the (business unit, country code) scope a request is evaluated under.
// It is created once at request start and never mutated.
type TenantContext struct {
	BusinessUnit  string
	CountryCode   string
	CorrelationID string
}

// Scope returns the canonical tenant scope string used for cache partitioning.
// The business unit is length-prefixed so no pair of values can produce the
// scope of another pair, whatever bytes they contain.
func (t TenantContext) Scope() string {
	bu := strings.ToLower(t.BusinessUnit)
	return strconv.Itoa(len(bu)) + ":" + bu + "|" + strings.ToUpper(t.CountryCode)
}

// SameScope reports whether both contexts describe the same tenant.
func (t TenantContext) SameScope(other TenantContext) bool {
	return t.Scope() == other.Scope()
}

type principalKey struct{}

// WithPrincipal attaches the authenticated principal to ctx.
func WithPrincipal(ctx context.Context, principal *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, principal)
}

// PrincipalFromContext returns the principal attached to ctx, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	principal, ok := ctx.Value(principalKey{}).(*Principal)
	return principal, ok && principal != nil
}
