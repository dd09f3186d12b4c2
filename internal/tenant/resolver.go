// Package tenant derives the tenant scope of a request from its headers.
package tenant

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// Default header names.
const (
	HeaderBusinessUnit  = "x-business-unit"
	HeaderCountryCode   = "x-country-code"
	HeaderCorrelationID = "x-correlation-id"
)

// maxCorrelationIDLen caps client-supplied correlation ids.
const maxCorrelationIDLen = 128

// maxTenantValueLen caps business unit and country code values.
const maxTenantValueLen = 64

// Config names the headers the resolver reads.
type Config struct {
	BusinessUnitHeader  string
	CountryCodeHeader   string
	CorrelationIDHeader string
}

// Resolver is a pure function of the request headers. It never calls out and
// never consults the principal: the tenant scopes caching and upstream
// queries, it does not grant anything.
type Resolver struct {
	buHeader          string
	countryHeader     string
	correlationHeader string
	newID             func() string
}

// NewResolver creates a resolver; empty header names fall back to the defaults.
func NewResolver(cfg Config) *Resolver {
	r := &Resolver{
		buHeader:          cfg.BusinessUnitHeader,
		countryHeader:     cfg.CountryCodeHeader,
		correlationHeader: cfg.CorrelationIDHeader,
		newID:             uuid.NewString,
	}
	if r.buHeader == "" {
		r.buHeader = HeaderBusinessUnit
	}
	if r.countryHeader == "" {
		r.countryHeader = HeaderCountryCode
	}
	if r.correlationHeader == "" {
		r.correlationHeader = HeaderCorrelationID
	}
	return r
}

// Resolve builds the tenant context. Business unit is lower-cased and country
// code upper-cased. Both must be tokens of ASCII letters, digits, '-' and '_'.
// A missing correlation id is generated.
func (r *Resolver) Resolve(h http.Header) (domain.TenantContext, error) {
	bu := strings.ToLower(strings.TrimSpace(h.Get(r.buHeader)))
	if bu == "" {
		return domain.TenantContext{}, domain.TenantError(domain.CodeMissingBusinessUnit, domain.ErrMissingBusinessUnit)
	}
	if !isToken(bu) {
		return domain.TenantContext{}, domain.TenantError(domain.CodeInvalidBusinessUnit, domain.ErrInvalidBusinessUnit)
	}
	country := strings.ToUpper(strings.TrimSpace(h.Get(r.countryHeader)))
	if country == "" {
		return domain.TenantContext{}, domain.TenantError(domain.CodeMissingCountryCode, domain.ErrMissingCountryCode)
	}
	if !isToken(country) {
		return domain.TenantContext{}, domain.TenantError(domain.CodeInvalidCountryCode, domain.ErrInvalidCountryCode)
	}

	correlationID := strings.TrimSpace(h.Get(r.correlationHeader))
	if correlationID == "" || len(correlationID) > maxCorrelationIDLen {
		correlationID = r.newID()
	}

	return domain.TenantContext{
		BusinessUnit:  bu,
		CountryCode:   country,
		CorrelationID: correlationID,
	}, nil
}

func isToken(v string) bool {
	if len(v) > maxTenantValueLen {
		return false
	}
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9', c == '-', c == '_':
		default:
			return false
		}
	}
	return true
}

// Headers returns the header names used for propagation to upstreams.
func (r *Resolver) Headers() (businessUnit, countryCode, correlationID string) {
	return r.buHeader, r.countryHeader, r.correlationHeader
}

// CorrelationID returns the request's correlation id or a new one. Used when
// a request is rejected before tenant resolution completes.
func (r *Resolver) CorrelationID(h http.Header) string {
	if id := strings.TrimSpace(h.Get(r.correlationHeader)); id != "" && len(id) <= maxCorrelationIDLen {
		return id
	}
	return r.newID()
}
