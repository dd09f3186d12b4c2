// Package domain defines the core types shared by the gateway components.
//
// This package contains pure domain logic with ZERO external dependencies outside the
// Go standard library. The request-scoped values (Principal, TenantContext) and the
// error taxonomy live here so that the auth, tenant, governance, cache, routing and
// proxy packages can agree on them without importing each other.
//
// The dependency direction is always:
//
//	Infrastructure → Domain (CORRECT)
//	Domain → Infrastructure (FORBIDDEN)
package domain
