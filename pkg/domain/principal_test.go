package domain

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestScopeSeparatorInValues(t *testing.T) {
	a := TenantContext{BusinessUnit: "ops|7", CountryCode: "1"}
	b := TenantContext{BusinessUnit: "ops", CountryCode: "7|1"}

	assert.NotEqual(t, a.Scope(), b.Scope())
	assert.False(t, a.SameScope(b))
}

func TestScopeNormalizesCase(t *testing.T) {
	a := TenantContext{BusinessUnit: "Customs", CountryCode: "ng", CorrelationID: "a"}
	b := TenantContext{BusinessUnit: "customs", CountryCode: "NG", CorrelationID: "b"}

	assert.Equal(t, a.Scope(), b.Scope())
	assert.True(t, a.SameScope(b))
}

// Distinct normalized (business unit, country) pairs never share a scope.
func TestScopeInjective(t *testing.T) {
	part := rapid.OneOf(
		rapid.SampledFrom([]string{"", "|", "ops", "ops|7", "7|1", "1", "3:ops", "2:"}),
		rapid.String(),
	)
	rapid.Check(t, func(rt *rapid.T) {
		a := TenantContext{BusinessUnit: part.Draw(rt, "bu_a"), CountryCode: part.Draw(rt, "cc_a")}
		b := TenantContext{BusinessUnit: part.Draw(rt, "bu_b"), CountryCode: part.Draw(rt, "cc_b")}

		samePair := strings.ToLower(a.BusinessUnit) == strings.ToLower(b.BusinessUnit) &&
			strings.ToUpper(a.CountryCode) == strings.ToUpper(b.CountryCode)
		if samePair != (a.Scope() == b.Scope()) {
			rt.Fatalf("scope equality %v for %q and %q", !samePair, a.Scope(), b.Scope())
		}
	})
}

func TestPrincipalContext(t *testing.T) {
	ctx := context.Background()
	_, ok := PrincipalFromContext(ctx)
	assert.False(t, ok)

	ctx = WithPrincipal(ctx, nil)
	_, ok = PrincipalFromContext(ctx)
	assert.False(t, ok)

	ctx = WithPrincipal(ctx, &Principal{Subject: "user-1"})
	p, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "user-1", p.Subject)
}
