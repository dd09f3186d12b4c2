// Package auth verifies bearer tokens against the identity provider's
// published signing keys and evaluates per-route role requirements.
package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/polisai/polis-gateway/pkg/domain"
)

// KeyProvider resolves a key id to a public key.
type KeyProvider interface {
	GetKey(ctx context.Context, kid string) (crypto.PublicKey, error)
}

// AuthenticatorConfig configures token verification.
type AuthenticatorConfig struct {
	// Issuer must equal the token's iss claim exactly.
	Issuer string
	// Algorithms is the allow-list of asymmetric signing algorithms.
	Algorithms []string
	// RolesClaim is a dotted path into the claims, e.g. realm_access.roles.
	RolesClaim string
	Clock      func() time.Time
}

// Authenticator turns a bearer token into a verified Principal.
type Authenticator struct {
	keys       KeyProvider
	issuer     string
	algorithms []string
	rolesPath  []string
	now        func() time.Time
	parser     *jwt.Parser
}

// NewAuthenticator builds an authenticator backed by keys.
func NewAuthenticator(keys KeyProvider, cfg AuthenticatorConfig) (*Authenticator, error) {
	if keys == nil {
		return nil, fmt.Errorf("%w: key provider is required", domain.ErrConfigInvalid)
	}
	if cfg.Issuer == "" {
		return nil, fmt.Errorf("%w: issuer is required", domain.ErrConfigInvalid)
	}
	if len(cfg.Algorithms) == 0 {
		cfg.Algorithms = []string{"RS256"}
	}
	for _, alg := range cfg.Algorithms {
		if keyFamily(alg) == "" {
			return nil, fmt.Errorf("%w: unsupported signing algorithm %q", domain.ErrConfigInvalid, alg)
		}
	}
	if cfg.RolesClaim == "" {
		cfg.RolesClaim = "realm_access.roles"
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}

	return &Authenticator{
		keys:       keys,
		issuer:     cfg.Issuer,
		algorithms: slices.Clone(cfg.Algorithms),
		rolesPath:  strings.Split(cfg.RolesClaim, "."),
		now:        cfg.Clock,
		parser: jwt.NewParser(
			jwt.WithValidMethods(cfg.Algorithms),
			jwt.WithExpirationRequired(),
			jwt.WithTimeFunc(cfg.Clock),
		),
	}, nil
}

// AuthenticateRequest extracts the bearer token from r and authenticates it.
func (a *Authenticator) AuthenticateRequest(r *http.Request) (*domain.Principal, error) {
	token, ok := BearerToken(r.Header.Get("Authorization"))
	if !ok {
		return nil, domain.AuthError(domain.CodeMissingToken, domain.ErrMissingToken)
	}
	return a.Authenticate(r.Context(), token)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// Authenticate verifies raw and returns the principal it describes.
// Every failure is a *domain.GatewayError of kind auth.
func (a *Authenticator) Authenticate(ctx context.Context, raw string) (*domain.Principal, error) {
	if raw == "" {
		return nil, domain.AuthError(domain.CodeMissingToken, domain.ErrMissingToken)
	}

	// Expiry is decided before the signature so an expired token is reported
	// as expired whatever key signed it.
	unverified, _, err := a.parser.ParseUnverified(raw, jwt.MapClaims{})
	if err != nil {
		return nil, domain.AuthError(domain.CodeMalformedToken, errors.Join(domain.ErrMalformedToken, err))
	}
	exp, err := unverified.Claims.GetExpirationTime()
	if err != nil || exp == nil {
		return nil, domain.AuthError(domain.CodeMalformedToken, fmt.Errorf("%w: exp claim missing or invalid", domain.ErrMalformedToken))
	}
	if !a.now().Before(exp.Time) {
		return nil, domain.AuthError(domain.CodeTokenExpired, domain.ErrTokenExpired)
	}

	alg, _ := unverified.Header["alg"].(string)
	if !slices.Contains(a.algorithms, alg) {
		return nil, domain.AuthError(domain.CodeSignatureInvalid,
			fmt.Errorf("%w: algorithm %q not accepted", domain.ErrSignatureInvalid, alg))
	}
	kid, _ := unverified.Header["kid"].(string)
	if kid == "" {
		return nil, domain.AuthError(domain.CodeUnknownSigningKey, fmt.Errorf("%w: token has no kid", domain.ErrUnknownSigningKey))
	}

	claims := jwt.MapClaims{}
	token, err := a.parser.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		key, err := a.keys.GetKey(ctx, kid)
		if err != nil {
			return nil, err
		}
		if !keyMatchesAlgorithm(key, t.Method.Alg()) {
			return nil, fmt.Errorf("%w: key %q cannot verify %s", domain.ErrSignatureInvalid, kid, t.Method.Alg())
		}
		return key, nil
	})
	if err != nil {
		return nil, classify(err)
	}
	if !token.Valid {
		return nil, domain.AuthError(domain.CodeSignatureInvalid, domain.ErrSignatureInvalid)
	}

	iss, _ := claims.GetIssuer()
	if iss != a.issuer {
		return nil, domain.AuthError(domain.CodeIssuerMismatch, fmt.Errorf("%w: got %q", domain.ErrIssuerMismatch, iss))
	}

	return a.principal(claims, exp.Time), nil
}

func (a *Authenticator) principal(claims jwt.MapClaims, expiresAt time.Time) *domain.Principal {
	sub, _ := claims.GetSubject()
	username, _ := claims["preferred_username"].(string)
	email, _ := claims["email"].(string)

	return &domain.Principal{
		Subject:   sub,
		Username:  username,
		Email:     email,
		Roles:     stringsAt(claims, a.rolesPath),
		ExpiresAt: expiresAt,
	}
}

// stringsAt walks a nested claim path and returns the string members of the array found there.
func stringsAt(claims map[string]any, path []string) []string {
	var node any = claims
	for _, segment := range path {
		obj, ok := node.(map[string]any)
		if !ok {
			return nil
		}
		node = obj[segment]
	}

	switch values := node.(type) {
	case []string:
		return slices.Clone(values)
	case []any:
		out := make([]string, 0, len(values))
		for _, v := range values {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func classify(err error) *domain.GatewayError {
	switch {
	case errors.Is(err, domain.ErrKeyFetchUnavailable):
		return domain.AuthError(domain.CodeKeyFetchUnavailable, err)
	case errors.Is(err, domain.ErrUnknownSigningKey):
		return domain.AuthError(domain.CodeUnknownSigningKey, err)
	case errors.Is(err, jwt.ErrTokenExpired):
		return domain.AuthError(domain.CodeTokenExpired, errors.Join(domain.ErrTokenExpired, err))
	case errors.Is(err, jwt.ErrTokenMalformed), errors.Is(err, jwt.ErrTokenRequiredClaimMissing):
		return domain.AuthError(domain.CodeMalformedToken, errors.Join(domain.ErrMalformedToken, err))
	default:
		return domain.AuthError(domain.CodeSignatureInvalid, errors.Join(domain.ErrSignatureInvalid, err))
	}
}

// keyFamily maps an algorithm to the key type able to verify it.
func keyFamily(alg string) string {
	switch alg {
	case "RS256", "RS384", "RS512", "PS256", "PS384", "PS512":
		return "RSA"
	case "ES256", "ES384", "ES512":
		return "EC"
	default:
		return ""
	}
}

func keyMatchesAlgorithm(key crypto.PublicKey, alg string) bool {
	switch key.(type) {
	case *rsa.PublicKey:
		return keyFamily(alg) == "RSA"
	case *ecdsa.PublicKey:
		return keyFamily(alg) == "EC"
	default:
		return false
	}
}
