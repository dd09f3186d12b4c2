package auth

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

// maxJWKSBytes bounds the key set document read from the identity provider.
const maxJWKSBytes = 1 << 20

// keySet is one immutable snapshot of the identity provider's signing keys.
type keySet struct {
	keys      map[string]crypto.PublicKey
	fetchedAt time.Time
}

type jwksDocument struct {
	Keys []json.RawMessage `json:"keys"`
}

func fetchKeySet(ctx context.Context, client *http.Client, url string) (map[string]crypto.PublicKey, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build jwks request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("jwks request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("jwks endpoint returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxJWKSBytes))
	if err != nil {
		return nil, fmt.Errorf("read jwks response: %w", err)
	}
	return parseKeySet(body)
}

// parseKeySet decodes a JWKS document. Keys without a kid, keys not meant for
// signatures and keys that are not RSA or EC public keys are skipped, as is any
// entry go-jose rejects (bad encoding, EC point off its curve).
func parseKeySet(body []byte) (map[string]crypto.PublicKey, error) {
	var doc jwksDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("parse jwks: %w", err)
	}
	if doc.Keys == nil {
		return nil, errors.New("parse jwks: document has no keys member")
	}

	keys := make(map[string]crypto.PublicKey, len(doc.Keys))
	for _, raw := range doc.Keys {
		var k jose.JSONWebKey
		if err := k.UnmarshalJSON(raw); err != nil || k.Key == nil {
			continue
		}
		kid := strings.TrimSpace(k.KeyID)
		if kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		if !k.IsPublic() {
			k = k.Public()
		}
		switch pub := k.Key.(type) {
		case *rsa.PublicKey:
			keys[kid] = pub
		case *ecdsa.PublicKey:
			keys[kid] = pub
		}
	}
	return keys, nil
}
