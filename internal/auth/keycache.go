package auth

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/logging"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

const refreshKey = "jwks"

// KeyCacheConfig configures the signing key cache.
type KeyCacheConfig struct {
	JWKSURL string
	// TTL after which the next lookup starts a background refresh.
	TTL time.Duration
	// MaxStale is how long past TTL a set may still be served while refreshes fail.
	MaxStale time.Duration
	// MissRefreshInterval is the minimum age of the cached set before an unknown kid forces a refetch.
	MissRefreshInterval time.Duration
	FetchTimeout        time.Duration

	HTTPClient *http.Client
	Clock      func() time.Time
	Logger     *zerolog.Logger
	Metrics    *telemetry.Metrics
}

// KeyCache holds the identity provider's public signing keys.
//
// Lookups are served from an immutable snapshot. Every fetch goes through one
// singleflight key, so concurrent misses and refreshes collapse into a single
// outstanding request to the JWKS endpoint.
type KeyCache struct {
	url          string
	ttl          time.Duration
	maxStale     time.Duration
	missInterval time.Duration
	fetchTimeout time.Duration

	client  *http.Client
	now     func() time.Time
	logger  zerolog.Logger
	metrics *telemetry.Metrics

	set   atomic.Pointer[keySet]
	group singleflight.Group
}

// NewKeyCache creates an empty cache; the first lookup fetches the key set.
func NewKeyCache(cfg KeyCacheConfig) (*KeyCache, error) {
	if cfg.JWKSURL == "" {
		return nil, fmt.Errorf("%w: jwks url is required", domain.ErrConfigInvalid)
	}
	if cfg.TTL <= 0 {
		return nil, fmt.Errorf("%w: jwks ttl must be positive", domain.ErrConfigInvalid)
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 5 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.FetchTimeout}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}

	return &KeyCache{
		url:          cfg.JWKSURL,
		ttl:          cfg.TTL,
		maxStale:     cfg.MaxStale,
		missInterval: cfg.MissRefreshInterval,
		fetchTimeout: cfg.FetchTimeout,
		client:       cfg.HTTPClient,
		now:          cfg.Clock,
		logger:       logging.Component(base, "auth.keycache"),
		metrics:      cfg.Metrics,
	}, nil
}

// GetKey returns the public key for kid.
//
// A set older than TTL is still served while a background refresh runs. Once
// it is older than TTL plus MaxStale the lookup waits for a fresh fetch and
// fails closed with domain.ErrKeyFetchUnavailable if that fetch fails. An
// unknown kid triggers at most one refetch per MissRefreshInterval.
func (c *KeyCache) GetKey(ctx context.Context, kid string) (crypto.PublicKey, error) {
	now := c.now()
	set := c.set.Load()

	switch {
	case set == nil || !now.Before(set.fetchedAt.Add(c.ttl+c.maxStale)):
		fresh, err := c.refresh(ctx, false)
		if err != nil {
			return nil, err
		}
		set = fresh
	case !now.Before(set.fetchedAt.Add(c.ttl)):
		c.refreshInBackground()
	}

	if key, ok := set.keys[kid]; ok {
		return key, nil
	}

	// The provider may have rotated keys since the snapshot was taken.
	fresh, err := c.refresh(ctx, false)
	if err != nil {
		return nil, err
	}
	if key, ok := fresh.keys[kid]; ok {
		return key, nil
	}
	return nil, fmt.Errorf("%w: kid %q", domain.ErrUnknownSigningKey, kid)
}

// Refresh fetches the key set now, regardless of its age.
func (c *KeyCache) Refresh(ctx context.Context) error {
	_, err := c.refresh(ctx, true)
	return err
}

// FetchedAt reports when the current key set was fetched; zero if none has been.
func (c *KeyCache) FetchedAt() time.Time {
	if set := c.set.Load(); set != nil {
		return set.fetchedAt
	}
	return time.Time{}
}

func (c *KeyCache) refresh(ctx context.Context, force bool) (*keySet, error) {
	ch := c.group.DoChan(refreshKey, func() (any, error) {
		return c.fetch(ctx, force)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*keySet), nil
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", domain.ErrKeyFetchUnavailable, ctx.Err())
	}
}

func (c *KeyCache) refreshInBackground() {
	// The channel is buffered; nobody needs to read it.
	c.group.DoChan(refreshKey, func() (any, error) {
		set, err := c.fetch(context.Background(), false)
		if err != nil {
			c.logger.Warn().Err(err).Msg("background jwks refresh failed; serving stale key set")
		}
		return set, err
	})
}

// fetch runs inside the flight. Unless forced it returns the current set when
// that set was fetched less than MissRefreshInterval ago, which absorbs callers
// that arrive just after another flight completed.
func (c *KeyCache) fetch(ctx context.Context, force bool) (*keySet, error) {
	if cur := c.set.Load(); cur != nil && !force {
		age := c.now().Sub(cur.fetchedAt)
		if age < c.missInterval && age < c.ttl {
			return cur, nil
		}
	}

	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.fetchTimeout)
	defer cancel()

	start := c.now()
	keys, err := fetchKeySet(fetchCtx, c.client, c.url)
	c.metrics.RecordJWKSRefresh(err == nil)
	if err != nil {
		c.logger.Error().Err(err).Str("jwks_url", c.url).Msg("jwks fetch failed")
		return nil, errors.Join(domain.ErrKeyFetchUnavailable, err)
	}

	set := &keySet{keys: keys, fetchedAt: c.now()}
	c.set.Store(set)
	c.logger.Info().
		Int("keys", len(keys)).
		Dur("duration", c.now().Sub(start)).
		Msg("jwks refreshed")
	return set, nil
}
