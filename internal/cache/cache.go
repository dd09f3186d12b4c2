// Package cache implements the tenant-scoped response cache.
//
// Keys are derived from the tenant scope, method, cleaned path and the
// relevant query parameters, so two tenants issuing the same request never
// share an entry. Each entry also records the scope it was stored under and
// lookups re-check it before serving.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/polisai/polis-gateway/pkg/domain"
	"github.com/polisai/polis-gateway/pkg/logging"
	"github.com/polisai/polis-gateway/pkg/storage"
	"github.com/polisai/polis-gateway/pkg/telemetry"
)

// HeaderCache is set on every response served from the cache.
const HeaderCache = "X-Cache"

const defaultMaxBodyBytes = 1 << 20

// headers never stored with a cached response
var skippedHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
	"Set-Cookie":          {},
	"Content-Length":      {},
	"Date":                {},
	HeaderCache:           {},
}

// Config configures the response cache.
type Config struct {
	Store storage.ResponseStore
	// MaxBodyBytes caps the size of a cacheable body. Zero means 1 MiB.
	MaxBodyBytes int
	// WriteTimeout bounds one asynchronous store write. Zero means 2s.
	WriteTimeout time.Duration

	Logger  *zerolog.Logger
	Metrics *telemetry.Metrics
}

// Request identifies a cacheable request.
type Request struct {
	Tenant domain.TenantContext
	Method string
	// Path is the canonical request path. It is keyed verbatim.
	Path  string
	Query url.Values
	// VaryQuery restricts the key to the named query parameters. Empty means all of them.
	VaryQuery []string
}

// Response is a cached upstream response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

type entry struct {
	Scope    string              `json:"scope"`
	Status   int                 `json:"status"`
	Header   map[string][]string `json:"header,omitempty"`
	Body     []byte              `json:"body"`
	StoredAt time.Time           `json:"stored_at"`
}

// Cache is the response cache.
type Cache struct {
	store        storage.ResponseStore
	maxBody      int
	writeTimeout time.Duration
	logger       zerolog.Logger
	metrics      *telemetry.Metrics

	pending sync.WaitGroup
}

// New creates a cache over cfg.Store.
func New(cfg Config) (*Cache, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("%w: cache store is required", domain.ErrConfigInvalid)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 2 * time.Second
	}
	base := log.Logger
	if cfg.Logger != nil {
		base = *cfg.Logger
	}
	return &Cache{
		store:        cfg.Store,
		maxBody:      cfg.MaxBodyBytes,
		writeTimeout: cfg.WriteTimeout,
		logger:       logging.Component(base, "cache"),
		metrics:      cfg.Metrics,
	}, nil
}

// Key derives the storage key for req.
func Key(req Request) string {
	h := sha256.New()
	for _, part := range []string{
		req.Tenant.Scope(),
		strings.ToUpper(req.Method),
		keyPath(req.Path),
		canonicalQuery(req.Query, req.VaryQuery),
	} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

func keyPath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}

func canonicalQuery(q url.Values, vary []string) string {
	if len(q) == 0 {
		return ""
	}
	names := vary
	if len(names) == 0 {
		names = make([]string, 0, len(q))
		for name := range q {
			names = append(names, name)
		}
	}
	names = slices.Clone(names)
	slices.Sort(names)
	names = slices.Compact(names)

	var b strings.Builder
	for _, name := range names {
		values, ok := q[name]
		if !ok {
			continue
		}
		values = slices.Clone(values)
		slices.Sort(values)
		for _, v := range values {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(name))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// Eligible reports whether a request with this method may be looked up or stored.
func Eligible(method string) bool {
	return method == http.MethodGet
}

// Storable reports whether an upstream response may be cached.
func (c *Cache) Storable(resp *Response) bool {
	if resp == nil || resp.Status != http.StatusOK || len(resp.Body) > c.maxBody {
		return false
	}
	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	return !strings.Contains(cc, "no-store") && !strings.Contains(cc, "private")
}

// Get returns the cached response for req. Store errors are logged and reported as a miss.
func (c *Cache) Get(ctx context.Context, req Request) (*Response, bool) {
	if !Eligible(req.Method) {
		return nil, false
	}

	raw, ok, err := c.store.Get(ctx, Key(req))
	if err != nil {
		c.logger.Warn().Err(err).Str("path", req.Path).Msg("cache lookup failed")
		c.metrics.RecordCacheLookup(false)
		return nil, false
	}
	if !ok {
		c.metrics.RecordCacheLookup(false)
		return nil, false
	}

	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		c.logger.Warn().Err(err).Str("path", req.Path).Msg("discarding undecodable cache entry")
		c.metrics.RecordCacheLookup(false)
		return nil, false
	}
	if e.Scope != req.Tenant.Scope() {
		c.logger.Error().
			Str("entry_scope", e.Scope).
			Str("request_scope", req.Tenant.Scope()).
			Msg("cache entry scope mismatch")
		c.metrics.RecordCacheLookup(false)
		return nil, false
	}

	c.metrics.RecordCacheLookup(true)
	return &Response{Status: e.Status, Header: http.Header(e.Header), Body: e.Body}, true
}

// Store writes resp synchronously.
func (c *Cache) Store(ctx context.Context, req Request, resp *Response, ttl time.Duration) error {
	if !Eligible(req.Method) || !c.Storable(resp) || ttl <= 0 {
		return nil
	}

	raw, err := json.Marshal(entry{
		Scope:    req.Tenant.Scope(),
		Status:   resp.Status,
		Header:   storedHeaders(resp.Header),
		Body:     resp.Body,
		StoredAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("cache: encode entry: %w", err)
	}
	return c.store.Set(ctx, Key(req), raw, ttl)
}

// Put stores resp in the background. The caller does not wait for the write,
// and cancelling ctx does not abort it.
func (c *Cache) Put(ctx context.Context, req Request, resp *Response, ttl time.Duration) {
	if !Eligible(req.Method) || !c.Storable(resp) || ttl <= 0 {
		return
	}

	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.writeTimeout)
		defer cancel()
		if err := c.Store(writeCtx, req, resp, ttl); err != nil {
			c.logger.Warn().Err(err).Str("path", req.Path).Msg("cache store failed")
		}
	}()
}

// Wait blocks until background writes started by Put have finished.
func (c *Cache) Wait() {
	c.pending.Wait()
}

// Sweep evicts expired entries from the backing store.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	return c.store.Sweep(ctx)
}

func storedHeaders(h http.Header) map[string][]string {
	out := make(map[string][]string, len(h))
	for name, values := range h {
		if _, skip := skippedHeaders[http.CanonicalHeaderKey(name)]; skip {
			continue
		}
		out[name] = slices.Clone(values)
	}
	return out
}

// Serve writes a cached response to w.
func (r *Response) Serve(w http.ResponseWriter) {
	for name, values := range r.Header {
		for _, v := range values {
			w.Header().Add(name, v)
		}
	}
	w.Header().Set(HeaderCache, "HIT")
	w.WriteHeader(r.Status)
	_, _ = w.Write(r.Body)
}
