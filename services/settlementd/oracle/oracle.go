package oracle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrPriceUnavailable is returned when no source can produce a usable quote
// and no previous quote is cached.
var ErrPriceUnavailable = errors.New("oracle: price unavailable")

// DefaultTTL bounds how long a fetched quote is served without refreshing.
const DefaultTTL = 15 * time.Second

// Quote is one asset price in the accounting currency.
type Quote struct {
	Asset     string
	Rate      decimal.Decimal
	FetchedAt time.Time
}

// Source produces a spot rate for an asset. Implementations wrap exchange or
// aggregator HTTP APIs.
type Source interface {
	Rate(ctx context.Context, asset string) (decimal.Decimal, error)
}

// SourceFunc adapts a plain function to the Source interface.
type SourceFunc func(ctx context.Context, asset string) (decimal.Decimal, error)

// Rate implements Source.
func (f SourceFunc) Rate(ctx context.Context, asset string) (decimal.Decimal, error) {
	return f(ctx, asset)
}

// Cache serves quotes from an in-memory table, refreshing entries older than
// the TTL. When a refresh fails or yields a non-positive rate, the last known
// good quote is served instead of failing the caller.
type Cache struct {
	source Source
	ttl    time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu     sync.Mutex
	quotes map[string]Quote
}

// Option customises the cache instance.
type Option func(*Cache)

// WithTTL overrides the refresh interval.
func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

// WithLogger installs a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) { c.logger = l }
}

// WithClock sets the function used to derive timestamps.
func WithClock(clock func() time.Time) Option {
	return func(c *Cache) { c.now = clock }
}

// NewCache constructs a quote cache over the supplied source.
func NewCache(source Source, opts ...Option) (*Cache, error) {
	if source == nil {
		return nil, fmt.Errorf("oracle: source required")
	}
	cache := &Cache{
		source: source,
		ttl:    DefaultTTL,
		logger: slog.Default(),
		now:    time.Now,
		quotes: make(map[string]Quote),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cache)
		}
	}
	return cache, nil
}

// Rate returns the cached rate for the asset, refreshing it when stale.
func (c *Cache) Rate(ctx context.Context, asset string) (decimal.Decimal, error) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	if asset == "" {
		return decimal.Zero, fmt.Errorf("oracle: asset required")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	cached, ok := c.quotes[asset]
	if ok && now.Sub(cached.FetchedAt) < c.ttl {
		return cached.Rate, nil
	}

	rate, err := c.source.Rate(ctx, asset)
	if err != nil || rate.Sign() <= 0 {
		if ok {
			c.logger.Warn("oracle refresh failed, serving last known quote",
				"asset", asset,
				"age", now.Sub(cached.FetchedAt).String(),
				"err", err)
			return cached.Rate, nil
		}
		if err != nil {
			return decimal.Zero, fmt.Errorf("%w: %s: %v", ErrPriceUnavailable, asset, err)
		}
		return decimal.Zero, fmt.Errorf("%w: %s: non-positive rate %s", ErrPriceUnavailable, asset, rate)
	}

	c.quotes[asset] = Quote{Asset: asset, Rate: rate, FetchedAt: now}
	return rate, nil
}

// ConvertToUSD translates an asset amount into the accounting currency.
func (c *Cache) ConvertToUSD(ctx context.Context, asset string, amount decimal.Decimal) (decimal.Decimal, error) {
	rate, err := c.Rate(ctx, asset)
	if err != nil {
		return decimal.Zero, err
	}
	return amount.Mul(rate), nil
}
