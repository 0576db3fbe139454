package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/minios-linux/doctranslate/credential"
	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ---------------------------------------------------------------------------
// Circuit breaker
// ---------------------------------------------------------------------------

// BreakerOpenTimeout is how long a tripped key is rested before a probe call.
const BreakerOpenTimeout = 60 * time.Second

type breakerProvider struct {
	next      Provider
	threshold uint32
	logger    log.FieldLogger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// WithBreaker wraps p with one circuit breaker per API key, named by the
// masked key as shown in the key usage report. A key's breaker
// opens after threshold consecutive failures; while open, calls fail fast
// with an error that Classify reports as KindQuota.
// A threshold of zero returns p unchanged.
func WithBreaker(p Provider, threshold int, logger log.FieldLogger) Provider {
	if threshold <= 0 {
		return p
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &breakerProvider{
		next:      p,
		threshold: uint32(threshold),
		logger:    logger,
		breakers:  make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (b *breakerProvider) breaker(apiKey string) *gobreaker.CircuitBreaker {
	b.mu.Lock()
	defer b.mu.Unlock()

	if cb, ok := b.breakers[apiKey]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        credential.MaskKey(apiKey),
		MaxRequests: 1,
		Timeout:     BreakerOpenTimeout,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= b.threshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.WithField("breaker", name).Warnf("Circuit breaker %s -> %s", from, to)
		},
	})
	b.breakers[apiKey] = cb
	return cb
}

func (b *breakerProvider) Generate(ctx context.Context, req Request) (string, error) {
	out, err := b.breaker(req.APIKey).Execute(func() (interface{}, error) {
		return b.next.Generate(ctx, req)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// ---------------------------------------------------------------------------
// Rate limit
// ---------------------------------------------------------------------------

type rateLimitedProvider struct {
	next    Provider
	limiter *rate.Limiter
}

// WithRateLimit wraps p so that at most perMinute calls start per minute,
// across all keys and goroutines. Zero or negative returns p unchanged.
func WithRateLimit(p Provider, perMinute int) Provider {
	if perMinute <= 0 {
		return p
	}
	return &rateLimitedProvider{
		next:    p,
		limiter: rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), 1),
	}
}

func (r *rateLimitedProvider) Generate(ctx context.Context, req Request) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for rate limiter: %w", err)
	}
	return r.next.Generate(ctx, req)
}
