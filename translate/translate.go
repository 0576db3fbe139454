// Package translate implements the per-request translation pipeline: cache
// lookup, provider call, model fallback on overload, API key rotation on
// quota errors, and bounded exponential backoff for everything else.
package translate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/minios-linux/doctranslate/cache"
	"github.com/minios-linux/doctranslate/credential"
	"github.com/minios-linux/doctranslate/provider"
)

// ErrTranslationFailed is returned when every attempt for a request failed.
// It wraps the last provider error.
var ErrTranslationFailed = errors.New("translation failed")

// ---------------------------------------------------------------------------
// Translation options
// ---------------------------------------------------------------------------

// Options controls the request pipeline.
type Options struct {
	// PrimaryModel is used for every first attempt. Default: gemini-2.5-flash.
	PrimaryModel string
	// FallbackModel is used after an overload error. Empty disables fallback.
	FallbackModel string
	// SourceLanguage is the language of the documents. Default: "zh".
	SourceLanguage string
	// Subject names the documentation domain in the prompt (optional).
	Subject string
	// RetryAttempts is the number of attempts that may be consumed. Default: 3.
	RetryAttempts int
	// RequestDelay is slept after every successful provider call.
	RequestDelay time.Duration
	// RetryDelay is the backoff base for generic errors. Default: 2s.
	RetryDelay time.Duration
	// TransientRetryDelay is the backoff base for overload and quota errors. Default: 5s.
	TransientRetryDelay time.Duration
	// MaxJitter bounds the random delay added to each backoff. Default: 1s.
	MaxJitter time.Duration

	// Sleep waits for d or until ctx is done. Default: a timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// Jitter returns a random duration in [0, max). Default: math/rand.
	Jitter func(limit time.Duration) time.Duration
}

func (o *Options) effectivePrimaryModel() string {
	if o.PrimaryModel != "" {
		return o.PrimaryModel
	}
	return provider.DefaultPrimaryModel
}

func (o *Options) effectiveSourceLanguage() string {
	if o.SourceLanguage != "" {
		return o.SourceLanguage
	}
	return "zh"
}

func (o *Options) effectiveRetryAttempts() int {
	if o.RetryAttempts > 0 {
		return o.RetryAttempts
	}
	return 3
}

func (o *Options) effectiveRetryDelay() time.Duration {
	if o.RetryDelay > 0 {
		return o.RetryDelay
	}
	return 2 * time.Second
}

func (o *Options) effectiveTransientRetryDelay() time.Duration {
	if o.TransientRetryDelay > 0 {
		return o.TransientRetryDelay
	}
	return 5 * time.Second
}

func (o *Options) effectiveMaxJitter() time.Duration {
	if o.MaxJitter > 0 {
		return o.MaxJitter
	}
	return time.Second
}

func (o *Options) sleep(ctx context.Context, d time.Duration) error {
	if o.Sleep != nil {
		return o.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

func (o *Options) jitter() time.Duration {
	limit := o.effectiveMaxJitter()
	if o.Jitter != nil {
		return o.Jitter(limit)
	}
	return time.Duration(rand.Int64N(int64(limit)))
}

// Backoff returns the delay before the next attempt after the given number
// of consumed attempts (1-based): base * 2^(attempt-1) + jitter, where base
// is TransientRetryDelay for overload and quota errors.
func (o *Options) Backoff(kind provider.Kind, attempt int) time.Duration {
	base := o.effectiveRetryDelay()
	if kind == provider.KindOverload || kind == provider.KindQuota {
		base = o.effectiveTransientRetryDelay()
	}
	return time.Duration(float64(base)*math.Pow(2, float64(attempt-1))) + o.jitter()
}

// ---------------------------------------------------------------------------
// Translator
// ---------------------------------------------------------------------------

// Result is the outcome of a successful Translate.
type Result struct {
	Text string
	// Cached is true when the text came from the cache without a provider call.
	Cached bool
}

// Translator runs translation requests against a provider using a shared
// credential pool and cache. It is safe for concurrent use.
type Translator struct {
	provider provider.Provider
	pool     *credential.Pool
	cache    *cache.Cache
	opts     Options
	logger   log.FieldLogger
}

// New returns a Translator.
func New(p provider.Provider, pool *credential.Pool, c *cache.Cache, opts Options, logger log.FieldLogger) *Translator {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Translator{
		provider: p,
		pool:     pool,
		cache:    c,
		opts:     opts,
		logger:   logger,
	}
}

// requestState is the mutable state of one Translate call.
type requestState struct {
	attempt   int  // attempts consumed
	fallback  bool // using the fallback model
	cred      int  // credential index
	rotations int  // key switches so far
}

// Translate returns text translated into lang. docContext is included in the
// prompt to give the model a hint about the source document.
func (t *Translator) Translate(ctx context.Context, text, lang, docContext string) (Result, error) {
	if cached, ok := t.cache.Get(text, lang); ok {
		t.logger.WithField("lang", lang).Debug("Cache hit")
		return Result{Text: cached, Cached: true}, nil
	}

	prompt := BuildPrompt(t.opts, text, lang, docContext)
	retries := t.opts.effectiveRetryAttempts()
	maxRotations := 2 * t.pool.Len()
	primary := t.opts.effectivePrimaryModel()
	fallback := t.opts.FallbackModel

	st := requestState{cred: t.pool.Select()}
	var lastErr error

	for st.attempt < retries {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		model := primary
		if st.fallback {
			model = fallback
		}
		entry := t.logger.WithFields(log.Fields{
			"lang":  lang,
			"model": model,
			"key":   t.pool.Label(st.cred),
		})
		entry.Infof("Translating to %s (attempt %d/%d)", lang, st.attempt+1, retries)

		out, err := t.provider.Generate(ctx, provider.Request{
			APIKey: t.pool.Key(st.cred),
			Model:  model,
			Prompt: prompt,
		})
		if err == nil {
			t.pool.Record(st.cred, true)
			t.cache.Put(text, lang, out)
			if t.opts.RequestDelay > 0 {
				_ = t.opts.sleep(ctx, t.opts.RequestDelay)
			}
			return Result{Text: out}, nil
		}
		if ctx.Err() != nil {
			return Result{}, ctx.Err()
		}

		t.pool.Record(st.cred, false)
		lastErr = err
		kind := provider.Classify(err)
		entry.WithError(err).WithField("kind", kind).Warn("Translation attempt failed")

		switch {
		case kind == provider.KindOverload && !st.fallback && fallback != "" && fallback != primary:
			st.fallback = true
			entry.Infof("Switching to fallback model %s due to service overload", fallback)
			continue

		case (kind == provider.KindQuota || kind == provider.KindOverload) &&
			t.pool.Len() > 1 && st.rotations < maxRotations:
			prev := st.cred
			st.cred = t.pool.SelectOther(prev)
			st.fallback = false
			st.rotations++
			entry.Infof("Switching from %s to %s due to %s", t.pool.Label(prev), t.pool.Label(st.cred), kind)
			continue
		}

		st.attempt++
		if st.attempt >= retries {
			break
		}
		delay := t.opts.Backoff(kind, st.attempt)
		entry.Infof("Retrying in %v", delay.Round(time.Millisecond))
		if err := t.opts.sleep(ctx, delay); err != nil {
			return Result{}, err
		}
	}

	return Result{}, fmt.Errorf("%w after %d attempts: %w", ErrTranslationFailed, retries, lastErr)
}
