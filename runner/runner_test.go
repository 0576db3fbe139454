package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
	"gopkg.in/yaml.v3"

	"github.com/minios-linux/doctranslate/cache"
	"github.com/minios-linux/doctranslate/config"
	"github.com/minios-linux/doctranslate/credential"
	"github.com/minios-linux/doctranslate/provider"
	"github.com/minios-linux/doctranslate/scan"
	"github.com/minios-linux/doctranslate/translate"
)

// ---------------------------------------------------------------------------
// Fixture
// ---------------------------------------------------------------------------

type fakeProvider struct {
	mu      sync.Mutex
	calls   []provider.Request
	respond func(req provider.Request) (string, error)
}

func (f *fakeProvider) Generate(ctx context.Context, req provider.Request) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, req)
	f.mu.Unlock()
	return f.respond(req)
}

func (f *fakeProvider) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeDetector map[string]bool

func (d fakeDetector) Modified(path string) bool { return d[path] }

type project struct {
	root      string
	cfg       *config.Config
	cachePath string
	prov      *fakeProvider
	pool      *credential.Pool
	sleeps    []time.Duration
	sleepMu   sync.Mutex
}

func newProject(t *testing.T, keys []string, langs []string, respond func(provider.Request) (string, error)) *project {
	t.Helper()
	cfg := config.Default()
	cfg.TargetLanguages = langs
	cfg.DelayBetweenRequests = 0

	pool, err := credential.NewPool(keys)
	require.NoError(t, err)

	root := t.TempDir()
	return &project{
		root:      root,
		cfg:       cfg,
		cachePath: filepath.Join(root, cache.DefaultPath),
		prov:      &fakeProvider{respond: respond},
		pool:      pool,
	}
}

func (p *project) write(t *testing.T, rel, content string) string {
	t.Helper()
	path := filepath.Join(p.root, "docs", filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func (p *project) sleep(ctx context.Context, d time.Duration) error {
	p.sleepMu.Lock()
	p.sleeps = append(p.sleeps, d)
	p.sleepMu.Unlock()
	return ctx.Err()
}

// runner builds a fresh Runner with its own cache loaded from disk, as a new
// process would.
func (p *project) runner(t *testing.T, detector scan.ChangeDetector, force bool) (*Runner, *cache.Cache) {
	t.Helper()
	logger, _ := test.NewNullLogger()
	c := cache.Open(cache.OpenStore(p.cachePath), logger)
	c.SetRefresh(force)

	tr := translate.New(p.prov, p.pool, c, translate.Options{
		FallbackModel: p.cfg.FallbackModel,
		RetryAttempts: p.cfg.RetryAttempts,
		Sleep:         p.sleep,
		Jitter:        func(time.Duration) time.Duration { return 0 },
	}, logger)

	return New(Deps{
		Config:     p.cfg,
		Root:       p.root,
		Translator: tr,
		Cache:      c,
		Pool:       p.pool,
		Detector:   detector,
		Force:      force,
		Logger:     logger,
	}), c
}

func always(text string) func(provider.Request) (string, error) {
	return func(provider.Request) (string, error) { return text, nil }
}

// ---------------------------------------------------------------------------
// End-to-end scenarios
// ---------------------------------------------------------------------------

func TestRunTranslatesThenServesFromCache(t *testing.T) {
	p := newProject(t, []string{"only-key-aaaaa"}, []string{"en"}, always("Hello"))
	src := p.write(t, "a.md", "你好")

	r, _ := p.runner(t, scan.AllModified{}, false)
	sum, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, p.prov.CallCount())
	assert.Equal(t, Stats{Translated: 1}, sum.Stats)
	assert.False(t, sum.Failed())

	out := filepath.Join(p.root, "docs", "i18n", "a.en.md")
	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "Hello", string(data))

	raw, err := os.ReadFile(p.cachePath)
	require.NoError(t, err)
	var stored map[string]string
	require.NoError(t, json.Unmarshal(raw, &stored))
	assert.Equal(t, map[string]string{"en_" + cache.Hash("你好en"): "Hello"}, stored)

	// Second run with the output gone: served from cache, no provider call.
	require.NoError(t, os.Remove(out))
	r2, _ := p.runner(t, scan.AllModified{}, false)
	sum, err = r2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, p.prov.CallCount())
	assert.Equal(t, Stats{Cached: 1}, sum.Stats)
	assert.FileExists(t, out)

	// Third run: output newer than source.
	now := time.Now()
	require.NoError(t, os.Chtimes(src, now.Add(-time.Hour), now.Add(-time.Hour)))
	r3, _ := p.runner(t, scan.AllModified{}, false)
	sum, err = r3.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{UpToDate: 1}, sum.Stats)
}

func TestRunRotatesAwayFromQuotaKey(t *testing.T) {
	keys := []string{"key-one-aaaaaa", "key-two-bbbbbb"}
	p := newProject(t, keys, []string{"en"}, func(req provider.Request) (string, error) {
		if req.APIKey == keys[0] {
			return "", genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED", Message: "quota exceeded"}
		}
		return "Hello", nil
	})
	p.write(t, "a.md", "你好")

	r, _ := p.runner(t, scan.AllModified{}, false)
	sum, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Stats{Translated: 1}, sum.Stats)
	require.Len(t, sum.Keys, 2)
	assert.Equal(t, 1, sum.Keys[0].Usage)
	assert.Equal(t, 1, sum.Keys[0].Errors)
	assert.Equal(t, 1, sum.Keys[1].Usage)
	assert.Equal(t, 0, sum.Keys[1].Errors)

	var buf bytes.Buffer
	sum.Print(&buf)
	assert.Contains(t, buf.String(), "Key-2 (key-...bbbb): 1 requests, 0 errors (100.0% success)")
}

func TestRunAllAttemptsFail(t *testing.T) {
	overloaded := func(provider.Request) (string, error) {
		return "", genai.APIError{Code: 503, Status: "UNAVAILABLE", Message: "The model is overloaded."}
	}
	p := newProject(t, []string{"only-key-aaaaa"}, []string{"en"}, overloaded)
	p.cfg.FallbackModel = ""
	p.write(t, "a.md", "你好")

	r, _ := p.runner(t, scan.AllModified{}, false)
	sum, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, p.prov.CallCount())
	assert.Equal(t, []time.Duration{5 * time.Second, 10 * time.Second}, p.sleeps)
	assert.Equal(t, Stats{Errors: 1}, sum.Stats)
	assert.True(t, sum.Failed())
	require.Len(t, sum.Failures, 1)
	assert.Equal(t, "a.md", sum.Failures[0].Document)
	assert.Equal(t, "en", sum.Failures[0].Language)
	assert.NoFileExists(t, filepath.Join(p.root, "docs", "i18n", "a.en.md"))
}

func TestRunPartialFailureIsNotFatal(t *testing.T) {
	p := newProject(t, []string{"only-key-aaaaa"}, []string{"en", "ja"}, func(req provider.Request) (string, error) {
		if strings.Contains(req.Prompt, "to Japanese") {
			return "", errors.New("bad request")
		}
		return "Hello", nil
	})
	p.cfg.RetryAttempts = 1
	p.write(t, "a.md", "你好")

	r, _ := p.runner(t, scan.AllModified{}, false)
	sum, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, Stats{Translated: 1, Errors: 1}, sum.Stats)
	assert.False(t, sum.Failed())

	var buf bytes.Buffer
	sum.Print(&buf)
	assert.Contains(t, buf.String(), "partial success")
	assert.Contains(t, buf.String(), "a.md [ja]: ")
}

// ---------------------------------------------------------------------------
// Orchestration details
// ---------------------------------------------------------------------------

func TestRunSkipsUnmodifiedDocuments(t *testing.T) {
	p := newProject(t, []string{"only-key-aaaaa"}, []string{"en", "ja"}, always("x"))
	changed := p.write(t, "changed.md", "改")
	p.write(t, "same.md", "同")

	r, _ := p.runner(t, fakeDetector{changed: true}, false)
	sum, err := r.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, p.prov.CallCount())
	assert.Equal(t, Stats{Translated: 2, Skipped: 1}, sum.Stats)
	assert.Equal(t, 2, sum.Documents)
}

func TestRunForceIgnoresChangesFreshnessAndCache(t *testing.T) {
	p := newProject(t, []string{"only-key-aaaaa"}, []string{"en"}, always("Hello"))
	p.write(t, "a.md", "你好")

	r, _ := p.runner(t, fakeDetector{}, true)
	_, err := r.Run(context.Background())
	require.NoError(t, err)

	r2, _ := p.runner(t, fakeDetector{}, true)
	sum, err := r2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, p.prov.CallCount())
	assert.Equal(t, Stats{Translated: 1}, sum.Stats)
}

func TestRunDoesNotDescendIntoOutputDir(t *testing.T) {
	p := newProject(t, []string{"only-key-aaaaa"}, []string{"en"}, always("x"))
	p.write(t, "guide/a.md", "一")
	p.write(t, "guide/i18n/a.en.md", "already translated")

	r, _ := p.runner(t, scan.AllModified{}, true)
	docs, err := r.Documents()
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "guide/a.md", docs[0].Rel)
}

// concurrencyProbe records the peak number of in-flight Generate calls.
type concurrencyProbe struct {
	mu       sync.Mutex
	inFlight int
	peak     int
	calls    int
}

func (c *concurrencyProbe) Generate(ctx context.Context, req provider.Request) (string, error) {
	c.mu.Lock()
	c.inFlight++
	c.calls++
	if c.inFlight > c.peak {
		c.peak = c.inFlight
	}
	c.mu.Unlock()

	time.Sleep(20 * time.Millisecond)

	c.mu.Lock()
	c.inFlight--
	c.mu.Unlock()
	return "ok", nil
}

func TestRunBoundsConcurrencyPerBatch(t *testing.T) {
	p := newProject(t, []string{"only-key-aaaaa"}, []string{"en", "ja", "ko", "fr", "de"}, nil)
	p.cfg.MaxConcurrentTranslations = 2
	p.write(t, "a.md", "一")
	p.write(t, "b.md", "二")

	probe := &concurrencyProbe{}
	logger, _ := test.NewNullLogger()
	c := cache.Open(cache.OpenStore(p.cachePath), logger)
	tr := translate.New(probe, p.pool, c, translate.Options{}, logger)
	r := New(Deps{Config: p.cfg, Root: p.root, Translator: tr, Cache: c, Logger: logger})

	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, probe.calls)
	assert.Equal(t, 10, sum.Stats.Translated)
	assert.LessOrEqual(t, probe.peak, 2)
}

func TestRunCanceledStillFlushesCache(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := newProject(t, []string{"only-key-aaaaa"}, []string{"en"}, nil)
	p.prov.respond = func(provider.Request) (string, error) {
		cancel()
		return "Hello", nil
	}
	p.write(t, "a.md", "一")
	p.write(t, "b.md", "二")

	r, _ := p.runner(t, scan.AllModified{}, false)
	sum, err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, sum)
	assert.True(t, sum.Canceled)
	assert.Equal(t, 1, p.prov.CallCount())

	again := cache.Open(cache.OpenStore(p.cachePath), nil)
	assert.Equal(t, 1, again.Len())
}

func TestRunFlushesEveryNDocuments(t *testing.T) {
	p := newProject(t, []string{"only-key-aaaaa"}, []string{"en"}, always("x"))
	p.cfg.CacheFlushEvery = 1
	p.write(t, "a.md", "一")

	calls := 0
	p.prov.respond = func(provider.Request) (string, error) {
		calls++
		if calls == 2 {
			// The first document's result must already be on disk.
			again := cache.Open(cache.OpenStore(p.cachePath), nil)
			if again.Len() != 1 {
				return "", errors.New("cache not flushed")
			}
		}
		return "x", nil
	}
	p.write(t, "b.md", "二")

	r, _ := p.runner(t, scan.AllModified{}, false)
	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Stats{Translated: 2}, sum.Stats)
}

func TestRunMissingContentDir(t *testing.T) {
	p := newProject(t, []string{"only-key-aaaaa"}, []string{"en"}, always("x"))
	r, _ := p.runner(t, scan.AllModified{}, false)
	sum, err := r.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, sum)
	assert.Equal(t, Stats{}, sum.Stats)
	assert.Zero(t, sum.Documents)
	assert.False(t, sum.Failed())
	assert.Zero(t, p.prov.CallCount())
}

// ---------------------------------------------------------------------------
// Plan, live keys and report
// ---------------------------------------------------------------------------

func TestPlan(t *testing.T) {
	p := newProject(t, []string{"only-key-aaaaa"}, []string{"en", "ja", "ko"}, always("x"))
	changed := p.write(t, "a.md", "你好")
	p.write(t, "b.md", "再见")

	outJA := filepath.Join(p.root, "docs", "i18n", "a.ja.md")
	require.NoError(t, os.MkdirAll(filepath.Dir(outJA), 0755))
	require.NoError(t, os.WriteFile(outJA, []byte("こんにちは"), 0644))
	now := time.Now()
	require.NoError(t, os.Chtimes(changed, now.Add(-time.Hour), now.Add(-time.Hour)))

	r, c := p.runner(t, fakeDetector{changed: true}, false)
	c.Put("你好", "ko", "안녕하세요")

	items, err := r.Plan()
	require.NoError(t, err)
	require.Len(t, items, 4)

	got := map[string]Action{}
	for _, it := range items {
		got[it.Document+"/"+it.Language] = it.Action
	}
	assert.Equal(t, map[string]Action{
		"a.md/en": ActionTranslate,
		"a.md/ja": ActionUpToDate,
		"a.md/ko": ActionCached,
		"b.md/":   ActionUnchanged,
	}, got)
	assert.Zero(t, p.prov.CallCount())
}

func TestLiveCacheKeys(t *testing.T) {
	p := newProject(t, []string{"only-key-aaaaa"}, []string{"en", "ja"}, always("x"))
	p.write(t, "a.md", "你好")

	r, _ := p.runner(t, scan.AllModified{}, false)
	live, err := r.LiveCacheKeys()
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{
		cache.Key("你好", "en"): true,
		cache.Key("你好", "ja"): true,
	}, live)
}

func TestWriteReport(t *testing.T) {
	sum := &Summary{
		RunID:     "run-1",
		Documents: 1,
		Stats:     Stats{Translated: 1, Errors: 1},
		Failures:  []Failure{{Document: "a.md", Language: "ja", Error: "boom"}},
		Keys:      []credential.Usage{{Index: 0, Label: "Key-1", Masked: "****", Usage: 2, Errors: 1}},
	}
	path := filepath.Join(t.TempDir(), "reports", "translation.yaml")
	require.NoError(t, WriteReport(path, sum))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, yaml.Unmarshal(data, &decoded))
	assert.Equal(t, "run-1", decoded["runId"])
	stats := decoded["stats"].(map[string]any)
	assert.Equal(t, 1, stats["translated"])
	assert.Equal(t, 1, stats["errors"])
	failures := decoded["failures"].([]any)
	assert.Len(t, failures, 1)
}

func TestSummaryFailed(t *testing.T) {
	cases := []struct {
		stats Stats
		want  bool
	}{
		{Stats{}, false},
		{Stats{Skipped: 3}, false},
		{Stats{Errors: 1}, true},
		{Stats{Errors: 1, UpToDate: 2}, true},
		{Stats{Errors: 1, Translated: 1}, false},
		{Stats{Errors: 1, Cached: 1}, false},
	}
	for _, tc := range cases {
		s := &Summary{Stats: tc.stats}
		assert.Equal(t, tc.want, s.Failed(), "%+v", tc.stats)
	}
}
