// Package runner orchestrates a translation run: documents are processed one
// at a time, and each document's target languages are translated in batches
// of bounded concurrency. Failures are contained per language.
package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/minios-linux/doctranslate/cache"
	"github.com/minios-linux/doctranslate/config"
	"github.com/minios-linux/doctranslate/credential"
	"github.com/minios-linux/doctranslate/scan"
	"github.com/minios-linux/doctranslate/translate"
)

// ErrAllFailed is returned by callers when every attempted translation in a
// run failed.
var ErrAllFailed = errors.New("all translation attempts failed")

// Translator translates one text into one language.
type Translator interface {
	Translate(ctx context.Context, text, lang, docContext string) (translate.Result, error)
}

// Deps are the collaborators of a Runner.
type Deps struct {
	Config *config.Config
	// Root is the project root; Config.ContentDir is relative to it.
	Root       string
	Translator Translator
	Cache      *cache.Cache
	// Pool is only read for usage reporting and may be nil.
	Pool     *credential.Pool
	Detector scan.ChangeDetector
	// Force skips change detection and the up-to-date check.
	Force  bool
	Logger log.FieldLogger
}

// Runner executes translation runs.
type Runner struct {
	deps   Deps
	logger log.FieldLogger

	mu    sync.Mutex
	stats Stats
	fails []Failure
}

// New returns a Runner.
func New(deps Deps) *Runner {
	if deps.Logger == nil {
		deps.Logger = log.StandardLogger()
	}
	if deps.Detector == nil {
		deps.Detector = scan.AllModified{}
	}
	return &Runner{deps: deps, logger: deps.Logger}
}

// ContentRoot returns the absolute-or-relative directory that is scanned.
func (r *Runner) ContentRoot() string {
	if filepath.IsAbs(r.deps.Config.ContentDir) {
		return r.deps.Config.ContentDir
	}
	return filepath.Join(r.deps.Root, r.deps.Config.ContentDir)
}

// Documents lists the source documents of the run.
func (r *Runner) Documents() ([]scan.Document, error) {
	ignore := map[string]bool{r.deps.Config.OutputDir: true}
	return scan.Walk(r.ContentRoot(), ignore, ".md", r.logger)
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

// Run translates every document and returns the run summary. The cache is
// flushed before Run returns, also when ctx is canceled. The returned error
// is non-nil only when the run could not start or was interrupted.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	started := time.Now()
	runID := uuid.NewString()
	logger := r.logger.WithField("run", runID)

	docs, err := r.Documents()
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		logger.Info("No markdown files found")
	} else {
		logger.Infof("Found %d markdown files in %s", len(docs), r.ContentRoot())
	}

	flushEvery := r.deps.Config.CacheFlushEvery
	processed := 0
	var runErr error

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		if r.processDocument(ctx, doc) {
			processed++
			if flushEvery > 0 && processed%flushEvery == 0 {
				r.flush(logger)
			}
		}
	}
	if runErr == nil {
		runErr = ctx.Err()
	}

	r.flush(logger)

	sum := r.summary(runID, started, len(docs))
	sum.Canceled = runErr != nil
	return sum, runErr
}

func (r *Runner) flush(logger log.FieldLogger) {
	if r.deps.Cache == nil || !r.deps.Cache.Dirty() {
		return
	}
	if err := r.deps.Cache.Flush(); err != nil {
		logger.WithError(err).Error("Failed to save translation cache")
		return
	}
	logger.Debugf("Saved %d cached translations", r.deps.Cache.Len())
}

// processDocument translates doc into every target language. It reports
// whether the document was processed rather than skipped.
func (r *Runner) processDocument(ctx context.Context, doc scan.Document) bool {
	logger := r.logger.WithField("doc", doc.Rel)

	if !r.deps.Force && !r.deps.Detector.Modified(doc.Path) {
		logger.Info("Skipping (no changes detected)")
		r.count(func(s *Stats) { s.Skipped++ })
		return false
	}

	logger.Info("Processing")
	data, err := os.ReadFile(doc.Path)
	if err != nil {
		r.fail(doc, "", fmt.Errorf("reading source: %w", err))
		return true
	}
	outDir := filepath.Join(filepath.Dir(doc.Path), r.deps.Config.OutputDir)
	if err := os.MkdirAll(outDir, 0755); err != nil {
		r.fail(doc, "", fmt.Errorf("creating %s: %w", outDir, err))
		return true
	}
	content := string(data)

	langs := r.deps.Config.TargetLanguages
	batch := r.deps.Config.MaxConcurrentTranslations
	if batch < 1 {
		batch = 1
	}
	for start := 0; start < len(langs); start += batch {
		if ctx.Err() != nil {
			return true
		}
		end := min(start+batch, len(langs))

		var g errgroup.Group
		for _, lang := range langs[start:end] {
			g.Go(func() error {
				r.processLanguage(ctx, doc, content, lang)
				return nil
			})
		}
		_ = g.Wait()
	}
	return true
}

func (r *Runner) processLanguage(ctx context.Context, doc scan.Document, content, lang string) {
	logger := r.logger.WithFields(log.Fields{"doc": doc.Rel, "lang": lang})
	out := scan.OutputPath(doc, r.deps.Config.OutputDir, lang)

	if !r.deps.Force && scan.IsUpToDate(doc, out) {
		logger.Info("Up to date")
		r.count(func(s *Stats) { s.UpToDate++ })
		return
	}

	res, err := r.deps.Translator.Translate(ctx, content, lang, doc.Rel)
	if err != nil {
		if ctx.Err() != nil {
			logger.Warn("Interrupted")
			return
		}
		r.fail(doc, lang, err)
		return
	}

	if err := os.WriteFile(out, []byte(res.Text), 0644); err != nil {
		r.fail(doc, lang, fmt.Errorf("writing %s: %w", out, err))
		return
	}

	if res.Cached {
		logger.Infof("Saved to %s (from cache)", out)
		r.count(func(s *Stats) { s.Cached++ })
	} else {
		logger.Infof("Saved to %s", out)
		r.count(func(s *Stats) { s.Translated++ })
	}
}

func (r *Runner) count(fn func(*Stats)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.stats)
}

func (r *Runner) fail(doc scan.Document, lang string, err error) {
	r.logger.WithFields(log.Fields{"doc": doc.Rel, "lang": lang}).WithError(err).Error("Translation failed")

	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Errors++
	r.fails = append(r.fails, Failure{Document: doc.Rel, Language: lang, Error: err.Error()})
}

func (r *Runner) summary(runID string, started time.Time, docs int) *Summary {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := &Summary{
		RunID:     runID,
		Started:   started,
		Duration:  time.Since(started).Round(time.Millisecond),
		Documents: docs,
		Stats:     r.stats,
		Failures:  append([]Failure(nil), r.fails...),
	}
	if r.deps.Pool != nil {
		s.Keys = r.deps.Pool.Usage()
	}
	return s
}
