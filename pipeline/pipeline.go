// Package pipeline orchestrates a translation run: scanning the tree,
// extracting comments, translating them synchronously or through the batch
// API, and rewriting files atomically with backup and progress tracking
// around every mutation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"

	"github.com/comtrans/comtrans/backup"
	"github.com/comtrans/comtrans/comment"
	"github.com/comtrans/comtrans/config"
	"github.com/comtrans/comtrans/progress"
	"github.com/comtrans/comtrans/report"
	"github.com/comtrans/comtrans/scan"
	"github.com/comtrans/comtrans/translate"
)

// BatchRunner is the batch-mode translation flow. *translate.BatchClient is
// the production implementation.
type BatchRunner interface {
	Run(ctx context.Context, reqs []translate.FileRequest) (map[string]translate.FileResult, error)
}

// Pipeline owns the stores and clients of one run.
type Pipeline struct {
	cfg        *config.Config
	log        zerolog.Logger
	classifier *scan.Classifier
	client     translate.Client
	batch      BatchRunner
	backups    *backup.Store
	progress   *progress.Store

	mu        sync.Mutex
	succeeded int
	failures  []report.Failure
	fileTypes map[string]int
	fatal     error
}

// Option overrides a default dependency, used by tests to stub the clients.
type Option func(*Pipeline)

// WithClient replaces the synchronous translation client.
func WithClient(c translate.Client) Option {
	return func(p *Pipeline) { p.client = c }
}

// WithBatchRunner replaces the batch translation flow.
func WithBatchRunner(b BatchRunner) Option {
	return func(p *Pipeline) { p.batch = b }
}

// New opens the run's state stores and builds the translation clients.
func New(cfg *config.Config, log zerolog.Logger, opts ...Option) (*Pipeline, error) {
	backups, err := backup.Open(cfg.StateDir())
	if err != nil {
		return nil, err
	}
	prog, err := progress.Open(cfg.StateDir())
	if err != nil {
		return nil, err
	}

	topts := translate.Options{
		APIKey:   cfg.APIKey,
		BaseURL:  cfg.BaseURL,
		Model:    cfg.Model,
		Language: cfg.Language,
		Timeout:  cfg.Timeout,
		Log:      log,
	}

	p := &Pipeline{
		cfg:        cfg,
		log:        log,
		classifier: scan.NewClassifier(cfg.Exclude),
		client:     translate.NewHTTPClient(topts),
		batch:      translate.NewBatchClient(topts),
		backups:    backups,
		progress:   prog,
		fileTypes:  make(map[string]int),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Close releases the progress log.
func (p *Pipeline) Close() error {
	return p.progress.Close()
}

// ---------------------------------------------------------------------------
// Run
// ---------------------------------------------------------------------------

// Run processes the configured directory and returns the run summary.
// Cancellation of ctx stops scheduling new files; files already committed
// stay committed, everything else is covered by backups and the progress
// log.
func (p *Pipeline) Run(ctx context.Context) (*report.Summary, error) {
	started := time.Now()

	paths, err := p.collect()
	if err != nil {
		return nil, err
	}
	total := len(paths)
	p.log.Info().Int("files", total).Str("directory", p.cfg.Directory).Msg("scan complete")

	if p.cfg.Resume {
		paths = p.filterDone(paths)
	}

	if p.cfg.Batch {
		err = p.runBatch(ctx, paths)
	} else {
		err = p.runSync(ctx, paths)
	}

	summary := &report.Summary{
		Directory:  p.cfg.Directory,
		StartedAt:  started,
		FinishedAt: time.Now(),
		Model:      p.cfg.Model,
		BatchMode:  p.cfg.Batch,
		TotalFiles: total,
		Succeeded:  p.succeeded,
		FileTypes:  p.fileTypes,
		Failures:   p.failures,
	}

	if err != nil {
		return summary, err
	}
	p.mu.Lock()
	fatal := p.fatal
	p.mu.Unlock()
	return summary, fatal
}

// collect walks the tree and returns every eligible path, counting the
// extension distribution as it goes.
func (p *Pipeline) collect() ([]string, error) {
	var paths []string
	err := p.classifier.Walk(p.cfg.Directory, func(path string) error {
		paths = append(paths, path)
		p.fileTypes[strings.ToLower(filepath.Ext(path))]++
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning %s: %w", p.cfg.Directory, err)
	}
	return paths, nil
}

// filterDone drops files a previous run already finished, carrying their
// recorded outcomes into this run's totals. Failed files are retried.
func (p *Pipeline) filterDone(paths []string) []string {
	entries := p.progress.Entries()

	kept := paths[:0]
	for _, path := range paths {
		e, ok := entries[path]
		if !ok || e.Outcome == progress.OutcomeFailed {
			kept = append(kept, path)
			continue
		}
		p.mu.Lock()
		if e.Outcome == progress.OutcomeSuccess {
			p.succeeded++
		} else {
			p.failures = append(p.failures, report.Failure{Path: path, Reason: e.Reason})
		}
		p.mu.Unlock()
	}
	p.log.Info().Int("remaining", len(kept)).Int("already_done", len(paths)-len(kept)).Msg("resuming")
	return kept
}

// ---------------------------------------------------------------------------
// Outcome recording
// ---------------------------------------------------------------------------

// finish durably records a file's outcome, releases its backup on success,
// and folds the result into the run totals.
func (p *Pipeline) finish(path string, out progress.Outcome, reason string) {
	if err := p.progress.Record(path, out, reason); err != nil {
		p.log.Error().Err(err).Str("path", path).Msg("recording outcome")
	}

	switch out {
	case progress.OutcomeSuccess:
		if err := p.backups.Discard(path); err != nil {
			p.log.Warn().Err(err).Str("path", path).Msg("discarding backup")
		}
		p.log.Info().Str("path", path).Msg("translated")
	case progress.OutcomeSkipped:
		p.log.Debug().Str("path", path).Str("reason", reason).Msg("skipped")
	case progress.OutcomeFailed:
		p.log.Warn().Str("path", path).Str("reason", reason).Msg("failed")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if out == progress.OutcomeSuccess {
		p.succeeded++
	} else {
		p.failures = append(p.failures, report.Failure{Path: path, Reason: reason})
	}
}

// setFatal stores the first run-aborting error.
func (p *Pipeline) setFatal(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fatal == nil {
		p.fatal = err
	}
}

// ---------------------------------------------------------------------------
// Synchronous mode
// ---------------------------------------------------------------------------

func (p *Pipeline) runSync(ctx context.Context, paths []string) error {
	pool, err := ants.NewPool(p.cfg.Threads, ants.WithPanicHandler(func(v interface{}) {
		p.log.Error().Interface("panic", v).Msg("worker panic recovered")
	}))
	if err != nil {
		return fmt.Errorf("creating worker pool: %w", err)
	}
	defer pool.Release()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, path := range paths {
		if runCtx.Err() != nil {
			break
		}
		path := path
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			if runCtx.Err() != nil {
				return
			}
			p.processFile(runCtx, path, cancel)
		})
		if err != nil {
			wg.Done()
			return fmt.Errorf("submitting work: %w", err)
		}
	}
	wg.Wait()

	return ctx.Err()
}

// prepared is a file that passed all checks and is ready to translate.
type prepared struct {
	sf      *scan.SourceFile
	spans   []comment.Span
	indices []int // positions of translatable spans within spans
	texts   []string
}

// prepare runs the pre-translation stages: content checks, backup, and
// extraction. A nil prepared with a recorded outcome means the file is done.
func (p *Pipeline) prepare(job *fileJob) (*prepared, bool) {
	sf, reason, err := p.classifier.Load(job.path)
	if err != nil {
		job.to(StateRecorded)
		p.finish(job.path, progress.OutcomeFailed, err.Error())
		return nil, false
	}
	if reason != scan.ReasonAccepted {
		job.to(StateRecorded)
		p.finish(job.path, progress.OutcomeSkipped, string(reason))
		return nil, false
	}
	job.to(StateFiltered)

	if err := p.backups.Snapshot(job.path, sf.Raw); err != nil {
		job.to(StateRecorded)
		p.finish(job.path, progress.OutcomeFailed, fmt.Sprintf("creating backup: %v", err))
		return nil, false
	}
	job.to(StateBackedUp)

	spans, err := comment.Extract(sf.Text)
	if err != nil {
		// Malformed files stay malformed; skipping keeps resume runs from
		// retrying them forever.
		if derr := p.backups.Discard(job.path); derr != nil {
			p.log.Warn().Err(derr).Str("path", job.path).Msg("discarding backup")
		}
		job.to(StateRecorded)
		p.finish(job.path, progress.OutcomeSkipped, fmt.Sprintf("structural error: %v", err))
		return nil, false
	}

	var indices []int
	var texts []string
	for i := range spans {
		if spans[i].Translatable() {
			indices = append(indices, i)
			texts = append(texts, spans[i].Text)
		}
	}
	job.to(StateExtracted)

	if len(texts) == 0 {
		// The file was never modified; its snapshot has nothing to guard.
		if err := p.backups.Discard(job.path); err != nil {
			p.log.Warn().Err(err).Str("path", job.path).Msg("discarding backup")
		}
		job.to(StateRecorded)
		p.finish(job.path, progress.OutcomeSkipped, "no translatable comments")
		return nil, false
	}

	return &prepared{sf: sf, spans: spans, indices: indices, texts: texts}, true
}

// processFile drives one file through the full synchronous lifecycle.
// cancelRun aborts the whole run on errors no other file can survive.
func (p *Pipeline) processFile(ctx context.Context, path string, cancelRun context.CancelFunc) {
	job := newFileJob(path)

	prep, ok := p.prepare(job)
	if !ok {
		return
	}

	job.to(StateTranslating)
	translations, err := p.client.Translate(ctx, prep.texts)
	if err != nil {
		if errors.Is(err, translate.ErrAuthentication) {
			p.setFatal(err)
			cancelRun()
		}
		p.rollbackAndFail(job, fmt.Sprintf("translating: %v", err))
		return
	}

	p.applyAndCommit(job, prep, translations)
}

// applyAndCommit fills in translations, validates, and rewrites the file.
// Shared by the synchronous and batch paths.
func (p *Pipeline) applyAndCommit(job *fileJob, prep *prepared, translations []string) {
	if len(translations) != len(prep.indices) {
		p.rollbackAndFail(job, fmt.Sprintf("got %d translations, expected %d", len(translations), len(prep.indices)))
		return
	}
	for k, i := range prep.indices {
		prep.spans[i].Translated = translations[k]
	}

	if err := translate.Validate(prep.spans); err != nil {
		p.rollbackAndFail(job, fmt.Sprintf("validating: %v", err))
		return
	}
	job.to(StateValidated)

	out, err := comment.Splice(prep.sf.Text, prep.spans)
	if err != nil {
		p.rollbackAndFail(job, fmt.Sprintf("rewriting: %v", err))
		return
	}
	encoded, err := prep.sf.Encode(out)
	if err != nil {
		p.rollbackAndFail(job, fmt.Sprintf("re-encoding to %s: %v", prep.sf.Encoding, err))
		return
	}

	if err := commit(job.path, encoded); err != nil {
		if rerr := p.backups.Restore(job.path); rerr != nil {
			p.log.Error().Err(rerr).Str("path", job.path).Msg("restore after failed commit")
		}
		p.rollbackAndFail(job, fmt.Sprintf("writing: %v", err))
		return
	}
	job.to(StateCommitted)

	job.to(StateRecorded)
	p.finish(job.path, progress.OutcomeSuccess, "")
}

func (p *Pipeline) rollbackAndFail(job *fileJob, reason string) {
	job.to(StateRolledBack)
	job.to(StateRecorded)
	p.finish(job.path, progress.OutcomeFailed, reason)
}

// commit atomically replaces path with data: write to a temp file in the
// same directory, fsync, rename. The original file mode is preserved.
func commit(path string, data []byte) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".comtrans-tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Chmod(tmpName, info.Mode().Perm()); err != nil {
		return fmt.Errorf("setting mode: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replacing file: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Batch mode
// ---------------------------------------------------------------------------

// runBatch is the three-phase batch flow: prepare every file, run one batch
// job, then apply the per-file results.
func (p *Pipeline) runBatch(ctx context.Context, paths []string) error {
	// Phase 1: prepare in parallel.
	pool, err := ants.NewPool(p.cfg.Threads, ants.WithPanicHandler(func(v interface{}) {
		p.log.Error().Interface("panic", v).Msg("worker panic recovered")
	}))
	if err != nil {
		return fmt.Errorf("creating worker pool: %w", err)
	}
	defer pool.Release()

	var mu sync.Mutex
	preps := make(map[string]*prepared)
	jobs := make(map[string]*fileJob)

	var wg sync.WaitGroup
	for _, path := range paths {
		if ctx.Err() != nil {
			break
		}
		path := path
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			job := newFileJob(path)
			if prep, ok := p.prepare(job); ok {
				mu.Lock()
				preps[path] = prep
				jobs[path] = job
				mu.Unlock()
			}
		})
		if err != nil {
			wg.Done()
			return fmt.Errorf("submitting work: %w", err)
		}
	}
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(preps) == 0 {
		return nil
	}

	reqs := make([]translate.FileRequest, 0, len(preps))
	for path, prep := range preps {
		reqs = append(reqs, translate.FileRequest{Path: path, Texts: prep.texts})
	}

	// Phase 2: one batch job, one poll loop.
	for _, job := range jobs {
		job.to(StateTranslating)
	}
	results, err := p.batch.Run(ctx, reqs)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if errors.Is(err, translate.ErrAuthentication) {
			p.setFatal(err)
		}
		// Batch-level failure fails every prepared file.
		for _, job := range jobs {
			p.rollbackAndFail(job, fmt.Sprintf("batch job: %v", err))
		}
		return nil
	}

	// Phase 3: apply per-file results in parallel.
	for path, prep := range preps {
		if ctx.Err() != nil {
			break
		}
		path, prep := path, prep
		job := jobs[path]
		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			res, ok := results[path]
			if !ok {
				p.rollbackAndFail(job, "batch returned no result for file")
				return
			}
			if res.Err != nil {
				p.rollbackAndFail(job, fmt.Sprintf("batch request: %v", res.Err))
				return
			}
			p.applyAndCommit(job, prep, res.Texts)
		})
		if err != nil {
			wg.Done()
			return fmt.Errorf("submitting work: %w", err)
		}
	}
	wg.Wait()

	return ctx.Err()
}
