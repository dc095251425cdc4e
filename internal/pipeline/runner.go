// Package pipeline drives queued jobs through OCR, extraction, verification,
// and completion. The job store is the work queue: the runner polls for
// queued rows, claims them with a compare-and-set transition, and fans them
// out to a bounded worker pool. Every phase edge is a durable store write, so
// a restart resumes from the last checkpoint instead of losing the job.
package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/billfold/internal/extract"
	"github.com/jackzampolin/billfold/internal/fault"
	"github.com/jackzampolin/billfold/internal/metrics"
	"github.com/jackzampolin/billfold/internal/ocr"
	"github.com/jackzampolin/billfold/internal/providers"
	"github.com/jackzampolin/billfold/internal/store"
)

// Per-call budgets and the overall job ceiling.
const (
	OCRBudget     = 5 * time.Minute
	ExtractBudget = 15 * time.Minute
	JobCeiling    = 30 * time.Minute

	DefaultPollInterval = 2 * time.Second
	DefaultMaxWorkers   = 25
)

// Task names used in logs.
const (
	taskStart        = "start"
	taskOCR          = "ocr"
	taskPhaseExtract = "set_phase_extracting"
	taskPhaseVerify  = "set_phase_verifying"
	taskExtract      = "extract"
	taskVerify       = "verify"
	taskComplete     = "complete"
)

// Config configures a pipeline runner.
type Config struct {
	Store     *store.Store
	OCR       *ocr.Service
	Extractor *extract.Service
	Metrics   *metrics.Recorder

	MaxWorkers   int
	PollInterval time.Duration
	Logger       *slog.Logger
}

// Runner owns the worker pool. One worker drives one job at a time from claim
// to terminal state; concurrency across jobs is bounded by MaxWorkers.
type Runner struct {
	store     *store.Store
	ocr       *ocr.Service
	extractor *extract.Service
	metrics   *metrics.Recorder
	logger    *slog.Logger

	maxWorkers   int
	pollInterval time.Duration

	mu     sync.Mutex
	active map[string]struct{}

	slots chan struct{}
	wg    sync.WaitGroup
}

// NewRunner creates a pipeline runner.
func NewRunner(cfg Config) *Runner {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxWorkers := cfg.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Runner{
		store:        cfg.Store,
		ocr:          cfg.OCR,
		extractor:    cfg.Extractor,
		metrics:      cfg.Metrics,
		logger:       logger,
		maxWorkers:   maxWorkers,
		pollInterval: pollInterval,
		active:       make(map[string]struct{}),
		slots:        make(chan struct{}, maxWorkers),
	}
}

// ActiveJobs returns the number of jobs currently being worked.
func (r *Runner) ActiveJobs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// MaxWorkers returns the worker pool size.
func (r *Runner) MaxWorkers() int {
	return r.maxWorkers
}

// Run resumes interrupted jobs and then polls for queued work until ctx is
// cancelled. Call it in a goroutine; it returns after in-flight jobs drain.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("pipeline started",
		"max_workers", r.maxWorkers,
		"poll_interval", r.pollInterval.String())

	r.resume(ctx)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("pipeline stopping, draining in-flight jobs")
			r.wg.Wait()
			r.logger.Info("pipeline stopped")
			return
		case <-ticker.C:
			r.pollOnce(ctx)
		}
	}
}

// pollOnce claims up to the number of free worker slots from the queue.
func (r *Runner) pollOnce(ctx context.Context) {
	free := r.maxWorkers - r.ActiveJobs()
	if free <= 0 {
		return
	}

	jobs, err := r.store.ListQueued(ctx, free)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Warn("failed to poll queue", "error", err)
		}
		return
	}

	for _, job := range jobs {
		if !r.tryDispatch(ctx, job) {
			return
		}
	}
}

// resume picks up jobs another run left mid-flight. It loops until every
// processing row is either being worked here or gone.
func (r *Runner) resume(ctx context.Context) {
	for {
		jobs, err := r.store.ListProcessing(ctx, 0)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Warn("failed to list interrupted jobs", "error", err)
			}
			return
		}

		dispatched := 0
		for _, job := range jobs {
			if r.isActive(job.ID) {
				continue
			}
			if !r.dispatchBlocking(ctx, job) {
				return
			}
			dispatched++
		}
		if dispatched == 0 {
			return
		}
		r.logger.Info("resumed interrupted jobs", "count", dispatched)
	}
}

func (r *Runner) isActive(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.active[id]
	return ok
}

// tryDispatch hands a job to a worker if a slot is free. Returns false when
// the pool is saturated.
func (r *Runner) tryDispatch(ctx context.Context, job *store.Job) bool {
	r.mu.Lock()
	if _, busy := r.active[job.ID]; busy {
		r.mu.Unlock()
		return true
	}
	select {
	case r.slots <- struct{}{}:
	default:
		r.mu.Unlock()
		return false
	}
	r.active[job.ID] = struct{}{}
	r.mu.Unlock()

	r.spawn(ctx, job)
	return true
}

// dispatchBlocking waits for a slot. Used during resume, where dropping a job
// would strand it in processing until the next restart.
func (r *Runner) dispatchBlocking(ctx context.Context, job *store.Job) bool {
	if r.isActive(job.ID) {
		return true
	}
	select {
	case r.slots <- struct{}{}:
	case <-ctx.Done():
		return false
	}
	r.mu.Lock()
	if _, busy := r.active[job.ID]; busy {
		r.mu.Unlock()
		<-r.slots
		return true
	}
	r.active[job.ID] = struct{}{}
	r.mu.Unlock()

	r.spawn(ctx, job)
	return true
}

// spawn starts the worker goroutine. The caller holds a slot and has marked
// the job active.
func (r *Runner) spawn(ctx context.Context, job *store.Job) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.active, job.ID)
			r.mu.Unlock()
			<-r.slots
		}()
		r.processJob(ctx, job)
	}()
}

// processJob drives one job to a terminal state under the job ceiling.
func (r *Runner) processJob(parent context.Context, job *store.Job) {
	ctx, cancel := context.WithTimeout(parent, JobCeiling)
	defer cancel()

	log := r.logger.With("job_id", job.ID)
	start := time.Now()

	err := r.runJob(ctx, log, job)
	switch {
	case err == nil:
		r.metrics.RecordStage(parent, job.ID, metrics.StageComplete, time.Since(start))
		log.Info("job completed", "duration_ms", time.Since(start).Milliseconds())
	case fault.IsConflict(err):
		log.Info("job advanced elsewhere, dropping work", "error", err.Error())
	case parent.Err() != nil:
		// Shutdown interrupted the job; leave it in processing so the next
		// run resumes it instead of recording a spurious failure.
		log.Info("job interrupted by shutdown, left for resume")
	default:
		r.failJob(parent, log, job.ID, err)
	}
}

// runJob executes the remaining tasks for a job. Resumed jobs skip phase
// writes that already happened; OCR and extraction always re-run because
// their outputs only persist at completion and the calls are idempotent.
func (r *Runner) runJob(ctx context.Context, log *slog.Logger, job *store.Job) error {
	resumedPhase := job.ProcessingPhase
	if job.Status == store.StatusQueued {
		if err := r.runTask(ctx, log, taskStart, func(taskCtx context.Context) error {
			return r.store.TransitionStart(taskCtx, job.ID)
		}); err != nil {
			return err
		}
		log.Info("job claimed")
		resumedPhase = store.PhaseAnalyzing
	} else {
		if resumedPhase == "" {
			resumedPhase = store.PhaseAnalyzing
		}
		log.Info("job resumed", "phase", string(resumedPhase))
	}

	var ocrRes *providers.OCRResult
	if err := r.runTask(ctx, log, taskOCR, func(taskCtx context.Context) error {
		taskCtx, cancel := context.WithTimeout(taskCtx, OCRBudget)
		defer cancel()
		res, err := r.ocr.Process(taskCtx, job.ID, job.PDFURL)
		if err != nil {
			return err
		}
		ocrRes = res
		return nil
	}); err != nil {
		return err
	}
	r.metrics.RecordOCR(ctx, job.ID, ocrRes)

	if resumedPhase == store.PhaseAnalyzing {
		if err := r.runTask(ctx, log, taskPhaseExtract, func(taskCtx context.Context) error {
			return r.store.SetPhase(taskCtx, job.ID, store.PhaseExtracting)
		}); err != nil {
			return err
		}
	}

	var exRes *extract.Result
	if err := r.runTask(ctx, log, taskExtract, func(taskCtx context.Context) error {
		taskCtx, cancel := context.WithTimeout(taskCtx, ExtractBudget)
		defer cancel()
		res, err := r.extractor.Extract(taskCtx, job.ID, ocrRes.Markdown)
		if err != nil {
			return err
		}
		exRes = res
		return nil
	}); err != nil {
		return err
	}

	if resumedPhase != store.PhaseVerifying {
		if err := r.runTask(ctx, log, taskPhaseVerify, func(taskCtx context.Context) error {
			return r.store.SetPhase(taskCtx, job.ID, store.PhaseVerifying)
		}); err != nil {
			return err
		}
	}

	verifyStart := time.Now()
	if notes := extract.Verify(exRes.Extraction); len(notes) > 0 {
		log.Warn("verification notes", "task", taskVerify, "notes", notes)
	}
	r.metrics.RecordStage(ctx, job.ID, metrics.StageVerify, time.Since(verifyStart))

	return r.runTask(ctx, log, taskComplete, func(taskCtx context.Context) error {
		return r.store.Complete(taskCtx, job.ID, &store.JobResult{
			ExtractedData:   exRes.Data,
			ConfidenceScore: exRes.Confidence,
			TokensUsed:      exRes.TokensUsed,
			RawOCRText:      ocrRes.Markdown,
			OCRProvider:     ocrRes.Provider,
			OCRDurationMS:   ocrRes.DurationMS,
			OCRPages:        ocrRes.Pages,
		})
	})
}

// runTask executes one task under the per-task retry schedule.
func (r *Runner) runTask(ctx context.Context, log *slog.Logger, name string, fn func(context.Context) error) error {
	start := time.Now()
	attempts, err := taskRetry(ctx, func() error { return fn(ctx) })
	if err != nil {
		log.Warn("task failed",
			"task", name,
			"attempts", attempts,
			"duration_ms", time.Since(start).Milliseconds(),
			"error", fault.PersistableMessage(err))
		return err
	}
	log.Debug("task finished",
		"task", name,
		"attempts", attempts,
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

// taskRetry applies the shared backoff schedule at the task layer. Only
// TRANSIENT retries here: a QUOTA error already got its single retry inside
// the provider layer and is fatal by the time it reaches a task.
func taskRetry(ctx context.Context, fn func() error) (int, error) {
	attempts := 1
	err := retry.Do(fn,
		retry.Context(ctx),
		retry.Attempts(providers.RetryMaxAttempts),
		retry.Delay(providers.RetryInitialDelay),
		retry.MaxDelay(providers.RetryMaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(fault.IsTransient),
		retry.OnRetry(func(n uint, _ error) {
			attempts = int(n) + 2
		}),
	)
	return attempts, err
}

// failJob records a terminal failure. Conflicts mean the job reached a
// terminal state through another path; that outcome stands.
func (r *Runner) failJob(ctx context.Context, log *slog.Logger, id string, cause error) {
	msg := fault.PersistableMessage(cause)
	if err := r.store.Fail(ctx, id, msg); err != nil {
		if fault.IsConflict(err) || fault.IsNotFound(err) {
			log.Warn("job already terminal, dropping failure", "error", msg)
			return
		}
		log.Error("failed to record job failure", "cause", msg, "error", err)
		return
	}
	log.Warn("job failed", "kind", string(fault.KindOf(cause)), "error", msg)
}
