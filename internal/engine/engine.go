// Package engine runs reconciliations: it extracts both sides, matches them,
// persists the discrepancies and opens the follow-up incident.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Veraticus/recon-flow/internal/common"
	"github.com/Veraticus/recon-flow/internal/compare"
	"github.com/Veraticus/recon-flow/internal/lifecycle"
	"github.com/Veraticus/recon-flow/internal/matching"
	"github.com/Veraticus/recon-flow/internal/model"
	"github.com/Veraticus/recon-flow/internal/service"
)

// Sides of a reconciliation, as reported in extraction errors.
const (
	SideSource = "source"
	SideTarget = "target"
)

// Engine orchestrates reconciliation runs.
type Engine struct {
	configs    service.ConfigProvider
	store      service.RunStore
	extractors service.ExtractorResolver
	incidents  IncidentOpener
	lifecycle  *lifecycle.Controller
	registry   *compare.Registry
	locks      *common.KeyedMutex
	logger     *slog.Logger
	now        func() time.Time
	wg         sync.WaitGroup
	config     Config
}

// Config holds configuration options for the engine.
type Config struct {
	// SerializePerConfig lets at most one run per reconciliation config execute
	// at a time in this process. Later runs wait, still PENDING.
	SerializePerConfig bool
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{}
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine clock, including the lifecycle and matching clocks.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger overrides the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithComparisons supplies the registry of custom comparisons and transformations.
func WithComparisons(registry *compare.Registry) Option {
	return func(e *Engine) { e.registry = registry }
}

// New creates an engine with the default configuration. incidents may be nil,
// in which case no incidents are opened.
func New(configs service.ConfigProvider, store service.RunStore, extractors service.ExtractorResolver, incidents IncidentOpener, opts ...Option) *Engine {
	return NewWithConfig(configs, store, extractors, incidents, DefaultConfig(), opts...)
}

// NewWithConfig creates an engine with a custom configuration.
func NewWithConfig(configs service.ConfigProvider, store service.RunStore, extractors service.ExtractorResolver, incidents IncidentOpener, config Config, opts ...Option) *Engine {
	e := &Engine{
		configs:    configs,
		store:      store,
		extractors: extractors,
		incidents:  incidents,
		config:     config,
		locks:      common.NewKeyedMutex(),
		logger:     common.Component("engine"),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = compare.NewRegistry()
	}
	e.lifecycle = lifecycle.NewController(store, lifecycle.WithClock(e.now))
	return e
}

// Lifecycle returns the controller the engine persists runs through.
func (e *Engine) Lifecycle() *lifecycle.Controller {
	return e.lifecycle
}

// Execute loads the config, persists a PENDING run and starts the pipeline in
// the background. It returns the run id as soon as the run exists. The
// pipeline does not observe ctx cancellation; use Lifecycle().Cancel.
func (e *Engine) Execute(ctx context.Context, configID, triggeredBy string, scheduled bool) (string, error) {
	cfg, run, err := e.start(ctx, configID, triggeredBy, scheduled)
	if err != nil {
		return "", err
	}

	detached := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.pipeline(detached, cfg, run)
	}()
	return run.ID(), nil
}

// ExecuteAndWait runs the pipeline in the calling goroutine and returns the
// run as persisted at the end.
func (e *Engine) ExecuteAndWait(ctx context.Context, configID, triggeredBy string, scheduled bool) (*model.ReconciliationRun, error) {
	cfg, run, err := e.start(ctx, configID, triggeredBy, scheduled)
	if err != nil {
		return nil, err
	}
	e.pipeline(ctx, cfg, run)
	return e.store.GetRun(context.WithoutCancel(ctx), run.ID())
}

// Wait blocks until every run started by Execute has finished.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) start(ctx context.Context, configID, triggeredBy string, scheduled bool) (*model.ReconciliationConfig, *lifecycle.Run, error) {
	if triggeredBy == "" {
		return nil, nil, common.NewValidationError("triggered_by", "is required")
	}
	cfg, err := e.configs.GetConfigWithMappings(ctx, configID)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Active {
		return nil, nil, common.NewNotFoundError("active reconciliation config", configID)
	}

	run, err := e.lifecycle.Create(ctx, cfg, triggeredBy, scheduled)
	if err != nil {
		return nil, nil, err
	}
	e.logger.Info("run created", "run_id", run.ID(), "config", cfg.Code, "triggered_by", triggeredBy)
	return cfg, run, nil
}

// pipeline drives one run to a terminal status. Every failure, including a
// panic, ends as FAILED with its trace.
func (e *Engine) pipeline(ctx context.Context, cfg *model.ReconciliationConfig, run *lifecycle.Run) {
	defer func() {
		if r := recover(); r != nil {
			if err := run.FailPanic(ctx, r, debug.Stack()); err != nil {
				e.logger.Error("failed to record panic", "run_id", run.ID(), "panic", r, "error", err)
			}
		}
	}()

	if e.config.SerializePerConfig {
		unlock := e.locks.Lock(cfg.ID)
		defer unlock()
	}

	err := e.process(ctx, cfg, run)
	var pe *panicError
	switch {
	case err == nil:
		e.logger.Info("run finished", "run_id", run.ID(), "status", run.Status())
	case errors.Is(err, common.ErrRunCancelled):
		e.logger.Info("run stopped after cancellation", "run_id", run.ID())
	case errors.As(err, &pe):
		if failErr := run.FailPanic(ctx, pe.value, pe.stack); failErr != nil && !errors.Is(failErr, common.ErrRunCancelled) {
			e.logger.Error("failed to record panic", "run_id", run.ID(), "panic", pe.value, "error", failErr)
		}
	default:
		if failErr := run.Fail(ctx, err); failErr != nil && !errors.Is(failErr, common.ErrRunCancelled) {
			e.logger.Error("failed to record run failure", "run_id", run.ID(), "cause", err, "error", failErr)
		}
	}
}

func (e *Engine) process(ctx context.Context, cfg *model.ReconciliationConfig, run *lifecycle.Run) error {
	if err := run.Advance(ctx, model.RunInProgress, lifecycle.Step{
		Message: fmt.Sprintf("Reconciliation %s started", cfg.Code),
	}); err != nil {
		return err
	}

	srcExtractor, err := e.extractors.Resolve(cfg.Source)
	if err != nil {
		return &common.ExtractionError{Side: SideSource, System: cfg.Source.Code, Err: err}
	}
	tgtExtractor, err := e.extractors.Resolve(cfg.Target)
	if err != nil {
		return &common.ExtractionError{Side: SideTarget, System: cfg.Target.Code, Err: err}
	}
	matcher, err := matching.NewEngine(cfg, e.registry, matching.WithClock(e.now))
	if err != nil {
		return fmt.Errorf("invalid reconciliation config %s: %w", cfg.Code, err)
	}

	if err := run.Advance(ctx, model.RunExtractingSource, lifecycle.Step{
		Message: fmt.Sprintf("Extracting %s and %s", cfg.Source.Code, cfg.Target.Code),
	}); err != nil {
		return err
	}

	source, target, err := e.extract(ctx, cfg, run, srcExtractor, tgtExtractor)
	if err != nil {
		return err
	}

	start := e.now()
	result, err := matcher.Match(ctx, run.ID(), source, target)
	if err != nil {
		return fmt.Errorf("matching failed: %w", err)
	}
	run.Durations.Comparison = e.now().Sub(start)

	if err := e.store.SaveRunResults(ctx, run.ID(), result.Counts, result.Discrepancies); err != nil {
		return fmt.Errorf("failed to save results: %w", err)
	}
	counts := result.Counts
	run.Info(ctx, lifecycle.StepMatching, fmt.Sprintf(
		"Matched %d, mismatched %d, missing in target %d, missing in source %d, duplicate target keys %d",
		counts.Matched, counts.MismatchedRecords, counts.MissingInTarget, counts.MissingInSource, counts.DuplicateTargetKeys,
	), counts.Source)

	summary := lifecycle.Step{
		Message:  fmt.Sprintf("Comparison found %d discrepancies (%d persisted)", counts.Discrepancies, counts.PersistedDiscrepancies),
		Records:  counts.Discrepancies,
		Duration: run.Durations.Comparison,
	}
	hasDiscrepancies := counts.Discrepancies > 0
	if !hasDiscrepancies || !cfg.AutoCreateIncidents || e.incidents == nil {
		return run.Complete(ctx, hasDiscrepancies, summary)
	}

	if err := run.Advance(ctx, model.RunGeneratingReport, summary); err != nil {
		return err
	}
	e.openIncident(ctx, run, counts)
	return run.Complete(ctx, true, lifecycle.Step{Message: "Reconciliation finished with discrepancies"})
}

// extract pulls both sides concurrently. The run moves to EXTRACTING_TARGET
// once the source set is in, while the target may still be loading.
func (e *Engine) extract(
	ctx context.Context,
	cfg *model.ReconciliationConfig,
	run *lifecycle.Run,
	srcExtractor, tgtExtractor service.Extractor,
) (source, target []model.Record, err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var srcDuration, tgtDuration time.Duration
	srcDone := make(chan struct{})
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		start := e.now()
		recs, err := safeExtract(gctx, srcExtractor, cfg.Source, cfg.SourceExtraction)
		srcDuration = e.now().Sub(start)
		if err != nil {
			return extractionError(SideSource, cfg.Source.Code, err)
		}
		source = recs
		close(srcDone)
		return nil
	})
	g.Go(func() error {
		start := e.now()
		recs, err := safeExtract(gctx, tgtExtractor, cfg.Target, cfg.TargetExtraction)
		tgtDuration = e.now().Sub(start)
		if err != nil {
			return extractionError(SideTarget, cfg.Target.Code, err)
		}
		target = recs
		return nil
	})

	select {
	case <-srcDone:
		if err := run.Advance(ctx, model.RunExtractingTarget, lifecycle.Step{
			Message:  fmt.Sprintf("Extracted %d source records from %s", len(source), cfg.Source.Code),
			Records:  int64(len(source)),
			Duration: srcDuration,
		}); err != nil {
			cancel()
			_ = g.Wait()
			return nil, nil, err
		}
	case <-gctx.Done():
	}

	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	run.Durations.SourceExtraction = srcDuration
	run.Durations.TargetExtraction = tgtDuration

	if err := run.Advance(ctx, model.RunComparing, lifecycle.Step{
		Message:  fmt.Sprintf("Extracted %d target records from %s", len(target), cfg.Target.Code),
		Records:  int64(len(target)),
		Duration: tgtDuration,
	}); err != nil {
		return nil, nil, err
	}
	return source, target, nil
}

// panicError carries a panic recovered in an extraction goroutine back to
// the pipeline, which records it with its stack. Incident creation uses it
// too, but only to log the panic as a warning.
type panicError struct {
	value any
	stack []byte
}

func (p *panicError) Error() string {
	return fmt.Sprintf("panic: %v", p.value)
}

// extractionError attributes err to one side. Recovered panics pass through
// unwrapped.
func extractionError(side, system string, err error) error {
	var pe *panicError
	if errors.As(err, &pe) {
		return err
	}
	return &common.ExtractionError{Side: side, System: system, Err: err}
}

func safeExtract(ctx context.Context, ex service.Extractor, system model.SourceSystem, spec model.ExtractionSpec) (recs []model.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return ex.Extract(ctx, system, spec)
}

// openIncident never fails the run; errors land in the step log.
func (e *Engine) openIncident(ctx context.Context, run *lifecycle.Run, counts model.RunCounts) {
	snapshot := run.Snapshot()
	snapshot.Counts = counts
	inc, err := e.createIncident(ctx, &snapshot)
	if err != nil {
		e.logger.Warn("failed to open incident", "run_id", run.ID(), "error", err)
		run.Warn(ctx, lifecycle.StepIncident, "Incident creation failed", err.Error())
		return
	}
	run.Info(ctx, lifecycle.StepIncident, fmt.Sprintf("Opened incident %s (%s)", inc.Number, inc.Severity), inc.DiscrepancyCount)
}

func (e *Engine) createIncident(ctx context.Context, snapshot *model.ReconciliationRun) (inc *model.Incident, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: debug.Stack()}
		}
	}()
	return e.incidents.CreateFromRun(ctx, snapshot)
}
