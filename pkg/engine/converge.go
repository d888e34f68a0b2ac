package engine

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/mariner-sh/mariner/pkg/telemetry"
)

// RunRecorder persists completed run summaries. The stores package provides
// the SQLite implementation; the engine only needs this narrow contract.
type RunRecorder interface {
	RecordRun(ctx context.Context, summary *RunSummary) error
}

// Engine is the convergence engine: it walks a resolved resource list in
// declaration order, applies each resource at most once per run, and fires
// cross-resource notifications with at-most-once semantics.
//
// Execution is single-threaded and synchronous. Notification ordering and
// delivery guarantees rely on that: no resource applies concurrently with
// another, and the notification queue and run statistics are owned by the
// one goroutine running Converge.
type Engine struct {
	log      *telemetry.Logger
	events   *telemetry.EventPublisher
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	recorder RunRecorder
}

// Option configures an Engine.
type Option func(*Engine)

// WithEvents attaches an event publisher. The engine emits one event per
// resource transition and one per notification fired.
func WithEvents(events *telemetry.EventPublisher) Option {
	return func(e *Engine) { e.events = events }
}

// WithMetrics attaches a Prometheus metrics collector.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(e *Engine) { e.metrics = metrics }
}

// WithTracer attaches an OpenTelemetry tracer.
func WithTracer(tracer *telemetry.Tracer) Option {
	return func(e *Engine) { e.tracer = tracer }
}

// WithRecorder attaches a run-history recorder.
func WithRecorder(recorder RunRecorder) Option {
	return func(e *Engine) { e.recorder = recorder }
}

// New creates an Engine. The logger is the one required collaborator; its
// lifecycle (init, shutdown) is owned by the caller, not the engine.
func New(log *telemetry.Logger, opts ...Option) *Engine {
	if log == nil {
		log = telemetry.NewTestLogger()
	}
	e := &Engine{log: log.NewComponentLogger("engine")}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// run holds the per-run mutable state: the slot index, the consumed set
// for targets applied out of turn, and the statistics counters.
type run struct {
	engine    *Engine
	runID     string
	resources []Resource
	index     map[ResourceID]int
	consumed  []bool
	router    *router
	stats     RunStats
	log       *telemetry.Logger
}

// Converge applies the resource list and returns the run summary.
//
// A validation failure (duplicate identity, unknown or upstream-immediate
// notification target) aborts before any apply. Cancelling the caller's
// context stops the run between resources: the resource in flight
// finishes, nothing after it applies, and the context error is returned.
// Individual guard and apply failures are recorded in the summary and
// never stop the run. Every resource is released before Converge returns,
// whatever the outcome.
func (e *Engine) Converge(ctx context.Context, resources []Resource) (*RunSummary, error) {
	runID := uuid.New().String()
	startedAt := time.Now()
	log := e.log.WithRunID(runID)

	defer func() {
		for _, res := range resources {
			res.Release()
		}
	}()

	var span trace.Span
	if e.tracer != nil {
		ctx, span = e.tracer.StartRunSpan(ctx, runID)
		defer span.End()
	}

	if e.metrics != nil {
		e.metrics.RecordRunStarted()
	}
	e.publish(telemetry.Event{
		Type:    telemetry.EventTypeRunStarted,
		RunID:   runID,
		Message: "convergence run started",
		Level:   telemetry.EventLevelInfo,
	})
	log.Infof("converging %d resources", len(resources))

	index, err := validateRun(resources)
	if err != nil {
		log.WithError(err).Error("resource list validation failed")
		e.publish(telemetry.Event{
			Type:    telemetry.EventTypeRunAborted,
			RunID:   runID,
			Message: err.Error(),
			Level:   telemetry.EventLevelError,
		})
		if span != nil {
			telemetry.RecordError(span, err)
		}
		summary := newSummary(runID, startedAt, RunStats{})
		summary.Success = false
		e.finishRun(ctx, summary, "aborted")
		return summary, err
	}

	r := &run{
		engine:    e,
		runID:     runID,
		resources: resources,
		index:     index,
		consumed:  make([]bool, len(resources)),
		log:       log,
	}
	r.router = newRouter(r.fireNotification)
	r.router.begin()

	canceled := false
	for i, res := range resources {
		if ctx.Err() != nil {
			canceled = true
			break
		}
		if r.consumed[i] {
			log.WithResource(res.Identity().String()).
				Debug("already applied via immediate notification")
			continue
		}

		props := res.Common()

		skip, gerr := evaluateGuards(ctx, props)
		if gerr != nil {
			r.recordFailure(res.Identity(), gerr)
			continue
		}
		if skip {
			r.stats.Skipped++
			r.transition(res.Identity(), telemetry.EventTypeResourceSkipped, "guard prevented apply")
			continue
		}

		result := r.apply(ctx, res, props.Action)
		if result.Status == StatusUpdated {
			if rerr := r.router.route(ctx, props.Notifies); rerr != nil {
				log.WithError(rerr).Error("notification routing failed")
			}
		}
	}

	if canceled {
		err := ctx.Err()
		log.WithError(err).Warn("run canceled, aborting between resources")
		e.publish(telemetry.Event{
			Type:    telemetry.EventTypeRunAborted,
			RunID:   runID,
			Message: "run canceled: " + err.Error(),
			Level:   telemetry.EventLevelError,
		})
		if span != nil {
			telemetry.RecordError(span, err)
		}
		summary := newSummary(runID, startedAt, r.stats)
		summary.Success = false
		e.finishRun(ctx, summary, "aborted")
		return summary, err
	}

	if derr := r.router.drain(ctx); derr != nil {
		log.WithError(derr).Error("notification drain failed")
	}

	summary := newSummary(runID, startedAt, r.stats)
	status := "succeeded"
	if !summary.Success {
		status = "failed"
	}
	log.Infof("run complete: applied=%d unchanged=%d skipped=%d failed=%d notifications=%d",
		summary.Applied, summary.Unchanged, summary.Skipped, summary.Failed, summary.NotificationsFired)
	e.publish(telemetry.Event{
		Type:    telemetry.EventTypeRunCompleted,
		RunID:   runID,
		Message: "convergence run completed: " + status,
		Level:   telemetry.EventLevelInfo,
	})
	e.finishRun(ctx, summary, status)
	return summary, nil
}

// apply invokes a resource's apply exactly once and folds the result into
// the run statistics.
func (r *run) apply(ctx context.Context, res Resource, action string) ApplyResult {
	id := res.Identity()
	start := time.Now()

	applyCtx := ctx
	var span trace.Span
	if r.engine.tracer != nil {
		applyCtx, span = r.engine.tracer.StartResourceSpan(ctx, id.String(), id.Kind, action)
	}

	result := res.Apply(applyCtx, action)

	duration := time.Since(start)
	if r.engine.metrics != nil {
		r.engine.metrics.RecordResource(id.Kind, result.Status.String(), duration)
	}

	switch result.Status {
	case StatusUpdated:
		r.stats.Applied++
		r.transition(id, telemetry.EventTypeResourceUpdated, action)
		r.log.WithResource(id.String()).Infof("%s updated", action)
	case StatusUnchanged:
		r.stats.Unchanged++
		r.transition(id, telemetry.EventTypeResourceUnchanged, action)
		r.log.WithResource(id.String()).Debug("already converged")
	case StatusFailed:
		err := NewApplyError("apply failed", result.Err).WithResource(id)
		if span != nil {
			telemetry.RecordError(span, err)
		}
		r.recordFailure(id, err)
	}

	if span != nil {
		span.End()
	}
	return result
}

// fireNotification delivers one notification to its target, out of the
// main sequence. For immediate timing the target is consumed so the loop
// does not apply it again at its original position. The returned cascade
// is the target's own notifications when it reported Updated; a failed
// target cannot have changed the system in the way notifications assume,
// so its notifications are suppressed.
func (r *run) fireNotification(ctx context.Context, target ResourceID, action string, timing Timing) []Notification {
	slot := r.index[target]
	res := r.resources[slot]

	if timing == TimingImmediate {
		r.consumed[slot] = true
	}

	r.stats.NotificationsFired++
	if r.engine.metrics != nil {
		r.engine.metrics.RecordNotification(timing.String())
	}
	r.engine.publish(telemetry.Event{
		Type:     telemetry.EventTypeNotificationFired,
		RunID:    r.runID,
		Resource: target.String(),
		Action:   action,
		Message:  timing.String() + " notification fired",
		Level:    telemetry.EventLevelInfo,
	})
	r.log.WithResource(target.String()).Infof("notified: %s (%s)", action, timing)

	result := r.apply(ctx, res, action)
	if result.Status == StatusUpdated {
		return res.Common().Notifies
	}
	return nil
}

// recordFailure folds a guard or apply failure into the run statistics.
// Failures are data, never control flow: the run continues.
func (r *run) recordFailure(id ResourceID, err error) {
	r.stats.Failed++
	r.stats.Failures = append(r.stats.Failures, ResourceFailure{
		Resource: id,
		Reason:   err.Error(),
	})
	r.engine.publish(telemetry.Event{
		Type:     telemetry.EventTypeResourceFailed,
		RunID:    r.runID,
		Resource: id.String(),
		Message:  err.Error(),
		Level:    telemetry.EventLevelError,
	})
	r.log.WithResource(id.String()).WithError(err).Error("resource failed")
}

// transition emits the structured event for a resource state transition.
func (r *run) transition(id ResourceID, eventType, message string) {
	r.engine.publish(telemetry.Event{
		Type:     eventType,
		RunID:    r.runID,
		Resource: id.String(),
		Message:  message,
		Level:    telemetry.EventLevelInfo,
	})
}

func (e *Engine) publish(event telemetry.Event) {
	if e.events == nil {
		return
	}
	e.events.Publish(event)
}

func (e *Engine) finishRun(ctx context.Context, summary *RunSummary, status string) {
	if e.metrics != nil {
		e.metrics.RecordRunCompleted(status, summary.Duration)
	}
	if e.recorder != nil {
		// A canceled run still gets a history row.
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := e.recorder.RecordRun(recordCtx, summary); err != nil {
			e.log.WithError(err).Warn("failed to record run history")
		}
	}
}
