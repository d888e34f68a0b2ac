package engine

import (
	"context"
	"fmt"
	"time"
)

// ResourceID uniquely identifies a resource within a run. It is the
// addressing key for notifications and for duplicate detection.
type ResourceID struct {
	// Kind is the resource kind (e.g., "file", "package", "service").
	Kind string `json:"kind"`

	// Name is the resource-specific display key (path, package name, ...).
	Name string `json:"name"`
}

// ID is a convenience constructor for a ResourceID.
func ID(kind, name string) ResourceID {
	return ResourceID{Kind: kind, Name: name}
}

// String renders the id in the canonical kind[name] form.
func (id ResourceID) String() string {
	return id.Kind + "[" + id.Name + "]"
}

// Timing controls when a notification fires relative to its source update.
type Timing int

const (
	// TimingDelayed fires once at the end of the run, after the main pass.
	TimingDelayed Timing = iota

	// TimingImmediate fires synchronously, before the engine proceeds to
	// the next resource in sequence.
	TimingImmediate
)

// String returns the timing name.
func (t Timing) String() string {
	switch t {
	case TimingImmediate:
		return "immediate"
	default:
		return "delayed"
	}
}

// Notification is a declared cross-resource trigger. It materializes into a
// pending entry only when the source resource's apply reports a real change.
type Notification struct {
	// Target is the resource to notify.
	Target ResourceID `json:"target"`

	// Action is the action string the target must interpret (e.g.,
	// "restart"). It is not a request to re-run the target's default action.
	Action string `json:"action"`

	// Timing selects immediate or delayed delivery.
	Timing Timing `json:"timing"`
}

// ApplyStatus classifies the outcome of a resource apply.
type ApplyStatus int

const (
	// StatusUnchanged means the host already satisfied the desired state.
	StatusUnchanged ApplyStatus = iota

	// StatusUpdated means the host state was mutated to match.
	StatusUpdated

	// StatusFailed means the apply hit an unrecoverable error.
	StatusFailed
)

// String returns the status name as used in events and metrics labels.
func (s ApplyStatus) String() string {
	switch s {
	case StatusUnchanged:
		return "unchanged"
	case StatusUpdated:
		return "updated"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ApplyResult is the outcome of a single apply invocation. Unchanged and
// Updated are success outcomes; only Updated may emit notifications.
type ApplyResult struct {
	// Status is the apply outcome.
	Status ApplyStatus

	// Err carries the failure cause when Status is StatusFailed.
	Err error
}

// Unchanged reports that the host already matched the desired state.
func Unchanged() ApplyResult {
	return ApplyResult{Status: StatusUnchanged}
}

// Updated reports that the host state was changed.
func Updated() ApplyResult {
	return ApplyResult{Status: StatusUpdated}
}

// Failed reports an unrecoverable apply error. Resource implementations
// must return this rather than panicking past the apply boundary.
func Failed(err error) ApplyResult {
	return ApplyResult{Status: StatusFailed, Err: err}
}

// Failedf is Failed with formatting.
func Failedf(format string, args ...interface{}) ApplyResult {
	return Failed(fmt.Errorf(format, args...))
}

// GuardKind distinguishes the two guard predicate families.
type GuardKind int

const (
	// GuardOnlyIf proceeds only when the predicate is true.
	GuardOnlyIf GuardKind = iota

	// GuardNotIf skips when the predicate is true.
	GuardNotIf
)

// String returns the guard kind as written in recipes.
func (k GuardKind) String() string {
	if k == GuardNotIf {
		return "not_if"
	}
	return "only_if"
}

// GuardFunc is an opaque predicate supplied by the recipe collaborator. It
// may run external commands but must never mutate host state.
type GuardFunc func(ctx context.Context) (bool, error)

// Guard is a single gating predicate on a resource.
type Guard struct {
	// Kind selects only_if or not_if semantics.
	Kind GuardKind

	// Check is the predicate to evaluate.
	Check GuardFunc

	// Source describes the predicate origin for diagnostics (a command
	// string or a callable name).
	Source string
}

// CommonProps are the properties every resource variant carries.
type CommonProps struct {
	// Action is the default action performed during the main pass.
	Action string

	// Guards are evaluated in declaration order, not_if before only_if.
	Guards []Guard

	// Notifies are the notifications this resource may emit on update.
	Notifies []Notification
}

// Resource is the capability contract every variant implements. The engine
// owns the resource list for the duration of a run and releases each
// resource on completion or early abort.
type Resource interface {
	// Apply converges the host toward the desired state for the given
	// action and reports whether a real change occurred. Calling Apply
	// twice in a row with no external state change must return Unchanged
	// the second time.
	Apply(ctx context.Context, action string) ApplyResult

	// Identity returns the stable id derived from kind plus display key.
	Identity() ResourceID

	// Common gives the engine access to guards and notifications.
	Common() *CommonProps

	// Release frees any resources the variant holds, regardless of
	// whether Apply ran or failed.
	Release()
}

// RunStats are the counters mutated by the convergence engine during a run
// and consumed once by the reporter at run end.
type RunStats struct {
	// Applied counts resources whose apply reported Updated, including
	// targets applied via notifications.
	Applied int

	// Unchanged counts applies that reported no change.
	Unchanged int

	// Skipped counts resources gated off by guards.
	Skipped int

	// Failed counts resources whose apply or guard evaluation failed.
	Failed int

	// NotificationsFired counts notification deliveries, immediate and
	// delayed.
	NotificationsFired int

	// Failures records every failed resource with its reason.
	Failures []ResourceFailure
}

// ResourceFailure describes one failed resource for the final summary.
type ResourceFailure struct {
	// Resource is the failed resource's identity.
	Resource ResourceID `json:"resource"`

	// Reason is the failure cause.
	Reason string `json:"reason"`
}

// RunSummary is the final aggregation handed to the CLI collaborator.
// Success is true iff validation passed and no resource failed.
type RunSummary struct {
	// RunID is the unique identifier of this run.
	RunID string `json:"run_id"`

	// StartedAt is when the run started.
	StartedAt time.Time `json:"started_at"`

	// Duration is the total run duration.
	Duration time.Duration `json:"duration"`

	// Applied is the number of resources that changed host state.
	Applied int `json:"applied"`

	// Unchanged is the number of resources already converged.
	Unchanged int `json:"unchanged"`

	// Skipped is the number of resources gated off by guards.
	Skipped int `json:"skipped"`

	// Failed is the number of failed resources.
	Failed int `json:"failed"`

	// NotificationsFired is the number of notifications delivered.
	NotificationsFired int `json:"notifications_fired"`

	// Success is true iff the run validated and no resource failed.
	Success bool `json:"success"`

	// Failures lists every failed resource with its reason.
	Failures []ResourceFailure `json:"failures,omitempty"`
}
