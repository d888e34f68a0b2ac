package engine

import (
	"context"
	"errors"
	"testing"
)

// fakeResource is a scriptable resource for exercising the engine.
type fakeResource struct {
	id       ResourceID
	props    CommonProps
	applies  []string // actions received, in order
	applyFn  func(action string) ApplyResult
	released bool
}

func newFakeResource(kind, name string) *fakeResource {
	return &fakeResource{
		id:    ID(kind, name),
		props: CommonProps{Action: "apply"},
		applyFn: func(string) ApplyResult {
			return Updated()
		},
	}
}

func (f *fakeResource) Apply(_ context.Context, action string) ApplyResult {
	f.applies = append(f.applies, action)
	return f.applyFn(action)
}

func (f *fakeResource) Identity() ResourceID  { return f.id }
func (f *fakeResource) Common() *CommonProps  { return &f.props }
func (f *fakeResource) Release()              { f.released = true }

func (f *fakeResource) unchanged() *fakeResource {
	f.applyFn = func(string) ApplyResult { return Unchanged() }
	return f
}

func (f *fakeResource) failing(err error) *fakeResource {
	f.applyFn = func(string) ApplyResult { return Failed(err) }
	return f
}

func (f *fakeResource) notifies(n ...Notification) *fakeResource {
	f.props.Notifies = append(f.props.Notifies, n...)
	return f
}

func toResources(fakes ...*fakeResource) []Resource {
	resources := make([]Resource, len(fakes))
	for i, f := range fakes {
		resources[i] = f
	}
	return resources
}

func converge(t *testing.T, fakes ...*fakeResource) *RunSummary {
	t.Helper()
	summary, err := New(nil).Converge(context.Background(), toResources(fakes...))
	if err != nil {
		t.Fatalf("unexpected converge error: %v", err)
	}
	return summary
}

func TestConvergeDeclarationOrder(t *testing.T) {
	var order []string
	a := newFakeResource("file", "/etc/a")
	b := newFakeResource("file", "/etc/b")
	c := newFakeResource("file", "/etc/c")
	for _, f := range []*fakeResource{a, b, c} {
		f := f
		f.applyFn = func(string) ApplyResult {
			order = append(order, f.id.Name)
			return Updated()
		}
	}

	summary := converge(t, a, b, c)

	want := []string{"/etc/a", "/etc/b", "/etc/c"}
	if len(order) != len(want) {
		t.Fatalf("expected %d applies, got %v", len(want), order)
	}
	for i, name := range want {
		if order[i] != name {
			t.Errorf("apply %d = %s, want %s", i, order[i], name)
		}
	}
	if summary.Applied != 3 || !summary.Success {
		t.Errorf("summary = %+v, want applied=3 success", summary)
	}
}

func TestApplyInvokedAtMostOncePerRun(t *testing.T) {
	a := newFakeResource("file", "/etc/a")
	converge(t, a)

	if len(a.applies) != 1 {
		t.Errorf("apply invoked %d times, want 1", len(a.applies))
	}
}

func TestUnchangedEmitsNoNotifications(t *testing.T) {
	target := newFakeResource("service", "nginx")
	source := newFakeResource("file", "/etc/nginx.conf").unchanged().
		notifies(Notification{Target: ID("service", "nginx"), Action: "reload"})

	summary := converge(t, source, target)

	// target applied once at its own position with its default action only
	if len(target.applies) != 1 || target.applies[0] != "apply" {
		t.Errorf("target applies = %v, want [apply]", target.applies)
	}
	if summary.NotificationsFired != 0 {
		t.Errorf("notifications fired = %d, want 0", summary.NotificationsFired)
	}
	if summary.Unchanged != 1 {
		t.Errorf("unchanged = %d, want 1", summary.Unchanged)
	}
}

func TestImmediateNotificationOrdering(t *testing.T) {
	var order []string
	a := newFakeResource("file", "/etc/app.conf").
		notifies(Notification{Target: ID("service", "app"), Action: "restart", Timing: TimingImmediate})
	b := newFakeResource("file", "/etc/other")
	target := newFakeResource("service", "app")

	a.applyFn = func(string) ApplyResult { order = append(order, "a"); return Updated() }
	b.applyFn = func(string) ApplyResult { order = append(order, "b"); return Updated() }
	target.applyFn = func(action string) ApplyResult {
		order = append(order, "target:"+action)
		return Updated()
	}

	summary := converge(t, a, b, target)

	// target fires synchronously after a, before b, and is not re-applied
	// at its original position.
	want := []string{"a", "target:restart", "b"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if len(target.applies) != 1 {
		t.Errorf("target applied %d times, want 1", len(target.applies))
	}
	if summary.Applied != 3 {
		t.Errorf("applied = %d, want 3", summary.Applied)
	}
	if summary.NotificationsFired != 1 {
		t.Errorf("notifications fired = %d, want 1", summary.NotificationsFired)
	}
}

func TestDelayedAtMostOnceDelivery(t *testing.T) {
	target := newFakeResource("execute", "reload-units").unchanged()
	a := newFakeResource("file", "/etc/systemd/a.service").
		notifies(Notification{Target: ID("execute", "reload-units"), Action: "run"})
	b := newFakeResource("file", "/etc/systemd/b.service").
		notifies(Notification{Target: ID("execute", "reload-units"), Action: "run"})

	// The target's own guarded position: gate it off so only the drain
	// applies it.
	target.props.Guards = []Guard{{
		Kind:   GuardNotIf,
		Check:  func(context.Context) (bool, error) { return true, nil },
		Source: "true",
	}}
	drained := 0
	target.applyFn = func(action string) ApplyResult {
		drained++
		return Updated()
	}

	summary := converge(t, a, b, target)

	if drained != 1 {
		t.Errorf("target invoked %d times during drain, want exactly 1", drained)
	}
	if summary.NotificationsFired != 1 {
		t.Errorf("notifications fired = %d, want 1", summary.NotificationsFired)
	}
}

func TestDelayedDistinctActionsBothFire(t *testing.T) {
	target := newFakeResource("service", "nginx").unchanged()
	source := newFakeResource("file", "/etc/nginx.conf").notifies(
		Notification{Target: ID("service", "nginx"), Action: "reload"},
		Notification{Target: ID("service", "nginx"), Action: "restart"},
	)

	summary := converge(t, source, target)

	// position apply + two drained actions
	want := []string{"apply", "reload", "restart"}
	if len(target.applies) != len(want) {
		t.Fatalf("target applies = %v, want %v", target.applies, want)
	}
	for i := range want {
		if target.applies[i] != want[i] {
			t.Fatalf("target applies = %v, want %v", target.applies, want)
		}
	}
	if summary.NotificationsFired != 2 {
		t.Errorf("notifications fired = %d, want 2", summary.NotificationsFired)
	}
}

func TestDrainFiresInEnqueueOrder(t *testing.T) {
	var fired []string
	svc1 := newFakeResource("service", "one").unchanged()
	svc2 := newFakeResource("service", "two").unchanged()
	svc1.applyFn = func(action string) ApplyResult {
		fired = append(fired, "one:"+action)
		return Unchanged()
	}
	svc2.applyFn = func(action string) ApplyResult {
		fired = append(fired, "two:"+action)
		return Unchanged()
	}

	a := newFakeResource("file", "/etc/a").
		notifies(Notification{Target: ID("service", "two"), Action: "restart"})
	b := newFakeResource("file", "/etc/b").
		notifies(Notification{Target: ID("service", "one"), Action: "restart"})

	converge(t, a, b, svc1, svc2)

	// drain order follows enqueue order, not declaration order
	want := []string{"one:apply", "two:apply", "two:restart", "one:restart"}
	if len(fired) != len(want) {
		t.Fatalf("fired = %v, want %v", fired, want)
	}
	for i := range want {
		if fired[i] != want[i] {
			t.Fatalf("fired = %v, want %v", fired, want)
		}
	}
}

func TestFailedResourceSuppressesItsNotifications(t *testing.T) {
	target := newFakeResource("service", "app").unchanged()
	source := newFakeResource("file", "/etc/app.conf").
		failing(errors.New("permission denied")).
		notifies(Notification{Target: ID("service", "app"), Action: "restart"})

	summary := converge(t, source, target)

	if len(target.applies) != 1 {
		t.Errorf("target applies = %v, want only its own position", target.applies)
	}
	if summary.NotificationsFired != 0 {
		t.Errorf("notifications fired = %d, want 0", summary.NotificationsFired)
	}
	if summary.Failed != 1 || summary.Success {
		t.Errorf("summary = %+v, want one failure and success=false", summary)
	}
}

func TestFailureIsolation(t *testing.T) {
	a := newFakeResource("package", "ghost").failing(errors.New("no such package"))
	b := newFakeResource("file", "/etc/b")
	c := newFakeResource("file", "/etc/c")

	summary := converge(t, a, b, c)

	if len(b.applies) != 1 || len(c.applies) != 1 {
		t.Error("later resources must still apply after an earlier failure")
	}
	if summary.Failed != 1 {
		t.Errorf("failed = %d, want 1", summary.Failed)
	}
	if len(summary.Failures) != 1 || summary.Failures[0].Resource != ID("package", "ghost") {
		t.Errorf("failures = %+v", summary.Failures)
	}
	if summary.Success {
		t.Error("summary.Success = true, want false")
	}
}

func TestGuardErrorIsResourceFailure(t *testing.T) {
	target := newFakeResource("service", "app").unchanged()
	res := newFakeResource("file", "/etc/app.conf").
		notifies(Notification{Target: ID("service", "app"), Action: "restart"})
	res.props.Guards = []Guard{{
		Kind:   GuardOnlyIf,
		Check:  func(context.Context) (bool, error) { return false, errors.New("exec format error") },
		Source: "only_if broken",
	}}

	summary := converge(t, res, target)

	if len(res.applies) != 0 {
		t.Error("apply must not run when a guard fails to execute")
	}
	if summary.Failed != 1 || summary.Skipped != 0 {
		t.Errorf("summary = %+v, want failed=1 skipped=0", summary)
	}
	if summary.NotificationsFired != 0 {
		t.Error("a guard failure must suppress the resource's notifications")
	}
}

func TestValidationDuplicateIDAbortsBeforeAnyApply(t *testing.T) {
	a := newFakeResource("file", "/tmp/a")
	b := newFakeResource("file", "/tmp/a")

	summary, err := New(nil).Converge(context.Background(), toResources(a, b))

	if err == nil || !IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if len(a.applies) != 0 || len(b.applies) != 0 {
		t.Error("no resource may apply after a validation failure")
	}
	if summary.Applied != 0 || summary.Failed != 0 {
		t.Errorf("summary = %+v, want zero applied and failed counts", summary)
	}
	if summary.Success {
		t.Error("summary.Success = true, want false")
	}
}

func TestValidationUnknownNotificationTarget(t *testing.T) {
	a := newFakeResource("file", "/tmp/a").
		notifies(Notification{Target: ID("service", "missing"), Action: "restart"})

	_, err := New(nil).Converge(context.Background(), toResources(a))
	if !IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if !errors.Is(err, NewValidationError(ErrCodeUnknownTarget, "")) {
		t.Errorf("err = %v, want code %s", err, ErrCodeUnknownTarget)
	}
}

func TestValidationImmediateUpstreamTarget(t *testing.T) {
	target := newFakeResource("service", "app")
	source := newFakeResource("file", "/etc/app.conf").
		notifies(Notification{Target: ID("service", "app"), Action: "restart", Timing: TimingImmediate})

	// target declared before its immediate source: already processed by
	// the time the notification could fire.
	_, err := New(nil).Converge(context.Background(), toResources(target, source))
	if !IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if !errors.Is(err, NewValidationError(ErrCodeImmediateOrder, "")) {
		t.Errorf("err = %v, want code %s", err, ErrCodeImmediateOrder)
	}

	// delayed timing to an upstream target is fine
	source.props.Notifies[0].Timing = TimingDelayed
	if _, err := New(nil).Converge(context.Background(), toResources(target, source)); err != nil {
		t.Fatalf("delayed upstream notification rejected: %v", err)
	}
}

func TestResourcesReleasedOnCompletionAndAbort(t *testing.T) {
	a := newFakeResource("file", "/tmp/a")
	b := newFakeResource("file", "/tmp/b").failing(errors.New("boom"))
	converge(t, a, b)
	if !a.released || !b.released {
		t.Error("all resources must be released at run end")
	}

	dup1 := newFakeResource("file", "/tmp/dup")
	dup2 := newFakeResource("file", "/tmp/dup")
	_, _ = New(nil).Converge(context.Background(), toResources(dup1, dup2))
	if !dup1.released || !dup2.released {
		t.Error("resources must be released even when validation aborts the run")
	}
}

func TestImmediateCascadePropagates(t *testing.T) {
	var order []string
	a := newFakeResource("file", "/etc/a").
		notifies(Notification{Target: ID("service", "b"), Action: "restart", Timing: TimingImmediate})
	b := newFakeResource("service", "b").
		notifies(Notification{Target: ID("execute", "c"), Action: "run", Timing: TimingImmediate})
	c := newFakeResource("execute", "c")

	for _, f := range []*fakeResource{a, b, c} {
		f := f
		f.applyFn = func(action string) ApplyResult {
			order = append(order, f.id.Kind+":"+action)
			return Updated()
		}
	}

	summary := converge(t, a, b, c)

	want := []string{"file:apply", "service:restart", "execute:run"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
	if summary.NotificationsFired != 2 {
		t.Errorf("notifications fired = %d, want 2", summary.NotificationsFired)
	}
}

func TestCancellationStopsBetweenResources(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := newFakeResource("file", "/etc/a")
	a.applyFn = func(string) ApplyResult {
		cancel()
		return Updated()
	}
	b := newFakeResource("file", "/etc/b")
	c := newFakeResource("service", "app")

	summary, err := New(nil).Converge(ctx, toResources(a, b, c))

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(b.applies) != 0 || len(c.applies) != 0 {
		t.Errorf("resources after the cancellation point applied: b=%v c=%v", b.applies, c.applies)
	}
	if summary.Applied != 1 || summary.Success {
		t.Errorf("summary = %+v, want applied=1 success=false", summary)
	}
	if !a.released || !b.released || !c.released {
		t.Error("all resources must be released after a canceled run")
	}
}

func TestSecondRunConverged(t *testing.T) {
	// End-to-end shape: first run updates and notifies; a second run over
	// converged state stays quiet.
	exec := newFakeResource("execute", "restart-a").unchanged()
	exec.props.Guards = []Guard{{
		Kind:   GuardNotIf,
		Check:  func(context.Context) (bool, error) { return true, nil },
		Source: "true",
	}}
	execRan := 0
	exec.applyFn = func(string) ApplyResult { execRan++; return Updated() }

	file := newFakeResource("file", "/tmp/a").
		notifies(Notification{Target: ID("execute", "restart-a"), Action: "run"})

	first := converge(t, file, exec)
	if first.Applied != 2 || first.NotificationsFired != 1 {
		t.Errorf("first run = %+v, want applied=2 notifications=1", first)
	}
	if execRan != 1 {
		t.Errorf("exec ran %d times, want 1", execRan)
	}

	// second run: file content now converged
	exec2 := newFakeResource("execute", "restart-a").unchanged()
	exec2.props.Guards = exec.props.Guards
	file2 := newFakeResource("file", "/tmp/a").unchanged().
		notifies(Notification{Target: ID("execute", "restart-a"), Action: "run"})

	second := converge(t, file2, exec2)
	if second.Unchanged != 1 || second.NotificationsFired != 0 {
		t.Errorf("second run = %+v, want unchanged=1 notifications=0", second)
	}
	if second.Applied != 0 {
		t.Errorf("second run applied = %d, want 0", second.Applied)
	}
}
