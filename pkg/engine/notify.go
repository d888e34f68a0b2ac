package engine

import "context"

// routerState tracks the notification router's per-run lifecycle.
type routerState int

const (
	routerIdle routerState = iota
	routerCollecting
	routerDraining
	routerDone
)

func (s routerState) String() string {
	switch s {
	case routerIdle:
		return "idle"
	case routerCollecting:
		return "collecting"
	case routerDraining:
		return "draining"
	default:
		return "done"
	}
}

// notificationKey is the at-most-once delivery key for delayed
// notifications.
type notificationKey struct {
	target ResourceID
	action string
}

// fireFunc delivers one notification: it applies the target with the given
// action, records stats and events, and returns the target's own declared
// notifications when the target reported Updated, so cascades propagate.
// A nil return means no cascade (unchanged, failed, or unknown target).
type fireFunc func(ctx context.Context, target ResourceID, action string, timing Timing) []Notification

// router owns the pending-notification queue. It decides when a
// notification fires and guarantees at-most-once delivery per
// (target, action) pair within a run.
//
// States: idle -> collecting -> draining -> done. Delayed entries enqueued
// while draining join the live queue (a drained target may itself update
// and notify); the dedupe set spans the whole run, so a key that already
// fired is never fired again.
type router struct {
	state routerState
	queue []notificationKey
	seen  map[notificationKey]struct{}
	fire  fireFunc
}

func newRouter(fire fireFunc) *router {
	return &router{
		state: routerIdle,
		seen:  make(map[notificationKey]struct{}),
		fire:  fire,
	}
}

// begin transitions the router into the collecting state for the main pass.
func (r *router) begin() {
	if r.state == routerIdle {
		r.state = routerCollecting
	}
}

// route accepts the declared notifications of a resource that just
// reported Updated. Immediate notifications fire synchronously, before the
// engine proceeds; delayed notifications are enqueued with idempotent
// (target, action) deduplication: a second enqueue of a pending key is a
// no-op and does not reorder the queue.
func (r *router) route(ctx context.Context, notifies []Notification) error {
	if r.state == routerDone || r.state == routerIdle {
		return NewValidationError(ErrCodeRouterClosed,
			"notification routed while router is "+r.state.String())
	}

	for _, n := range notifies {
		switch n.Timing {
		case TimingImmediate:
			cascade := r.fire(ctx, n.Target, n.Action, TimingImmediate)
			if len(cascade) > 0 {
				if err := r.route(ctx, cascade); err != nil {
					return err
				}
			}
		default:
			key := notificationKey{target: n.Target, action: n.Action}
			if _, dup := r.seen[key]; dup {
				continue
			}
			r.seen[key] = struct{}{}
			r.queue = append(r.queue, key)
		}
	}
	return nil
}

// drain fires every pending delayed notification in original enqueue
// order, applying each target exactly once per (target, action) key, then
// transitions to done. The queue may grow while draining when a drained
// target updates and declares delayed notifications of its own.
func (r *router) drain(ctx context.Context) error {
	r.state = routerDraining

	for i := 0; i < len(r.queue); i++ {
		entry := r.queue[i]
		cascade := r.fire(ctx, entry.target, entry.action, TimingDelayed)
		if len(cascade) > 0 {
			if err := r.route(ctx, cascade); err != nil {
				return err
			}
		}
	}

	r.state = routerDone
	r.queue = nil
	return nil
}
