// Package engine implements Mariner's resource convergence and
// notification-propagation core.
//
// A run walks a resolved resource list in declaration order, applies each
// resource exactly once, determines whether a real change occurred, and
// fires cross-resource notifications: immediate notifications apply their
// target synchronously and consume its original slot, delayed ones queue
// with (target, action) deduplication and fire in enqueue order after the
// main pass. Guard and apply failures become data in the run summary and
// never stop the run; only resource-list validation aborts, before any
// apply begins.
package engine
