package engine

import "context"

// evaluateGuards decides whether a resource's action should run at all.
//
// Order is fixed: every not_if predicate is checked first (any true skips
// the resource), then every only_if predicate (any false skips). A guard
// that fails to execute surfaces as a resource failure rather than a
// silent pass or skip, so misconfigured predicates cannot mask themselves.
// Guards never mutate host state; only apply may.
func evaluateGuards(ctx context.Context, props *CommonProps) (skip bool, err error) {
	for _, g := range props.Guards {
		if g.Kind != GuardNotIf {
			continue
		}
		ok, gerr := g.Check(ctx)
		if gerr != nil {
			return false, NewGuardError("not_if guard execution failed: "+g.Source, gerr)
		}
		if ok {
			return true, nil
		}
	}

	for _, g := range props.Guards {
		if g.Kind != GuardOnlyIf {
			continue
		}
		ok, gerr := g.Check(ctx)
		if gerr != nil {
			return false, NewGuardError("only_if guard execution failed: "+g.Source, gerr)
		}
		if !ok {
			return true, nil
		}
	}

	return false, nil
}
