package engine

import (
	"context"
	"errors"
	"testing"
)

func guardOf(kind GuardKind, fn GuardFunc) Guard {
	return Guard{Kind: kind, Check: fn, Source: "test"}
}

func TestEvaluateGuardsNoGuardsProceeds(t *testing.T) {
	skip, err := evaluateGuards(context.Background(), &CommonProps{})
	if err != nil || skip {
		t.Errorf("skip=%v err=%v, want proceed", skip, err)
	}
}

func TestEvaluateGuardsNotIfTrueSkips(t *testing.T) {
	props := &CommonProps{Guards: []Guard{
		guardOf(GuardNotIf, func(context.Context) (bool, error) { return true, nil }),
	}}
	skip, err := evaluateGuards(context.Background(), props)
	if err != nil || !skip {
		t.Errorf("skip=%v err=%v, want skip", skip, err)
	}
}

func TestEvaluateGuardsOnlyIfFalseSkips(t *testing.T) {
	props := &CommonProps{Guards: []Guard{
		guardOf(GuardOnlyIf, func(context.Context) (bool, error) { return false, nil }),
	}}
	skip, err := evaluateGuards(context.Background(), props)
	if err != nil || !skip {
		t.Errorf("skip=%v err=%v, want skip", skip, err)
	}
}

func TestEvaluateGuardsAllSatisfiedProceeds(t *testing.T) {
	props := &CommonProps{Guards: []Guard{
		guardOf(GuardNotIf, func(context.Context) (bool, error) { return false, nil }),
		guardOf(GuardOnlyIf, func(context.Context) (bool, error) { return true, nil }),
	}}
	skip, err := evaluateGuards(context.Background(), props)
	if err != nil || skip {
		t.Errorf("skip=%v err=%v, want proceed", skip, err)
	}
}

func TestEvaluateGuardsNotIfRunsBeforeOnlyIf(t *testing.T) {
	var order []string
	props := &CommonProps{Guards: []Guard{
		// declared only_if first: evaluation order is fixed regardless
		guardOf(GuardOnlyIf, func(context.Context) (bool, error) {
			order = append(order, "only_if")
			return true, nil
		}),
		guardOf(GuardNotIf, func(context.Context) (bool, error) {
			order = append(order, "not_if")
			return false, nil
		}),
	}}

	if _, err := evaluateGuards(context.Background(), props); err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 || order[0] != "not_if" || order[1] != "only_if" {
		t.Errorf("order = %v, want not_if before only_if", order)
	}
}

func TestEvaluateGuardsNotIfShortCircuits(t *testing.T) {
	onlyIfRan := false
	props := &CommonProps{Guards: []Guard{
		guardOf(GuardNotIf, func(context.Context) (bool, error) { return true, nil }),
		guardOf(GuardOnlyIf, func(context.Context) (bool, error) {
			onlyIfRan = true
			return true, nil
		}),
	}}

	skip, err := evaluateGuards(context.Background(), props)
	if err != nil || !skip {
		t.Fatalf("skip=%v err=%v, want skip", skip, err)
	}
	if onlyIfRan {
		t.Error("only_if must not run once a not_if guard skipped the resource")
	}
}

func TestEvaluateGuardsExecutionErrorSurfaces(t *testing.T) {
	boom := errors.New("command not found")
	props := &CommonProps{Guards: []Guard{
		guardOf(GuardNotIf, func(context.Context) (bool, error) { return false, boom }),
	}}

	_, err := evaluateGuards(context.Background(), props)
	if err == nil || !IsGuard(err) {
		t.Fatalf("err = %v, want guard error", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped cause", err)
	}
}
