package engine

import "fmt"

// buildIndex constructs the ResourceID -> slot mapping used for O(1)
// notification target resolution. It doubles as the identity-conflict
// check: two resources sharing an id is a configuration error.
func buildIndex(resources []Resource) (map[ResourceID]int, error) {
	index := make(map[ResourceID]int, len(resources))
	for i, res := range resources {
		id := res.Identity()
		if prev, exists := index[id]; exists {
			return nil, NewValidationError(ErrCodeDuplicateID,
				fmt.Sprintf("resource %s declared at positions %d and %d", id, prev, i))
		}
		index[id] = i
	}
	return index, nil
}

// Validate runs the pre-apply validation pass without converging. The CLI
// uses it to check a resolved resource list standalone.
func Validate(resources []Resource) error {
	_, err := validateRun(resources)
	return err
}

// validateRun performs the pre-apply validation pass over the resource
// list. It is the one fatal path: a failure here aborts the run before any
// resource applies, because the input itself is unsound and partial
// execution would be misleading.
//
// Checks:
//   - every ResourceID is unique;
//   - every notification target exists in the run;
//   - an immediate notification never targets a resource at or upstream of
//     its source position; that resource has already run by the time the
//     notification could fire.
func validateRun(resources []Resource) (map[ResourceID]int, error) {
	index, err := buildIndex(resources)
	if err != nil {
		return nil, err
	}

	for i, res := range resources {
		id := res.Identity()
		for _, n := range res.Common().Notifies {
			slot, exists := index[n.Target]
			if !exists {
				return nil, NewValidationError(ErrCodeUnknownTarget,
					fmt.Sprintf("%s notifies unknown resource %s", id, n.Target))
			}
			if n.Timing == TimingImmediate && slot <= i {
				return nil, NewValidationError(ErrCodeImmediateOrder,
					fmt.Sprintf("%s declares an immediate notification to %s, which does not run after it", id, n.Target))
			}
		}
	}
	return index, nil
}
