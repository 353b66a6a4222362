// Package reconcile computes how to move the supervised set to a new desired state.
package reconcile

import (
	"fmt"
	"sort"

	"github.com/core-tools/hsu-supervisor/pkg/domain"
)

// RemovedPolicy decides what happens to running names missing from the new desired state
type RemovedPolicy string

const (
	RemovedStop RemovedPolicy = "stop"
	RemovedKeep RemovedPolicy = "keep"
)

func ParseRemovedPolicy(value string) (RemovedPolicy, error) {
	switch RemovedPolicy(value) {
	case "", RemovedStop:
		return RemovedStop, nil
	case RemovedKeep:
		return RemovedKeep, nil
	default:
		return "", fmt.Errorf("unknown removed policy %q, expected %q or %q", value, RemovedStop, RemovedKeep)
	}
}

// Replacement carries the new spec for a name whose launch parameters changed
type Replacement struct {
	Name string
	Old  domain.ManagedProcessSpec
	New  domain.ManagedProcessSpec
}

// Plan lists names per action, each sorted
type Plan struct {
	Start     []domain.ManagedProcessSpec
	Stop      []string
	Replace   []Replacement
	Unchanged []string
	// Kept are removed names left running under RemovedKeep
	Kept []string
}

// Empty reports whether applying the plan would create or destroy nothing
func (p Plan) Empty() bool {
	return len(p.Start) == 0 && len(p.Stop) == 0 && len(p.Replace) == 0
}

// Compute diffs current against desired. It is pure: the same inputs always
// give the same plan, and a plan applied once yields an empty plan next time.
func Compute(current, desired map[string]domain.ManagedProcessSpec, policy RemovedPolicy) Plan {
	var plan Plan

	for _, name := range sortedNames(desired) {
		want := desired[name]
		have, ok := current[name]
		switch {
		case !ok:
			plan.Start = append(plan.Start, want)
		case have.RestartRelevantEqual(want):
			plan.Unchanged = append(plan.Unchanged, name)
		default:
			plan.Replace = append(plan.Replace, Replacement{Name: name, Old: have, New: want})
		}
	}

	for _, name := range sortedNames(current) {
		if _, ok := desired[name]; ok {
			continue
		}
		if policy == RemovedKeep {
			plan.Kept = append(plan.Kept, name)
		} else {
			plan.Stop = append(plan.Stop, name)
		}
	}

	return plan
}

func sortedNames(specs map[string]domain.ManagedProcessSpec) []string {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
