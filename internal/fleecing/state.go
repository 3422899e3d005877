package fleecing

import "slices"

// State is a typed per-device fleecing pipeline state (spec §4.4).
type State string

const (
	StateIdle           State = "idle"
	StateTargetAttached State = "targets_attached"
	StateFleeceAttached State = "fleece_attached"
	StateCBWAttached    State = "cbw_attached"
	StateQdevSwitched   State = "qdev_switched"
	StateSnapAttached   State = "snap_attached"
	StateRunning        State = "running"
	StateConcluded      State = "concluded"
	StateSnapDetached   State = "snap_detached"
	StateQdevRestored   State = "qdev_restored"
	StateCBWDetached    State = "cbw_detached"
	StateFleeceDetached State = "fleece_detached"
	StateTargetDetached State = "target_detached"
)

// ValidTransitions defines the forward setup sequence and the reverse
// teardown sequence a device's fleecing pipeline moves through. Any
// state may additionally transition to StateIdle via teardown-from-any
// -state (modeled separately in Teardown, not as a graph edge here,
// since every intermediate state must be able to unwind regardless of
// how far setup progressed).
var ValidTransitions = map[State][]State{
	StateIdle:           {StateTargetAttached},
	StateTargetAttached: {StateFleeceAttached},
	StateFleeceAttached: {StateCBWAttached},
	StateCBWAttached:    {StateQdevSwitched},
	StateQdevSwitched:   {StateSnapAttached},
	StateSnapAttached:   {StateRunning},
	StateRunning:        {StateConcluded},
	StateConcluded:      {StateSnapDetached},
	StateSnapDetached:   {StateQdevRestored},
	StateQdevRestored:   {StateCBWDetached},
	StateCBWDetached:    {StateFleeceDetached},
	StateFleeceDetached: {StateTargetDetached},
	StateTargetDetached: {StateIdle},
}

// IsValidTransition reports whether moving from current to target
// follows the forward setup sequence.
func IsValidTransition(current, target State) bool {
	allowed, ok := ValidTransitions[current]
	if !ok {
		return false
	}
	return slices.Contains(allowed, target)
}

// setupOrder lists the forward attach stages in the order spec §4.4
// performs them.
var setupOrder = []State{
	StateTargetAttached,
	StateFleeceAttached,
	StateCBWAttached,
	StateQdevSwitched,
	StateSnapAttached,
}

// reachedRank maps a furthest-advanced setup state to how many
// setupOrder stages actually completed.
var reachedRank = map[State]int{
	StateIdle:           0,
	StateTargetAttached: 1,
	StateFleeceAttached: 2,
	StateCBWAttached:    3,
	StateQdevSwitched:   4,
	StateSnapAttached:   5,
	StateRunning:        5,
	StateConcluded:      5,
}

// TeardownStepsFrom returns the ordered list of detach stages still owed
// from the furthest-advanced state reached -- the exact reverse of
// whatever setup stages actually completed, so a partial failure tears
// down only what was actually attached (spec §4.4).
func TeardownStepsFrom(reached State) []State {
	n, ok := reachedRank[reached]
	if !ok || n == 0 {
		return nil
	}
	steps := make([]State, n)
	for i := 0; i < n; i++ {
		steps[i] = setupOrder[n-1-i]
	}
	return steps
}
