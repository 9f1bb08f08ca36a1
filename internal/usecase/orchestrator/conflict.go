package orchestrator

import (
	"slices"

	"autopilot/internal/domain"
)

// ResolveConflict picks the winning event from a candidate set. The order is
// total: source static priority, then event priority, then timestamp (all
// descending), then the smaller trace ID, then the earlier position in events.
// It returns false for an empty set.
func ResolveConflict(events []domain.Event) (domain.Event, bool) {
	if len(events) == 0 {
		return domain.Event{}, false
	}
	idx := make([]int, len(events))
	for i := range idx {
		idx[i] = i
	}
	slices.SortStableFunc(idx, func(a, b int) int {
		return compareEvents(events[a], events[b])
	})
	return events[idx[0]], true
}

// compareEvents returns a negative number when a beats b.
func compareEvents(a, b domain.Event) int {
	if pa, pb := a.Source.StaticPriority(), b.Source.StaticPriority(); pa != pb {
		return pb - pa
	}
	if a.Priority != b.Priority {
		return b.Priority - a.Priority
	}
	if !a.Timestamp.Equal(b.Timestamp) {
		if a.Timestamp.After(b.Timestamp) {
			return -1
		}
		return 1
	}
	switch {
	case a.TraceID < b.TraceID:
		return -1
	case a.TraceID > b.TraceID:
		return 1
	}
	return 0
}
