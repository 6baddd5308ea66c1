package broker

import (
	"sort"

	"github.com/noetl/noetl/pkg/model"
	"github.com/noetl/noetl/pkg/playbook"
)

// category is a step's coarse-grained status as derived from its latest
// event (spec §4.3 step 3).
type category int

const (
	categoryNone category = iota
	categoryInFlight
	categoryCompleted
	categoryFailed
)

var completedTypes = map[model.EventType]bool{
	model.EventActionCompleted: true,
	model.EventLoopAggregated:  true,
	model.EventSkipped:         true,
}

var inFlightTypes = map[model.EventType]bool{
	model.EventStepStarted:   true,
	model.EventActionStarted: true,
	model.EventLoopIteration: true,
}

var failedTypes = map[model.EventType]bool{
	model.EventActionFailed: true,
}

func categorize(e model.Event) category {
	switch {
	case completedTypes[e.EventType]:
		return categoryCompleted
	case failedTypes[e.EventType]:
		return categoryFailed
	case inFlightTypes[e.EventType]:
		return categoryInFlight
	default:
		return categoryNone
	}
}

// executionState is the in-memory projection built from the event log each
// evaluation pass (spec §4.3 step 2).
type executionState struct {
	latestByNode map[string]model.Event   // node_id -> latest event for that node
	transitions  map[string][]model.Event // source step name -> its emitted transition events
	cancelled    bool
}

func buildState(events []model.Event) *executionState {
	s := &executionState{
		latestByNode: make(map[string]model.Event),
		transitions:  make(map[string][]model.Event),
	}
	for _, e := range events {
		if e.EventType == model.EventExecutionCancelled {
			s.cancelled = true
		}
		if e.EventType == model.EventTransition {
			s.transitions[e.NodeID] = append(s.transitions[e.NodeID], e)
			continue
		}
		if existing, ok := s.latestByNode[e.NodeID]; !ok || e.EventID > existing.EventID {
			s.latestByNode[e.NodeID] = e
		}
	}
	return s
}

// taken reports whether a transition from source to target was already
// evaluated, and if so whether it was taken (when_result==true).
func (s *executionState) taken(source, target string) (evaluated, ok bool) {
	for _, e := range s.transitions[source] {
		to, _ := e.Payload["to"].(string)
		if to != target {
			continue
		}
		whenResult, _ := e.Payload["when_result"].(bool)
		return true, whenResult
	}
	return false, false
}

// hasTransitions reports whether transition events have already been
// emitted from source at all (used to avoid re-emitting them every pass).
func (s *executionState) hasTransitions(source string) bool {
	return len(s.transitions[source]) > 0
}

// sortedStepNames returns playbook step names in a deterministic order so
// repeated evaluation passes over the same state make the same decisions.
func sortedStepNames(steps map[string]playbook.Step) []string {
	names := make([]string, 0, len(steps))
	for name := range steps {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
