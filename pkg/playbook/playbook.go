// Package playbook holds the in-memory, already-parsed representation of a
// playbook graph. Surface YAML syntax and its parsing are explicitly out of
// scope (spec §1); a Playbook here is assumed to already exist, produced by
// an external compiler and fetched from the catalog collaborator (§6.2).
package playbook

// StepType tags which action body a Step carries (spec §9 "Step
// polymorphism"). Extension is by adding a new tag plus its executor
// capability (pkg/executor).
type StepType string

const (
	StepAction     StepType = "action"   // inline action (HTTP, SQL, ...)
	StepIterator   StepType = "iterator" // fan-out/fan-in loop
	StepPlaybook   StepType = "playbook" // sub-playbook invocation
	StepNoop       StepType = "noop"     // start/end markers with no body
)

// Edge is an outbound transition from a step, gated by an optional `when`
// predicate. A step with no edges is a leaf (spec §4.3 terminal detection).
type Edge struct {
	Target string `json:"target"`
	When   string `json:"when,omitempty"` // template expression; empty = unconditional
	Branch string `json:"branch"`         // "then" or "else", used for §4.3 dependency scoping
}

// IteratorSpec configures a fan-out/fan-in step (spec §4.4).
type IteratorSpec struct {
	Collection        string `json:"collection"` // template expression yielding a sequence
	ElementName       string `json:"element_name"`
	IndexName         string `json:"index_name"`
	Mode              string `json:"mode"` // "sequential" | "parallel"
	Body              Step   `json:"body"`
	ReturnStep        string `json:"return_step,omitempty"`
	ContinueOnFailure bool   `json:"continue_on_failure"`
}

// PlaybookCallSpec configures a sub-playbook step.
type PlaybookCallSpec struct {
	Path    string         `json:"path"`
	Version string         `json:"version,omitempty"`
	Merge   map[string]any `json:"merge,omitempty"`
}

// Step is one node in the playbook graph (spec §9). The common header is
// shared; the body varies per Type.
type Step struct {
	Name string   `json:"name"`
	Type StepType `json:"type"`

	// When gates whether this step may even be considered; it is
	// evaluated against the incoming edge that reached it, not here —
	// Step.When is reserved for a step-level guard independent of the
	// edge that triggered evaluation (e.g. idempotent re-entry guards).
	When string `json:"when,omitempty"`
	Next []Edge `json:"next,omitempty"`

	Action   *ActionSpec       `json:"action,omitempty"`
	Iterator *IteratorSpec     `json:"iterator,omitempty"`
	Call     *PlaybookCallSpec `json:"call,omitempty"`

	Save *SaveSpec `json:"save,omitempty"`
	Auth []string  `json:"auth,omitempty"`

	// OnFailure names a step to route to when this step fails. Spec §9 Open
	// Questions: its exact dependency/fan-out semantics are left to the DSL;
	// the core treats it as a plain edge taken as soon as the step's latest
	// event is action_failed, whether or not retries remain (see DESIGN.md).
	OnFailure string `json:"on_failure,omitempty"`
}

// ActionSpec is the unrendered, catalog-sourced action body: type tag plus
// template-laden configuration (contrast with model.ActionSpec, which is
// the rendered, dispatch-ready form a Job carries).
type ActionSpec struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config"`
}

// SaveSpec configures the post-hook that persists intermediate results to
// external storage (spec §9 Open Questions). It runs strictly after the
// terminal action event is emitted; its own failure is logged by the
// worker, emits no event, and never blocks or reverts the action's own
// completion.
type SaveSpec struct {
	Target string         `json:"target"`
	Config map[string]any `json:"config"`
}

// Playbook is an immutable, already-parsed workflow: metadata, initial
// workload defaults and a named step graph (spec glossary). Cycles in Next
// are permitted (spec §9): the Playbook is a static graph indexed by step
// name, never a runtime structure the evaluator mutates.
type Playbook struct {
	Path     string          `json:"path"`
	Version  string          `json:"version"`
	Start    string          `json:"start"`
	Workload map[string]any  `json:"workload,omitempty"`
	Steps    map[string]Step `json:"steps"`
}

// Step looks up a step by name, returning ok=false if absent.
func (p *Playbook) Step(name string) (Step, bool) {
	s, ok := p.Steps[name]
	return s, ok
}

// Leaves returns the names of steps with no outbound edges — completion of
// all of them signals execution-level completion (spec §4.3 step 6).
func (p *Playbook) Leaves() []string {
	var leaves []string
	for name, step := range p.Steps {
		if len(step.Next) == 0 {
			leaves = append(leaves, name)
		}
	}
	return leaves
}

// Dependencies returns the set of step names whose Next edges target the
// given step, scoped by branch (spec §4.3 step 4: "a step reached only via
// a `then` of a false `when` is not a dependency" — callers filter using
// the branch actually taken, tracked via transition events, not here).
func (p *Playbook) Dependencies(target string) []string {
	var deps []string
	for name, step := range p.Steps {
		for _, e := range step.Next {
			if e.Target == target {
				deps = append(deps, name)
				break
			}
		}
	}
	return deps
}
