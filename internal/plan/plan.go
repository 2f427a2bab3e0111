// Package plan executes manager-agent plans: DAG validation, frontier
// scheduling with parallel groups, per-step retries with backoff, and
// strategy-based worker selection.
package plan

import (
	"regexp"
	"time"

	"github.com/nextlevelbuilder/termclaw/pkg/protocol"
)

// Step is one unit of work in a plan. IDs are unique within the plan.
type Step struct {
	ID            string   `json:"id"`
	Task          string   `json:"task"`
	Role          string   `json:"role,omitempty"`
	DependsOn     []string `json:"depends_on,omitempty"`
	TimeoutSec    int      `json:"timeout_sec,omitempty"` // 0 = executor default
	Retries       int      `json:"retries,omitempty"`
	Validation    string   `json:"validation,omitempty"` // regex the output must match
	ParallelGroup string   `json:"parallel_group,omitempty"`
}

// Plan is a DAG of steps. The submitted definition is immutable during
// execution.
type Plan struct {
	Name          string `json:"name"`
	Steps         []Step `json:"steps"`
	StopOnFailure bool   `json:"stop_on_failure,omitempty"`
}

// StepOutcome is the terminal record for one step.
type StepOutcome struct {
	StepID     string    `json:"step_id"`
	Worker     string    `json:"worker,omitempty"`
	State      string    `json:"state"` // protocol.Step* constant
	Attempts   int       `json:"attempts"`
	Output     string    `json:"output,omitempty"`
	Err        error     `json:"-"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at,omitzero"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}

// Result is the outcome of a whole plan, steps in submission order.
type Result struct {
	Plan    string        `json:"plan"`
	Manager string        `json:"manager"`
	State   string        `json:"state"` // "succeeded" or "failed"
	Steps   []StepOutcome `json:"steps"`
}

// Validate checks id uniqueness, dependency references, validation regexes,
// and acyclicity. The cycle path, when found, starts and ends at the same
// step id.
func Validate(p Plan) error {
	if len(p.Steps) == 0 {
		return &protocol.InvalidArgumentError{Field: "steps", Reason: "plan has no steps"}
	}

	byID := make(map[string]Step, len(p.Steps))
	for _, s := range p.Steps {
		if s.ID == "" {
			return &protocol.InvalidArgumentError{Field: "steps", Reason: "step id must not be empty"}
		}
		if _, dup := byID[s.ID]; dup {
			return &protocol.InvalidArgumentError{Field: "steps", Reason: "duplicate step id " + s.ID}
		}
		byID[s.ID] = s
	}
	for _, s := range p.Steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return &protocol.NotFoundError{What: "plan step", Key: dep}
			}
		}
		if s.Validation != "" {
			if _, err := regexp.Compile(s.Validation); err != nil {
				return &protocol.InvalidArgumentError{Field: "validation", Reason: err.Error()}
			}
		}
	}
	return findCycle(p.Steps, byID)
}

// findCycle runs a colored DFS over depends_on edges.
func findCycle(steps []Step, byID map[string]Step) error {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(steps))
	var stack []string

	var visit func(id string) *protocol.CycleError
	visit = func(id string) *protocol.CycleError {
		color[id] = gray
		stack = append(stack, id)
		for _, dep := range byID[id].DependsOn {
			switch color[dep] {
			case gray:
				// Close the loop: slice the stack from the first occurrence.
				start := 0
				for i, v := range stack {
					if v == dep {
						start = i
						break
					}
				}
				path := append(append([]string(nil), stack[start:]...), dep)
				return &protocol.CycleError{Path: path}
			case white:
				if err := visit(dep); err != nil {
					return err
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[id] = black
		return nil
	}

	for _, s := range steps {
		if color[s.ID] == white {
			if err := visit(s.ID); err != nil {
				return err
			}
		}
	}
	return nil
}
