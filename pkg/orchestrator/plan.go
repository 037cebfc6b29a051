package orchestrator

import (
	"fmt"
	"regexp"
	"strings"
)

// MaxPlanTasks is the planner's task-count ceiling.
const MaxPlanTasks = 8

// Task is one planned unit of agent work. String params of the form
// "<task_id.dotted.path>" are dependency references resolved at execution
// time.
type Task struct {
	TaskID        string         `json:"task_id"`
	AgentKey      string         `json:"agent_key"`
	Action        string         `json:"action"`
	Params        map[string]any `json:"params,omitempty"`
	DependsOn     []string       `json:"depends_on,omitempty"`
	ParallelGroup string         `json:"parallel_group,omitempty"`
}

// Plan is an ordered task list. Execution respects the dependency DAG; tasks
// sharing a parallel_group may run concurrently.
type Plan struct {
	WorkflowName string `json:"workflow_name"`
	Tasks        []Task `json:"tasks"`
}

var depRefPattern = regexp.MustCompile(`^<([a-zA-Z0-9_]+)((?:\.[a-zA-Z0-9_]+)*)>$`)

// parseDepRef splits a "<task_id.a.b>" reference into its task id and dotted
// path. ok is false for plain strings.
func parseDepRef(s string) (taskID string, path []string, ok bool) {
	m := depRefPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return "", nil, false
	}
	taskID = m[1]
	if m[2] != "" {
		path = strings.Split(strings.TrimPrefix(m[2], "."), ".")
	}
	return taskID, path, true
}

// referencedTasks collects every task id a task's params reference.
func (t Task) referencedTasks() []string {
	var out []string
	for _, v := range t.Params {
		s, ok := v.(string)
		if !ok {
			continue
		}
		if id, _, ok := parseDepRef(s); ok {
			out = append(out, id)
		}
	}
	return out
}

// Validate enforces the plan invariants: non-empty, under the ceiling, unique
// task ids, registered agents and actions, references and dependencies only
// to earlier tasks. Order-consistency with the DAG makes cycles impossible.
// Tasks sharing a parallel_group run concurrently, so dependencies and
// references inside one group are rejected outright.
func (p *Plan) Validate(agents map[string][]string) error {
	if len(p.Tasks) == 0 {
		return fmt.Errorf("plan has no tasks")
	}
	if len(p.Tasks) > MaxPlanTasks {
		return fmt.Errorf("plan has %d tasks, ceiling is %d", len(p.Tasks), MaxPlanTasks)
	}

	defined := make(map[string]bool, len(p.Tasks))
	groups := make(map[string]string, len(p.Tasks))
	for i, t := range p.Tasks {
		if t.TaskID == "" {
			return fmt.Errorf("task %d has no task_id", i)
		}
		if defined[t.TaskID] {
			return fmt.Errorf("duplicate task_id %q", t.TaskID)
		}
		actions, ok := agents[t.AgentKey]
		if !ok {
			return fmt.Errorf("task %s names unknown agent %q", t.TaskID, t.AgentKey)
		}
		if t.Action == "" {
			return fmt.Errorf("task %s has no action", t.TaskID)
		}
		if len(actions) > 0 && !contains(actions, t.Action) {
			return fmt.Errorf("agent %q does not support action %q", t.AgentKey, t.Action)
		}
		for _, dep := range t.DependsOn {
			if !defined[dep] {
				return fmt.Errorf("task %s depends on %q which is not defined earlier", t.TaskID, dep)
			}
			if t.ParallelGroup != "" && groups[dep] == t.ParallelGroup {
				return fmt.Errorf("task %s depends on %q inside its own parallel group %q", t.TaskID, dep, t.ParallelGroup)
			}
		}
		for _, ref := range t.referencedTasks() {
			if !defined[ref] {
				return fmt.Errorf("task %s references %q which is not defined earlier", t.TaskID, ref)
			}
			if t.ParallelGroup != "" && groups[ref] == t.ParallelGroup {
				return fmt.Errorf("task %s references %q inside its own parallel group %q", t.TaskID, ref, t.ParallelGroup)
			}
		}
		defined[t.TaskID] = true
		if t.ParallelGroup != "" {
			groups[t.TaskID] = t.ParallelGroup
		}
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
