package scheduler

import (
	"sort"
	"time"

	"github.com/gammazero/toposort"

	"github.com/t77yq/fleet-orchestrator/internal/model"
)

// DAG is the dependency graph of a set of tasks. An edge dep -> task means
// task waits for dep. Dependencies on tasks outside the set are treated as
// already satisfied.
type DAG struct {
	tasks      map[string]*model.Task
	ids        []string
	deps       map[string][]string
	dependents map[string][]string
}

// NewDAG builds a graph over tasks
func NewDAG(tasks []*model.Task) *DAG {
	d := &DAG{
		tasks:      make(map[string]*model.Task, len(tasks)),
		deps:       make(map[string][]string, len(tasks)),
		dependents: make(map[string][]string, len(tasks)),
	}
	for _, t := range tasks {
		d.tasks[t.ID] = t
		d.ids = append(d.ids, t.ID)
	}
	sort.Strings(d.ids)

	for _, id := range d.ids {
		for _, dep := range d.tasks[id].Dependencies {
			if _, ok := d.tasks[dep]; !ok {
				continue
			}
			d.deps[id] = append(d.deps[id], dep)
			d.dependents[dep] = append(d.dependents[dep], id)
		}
	}
	for id := range d.dependents {
		sort.Strings(d.dependents[id])
	}
	return d
}

// Validate returns a topological order or a *CycleError
func (d *DAG) Validate() ([]string, error) {
	edges := make([]toposort.Edge, 0, len(d.ids))
	for _, id := range d.ids {
		if len(d.deps[id]) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
			continue
		}
		for _, dep := range d.deps[id] {
			edges = append(edges, toposort.Edge{dep, id})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, &CycleError{Path: d.findCycle()}
	}

	order := make([]string, 0, len(d.ids))
	for _, v := range sorted {
		if v != nil {
			order = append(order, v.(string))
		}
	}
	return order, nil
}

// findCycle returns one cycle as a closed path, e.g. [a b a]
func (d *DAG) findCycle() []string {
	const (
		unvisited = iota
		inProgress
		done
	)
	state := make(map[string]int, len(d.ids))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		state[id] = inProgress
		stack = append(stack, id)
		for _, dep := range d.deps[id] {
			switch state[dep] {
			case inProgress:
				for i, s := range stack {
					if s == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						return true
					}
				}
			case unvisited:
				if visit(dep) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		return false
	}

	for _, id := range d.ids {
		if state[id] == unvisited && visit(id) {
			// Paths were walked against the edges; report them in wait order
			for i, j := 0, len(cycle)-1; i < j; i, j = i+1, j-1 {
				cycle[i], cycle[j] = cycle[j], cycle[i]
			}
			return cycle
		}
	}
	return nil
}

// Roots returns the tasks with no dependency inside the graph
func (d *DAG) Roots() []string {
	var roots []string
	for _, id := range d.ids {
		if len(d.deps[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}

// Generations groups tasks by depth: generation 0 holds the roots and each
// later generation holds tasks whose deepest dependency is one level up.
// Tasks of one generation can run in parallel.
func (d *DAG) Generations() ([][]string, error) {
	order, err := d.Validate()
	if err != nil {
		return nil, err
	}

	level := make(map[string]int, len(order))
	maxLevel := 0
	for _, id := range order {
		l := 0
		for _, dep := range d.deps[id] {
			if level[dep]+1 > l {
				l = level[dep] + 1
			}
		}
		level[id] = l
		if l > maxLevel {
			maxLevel = l
		}
	}

	gens := make([][]string, maxLevel+1)
	for _, id := range d.ids {
		gens[level[id]] = append(gens[level[id]], id)
	}
	return gens, nil
}

// Generation returns the generation index of one task, or -1
func (d *DAG) Generation(id string) int {
	gens, err := d.Generations()
	if err != nil {
		return -1
	}
	for i, g := range gens {
		for _, member := range g {
			if member == id {
				return i
			}
		}
	}
	return -1
}

// CriticalPath returns the longest weighted path through the graph and its
// length, using weight for the cost of each task.
func (d *DAG) CriticalPath(weight func(*model.Task) time.Duration) (time.Duration, []string, error) {
	order, err := d.Validate()
	if err != nil {
		return 0, nil, err
	}

	finish := make(map[string]time.Duration, len(order))
	prev := make(map[string]string, len(order))
	var end string
	var longest time.Duration

	for _, id := range order {
		var start time.Duration
		for _, dep := range d.deps[id] {
			if finish[dep] > start || (finish[dep] == start && prev[id] == "") {
				start = finish[dep]
				prev[id] = dep
			}
		}
		finish[id] = start + weight(d.tasks[id])
		if end == "" || finish[id] > longest {
			longest = finish[id]
			end = id
		}
	}

	var path []string
	for id := end; id != ""; id = prev[id] {
		path = append([]string{id}, path...)
	}
	return longest, path, nil
}

// EstimatedWeight weighs a task by its estimated duration
func EstimatedWeight(base time.Duration) func(*model.Task) time.Duration {
	return func(t *model.Task) time.Duration {
		return t.EstimatedDuration(base)
	}
}

// RemainingWeight weighs finished tasks as zero and running tasks by the
// part of their estimate not yet elapsed.
func RemainingWeight(base time.Duration, now time.Time) func(*model.Task) time.Duration {
	return func(t *model.Task) time.Duration {
		switch {
		case t.Status.IsTerminal():
			return 0
		case t.Status == model.TaskStatusRunning && t.StartedAt != nil:
			left := t.EstimatedDuration(base) - now.Sub(*t.StartedAt)
			if left < 0 {
				return 0
			}
			return left
		default:
			return t.EstimatedDuration(base)
		}
	}
}

// Descendants returns every task that transitively depends on id
func (d *DAG) Descendants(id string) []string {
	seen := make(map[string]bool)
	queue := append([]string(nil), d.dependents[id]...)
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		if seen[next] {
			continue
		}
		seen[next] = true
		queue = append(queue, d.dependents[next]...)
	}

	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Task returns a node of the graph
func (d *DAG) Task(id string) (*model.Task, bool) {
	t, ok := d.tasks[id]
	return t, ok
}

// Len returns the number of tasks in the graph
func (d *DAG) Len() int {
	return len(d.ids)
}
