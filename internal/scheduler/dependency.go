package scheduler

import (
	"fmt"
	"strings"

	"github.com/gammazero/toposort"

	"github.com/t77yq/task-scheduler/internal/model"
)

// dependencyGraph is an immutable view of the registry's dependency edges
type dependencyGraph struct {
	deps map[string][]string
}

func newDependencyGraph(tasks map[string]*model.TaskDescriptor) *dependencyGraph {
	deps := make(map[string][]string, len(tasks))
	for name, task := range tasks {
		deps[name] = task.Dependencies
	}
	return &dependencyGraph{deps: deps}
}

// closure validates the named tasks and everything they depend on, returning the
// closure in dependency-first order.
func (g *dependencyGraph) closure(names []string) ([]string, error) {
	var (
		order   []string
		visited = make(map[string]bool)
		onPath  = make(map[string]bool)
		path    []string
	)

	var visit func(name, parent string) error
	visit = func(name, parent string) error {
		if onPath[name] {
			cycle := append(pathFrom(path, name), name)
			return fmt.Errorf("%w: %s", ErrCircularDependency, strings.Join(cycle, " -> "))
		}
		if visited[name] {
			return nil
		}

		deps, ok := g.deps[name]
		if !ok {
			if parent == "" {
				return fmt.Errorf("%w: %s", ErrTaskNotFound, name)
			}
			return fmt.Errorf("%w: task %s depends on %s", ErrUnknownDependency, parent, name)
		}

		onPath[name] = true
		path = append(path, name)
		for _, dep := range deps {
			if err := visit(dep, name); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		onPath[name] = false

		visited[name] = true
		order = append(order, name)
		return nil
	}

	for _, name := range names {
		if err := visit(name, ""); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// plan returns a topological order of the closure of names
func (g *dependencyGraph) plan(names []string) ([]string, error) {
	members, err := g.closure(names)
	if err != nil {
		return nil, err
	}

	var edges []toposort.Edge
	for _, name := range members {
		deps := g.deps[name]
		if len(deps) == 0 {
			edges = append(edges, toposort.Edge{nil, name})
			continue
		}
		for _, dep := range deps {
			edges = append(edges, toposort.Edge{dep, name})
		}
	}

	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCircularDependency, err)
	}

	order := make([]string, 0, len(members))
	for _, id := range sorted {
		if id != nil {
			order = append(order, id.(string))
		}
	}
	return order, nil
}

func pathFrom(path []string, name string) []string {
	for i, p := range path {
		if p == name {
			return append([]string(nil), path[i:]...)
		}
	}
	return append([]string(nil), path...)
}
