package task

import "sort"

// Arena holds a flat set of tasks plus a parent -> children index. It is
// rebuilt from the store for every pass and never shared between passes.
type Arena struct {
	tasks    []Task
	byID     map[string]int
	children map[string][]int
}

func NewArena(tasks []Task) *Arena {
	a := &Arena{
		tasks:    tasks,
		byID:     make(map[string]int, len(tasks)),
		children: make(map[string][]int),
	}
	for i := range tasks {
		a.byID[tasks[i].TaskID] = i
	}
	for i := range tasks {
		if p := tasks[i].ParentTaskID; p != nil {
			a.children[*p] = append(a.children[*p], i)
		}
	}
	for _, idx := range a.children {
		sort.Slice(idx, func(x, y int) bool {
			return tasks[idx[x]].ServiceName < tasks[idx[y]].ServiceName
		})
	}
	return a
}

func (a *Arena) Get(id string) (Task, bool) {
	i, ok := a.byID[id]
	if !ok {
		return Task{}, false
	}
	return a.tasks[i], true
}

// Children returns copies of the subtasks of parentID ordered by service.
func (a *Arena) Children(parentID string) []Task {
	idx := a.children[parentID]
	out := make([]Task, 0, len(idx))
	for _, i := range idx {
		out = append(out, a.tasks[i])
	}
	return out
}

// Roots returns the main tasks held by the arena.
func (a *Arena) Roots() []Task {
	var out []Task
	for _, t := range a.tasks {
		if t.IsMainTask {
			out = append(out, t)
		}
	}
	return out
}

// AllChildrenTerminal reports whether every subtask of parentID is terminal.
func (a *Arena) AllChildrenTerminal(parentID string) bool {
	for _, i := range a.children[parentID] {
		if !a.tasks[i].Status.IsTerminal() {
			return false
		}
	}
	return len(a.children[parentID]) > 0
}

func (a *Arena) ChildStatuses(parentID string) []Status {
	idx := a.children[parentID]
	out := make([]Status, 0, len(idx))
	for _, i := range idx {
		out = append(out, a.tasks[i].Status)
	}
	return out
}
