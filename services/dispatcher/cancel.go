package dispatcher

import (
	"context"
	"sync"
)

type execution struct {
	mainID string
	cancel context.CancelFunc
}

// cancelRegistry tracks the in-flight executions of claimed main tasks,
// keyed by claim token. A main task can appear under two tokens while a
// superseded execution winds down.
type cancelRegistry struct {
	mu   sync.Mutex
	runs map[string]execution
}

func newCancelRegistry() *cancelRegistry {
	return &cancelRegistry{runs: map[string]execution{}}
}

func (r *cancelRegistry) add(token, mainID string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[token] = execution{mainID: mainID, cancel: cancel}
}

func (r *cancelRegistry) remove(token string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.runs, token)
}

// cancel aborts every execution of mainID, reporting whether one was running
// here.
func (r *cancelRegistry) cancel(mainID string) bool {
	r.mu.Lock()
	var cancels []context.CancelFunc
	for _, run := range r.runs {
		if run.mainID == mainID {
			cancels = append(cancels, run.cancel)
		}
	}
	r.mu.Unlock()
	for _, c := range cancels {
		c()
	}
	return len(cancels) > 0
}

func (r *cancelRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}
