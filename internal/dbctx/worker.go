package dbctx

import "sync"

// Worker is one slot of a shared worker pool. Tasks migrate across
// workers; entering a worker installs the task's binding, and the
// returned suspend func puts the previous occupant back.
type Worker struct {
	mu      sync.Mutex
	current *Binding
}

// Current returns the binding installed on the worker.
func (w *Worker) Current() *Binding {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Enter resumes b on the worker. The returned suspend restores the prior
// binding, refreshed from that binding's own source, so no snapshot leaks
// from one task to the next.
func (w *Worker) Enter(b *Binding) (suspend func()) {
	b.Resume()

	w.mu.Lock()
	prev := w.current
	w.current = b
	w.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			w.mu.Lock()
			w.current = prev
			w.mu.Unlock()
			if prev != nil {
				prev.Resume()
			}
		})
	}
}
