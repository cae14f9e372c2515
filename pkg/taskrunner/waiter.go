package taskrunner

import "sync"

// DoneWaiter lets the result server's per-connection done signal reach
// whichever goroutine is waiting on a task's completion, without the
// result server needing to know anything about tasks beyond their ID.
type DoneWaiter struct {
	mu      sync.Mutex
	waiting map[string]chan struct{}
}

// NewDoneWaiter returns an empty DoneWaiter.
func NewDoneWaiter() *DoneWaiter {
	return &DoneWaiter{waiting: make(map[string]chan struct{})}
}

// Register returns the channel that closes once Signal(taskID) is
// called. Call before starting detonation so a signal arriving before
// the runner starts waiting is never missed.
func (w *DoneWaiter) Register(taskID string) <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	ch := make(chan struct{})
	w.waiting[taskID] = ch
	return ch
}

// Signal closes taskID's channel if one is registered. Matches
// resultserver.DoneFunc's signature so it can be passed directly as
// the server's onDone callback.
func (w *DoneWaiter) Signal(taskID string) {
	w.mu.Lock()
	ch, ok := w.waiting[taskID]
	if ok {
		delete(w.waiting, taskID)
	}
	w.mu.Unlock()
	if ok {
		close(ch)
	}
}

// Forget releases a registration that will never be signaled, e.g.
// because detonation failed before the agent ever connected back.
func (w *DoneWaiter) Forget(taskID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.waiting, taskID)
}
