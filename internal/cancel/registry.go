// Package cancel provides per-deployment cancellation flags shared between
// the HTTP surface and running pipelines.
package cancel

import "sync"

// Flag is a one-shot cancellation signal. Safe for concurrent use.
type Flag struct {
	once sync.Once
	ch   chan struct{}
}

// NewFlag creates an unset Flag.
func NewFlag() *Flag {
	return &Flag{ch: make(chan struct{})}
}

// Set marks the flag. Subsequent calls are no-ops.
func (f *Flag) Set() {
	f.once.Do(func() { close(f.ch) })
}

// IsSet reports whether the flag has been set.
func (f *Flag) IsSet() bool {
	select {
	case <-f.ch:
		return true
	default:
		return false
	}
}

// Done returns a channel closed when the flag is set.
func (f *Flag) Done() <-chan struct{} {
	return f.ch
}

// Registry maps deployment identifiers to cancellation flags.
type Registry struct {
	mu    sync.Mutex
	flags map[string]*Flag
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{flags: make(map[string]*Flag)}
}

// Get returns the flag for a deployment, creating it when absent.
func (r *Registry) Get(deploymentID string) *Flag {
	r.mu.Lock()
	defer r.mu.Unlock()
	flag, ok := r.flags[deploymentID]
	if !ok {
		flag = NewFlag()
		r.flags[deploymentID] = flag
	}
	return flag
}

// Cancel sets the flag for a deployment, creating it first when absent so a
// cancel request racing pipeline startup is still observed.
func (r *Registry) Cancel(deploymentID string) {
	r.Get(deploymentID).Set()
}

// Clear drops the flag for a deployment.
func (r *Registry) Clear(deploymentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.flags, deploymentID)
}

// Has reports whether a flag currently exists for a deployment.
func (r *Registry) Has(deploymentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.flags[deploymentID]
	return ok
}
