package service

import "sync"

// RouteTracker is the navigation sink of a headless client: it records
// the active route instead of swapping pages, and the session endpoint
// reports it so a real front end can follow.
type RouteTracker struct {
	mu   sync.Mutex
	path string
}

func NewRouteTracker(initial string) *RouteTracker {
	return &RouteTracker{path: initial}
}

func (r *RouteTracker) Navigate(path string) {
	r.mu.Lock()
	r.path = path
	r.mu.Unlock()
}

func (r *RouteTracker) Current() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.path
}
