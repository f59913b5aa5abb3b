package cache

import "pyramidview/internal/pyramid"

// Store owns every cached pyramid, keyed by image path.
//
// Implementations are not safe for concurrent use: a store is owned by the
// controller's control loop and only ever touched from there.
type Store interface {
	// Get returns the pyramid for path and marks it as recently used.
	Get(path string) (*pyramid.Pyramid, bool)
	// Put stores p under p.Path(), replacing any previous entry.
	Put(p *pyramid.Pyramid)
	// All returns the cached pyramids, most recently used first.
	All() []*pyramid.Pyramid
	Len() int
}
