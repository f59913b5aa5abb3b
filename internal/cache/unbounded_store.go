package cache

import "pyramidview/internal/pyramid"

// UnboundedStore keeps every pyramid for the lifetime of the process.
type UnboundedStore struct {
	items map[string]*pyramid.Pyramid
	// recent holds paths, most recently used last.
	recent []string
}

func NewUnboundedStore() *UnboundedStore {
	return &UnboundedStore{
		items: make(map[string]*pyramid.Pyramid),
	}
}

func (s *UnboundedStore) Get(path string) (*pyramid.Pyramid, bool) {
	p, ok := s.items[path]
	if ok {
		s.touch(path)
	}
	return p, ok
}

func (s *UnboundedStore) Put(p *pyramid.Pyramid) {
	s.items[p.Path()] = p
	s.touch(p.Path())
}

func (s *UnboundedStore) All() []*pyramid.Pyramid {
	all := make([]*pyramid.Pyramid, 0, len(s.recent))
	for i := len(s.recent) - 1; i >= 0; i-- {
		all = append(all, s.items[s.recent[i]])
	}
	return all
}

func (s *UnboundedStore) Len() int {
	return len(s.items)
}

func (s *UnboundedStore) touch(path string) {
	for i, p := range s.recent {
		if p == path {
			s.recent = append(s.recent[:i], s.recent[i+1:]...)
			break
		}
	}
	s.recent = append(s.recent, path)
}
