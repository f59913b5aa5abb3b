package cache

import (
	"container/list"

	"pyramidview/internal/pyramid"
)

// LRUStore keeps at most maxImages pyramids and evicts the least recently
// used one when full.
type LRUStore struct {
	maxImages int
	items     map[string]*list.Element
	lruList   *list.List
	onEvict   func(*pyramid.Pyramid)
}

// NewLRUStore creates a new in-memory LRU store. onEvict may be nil.
func NewLRUStore(maxImages int, onEvict func(*pyramid.Pyramid)) *LRUStore {
	return &LRUStore{
		maxImages: maxImages,
		items:     make(map[string]*list.Element),
		lruList:   list.New(),
		onEvict:   onEvict,
	}
}

func (s *LRUStore) Get(path string) (*pyramid.Pyramid, bool) {
	elem, ok := s.items[path]
	if !ok {
		return nil, false
	}

	s.lruList.MoveToFront(elem)
	return elem.Value.(*pyramid.Pyramid), true
}

func (s *LRUStore) Put(p *pyramid.Pyramid) {
	if elem, ok := s.items[p.Path()]; ok {
		elem.Value = p
		s.lruList.MoveToFront(elem)
		return
	}

	if s.lruList.Len() >= s.maxImages {
		oldest := s.lruList.Back()
		if oldest != nil {
			evicted := oldest.Value.(*pyramid.Pyramid)
			delete(s.items, evicted.Path())
			s.lruList.Remove(oldest)
			if s.onEvict != nil {
				s.onEvict(evicted)
			}
		}
	}

	s.items[p.Path()] = s.lruList.PushFront(p)
}

func (s *LRUStore) All() []*pyramid.Pyramid {
	all := make([]*pyramid.Pyramid, 0, s.lruList.Len())
	for elem := s.lruList.Front(); elem != nil; elem = elem.Next() {
		all = append(all, elem.Value.(*pyramid.Pyramid))
	}
	return all
}

func (s *LRUStore) Len() int {
	return s.lruList.Len()
}
