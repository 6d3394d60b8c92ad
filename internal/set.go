package internal

// orderedSet is a set that remembers first-seen order. Merge rules use it so
// unions of authors and categories stay stable for display.
type orderedSet[T comparable] struct {
	seen map[T]struct{}
	vals []T
}

func newOrderedSet[T comparable](ts ...T) *orderedSet[T] {
	s := &orderedSet[T]{seen: map[T]struct{}{}}
	s.add(ts...)
	return s
}

func (s *orderedSet[T]) add(ts ...T) {
	for _, t := range ts {
		if _, ok := s.seen[t]; ok {
			continue
		}
		s.seen[t] = struct{}{}
		s.vals = append(s.vals, t)
	}
}

func (s *orderedSet[T]) values() []T {
	return s.vals
}
