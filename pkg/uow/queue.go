package uow

// queue is an insertion-ordered set of documents.
type queue struct {
	items []any
	index map[any]struct{}
}

func newQueue() *queue {
	return &queue{index: make(map[any]struct{})}
}

func (q *queue) add(doc any) bool {
	if _, ok := q.index[doc]; ok {
		return false
	}
	q.index[doc] = struct{}{}
	q.items = append(q.items, doc)
	return true
}

func (q *queue) has(doc any) bool {
	_, ok := q.index[doc]
	return ok
}

func (q *queue) remove(doc any) bool {
	if _, ok := q.index[doc]; !ok {
		return false
	}
	delete(q.index, doc)
	for i, it := range q.items {
		if it == doc {
			q.items = append(q.items[:i], q.items[i+1:]...)
			break
		}
	}
	return true
}

func (q *queue) len() int {
	return len(q.items)
}

// snapshot returns a copy safe to iterate while the queue changes.
func (q *queue) snapshot() []any {
	return append([]any(nil), q.items...)
}

func (q *queue) clear() {
	q.items = nil
	q.index = make(map[any]struct{})
}
