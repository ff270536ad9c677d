package wheel

import "container/list"

// bucket holds the entries of one slot in insertion order.
type bucket struct {
	entries *list.List
}

func newBucket() *bucket {
	return &bucket{entries: list.New()}
}

func (b *bucket) push(e *Entry) {
	e.elem = b.entries.PushBack(e)
	e.b = b
}

// remove unlinks e using its back-reference. It reports false when e lives elsewhere.
func (b *bucket) remove(e *Entry) bool {
	if e.b != b || e.elem == nil {
		return false
	}
	b.entries.Remove(e.elem)
	e.b = nil
	e.elem = nil
	e.level = -1
	return true
}

// flush detaches the whole list and hands back its entries in insertion order.
func (b *bucket) flush() []*Entry {
	if b.entries.Len() == 0 {
		return nil
	}
	old := b.entries
	b.entries = list.New()

	out := make([]*Entry, 0, old.Len())
	for el := old.Front(); el != nil; el = el.Next() {
		e := el.Value.(*Entry)
		e.b = nil
		e.elem = nil
		e.level = -1
		out = append(out, e)
	}
	return out
}

func (b *bucket) len() int { return b.entries.Len() }
