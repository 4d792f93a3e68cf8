package queue

// GroupIterator walks unassigned slots of locked groups in group order then
// slot order. It reads the queue live, so groups locked after creation are
// visited. Inserting or removing groups invalidates it.
type GroupIterator struct {
	q        *TaskQueue
	modCount uint64
	group    int
	slot     int
}

func (it *GroupIterator) modified() bool {
	return it.modCount != it.q.modCount
}

// seek finds the next yieldable position at or after the cursor. It does
// not move the cursor, so groups locked later are still visited.
func (it *GroupIterator) seek() (group, slot int, ok bool) {
	group, slot = it.group, it.slot
	for group < len(it.q.groups) {
		g := it.q.groups[group]
		if g.locked && g.execContextID != 0 {
			for slot < len(g.slots) {
				s := g.slots[slot]
				if s != nil && !s.assigned {
					return group, slot, true
				}
				slot++
			}
		}
		group++
		slot = 0
	}
	return group, slot, false
}

// HasNext reports whether Next would return an element or a modification
// error.
func (it *GroupIterator) HasNext() bool {
	if it.modified() {
		return true
	}
	_, _, ok := it.seek()
	return ok
}

// Next returns the next unassigned slot snapshot. It returns
// ErrNoSuchElement when exhausted and ErrConcurrentModification when groups
// were inserted or removed since the iterator was created or reset.
func (it *GroupIterator) Next() (AllocatedTask, error) {
	if it.modified() {
		return AllocatedTask{}, ErrConcurrentModification
	}
	group, slot, ok := it.seek()
	if !ok {
		return AllocatedTask{}, ErrNoSuchElement
	}
	s := it.q.groups[group].slots[slot]
	it.group, it.slot = group, slot+1
	return s.snapshot(), nil
}

// Reset restarts the iteration from the first group.
func (it *GroupIterator) Reset() {
	it.modCount = it.q.modCount
	it.group = 0
	it.slot = 0
}
