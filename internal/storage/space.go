package storage

import "github.com/tidwall/btree"

// extent is a chunk-aligned free region of the device.
type extent struct {
	Offset int64
	Length int64
}

// freeSpace tracks reusable extents. Adjacent extents are merged.
type freeSpace struct {
	byOffset *btree.BTreeG[extent]
	bySize   *btree.BTreeG[extent]
	total    int64
}

func newFreeSpace() *freeSpace {
	opts := btree.Options{NoLocks: true}
	return &freeSpace{
		byOffset: btree.NewBTreeGOptions(func(a, b extent) bool {
			return a.Offset < b.Offset
		}, opts),
		bySize: btree.NewBTreeGOptions(func(a, b extent) bool {
			if a.Length != b.Length {
				return a.Length < b.Length
			}
			return a.Offset < b.Offset
		}, opts),
	}
}

func (f *freeSpace) insert(e extent) {
	f.byOffset.Set(e)
	f.bySize.Set(e)
	f.total += e.Length
}

func (f *freeSpace) remove(e extent) {
	f.byOffset.Delete(e)
	f.bySize.Delete(e)
	f.total -= e.Length
}

// release returns e to the free set, merging with its neighbors.
func (f *freeSpace) release(e extent) {
	if e.Length <= 0 {
		return
	}

	var prev, next extent
	var hasPrev, hasNext bool
	f.byOffset.Descend(extent{Offset: e.Offset}, func(item extent) bool {
		prev, hasPrev = item, item.Offset+item.Length == e.Offset
		return false
	})
	f.byOffset.Ascend(extent{Offset: e.Offset + e.Length}, func(item extent) bool {
		next, hasNext = item, item.Offset == e.Offset+e.Length
		return false
	})

	if hasPrev {
		f.remove(prev)
		e = extent{Offset: prev.Offset, Length: prev.Length + e.Length}
	}
	if hasNext {
		f.remove(next)
		e.Length += next.Length
	}
	f.insert(e)
}

// allocate takes the smallest extent of at least n bytes (best fit) and
// splits off the remainder.
func (f *freeSpace) allocate(n int64) (int64, bool) {
	var found extent
	var ok bool
	f.bySize.Ascend(extent{Length: n}, func(item extent) bool {
		found, ok = item, true
		return false
	})
	if !ok {
		return 0, false
	}

	f.remove(found)
	if rest := found.Length - n; rest > 0 {
		f.insert(extent{Offset: found.Offset + n, Length: rest})
	}
	return found.Offset, true
}

// trimTail drops a free extent ending at tail and returns the new tail.
func (f *freeSpace) trimTail(tail int64) int64 {
	for {
		var last extent
		var ok bool
		f.byOffset.Descend(extent{Offset: tail}, func(item extent) bool {
			last, ok = item, item.Offset+item.Length == tail
			return false
		})
		if !ok {
			return tail
		}
		f.remove(last)
		tail = last.Offset
	}
}

func (f *freeSpace) len() int { return f.byOffset.Len() }
