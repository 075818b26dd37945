package accel

import "github.com/gomlx/gocu/driver"

// allocationHandle refers to an entry in an allocationTable. The generation detects handles to entries that were
// removed, even if the index was reused since.
type allocationHandle struct {
	index      int
	generation uint32
}

// noAllocation is the handle of empty slices, that don't have device memory.
var noAllocation = allocationHandle{index: -1}

type allocationEntry struct {
	ptr        driver.DevicePtr
	bytes      int
	generation uint32
	valid      bool

	// Borrows by views: any number of shared ones, or a single exclusive one.
	shared    int
	exclusive bool
}

func (e *allocationEntry) borrowed() bool {
	return e.shared > 0 || e.exclusive
}

// allocationTable is an index-stable table of the live allocations of a Device. It's not safe for concurrent use:
// the Device protects it with its mutex.
type allocationTable struct {
	entries []allocationEntry
	free    []int
	live    int
	bytes   int64
}

func (t *allocationTable) insert(ptr driver.DevicePtr, bytes int) allocationHandle {
	var index int
	if n := len(t.free); n > 0 {
		index = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		index = len(t.entries)
		t.entries = append(t.entries, allocationEntry{})
	}
	entry := &t.entries[index]
	entry.generation++
	entry.ptr = ptr
	entry.bytes = bytes
	entry.valid = true
	entry.shared = 0
	entry.exclusive = false
	t.live++
	t.bytes += int64(bytes)
	return allocationHandle{index: index, generation: entry.generation}
}

// get returns the entry for the handle, or nil if the handle is no longer valid.
func (t *allocationTable) get(h allocationHandle) *allocationEntry {
	if h.index < 0 || h.index >= len(t.entries) {
		return nil
	}
	entry := &t.entries[h.index]
	if !entry.valid || entry.generation != h.generation {
		return nil
	}
	return entry
}

// remove invalidates the handle and returns a copy of its entry. It returns false if the handle was not valid.
func (t *allocationTable) remove(h allocationHandle) (allocationEntry, bool) {
	entry := t.get(h)
	if entry == nil {
		return allocationEntry{}, false
	}
	removed := *entry
	entry.valid = false
	t.free = append(t.free, h.index)
	t.live--
	t.bytes -= int64(removed.bytes)
	return removed, true
}

// drain removes all live entries and returns them.
func (t *allocationTable) drain() []allocationEntry {
	var drained []allocationEntry
	for index := range t.entries {
		entry := &t.entries[index]
		if !entry.valid {
			continue
		}
		drained = append(drained, *entry)
		entry.valid = false
		t.free = append(t.free, index)
	}
	t.live = 0
	t.bytes = 0
	return drained
}
