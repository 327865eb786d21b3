package vea

import "container/heap"

// extentHeap is a max-heap of *ExtentEntry ordered by block count,
// tracking every free extent with Ext.BlkCnt > the instance's
// large_thresh. Grounded on vea_internal.h's d_binheap vfc_heap; Go has no
// vendorable intrusive-heap library in this pack, so container/heap
// (stdlib) backs it directly — see DESIGN.md.
type extentHeap []*ExtentEntry

func (h extentHeap) Len() int { return len(h) }

func (h extentHeap) Less(i, j int) bool {
	// Max-heap: larger block count sorts first.
	return h[i].Ext.BlkCnt > h[j].Ext.BlkCnt
}

func (h extentHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *extentHeap) Push(x any) {
	e := x.(*ExtentEntry)
	e.heapIdx = len(*h)
	*h = append(*h, e)
}

func (h *extentHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIdx = -1
	*h = old[:n-1]
	return e
}

// heapInsert docks entry into the heap.
func heapInsert(h *extentHeap, entry *ExtentEntry) {
	heap.Push(h, entry)
}

// heapRemove undocks entry from the heap, wherever it currently sits.
func heapRemove(h *extentHeap, entry *ExtentEntry) {
	if entry.heapIdx < 0 || entry.heapIdx >= len(*h) {
		return
	}
	heap.Remove(h, entry.heapIdx)
}

// heapRoot returns the largest extent in the heap without removing it.
func heapRoot(h extentHeap) (*ExtentEntry, bool) {
	if len(h) == 0 {
		return nil, false
	}
	return h[0], true
}

// heapFix re-establishes heap order for entry after its BlkCnt changed in
// place.
func heapFix(h *extentHeap, entry *ExtentEntry) {
	heap.Fix(h, entry.heapIdx)
}
