// Package scheduler runs cancellable recurring tasks off a Min-Heap.
//
// The scheduler goroutine peeks at the heap root (the soonest-due task),
// sleeps on the injected clock until that point, then pops it, runs it and
// pushes it back one interval later. A buffered notify channel lets
// ScheduleEvery interrupt the sleep whenever a new task is due sooner than
// the current root.
package scheduler

import (
	"container/heap"
	"time"
)

// item is one recurring task in the scheduler Min-Heap.
type item struct {
	id       string
	interval time.Duration
	fn       Task
	dueAt    time.Time // sort key

	// heapIdx is the item's current position in the heap slice, or -1 while
	// the task is running (popped but still registered).
	heapIdx int

	cancelled bool
}

// minHeap is a slice of *item that satisfies heap.Interface.
// The earliest dueAt sits at index 0.
type minHeap []*item

func (h minHeap) Len() int { return len(h) }

func (h minHeap) Less(i, j int) bool {
	return h[i].dueAt.Before(h[j].dueAt)
}

func (h minHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *minHeap) Push(x any) {
	n := len(*h)
	it := x.(*item)
	it.heapIdx = n
	*h = append(*h, it)
}

func (h *minHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.heapIdx = -1
	*h = old[:n-1]
	return it
}

// remove removes the item at position idx and re-heapifies in O(log N).
func (h *minHeap) remove(idx int) *item {
	return heap.Remove(h, idx).(*item)
}
