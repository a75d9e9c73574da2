package graph

import "container/heap"

type intHeap []int

func (h intHeap) Len() int           { return len(h) }
func (h intHeap) Less(i, j int) bool { return h[i] < h[j] }
func (h intHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *intHeap) Push(x any)        { *h = append(*h, x.(int)) }
func (h *intHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

// minHeap yields node positions smallest first.
type minHeap struct{ h intHeap }

func newMinHeap() *minHeap { return &minHeap{} }

func (m *minHeap) push(p int) { heap.Push(&m.h, p) }
func (m *minHeap) pop() int   { return heap.Pop(&m.h).(int) }
func (m *minHeap) len() int   { return m.h.Len() }
