package work

import "time"

// entry is a queued request.
type entry struct {
	req       Request
	seq       uint64 // admission order, strictly increasing per coordinator
	queuedAt  time.Time
	heapIndex int
}

// priorityQueue implements heap.Interface for queued requests.
// Higher priority entries are popped first; equal priority pops in
// admission order (FIFO within a tier).
type priorityQueue []*entry

// Len returns the number of entries in the queue.
func (pq priorityQueue) Len() int { return len(pq) }

// Less reports whether entry i should be popped before entry j.
func (pq priorityQueue) Less(i, j int) bool {
	if pq[i].req.Priority != pq[j].req.Priority {
		return pq[i].req.Priority > pq[j].req.Priority
	}
	return pq[i].seq < pq[j].seq
}

// Swap swaps the entries at indices i and j.
func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].heapIndex = i
	pq[j].heapIndex = j
}

// Push adds an entry to the queue.
func (pq *priorityQueue) Push(x any) {
	e := x.(*entry)
	e.heapIndex = len(*pq)
	*pq = append(*pq, e)
}

// Pop removes and returns the last entry (heap.Pop moves the best there).
func (pq *priorityQueue) Pop() any {
	old := *pq
	n := len(old)
	e := old[n-1]
	old[n-1] = nil   // avoid memory leak
	e.heapIndex = -1 // mark as removed
	*pq = old[0 : n-1]
	return e
}

// lowest returns the eviction candidate: the minimum priority, earliest
// admitted among equals. Nil when empty. Linear scan; queues are small.
func (pq priorityQueue) lowest() *entry {
	var low *entry
	for _, e := range pq {
		if low == nil ||
			e.req.Priority < low.req.Priority ||
			(e.req.Priority == low.req.Priority && e.seq < low.seq) {
			low = e
		}
	}
	return low
}
