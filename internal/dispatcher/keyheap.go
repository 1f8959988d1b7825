package dispatcher

import "time"

// keyState is the per-key pacing record plus its pending hosts.
type keyState struct {
	key         string
	nextAllowed time.Time
	interval    time.Duration
	floor       time.Duration
	ceiling     time.Duration
	budget      int
	queue       []pending
	active      int

	// Positions in the wait/ready heaps; -1 when absent.
	waitIdx  int
	readyIdx int
}

type pending struct {
	host    string
	attempt int
}

// waitHeap orders non-empty keys by next_allowed_time.
type waitHeap []*keyState

func (h waitHeap) Len() int { return len(h) }

func (h waitHeap) Less(i, j int) bool {
	if h[i].nextAllowed.Equal(h[j].nextAllowed) {
		return h[i].key < h[j].key
	}
	return h[i].nextAllowed.Before(h[j].nextAllowed)
}

func (h waitHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].waitIdx = i
	h[j].waitIdx = j
}

func (h *waitHeap) Push(x any) {
	k := x.(*keyState)
	k.waitIdx = len(*h)
	*h = append(*h, k)
}

func (h *waitHeap) Pop() any {
	old := *h
	n := len(old)
	k := old[n-1]
	old[n-1] = nil
	k.waitIdx = -1
	*h = old[:n-1]
	return k
}

// readyHeap orders ready keys by queue length, largest first; equal
// lengths go to the lexicographically smallest key.
type readyHeap []*keyState

func (h readyHeap) Len() int { return len(h) }

func (h readyHeap) Less(i, j int) bool {
	if len(h[i].queue) == len(h[j].queue) {
		return h[i].key < h[j].key
	}
	return len(h[i].queue) > len(h[j].queue)
}

func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].readyIdx = i
	h[j].readyIdx = j
}

func (h *readyHeap) Push(x any) {
	k := x.(*keyState)
	k.readyIdx = len(*h)
	*h = append(*h, k)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	k := old[n-1]
	old[n-1] = nil
	k.readyIdx = -1
	*h = old[:n-1]
	return k
}
