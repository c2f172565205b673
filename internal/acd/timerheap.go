package acd

import "container/heap"

// timerHeap orders scheduled probes by expiry so the context can always
// find, and arm its timer source to, the earliest one (invariant 4: "the
// context's kernel timer source fires no later than the earliest
// scheduled expiry").
type timerHeap []*Probe

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].expiry < h[j].expiry }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *timerHeap) Push(x any) {
	p := x.(*Probe)
	p.heapIndex = len(*h)
	*h = append(*h, p)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	p := old[n-1]
	old[n-1] = nil
	p.heapIndex = -1
	*h = old[:n-1]
	return p
}

// scheduleProbe arms (or re-arms) p's timer for expiry.
func (c *Context) scheduleProbe(p *Probe, expiry Timestamp) {
	c.unscheduleProbe(p)
	p.expiry = expiry
	p.scheduled = true
	heap.Push(&c.timers, p)
	c.rearmTimer()
}

// unscheduleProbe removes p's timer, if any. A no-op if p isn't scheduled.
func (c *Context) unscheduleProbe(p *Probe) {
	if !p.scheduled {
		return
	}
	heap.Remove(&c.timers, p.heapIndex)
	p.scheduled = false
	c.rearmTimer()
}

// earliestExpiry reports the context's next due timer, if any.
func (c *Context) earliestExpiry() (Timestamp, bool) {
	if len(c.timers) == 0 {
		return 0, false
	}
	return c.timers[0].expiry, true
}
