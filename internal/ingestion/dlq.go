package ingestion

import (
	"sync"

	"graphmesh-backend/internal/astclient"
)

// DeadLetters is the bounded deque holding extraction payloads that hit
// a degraded fleet. At capacity the oldest payload is evicted; losing
// old work is preferable to unbounded memory during an outage.
type DeadLetters struct {
	mu      sync.Mutex
	items   []astclient.ExtractRequest
	maxSize int
	evicted int
}

// NewDeadLetters creates a deque with the given capacity, minimum one.
func NewDeadLetters(maxSize int) *DeadLetters {
	if maxSize < 1 {
		maxSize = 1
	}
	return &DeadLetters{maxSize: maxSize}
}

// Push appends a payload, evicting the oldest entry at capacity.
func (d *DeadLetters) Push(req astclient.ExtractRequest) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) >= d.maxSize {
		d.items = d.items[1:]
		d.evicted++
	}
	d.items = append(d.items, req)
}

// Pop removes and returns the oldest payload.
func (d *DeadLetters) Pop() (astclient.ExtractRequest, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return astclient.ExtractRequest{}, false
	}
	req := d.items[0]
	d.items = d.items[1:]
	return req, true
}

// Len returns the current depth.
func (d *DeadLetters) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}

// Evicted returns how many payloads were dropped to make room.
func (d *DeadLetters) Evicted() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.evicted
}
