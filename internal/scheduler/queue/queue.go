// Package queue is the Scheduler's per-tick dispatch ordering: a
// container/heap priority queue of ready Work Items, sorted priority
// descending then queued-at ascending.
package queue

import (
	"container/heap"
	"errors"
	"sync"
	"time"

	v1 "github.com/ponybunny-ai/taskforge/pkg/api/v1"
)

// ErrItemExists is returned when a work item is already queued.
var ErrItemExists = errors.New("work item already queued")

// QueuedItem is one Work Item waiting for dispatch.
type QueuedItem struct {
	WorkItemID string
	Priority   int
	Lane       v1.LaneOrigin
	QueuedAt   time.Time
	Item       *v1.WorkItem
	index      int
}

type itemHeap []*QueuedItem

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].QueuedAt.Before(h[j].QueuedAt)
}

func (h itemHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *itemHeap) Push(x interface{}) {
	n := len(*h)
	item := x.(*QueuedItem)
	item.index = n
	*h = append(*h, item)
}

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*h = old[0 : n-1]
	return item
}

// DispatchQueue orders ready Work Items for one tick's dispatch pass.
type DispatchQueue struct {
	mu      sync.Mutex
	heap    itemHeap
	itemMap map[string]*QueuedItem
}

// NewDispatchQueue creates an empty queue.
func NewDispatchQueue() *DispatchQueue {
	q := &DispatchQueue{
		heap:    make(itemHeap, 0),
		itemMap: make(map[string]*QueuedItem),
	}
	heap.Init(&q.heap)
	return q
}

// Enqueue adds a Work Item to the queue.
func (q *DispatchQueue) Enqueue(item *v1.WorkItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, exists := q.itemMap[item.ID]; exists {
		return ErrItemExists
	}

	qi := &QueuedItem{
		WorkItemID: item.ID,
		Priority:   item.Priority,
		Lane:       item.Lane(),
		QueuedAt:   item.CreatedAt,
		Item:       item,
	}
	heap.Push(&q.heap, qi)
	q.itemMap[item.ID] = qi
	return nil
}

// Dequeue removes and returns the highest-priority item, nil if empty.
func (q *DispatchQueue) Dequeue() *QueuedItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.heap) == 0 {
		return nil
	}
	qi := heap.Pop(&q.heap).(*QueuedItem)
	delete(q.itemMap, qi.WorkItemID)
	return qi
}

// Len returns the number of queued items.
func (q *DispatchQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}

// Clear empties the queue. The Scheduler does not call it: it builds a
// fresh DispatchQueue per goal on every tick.
func (q *DispatchQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heap = make(itemHeap, 0)
	q.itemMap = make(map[string]*QueuedItem)
	heap.Init(&q.heap)
}
