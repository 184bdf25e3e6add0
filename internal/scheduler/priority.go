package scheduler

import (
	"container/heap"

	"github.com/t77yq/task-scheduler/internal/model"
)

// dispatchItem is one batch entry waiting to be started
type dispatchItem struct {
	index    int
	name     string
	priority model.TaskPriority
}

// dispatchQueue orders batch entries by priority, then by position in the batch
type dispatchQueue []dispatchItem

func (q dispatchQueue) Len() int { return len(q) }

func (q dispatchQueue) Less(i, j int) bool {
	if ri, rj := q[i].priority.Rank(), q[j].priority.Rank(); ri != rj {
		return ri > rj
	}
	return q[i].index < q[j].index
}

func (q dispatchQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *dispatchQueue) Push(x interface{}) {
	*q = append(*q, x.(dispatchItem))
}

func (q *dispatchQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

// dispatchOrder returns batch entries highest priority first. Priority only decides
// who queues for a slot first; it gives no starvation guarantees.
func (r *run) dispatchOrder(names []string) []dispatchItem {
	q := make(dispatchQueue, 0, len(names))
	for i, name := range names {
		q = append(q, dispatchItem{
			index:    i,
			name:     name,
			priority: r.tasks[name].desc.Priority,
		})
	}
	heap.Init(&q)

	order := make([]dispatchItem, 0, len(names))
	for q.Len() > 0 {
		order = append(order, heap.Pop(&q).(dispatchItem))
	}
	return order
}
