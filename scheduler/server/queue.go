package server

import (
	"sort"

	"github.com/twitter/gpusched/scheduler/domain"
)

// priorityQueue holds waiting jobs: per job type, one bucket per priority,
// each bucket ordered by (CreatedAt, seq). It is not safe for concurrent use
// and is only touched from the scheduling loop. Depth limits are enforced by
// the caller.
type priorityQueue struct {
	buckets map[domain.JobType]*[domain.NumPriorities][]*jobState
	index   map[string]*jobState
}

func newPriorityQueue() *priorityQueue {
	q := &priorityQueue{
		buckets: map[domain.JobType]*[domain.NumPriorities][]*jobState{},
		index:   map[string]*jobState{},
	}
	for _, t := range domain.JobTypes {
		q.buckets[t] = &[domain.NumPriorities][]*jobState{}
	}
	return q
}

// Enqueue inserts js in order. A retried job keeps its original CreatedAt and
// so lands ahead of younger jobs of the same priority.
func (q *priorityQueue) Enqueue(js *jobState) {
	buckets := q.bucketsFor(js.Job.Type)
	bucket := buckets[js.Job.Priority]
	i := sort.Search(len(bucket), func(i int) bool { return js.Less(bucket[i]) })
	bucket = append(bucket, nil)
	copy(bucket[i+1:], bucket[i:])
	bucket[i] = js
	buckets[js.Job.Priority] = bucket
	q.index[js.Job.ID] = js
}

// FindEligible returns the first job of the given type, in dispatch order,
// for which eligible returns true. Nothing is removed.
func (q *priorityQueue) FindEligible(jobType domain.JobType, eligible func(*jobState) bool) *jobState {
	if _, js := q.find(jobType, eligible); js != nil {
		return js
	}
	return nil
}

// DequeueEligible is FindEligible followed by removal of only the job found.
// Ineligible jobs ahead of it keep their place. Returns nil when no job qualifies.
func (q *priorityQueue) DequeueEligible(jobType domain.JobType, eligible func(*jobState) bool) *jobState {
	loc, js := q.find(jobType, eligible)
	if js == nil {
		return nil
	}
	q.removeAt(jobType, loc)
	return js
}

// Remove takes the job with the given id out of its queue.
func (q *priorityQueue) Remove(jobID string) (*jobState, bool) {
	js, ok := q.index[jobID]
	if !ok {
		return nil, false
	}
	loc, _ := q.find(js.Job.Type, func(other *jobState) bool { return other == js })
	q.removeAt(js.Job.Type, loc)
	return js, true
}

func (q *priorityQueue) Get(jobID string) (*jobState, bool) {
	js, ok := q.index[jobID]
	return js, ok
}

func (q *priorityQueue) Len(jobType domain.JobType) int {
	n := 0
	for _, bucket := range q.bucketsFor(jobType) {
		n += len(bucket)
	}
	return n
}

// Total is the number of queued jobs across all types.
func (q *priorityQueue) Total() int {
	return len(q.index)
}

// Position returns the 1-based dispatch position of a job within its type
// queue, or 0 if it isn't queued.
func (q *priorityQueue) Position(jobID string) int {
	js, ok := q.index[jobID]
	if !ok {
		return 0
	}
	pos := 0
	for _, bucket := range q.bucketsFor(js.Job.Type) {
		for _, other := range bucket {
			pos++
			if other == js {
				return pos
			}
		}
	}
	return 0
}

// Each calls fn for every queued job of the given type in dispatch order.
// fn must not modify the queue.
func (q *priorityQueue) Each(jobType domain.JobType, fn func(*jobState)) {
	for _, bucket := range q.bucketsFor(jobType) {
		for _, js := range bucket {
			fn(js)
		}
	}
}

type queueLoc struct {
	priority domain.Priority
	idx      int
}

func (q *priorityQueue) find(jobType domain.JobType, eligible func(*jobState) bool) (queueLoc, *jobState) {
	for p, bucket := range q.bucketsFor(jobType) {
		for i, js := range bucket {
			if eligible(js) {
				return queueLoc{domain.Priority(p), i}, js
			}
		}
	}
	return queueLoc{}, nil
}

func (q *priorityQueue) removeAt(jobType domain.JobType, loc queueLoc) {
	buckets := q.bucketsFor(jobType)
	bucket := buckets[loc.priority]
	js := bucket[loc.idx]
	copy(bucket[loc.idx:], bucket[loc.idx+1:])
	bucket[len(bucket)-1] = nil
	buckets[loc.priority] = bucket[:len(bucket)-1]
	delete(q.index, js.Job.ID)
}

func (q *priorityQueue) bucketsFor(jobType domain.JobType) *[domain.NumPriorities][]*jobState {
	buckets, ok := q.buckets[jobType]
	if !ok {
		buckets = &[domain.NumPriorities][]*jobState{}
		q.buckets[jobType] = buckets
	}
	return buckets
}
