package jobqueue

import (
	"container/heap"
	"context"
	"sync"
	"time"
)

// MemoryStore keeps the queue in a binary heap and the records in a map.
type MemoryStore struct {
	mu      sync.RWMutex
	entries *jobHeap
	index   map[string]*heapItem
	records map[string]*Job
	seq     int64
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: &jobHeap{},
		index:   make(map[string]*heapItem),
		records: make(map[string]*Job),
	}
	heap.Init(s.entries)
	return s
}

func (s *MemoryStore) Name() string { return "memory" }

func (s *MemoryStore) Push(_ context.Context, qj *QueuedJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := *qj
	entry.Job = qj.Job.Clone()
	s.seq++
	if entry.Seq == 0 {
		entry.Seq = s.seq
	}
	qj.Seq = entry.Seq

	if old, ok := s.index[entry.Job.ID]; ok {
		heap.Remove(s.entries, old.index)
	}
	item := &heapItem{QueuedJob: entry}
	heap.Push(s.entries, item)
	s.index[entry.Job.ID] = item
	return nil
}

func (s *MemoryStore) Pop(_ context.Context) (*QueuedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entries.Len() == 0 {
		return nil, nil
	}
	item := heap.Pop(s.entries).(*heapItem)
	delete(s.index, item.Job.ID)

	qj := item.QueuedJob
	return &qj, nil
}

func (s *MemoryStore) Remove(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.index[id]
	if !ok {
		return false, nil
	}
	heap.Remove(s.entries, item.index)
	delete(s.index, id)
	return true, nil
}

func (s *MemoryStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.entries.Len(), nil
}

func (s *MemoryStore) Depths(_ context.Context) (map[Priority]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	depths := make(map[Priority]int, len(Priorities))
	for _, item := range *s.entries {
		depths[item.Job.Priority]++
	}
	return depths, nil
}

func (s *MemoryStore) Save(_ context.Context, job *Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[job.ID] = job.Clone()
	return nil
}

func (s *MemoryStore) Load(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.records[id]
	if !ok {
		return nil, ErrJobNotFound
	}
	return job.Clone(), nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Prune(_ context.Context, olderThan time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	pruned := 0
	for id, job := range s.records {
		if !job.IsTerminal() || job.CompletedAt == nil {
			continue
		}
		if job.CompletedAt.Before(olderThan) {
			delete(s.records, id)
			pruned++
		}
	}
	return pruned, nil
}

func (s *MemoryStore) Close() error { return nil }

type heapItem struct {
	QueuedJob
	index int
}

// jobHeap implements heap.Interface, highest score first then lowest seq.
type jobHeap []*heapItem

func (h jobHeap) Len() int { return len(h) }

func (h jobHeap) Less(i, j int) bool {
	return h[i].QueuedJob.ahead(&h[j].QueuedJob)
}

func (h jobHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *jobHeap) Push(x interface{}) {
	item := x.(*heapItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *jobHeap) Pop() interface{} {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return item
}
