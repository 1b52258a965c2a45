// Package memq is an in-process queue.Backend for tests and single-node
// development. Jobs do not survive a restart.
package memq

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/djlord-it/easy-notify/internal/queue"
)

type entry struct {
	job queue.Job
	at  time.Time // ready time while waiting, lease deadline while active
}

type Backend struct {
	mu      sync.Mutex
	waiting map[uuid.UUID]entry
	active  map[uuid.UUID]entry
	dead    map[uuid.UUID]queue.Job
}

func New() *Backend {
	return &Backend{
		waiting: make(map[uuid.UUID]entry),
		active:  make(map[uuid.UUID]entry),
		dead:    make(map[uuid.UUID]queue.Job),
	}
}

func (b *Backend) Put(_ context.Context, job queue.Job, readyAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.active[job.ID]; ok {
		return queue.ErrJobActive
	}
	b.waiting[job.ID] = entry{job: job, at: readyAt}
	return nil
}

func (b *Backend) Remove(_ context.Context, id uuid.UUID) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.waiting[id]; !ok {
		return false, nil
	}
	delete(b.waiting, id)
	return true, nil
}

func (b *Backend) Has(_ context.Context, id uuid.UUID) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, waiting := b.waiting[id]
	_, active := b.active[id]
	return waiting || active, nil
}

func (b *Backend) Claim(_ context.Context, now time.Time, lease time.Duration, limit int) ([]queue.Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, e := range b.active {
		if !e.at.After(now) {
			delete(b.active, id)
			e.job.Attempt++
			e.job.LastError = queue.ErrLeaseExpired.Error()
			b.waiting[id] = entry{job: e.job, at: now}
		}
	}

	due := make([]entry, 0)
	for _, e := range b.waiting {
		if !e.at.After(now) {
			due = append(due, e)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].at.Before(due[j].at) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	jobs := make([]queue.Job, 0, len(due))
	for _, e := range due {
		delete(b.waiting, e.job.ID)
		b.active[e.job.ID] = entry{job: e.job, at: now.Add(lease)}
		jobs = append(jobs, e.job)
	}
	return jobs, nil
}

func (b *Backend) Ack(_ context.Context, id uuid.UUID) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.active, id)
	return nil
}

func (b *Backend) Retry(_ context.Context, job queue.Job, readyAt time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.active, job.ID)
	b.waiting[job.ID] = entry{job: job, at: readyAt}
	return nil
}

func (b *Backend) Bury(_ context.Context, job queue.Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.active, job.ID)
	b.dead[job.ID] = job
	return nil
}

// Dead returns a buried job. Intended for tests and inspection.
func (b *Backend) Dead(id uuid.UUID) (queue.Job, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	job, ok := b.dead[id]
	return job, ok
}

// Len returns the number of waiting and active jobs.
func (b *Backend) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.waiting) + len(b.active)
}
