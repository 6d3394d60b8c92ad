package internal

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/eko/gocache/lib/v4/store"
)

// JobState is the lifecycle of an import job.
type JobState string

const (
	JobRunning     JobState = "running"
	JobCompleted   JobState = "completed"
	JobFailed      JobState = "failed"
	JobInterrupted JobState = "interrupted"
)

// ImportJob is the poll-able record of one import.
type ImportJob struct {
	ID         string         `json:"id"`
	Format     ImportFormat   `json:"format"`
	State      JobState       `json:"state"`
	Counters   ImportCounters `json:"counters"`
	Warnings   []string       `json:"warnings,omitempty"`
	Error      string         `json:"error,omitempty"`
	StartedAt  time.Time      `json:"startedAt"`
	FinishedAt *time.Time     `json:"finishedAt,omitempty"`
}

const _jobTTL = 7 * 24 * time.Hour

// JobStore tracks import jobs in memory, mirrored into the durable store
// when one is configured so job status survives restarts.
type JobStore struct {
	mu      sync.Mutex
	jobs    map[string]*ImportJob
	durable store.StoreInterface
}

func NewJobStore(durable store.StoreInterface) *JobStore {
	return &JobStore{jobs: map[string]*ImportJob{}, durable: durable}
}

func jobKey(id string) string { return "job:" + id }

// Recover loads persisted jobs after a restart. Anything still marked
// running was interrupted mid-import and is flagged as such.
func (s *JobStore) Recover(ctx context.Context) error {
	if s.durable == nil {
		return nil
	}
	ids, err := s.loadIndex(ctx)
	if err != nil {
		return nil // a fresh store has no index yet
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		raw, err := s.durable.Get(ctx, jobKey(id))
		if err != nil {
			continue
		}
		body, ok := raw.([]byte)
		if !ok {
			continue
		}
		var job ImportJob
		if err := json.Unmarshal(body, &job); err != nil {
			continue
		}
		if job.State == JobRunning {
			job.State = JobInterrupted
			now := time.Now().UTC()
			job.FinishedAt = &now
			Log(ctx).Warn("recovered interrupted import job", "job", job.ID)
		}
		s.jobs[job.ID] = &job
	}
	return nil
}

// Open registers a new running job.
func (s *JobStore) Open(ctx context.Context, format ImportFormat) (*ImportJob, error) {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	job := &ImportJob{
		ID:        hex.EncodeToString(buf),
		Format:    format,
		State:     JobRunning,
		StartedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()

	s.persist(ctx, job)
	cp := *job
	return &cp, nil
}

// Get returns a snapshot of one job.
func (s *JobStore) Get(ctx context.Context, id string) (*ImportJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, errNotFound
	}
	cp := *job
	cp.Warnings = append([]string(nil), job.Warnings...)
	return &cp, nil
}

// List returns all known jobs, newest first.
func (s *JobStore) List(ctx context.Context) []ImportJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ImportJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Progress updates a running job's counters.
func (s *JobStore) Progress(ctx context.Context, id string, counters ImportCounters) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if ok {
		job.Counters = counters
	}
	s.mu.Unlock()
	if !ok {
		return errNotFound
	}
	s.persist(ctx, job)
	return nil
}

// Warn appends a warning line, capped so a pathological file can't balloon
// the job record.
func (s *JobStore) Warn(ctx context.Context, id, warning string) error {
	const maxWarnings = 100
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return errNotFound
	}
	if len(job.Warnings) < maxWarnings {
		job.Warnings = append(job.Warnings, warning)
	}
	return nil
}

// Finalize moves a job to a terminal state.
func (s *JobStore) Finalize(ctx context.Context, id string, state JobState, counters ImportCounters, errMsg string) error {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if ok {
		now := time.Now().UTC()
		job.State = state
		job.Counters = counters
		job.Error = errMsg
		job.FinishedAt = &now
	}
	s.mu.Unlock()
	if !ok {
		return errNotFound
	}
	s.persist(ctx, job)
	return nil
}

func (s *JobStore) persist(ctx context.Context, job *ImportJob) {
	if s.durable == nil {
		return
	}
	s.mu.Lock()
	body, err := json.Marshal(job)
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	s.mu.Unlock()
	if err != nil {
		return
	}
	if err := s.durable.Set(ctx, jobKey(job.ID), body, store.WithExpiration(_jobTTL)); err != nil {
		Log(ctx).Warn("problem persisting job", "job", job.ID, "err", err)
		return
	}
	s.saveIndex(ctx, ids)
}

func (s *JobStore) saveIndex(ctx context.Context, ids []string) {
	body, err := json.Marshal(ids)
	if err != nil {
		return
	}
	_ = s.durable.Set(ctx, "jobs:index", body, store.WithExpiration(_jobTTL))
}

func (s *JobStore) loadIndex(ctx context.Context) ([]string, error) {
	raw, err := s.durable.Get(ctx, "jobs:index")
	if err != nil {
		return nil, err
	}
	body, ok := raw.([]byte)
	if !ok {
		return nil, errNotFound
	}
	var ids []string
	if err := json.Unmarshal(body, &ids); err != nil {
		return nil, err
	}
	return ids, nil
}
