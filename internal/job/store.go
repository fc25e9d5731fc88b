package job

import (
	"fmt"
	"quantumjobs/internal/apperrors"
	"sort"
	"sync"
)

// Pagination bounds for List.
const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

type record struct {
	mu  sync.RWMutex
	job Job
}

// Store is the authoritative in-memory collection of jobs. Reads are
// concurrent; writes to one job are serialized. Jobs are never deleted.
type Store struct {
	mu      sync.RWMutex
	records map[string]*record
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{records: make(map[string]*record)}
}

// Create inserts a new job at version 1.
func (s *Store) Create(j Job) (Job, error) {
	if _, err := ParseState(string(j.State)); err != nil {
		return Job{}, apperrors.Validation("state", err.Error())
	}
	j.Version = 1
	if err := s.insert(j); err != nil {
		return Job{}, err
	}
	return j, nil
}

// Restore inserts a job loaded from durable storage, keeping its version.
func (s *Store) Restore(j Job) error {
	if _, err := ParseState(string(j.State)); err != nil {
		return apperrors.Validation("state", err.Error())
	}
	return s.insert(j)
}

func (s *Store) insert(j Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[j.ID]; exists {
		return apperrors.Conflict("job", j.ID, fmt.Sprintf("job %s already exists", j.ID))
	}
	s.records[j.ID] = &record{job: j}
	return nil
}

// Get returns a copy of the job.
func (s *Store) Get(id string) (Job, error) {
	r, err := s.record(id)
	if err != nil {
		return Job{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.job, nil
}

// Update applies fn to a copy of the job under the job's write lock and
// stores the result. fn returning an error leaves the job untouched. State
// must move forward and RetryCount must not decrease.
func (s *Store) Update(id string, fn func(*Job) error) (Job, error) {
	r, err := s.record(id)
	if err != nil {
		return Job{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.job
	if err := fn(&next); err != nil {
		return r.job, err
	}
	if next.ID != r.job.ID {
		return r.job, apperrors.Internal("job.update", fmt.Errorf("job id changed from %s to %s", r.job.ID, next.ID))
	}
	if next.State != r.job.State {
		if err := ValidateTransition(r.job.State, next.State); err != nil {
			return r.job, apperrors.Conflict("job", id, err.Error())
		}
	}
	if next.RetryCount < r.job.RetryCount {
		return r.job, apperrors.Conflict("job", id, "retryCount cannot decrease")
	}

	next.Version = r.job.Version + 1
	r.job = next
	return next, nil
}

// List returns a filtered page of jobs ordered by submission time, then id,
// together with the total number of matches.
func (s *Store) List(opts ListOptions) ([]Job, int) {
	s.mu.RLock()
	records := make([]*record, 0, len(s.records))
	for _, r := range s.records {
		records = append(records, r)
	}
	s.mu.RUnlock()

	matched := make([]Job, 0, len(records))
	for _, r := range records {
		r.mu.RLock()
		j := r.job
		r.mu.RUnlock()
		if opts.State == "" || j.State == opts.State {
			matched = append(matched, j)
		}
	}

	sort.Slice(matched, func(a, b int) bool {
		if !matched[a].SubmittedAt.Equal(matched[b].SubmittedAt) {
			return matched[a].SubmittedAt.Before(matched[b].SubmittedAt)
		}
		return matched[a].ID < matched[b].ID
	})

	total := len(matched)
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	limit = min(limit, MaxListLimit)
	offset := max(opts.Offset, 0)
	if offset >= total {
		return []Job{}, total
	}
	end := min(offset+limit, total)
	return matched[offset:end], total
}

// NonTerminal returns every job still queued or running.
func (s *Store) NonTerminal() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Job
	for _, r := range s.records {
		r.mu.RLock()
		if !r.job.State.Terminal() {
			out = append(out, r.job)
		}
		r.mu.RUnlock()
	}
	return out
}

func (s *Store) record(id string) (*record, error) {
	s.mu.RLock()
	r, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, apperrors.NotFound("job", id)
	}
	return r, nil
}
