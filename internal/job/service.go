// Package job defines the canonical job record, its state machine, the
// in-memory job store and the command/query service in front of them.
package job

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"quantumjobs/internal/apperrors"
	"quantumjobs/internal/catalog"
	"regexp"
)

// Validation limits
const (
	maxPayloadBytes    = 1 << 20 // 1 MiB
	maxBackendIDLength = 128
	maxJobIDLength     = 128
)

// backendIDPattern covers provider names like "ibm_brisbane" or "ibmq_qasm_simulator"
var backendIDPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.:-]*$`)

// Dispatcher submits and cancels jobs against remote backends.
type Dispatcher interface {
	// Submit sends payload to backendID, or to the first operational backend
	// when backendID is empty. A job whose remote leg failed after creation is
	// returned in failed state with a nil error.
	Submit(ctx context.Context, payload json.RawMessage, backendID string) (Job, error)

	// Cancel stops tracking a queued or running job. Cancelling a terminal job
	// is a no-op reported through CancelResult.Applied.
	Cancel(ctx context.Context, jobID string) (CancelResult, error)
}

// Catalog lists remote backends.
type Catalog interface {
	List(ctx context.Context) ([]catalog.Backend, error)
}

// Service is the command/query surface over jobs and backends.
type Service struct {
	store      *Store
	dispatcher Dispatcher
	catalog    Catalog
}

// NewService creates a new job service.
func NewService(store *Store, dispatcher Dispatcher, catalog Catalog) *Service {
	return &Service{
		store:      store,
		dispatcher: dispatcher,
		catalog:    catalog,
	}
}

// Submit validates and dispatches a new job.
func (s *Service) Submit(ctx context.Context, req *SubmitRequest) (*SubmitResponse, error) {
	if err := validateSubmit(req); err != nil {
		return nil, err
	}
	j, err := s.dispatcher.Submit(ctx, req.Payload, req.BackendID)
	if err != nil {
		return nil, err
	}
	return &SubmitResponse{JobID: j.ID, State: j.State}, nil
}

// Get returns the full job record.
func (s *Service) Get(ctx context.Context, jobID string) (*Job, error) {
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}
	j, err := s.store.Get(jobID)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

// List returns one page of jobs, optionally filtered by state.
func (s *Service) List(ctx context.Context, opts ListOptions) (*ListResponse, error) {
	if opts.State != "" {
		if _, err := ParseState(string(opts.State)); err != nil {
			return nil, apperrors.Validation("state", err.Error())
		}
	}
	if opts.Limit < 0 || opts.Limit > MaxListLimit {
		return nil, apperrors.Validation("limit", fmt.Sprintf("limit must be between 1 and %d", MaxListLimit))
	}
	if opts.Offset < 0 {
		return nil, apperrors.Validation("offset", "offset cannot be negative")
	}
	if opts.Limit == 0 {
		opts.Limit = DefaultListLimit
	}

	jobs, total := s.store.List(opts)
	return &ListResponse{Jobs: jobs, Total: total, Limit: opts.Limit, Offset: opts.Offset}, nil
}

// Cancel requests cancellation of a job.
func (s *Service) Cancel(ctx context.Context, jobID string) (*CancelResult, error) {
	if err := validateJobID(jobID); err != nil {
		return nil, err
	}
	res, err := s.dispatcher.Cancel(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return &res, nil
}

// Backends returns the current backend snapshot.
func (s *Service) Backends(ctx context.Context) ([]catalog.Backend, error) {
	return s.catalog.List(ctx)
}

// validateSubmit validates a submission. Does not modify the request.
func validateSubmit(req *SubmitRequest) error {
	payload := bytes.TrimSpace(req.Payload)
	if len(payload) == 0 || bytes.Equal(payload, []byte("null")) {
		return apperrors.Validation("payload", "payload is required")
	}
	if len(payload) > maxPayloadBytes {
		return apperrors.Validation("payload", fmt.Sprintf("payload exceeds maximum of %d bytes", maxPayloadBytes))
	}
	if !json.Valid(payload) {
		return apperrors.Validation("payload", "payload must be valid JSON")
	}

	if req.BackendID != "" {
		if len(req.BackendID) > maxBackendIDLength {
			return apperrors.Validation("backendId", fmt.Sprintf("backend ID exceeds maximum length of %d", maxBackendIDLength))
		}
		if !backendIDPattern.MatchString(req.BackendID) {
			return apperrors.Validation("backendId", "backend ID must be alphanumeric (underscores, dots, colons and hyphens allowed)")
		}
	}
	return nil
}

func validateJobID(id string) error {
	if id == "" {
		return apperrors.Validation("id", "job ID is required")
	}
	if len(id) > maxJobIDLength {
		return apperrors.Validation("id", fmt.Sprintf("job ID exceeds maximum length of %d", maxJobIDLength))
	}
	return nil
}
