// Package service is the admission layer between the HTTP surface and the
// pipeline. It validates authoring requests, short-circuits duplicates
// through the idempotency ledger, serializes runs per resource with lock
// leases, and tracks run status for polling.
package service

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"readerforge/internal/artifact"
	"readerforge/internal/idempotency"
	"readerforge/internal/locks"
	"readerforge/internal/logging"
	"readerforge/internal/pipeline"
	"readerforge/internal/publish"
)

// Run states exposed to status polling.
const (
	StateQueued     = "queued"
	StateProcessing = "processing"
	StateCompleted  = "completed"
	StateFailed     = "failed"
)

// generateOperation names the pipeline run in fingerprints and lock leases.
const generateOperation = "generate"

// Runner executes one pipeline run. The orchestrator satisfies it; tests
// substitute their own.
type Runner interface {
	Execute(ctx context.Context, req artifact.Request, observe pipeline.Observer) (pipeline.Outcome, error)
}

// ResultSummary is the durable record of a completed run: enough to locate
// and verify the publication without holding document content in the ledger.
type ResultSummary struct {
	Title       string           `json:"title"`
	ChapterSlug string           `json:"chapterSlug"`
	Sections    int              `json:"sections"`
	Blocks      int              `json:"blocks"`
	Published   []publish.Result `json:"published"`
}

// Status is a point-in-time view of one run.
type Status struct {
	PromptID  string         `json:"promptId"`
	State     string         `json:"status"`
	Stage     pipeline.Stage `json:"stage,omitempty"`
	Progress  int            `json:"progress"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Result    *ResultSummary `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// SubmitResult is the admission decision for one request.
type SubmitResult struct {
	PromptID  string         `json:"promptId"`
	Duplicate bool           `json:"duplicate"`
	Status    string         `json:"status"`
	Result    *ResultSummary `json:"result,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// ErrResourceBusy reports a lock conflict on the requested chapter.
type ErrResourceBusy struct{ Reason string }

func (e ErrResourceBusy) Error() string { return e.Reason }

// ValidationError reports an inadmissible request.
type ValidationError struct{ Reason string }

func (e ValidationError) Error() string { return e.Reason }

// Service admits requests and runs them asynchronously.
type Service struct {
	runner   Runner
	idem     *idempotency.Store
	locks    *locks.Manager
	validate *validator.Validate
	now      func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu     sync.RWMutex
	status map[string]*Status // promptId -> live run status
}

// New builds the service. Close must be called to drain in-flight runs.
func New(runner Runner, idem *idempotency.Store, lockMgr *locks.Manager) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		runner:   runner,
		idem:     idem,
		locks:    lockMgr,
		validate: validator.New(),
		now:      time.Now,
		baseCtx:  ctx,
		cancel:   cancel,
		status:   make(map[string]*Status),
	}
}

// Close cancels in-flight runs and waits for them to settle their ledger
// records.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}

// Submit admits one authoring request. Duplicates inside the idempotency TTL
// return the recorded outcome (or the in-flight promptId) without running the
// pipeline again. Admitted requests run asynchronously; poll Status with the
// returned promptId.
func (s *Service) Submit(req artifact.Request) (SubmitResult, error) {
	if err := s.admissible(req); err != nil {
		return SubmitResult{}, err
	}
	if req.CorrelationID == "" {
		req.CorrelationID = uuid.NewString()
	}

	// The correlation id never participates in the fingerprint: two
	// submissions of the same chapter must collide.
	fingerprintReq := req
	fingerprintReq.CorrelationID = ""
	fingerprint, err := s.idem.GenerateKey(generateOperation, fingerprintReq, req.Attachments)
	if err != nil {
		return SubmitResult{}, fmt.Errorf("fingerprinting request: %w", err)
	}

	if record, dup, err := s.idem.CheckDuplicate(fingerprint); err != nil {
		return SubmitResult{}, err
	} else if dup {
		return s.duplicateResult(record), nil
	}

	lease := s.locks.Acquire(generateOperation, req.ResourceID(), req.CorrelationID)
	if !lease.Acquired {
		return SubmitResult{}, ErrResourceBusy{Reason: lease.Reason}
	}

	record, created, err := s.idem.RegisterRequest(fingerprint, req.CorrelationID, map[string]string{
		"subject": string(req.Subject),
		"chapter": req.Chapter,
	}, 0)
	if err != nil {
		s.locks.Release(lease.LockInfo.LockID)
		return SubmitResult{}, err
	}
	if !created {
		// Raced with an identical submission between CheckDuplicate and
		// RegisterRequest; defer to the winner.
		s.locks.Release(lease.LockInfo.LockID)
		return s.duplicateResult(record), nil
	}

	now := s.now()
	s.mu.Lock()
	s.status[req.CorrelationID] = &Status{
		PromptID:  req.CorrelationID,
		State:     StateQueued,
		Stage:     pipeline.StageAccepted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.mu.Unlock()

	s.wg.Add(1)
	go s.execute(req, lease.LockInfo.LockID)

	logging.Get(logging.CategoryAPI).Info("admitted %s/%s as %s (fingerprint %s)",
		req.Subject, req.Chapter, req.CorrelationID, fingerprint)
	return SubmitResult{PromptID: req.CorrelationID, Status: StateQueued}, nil
}

// Status returns the current view of a run. Runs from earlier process
// lifetimes are answered from the ledger.
func (s *Service) Status(promptID string) (Status, bool) {
	s.mu.RLock()
	live, ok := s.status[promptID]
	if ok {
		snapshot := *live
		s.mu.RUnlock()
		return snapshot, true
	}
	s.mu.RUnlock()

	record, found, err := s.idem.ByCorrelation(promptID)
	if err != nil || !found {
		return Status{}, false
	}
	return recordStatus(record), true
}

func (s *Service) execute(req artifact.Request, lockID string) {
	defer s.wg.Done()
	defer s.locks.Release(lockID)

	s.transition(req.CorrelationID, func(st *Status) { st.State = StateProcessing })

	outcome, err := s.runner.Execute(s.baseCtx, req, func(stage pipeline.Stage, progress int) {
		s.transition(req.CorrelationID, func(st *Status) {
			st.Stage = stage
			st.Progress = progress
		})
	})
	if err != nil {
		// A canceled run still terminates its ledger record as failed so a
		// resubmission after restart is not treated as a live duplicate.
		if cerr := s.idem.CompleteRequest(req.CorrelationID, nil, err.Error()); cerr != nil {
			logging.Get(logging.CategoryIdempotency).Error("recording failure for %s: %v",
				req.CorrelationID, cerr)
		}
		s.transition(req.CorrelationID, func(st *Status) {
			st.State = StateFailed
			st.Error = err.Error()
		})
		return
	}

	summary := summarize(outcome)
	raw, err := json.Marshal(summary)
	if err != nil {
		raw = nil
	}
	if cerr := s.idem.CompleteRequest(req.CorrelationID, raw, ""); cerr != nil {
		logging.Get(logging.CategoryIdempotency).Error("recording completion for %s: %v",
			req.CorrelationID, cerr)
	}
	s.transition(req.CorrelationID, func(st *Status) {
		st.State = StateCompleted
		st.Progress = 100
		st.Result = &summary
	})
}

func (s *Service) transition(promptID string, apply func(*Status)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.status[promptID]
	if !ok {
		return
	}
	apply(st)
	st.UpdatedAt = s.now()
}

// admissible applies struct validation plus the attachment path rules: no
// absolute paths, no parent traversal, no backslashes.
func (s *Service) admissible(req artifact.Request) error {
	if err := s.validate.Struct(req); err != nil {
		return ValidationError{Reason: err.Error()}
	}
	for _, attachment := range req.Attachments {
		if filepath.IsAbs(attachment) ||
			strings.Contains(attachment, "..") ||
			strings.Contains(attachment, `\`) {
			return ValidationError{Reason: fmt.Sprintf("attachment path %q not allowed", attachment)}
		}
	}
	return nil
}

func (s *Service) duplicateResult(record *idempotency.Record) SubmitResult {
	res := SubmitResult{
		PromptID:  record.CorrelationID,
		Duplicate: true,
		Error:     record.Error,
	}
	switch record.State {
	case idempotency.StateCompleted:
		res.Status = StateCompleted
		res.Result = decodeSummary(record.Result)
	case idempotency.StateFailed:
		res.Status = StateFailed
	default:
		res.Status = StateProcessing
	}
	return res
}

func recordStatus(record *idempotency.Record) Status {
	st := Status{
		PromptID:  record.CorrelationID,
		CreatedAt: record.CreatedAt,
		UpdatedAt: record.CreatedAt,
		Error:     record.Error,
	}
	switch record.State {
	case idempotency.StateCompleted:
		st.State = StateCompleted
		st.Progress = 100
		st.Result = decodeSummary(record.Result)
	case idempotency.StateFailed:
		st.State = StateFailed
		st.Progress = 100
	default:
		st.State = StateProcessing
	}
	return st
}

func decodeSummary(raw json.RawMessage) *ResultSummary {
	if len(raw) == 0 {
		return nil
	}
	var summary ResultSummary
	if err := json.Unmarshal(raw, &summary); err != nil {
		return nil
	}
	return &summary
}

func summarize(outcome pipeline.Outcome) ResultSummary {
	return ResultSummary{
		Title:       outcome.Doc.Title,
		ChapterSlug: outcome.Doc.ChapterSlug,
		Sections:    len(outcome.Doc.SectionIDs),
		Blocks:      len(outcome.Doc.Blocks),
		Published:   outcome.Published,
	}
}
