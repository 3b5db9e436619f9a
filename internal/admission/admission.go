// Package admission implements the execute-request pipeline described by
// the orchestrator's design: validate, rate-limit, analyze, then hand off
// to the session manager and executor, fanning out to replay storage,
// audit, and metrics around the actual run.
package admission

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"cage/internal/analysis"
	"cage/internal/audit"
	"cage/internal/metrics"
	"cage/internal/model"
	"cage/internal/ratelimit"
	"cage/internal/replay"
	"cage/internal/sandbox"
	"cage/pkg/models"
)

// Errors returned for admission-phase denials. Callers map these to
// transport-level status codes; the core itself is transport-agnostic.
var (
	ErrPayloadEmpty       = errors.New("admission: code is empty")
	ErrPayloadTooLarge    = errors.New("admission: code exceeds maximum size")
	ErrInvalidTimeout     = errors.New("admission: timeout_seconds must be positive")
	ErrUserDisabled       = errors.New("admission: user is disabled")
	ErrUserNotFound       = errors.New("admission: unknown user")
	ErrLanguageNotAllowed = errors.New("admission: language not permitted for this user")
	ErrRateLimited        = errors.New("admission: rate limit exceeded")
)

// BlockedError is returned when the analyzer refuses a submission outright.
// The caller can inspect Result for the offending warnings.
type BlockedError struct {
	Result model.AnalysisResult
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("admission: code blocked by analyzer (risk=%s)", e.Result.RiskLevel)
}

// UserLookup resolves account state needed for admission decisions. The
// store package's UserRepository satisfies this directly.
type UserLookup interface {
	GetByUserID(userID string) (*models.User, error)
}

// Pipeline wires the admission/execution components together. Users,
// Manager and Executor are required. RateLimiter, Analyzer, Replay, Audit
// and Metrics may be nil, which skips that step, so tests can exercise the
// pipeline without standing them up; NewPipeline replaces a nil Metrics
// with metrics.Get().
type Pipeline struct {
	Users       UserLookup
	RateLimiter *ratelimit.Limiter
	Analyzer    *analysis.Analyzer
	Manager     *sandbox.Manager
	Executor    *sandbox.Executor
	Replay      *replay.Store
	Audit       *audit.Sink
	Metrics     *metrics.Metrics

	log *zap.Logger

	mu      sync.Mutex
	windows map[string]*rollingCounts
}

// rollingCounts tracks an hourly window of execution/error timestamps for
// a user, pruned lazily on each touch.
type rollingCounts struct {
	executions []time.Time
	errors     []time.Time
}

// NewPipeline builds a Pipeline. log may be nil.
func NewPipeline(users UserLookup, rl *ratelimit.Limiter, an *analysis.Analyzer, mgr *sandbox.Manager, exec *sandbox.Executor, replayStore *replay.Store, auditSink *audit.Sink, m *metrics.Metrics, log *zap.Logger) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	if m == nil {
		m = metrics.Get()
	}
	return &Pipeline{
		Users:       users,
		RateLimiter: rl,
		Analyzer:    an,
		Manager:     mgr,
		Executor:    exec,
		Replay:      replayStore,
		Audit:       auditSink,
		Metrics:     m,
		log:         log.Named("admission"),
		windows:     make(map[string]*rollingCounts),
	}
}

// Execute runs the full admission → execution pipeline for one request.
func (p *Pipeline) Execute(ctx context.Context, userID string, req model.ExecuteRequest) (model.ExecuteResponse, error) {
	if err := validatePayload(req); err != nil {
		p.recordDenied(userID, "validation-failed", err.Error())
		return model.ExecuteResponse{}, err
	}

	user, err := p.Users.GetByUserID(userID)
	if err != nil {
		return model.ExecuteResponse{}, fmt.Errorf("%w: %v", ErrUserNotFound, err)
	}
	if !user.Enabled {
		p.recordDenied(userID, "user-disabled", "")
		return model.ExecuteResponse{}, ErrUserDisabled
	}
	if !languageAllowed(user, req.Language) {
		p.recordDenied(userID, "language-not-allowed", string(req.Language))
		return model.ExecuteResponse{}, ErrLanguageNotAllowed
	}

	if cap := user.ResourceLimits.MaxExecutionSeconds; cap > 0 && req.TimeoutSeconds > cap {
		req.TimeoutSeconds = cap
	}

	if p.RateLimiter != nil && !p.RateLimiter.CheckLimit(userID) {
		p.audit(model.AuditEvent{
			EventType: model.AuditResourceLimit,
			UserID:    userID,
			Action:    "rate-limited",
			Outcome:   model.OutcomeDenied,
		})
		if p.Metrics != nil {
			p.Metrics.RecordRateLimited(userID)
		}
		return model.ExecuteResponse{}, ErrRateLimited
	}

	var analysisResult model.AnalysisResult
	if p.Analyzer != nil {
		analysisResult = p.Analyzer.Analyze(req.Code, req.Language)
		if analysisResult.Blocked {
			p.audit(model.AuditEvent{
				EventType: model.AuditSecurityViolation,
				UserID:    userID,
				Action:    "blocked",
				Outcome:   model.OutcomeDenied,
				Details:   map[string]string{"risk_level": analysisResult.RiskLevel.String()},
			})
			if p.Metrics != nil {
				for _, w := range analysisResult.Warnings {
					p.Metrics.RecordAnalysisBlocked(string(req.Language), w.Category)
				}
			}
			return model.ExecuteResponse{}, &BlockedError{Result: analysisResult}
		}
		for _, w := range analysisResult.Warnings {
			p.log.Warn("analyzer warning",
				zap.String("user_id", userID),
				zap.String("category", w.Category),
				zap.String("severity", w.Severity.String()))
		}
	}

	_, existed := p.Manager.GetSession(userID, req.Language)
	session, err := p.Manager.GetOrCreateSession(ctx, userID, req.Language, user.ResourceLimits, user.NetworkPolicy)
	if err != nil {
		return model.ExecuteResponse{}, fmt.Errorf("admission: get or create session: %w", err)
	}
	if p.Metrics != nil && !existed {
		p.Metrics.RecordSessionCreated(string(req.Language))
	}

	resp, err := p.Executor.Execute(ctx, session, req)
	if err != nil {
		return model.ExecuteResponse{}, fmt.Errorf("admission: execute: %w", err)
	}

	p.recordRollingCounts(userID, resp.Status)

	if p.Metrics != nil {
		p.Metrics.RecordExecution(string(req.Language), string(resp.Status), resp.ExitCode, time.Duration(resp.DurationMS)*time.Millisecond)
	}

	outcome := model.OutcomeSuccess
	if resp.Status != model.StatusSuccess {
		outcome = model.OutcomeFailure
	}
	execID := resp.ExecutionID
	p.audit(model.AuditEvent{
		EventType:   model.AuditCodeExecution,
		UserID:      userID,
		Action:      "execute",
		Outcome:     outcome,
		ExecutionID: &execID,
	})

	if p.Replay != nil {
		record := model.StoredExecution{
			ExecutionID: resp.ExecutionID,
			UserID:      userID,
			Timestamp:   time.Now().UTC(),
			Request:     req,
			Response:    resp,
			Code:        req.Code,
		}
		if err := p.Replay.Store(ctx, record); err != nil {
			p.log.Warn("replay store failed", zap.String("execution_id", resp.ExecutionID.String()), zap.Error(err))
		}
	}

	return resp, nil
}

func validatePayload(req model.ExecuteRequest) error {
	if len(req.Code) == 0 {
		return ErrPayloadEmpty
	}
	if len(req.Code) > model.MaxCodeBytes {
		return ErrPayloadTooLarge
	}
	if req.TimeoutSeconds <= 0 {
		return ErrInvalidTimeout
	}
	return nil
}

func languageAllowed(user *models.User, language model.Language) bool {
	if len(user.AllowedLanguages) == 0 {
		return true
	}
	for _, l := range user.AllowedLanguages {
		if l == string(language) {
			return true
		}
	}
	return false
}

func (p *Pipeline) recordDenied(userID, action, detail string) {
	details := map[string]string{}
	if detail != "" {
		details["reason"] = detail
	}
	p.audit(model.AuditEvent{
		EventType: model.AuditAuthorization,
		UserID:    userID,
		Action:    action,
		Outcome:   model.OutcomeDenied,
		Details:   details,
	})
}

func (p *Pipeline) audit(event model.AuditEvent) {
	if p.Audit == nil {
		return
	}
	p.Audit.Record(event)
}

// recordRollingCounts updates a user's 1-hour execution/error window,
// pruning entries older than the window as it goes.
func (p *Pipeline) recordRollingCounts(userID string, status model.ExecutionStatus) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.windows[userID]
	if !ok {
		w = &rollingCounts{}
		p.windows[userID] = w
	}

	now := time.Now().UTC()
	cutoff := now.Add(-time.Hour)

	w.executions = prune(append(w.executions, now), cutoff)
	if status != model.StatusSuccess {
		w.errors = prune(append(w.errors, now), cutoff)
	} else {
		w.errors = prune(w.errors, cutoff)
	}
}

// RollingCounts returns the execution and error counts in the trailing
// hour for userID.
func (p *Pipeline) RollingCounts(userID string) (executions, errs int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, ok := p.windows[userID]
	if !ok {
		return 0, 0
	}
	cutoff := time.Now().UTC().Add(-time.Hour)
	w.executions = prune(w.executions, cutoff)
	w.errors = prune(w.errors, cutoff)
	return len(w.executions), len(w.errors)
}

func prune(times []time.Time, cutoff time.Time) []time.Time {
	out := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
