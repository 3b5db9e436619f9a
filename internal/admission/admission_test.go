package admission

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"cage/internal/analysis"
	"cage/internal/audit"
	"cage/internal/model"
	"cage/internal/ratelimit"
	"cage/internal/replay"
	"cage/pkg/models"
)

type fakeUsers struct {
	users map[string]*models.User
}

func (f *fakeUsers) GetByUserID(userID string) (*models.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, errors.New("no such user")
	}
	return u, nil
}

func newEnabledUser(userID string) *models.User {
	return &models.User{
		UserID:         userID,
		Enabled:        true,
		ResourceLimits: models.DefaultResourceLimits(),
		NetworkPolicy:  models.DefaultNetworkPolicy(),
	}
}

func newTestPipeline(t *testing.T, users map[string]*models.User) *Pipeline {
	t.Helper()
	dir := t.TempDir()

	replayStore, err := replay.New(filepath.Join(dir, "replays"), 100, nil)
	if err != nil {
		t.Fatalf("failed to create replay store: %v", err)
	}
	auditSink, err := audit.New(filepath.Join(dir, "audit.jsonl"))
	if err != nil {
		t.Fatalf("failed to create audit sink: %v", err)
	}
	t.Cleanup(func() { auditSink.Close() })

	return NewPipeline(
		&fakeUsers{users: users},
		ratelimit.New(60),
		analysis.New(true),
		nil, // Manager: unused by tests that are denied before execution
		nil, // Executor: unused likewise
		replayStore,
		auditSink,
		nil,
		nil,
	)
}

func validRequest() model.ExecuteRequest {
	return model.ExecuteRequest{
		Language:       model.LanguagePython,
		Code:           "print('hi')",
		TimeoutSeconds: 10,
	}
}

func TestExecuteRejectsEmptyCode(t *testing.T) {
	p := newTestPipeline(t, map[string]*models.User{"alice": newEnabledUser("alice")})
	req := validRequest()
	req.Code = ""

	_, err := p.Execute(context.Background(), "alice", req)
	if !errors.Is(err, ErrPayloadEmpty) {
		t.Fatalf("expected ErrPayloadEmpty, got %v", err)
	}
}

func TestExecuteRejectsOversizedCode(t *testing.T) {
	p := newTestPipeline(t, map[string]*models.User{"alice": newEnabledUser("alice")})
	req := validRequest()
	req.Code = string(make([]byte, model.MaxCodeBytes+1))

	_, err := p.Execute(context.Background(), "alice", req)
	if !errors.Is(err, ErrPayloadTooLarge) {
		t.Fatalf("expected ErrPayloadTooLarge, got %v", err)
	}
}

func TestExecuteRejectsDisabledUser(t *testing.T) {
	disabled := newEnabledUser("bob")
	disabled.Enabled = false
	p := newTestPipeline(t, map[string]*models.User{"bob": disabled})

	_, err := p.Execute(context.Background(), "bob", validRequest())
	if !errors.Is(err, ErrUserDisabled) {
		t.Fatalf("expected ErrUserDisabled, got %v", err)
	}
}

func TestExecuteRejectsDisallowedLanguage(t *testing.T) {
	user := newEnabledUser("carol")
	user.AllowedLanguages = []string{"javascript"}
	p := newTestPipeline(t, map[string]*models.User{"carol": user})

	_, err := p.Execute(context.Background(), "carol", validRequest())
	if !errors.Is(err, ErrLanguageNotAllowed) {
		t.Fatalf("expected ErrLanguageNotAllowed, got %v", err)
	}
}

func TestExecuteRejectsUnknownUser(t *testing.T) {
	p := newTestPipeline(t, map[string]*models.User{})

	_, err := p.Execute(context.Background(), "ghost", validRequest())
	if !errors.Is(err, ErrUserNotFound) {
		t.Fatalf("expected ErrUserNotFound, got %v", err)
	}
}

func TestExecuteRateLimitsRepeatedBursts(t *testing.T) {
	p := newTestPipeline(t, map[string]*models.User{"dave": newEnabledUser("dave")})
	p.RateLimiter = ratelimit.New(1)

	// Both calls carry code the analyzer blocks, so neither ever reaches
	// the session manager; this isolates the rate limiter's own behavior.
	req := validRequest()
	req.Language = model.LanguageBash
	req.Code = ":(){ :|:& };:"

	// First call consumes the only token in the bucket and is denied by
	// the analyzer, not the rate limiter.
	_, firstErr := p.Execute(context.Background(), "dave", req)
	if errors.Is(firstErr, ErrRateLimited) {
		t.Fatalf("did not expect the first call in the burst to be rate limited: %v", firstErr)
	}

	_, err := p.Execute(context.Background(), "dave", req)
	if !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected second call to be rate limited, got %v", err)
	}
}

func TestExecuteBlocksCriticalRiskCode(t *testing.T) {
	p := newTestPipeline(t, map[string]*models.User{"erin": newEnabledUser("erin")})

	req := validRequest()
	req.Language = model.LanguageBash
	req.Code = ":(){ :|:& };:"

	_, err := p.Execute(context.Background(), "erin", req)
	var blocked *BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected BlockedError, got %v", err)
	}
	if !blocked.Result.Blocked {
		t.Fatal("expected analysis result to be marked blocked")
	}
}

func TestRollingCountsStartAtZeroForUnseenUser(t *testing.T) {
	p := newTestPipeline(t, map[string]*models.User{"frank": newEnabledUser("frank")})

	execs, errs := p.RollingCounts("frank")
	if execs != 0 || errs != 0 {
		t.Fatalf("expected zero counts for an unseen user, got execs=%d errs=%d", execs, errs)
	}
}
