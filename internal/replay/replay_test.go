package replay

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"cage/internal/model"
)

func newTestRecord(userID string, ts time.Time) model.StoredExecution {
	return model.StoredExecution{
		ExecutionID: uuid.New(),
		UserID:      userID,
		Timestamp:   ts,
		Request: model.ExecuteRequest{
			Language: model.LanguagePython,
			Code:     "print('test')",
		},
		Response: model.ExecuteResponse{
			Status: model.StatusSuccess,
			Stdout: "test\n",
		},
		Code: "print('test')",
	}
}

func TestStoreAndGet(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "replays")
	store, err := New(dir, 100, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := newTestRecord("alice", time.Now())
	if err := store.Store(context.Background(), rec); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	got, ok := store.Get(rec.ExecutionID.String())
	if !ok {
		t.Fatalf("expected record to be retrievable")
	}
	if got.Code != "print('test')" {
		t.Errorf("unexpected code: %q", got.Code)
	}

	reqOut, ok := store.Replay(rec.ExecutionID.String())
	if !ok || reqOut.Code != "print('test')" {
		t.Errorf("replay did not return the original request")
	}
}

func TestEvictsOldestWhenOverCapacity(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "replays")
	store, err := New(dir, 2, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now := time.Now()
	first := newTestRecord("alice", now.Add(-2*time.Hour))
	second := newTestRecord("alice", now.Add(-1*time.Hour))
	third := newTestRecord("alice", now)

	ctx := context.Background()
	store.Store(ctx, first)
	store.Store(ctx, second)
	store.Store(ctx, third)

	if _, ok := store.Get(first.ExecutionID.String()); ok {
		t.Errorf("expected oldest record to have been evicted")
	}
	if _, ok := store.Get(third.ExecutionID.String()); !ok {
		t.Errorf("expected newest record to remain")
	}
	if len(store.ListAll()) != 2 {
		t.Errorf("expected store to hold exactly maxStored records")
	}
}

func TestListAllOrdersNewestFirst(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "replays")
	store, err := New(dir, 100, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	now := time.Now()
	older := newTestRecord("alice", now.Add(-time.Hour))
	newer := newTestRecord("alice", now)

	ctx := context.Background()
	store.Store(ctx, older)
	store.Store(ctx, newer)

	all := store.ListAll()
	if len(all) != 2 || all[0].ExecutionID != newer.ExecutionID {
		t.Errorf("expected newest record first, got %+v", all)
	}
}

func TestListUserExecutionsFiltersByUser(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "replays")
	store, err := New(dir, 100, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ctx := context.Background()
	store.Store(ctx, newTestRecord("alice", time.Now()))
	store.Store(ctx, newTestRecord("bob", time.Now()))

	aliceRecords := store.ListUserExecutions("alice")
	if len(aliceRecords) != 1 || aliceRecords[0].UserID != "alice" {
		t.Errorf("expected exactly one record for alice, got %+v", aliceRecords)
	}
}

func TestReloadsFromDiskOnRestart(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "replays")
	store, err := New(dir, 100, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	rec := newTestRecord("alice", time.Now())
	store.Store(context.Background(), rec)

	reopened, err := New(dir, 100, nil)
	if err != nil {
		t.Fatalf("unexpected error reopening store: %v", err)
	}

	if _, ok := reopened.Get(rec.ExecutionID.String()); !ok {
		t.Errorf("expected record persisted on disk to be reloaded")
	}
}
