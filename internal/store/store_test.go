package store

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cavelabs/caved/internal/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore("") // in-memory
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRecord(id string) *model.KeyRecord {
	return &model.KeyRecord{
		ID:             id,
		LookupHash:     "hash-" + id,
		KeyPrefix:      "cave_demo_ab",
		ScopeType:      model.ScopeTypeNamespace,
		ScopeNamespace: "demo",
		RateLimit:      100,
		CreatedAt:      time.Now().UTC(),
	}
}

func TestInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := testRecord("k1")
	if err := s.Insert(ctx, rec); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	got, err := s.GetByID(ctx, "k1")
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if got.LookupHash != "hash-k1" {
		t.Errorf("LookupHash = %q", got.LookupHash)
	}
	if got.Scope() != model.NamespaceScope("demo") {
		t.Errorf("Scope = %+v", got.Scope())
	}
	if got.Revoked {
		t.Error("fresh key reported revoked")
	}

	byHash, err := s.GetByLookupHash(ctx, "hash-k1")
	if err != nil {
		t.Fatalf("GetByLookupHash: %v", err)
	}
	if byHash.ID != "k1" {
		t.Errorf("ID = %q", byHash.ID)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetByID(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByID(missing) = %v, want ErrNotFound", err)
	}
	if _, err := s.GetByLookupHash(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetByLookupHash(missing) = %v, want ErrNotFound", err)
	}
}

func TestInsertDuplicateHash(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, testRecord("k1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	dup := testRecord("k2")
	dup.LookupHash = "hash-k1"
	if err := s.Insert(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("Insert(duplicate hash) = %v, want ErrConflict", err)
	}
}

func TestListAndCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	n, err := s.Count(ctx)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	if n != 0 {
		t.Errorf("empty store count = %d", n)
	}

	base := time.Now().UTC()
	for i := 0; i < 3; i++ {
		rec := testRecord(fmt.Sprintf("k%d", i))
		rec.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := s.Insert(ctx, rec); err != nil {
			t.Fatalf("Insert k%d: %v", i, err)
		}
	}

	recs, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("len = %d, want 3", len(recs))
	}
	for i, rec := range recs {
		if want := fmt.Sprintf("k%d", i); rec.ID != want {
			t.Errorf("recs[%d].ID = %q, want %q (issuance order)", i, rec.ID, want)
		}
	}

	n, _ = s.Count(ctx)
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
}

func TestMarkRevoked(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, testRecord("k1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	if err := s.MarkRevoked(ctx, "k1"); err != nil {
		t.Fatalf("MarkRevoked: %v", err)
	}
	got, _ := s.GetByID(ctx, "k1")
	if !got.Revoked {
		t.Error("key not revoked")
	}

	// Idempotent on already-revoked keys.
	if err := s.MarkRevoked(ctx, "k1"); err != nil {
		t.Errorf("MarkRevoked(again) = %v, want nil", err)
	}

	if err := s.MarkRevoked(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("MarkRevoked(missing) = %v, want ErrNotFound", err)
	}
}

func TestTouchLastUsed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, testRecord("k1")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := s.TouchLastUsed(ctx, "k1", at); err != nil {
		t.Fatalf("TouchLastUsed: %v", err)
	}
	got, _ := s.GetByID(ctx, "k1")
	if got.LastUsedAt == nil || !got.LastUsedAt.Equal(at) {
		t.Errorf("LastUsedAt = %v, want %v", got.LastUsedAt, at)
	}

	// Unknown ids are not an error.
	if err := s.TouchLastUsed(ctx, "missing", at); err != nil {
		t.Errorf("TouchLastUsed(missing) = %v", err)
	}
}

func TestRotate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, testRecord("old")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	succ := testRecord("new")
	from := "old"
	now := time.Now().UTC()
	succ.RotatedFrom = &from
	succ.RotatedAt = &now

	if err := s.Rotate(ctx, "old", succ); err != nil {
		t.Fatalf("Rotate: %v", err)
	}

	oldRec, _ := s.GetByID(ctx, "old")
	if !oldRec.Revoked {
		t.Error("predecessor not revoked after rotation")
	}
	newRec, _ := s.GetByID(ctx, "new")
	if newRec.Revoked {
		t.Error("successor revoked after rotation")
	}
	if newRec.RotatedFrom == nil || *newRec.RotatedFrom != "old" {
		t.Errorf("RotatedFrom = %v", newRec.RotatedFrom)
	}
}

func TestRotateRevokedPredecessorConflicts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, testRecord("old")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if err := s.MarkRevoked(ctx, "old"); err != nil {
		t.Fatalf("MarkRevoked: %v", err)
	}

	if err := s.Rotate(ctx, "old", testRecord("new")); !errors.Is(err, ErrConflict) {
		t.Errorf("Rotate(revoked predecessor) = %v, want ErrConflict", err)
	}

	// The failed rotation must not leave a successor behind.
	if _, err := s.GetByID(ctx, "new"); !errors.Is(err, ErrNotFound) {
		t.Errorf("successor exists after failed rotation: %v", err)
	}
}

func TestRotateExactlyOneWinner(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.Insert(ctx, testRecord("old")); err != nil {
		t.Fatalf("Insert: %v", err)
	}

	var conflicts int
	for i := 0; i < 5; i++ {
		err := s.Rotate(ctx, "old", testRecord(fmt.Sprintf("succ-%d", i)))
		if errors.Is(err, ErrConflict) {
			conflicts++
		} else if err != nil {
			t.Fatalf("Rotate %d: %v", i, err)
		}
	}
	if conflicts != 4 {
		t.Errorf("conflicts = %d, want 4 (exactly one winner)", conflicts)
	}
}

func TestSettings(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.GetSetting(ctx, "webhook_secret"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSetting(missing) = %v, want ErrNotFound", err)
	}

	if err := s.SetSetting(ctx, "webhook_secret", "abc"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	got, err := s.GetSetting(ctx, "webhook_secret")
	if err != nil || got != "abc" {
		t.Errorf("GetSetting = %q, %v", got, err)
	}

	// Upsert replaces.
	if err := s.SetSetting(ctx, "webhook_secret", "xyz"); err != nil {
		t.Fatalf("SetSetting(replace): %v", err)
	}
	got, _ = s.GetSetting(ctx, "webhook_secret")
	if got != "xyz" {
		t.Errorf("GetSetting after replace = %q", got)
	}

	if err := s.DeleteSetting(ctx, "webhook_secret"); err != nil {
		t.Fatalf("DeleteSetting: %v", err)
	}
	if _, err := s.GetSetting(ctx, "webhook_secret"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetSetting after delete = %v, want ErrNotFound", err)
	}
}
