package feedback

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/kcalvelli/axios-ai-mail-sub001/internal/store"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "feedback_test.db")
	st, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st.WriteDB(), nil)
}

func TestRecordCorrection_NoOpWhenTagsUnchanged(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.RecordCorrection(ctx, "acct", "msg-1", "a@example.com", "Hello", []string{"fyi"}, []string{"fyi"}); err != nil {
		t.Fatalf("RecordCorrection: %v", err)
	}
	examples, err := s.SelectExamples(ctx, "acct", "example.com", 5)
	if err != nil {
		t.Fatalf("SelectExamples: %v", err)
	}
	if len(examples) != 0 {
		t.Fatalf("examples = %+v, want none recorded for a same-tag-set correction", examples)
	}
}

func TestRecordCorrection_ThenSelectExamples(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.RecordCorrection(ctx, "acct", "msg-1", "bob@vendor.com", "Invoice #123", []string{"fyi"}, []string{"receipt", "finance"}); err != nil {
		t.Fatalf("RecordCorrection: %v", err)
	}

	examples, err := s.SelectExamples(ctx, "acct", "vendor.com", 5)
	if err != nil {
		t.Fatalf("SelectExamples: %v", err)
	}
	if len(examples) != 1 {
		t.Fatalf("len(examples) = %d, want 1", len(examples))
	}
	ex := examples[0]
	if ex.Domain != "vendor.com" {
		t.Errorf("Domain = %q, want vendor.com", ex.Domain)
	}
	if ex.Pattern != "invoice ##" {
		t.Errorf("Pattern = %q, want %q", ex.Pattern, "invoice ##")
	}
}

func TestSelectExamples_PrioritizesDomainMatches(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := s.RecordCorrection(ctx, "acct", "other-msg", "x@other.com", "Subject", []string{"fyi"}, []string{"newsletter"}); err != nil {
			t.Fatalf("RecordCorrection(other): %v", err)
		}
	}
	if err := s.RecordCorrection(ctx, "acct", "match-msg", "x@target.com", "Subject", []string{"fyi"}, []string{"promotional"}); err != nil {
		t.Fatalf("RecordCorrection(target): %v", err)
	}

	examples, err := s.SelectExamples(ctx, "acct", "target.com", 3)
	if err != nil {
		t.Fatalf("SelectExamples: %v", err)
	}
	if len(examples) == 0 || examples[0].Domain != "target.com" {
		t.Fatalf("examples = %+v, want target.com example first", examples)
	}
}

func TestSelectExamples_IncrementsUsedCount(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.RecordCorrection(ctx, "acct", "msg-1", "a@example.com", "Subject", []string{"fyi"}, []string{"urgent"}); err != nil {
		t.Fatalf("RecordCorrection: %v", err)
	}
	if _, err := s.SelectExamples(ctx, "acct", "example.com", 5); err != nil {
		t.Fatalf("SelectExamples (1st): %v", err)
	}

	var count int
	row := s.db.QueryRowContext(ctx, `SELECT used_count FROM feedback WHERE account_id = ?`, "acct")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan used_count: %v", err)
	}
	if count != 1 {
		t.Fatalf("used_count = %d, want 1", count)
	}
}

func TestRecordCorrection_TrimsOldestBeyondCap(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i := 0; i < maxPerAccount+5; i++ {
		if err := s.RecordCorrection(ctx, "acct", "msg", "a@example.com", "Subject", []string{"fyi"}, []string{"urgent"}); err != nil {
			t.Fatalf("RecordCorrection(%d): %v", i, err)
		}
	}

	var count int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM feedback WHERE account_id = ?`, "acct")
	if err := row.Scan(&count); err != nil {
		t.Fatalf("scan count: %v", err)
	}
	if count != maxPerAccount {
		t.Fatalf("count = %d, want %d", count, maxPerAccount)
	}
}

func TestMaintenancePurge_KeepsOrphansWithinGrace(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if err := s.RecordCorrection(ctx, "acct", "ghost-msg", "a@example.com", "Subject", []string{"fyi"}, []string{"urgent"}); err != nil {
		t.Fatalf("RecordCorrection: %v", err)
	}

	// Not past the orphan grace period yet: messageIDExists=false should
	// not purge a freshly-created row.
	purged, err := s.MaintenancePurge(ctx, func(string) bool { return false })
	if err != nil {
		t.Fatalf("MaintenancePurge: %v", err)
	}
	if purged != 0 {
		t.Fatalf("purged = %d, want 0 (within grace period)", purged)
	}
}

func TestSubjectPattern_CollapsesDigitRuns(t *testing.T) {
	if got := subjectPattern("Invoice 12345 Due"); got != "invoice # due" {
		t.Errorf("subjectPattern = %q", got)
	}
}

func TestSenderDomain(t *testing.T) {
	cases := map[string]string{
		"Bob <bob@example.com>": "example.com",
		"bob@example.com":       "example.com",
		"no-at-sign":             "",
	}
	for in, want := range cases {
		if got := senderDomain(in); got != want {
			t.Errorf("senderDomain(%q) = %q, want %q", in, got, want)
		}
	}
}
