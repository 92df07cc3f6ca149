package syncengine

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/kcalvelli/axios-ai-mail-sub001/internal/config"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/events"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/feedback"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/health"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/pendingops"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/provider"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/store"
)

func TestDecodeCursors_Empty(t *testing.T) {
	m := decodeCursors("")
	if len(m) != 0 {
		t.Fatalf("decodeCursors(\"\") = %v, want empty map", m)
	}
}

func TestDecodeCursors_JSONMap(t *testing.T) {
	m := decodeCursors(`{"INBOX":"100","Sent":"42"}`)
	if m["INBOX"] != "100" || m["Sent"] != "42" {
		t.Fatalf("decodeCursors = %v", m)
	}
}

func TestDecodeCursors_LegacyOpaqueCursorFallback(t *testing.T) {
	m := decodeCursors("historyId-98765")
	if m[""] != "historyId-98765" {
		t.Fatalf("decodeCursors = %v, want legacy fallback under empty key", m)
	}
}

func TestEncodeDecodeCursors_RoundTrip(t *testing.T) {
	orig := map[string]string{"INBOX": "1", "Archive": "2"}
	encoded := encodeCursors(orig)
	decoded := decodeCursors(encoded)
	if len(decoded) != len(orig) {
		t.Fatalf("decoded = %v, want %v", decoded, orig)
	}
	for k, v := range orig {
		if decoded[k] != v {
			t.Errorf("decoded[%q] = %q, want %q", k, decoded[k], v)
		}
	}
}

func TestLabelPrefix_DefaultsToAI(t *testing.T) {
	if got := labelPrefix(config.AccountConfig{}); got != "AI" {
		t.Errorf("labelPrefix = %q, want AI", got)
	}
}

func TestLabelPrefix_UsesConfiguredValue(t *testing.T) {
	cfg := config.AccountConfig{Labels: config.LabelsConfig{Prefix: "Mail"}}
	if got := labelPrefix(cfg); got != "Mail" {
		t.Errorf("labelPrefix = %q, want Mail", got)
	}
}

func TestSenderDomain(t *testing.T) {
	cases := map[string]string{
		"alice@example.com":     "example.com",
		"Alice <alice@corp.io>": "corp.io",
		"no-at-sign":            "",
		"trailing@example.com>": "example.com",
	}
	for in, want := range cases {
		if got := senderDomain(in); got != want {
			t.Errorf("senderDomain(%q) = %q, want %q", in, got, want)
		}
	}
}

// fakeProvider records the last call made to each method it backs, for
// assertions in Apply tests. Every method is implemented; methods that
// record nothing return fixed results.
type fakeProvider struct {
	lastSetFlagsAdd, lastSetFlagsRemove provider.FlagSet
	lastMoveFrom, lastMoveTo            string
	lastPermanentDeleteID               string
	lastApplyLabel                      string
	lastSend                            *provider.OutgoingMessage
	body                                *provider.MessageBody
	sendErr                             error
}

func (f *fakeProvider) Authenticate(ctx context.Context) error { return nil }
func (f *fakeProvider) ListFolders(ctx context.Context) ([]provider.Folder, error) {
	return nil, nil
}
func (f *fakeProvider) FetchDelta(ctx context.Context, cursor, folder string, max int) ([]provider.FetchedMessage, string, error) {
	return nil, cursor, nil
}
func (f *fakeProvider) FetchBody(ctx context.Context, providerID string) (*provider.MessageBody, error) {
	if f.body != nil {
		return f.body, nil
	}
	return &provider.MessageBody{TextBody: "body"}, nil
}
func (f *fakeProvider) SetFlags(ctx context.Context, providerID string, add, remove provider.FlagSet) error {
	f.lastSetFlagsAdd, f.lastSetFlagsRemove = add, remove
	return nil
}
func (f *fakeProvider) Move(ctx context.Context, providerID, from, to string) error {
	f.lastMoveFrom, f.lastMoveTo = from, to
	return nil
}
func (f *fakeProvider) ApplyLabel(ctx context.Context, providerID, label string) error {
	f.lastApplyLabel = label
	return nil
}
func (f *fakeProvider) PermanentDelete(ctx context.Context, providerID string) error {
	f.lastPermanentDeleteID = providerID
	return nil
}
func (f *fakeProvider) Send(ctx context.Context, msg provider.OutgoingMessage) error {
	f.lastSend = &msg
	return f.sendErr
}
func (f *fakeProvider) SupportsKeywords() bool { return true }
func (f *fakeProvider) SupportsIdle() bool     { return false }

func testEngine(t *testing.T) (*Engine, *store.Store, *fakeProvider) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "syncengine_test.db")
	st, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	e := New(st, nil, pendingops.New(st.WriteDB(), nil), nil, health.New(), events.New(), nil, 0)
	fp := &fakeProvider{}
	e.RegisterAccount(config.AccountConfig{ID: "acct-1"}, fp, nil, "", 0)
	t.Cleanup(e.Stop)
	return e, st, fp
}

func seedMessage(t *testing.T, st *store.Store, accountID string) string {
	t.Helper()
	id, err := st.UpsertMessage(&store.Message{
		AccountID:  accountID,
		ProviderID: "provider-msg-1",
		Folder:     "INBOX",
		From:       "a@example.com",
		Subject:    "hi",
		ReceivedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("UpsertMessage: %v", err)
	}
	return id
}

func TestApply_MarkRead(t *testing.T) {
	e, st, fp := testEngine(t)
	id := seedMessage(t, st, "acct-1")

	if err := e.Apply(context.Background(), "acct-1", id, "mark_read"); err != nil {
		t.Fatalf("Apply(mark_read): %v", err)
	}
	if !fp.lastSetFlagsAdd.Seen {
		t.Fatal("expected SetFlags called with Seen: true")
	}
	msg, err := st.GetMessage(id)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if !msg.IsRead {
		t.Fatal("message not marked read in store")
	}
}

func TestApply_TrashThenRestore(t *testing.T) {
	e, st, fp := testEngine(t)
	id := seedMessage(t, st, "acct-1")

	if err := e.Apply(context.Background(), "acct-1", id, "trash"); err != nil {
		t.Fatalf("Apply(trash): %v", err)
	}
	if fp.lastMoveTo != "TRASH" {
		t.Fatalf("lastMoveTo = %q, want TRASH", fp.lastMoveTo)
	}
	msg, err := st.GetMessage(id)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if !msg.IsTrashed {
		t.Fatal("message not marked trashed in store")
	}

	if err := e.Apply(context.Background(), "acct-1", id, "restore"); err != nil {
		t.Fatalf("Apply(restore): %v", err)
	}
	if fp.lastMoveFrom != "TRASH" {
		t.Fatalf("lastMoveFrom = %q, want TRASH", fp.lastMoveFrom)
	}
	msg, err = st.GetMessage(id)
	if err != nil {
		t.Fatalf("GetMessage: %v", err)
	}
	if msg.IsTrashed {
		t.Fatal("message still trashed in store after restore")
	}
}

func TestApply_UnknownAccountErrors(t *testing.T) {
	e, _, _ := testEngine(t)
	if err := e.Apply(context.Background(), "no-such-account", "msg", "mark_read"); err == nil {
		t.Fatal("expected error for unknown account")
	}
}

func TestApply_UnknownOpErrors(t *testing.T) {
	e, st, _ := testEngine(t)
	id := seedMessage(t, st, "acct-1")
	if err := e.Apply(context.Background(), "acct-1", id, "not-a-real-op"); err == nil {
		t.Fatal("expected error for unknown op")
	}
}

func TestApply_PermanentDelete_RemovesMessageRow(t *testing.T) {
	e, st, fp := testEngine(t)
	id := seedMessage(t, st, "acct-1")

	if err := e.Apply(context.Background(), "acct-1", id, "permanent_delete"); err != nil {
		t.Fatalf("Apply(permanent_delete): %v", err)
	}
	if fp.lastPermanentDeleteID != "provider-msg-1" {
		t.Fatalf("lastPermanentDeleteID = %q, want provider-msg-1", fp.lastPermanentDeleteID)
	}
	if _, err := st.GetMessage(id); err == nil {
		t.Fatal("expected message row to be gone after permanent_delete")
	}
}

// testEngineWithFeedback is like testEngine but wires a real
// feedback.Store, needed by UpdateTags which records corrections.
func testEngineWithFeedback(t *testing.T) (*Engine, *store.Store, *fakeProvider) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "syncengine_feedback_test.db")
	st, err := store.Open(dbPath, nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	fb := feedback.New(st.WriteDB(), nil)
	e := New(st, fb, pendingops.New(st.WriteDB(), nil), nil, health.New(), events.New(), nil, 0)
	fp := &fakeProvider{}
	e.RegisterAccount(config.AccountConfig{ID: "acct-1"}, fp, nil, "", 0)
	t.Cleanup(e.Stop)
	return e, st, fp
}

func TestFetchBody_DelegatesToProvider(t *testing.T) {
	e, st, fp := testEngine(t)
	id := seedMessage(t, st, "acct-1")
	fp.body = &provider.MessageBody{TextBody: "hello", HTMLBody: "<p>hello</p>"}

	body, err := e.FetchBody(context.Background(), "acct-1", id)
	if err != nil {
		t.Fatalf("FetchBody: %v", err)
	}
	if body.TextBody != "hello" || body.HTMLBody != "<p>hello</p>" {
		t.Fatalf("body = %+v", body)
	}
}

func TestFetchBody_UnknownAccountErrors(t *testing.T) {
	e, st, _ := testEngine(t)
	id := seedMessage(t, st, "acct-1")
	if _, err := e.FetchBody(context.Background(), "no-such-account", id); err == nil {
		t.Fatal("expected error for unknown account")
	}
}

func TestSend_DelegatesToProvider(t *testing.T) {
	e, _, fp := testEngine(t)
	msg := provider.OutgoingMessage{To: []string{"you@example.com"}, Subject: "hi", Body: "hello"}

	if err := e.Send(context.Background(), "acct-1", msg); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if fp.lastSend == nil || fp.lastSend.Subject != "hi" {
		t.Fatalf("lastSend = %+v", fp.lastSend)
	}
}

func TestSend_UnknownAccountErrors(t *testing.T) {
	e, _, _ := testEngine(t)
	if err := e.Send(context.Background(), "no-such-account", provider.OutgoingMessage{}); err == nil {
		t.Fatal("expected error for unknown account")
	}
}

func TestUpdateTags_PersistsClassificationAndReconcilesLabels(t *testing.T) {
	e, st, fp := testEngineWithFeedback(t)
	id := seedMessage(t, st, "acct-1")

	if err := e.UpdateTags(context.Background(), "acct-1", id, []string{"newsletter"}); err != nil {
		t.Fatalf("UpdateTags: %v", err)
	}

	c, err := st.GetClassification(id)
	if err != nil {
		t.Fatalf("GetClassification: %v", err)
	}
	if len(c.Tags) != 1 || c.Tags[0] != "newsletter" {
		t.Fatalf("Tags = %v, want [newsletter]", c.Tags)
	}
	if fp.lastApplyLabel == "" {
		t.Fatal("expected ApplyLabel to be called since provider supports keywords")
	}
}

func TestUpdateTags_RecordsFeedbackOnlyWhenTagsChange(t *testing.T) {
	e, st, _ := testEngineWithFeedback(t)
	id := seedMessage(t, st, "acct-1")

	if err := st.UpsertClassification(&store.Classification{MessageID: id, Tags: []string{"fyi"}, Priority: "normal"}); err != nil {
		t.Fatalf("seed classification: %v", err)
	}

	// Same tag set: should not record feedback.
	if err := e.UpdateTags(context.Background(), "acct-1", id, []string{"fyi"}); err != nil {
		t.Fatalf("UpdateTags (unchanged): %v", err)
	}
	examples, err := e.feedback.SelectExamples(context.Background(), "acct-1", "example.com", 5)
	if err != nil {
		t.Fatalf("SelectExamples: %v", err)
	}
	if len(examples) != 0 {
		t.Fatalf("expected no feedback recorded for unchanged tags, got %d", len(examples))
	}

	// Different tag set: should record feedback.
	if err := e.UpdateTags(context.Background(), "acct-1", id, []string{"urgent"}); err != nil {
		t.Fatalf("UpdateTags (changed): %v", err)
	}
	examples, err = e.feedback.SelectExamples(context.Background(), "acct-1", "example.com", 5)
	if err != nil {
		t.Fatalf("SelectExamples: %v", err)
	}
	if len(examples) != 1 {
		t.Fatalf("expected one feedback row recorded for changed tags, got %d", len(examples))
	}
}

func TestUpdateTags_UnknownAccountErrors(t *testing.T) {
	e, st, _ := testEngineWithFeedback(t)
	id := seedMessage(t, st, "acct-1")
	if err := e.UpdateTags(context.Background(), "no-such-account", id, []string{"fyi"}); err == nil {
		t.Fatal("expected error for unknown account")
	}
}

func TestSameTagSet(t *testing.T) {
	cases := []struct {
		a, b []string
		want bool
	}{
		{nil, nil, true},
		{[]string{"a"}, []string{"a"}, true},
		{[]string{"a", "b"}, []string{"b", "a"}, true},
		{[]string{"a"}, []string{"a", "b"}, false},
		{[]string{"a"}, []string{"b"}, false},
	}
	for _, c := range cases {
		if got := sameTagSet(c.a, c.b); got != c.want {
			t.Errorf("sameTagSet(%v, %v) = %v, want %v", c.a, c.b, got, c.want)
		}
	}
}
