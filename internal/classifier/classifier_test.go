package classifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kcalvelli/axios-ai-mail-sub001/internal/llm"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/taxonomy"
)

type scriptedClient struct {
	responses []string // each call pops the next response; "" means error
	calls     int
}

func (c *scriptedClient) Chat(ctx context.Context, model string, messages []llm.Message, format string, temperature float64) (*llm.ChatResponse, error) {
	if c.calls >= len(c.responses) {
		return nil, errors.New("scriptedClient: no more responses")
	}
	resp := c.responses[c.calls]
	c.calls++
	if resp == "" {
		return nil, errors.New("simulated transport failure")
	}
	return &llm.ChatResponse{Message: llm.Message{Role: "assistant", Content: resp}}, nil
}

func (c *scriptedClient) Ping(ctx context.Context) error { return nil }

var tax = []taxonomy.Tag{
	{Name: "urgent", Description: "time-sensitive"},
	{Name: "newsletter", Description: "recurring editorial content"},
	{Name: "fyi", Description: "informational only"},
}

func baseInput() Input {
	return Input{
		Subject:    "Weekly digest",
		Sender:     "news@example.com",
		ReceivedAt: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Taxonomy:   tax,
		Model:      "test-model",
	}
}

func TestClassify_Success(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"tags":["newsletter"],"priority":"normal","action_required":false,"can_archive":true,"confidence":0.95}`,
	}}
	c := New(client, nil)
	v := c.Classify(context.Background(), baseInput())

	if len(v.Tags) != 1 || v.Tags[0] != "newsletter" {
		t.Fatalf("Tags = %v, want [newsletter]", v.Tags)
	}
	if v.Priority != "normal" || v.CanArchive != true || v.Confidence != 0.95 {
		t.Fatalf("verdict = %+v", v)
	}
	if client.calls != 1 {
		t.Fatalf("calls = %d, want 1", client.calls)
	}
}

func TestClassify_DropsTagsOutsideTaxonomy(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"tags":["newsletter","not-a-real-tag"],"priority":"normal"}`,
	}}
	c := New(client, nil)
	v := c.Classify(context.Background(), baseInput())

	if len(v.Tags) != 1 || v.Tags[0] != "newsletter" {
		t.Fatalf("Tags = %v, want only newsletter retained", v.Tags)
	}
}

func TestClassify_CapsTagsAtMax(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"tags":["urgent","newsletter","fyi"],"priority":"normal"}`,
	}}
	c := New(client, nil)
	v := c.Classify(context.Background(), baseInput())
	if len(v.Tags) != maxTags {
		t.Fatalf("len(Tags) = %d, want %d", len(v.Tags), maxTags)
	}
}

func TestClassify_DefaultsConfidenceWhenAbsent(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"tags":["fyi"],"priority":"normal"}`,
	}}
	c := New(client, nil)
	v := c.Classify(context.Background(), baseInput())
	if v.Confidence != defaultConfidence {
		t.Fatalf("Confidence = %v, want %v", v.Confidence, defaultConfidence)
	}
}

func TestClassify_RetriesOnceOnInvalidJSON(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`not json`,
		`{"tags":["fyi"],"priority":"normal","confidence":0.5}`,
	}}
	c := New(client, nil)
	v := c.Classify(context.Background(), baseInput())

	if client.calls != 2 {
		t.Fatalf("calls = %d, want 2 (one retry)", client.calls)
	}
	if len(v.Tags) != 1 || v.Tags[0] != "fyi" {
		t.Fatalf("Tags = %v, want [fyi] from the retried response", v.Tags)
	}
}

func TestClassify_ExhaustsRetryAndReturnsEmptyVerdict(t *testing.T) {
	client := &scriptedClient{responses: []string{"not json", "still not json"}}
	c := New(client, nil)
	v := c.Classify(context.Background(), baseInput())

	if v.Tags != nil || v.Priority != "normal" || v.Confidence != 0.0 {
		t.Fatalf("verdict = %+v, want empty fallback", v)
	}
	if client.calls != 2 {
		t.Fatalf("calls = %d, want 2", client.calls)
	}
}

func TestClassify_PausesAfterConsecutiveFailures(t *testing.T) {
	client := &scriptedClient{responses: make([]string, maxConsecutiveFailures*2)} // every call errors (empty string)
	c := New(client, nil)

	for i := 0; i < maxConsecutiveFailures; i++ {
		if c.Paused() {
			t.Fatalf("Paused() = true before reaching %d failures (at %d)", maxConsecutiveFailures, i)
		}
		c.Classify(context.Background(), baseInput())
	}
	if !c.Paused() {
		t.Fatal("Paused() = false after maxConsecutiveFailures failures")
	}
}

func TestClassify_ResetCycleClearsPause(t *testing.T) {
	client := &scriptedClient{responses: make([]string, maxConsecutiveFailures*2)}
	c := New(client, nil)
	for i := 0; i < maxConsecutiveFailures; i++ {
		c.Classify(context.Background(), baseInput())
	}
	if !c.Paused() {
		t.Fatal("expected paused")
	}
	c.ResetCycle()
	if c.Paused() {
		t.Fatal("Paused() = true after ResetCycle")
	}
}

func TestClassify_InvalidPriorityTriggersRetry(t *testing.T) {
	client := &scriptedClient{responses: []string{
		`{"tags":["fyi"],"priority":"urgent-ish"}`,
		`{"tags":["fyi"],"priority":"high","confidence":0.7}`,
	}}
	c := New(client, nil)
	v := c.Classify(context.Background(), baseInput())
	if v.Priority != "high" {
		t.Fatalf("Priority = %q, want high (from the retried, valid response)", v.Priority)
	}
}

func TestClassify_SuccessResetsConsecutiveFailures(t *testing.T) {
	client := &scriptedClient{responses: []string{
		"", "",
		`{"tags":["fyi"],"priority":"normal","confidence":0.6}`,
	}}
	c := New(client, nil)

	// First Classify: both the initial call and its retry fail (empty
	// responses), counting as one consecutive failure.
	c.Classify(context.Background(), baseInput())
	if c.consecutiveFailures != 1 {
		t.Fatalf("consecutiveFailures = %d, want 1", c.consecutiveFailures)
	}

	// Second Classify succeeds on the first call and resets the counter.
	v := c.Classify(context.Background(), baseInput())
	if c.consecutiveFailures != 0 {
		t.Fatalf("consecutiveFailures = %d, want 0 after success", c.consecutiveFailures)
	}
	if len(v.Tags) != 1 || v.Tags[0] != "fyi" {
		t.Fatalf("Tags = %v", v.Tags)
	}
}
