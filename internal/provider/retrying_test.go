package provider

import (
	"context"
	"testing"
)

// countingProvider fails its first N calls to FetchBody/Send with a
// given error, then succeeds, so retry behavior can be observed. A
// non-retryable error returns at once; each retryable failure waits out
// the matching retry.Schedule delay (two failures: 1s, then 2s).
type countingProvider struct {
	Provider
	failures int
	err      error
	calls    int
}

func (c *countingProvider) FetchBody(ctx context.Context, providerID string) (*MessageBody, error) {
	c.calls++
	if c.calls <= c.failures {
		return nil, c.err
	}
	return &MessageBody{TextBody: "ok"}, nil
}

func (c *countingProvider) Send(ctx context.Context, msg OutgoingMessage) error {
	c.calls++
	if c.calls <= c.failures {
		return c.err
	}
	return nil
}

func TestWithRetry_RetriesTransientErrorUntilSuccess(t *testing.T) {
	cp := &countingProvider{
		failures: 2,
		err:      &Error{Kind: KindTransientNetwork, Op: "fetch_body", Err: context.DeadlineExceeded},
	}
	p := WithRetry(cp)

	body, err := p.FetchBody(context.Background(), "msg-1")
	if err != nil {
		t.Fatalf("FetchBody: %v", err)
	}
	if body == nil || body.TextBody != "ok" {
		t.Fatalf("body = %+v, want successful body after retries", body)
	}
	if cp.calls != 3 {
		t.Fatalf("calls = %d, want 3 (2 failures + 1 success)", cp.calls)
	}
}

func TestWithRetry_DoesNotRetryNonRetryableError(t *testing.T) {
	cp := &countingProvider{
		failures: 100,
		err:      &Error{Kind: KindPermanentProtocol, Op: "send", Err: context.DeadlineExceeded},
	}
	p := WithRetry(cp)

	err := p.Send(context.Background(), OutgoingMessage{To: []string{"a@example.com"}})
	if err == nil {
		t.Fatal("expected Send to fail immediately on a non-retryable error")
	}
	if cp.calls != 1 {
		t.Fatalf("calls = %d, want 1 (no retry attempted)", cp.calls)
	}
}

func TestWithRetry_PassesThroughCapabilityQueries(t *testing.T) {
	cp := &countingProvider{Provider: capabilityStub{keywords: true, idle: false}}
	p := WithRetry(cp)

	if !p.SupportsKeywords() {
		t.Fatal("SupportsKeywords() = false, want true")
	}
	if p.SupportsIdle() {
		t.Fatal("SupportsIdle() = true, want false")
	}
}

type capabilityStub struct {
	Provider
	keywords bool
	idle     bool
}

func (c capabilityStub) SupportsKeywords() bool { return c.keywords }
func (c capabilityStub) SupportsIdle() bool     { return c.idle }
