// Package classifier turns a synced message into a Classification via a
// local LLM endpoint, using a configured taxonomy and few-shot examples
// drawn from the feedback store.
package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/kcalvelli/axios-ai-mail-sub001/internal/feedback"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/llm"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/taxonomy"
)

// chatTimeout is the hard per-call budget for a classification request.
const chatTimeout = 30 * time.Second

// maxConsecutiveFailures pauses classification for the remainder of a
// sync cycle once reached, so a struggling LLM endpoint never blocks
// the fetch/upsert steps.
const maxConsecutiveFailures = 3

// maxBodyChars bounds how much of a message body is included in the
// classification prompt.
const maxBodyChars = 3000

// maxTags caps the normalized tag set returned to the caller.
const maxTags = 3

// defaultConfidence is used when the model omits a confidence value.
const defaultConfidence = 0.8

// Input is everything the classifier needs about one message, plus the
// taxonomy and few-shot examples to ground it against.
type Input struct {
	Subject     string
	Sender      string
	Recipients  []string
	ReceivedAt  time.Time
	Snippet     string
	Body        string // optional; truncated to maxBodyChars
	Taxonomy    []taxonomy.Tag
	Examples    []feedback.Example
	Model       string
	Temperature float64
}

// Verdict is the classifier's structured output, ready to persist as a
// store.Classification by the caller.
type Verdict struct {
	Tags           []string
	Priority       string
	ActionRequired bool
	CanArchive     bool
	Confidence     float64
}

// Classifier wraps an llm.Client and tracks consecutive failures so a
// sync cycle can pause classification after too many in a row.
type Classifier struct {
	client llm.Client
	logger *slog.Logger

	consecutiveFailures int
}

// New creates a Classifier over client.
func New(client llm.Client, logger *slog.Logger) *Classifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Classifier{client: client, logger: logger}
}

// Paused reports whether the classifier has seen maxConsecutiveFailures
// failures in a row and should be skipped for the remainder of a cycle.
func (c *Classifier) Paused() bool {
	return c.consecutiveFailures >= maxConsecutiveFailures
}

// ResetCycle clears the consecutive-failure counter; called once at the
// start of each account's sync cycle.
func (c *Classifier) ResetCycle() {
	c.consecutiveFailures = 0
}

// verdictJSON is the strict wire schema the model is asked to emit.
type verdictJSON struct {
	Tags           []string `json:"tags"`
	Priority       string   `json:"priority"`
	ActionRequired bool     `json:"action_required"`
	CanArchive     bool     `json:"can_archive"`
	Confidence     *float64 `json:"confidence"`
}

// Classify builds a prompt from in, invokes the LLM once (retrying
// once on invalid JSON), normalizes the tag set against the taxonomy,
// and returns a Verdict. A single failure never returns an error to the
// caller: on exhausted retries it returns an empty-tags, zero-confidence
// Verdict so the message stays eligible for reclassification, and the
// failure is logged and counted toward Paused.
func (c *Classifier) Classify(ctx context.Context, in Input) Verdict {
	ctx, cancel := context.WithTimeout(ctx, chatTimeout)
	defer cancel()

	names := taxonomy.Names(in.Taxonomy)

	messages := buildPrompt(in, false)
	v, err := c.invoke(ctx, in, messages)
	if err != nil {
		c.logger.Warn("classification invalid, retrying with tightened instruction", "error", err)
		messages = buildPrompt(in, true)
		v, err = c.invoke(ctx, in, messages)
	}
	if err != nil {
		c.consecutiveFailures++
		c.logger.Warn("classification failed after retry", "error", err, "consecutive_failures", c.consecutiveFailures)
		return Verdict{Tags: nil, Priority: "normal", Confidence: 0.0}
	}

	c.consecutiveFailures = 0
	return normalize(v, names)
}

func (c *Classifier) invoke(ctx context.Context, in Input, messages []llm.Message) (*verdictJSON, error) {
	resp, err := c.client.Chat(ctx, in.Model, messages, "json", in.Temperature)
	if err != nil {
		return nil, fmt.Errorf("chat request: %w", err)
	}

	var v verdictJSON
	if err := json.Unmarshal([]byte(resp.Message.Content), &v); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if v.Priority != "" && v.Priority != "normal" && v.Priority != "high" {
		return nil, fmt.Errorf("invalid priority %q", v.Priority)
	}
	return &v, nil
}

func normalize(v *verdictJSON, taxonomyNames map[string]bool) Verdict {
	confidence := defaultConfidence
	if v.Confidence != nil {
		confidence = *v.Confidence
	}

	priority := v.Priority
	if priority == "" {
		priority = "normal"
	}

	seen := make(map[string]bool, len(v.Tags))
	var tags []string
	for _, raw := range v.Tags {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" || seen[name] {
			continue
		}
		if !taxonomyNames[name] {
			continue
		}
		seen[name] = true
		tags = append(tags, name)
		if len(tags) >= maxTags {
			break
		}
	}
	sort.Strings(tags)

	return Verdict{
		Tags:           tags,
		Priority:       priority,
		ActionRequired: v.ActionRequired,
		CanArchive:     v.CanArchive,
		Confidence:     confidence,
	}
}

func buildPrompt(in Input, tightened bool) []llm.Message {
	var sb strings.Builder

	sb.WriteString("You are an email classification assistant. Classify the email below ")
	sb.WriteString("using only tags from the provided taxonomy. Respond with a single JSON ")
	sb.WriteString("object matching the schema exactly, with no surrounding text.\n\n")
	if tightened {
		sb.WriteString("Your previous response was not valid JSON or did not match the schema. ")
		sb.WriteString("Respond with ONLY the JSON object, no markdown fences, no commentary.\n\n")
	}

	sb.WriteString("Taxonomy:\n")
	for _, t := range in.Taxonomy {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
	}
	sb.WriteString("\n")

	if len(in.Examples) > 0 {
		sb.WriteString("User Preference History:\n")
		for _, ex := range in.Examples {
			fmt.Fprintf(&sb, "- %s / %s / AI proposed: %s / User corrected to: %s\n",
				ex.Domain, ex.Pattern, formatTagList(ex.OldTags), formatTagList(ex.NewTags))
		}
		sb.WriteString("\n")
	}

	sb.WriteString("Email:\n")
	fmt.Fprintf(&sb, "From: %s\n", in.Sender)
	fmt.Fprintf(&sb, "To: %s\n", strings.Join(in.Recipients, ", "))
	fmt.Fprintf(&sb, "Subject: %s\n", in.Subject)
	fmt.Fprintf(&sb, "Received: %s\n", in.ReceivedAt.UTC().Format(time.RFC3339))
	if in.Snippet != "" {
		fmt.Fprintf(&sb, "Snippet: %s\n", in.Snippet)
	}
	if body := truncate(in.Body, maxBodyChars); body != "" {
		fmt.Fprintf(&sb, "Body:\n%s\n", body)
	}
	sb.WriteString("\n")

	sb.WriteString(`Respond with JSON: {"tags": [string], "priority": "normal"|"high", ` +
		`"action_required": bool, "can_archive": bool, "confidence": number}`)

	return []llm.Message{{Role: "user", Content: sb.String()}}
}

func formatTagList(tags []string) string {
	if len(tags) == 0 {
		return "[]"
	}
	return "[" + strings.Join(tags, ", ") + "]"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}

// ErrPaused names the paused state for callers that check Paused before
// invoking Classify. Nothing in this module returns it; the sync engine
// checks Paused and stops classifying for the rest of the cycle.
var ErrPaused = errors.New("classifier paused for remainder of cycle")
