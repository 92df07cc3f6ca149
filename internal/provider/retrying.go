package provider

import (
	"context"

	"github.com/kcalvelli/axios-ai-mail-sub001/internal/retry"
)

// retrying wraps a Provider so every operation that can fail with a
// transient error is retried on retry.Schedule before the sync engine
// ever sees it, centralizing what would otherwise be an ad-hoc retry
// loop duplicated across the Gmail and IMAP adapters.
type retrying struct {
	Provider
}

// WithRetry decorates p so its error-returning methods retry transient
// failures (provider.Error.Retryable() == true) on retry.Schedule.
// SupportsKeywords and SupportsIdle pass straight through since they
// never return an error.
func WithRetry(p Provider) Provider {
	return &retrying{Provider: p}
}

func (r *retrying) Authenticate(ctx context.Context) error {
	return retry.Do(ctx, func() error { return r.Provider.Authenticate(ctx) })
}

func (r *retrying) ListFolders(ctx context.Context) ([]Folder, error) {
	var folders []Folder
	err := retry.Do(ctx, func() error {
		var err error
		folders, err = r.Provider.ListFolders(ctx)
		return err
	})
	return folders, err
}

func (r *retrying) FetchDelta(ctx context.Context, cursor, folder string, max int) ([]FetchedMessage, string, error) {
	var messages []FetchedMessage
	var nextCursor string
	err := retry.Do(ctx, func() error {
		var err error
		messages, nextCursor, err = r.Provider.FetchDelta(ctx, cursor, folder, max)
		return err
	})
	return messages, nextCursor, err
}

func (r *retrying) FetchBody(ctx context.Context, providerID string) (*MessageBody, error) {
	var body *MessageBody
	err := retry.Do(ctx, func() error {
		var err error
		body, err = r.Provider.FetchBody(ctx, providerID)
		return err
	})
	return body, err
}

func (r *retrying) SetFlags(ctx context.Context, providerID string, add, remove FlagSet) error {
	return retry.Do(ctx, func() error { return r.Provider.SetFlags(ctx, providerID, add, remove) })
}

func (r *retrying) Move(ctx context.Context, providerID, from, to string) error {
	return retry.Do(ctx, func() error { return r.Provider.Move(ctx, providerID, from, to) })
}

func (r *retrying) ApplyLabel(ctx context.Context, providerID, label string) error {
	return retry.Do(ctx, func() error { return r.Provider.ApplyLabel(ctx, providerID, label) })
}

func (r *retrying) PermanentDelete(ctx context.Context, providerID string) error {
	return retry.Do(ctx, func() error { return r.Provider.PermanentDelete(ctx, providerID) })
}

func (r *retrying) Send(ctx context.Context, msg OutgoingMessage) error {
	return retry.Do(ctx, func() error { return r.Provider.Send(ctx, msg) })
}
