// Package syncengine orchestrates the per-account sync cycle: drain
// queued mutations, fetch new messages, classify the unclassified
// ones, reconcile provider labels, and publish progress events. One
// long-lived goroutine runs per configured account, coalescing
// concurrent triggers into a single rerun.
package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kcalvelli/axios-ai-mail-sub001/internal/classifier"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/config"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/events"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/feedback"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/health"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/pendingops"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/provider"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/store"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/taxonomy"
)

// cycleTimeout bounds a single account's full sync cycle; past this the
// cycle aborts and publishes sync_completed with an error.
const cycleTimeout = 10 * time.Minute

// providerCallTimeout bounds each individual provider fetch/modify call.
const providerCallTimeout = 60 * time.Second

// ioConcurrency bounds how many provider calls run at once across all
// accounts, sharing one pool rather than giving each account its own.
const ioConcurrency = 4

// account bundles everything the engine needs to run one account's
// sync cycle.
type account struct {
	cfg         config.AccountConfig
	provider    provider.Provider
	taxonomy    []taxonomy.Tag
	model       string
	temperature float64

	trigger chan struct{}
	rerun   atomic.Bool
	running atomic.Bool
}

// Engine orchestrates sync cycles for a set of configured accounts.
type Engine struct {
	store      *store.Store
	feedback   *feedback.Store
	pending    *pendingops.Queue
	classifier *classifier.Classifier
	health     *health.Tracker
	bus        *events.Bus
	logger     *slog.Logger

	maxMessagesPerSync int
	ioSem              chan struct{}

	mu       sync.RWMutex
	accounts map[string]*account

	wg     sync.WaitGroup
	stopCh chan struct{}
}

// New creates an Engine with no accounts. Each account's provider is
// supplied pre-constructed through RegisterAccount, since its
// construction depends on credential loading, which is the caller's
// responsibility.
func New(
	st *store.Store,
	fb *feedback.Store,
	pq *pendingops.Queue,
	cls *classifier.Classifier,
	ht *health.Tracker,
	bus *events.Bus,
	logger *slog.Logger,
	maxMessagesPerSync int,
) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if maxMessagesPerSync <= 0 {
		maxMessagesPerSync = 100
	}
	return &Engine{
		store:              st,
		feedback:           fb,
		pending:            pq,
		classifier:         cls,
		health:             ht,
		bus:                bus,
		logger:             logger,
		maxMessagesPerSync: maxMessagesPerSync,
		ioSem:              make(chan struct{}, ioConcurrency),
		accounts:           make(map[string]*account),
		stopCh:             make(chan struct{}),
	}
}

// RegisterAccount wires an account's provider and effective taxonomy
// into the engine and starts its long-lived sync goroutine. Call once
// per account before Trigger can be used.
func (e *Engine) RegisterAccount(cfg config.AccountConfig, p provider.Provider, tax []taxonomy.Tag, model string, temperature float64) {
	a := &account{cfg: cfg, provider: p, taxonomy: tax, model: model, temperature: temperature, trigger: make(chan struct{}, 1)}

	e.mu.Lock()
	e.accounts[cfg.ID] = a
	e.mu.Unlock()

	e.wg.Add(1)
	go e.accountLoop(a)
}

// Trigger requests a sync cycle for accountID. Non-blocking: a trigger
// arriving while one is already queued is dropped (coalescing); a
// trigger arriving mid-cycle sets a rerun flag that starts exactly one
// more cycle once the current one finishes.
func (e *Engine) Trigger(accountID string) {
	e.mu.RLock()
	a, ok := e.accounts[accountID]
	e.mu.RUnlock()
	if !ok {
		return
	}

	if a.running.Load() {
		a.rerun.Store(true)
		return
	}
	select {
	case a.trigger <- struct{}{}:
	default:
	}
}

// TriggerAll requests a sync cycle for every registered account.
func (e *Engine) TriggerAll() {
	e.mu.RLock()
	ids := make([]string, 0, len(e.accounts))
	for id := range e.accounts {
		ids = append(ids, id)
	}
	e.mu.RUnlock()
	for _, id := range ids {
		e.Trigger(id)
	}
}

// Stop signals every account goroutine to exit and waits for them.
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

func (e *Engine) accountLoop(a *account) {
	defer e.wg.Done()
	for {
		select {
		case <-e.stopCh:
			return
		case <-a.trigger:
			a.running.Store(true)
			e.runCycle(a)
			a.running.Store(false)
			if a.rerun.CompareAndSwap(true, false) {
				select {
				case a.trigger <- struct{}{}:
				default:
				}
			}
		}
	}
}

// Apply implements pendingops.ProviderCaller, translating a drained
// pending operation into the matching provider call and local store
// update.
func (e *Engine) Apply(ctx context.Context, accountID, messageID, op string) error {
	e.mu.RLock()
	a, ok := e.accounts[accountID]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown account %s", accountID)
	}

	msg, err := e.store.GetMessage(messageID)
	if err != nil {
		return fmt.Errorf("lookup message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()
	e.acquireIO()
	defer e.releaseIO()

	switch op {
	case "mark_read":
		if err := a.provider.SetFlags(ctx, msg.ProviderID, provider.FlagSet{Seen: true}, provider.FlagSet{}); err != nil {
			return err
		}
		read := true
		return e.store.UpdateMessage(messageID, &read, nil)
	case "mark_unread":
		if err := a.provider.SetFlags(ctx, msg.ProviderID, provider.FlagSet{}, provider.FlagSet{Seen: true}); err != nil {
			return err
		}
		read := false
		return e.store.UpdateMessage(messageID, &read, nil)
	case "trash":
		if err := a.provider.Move(ctx, msg.ProviderID, msg.Folder, "TRASH"); err != nil {
			return err
		}
		trashed := true
		return e.store.UpdateMessage(messageID, nil, &trashed)
	case "restore":
		if err := a.provider.Move(ctx, msg.ProviderID, "TRASH", msg.Folder); err != nil {
			return err
		}
		trashed := false
		return e.store.UpdateMessage(messageID, nil, &trashed)
	case "permanent_delete":
		if err := a.provider.PermanentDelete(ctx, msg.ProviderID); err != nil {
			return err
		}
		return e.store.DeleteMessage(messageID)
	default:
		return fmt.Errorf("unknown pending op %q", op)
	}
}

// accountFor returns the registered account by ID, or false if none is
// registered under that ID.
func (e *Engine) accountFor(accountID string) (*account, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	a, ok := e.accounts[accountID]
	return a, ok
}

// FetchBody retrieves a message's full text/HTML body on demand,
// bypassing the store (bodies are never persisted locally).
func (e *Engine) FetchBody(ctx context.Context, accountID, messageID string) (*provider.MessageBody, error) {
	a, ok := e.accountFor(accountID)
	if !ok {
		return nil, fmt.Errorf("unknown account %s", accountID)
	}
	msg, err := e.store.GetMessage(messageID)
	if err != nil {
		return nil, fmt.Errorf("lookup message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()
	e.acquireIO()
	defer e.releaseIO()

	return a.provider.FetchBody(ctx, msg.ProviderID)
}

// Send delivers an outgoing message through accountID's provider.
func (e *Engine) Send(ctx context.Context, accountID string, msg provider.OutgoingMessage) error {
	a, ok := e.accountFor(accountID)
	if !ok {
		return fmt.Errorf("unknown account %s", accountID)
	}

	ctx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()
	e.acquireIO()
	defer e.releaseIO()

	return a.provider.Send(ctx, msg)
}

// UpdateTags applies a user-supplied tag correction to messageID: it
// persists the new tags as that message's Classification, records a
// Feedback entry when the tags actually changed (so future
// classifications in the same domain/subject pattern learn from the
// correction), and — for providers that mirror tags as labels/keywords
// — reconciles the new label set immediately rather than waiting for
// the next sync cycle.
func (e *Engine) UpdateTags(ctx context.Context, accountID, messageID string, tags []string) error {
	a, ok := e.accountFor(accountID)
	if !ok {
		return fmt.Errorf("unknown account %s", accountID)
	}
	msg, err := e.store.GetMessage(messageID)
	if err != nil {
		return fmt.Errorf("lookup message: %w", err)
	}

	existing, err := e.store.GetClassification(messageID)
	var oldTags []string
	c := &store.Classification{
		MessageID:    messageID,
		Priority:     "normal",
		ClassifiedAt: time.Now().UTC(),
	}
	if err == nil && existing != nil {
		oldTags = existing.Tags
		c.Priority = existing.Priority
		c.ActionRequired = existing.ActionRequired
		c.CanArchive = existing.CanArchive
		c.Confidence = existing.Confidence
		c.Model = existing.Model
	}
	c.Tags = tags

	if err := e.store.UpsertClassification(c); err != nil {
		return fmt.Errorf("persist classification: %w", err)
	}

	if !sameTagSet(oldTags, tags) {
		if err := e.feedback.RecordCorrection(ctx, accountID, messageID, msg.From, msg.Subject, oldTags, tags); err != nil {
			e.logger.Warn("record tag correction failed", "account_id", accountID, "message_id", messageID, "error", err)
		}
	}

	if a.provider.SupportsKeywords() {
		e.reconcileLabels(ctx, a, messageID)
	}

	e.bus.Publish(events.Event{Timestamp: time.Now().UTC(), Source: events.SourceClassifier, Kind: events.KindMessageClassified,
		Data: map[string]any{"message_id": messageID, "account_id": accountID, "tags": tags}})
	return nil
}

func sameTagSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, t := range a {
		seen[t]++
	}
	for _, t := range b {
		seen[t]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}

func (e *Engine) acquireIO() { e.ioSem <- struct{}{} }
func (e *Engine) releaseIO() { <-e.ioSem }

// cycleCounts tallies the outcome of one sync cycle for the
// sync_completed event.
type cycleCounts struct {
	Fetched          int
	Classified       int
	ActionsProcessed int
	Errors           int
}

// runCycle executes the 9-step per-account orchestration. A single
// message's or step's failure is logged and counted without aborting
// the cycle (a failed upsert does not hold the cursor back). The
// exceptions are an authentication failure or a failed folder listing,
// which end the cycle early with the cursor unchanged, and the
// 10-minute cycle timeout.
func (e *Engine) runCycle(a *account) {
	ctx, cancel := context.WithTimeout(context.Background(), cycleTimeout)
	defer cancel()

	e.bus.Publish(events.Event{Timestamp: time.Now().UTC(), Source: events.SourceSync, Kind: events.KindSyncStarted,
		Data: map[string]any{"account_id": a.cfg.ID}})

	counts := cycleCounts{}
	e.classifier.ResetCycle()

	// Step 1: load account + cursor.
	acct, err := e.store.GetAccount(a.cfg.ID)
	if err != nil {
		acct = &store.Account{ID: a.cfg.ID, Provider: a.cfg.Provider, Email: a.cfg.Email}
		if upsertErr := e.store.UpsertAccount(acct); upsertErr != nil {
			e.logger.Error("failed to seed account row", "account_id", a.cfg.ID, "error", upsertErr)
		}
	}

	// Step 2: authenticate.
	authCtx, authCancel := context.WithTimeout(ctx, providerCallTimeout)
	err = a.provider.Authenticate(authCtx)
	authCancel()
	if err != nil {
		e.health.MarkDown(a.cfg.ID, err)
		counts.Errors++
		e.logger.Warn("authentication failed, skipping account", "account_id", a.cfg.ID, "error", err)
		e.publishCompleted(a.cfg.ID, counts)
		_ = e.store.UpdateCursor(a.cfg.ID, acct.Cursor, err)
		return
	}
	e.health.MarkReady(a.cfg.ID)

	// Step 3: drain pending ops.
	applied, failed, err := e.pending.Drain(ctx, a.cfg.ID, e)
	if err != nil {
		e.logger.Warn("drain failed", "account_id", a.cfg.ID, "error", err)
		counts.Errors++
	}
	counts.ActionsProcessed += applied
	if failed > 0 {
		e.publishFailedOps(ctx, a.cfg.ID)
	}

	// Step 4: fetch delta per folder.
	cursors := decodeCursors(acct.Cursor)
	folders, err := a.provider.ListFolders(ctx)
	if err != nil {
		e.logger.Warn("list folders failed", "account_id", a.cfg.ID, "error", err)
		counts.Errors++
		e.publishCompleted(a.cfg.ID, counts)
		return
	}

	var fetched []provider.FetchedMessage
	for _, f := range folders {
		fetchCtx, fetchCancel := context.WithTimeout(ctx, providerCallTimeout)
		msgs, nextCursor, err := a.provider.FetchDelta(fetchCtx, cursors[f.Name], f.Name, e.maxMessagesPerSync)
		fetchCancel()
		if err != nil {
			e.logger.Warn("fetch delta failed", "account_id", a.cfg.ID, "folder", f.Name, "error", err)
			counts.Errors++
			continue
		}
		cursors[f.Name] = nextCursor
		fetched = append(fetched, msgs...)
	}
	counts.Fetched = len(fetched)

	// Step 5: upsert, honoring the provider-wins/pending-wins policy.
	var upsertedIDs []string
	for _, fm := range fetched {
		storeID, err := e.upsertFetched(ctx, a.cfg.ID, fm)
		if err != nil {
			e.logger.Warn("upsert failed", "account_id", a.cfg.ID, "provider_id", fm.ProviderID, "error", err)
			counts.Errors++
			continue
		}
		upsertedIDs = append(upsertedIDs, storeID)
	}

	// Step 6: classify unclassified messages.
	for _, id := range upsertedIDs {
		if e.classifier.Paused() {
			e.logger.Warn("classifier paused after consecutive failures, deferring remaining messages", "account_id", a.cfg.ID)
			break
		}
		if _, err := e.store.GetClassification(id); err == nil {
			continue // already classified
		}
		if err := e.classifyMessage(ctx, a, id); err != nil {
			e.logger.Warn("classification failed", "account_id", a.cfg.ID, "message_id", id, "error", err)
			counts.Errors++
			continue
		}
		counts.Classified++
	}

	// Step 7: reconcile provider labels for newly classified messages.
	if a.provider.SupportsKeywords() {
		for _, id := range upsertedIDs {
			e.reconcileLabels(ctx, a, id)
		}
	}

	// Step 8: update cursor.
	if err := e.store.UpdateCursor(a.cfg.ID, encodeCursors(cursors), nil); err != nil {
		e.logger.Error("failed to update cursor", "account_id", a.cfg.ID, "error", err)
		counts.Errors++
	}

	// Step 9: publish.
	e.publishCompleted(a.cfg.ID, counts)
}

func (e *Engine) upsertFetched(ctx context.Context, accountID string, fm provider.FetchedMessage) (string, error) {
	existing, lookupErr := e.store.GetMessageByProviderID(accountID, fm.ProviderID)

	isRead := fm.IsRead
	folder := fm.Folder
	if lookupErr == nil && existing != nil {
		hasPending, err := e.pending.HasPending(ctx, accountID, existing.ID)
		if err == nil && hasPending {
			// Pending-wins: keep the locally intended state rather than
			// adopting the provider's (possibly stale) observation.
			isRead = existing.IsRead
			folder = existing.Folder
		}
	}

	receivedAt, _ := time.Parse(time.RFC3339, fm.ReceivedAt)
	m := &store.Message{
		AccountID:  accountID,
		ProviderID: fm.ProviderID,
		ThreadID:   fm.ThreadID,
		Folder:     folder,
		From:       fm.From,
		To:         fm.To,
		Subject:    fm.Subject,
		Snippet:    fm.Snippet,
		ReceivedAt: receivedAt,
		IsRead:     isRead,
	}
	return e.store.UpsertMessage(m)
}

func (e *Engine) classifyMessage(ctx context.Context, a *account, messageID string) error {
	msg, err := e.store.GetMessage(messageID)
	if err != nil {
		return fmt.Errorf("lookup message: %w", err)
	}

	domain := senderDomain(msg.From)
	examples, err := e.feedback.SelectExamples(ctx, a.cfg.ID, domain, 5)
	if err != nil {
		e.logger.Debug("select examples failed, proceeding without", "error", err)
	}

	body := ""
	if b, err := a.provider.FetchBody(ctx, msg.ProviderID); err == nil && b != nil {
		body = b.TextBody
	}

	verdict := e.classifier.Classify(ctx, classifier.Input{
		Subject:     msg.Subject,
		Sender:      msg.From,
		Recipients:  msg.To,
		ReceivedAt:  msg.ReceivedAt,
		Snippet:     msg.Snippet,
		Body:        body,
		Taxonomy:    a.taxonomy,
		Examples:    examples,
		Model:       a.model,
		Temperature: a.temperature,
	})

	c := &store.Classification{
		MessageID:      messageID,
		Tags:           verdict.Tags,
		Priority:       verdict.Priority,
		ActionRequired: verdict.ActionRequired,
		CanArchive:     verdict.CanArchive,
		Confidence:     verdict.Confidence,
		ClassifiedAt:   time.Now().UTC(),
	}
	if err := e.store.UpsertClassification(c); err != nil {
		return fmt.Errorf("persist classification: %w", err)
	}

	e.bus.Publish(events.Event{Timestamp: time.Now().UTC(), Source: events.SourceClassifier, Kind: events.KindMessageClassified,
		Data: map[string]any{"message_id": messageID, "account_id": a.cfg.ID, "tags": verdict.Tags}})
	return nil
}

// reconcileLabels pushes the classifier's tag set to the provider as
// labels/keywords, adding any desired label not already present. It
// never removes labels it didn't add; the provider's own non-AI labels
// are left untouched.
func (e *Engine) reconcileLabels(ctx context.Context, a *account, messageID string) {
	c, err := e.store.GetClassification(messageID)
	if err != nil || len(c.Tags) == 0 {
		return
	}
	msg, err := e.store.GetMessage(messageID)
	if err != nil {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, providerCallTimeout)
	defer cancel()
	e.acquireIO()
	defer e.releaseIO()

	for _, tag := range c.Tags {
		label := labelPrefix(a.cfg) + "/" + tag
		if err := a.provider.ApplyLabel(callCtx, msg.ProviderID, label); err != nil {
			e.logger.Debug("label reconcile failed", "account_id", a.cfg.ID, "message_id", messageID, "label", label, "error", err)
		}
	}
}

func labelPrefix(cfg config.AccountConfig) string {
	if cfg.Labels.Prefix != "" {
		return cfg.Labels.Prefix
	}
	return "AI"
}

func (e *Engine) publishCompleted(accountID string, c cycleCounts) {
	e.bus.Publish(events.Event{
		Timestamp: time.Now().UTC(),
		Source:    events.SourceSync,
		Kind:      events.KindSyncCompleted,
		Data: map[string]any{
			"account_id":        accountID,
			"fetched":           c.Fetched,
			"classified":        c.Classified,
			"actions_processed": c.ActionsProcessed,
			"errors":            c.Errors,
		},
	})
}

func (e *Engine) publishFailedOps(ctx context.Context, accountID string) {
	rows, err := e.pending.FailedRows(ctx, accountID)
	if err != nil {
		return
	}
	for _, r := range rows {
		e.bus.Publish(events.Event{
			Timestamp: time.Now().UTC(),
			Source:    events.SourcePendingOps,
			Kind:      events.KindPendingFailed,
			Data: map[string]any{
				"operation_id": r.ID, "account_id": accountID, "message_id": r.MessageID,
				"op": r.Op, "error": r.LastError,
			},
		})
	}
}

func decodeCursors(raw string) map[string]string {
	if raw == "" {
		return make(map[string]string)
	}
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		// Legacy/Gmail form: a single opaque cursor not scoped to a
		// folder. Gmail's FetchDelta ignores the folder argument for
		// cursor purposes, so storing it under "" works for both.
		return map[string]string{"": raw}
	}
	return m
}

func encodeCursors(m map[string]string) string {
	b, err := json.Marshal(m)
	if err != nil {
		return ""
	}
	return string(b)
}

func senderDomain(sender string) string {
	at := -1
	for i := len(sender) - 1; i >= 0; i-- {
		if sender[i] == '@' {
			at = i
			break
		}
	}
	if at < 0 || at == len(sender)-1 {
		return ""
	}
	host := sender[at+1:]
	if n := len(host); n > 0 && host[n-1] == '>' {
		host = host[:n-1]
	}
	return host
}
