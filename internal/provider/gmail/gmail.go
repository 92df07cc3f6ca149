// Package gmail adapts the Gmail REST API into the provider.Provider
// capability set. Delta sync prefers the history API and falls back to
// a full message listing when the stored historyId has expired (Gmail
// returns 404 once history entries age out, typically after ~7 days).
package gmail

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/mail"
	"strconv"
	"strings"
	"time"

	googleapi "google.golang.org/api/googleapi"

	gmailapi "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
	"golang.org/x/oauth2"

	"github.com/kcalvelli/axios-ai-mail-sub001/internal/mailformat"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/provider"
)

// userID is the Gmail API's alias for the authenticated user.
const userID = "me"

// TokenSource supplies OAuth2 tokens for the account, refreshed from
// the credential file's stored refresh token by the caller.
type TokenSource = oauth2.TokenSource

// Provider implements provider.Provider over the Gmail REST API for
// one authenticated mailbox.
type Provider struct {
	logger      *slog.Logger
	tokenSource TokenSource
	fromAddress string
	labelPrefix string
	labelColors map[string]string

	svc         *gmailapi.Service
	labelCache  map[string]string // label name -> label ID, lazily populated
}

// New creates a Gmail provider. The service client is constructed
// lazily in Authenticate so that credential refresh failures surface
// through the same error path as other provider calls.
func New(ts TokenSource, fromAddress, labelPrefix string, labelColors map[string]string, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		tokenSource: ts,
		fromAddress: fromAddress,
		labelPrefix: labelPrefix,
		labelColors: labelColors,
		logger:      logger,
		labelCache:  make(map[string]string),
	}
}

// Authenticate constructs (or refreshes) the underlying Gmail service
// client from the OAuth2 token source.
func (p *Provider) Authenticate(ctx context.Context) error {
	svc, err := gmailapi.NewService(ctx, option.WithTokenSource(p.tokenSource))
	if err != nil {
		return &provider.Error{Kind: provider.KindAuthRequired, Op: "authenticate", Err: err}
	}
	p.svc = svc
	return nil
}

func classifyGoogleError(op string, err error) error {
	if err == nil {
		return nil
	}
	var gerr *googleapi.Error
	if ok := asGoogleAPIError(err, &gerr); ok {
		switch {
		case gerr.Code == 401:
			return &provider.Error{Kind: provider.KindAuthRequired, Op: op, Err: err}
		case gerr.Code == 429 || (gerr.Code == 403 && strings.Contains(gerr.Message, "Rate Limit")):
			return &provider.Error{Kind: provider.KindRateLimited, Op: op, Err: err}
		case gerr.Code == 404:
			return &provider.Error{Kind: provider.KindNotFound, Op: op, Err: err}
		case gerr.Code >= 500:
			return &provider.Error{Kind: provider.KindTransientNetwork, Op: op, Err: err}
		}
	}
	return &provider.Error{Kind: provider.KindTransientNetwork, Op: op, Err: err}
}

func asGoogleAPIError(err error, target **googleapi.Error) bool {
	if gerr, ok := err.(*googleapi.Error); ok {
		*target = gerr
		return true
	}
	return false
}

// ListFolders maps Gmail labels onto the Folder shape, using each
// label's Messages/MessagesUnread totals.
func (p *Provider) ListFolders(ctx context.Context) ([]provider.Folder, error) {
	resp, err := p.svc.Users.Labels.List(userID).Context(ctx).Do()
	if err != nil {
		return nil, classifyGoogleError("list_folders", err)
	}

	out := make([]provider.Folder, 0, len(resp.Labels))
	for _, l := range resp.Labels {
		p.labelCache[l.Name] = l.Id
		out = append(out, provider.Folder{
			Name:   l.Name,
			Total:  int(l.MessagesTotal),
			Unread: int(l.MessagesUnread),
		})
	}
	return out, nil
}

// FetchDelta uses Users.History.List when a cursor (historyId) is
// present; on a 404 (expired history) it falls back to a full
// Messages.List scan bounded by max, matching Gmail's documented
// degradation path for stale history IDs.
func (p *Provider) FetchDelta(ctx context.Context, cursor, folder string, max int) ([]provider.FetchedMessage, string, error) {
	if cursor == "" {
		return p.fetchByList(ctx, folder, max)
	}

	startID, err := strconv.ParseUint(cursor, 10, 64)
	if err != nil {
		return p.fetchByList(ctx, folder, max)
	}

	call := p.svc.Users.History.List(userID).StartHistoryId(startID).Context(ctx)
	if folder != "" {
		if labelID, ok := p.labelCache[folder]; ok {
			call = call.LabelId(labelID)
		}
	}
	resp, err := call.Do()
	if err != nil {
		if gerr, ok := err.(*googleapi.Error); ok && gerr.Code == 404 {
			p.logger.Info("history id expired, falling back to full list", "account_cursor", cursor)
			return p.fetchByList(ctx, folder, max)
		}
		return nil, cursor, classifyGoogleError("fetch_delta", err)
	}

	var out []provider.FetchedMessage
	for _, h := range resp.History {
		for _, added := range h.MessagesAdded {
			if len(out) >= max {
				break
			}
			fm, err := p.fetchMetadata(ctx, added.Message.Id)
			if err != nil {
				p.logger.Debug("skipping message in history", "id", added.Message.Id, "error", err)
				continue
			}
			out = append(out, *fm)
		}
	}

	nextCursor := cursor
	if resp.HistoryId > 0 {
		nextCursor = strconv.FormatUint(resp.HistoryId, 10)
	}
	return out, nextCursor, nil
}

func (p *Provider) fetchByList(ctx context.Context, folder string, max int) ([]provider.FetchedMessage, string, error) {
	call := p.svc.Users.Messages.List(userID).Q("-in:chats").Context(ctx)
	if folder != "" {
		if labelID, ok := p.labelCache[folder]; ok {
			call = call.LabelIds(labelID)
		}
	}
	if max > 0 {
		call = call.MaxResults(int64(max))
	}
	resp, err := call.Do()
	if err != nil {
		return nil, "", classifyGoogleError("fetch_delta", err)
	}

	out := make([]provider.FetchedMessage, 0, len(resp.Messages))
	for _, m := range resp.Messages {
		fm, err := p.fetchMetadata(ctx, m.Id)
		if err != nil {
			p.logger.Debug("skipping message", "id", m.Id, "error", err)
			continue
		}
		out = append(out, *fm)
	}

	// Advance the cursor to the current mailbox historyId so the next
	// cycle uses incremental history instead of another full scan.
	profile, err := p.svc.Users.GetProfile(userID).Context(ctx).Do()
	nextCursor := ""
	if err == nil {
		nextCursor = strconv.FormatUint(profile.HistoryId, 10)
	}
	return out, nextCursor, nil
}

func (p *Provider) fetchMetadata(ctx context.Context, id string) (*provider.FetchedMessage, error) {
	msg, err := p.svc.Users.Messages.Get(userID, id).Format("metadata").Context(ctx).Do()
	if err != nil {
		return nil, classifyGoogleError("fetch_metadata", err)
	}

	fm := &provider.FetchedMessage{
		ProviderID: msg.Id,
		ThreadID:   msg.ThreadId,
		Snippet:    msg.Snippet,
	}
	for _, h := range msg.Payload.Headers {
		switch h.Name {
		case "From":
			fm.From = h.Value
		case "To":
			fm.To = strings.Split(h.Value, ",")
		case "Subject":
			fm.Subject = h.Value
		case "Date":
			if t, err := mail.ParseDate(h.Value); err == nil {
				fm.ReceivedAt = t.UTC().Format(time.RFC3339)
			}
		}
	}
	for _, labelID := range msg.LabelIds {
		if labelID == "UNREAD" {
			fm.IsRead = false
		}
		if labelID == "INBOX" {
			fm.Folder = "INBOX"
		}
	}
	if fm.Folder == "" && len(msg.LabelIds) > 0 {
		fm.Folder = msg.LabelIds[0]
	}
	fm.IsRead = !containsLabel(msg.LabelIds, "UNREAD")
	return fm, nil
}

func containsLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// FetchBody retrieves the full message and decodes its text/plain and
// text/html MIME parts.
func (p *Provider) FetchBody(ctx context.Context, providerID string) (*provider.MessageBody, error) {
	msg, err := p.svc.Users.Messages.Get(userID, providerID).Format("full").Context(ctx).Do()
	if err != nil {
		return nil, classifyGoogleError("fetch_body", err)
	}

	body := &provider.MessageBody{}
	var walk func(part *gmailapi.MessagePart)
	walk = func(part *gmailapi.MessagePart) {
		if part == nil {
			return
		}
		switch part.MimeType {
		case "text/plain":
			if body.TextBody == "" && part.Body != nil && part.Body.Data != "" {
				body.TextBody = decodeBase64URL(part.Body.Data)
			}
		case "text/html":
			if body.HTMLBody == "" && part.Body != nil && part.Body.Data != "" {
				body.HTMLBody = decodeBase64URL(part.Body.Data)
			}
		}
		for _, sub := range part.Parts {
			walk(sub)
		}
	}
	walk(msg.Payload)
	return body, nil
}

func decodeBase64URL(s string) string {
	data, err := base64.URLEncoding.WithPadding(base64.NoPadding).DecodeString(s)
	if err != nil {
		return ""
	}
	return string(data)
}

// SetFlags mirrors flag changes onto Gmail's UNREAD system label.
func (p *Provider) SetFlags(ctx context.Context, providerID string, add, remove provider.FlagSet) error {
	req := &gmailapi.ModifyMessageRequest{}
	if add.Unread || remove.Seen {
		req.AddLabelIds = append(req.AddLabelIds, "UNREAD")
	}
	if add.Seen || remove.Unread {
		req.RemoveLabelIds = append(req.RemoveLabelIds, "UNREAD")
	}
	if len(req.AddLabelIds) == 0 && len(req.RemoveLabelIds) == 0 {
		return nil
	}
	_, err := p.svc.Users.Messages.Modify(userID, providerID, req).Context(ctx).Do()
	return classifyGoogleError("set_flags", err)
}

// Move applies label changes: remove the `from` label when it is a
// known label (system labels such as INBOX included), add the `to`
// label, lazily creating it if it doesn't yet exist. Trash uses Gmail's dedicated Trash/
// Untrash endpoints rather than label juggling.
func (p *Provider) Move(ctx context.Context, providerID, from, to string) error {
	if to == "TRASH" || to == "trash" {
		_, err := p.svc.Users.Messages.Trash(userID, providerID).Context(ctx).Do()
		return classifyGoogleError("move", err)
	}
	if from == "TRASH" || from == "trash" {
		_, err := p.svc.Users.Messages.Untrash(userID, providerID).Context(ctx).Do()
		return classifyGoogleError("move", err)
	}

	toID, err := p.ensureLabel(ctx, to)
	if err != nil {
		return err
	}

	req := &gmailapi.ModifyMessageRequest{AddLabelIds: []string{toID}}
	if fromID, ok := p.labelCache[from]; ok {
		req.RemoveLabelIds = []string{fromID}
	}
	_, err = p.svc.Users.Messages.Modify(userID, providerID, req).Context(ctx).Do()
	return classifyGoogleError("move", err)
}

// ApplyLabel adds label to the message without removing any existing
// label, creating it on first use via ensureLabel.
func (p *Provider) ApplyLabel(ctx context.Context, providerID, label string) error {
	labelID, err := p.ensureLabel(ctx, label)
	if err != nil {
		return err
	}
	_, err = p.svc.Users.Messages.Modify(userID, providerID, &gmailapi.ModifyMessageRequest{
		AddLabelIds: []string{labelID},
	}).Context(ctx).Do()
	return classifyGoogleError("apply_label", err)
}

// ensureLabel returns the label ID for name, creating it (with the
// account's configured color, if any) if it doesn't already exist.
func (p *Provider) ensureLabel(ctx context.Context, name string) (string, error) {
	if id, ok := p.labelCache[name]; ok {
		return id, nil
	}

	labelName := name
	if p.labelPrefix != "" && !strings.HasPrefix(name, p.labelPrefix+"/") {
		labelName = p.labelPrefix + "/" + name
	}

	label := &gmailapi.Label{
		Name:                  labelName,
		LabelListVisibility:   "labelShow",
		MessageListVisibility: "show",
	}
	if color, ok := p.labelColors[name]; ok {
		label.Color = &gmailapi.LabelColor{BackgroundColor: color, TextColor: "#000000"}
	}

	created, err := p.svc.Users.Labels.Create(userID, label).Context(ctx).Do()
	if err != nil {
		return "", classifyGoogleError("ensure_label", err)
	}
	p.labelCache[name] = created.Id
	return created.Id, nil
}

// PermanentDelete removes the message irrecoverably via Messages.Delete.
func (p *Provider) PermanentDelete(ctx context.Context, providerID string) error {
	err := p.svc.Users.Messages.Delete(userID, providerID).Context(ctx).Do()
	return classifyGoogleError("permanent_delete", err)
}

// Send base64url-encodes a composed RFC 5322 message and delivers it
// via Messages.Send.
func (p *Provider) Send(ctx context.Context, msg provider.OutgoingMessage) error {
	raw, err := mailformat.Compose(mailformat.Message{
		From: p.fromAddress, To: msg.To, Cc: msg.Cc, Subject: msg.Subject, Body: msg.Body,
	})
	if err != nil {
		return &provider.Error{Kind: provider.KindPermanentProtocol, Op: "send", Err: err}
	}

	gmsg := &gmailapi.Message{
		Raw: base64.URLEncoding.WithPadding(base64.NoPadding).EncodeToString(raw),
	}
	_, err = p.svc.Users.Messages.Send(userID, gmsg).Context(ctx).Do()
	return classifyGoogleError("send", err)
}

// SupportsKeywords is true: Gmail labels can represent any classifier
// tag the taxonomy produces.
func (p *Provider) SupportsKeywords() bool { return true }

// SupportsIdle is false: Gmail has no IMAP-style IDLE; the sync engine
// relies on polling plus history IDs.
func (p *Provider) SupportsIdle() bool { return false }
