// Package imap adapts the IMAP/SMTP protocol pair into the
// provider.Provider capability set for generic (non-Gmail) mailboxes.
// Connection handling, MOVE-with-fallback, and MIME parsing are
// adapted from the account-management layer this module started from.
package imap

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"

	"github.com/kcalvelli/axios-ai-mail-sub001/internal/provider"
)

// maxBodySize bounds how much of a message body FetchBody returns.
const maxBodySize = 32 * 1024

// maxRawMessageSize bounds how many literal bytes are buffered while
// parsing a fetched message; larger messages are truncated.
const maxRawMessageSize = 5 * 1024 * 1024

// Config holds the connection and credential details for one IMAP/SMTP
// account. Username/Password are read from the account's credential
// file by the caller, not stored in YAML configuration.
type Config struct {
	Host     string
	Port     int
	TLS      bool
	Username string
	Password string

	SMTPHost string
	SMTPPort int
	SMTPTLS  bool
	From     string
}

// Provider implements provider.Provider over a single IMAP/SMTP
// mailbox. A mutex serializes IMAP command sequences, matching the
// protocol's single-pipeline-per-connection constraint.
type Provider struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	client     *imapclient.Client
	moveCaps   bool // whether the server advertises the MOVE extension
	capsProbed bool
}

// New creates an IMAP/SMTP provider. The connection is established
// lazily on first use by Authenticate or any operation.
func New(cfg Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{cfg: cfg, logger: logger}
}

// Authenticate establishes the IMAP connection, logging in with the
// configured credentials. Safe to call repeatedly; reconnects only if
// the existing connection is stale.
func (p *Provider) Authenticate(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ensureConnectedLocked()
}

func (p *Provider) ensureConnectedLocked() error {
	if p.client != nil {
		if err := p.client.Noop().Wait(); err == nil {
			return nil
		}
		p.logger.Debug("IMAP connection stale, reconnecting", "host", p.cfg.Host)
		_ = p.client.Close()
		p.client = nil
	}

	addr := net.JoinHostPort(p.cfg.Host, strconv.Itoa(p.cfg.Port))

	var opts imapclient.Options
	if p.cfg.TLS {
		opts.TLSConfig = &tls.Config{ServerName: p.cfg.Host}
	}

	var client *imapclient.Client
	var err error
	if p.cfg.TLS {
		client, err = imapclient.DialTLS(addr, &opts)
	} else {
		client, err = imapclient.DialInsecure(addr, &opts)
	}
	if err != nil {
		return &provider.Error{Kind: provider.KindTransientNetwork, Op: "authenticate", Err: fmt.Errorf("dial %s: %w", addr, err)}
	}

	if err := client.Login(p.cfg.Username, p.cfg.Password).Wait(); err != nil {
		_ = client.Close()
		return &provider.Error{Kind: provider.KindAuthRequired, Op: "authenticate", Err: err}
	}

	p.client = client
	p.capsProbed = false
	p.logger.Info("IMAP connected", "host", p.cfg.Host, "user", p.cfg.Username)
	return nil
}

func (p *Provider) probeCapsLocked() {
	if p.capsProbed {
		return
	}
	p.capsProbed = true
	caps, err := p.client.Capability().Wait()
	if err != nil {
		p.logger.Debug("capability probe failed", "error", err)
		return
	}
	_, p.moveCaps = caps[imap.CapMove]
}

func (p *Provider) selectFolderLocked(folder string) error {
	if folder == "" {
		folder = "INBOX"
	}
	if _, err := p.client.Select(folder, nil).Wait(); err != nil {
		return &provider.Error{Kind: provider.KindNotFound, Op: "select", Err: fmt.Errorf("select %s: %w", folder, err)}
	}
	return nil
}

// ListFolders returns every selectable mailbox with its message/unseen counts.
func (p *Provider) ListFolders(ctx context.Context) ([]provider.Folder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureConnectedLocked(); err != nil {
		return nil, err
	}

	mailboxes, err := p.client.List("", "*", nil).Collect()
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindTransientNetwork, Op: "list_folders", Err: err}
	}

	var out []provider.Folder
	for _, mbox := range mailboxes {
		noSelect := false
		for _, attr := range mbox.Attrs {
			if attr == imap.MailboxAttrNoSelect {
				noSelect = true
			}
		}
		if noSelect {
			continue
		}

		f := provider.Folder{Name: mbox.Mailbox}
		statusData, err := p.client.Status(mbox.Mailbox, &imap.StatusOptions{NumMessages: true, NumUnseen: true}).Wait()
		if err == nil {
			if statusData.NumMessages != nil {
				f.Total = int(*statusData.NumMessages)
			}
			if statusData.NumUnseen != nil {
				f.Unread = int(*statusData.NumUnseen)
			}
		}
		out = append(out, f)
	}
	return out, nil
}

// FetchDelta lists messages in folder with UID greater than the cursor
// (an IMAP UID encoded as a decimal string), up to max results. The
// returned cursor is the highest UID seen.
func (p *Provider) FetchDelta(ctx context.Context, cursor, folder string, max int) ([]provider.FetchedMessage, string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureConnectedLocked(); err != nil {
		return nil, cursor, err
	}
	if folder == "" {
		folder = "INBOX"
	}
	if err := p.selectFolderLocked(folder); err != nil {
		return nil, cursor, err
	}

	criteria := &imap.SearchCriteria{}
	var sinceUID uint32
	if cursor != "" {
		if v, err := strconv.ParseUint(cursor, 10, 32); err == nil {
			sinceUID = uint32(v)
		}
	}
	if sinceUID > 0 {
		criteria.UID = []imap.UIDSet{{imap.UIDRange{Start: imap.UID(sinceUID + 1), Stop: 0}}}
	}

	searchData, err := p.client.UIDSearch(criteria, nil).Wait()
	if err != nil {
		return nil, cursor, &provider.Error{Kind: provider.KindTransientNetwork, Op: "fetch_delta", Err: err}
	}

	uids := searchData.AllUIDs()
	if len(uids) == 0 {
		return nil, cursor, nil
	}
	if max > 0 && len(uids) > max {
		uids = uids[:max]
	}

	uidSet := imap.UIDSet{}
	for _, uid := range uids {
		uidSet.AddNum(uid)
	}

	fetchCmd := p.client.Fetch(uidSet, &imap.FetchOptions{UID: true, Envelope: true, Flags: true, RFC822Size: true})

	var out []provider.FetchedMessage
	var maxUID uint32
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		fm, uid, err := parseFetchedMessage(msg, folder)
		if err != nil {
			p.logger.Debug("skipping message", "error", err)
			continue
		}
		out = append(out, fm)
		if uint32(uid) > maxUID {
			maxUID = uint32(uid)
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, cursor, &provider.Error{Kind: provider.KindTransientNetwork, Op: "fetch_delta", Err: err}
	}

	nextCursor := cursor
	if maxUID > 0 {
		nextCursor = strconv.FormatUint(uint64(maxUID), 10)
	}
	return out, nextCursor, nil
}

func parseFetchedMessage(msg *imapclient.FetchMessageData, folder string) (provider.FetchedMessage, imap.UID, error) {
	var fm provider.FetchedMessage
	var uid imap.UID
	var seen bool

	for {
		item := msg.Next()
		if item == nil {
			break
		}
		switch data := item.(type) {
		case imapclient.FetchItemDataUID:
			uid = data.UID
			fm.ProviderID = strconv.FormatUint(uint64(data.UID), 10)
		case imapclient.FetchItemDataFlags:
			for _, f := range data.Flags {
				if f == imap.FlagSeen {
					seen = true
				}
			}
		case imapclient.FetchItemDataEnvelope:
			if data.Envelope != nil {
				fm.Subject = data.Envelope.Subject
				fm.ReceivedAt = data.Envelope.Date.UTC().Format("2006-01-02T15:04:05Z07:00")
				if len(data.Envelope.From) > 0 {
					fm.From = formatAddress(data.Envelope.From[0])
				}
				for _, addr := range data.Envelope.To {
					fm.To = append(fm.To, formatAddress(addr))
				}
			}
		case imapclient.FetchItemDataBodySection:
			drainLiteral(data.Literal)
		}
	}

	fm.Folder = folder
	fm.IsRead = seen
	if fm.ProviderID == "" {
		return fm, 0, fmt.Errorf("message missing UID")
	}
	return fm, uid, nil
}

func formatAddress(addr imap.Address) string {
	email := addr.Addr()
	if addr.Name != "" {
		return fmt.Sprintf("%s <%s>", addr.Name, email)
	}
	return email
}

func drainLiteral(r imap.LiteralReader) {
	if r == nil {
		return
	}
	_, _ = io.Copy(io.Discard, r)
}

// FetchBody fetches and parses the full body of one message by its
// IMAP UID (passed as providerID). Only INBOX is searched, since most
// classification happens on newly-arrived inbox mail; a UID that lives
// in another folder is not found.
func (p *Provider) FetchBody(ctx context.Context, providerID string) (*provider.MessageBody, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureConnectedLocked(); err != nil {
		return nil, err
	}
	if err := p.selectFolderLocked("INBOX"); err != nil {
		return nil, err
	}

	uidVal, err := strconv.ParseUint(providerID, 10, 32)
	if err != nil {
		return nil, &provider.Error{Kind: provider.KindNotFound, Op: "fetch_body", Err: err}
	}
	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uidVal))

	fetchCmd := p.client.Fetch(uidSet, &imap.FetchOptions{
		UID:         true,
		BodySection: []*imap.FetchItemBodySection{{Peek: true}},
	})
	msg := fetchCmd.Next()
	if msg == nil {
		_ = fetchCmd.Close()
		return nil, &provider.Error{Kind: provider.KindNotFound, Op: "fetch_body", Err: fmt.Errorf("UID %s not found", providerID)}
	}

	var rawBody []byte
	for {
		item := msg.Next()
		if item == nil {
			break
		}
		if data, ok := item.(imapclient.FetchItemDataBodySection); ok && data.Literal != nil {
			rawBody, _ = io.ReadAll(io.LimitReader(data.Literal, maxRawMessageSize))
			_, _ = io.Copy(io.Discard, data.Literal)
		}
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, &provider.Error{Kind: provider.KindTransientNetwork, Op: "fetch_body", Err: err}
	}

	body := &provider.MessageBody{}
	if rawBody != nil {
		parseBody(body, bytes.NewReader(rawBody), p.logger)
	}
	return body, nil
}

// parseBody walks the MIME structure extracting text/plain and
// text/html parts. Charset-decoding warnings are logged, not fatal —
// a slightly garbled body is still useful for classification.
func parseBody(body *provider.MessageBody, r io.Reader, logger *slog.Logger) {
	mailReader, err := mail.CreateReader(r)
	if mailReader == nil {
		if err != nil {
			logger.Debug("create mail reader failed", "error", err)
		}
		return
	}

	for {
		part, err := mailReader.NextPart()
		if err == io.EOF {
			break
		}
		if part == nil {
			continue
		}
		if err != nil && !message.IsUnknownCharset(err) {
			logger.Debug("mime part error", "error", err)
			continue
		}

		inline, ok := part.Header.(*mail.InlineHeader)
		if !ok {
			continue
		}
		contentType, _, _ := inline.ContentType()

		switch {
		case contentType == "text/plain" && body.TextBody == "":
			body.TextBody = readTruncated(part.Body, logger)
		case contentType == "text/html" && body.HTMLBody == "":
			body.HTMLBody = readTruncated(part.Body, logger)
		}
	}
}

func readTruncated(r io.Reader, logger *slog.Logger) string {
	data, err := io.ReadAll(io.LimitReader(r, maxBodySize+1))
	if err != nil {
		logger.Debug("error reading mime part", "error", err)
		return ""
	}
	text := strings.TrimSpace(string(data))
	if len(data) > maxBodySize {
		text = text[:maxBodySize] + "\n\n[truncated]"
	}
	return text
}

// SetFlags adds and removes \Seen on the message identified by its UID.
func (p *Provider) SetFlags(ctx context.Context, providerID string, add, remove provider.FlagSet) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureConnectedLocked(); err != nil {
		return err
	}
	if err := p.selectFolderLocked("INBOX"); err != nil {
		return err
	}

	uidVal, err := strconv.ParseUint(providerID, 10, 32)
	if err != nil {
		return &provider.Error{Kind: provider.KindNotFound, Op: "set_flags", Err: err}
	}
	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uidVal))

	if add.Seen {
		if err := p.client.Store(uidSet, &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{imap.FlagSeen}}, nil).Close(); err != nil {
			return &provider.Error{Kind: provider.KindTransientNetwork, Op: "set_flags", Err: err}
		}
	}
	if remove.Seen {
		if err := p.client.Store(uidSet, &imap.StoreFlags{Op: imap.StoreFlagsDel, Silent: true, Flags: []imap.Flag{imap.FlagSeen}}, nil).Close(); err != nil {
			return &provider.Error{Kind: provider.KindTransientNetwork, Op: "set_flags", Err: err}
		}
	}
	return nil
}

// Move relocates a message between folders, using the MOVE extension
// when the server advertises it and falling back to COPY + STORE
// \Deleted + EXPUNGE otherwise.
func (p *Provider) Move(ctx context.Context, providerID, from, to string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureConnectedLocked(); err != nil {
		return err
	}
	if from == "" {
		from = "INBOX"
	}
	if err := p.selectFolderLocked(from); err != nil {
		return err
	}
	p.probeCapsLocked()

	uidVal, err := strconv.ParseUint(providerID, 10, 32)
	if err != nil {
		return &provider.Error{Kind: provider.KindNotFound, Op: "move", Err: err}
	}
	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uidVal))

	if p.moveCaps {
		if _, err := p.client.Move(uidSet, to).Wait(); err != nil {
			return &provider.Error{Kind: provider.KindTransientNetwork, Op: "move", Err: err}
		}
		return nil
	}

	// COPY + STORE \Deleted + EXPUNGE fallback for servers without MOVE.
	if _, err := p.client.Copy(uidSet, to).Wait(); err != nil {
		return &provider.Error{Kind: provider.KindTransientNetwork, Op: "move", Err: fmt.Errorf("copy fallback: %w", err)}
	}
	if err := p.client.Store(uidSet, &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{imap.FlagDeleted}}, nil).Close(); err != nil {
		return &provider.Error{Kind: provider.KindTransientNetwork, Op: "move", Err: fmt.Errorf("mark deleted fallback: %w", err)}
	}
	if _, err := p.client.Expunge().Collect(); err != nil {
		return &provider.Error{Kind: provider.KindTransientNetwork, Op: "move", Err: fmt.Errorf("expunge fallback: %w", err)}
	}
	return nil
}

// PermanentDelete marks the message \Deleted and expunges it.
func (p *Provider) PermanentDelete(ctx context.Context, providerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureConnectedLocked(); err != nil {
		return err
	}
	if err := p.selectFolderLocked("INBOX"); err != nil {
		return err
	}

	uidVal, err := strconv.ParseUint(providerID, 10, 32)
	if err != nil {
		return &provider.Error{Kind: provider.KindNotFound, Op: "permanent_delete", Err: err}
	}
	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uidVal))

	if err := p.client.Store(uidSet, &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{imap.FlagDeleted}}, nil).Close(); err != nil {
		return &provider.Error{Kind: provider.KindTransientNetwork, Op: "permanent_delete", Err: err}
	}
	if _, err := p.client.Expunge().Collect(); err != nil {
		return &provider.Error{Kind: provider.KindTransientNetwork, Op: "permanent_delete", Err: err}
	}
	return nil
}

// ApplyLabel mirrors a classifier tag as a custom IMAP keyword flag,
// when the server advertises the KEYWORDS capability. Keyword atoms
// cannot contain whitespace or most punctuation, so the label (already
// prefixed by the caller) is sanitized into a bare token.
func (p *Provider) ApplyLabel(ctx context.Context, providerID, label string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.ensureConnectedLocked(); err != nil {
		return err
	}
	p.probeCapsLocked()
	caps, err := p.client.Capability().Wait()
	if err != nil || func() bool { _, ok := caps[imap.Cap("KEYWORDS")]; return !ok }() {
		return &provider.Error{Kind: provider.KindCapabilityUnsupported, Op: "apply_label", Err: fmt.Errorf("server does not advertise KEYWORDS")}
	}
	if err := p.selectFolderLocked("INBOX"); err != nil {
		return err
	}

	uidVal, err := strconv.ParseUint(providerID, 10, 32)
	if err != nil {
		return &provider.Error{Kind: provider.KindNotFound, Op: "apply_label", Err: err}
	}
	uidSet := imap.UIDSet{}
	uidSet.AddNum(imap.UID(uidVal))

	keyword := imap.Flag(sanitizeKeyword(label))
	if err := p.client.Store(uidSet, &imap.StoreFlags{Op: imap.StoreFlagsAdd, Silent: true, Flags: []imap.Flag{keyword}}, nil).Close(); err != nil {
		return &provider.Error{Kind: provider.KindTransientNetwork, Op: "apply_label", Err: err}
	}
	return nil
}

// sanitizeKeyword strips characters IMAP keyword atoms disallow.
func sanitizeKeyword(label string) string {
	var sb strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '/':
			sb.WriteRune(r)
		default:
			sb.WriteRune('-')
		}
	}
	return sb.String()
}

// SupportsKeywords reports whether the server advertises the IMAP
// KEYWORDS capability for mirroring classifier tags as custom flags.
func (p *Provider) SupportsKeywords() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return false
	}
	p.probeCapsLocked()
	caps, err := p.client.Capability().Wait()
	if err != nil {
		return false
	}
	_, ok := caps[imap.Cap("KEYWORDS")]
	return ok
}

// SupportsIdle reports whether the server advertises IDLE.
func (p *Provider) SupportsIdle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.client == nil {
		return false
	}
	caps, err := p.client.Capability().Wait()
	if err != nil {
		return false
	}
	_, ok := caps[imap.CapIdle]
	return ok
}
