// Package feedback records user corrections to classifier tags and
// surfaces the most relevant past corrections as few-shot examples for
// future classification prompts.
package feedback

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// maxPerAccount bounds the feedback table's per-account row count. Once
// exceeded, the oldest rows are trimmed on the next RecordCorrection.
const maxPerAccount = 100

// purgeAge is how long a feedback row survives before MaintenancePurge
// removes it outright.
const purgeAge = 90 * 24 * time.Hour

// orphanAge is how old (by created_at) a feedback row must be before
// MaintenancePurge removes it for an unresolvable message_id. How long
// the message_id has been unresolvable is not tracked.
const orphanAge = 30 * 24 * time.Hour

var digitRun = regexp.MustCompile(`[0-9]+`)

// Store manages the feedback table over an already-migrated database
// handle (the table itself is created by store.Store's migration).
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// New creates a Store over db.
func New(db *sql.DB, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, logger: logger}
}

// Example is one past correction surfaced as a few-shot prompt example.
type Example struct {
	Domain  string
	Pattern string
	OldTags []string
	NewTags []string
}

// RecordCorrection stores a user's retagging of a message as a future
// few-shot example. It is a no-op if the tag sets are equal (not a
// correction, just a re-save). sender is the message's From address,
// used to derive the sender domain; subject is the message's subject,
// normalized into a pattern by lowercasing and collapsing digit runs.
func (s *Store) RecordCorrection(ctx context.Context, accountID, messageID, sender, subject string, oldTags, newTags []string) error {
	if sameTagSet(oldTags, newTags) {
		return nil
	}

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate id: %w", err)
	}
	domain := senderDomain(sender)
	pattern := subjectPattern(subject)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO feedback (id, account_id, message_id, domain, pattern, old_tags, new_tags, used_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?)
	`, id.String(), accountID, messageID, domain, pattern, joinTags(oldTags), joinTags(newTags), now)
	if err != nil {
		return fmt.Errorf("insert feedback: %w", err)
	}

	if err := trimOldest(ctx, tx, accountID); err != nil {
		return fmt.Errorf("trim: %w", err)
	}

	return tx.Commit()
}

// trimOldest deletes the oldest rows for accountID beyond maxPerAccount.
func trimOldest(ctx context.Context, tx *sql.Tx, accountID string) error {
	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM feedback WHERE account_id = ?`, accountID).Scan(&count); err != nil {
		return err
	}
	if count <= maxPerAccount {
		return nil
	}
	excess := count - maxPerAccount
	_, err := tx.ExecContext(ctx, `
		DELETE FROM feedback WHERE id IN (
			SELECT id FROM feedback WHERE account_id = ? ORDER BY created_at ASC LIMIT ?
		)
	`, accountID, excess)
	return err
}

// SelectExamples returns up to limit feedback rows to use as few-shot
// prompt examples, prioritizing up to 3 exact sender-domain matches
// (most recent first) and filling any remaining slots with the most
// recent corrections from other domains. Each returned row's used_count
// is incremented.
func (s *Store) SelectExamples(ctx context.Context, accountID, senderDomain string, limit int) ([]Example, error) {
	if limit <= 0 {
		limit = 5
	}
	domainLimit := 3
	if domainLimit > limit {
		domainLimit = limit
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	domainRows, err := queryExamples(ctx, tx, `
		SELECT id, domain, pattern, old_tags, new_tags FROM feedback
		WHERE account_id = ? AND domain = ?
		ORDER BY created_at DESC LIMIT ?
	`, accountID, senderDomain, domainLimit)
	if err != nil {
		return nil, fmt.Errorf("query domain examples: %w", err)
	}

	remaining := limit - len(domainRows)
	var otherRows []exampleRow
	if remaining > 0 {
		otherRows, err = queryExamples(ctx, tx, `
			SELECT id, domain, pattern, old_tags, new_tags FROM feedback
			WHERE account_id = ? AND domain != ?
			ORDER BY created_at DESC LIMIT ?
		`, accountID, senderDomain, remaining)
		if err != nil {
			return nil, fmt.Errorf("query other examples: %w", err)
		}
	}

	all := append(domainRows, otherRows...)
	if len(all) > 0 {
		ids := make([]string, len(all))
		for i, r := range all {
			ids[i] = r.id
		}
		if err := incrementUsedCount(ctx, tx, ids); err != nil {
			return nil, fmt.Errorf("increment used_count: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	examples := make([]Example, len(all))
	for i, r := range all {
		examples[i] = Example{Domain: r.domain, Pattern: r.pattern, OldTags: splitTags(r.oldTags), NewTags: splitTags(r.newTags)}
	}
	return examples, nil
}

type exampleRow struct {
	id, domain, pattern, oldTags, newTags string
}

func queryExamples(ctx context.Context, tx *sql.Tx, query string, args ...any) ([]exampleRow, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []exampleRow
	for rows.Next() {
		var r exampleRow
		if err := rows.Scan(&r.id, &r.domain, &r.pattern, &r.oldTags, &r.newTags); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func incrementUsedCount(ctx context.Context, tx *sql.Tx, ids []string) error {
	placeholders := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`UPDATE feedback SET used_count = used_count + 1 WHERE id IN (%s)`, strings.Join(placeholders, ","))
	_, err := tx.ExecContext(ctx, query, args...)
	return err
}

// MaintenancePurge removes feedback rows older than 90 days, and rows
// older than 30 days whose message foreign key no longer resolves
// (messageIDExists reports whether a message_id still has a
// corresponding row in the message store). The 30 days count from the
// row's creation, not from when its message disappeared.
func (s *Store) MaintenancePurge(ctx context.Context, messageIDExists func(messageID string) bool) (purged int, err error) {
	cutoff := time.Now().UTC().Add(-purgeAge).Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, `DELETE FROM feedback WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge aged rows: %w", err)
	}
	n, _ := res.RowsAffected()
	purged += int(n)

	orphanCutoff := time.Now().UTC().Add(-orphanAge).Format(time.RFC3339Nano)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, message_id FROM feedback WHERE created_at < ?
	`, orphanCutoff)
	if err != nil {
		return purged, fmt.Errorf("query orphan candidates: %w", err)
	}
	var orphanIDs []string
	for rows.Next() {
		var id, messageID string
		if err := rows.Scan(&id, &messageID); err != nil {
			rows.Close()
			return purged, err
		}
		if !messageIDExists(messageID) {
			orphanIDs = append(orphanIDs, id)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return purged, err
	}

	for _, id := range orphanIDs {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM feedback WHERE id = ?`, id); err != nil {
			s.logger.Warn("failed to purge orphaned feedback row", "id", id, "error", err)
			continue
		}
		purged++
	}

	return purged, nil
}

func senderDomain(sender string) string {
	at := strings.LastIndexByte(sender, '@')
	if at < 0 || at == len(sender)-1 {
		return ""
	}
	host := sender[at+1:]
	host = strings.TrimSuffix(host, ">")
	return strings.ToLower(strings.TrimSpace(host))
}

func subjectPattern(subject string) string {
	s := strings.ToLower(strings.TrimSpace(subject))
	return digitRun.ReplaceAllString(s, "#")
}

func sameTagSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

func joinTags(tags []string) string { return strings.Join(tags, ",") }

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
