package store

import (
	"database/sql"
	"fmt"
	"sort"
	"strings"
	"time"
)

// UpsertMessage inserts a new message or updates the mutable fields
// (folder, flags, snippet) of an existing one, keyed by the
// (account_id, provider_id) uniqueness invariant. Returns the row's
// store-assigned ID.
func (s *Store) UpsertMessage(m *Message) (string, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	now := time.Now().UTC()

	var existingID string
	err := s.writeDB.QueryRow(
		`SELECT id FROM messages WHERE account_id = ? AND provider_id = ?`,
		m.AccountID, m.ProviderID,
	).Scan(&existingID)

	switch {
	case err == sql.ErrNoRows:
		id, genErr := newID()
		if genErr != nil {
			return "", fmt.Errorf("generate id: %w", genErr)
		}
		_, err = s.writeDB.Exec(`
			INSERT INTO messages (id, account_id, provider_id, thread_id, folder, sender,
				recipients, subject, snippet, received_at, is_read, is_trashed, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, id, m.AccountID, m.ProviderID, m.ThreadID, m.Folder, m.From,
			strings.Join(m.To, ","), m.Subject, m.Snippet, timestamp(m.ReceivedAt),
			boolToInt(m.IsRead), boolToInt(m.IsTrashed), timestamp(now), timestamp(now))
		if err != nil {
			return "", fmt.Errorf("insert message: %w", err)
		}
		return id, nil

	case err != nil:
		return "", fmt.Errorf("lookup message: %w", err)

	default:
		_, err = s.writeDB.Exec(`
			UPDATE messages SET folder = ?, snippet = ?, is_read = ?, is_trashed = ?, updated_at = ?
			WHERE id = ?
		`, m.Folder, m.Snippet, boolToInt(m.IsRead), boolToInt(m.IsTrashed), timestamp(now), existingID)
		if err != nil {
			return "", fmt.Errorf("update message: %w", err)
		}
		return existingID, nil
	}
}

// ListMessages returns messages matching the filter, newest first with
// provider_id as the descending tie-break for equal timestamps.
func (s *Store) ListMessages(f ListFilter) ([]*Message, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	var conds []string
	var args []any

	if f.AccountID != "" {
		conds = append(conds, "m.account_id = ?")
		args = append(args, f.AccountID)
	}
	if f.Folder != "" {
		conds = append(conds, "m.folder = ?")
		args = append(args, f.Folder)
	}
	if f.ThreadID != "" {
		conds = append(conds, "m.thread_id = ?")
		args = append(args, f.ThreadID)
	}
	if f.UnreadOnly {
		conds = append(conds, "m.is_read = 0")
	}
	conds = append(conds, "m.is_trashed = 0")

	query := `SELECT m.id, m.account_id, m.provider_id, m.thread_id, m.folder, m.sender,
		m.recipients, m.subject, m.snippet, m.received_at, m.is_read, m.is_trashed,
		m.created_at, m.updated_at FROM messages m`

	if f.Tag != "" {
		query += ` JOIN classifications c ON c.message_id = m.id`
		conds = append(conds, "(',' || c.tags || ',') LIKE ?")
		args = append(args, "%,"+f.Tag+",%")
	}

	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY m.received_at DESC, m.provider_id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, f.Offset)

	rows, err := s.readDB.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// GetMessageByProviderID fetches a message by its (account_id,
// provider_id) pair, the same uniqueness key UpsertMessage keys on.
func (s *Store) GetMessageByProviderID(accountID, providerID string) (*Message, error) {
	row := s.readDB.QueryRow(`SELECT id, account_id, provider_id, thread_id, folder, sender,
		recipients, subject, snippet, received_at, is_read, is_trashed, created_at, updated_at
		FROM messages WHERE account_id = ? AND provider_id = ?`, accountID, providerID)
	return scanMessage(row)
}

// GetMessage fetches a single message by store ID.
func (s *Store) GetMessage(id string) (*Message, error) {
	row := s.readDB.QueryRow(`SELECT id, account_id, provider_id, thread_id, folder, sender,
		recipients, subject, snippet, received_at, is_read, is_trashed, created_at, updated_at
		FROM messages WHERE id = ?`, id)
	return scanMessage(row)
}

// DeleteMessage permanently removes a message and its classification.
// Feedback rows referencing the message are not deleted — they remain
// useful as few-shot examples — but their message_id is cleared so
// MaintenancePurge's orphan grace period, not this call, decides when
// they age out.
func (s *Store) DeleteMessage(id string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.writeDB.Exec(`DELETE FROM classifications WHERE message_id = ?`, id); err != nil {
		return fmt.Errorf("delete classification: %w", err)
	}
	if _, err := s.writeDB.Exec(`UPDATE feedback SET message_id = '' WHERE message_id = ?`, id); err != nil {
		return fmt.Errorf("clear feedback message_id: %w", err)
	}
	if _, err := s.writeDB.Exec(`DELETE FROM messages WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// UpdateMessage applies a field-level update to a message's local
// state (read/trashed flags). Folder changes from provider moves use
// UpsertMessage; this is for façade-driven mutations applied
// optimistically before the pending operation drains.
func (s *Store) UpdateMessage(id string, isRead, isTrashed *bool) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var sets []string
	var args []any
	if isRead != nil {
		sets = append(sets, "is_read = ?")
		args = append(args, boolToInt(*isRead))
	}
	if isTrashed != nil {
		sets = append(sets, "is_trashed = ?")
		args = append(args, boolToInt(*isTrashed))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, timestamp(time.Now()))
	args = append(args, id)

	_, err := s.writeDB.Exec(
		fmt.Sprintf("UPDATE messages SET %s WHERE id = ?", strings.Join(sets, ", ")),
		args...,
	)
	return err
}

// ListTagsWithCounts returns the distinct classification tags in use
// for an account, with the number of (non-trashed) messages carrying
// each tag, ordered by count descending.
func (s *Store) ListTagsWithCounts(accountID string) ([]TagCount, error) {
	rows, err := s.readDB.Query(`
		SELECT c.tags FROM classifications c
		JOIN messages m ON m.id = c.message_id
		WHERE m.account_id = ? AND m.is_trashed = 0
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var tagsStr string
		if err := rows.Scan(&tagsStr); err != nil {
			return nil, err
		}
		for _, t := range splitTags(tagsStr) {
			if t != "" {
				counts[t]++
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]TagCount, 0, len(counts))
	for tag, n := range counts {
		out = append(out, TagCount{Tag: tag, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Tag < out[j].Tag
	})
	return out, nil
}

// FolderSummary returns total and unread message counts per folder
// for an account.
func (s *Store) FolderSummary(accountID string) ([]FolderCounts, error) {
	rows, err := s.readDB.Query(`
		SELECT folder, COUNT(*), SUM(CASE WHEN is_read = 0 THEN 1 ELSE 0 END)
		FROM messages
		WHERE account_id = ? AND is_trashed = 0
		GROUP BY folder
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("folder summary: %w", err)
	}
	defer rows.Close()

	var out []FolderCounts
	for rows.Next() {
		var fc FolderCounts
		if err := rows.Scan(&fc.Folder, &fc.Total, &fc.Unread); err != nil {
			return nil, err
		}
		out = append(out, fc)
	}
	return out, rows.Err()
}

// SearchMessages performs a subject/sender/snippet text search, using
// FTS5 when available and degrading to a LIKE scan otherwise.
func (s *Store) SearchMessages(accountID, query string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}

	if s.ftsEnabled {
		rows, err := s.readDB.Query(`
			SELECT m.id, m.account_id, m.provider_id, m.thread_id, m.folder, m.sender,
				m.recipients, m.subject, m.snippet, m.received_at, m.is_read, m.is_trashed,
				m.created_at, m.updated_at
			FROM messages_fts f
			JOIN messages m ON m.rowid = f.rowid
			WHERE f.messages_fts MATCH ? AND m.account_id = ? AND m.is_trashed = 0
			ORDER BY m.received_at DESC LIMIT ?
		`, query, accountID, limit)
		if err == nil {
			defer rows.Close()
			var out []*Message
			for rows.Next() {
				m, scanErr := scanMessage(rows)
				if scanErr != nil {
					return nil, scanErr
				}
				out = append(out, m)
			}
			return out, rows.Err()
		}
		s.logger.Debug("FTS5 query failed, falling back to LIKE", "error", err)
	}

	like := "%" + query + "%"
	rows, err := s.readDB.Query(`
		SELECT id, account_id, provider_id, thread_id, folder, sender,
			recipients, subject, snippet, received_at, is_read, is_trashed, created_at, updated_at
		FROM messages
		WHERE account_id = ? AND is_trashed = 0 AND (subject LIKE ? OR sender LIKE ? OR snippet LIKE ?)
		ORDER BY received_at DESC LIMIT ?
	`, accountID, like, like, like, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages (fallback): %w", err)
	}
	defer rows.Close()

	var out []*Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var m Message
	var recipients, receivedAt, createdAt, updatedAt string
	var isRead, isTrashed int
	if err := row.Scan(&m.ID, &m.AccountID, &m.ProviderID, &m.ThreadID, &m.Folder, &m.From,
		&recipients, &m.Subject, &m.Snippet, &receivedAt, &isRead, &isTrashed,
		&createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan message: %w", err)
	}
	if recipients != "" {
		m.To = strings.Split(recipients, ",")
	}
	m.ReceivedAt = parseTimestamp(receivedAt)
	m.CreatedAt = parseTimestamp(createdAt)
	m.UpdatedAt = parseTimestamp(updatedAt)
	m.IsRead = isRead != 0
	m.IsTrashed = isTrashed != 0
	return &m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
