package store

import (
	"fmt"
	"time"
)

// UpsertClassification records the classifier's verdict for a message,
// replacing any prior classification (a message is reclassified in
// place, not versioned).
func (s *Store) UpsertClassification(c *Classification) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.writeDB.Exec(`
		INSERT INTO classifications (message_id, tags, priority, action_required, can_archive,
			confidence, model, classified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (message_id) DO UPDATE SET
			tags = excluded.tags, priority = excluded.priority,
			action_required = excluded.action_required, can_archive = excluded.can_archive,
			confidence = excluded.confidence, model = excluded.model,
			classified_at = excluded.classified_at
	`, c.MessageID, joinTags(c.Tags), c.Priority, boolToInt(c.ActionRequired), boolToInt(c.CanArchive),
		c.Confidence, c.Model, timestamp(c.ClassifiedAt))
	if err != nil {
		return fmt.Errorf("upsert classification: %w", err)
	}
	return nil
}

// GetClassification fetches the classification for a message, if any.
func (s *Store) GetClassification(messageID string) (*Classification, error) {
	row := s.readDB.QueryRow(`
		SELECT message_id, tags, priority, action_required, can_archive, confidence, model, classified_at
		FROM classifications WHERE message_id = ?
	`, messageID)

	var c Classification
	var tagsStr, classifiedAt string
	var actionRequired, canArchive int
	if err := row.Scan(&c.MessageID, &tagsStr, &c.Priority, &actionRequired, &canArchive,
		&c.Confidence, &c.Model, &classifiedAt); err != nil {
		return nil, err
	}
	c.Tags = splitTags(tagsStr)
	c.ActionRequired = actionRequired != 0
	c.CanArchive = canArchive != 0
	c.ClassifiedAt = parseTimestamp(classifiedAt)
	return &c, nil
}

// UpsertAccount inserts or refreshes an account row from configuration.
func (s *Store) UpsertAccount(a *Account) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	_, err := s.writeDB.Exec(`
		INSERT INTO accounts (id, provider, email, cursor, last_sync_at, last_error)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET provider = excluded.provider, email = excluded.email
	`, a.ID, a.Provider, a.Email, a.Cursor, timestamp(a.LastSyncAt), a.LastError)
	if err != nil {
		return fmt.Errorf("upsert account: %w", err)
	}
	return nil
}

// GetAccount fetches an account by ID.
func (s *Store) GetAccount(id string) (*Account, error) {
	row := s.readDB.QueryRow(`
		SELECT id, provider, email, cursor, last_sync_at, last_error FROM accounts WHERE id = ?
	`, id)

	var a Account
	var lastSync string
	if err := row.Scan(&a.ID, &a.Provider, &a.Email, &a.Cursor, &lastSync, &a.LastError); err != nil {
		return nil, err
	}
	a.LastSyncAt = parseTimestamp(lastSync)
	return &a, nil
}

// UpdateCursor persists the account's sync cursor and last-sync metadata.
// syncErr may be nil to clear a previous error.
func (s *Store) UpdateCursor(accountID, cursor string, syncErr error) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	errText := ""
	if syncErr != nil {
		errText = syncErr.Error()
	}

	_, err := s.writeDB.Exec(`
		UPDATE accounts SET cursor = ?, last_sync_at = ?, last_error = ? WHERE id = ?
	`, cursor, timestamp(time.Now()), errText, accountID)
	return err
}
