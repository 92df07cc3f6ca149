// Package credstore loads and refreshes per-account credential files.
// A credential file is either a single-line IMAP/SMTP password or a
// JSON OAuth2 token bundle (Gmail), and must not be group- or
// world-readable: mail credentials sitting on disk at mode 0644 is the
// single most common way a shared host leaks another user's mailbox.
package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"golang.org/x/oauth2"
)

// maxMode is the most permissive file mode a credential file may carry.
// Anything with group or world bits set is rejected.
const maxMode = 0o600

// Credential is the parsed contents of one account's credential file.
type Credential struct {
	// Password is set when the file holds a single-line IMAP/SMTP
	// password (OAuth is empty in that case).
	Password string

	// OAuth is set when the file holds a JSON OAuth2 token bundle
	// (Password is empty in that case).
	OAuth *oauth2.Token
}

// Load reads and parses the credential file at path, after verifying
// its permissions and ownership. A file owned by a different UID, or
// readable by group/other, is rejected even if the contents would
// otherwise parse.
func Load(path string) (*Credential, error) {
	if err := checkPermissions(path); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}

	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil, errors.New("credential file is empty")
	}

	if looksLikeJSON(trimmed) {
		var tok oauth2.Token
		if err := json.Unmarshal(data, &tok); err != nil {
			return nil, fmt.Errorf("parse OAuth token: %w", err)
		}
		return &Credential{OAuth: &tok}, nil
	}

	return &Credential{Password: trimmed}, nil
}

// checkPermissions validates the file's mode and ownership against the
// process's own UID, per the spec's credential file contract.
func checkPermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat credential file: %w", err)
	}

	if info.Mode().Perm()&^maxMode != 0 {
		return fmt.Errorf("credential file %s has mode %04o, must be %04o or stricter", path, info.Mode().Perm(), maxMode)
	}

	sys, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return nil // platform without Stat_t; skip ownership check
	}
	if uid := os.Getuid(); uid >= 0 && int(sys.Uid) != uid {
		return fmt.Errorf("credential file %s is owned by uid %d, expected %d", path, sys.Uid, uid)
	}
	return nil
}

// looksLikeJSON is a cheap heuristic distinguishing an OAuth token
// bundle from a bare password line.
func looksLikeJSON(s string) bool {
	return strings.HasPrefix(s, "{")
}

// SaveOAuth atomically persists a refreshed OAuth token to path: it
// writes to a temp file in the same directory, fsyncs, then renames
// over the original, so a crash mid-write never leaves a truncated
// credential file behind.
func SaveOAuth(path string, tok *oauth2.Token) error {
	data, err := json.MarshalIndent(tok, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal OAuth token: %w", err)
	}

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".credstore-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed

	if err := tmp.Chmod(maxMode); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}

// RefreshingTokenSource wraps an oauth2.TokenSource and persists the
// refreshed token back to path whenever the underlying token changes,
// so a refresh survives process restarts without requiring interactive
// re-authorization.
type RefreshingTokenSource struct {
	path string
	src  oauth2.TokenSource
	last *oauth2.Token
}

// NewRefreshingTokenSource builds a RefreshingTokenSource from an
// initial token and the oauth2.Config used to refresh it.
func NewRefreshingTokenSource(path string, cfg *oauth2.Config, initial *oauth2.Token) *RefreshingTokenSource {
	return &RefreshingTokenSource{
		path: path,
		src:  cfg.TokenSource(context.Background(), initial),
		last: initial,
	}
}

// Token returns a valid token, refreshing and persisting it if the
// cached one has expired.
func (r *RefreshingTokenSource) Token() (*oauth2.Token, error) {
	tok, err := r.src.Token()
	if err != nil {
		return nil, fmt.Errorf("refresh token: %w", err)
	}
	if r.last == nil || tok.AccessToken != r.last.AccessToken {
		if err := SaveOAuth(r.path, tok); err != nil {
			return nil, fmt.Errorf("persist refreshed token: %w", err)
		}
		r.last = tok
	}
	return tok, nil
}
