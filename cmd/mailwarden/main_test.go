package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/kcalvelli/axios-ai-mail-sub001/internal/config"
)

func writeCredFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cred")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write credential file: %v", err)
	}
	return path
}

func TestGmailOAuthConfig_NilWithoutEnv(t *testing.T) {
	t.Setenv("GMAIL_CLIENT_ID", "")
	t.Setenv("GMAIL_CLIENT_SECRET", "")
	if cfg := gmailOAuthConfig(); cfg != nil {
		t.Fatalf("gmailOAuthConfig() = %+v, want nil", cfg)
	}
}

func TestGmailOAuthConfig_PopulatedFromEnv(t *testing.T) {
	t.Setenv("GMAIL_CLIENT_ID", "client-id")
	t.Setenv("GMAIL_CLIENT_SECRET", "client-secret")
	cfg := gmailOAuthConfig()
	if cfg == nil {
		t.Fatal("gmailOAuthConfig() = nil, want populated config")
	}
	if cfg.ClientID != "client-id" || cfg.ClientSecret != "client-secret" {
		t.Fatalf("cfg = %+v", cfg)
	}
	if len(cfg.Scopes) == 0 {
		t.Fatal("expected at least one OAuth scope")
	}
}

func TestBuildProvider_GmailRequiresOAuthBundle(t *testing.T) {
	credPath := writeCredFile(t, "plain-password")
	acct := config.AccountConfig{ID: "acct-1", Provider: "gmail", Email: "a@gmail.com", CredentialFile: credPath}

	if _, err := buildProvider(acct, nil, nil); err == nil {
		t.Fatal("expected error when gmail credential file is not an OAuth bundle")
	}
}

func TestBuildProvider_GmailRequiresClientCredentials(t *testing.T) {
	credPath := writeCredFile(t, `{"access_token":"tok","refresh_token":"r","token_type":"Bearer"}`)
	acct := config.AccountConfig{ID: "acct-1", Provider: "gmail", Email: "a@gmail.com", CredentialFile: credPath}

	if _, err := buildProvider(acct, nil, nil); err == nil {
		t.Fatal("expected error when no GMAIL_CLIENT_ID/SECRET oauth config is supplied")
	}
}

func TestBuildProvider_GmailSucceedsWithOAuthBundleAndClientConfig(t *testing.T) {
	credPath := writeCredFile(t, `{"access_token":"tok","refresh_token":"r","token_type":"Bearer"}`)
	acct := config.AccountConfig{ID: "acct-1", Provider: "gmail", Email: "a@gmail.com", CredentialFile: credPath}

	t.Setenv("GMAIL_CLIENT_ID", "client-id")
	t.Setenv("GMAIL_CLIENT_SECRET", "client-secret")
	oauthCfg := gmailOAuthConfig()

	p, err := buildProvider(acct, oauthCfg, nil)
	if err != nil {
		t.Fatalf("buildProvider: %v", err)
	}
	if p == nil {
		t.Fatal("buildProvider returned nil provider")
	}
}

func TestBuildProvider_IMAPRequiresPlaintextPassword(t *testing.T) {
	credPath := writeCredFile(t, `{"access_token":"tok"}`)
	acct := config.AccountConfig{
		ID: "acct-1", Provider: "imap", Email: "a@example.com", CredentialFile: credPath,
		IMAP: &config.IMAPConfig{Host: "imap.example.com", Port: 993, TLS: true},
	}

	if _, err := buildProvider(acct, nil, nil); err == nil {
		t.Fatal("expected error when imap credential file is not a plaintext password")
	}
}

func TestBuildProvider_IMAPSucceedsWithPasswordAndSMTP(t *testing.T) {
	credPath := writeCredFile(t, "s3cret")
	acct := config.AccountConfig{
		ID: "acct-1", Provider: "imap", Email: "a@example.com", CredentialFile: credPath,
		IMAP: &config.IMAPConfig{Host: "imap.example.com", Port: 993, TLS: true},
		SMTP: &config.SMTPConfig{Host: "smtp.example.com", Port: 465, TLS: true, DefaultFrom: "a@example.com"},
	}

	p, err := buildProvider(acct, nil, nil)
	if err != nil {
		t.Fatalf("buildProvider: %v", err)
	}
	if p == nil {
		t.Fatal("buildProvider returned nil provider")
	}
}

func TestBuildProvider_UnknownProviderErrors(t *testing.T) {
	credPath := writeCredFile(t, "s3cret")
	acct := config.AccountConfig{ID: "acct-1", Provider: "pop3", Email: "a@example.com", CredentialFile: credPath}

	if _, err := buildProvider(acct, nil, nil); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}

func TestBuildProvider_RejectsUnreadableCredentialFile(t *testing.T) {
	acct := config.AccountConfig{ID: "acct-1", Provider: "imap", Email: "a@example.com", CredentialFile: filepath.Join(t.TempDir(), "missing")}

	if _, err := buildProvider(acct, nil, nil); err == nil {
		t.Fatal("expected error for a nonexistent credential file")
	}
}
