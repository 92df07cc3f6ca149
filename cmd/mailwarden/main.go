// Package main is the entry point for mailwarden.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmailapi "google.golang.org/api/gmail/v1"

	"github.com/kcalvelli/axios-ai-mail-sub001/internal/api"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/buildinfo"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/classifier"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/config"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/credstore"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/events"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/feedback"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/health"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/llm"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/pendingops"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/provider"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/provider/gmail"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/provider/imap"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/store"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/syncengine"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/taxonomy"

	_ "github.com/mattn/go-sqlite3"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() > 0 {
		switch flag.Arg(0) {
		case "serve":
			runServe(logger, *configPath)
		case "version":
			fmt.Println(buildinfo.String())
			for k, v := range buildinfo.BuildInfo() {
				fmt.Printf("  %-12s %s\n", k+":", v)
			}
		default:
			fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
			os.Exit(1)
		}
		return
	}

	fmt.Println("mailwarden - AI-assisted mail sync core")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve    Start the sync engine and API server")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

func runServe(logger *slog.Logger, configPath string) {
	logger.Info("starting mailwarden", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfgPath, err := config.FindConfig(configPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(1)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(1)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"listen_port", cfg.Listen.Port,
		"database_path", cfg.DatabasePath,
		"ai_enabled", cfg.AI.Enabled,
		"ai_model", cfg.AI.Model,
		"accounts", len(cfg.Accounts),
	)

	st, err := store.Open(cfg.DatabasePath, logger)
	if err != nil {
		logger.Error("failed to open message store", "path", cfg.DatabasePath, "error", err)
		os.Exit(1)
	}
	defer st.Close()
	logger.Info("message store opened", "path", cfg.DatabasePath)

	fb := feedback.New(st.WriteDB(), logger)
	pq := pendingops.New(st.WriteDB(), logger)
	bus := events.New()
	ht := health.New()

	llmClient := llm.NewOllamaClient(cfg.AI.Endpoint, logger)
	if err := llmClient.Ping(context.Background()); err != nil {
		logger.Warn("classifier model endpoint unreachable at startup", "endpoint", cfg.AI.Endpoint, "error", err)
	}
	cls := classifier.New(llmClient, logger)

	engine := syncengine.New(st, fb, pq, cls, ht, bus, logger, cfg.Sync.MaxMessagesPerSync)

	oauthCfg := gmailOAuthConfig()

	for _, acct := range cfg.Accounts {
		if !acct.Configured() {
			logger.Warn("skipping unconfigured account", "id", acct.ID)
			continue
		}

		p, err := buildProvider(acct, oauthCfg, logger)
		if err != nil {
			logger.Error("failed to construct provider", "account", acct.ID, "error", err)
			os.Exit(1)
		}

		tax := taxonomy.Build(cfg.AI)
		engine.RegisterAccount(acct, provider.WithRetry(p), tax, cfg.AI.Model, cfg.AI.Temperature)
		logger.Info("account registered", "id", acct.ID, "provider", acct.Provider, "email", acct.Email)
	}

	server := api.NewServer(cfg.Listen.Address, cfg.Listen.Port, st, engine, pq, ht, bus, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
		engine.Stop()
		_ = server.Shutdown(context.Background())
	}()

	if err := server.Start(ctx); err != nil {
		if ctx.Err() == nil {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	logger.Info("mailwarden stopped")
}

// gmailOAuthConfig builds the OAuth2 client configuration shared by all
// Gmail accounts from GMAIL_CLIENT_ID/GMAIL_CLIENT_SECRET. Returns nil
// if either is unset, so a config with no Gmail accounts never requires
// them.
func gmailOAuthConfig() *oauth2.Config {
	clientID := os.Getenv("GMAIL_CLIENT_ID")
	clientSecret := os.Getenv("GMAIL_CLIENT_SECRET")
	if clientID == "" || clientSecret == "" {
		return nil
	}
	return &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		Endpoint:     google.Endpoint,
		Scopes:       []string{gmailapi.MailGoogleComScope},
	}
}

// buildProvider constructs the concrete provider.Provider for one
// account from its configuration and credential file, without the
// retry decorator (applied by the caller).
func buildProvider(acct config.AccountConfig, oauthCfg *oauth2.Config, logger *slog.Logger) (provider.Provider, error) {
	cred, err := credstore.Load(acct.CredentialFile)
	if err != nil {
		return nil, fmt.Errorf("load credential file: %w", err)
	}

	switch acct.Provider {
	case "gmail":
		if cred.OAuth == nil {
			return nil, fmt.Errorf("account %q: credential file must hold an OAuth token bundle", acct.ID)
		}
		if oauthCfg == nil {
			return nil, fmt.Errorf("account %q: GMAIL_CLIENT_ID/GMAIL_CLIENT_SECRET not set", acct.ID)
		}
		ts := credstore.NewRefreshingTokenSource(acct.CredentialFile, oauthCfg, cred.OAuth)
		return gmail.New(ts, acct.Email, acct.Labels.Prefix, acct.Labels.Colors, logger), nil

	case "imap":
		if cred.Password == "" {
			return nil, fmt.Errorf("account %q: credential file must hold a plaintext IMAP password", acct.ID)
		}
		imapCfg := imap.Config{
			Host:     acct.IMAP.Host,
			Port:     acct.IMAP.Port,
			TLS:      acct.IMAP.TLS,
			Username: acct.Email,
			Password: cred.Password,
		}
		if acct.SMTP != nil {
			imapCfg.SMTPHost = acct.SMTP.Host
			imapCfg.SMTPPort = acct.SMTP.Port
			imapCfg.SMTPTLS = acct.SMTP.TLS
			imapCfg.From = acct.SMTP.DefaultFrom
		}
		return imap.New(imapCfg, logger), nil

	default:
		return nil, fmt.Errorf("account %q: unknown provider %q", acct.ID, acct.Provider)
	}
}
