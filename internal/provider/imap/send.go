package imap

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"

	"github.com/kcalvelli/axios-ai-mail-sub001/internal/mailformat"
	"github.com/kcalvelli/axios-ai-mail-sub001/internal/provider"
)

const smtpDialTimeout = 30 * time.Second

// Send builds an RFC 5322 message from the markdown body and delivers
// it via SMTP. Each call opens and closes its own connection.
func (p *Provider) Send(ctx context.Context, msg provider.OutgoingMessage) error {
	raw, err := mailformat.Compose(mailformat.Message{
		From: p.cfg.From, To: msg.To, Cc: msg.Cc, Subject: msg.Subject, Body: msg.Body,
	})
	if err != nil {
		return &provider.Error{Kind: provider.KindPermanentProtocol, Op: "send", Err: err}
	}

	recipients := mailformat.CollectRecipients(msg.To, msg.Cc)

	addr := net.JoinHostPort(p.cfg.SMTPHost, strconv.Itoa(p.cfg.SMTPPort))
	dialTimeout := smtpDialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < dialTimeout {
			dialTimeout = remaining
		}
	}
	dialer := &net.Dialer{Timeout: dialTimeout}

	var client *smtp.Client
	if p.cfg.SMTPTLS {
		tlsCfg := &tls.Config{ServerName: p.cfg.SMTPHost}
		conn, err := tls.DialWithDialer(dialer, "tcp", addr, tlsCfg)
		if err != nil {
			return &provider.Error{Kind: provider.KindTransientNetwork, Op: "send", Err: fmt.Errorf("dial SMTPS %s: %w", addr, err)}
		}
		client, err = smtp.NewClient(conn, p.cfg.SMTPHost)
		if err != nil {
			conn.Close()
			return &provider.Error{Kind: provider.KindTransientNetwork, Op: "send", Err: err}
		}
	} else {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return &provider.Error{Kind: provider.KindTransientNetwork, Op: "send", Err: fmt.Errorf("dial SMTP %s: %w", addr, err)}
		}
		client, err = smtp.NewClient(conn, p.cfg.SMTPHost)
		if err != nil {
			conn.Close()
			return &provider.Error{Kind: provider.KindTransientNetwork, Op: "send", Err: err}
		}
	}
	defer client.Close()

	if err := client.Hello("localhost"); err != nil {
		return &provider.Error{Kind: provider.KindTransientNetwork, Op: "send", Err: fmt.Errorf("EHLO: %w", err)}
	}
	if !p.cfg.SMTPTLS {
		if err := client.StartTLS(&tls.Config{ServerName: p.cfg.SMTPHost}); err != nil {
			return &provider.Error{Kind: provider.KindTransientNetwork, Op: "send", Err: fmt.Errorf("STARTTLS: %w", err)}
		}
	}
	if p.cfg.Username != "" && p.cfg.Password != "" {
		auth := smtp.PlainAuth("", p.cfg.Username, p.cfg.Password, p.cfg.SMTPHost)
		if err := client.Auth(auth); err != nil {
			return &provider.Error{Kind: provider.KindAuthRequired, Op: "send", Err: err}
		}
	}
	if err := client.Mail(p.cfg.From); err != nil {
		return &provider.Error{Kind: provider.KindPermanentProtocol, Op: "send", Err: fmt.Errorf("MAIL FROM: %w", err)}
	}
	for _, rcpt := range recipients {
		if err := client.Rcpt(rcpt); err != nil {
			return &provider.Error{Kind: provider.KindPermanentProtocol, Op: "send", Err: fmt.Errorf("RCPT TO %s: %w", rcpt, err)}
		}
	}
	w, err := client.Data()
	if err != nil {
		return &provider.Error{Kind: provider.KindTransientNetwork, Op: "send", Err: err}
	}
	if _, err := w.Write(raw); err != nil {
		return &provider.Error{Kind: provider.KindTransientNetwork, Op: "send", Err: err}
	}
	if err := w.Close(); err != nil {
		return &provider.Error{Kind: provider.KindTransientNetwork, Op: "send", Err: err}
	}
	return client.Quit()
}
