package account

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"time"
)

const smtpDialTimeout = 30 * time.Second

// SendMessage submits a raw message over the account's SMTP endpoint.
// Port 465 is implicit TLS; everything else starts plaintext and
// upgrades via STARTTLS.
func (s *Session) SendMessage(ctx context.Context, from string, to []string, raw []byte) error {
	if from == "" {
		from = s.cfg.FromAddress
	}
	if len(to) == 0 {
		return fmt.Errorf("sending from %s: no recipients", s.cfg.ID)
	}

	addr := s.cfg.SMTPHost + ":" + strconv.Itoa(s.cfg.SMTPPort)
	if s.cfg.SMTPPort == 465 {
		return s.sendWithTLS(addr, from, to, raw)
	}
	return s.sendWithStartTLS(addr, from, to, raw)
}

// sendWithTLS sends over an implicit TLS connection.
func (s *Session) sendWithTLS(addr, from string, to []string, raw []byte) error {
	tlsConfig := &tls.Config{ServerName: s.cfg.SMTPHost}

	conn, err := tls.Dial("tcp", addr, tlsConfig)
	if err != nil {
		return fmt.Errorf("TLS dial to %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, s.cfg.SMTPHost)
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	if err := s.authSMTP(client); err != nil {
		return err
	}
	return submit(client, from, to, raw)
}

// sendWithStartTLS sends using STARTTLS.
func (s *Session) sendWithStartTLS(addr, from string, to []string, raw []byte) error {
	conn, err := net.DialTimeout("tcp", addr, smtpDialTimeout)
	if err != nil {
		return fmt.Errorf("dial to %s: %w", addr, err)
	}

	client, err := smtp.NewClient(conn, s.cfg.SMTPHost)
	if err != nil {
		conn.Close()
		return fmt.Errorf("creating SMTP client: %w", err)
	}
	defer client.Close()

	tlsConfig := &tls.Config{ServerName: s.cfg.SMTPHost}
	if err := client.StartTLS(tlsConfig); err != nil {
		return fmt.Errorf("SMTP STARTTLS: %w", err)
	}

	if err := s.authSMTP(client); err != nil {
		return err
	}
	return submit(client, from, to, raw)
}

func (s *Session) authSMTP(client *smtp.Client) error {
	auth := smtp.PlainAuth("", s.cfg.Username, s.password, s.cfg.SMTPHost)
	if err := client.Auth(auth); err != nil {
		return &AuthError{
			AccountID: s.cfg.ID,
			Message:   fmt.Sprintf("SMTP auth failed for %s: %v", s.cfg.Username, err),
		}
	}
	return nil
}

// submit drives an authenticated SMTP client through one message.
func submit(client *smtp.Client, from string, to []string, raw []byte) error {
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("SMTP MAIL FROM: %w", err)
	}
	for _, rcpt := range to {
		if err := client.Rcpt(rcpt); err != nil {
			return fmt.Errorf("SMTP RCPT TO %s: %w", rcpt, err)
		}
	}

	writer, err := client.Data()
	if err != nil {
		return fmt.Errorf("SMTP DATA: %w", err)
	}
	if _, err := writer.Write(raw); err != nil {
		return fmt.Errorf("writing message body: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("closing message body: %w", err)
	}

	return client.Quit()
}
