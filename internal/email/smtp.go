package email

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"mime"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
)

// SMTPSender delivers mail through an SMTP relay. Each Send opens a fresh
// connection; newsletter volume is throttled upstream by the orchestrator,
// so connection reuse buys little here.
type SMTPSender struct {
	addr     string
	host     string
	username string
	password string
	useTLS   bool
	from     string
}

// NewSMTPSender configures an SMTP relay sender. With useTLS the connection
// is upgraded via STARTTLS before authentication.
func NewSMTPSender(host string, port int, username, password string, useTLS bool, from string) *SMTPSender {
	return &SMTPSender{
		addr:     fmt.Sprintf("%s:%d", host, port),
		host:     host,
		username: username,
		password: password,
		useTLS:   useTLS,
		from:     from,
	}
}

// Send implements Sender.
func (s *SMTPSender) Send(ctx context.Context, to, subject, htmlBody string, headers []Header) error {
	msg := buildMessage(s.from, to, subject, htmlBody, headers)

	done := make(chan error, 1)
	go func() { done <- s.deliver(to, msg) }()

	select {
	case <-ctx.Done():
		return &SendError{Err: ctx.Err()}
	case err := <-done:
		return err
	}
}

func (s *SMTPSender) deliver(to, msg string) error {
	c, err := smtp.Dial(s.addr)
	if err != nil {
		return &SendError{Err: fmt.Errorf("dial %s: %w", s.addr, err)}
	}
	defer c.Close()

	if s.useTLS {
		if err := c.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			return wrapSMTPErr(err)
		}
	}
	if s.username != "" && s.password != "" {
		auth := sasl.NewPlainClient("", s.username, s.password)
		if err := c.Auth(auth); err != nil {
			return wrapSMTPErr(err)
		}
	}

	if err := c.Mail(s.from, nil); err != nil {
		return wrapSMTPErr(err)
	}
	if err := c.Rcpt(to); err != nil {
		return wrapSMTPErr(err)
	}
	w, err := c.Data()
	if err != nil {
		return wrapSMTPErr(err)
	}
	if _, err := w.Write([]byte(msg)); err != nil {
		w.Close()
		return &SendError{Err: err}
	}
	if err := w.Close(); err != nil {
		return wrapSMTPErr(err)
	}
	return c.Quit()
}

func wrapSMTPErr(err error) error {
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		return &SendError{Code: se.Code, Err: err}
	}
	return &SendError{Err: err}
}

func buildMessage(from, to, subject, htmlBody string, headers []Header) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().Format(time.RFC1123Z))
	for _, h := range headers {
		fmt.Fprintf(&b, "%s: %s\r\n", h.Name, h.Value)
	}
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=UTF-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(htmlBody)
	return b.String()
}
