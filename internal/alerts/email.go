package alerts

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"scanguard/internal/model"
)

// EmailSink mails each alert through an SMTP relay.
type EmailSink struct {
	addr     string
	username string
	password string
	from     string
	to       []string
	send     func(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func NewEmailSink(addr, username, password, from string, to []string) *EmailSink {
	return &EmailSink{
		addr:     addr,
		username: username,
		password: password,
		from:     from,
		to:       to,
		send:     sendMail,
	}
}

func (e *EmailSink) Name() string { return "email" }

func (e *EmailSink) Send(ctx context.Context, alert model.AlertEvent) error {
	var auth smtp.Auth
	if e.username != "" {
		host, _, err := net.SplitHostPort(e.addr)
		if err != nil {
			host = e.addr
		}
		auth = smtp.PlainAuth("", e.username, e.password, host)
	}
	msg := BuildEmail(alert, e.from, e.to)
	if err := e.send(ctx, e.addr, auth, e.from, e.to, msg); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("smtp %s: %w", e.addr, ctxErr)
		}
		return fmt.Errorf("smtp %s: %w", e.addr, err)
	}
	return nil
}

// sendMail is smtp.SendMail bound to ctx: the dial honours cancellation and
// the connection deadline follows the context deadline.
func sendMail(ctx context.Context, addr string, a smtp.Auth, from string, to []string, msg []byte) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return err
		}
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	defer stop()

	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	c, err := smtp.NewClient(conn, host)
	if err != nil {
		return err
	}
	defer c.Close()
	if ok, _ := c.Extension("STARTTLS"); ok {
		if err := c.StartTLS(&tls.Config{ServerName: host}); err != nil {
			return err
		}
	}
	if a != nil {
		if ok, _ := c.Extension("AUTH"); !ok {
			return errors.New("server does not support AUTH")
		}
		if err := c.Auth(a); err != nil {
			return err
		}
	}
	if err := c.Mail(from); err != nil {
		return err
	}
	for _, rcpt := range to {
		if err := c.Rcpt(rcpt); err != nil {
			return err
		}
	}
	w, err := c.Data()
	if err != nil {
		return err
	}
	if _, err := w.Write(msg); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	return c.Quit()
}

// BuildEmail renders the RFC 5322 message for alert.
func BuildEmail(alert model.AlertEvent, from string, to []string) []byte {
	subject := fmt.Sprintf("[IDS ALERT] %s detected from %s", alert.Kind, alert.SourceAddr)
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", alert.Timestamp.UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	fmt.Fprintf(&b, "%s\r\n", alert.Kind.Title())
	b.WriteString("========================\r\n")
	fmt.Fprintf(&b, "Timestamp:      %s\r\n", alert.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"))
	fmt.Fprintf(&b, "Source address: %s\r\n", alert.SourceAddr)
	fmt.Fprintf(&b, "Scan type:      %s\r\n", alert.Kind)
	fmt.Fprintf(&b, "Distinct ports: %d (threshold %d)\r\n", alert.DistinctPorts, alert.Threshold)
	fmt.Fprintf(&b, "Window:         %s\r\n", alert.Window)
	fmt.Fprintf(&b, "Alert ID:       %s\r\n\r\n", alert.ID)
	fmt.Fprintf(&b, "%s\r\n\r\n", alert.String())
	b.WriteString("Recommended action: investigate the source address.\r\n")
	return []byte(b.String())
}
