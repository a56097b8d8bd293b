// Package notify mails crawl reports to the administrator and to the
// contact of a changed deployment tree.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"
)

type Message struct {
	To      string
	Subject string
	Body    string
	HTML    bool
}

type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPSender delivers through an unauthenticated SMTP relay.
type SMTPSender struct {
	Host string
	Port int
	From string
	Now  func() time.Time
}

func (s SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.ContainsAny(msg.To, "\r\n") || strings.ContainsAny(msg.Subject, "\r\n") {
		return errors.New("header values must not contain line breaks")
	}
	port := s.Port
	if port == 0 {
		port = 25
	}
	addr := net.JoinHostPort(s.Host, strconv.Itoa(port))
	return smtp.SendMail(addr, nil, s.From, []string{msg.To}, s.compose(msg))
}

func (s SMTPSender) compose(msg Message) []byte {
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	contentType := "text/plain"
	if msg.HTML {
		contentType = "text/html"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", s.From)
	fmt.Fprintf(&b, "To: %s\r\n", msg.To)
	fmt.Fprintf(&b, "Subject: %s\r\n", msg.Subject)
	fmt.Fprintf(&b, "Date: %s\r\n", now().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&b, "Content-Type: %s; charset=UTF-8\r\n", contentType)
	b.WriteString("X-Mailer: updatebot\r\n\r\n")
	b.WriteString(strings.ReplaceAll(msg.Body, "\n", "\r\n"))
	return []byte(b.String())
}

// Notifier decides who hears about a changed tree.
type Notifier struct {
	Sender    Sender
	Admin     string
	SendAdmin bool
	SendUser  bool
	Logger    *slog.Logger
}

// Notify sends the report of t to the admin and to the tree's contact. When
// no contact exists the admin is told instead. Failures are returned, not
// retried.
func (n Notifier) Notify(ctx context.Context, t Tree, processingLog string) error {
	if n.Sender == nil || (!n.SendAdmin && !n.SendUser) {
		return nil
	}
	report := Message{Subject: Subject(t.Node), Body: RenderHTML(t, processingLog), HTML: true}
	var errs []error
	if n.SendAdmin && n.Admin != "" {
		report.To = n.Admin
		errs = append(errs, n.send(ctx, report))
	}
	if n.SendUser {
		if contact := FindContact(t); contact != "" {
			report.To = contact
			errs = append(errs, n.send(ctx, report))
		} else if n.Admin != "" {
			n.logger().Error("no user email found", "root_id", t.Node.ID)
			errs = append(errs, n.send(ctx, Message{
				To:      n.Admin,
				Subject: "No user email found",
				Body:    fmt.Sprintf("A report about deployment %s (%s) was supposed to be sent to its user, but no contact email was found in its tree.", t.Node.Name, t.Node.ID),
			}))
		}
	}
	return errors.Join(errs...)
}

func (n Notifier) send(ctx context.Context, msg Message) error {
	if err := n.Sender.Send(ctx, msg); err != nil {
		n.logger().Error("notification failed", "to", msg.To, "subject", msg.Subject, "error", err)
		return fmt.Errorf("notify %s: %w", msg.To, err)
	}
	n.logger().Info("notification sent", "to", msg.To, "subject", msg.Subject)
	return nil
}

func (n Notifier) logger() *slog.Logger {
	if n.Logger != nil {
		return n.Logger
	}
	return slog.Default()
}
