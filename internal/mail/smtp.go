package mail

import (
	"context"
	"errors"
	"fmt"
	"net/textproto"
	"strings"

	"github.com/google/uuid"
	gomail "gopkg.in/mail.v2"

	"notification-fanout/internal/config"
)

type smtpDialer interface {
	Dial() (gomail.SendCloser, error)
}

// SMTPProvider sends each group over one SMTP session, one message per entry.
type SMTPProvider struct {
	dialer smtpDialer
	from   string
	domain string
}

func NewSMTPProvider(cfg config.Config) *SMTPProvider {
	dialer := gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUsername, cfg.SMTPPassword)
	if cfg.SMTPUsername == "" {
		dialer.StartTLSPolicy = gomail.OpportunisticStartTLS
	}
	return newSMTPProvider(dialer, cfg.MailFrom)
}

func newSMTPProvider(dialer smtpDialer, from string) *SMTPProvider {
	domain := "localhost"
	if at := strings.LastIndex(from, "@"); at >= 0 && at < len(from)-1 {
		domain = from[at+1:]
	}
	return &SMTPProvider{dialer: dialer, from: from, domain: domain}
}

func (p *SMTPProvider) Name() string { return "smtp" }

func (p *SMTPProvider) SendGroup(ctx context.Context, entries []Entry, content Content) ([]Status, error) {
	conn, err := p.dialer.Dial()
	if err != nil {
		return nil, fmt.Errorf("smtp dial: %w", err)
	}
	defer conn.Close()

	statuses := make([]Status, len(entries))
	for i, e := range entries {
		if err := ctx.Err(); err != nil {
			statuses[i] = Status{Code: CodeTransientFailure, Detail: err.Error()}
			continue
		}
		msgID := fmt.Sprintf("<%s@%s>", uuid.New().String(), p.domain)
		m := gomail.NewMessage()
		m.SetHeader("From", p.from)
		m.SetHeader("To", e.Email)
		m.SetHeader("Subject", content.Subject)
		m.SetHeader("Message-ID", msgID)
		m.SetBody("text/plain", content.Text)
		if content.HTML != nil {
			m.AddAlternative("text/html", *content.HTML)
		}
		if err := conn.Send(p.from, []string{e.Email}, m); err != nil {
			statuses[i] = smtpStatus(err)
			continue
		}
		statuses[i] = Status{Code: CodeSuccess, MessageID: msgID}
	}
	return statuses, nil
}

// smtpStatus maps an SMTP reply onto the provider vocabulary.
func smtpStatus(err error) Status {
	var tp *textproto.Error
	if !errors.As(err, &tp) {
		return Status{Code: CodeTransientFailure, Detail: err.Error()}
	}
	detail := fmt.Sprintf("%d %s", tp.Code, tp.Msg)
	switch {
	case tp.Code >= 400 && tp.Code < 500:
		return Status{Code: CodeTransientFailure, Detail: detail}
	case tp.Code == 552 || tp.Code == 554:
		return Status{Code: CodeMessageRejected, Detail: detail}
	case tp.Code >= 500:
		return Status{Code: CodeFailed, Detail: detail}
	}
	return Status{Code: CodeTransientFailure, Detail: detail}
}
