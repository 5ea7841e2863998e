package sink

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"text/template"
	"time"

	"github.com/sirupsen/logrus"
)

const maxSubjectLen = 60

var errNoRecipients = errors.New("email sink: MAIL_TO is required when SMTP_HOST is set")

// EmailConfig holds the SMTP settings. With an empty Host the sink only logs
// the email it would have sent.
type EmailConfig struct {
	Host string
	Port string
	User string
	Pass string
	From string
	To   []string
}

// sendFunc has the signature of smtp.SendMail.
type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Email sends one plain text email per notification.
type Email struct {
	config EmailConfig
	send   sendFunc
	log    logrus.FieldLogger
	now    func() time.Time
}

func NewEmail(config EmailConfig, log logrus.FieldLogger) (*Email, error) {
	if config.Host != "" && len(config.To) == 0 {
		return nil, errNoRecipients
	}
	if config.Port == "" {
		config.Port = "587"
	}
	return &Email{
		config: config,
		send:   smtp.SendMail,
		log:    log,
		now:    time.Now,
	}, nil
}

var emailTemplate = template.Must(template.New("email").Parse(`From: {{.From}}
To: {{.To}}
Subject: {{.Subject}}
Date: {{.Date}}
MIME-Version: 1.0
Content-Type: text/plain; charset="utf-8"

{{.Body}}
`))

type emailData struct {
	From    string
	To      string
	Subject string
	Date    string
	Body    string
}

// Handle is the rabbitmq.Handler of the email sink.
func (e *Email) Handle(body []byte) error {
	text := string(body)
	if e.config.Host == "" {
		e.log.WithField("dry_run", true).Infof("sending email with message: %s", text)
		return nil
	}

	msg, err := e.render(text)
	if err != nil {
		return fmt.Errorf("render email: %w", err)
	}

	addr := net.JoinHostPort(e.config.Host, e.config.Port)
	var auth smtp.Auth
	if e.config.User != "" {
		auth = smtp.PlainAuth("", e.config.User, e.config.Pass, e.config.Host)
	}
	if err := e.send(addr, auth, e.config.From, e.config.To, msg); err != nil {
		return fmt.Errorf("send email via %s: %w", addr, err)
	}
	e.log.WithField("recipients", len(e.config.To)).Infof("email sent: %s", subject(text))
	return nil
}

func (e *Email) render(text string) ([]byte, error) {
	var buf bytes.Buffer
	err := emailTemplate.Execute(&buf, emailData{
		From:    e.config.From,
		To:      strings.Join(e.config.To, ", "),
		Subject: subject(text),
		Date:    e.now().Format(time.RFC1123Z),
		Body:    strings.ReplaceAll(text, "\r\n", "\n"),
	})
	if err != nil {
		return nil, err
	}
	// SMTP wants CRLF line endings
	return bytes.ReplaceAll(buf.Bytes(), []byte("\n"), []byte("\r\n")), nil
}

// subject is the first line of text, trimmed to fit a header.
func subject(text string) string {
	line := text
	if i := strings.IndexAny(line, "\r\n"); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	if r := []rune(line); len(r) > maxSubjectLen {
		line = string(r[:maxSubjectLen]) + "..."
	}
	return "Notification: " + line
}
