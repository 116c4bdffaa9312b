package notification

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/smtp"
	"net/textproto"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"ogsolar-core/config"
)

const requestTimeout = 30 * time.Second

type SMSSender interface {
	SendSMS(ctx context.Context, phone, message string) error
}

type EmailSender interface {
	SendEmail(ctx context.Context, e Email) error
}

type Email struct {
	To          string
	Subject     string
	HTML        string
	Attachments []Attachment
}

type Attachment struct {
	Filename    string
	ContentType string
	Data        []byte
}

// SMSClient posts messages to a bulk SMS HTTP API that takes form-encoded
// username, to, message and from fields and an apiKey header.
type SMSClient struct {
	url      string
	apiKey   string
	username string
	senderID string
	http     *http.Client
	log      logrus.FieldLogger
}

// NewSMSClient returns nil when no SMS API is configured.
func NewSMSClient(cfg config.NotificationConfig, log logrus.FieldLogger) *SMSClient {
	if cfg.SMSAPIURL == "" || cfg.SMSAPIKey == "" {
		return nil
	}
	return &SMSClient{
		url:      cfg.SMSAPIURL,
		apiKey:   cfg.SMSAPIKey,
		username: cfg.SMSUsername,
		senderID: cfg.SMSSenderID,
		http:     &http.Client{Timeout: requestTimeout},
		log:      log.WithField("module", "sms"),
	}
}

func (c *SMSClient) SendSMS(ctx context.Context, phone, message string) error {
	form := url.Values{}
	form.Set("username", c.username)
	form.Set("to", "+"+strings.TrimPrefix(phone, "+"))
	form.Set("message", message)
	if c.senderID != "" {
		form.Set("from", c.senderID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apiKey", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("sms request failed: %w", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= http.StatusMultipleChoices {
		return fmt.Errorf("sms provider returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

type SMTPMailer struct {
	addr string
	from string
	auth smtp.Auth
	send sendFunc
}

// NewSMTPMailer returns nil when no SMTP host is configured.
func NewSMTPMailer(cfg config.NotificationConfig) *SMTPMailer {
	if cfg.SMTPHost == "" || cfg.SMTPFrom == "" {
		return nil
	}
	var auth smtp.Auth
	if cfg.SMTPUser != "" {
		auth = smtp.PlainAuth("", cfg.SMTPUser, cfg.SMTPPass, cfg.SMTPHost)
	}
	return &SMTPMailer{
		addr: net.JoinHostPort(cfg.SMTPHost, cfg.SMTPPort),
		from: cfg.SMTPFrom,
		auth: auth,
		send: smtp.SendMail,
	}
}

// SendEmail blocks until the server accepts the message. net/smtp takes no
// context, so cancellation is only checked before dialing.
func (m *SMTPMailer) SendEmail(ctx context.Context, e Email) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if e.To == "" {
		return errors.New("email has no recipient")
	}
	msg, err := buildMessage(m.from, e)
	if err != nil {
		return err
	}
	if err := m.send(m.addr, m.auth, m.from, []string{e.To}, msg); err != nil {
		return fmt.Errorf("smtp send failed: %w", err)
	}
	return nil
}

// buildMessage writes a multipart/mixed message with an HTML body followed by
// base64 attachments.
func buildMessage(from string, e Email) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", from)
	fmt.Fprintf(&buf, "To: %s\r\n", e.To)
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", e.Subject))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mw.Boundary())

	body, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/html; charset=utf-8"},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return nil, err
	}
	if err := writeBase64(body, []byte(e.HTML)); err != nil {
		return nil, err
	}

	for _, a := range e.Attachments {
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {a.ContentType},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": a.Filename})},
		})
		if err != nil {
			return nil, err
		}
		if err := writeBase64(part, a.Data); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeBase64 wraps encoded lines at 76 characters.
func writeBase64(w io.Writer, data []byte) error {
	encoded := base64.StdEncoding.EncodeToString(data)
	for len(encoded) > 76 {
		if _, err := io.WriteString(w, encoded[:76]+"\r\n"); err != nil {
			return err
		}
		encoded = encoded[76:]
	}
	_, err := io.WriteString(w, encoded+"\r\n")
	return err
}
