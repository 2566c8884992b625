package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/mail"
	"net/smtp"
	"net/textproto"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const maxAttachmentBytes = 10 << 20

// EmailConfig configures the SMTP channel. The server is reached over
// implicit TLS (SMTPS, usually port 465).
type EmailConfig struct {
	Host       string
	Port       int
	Sender     string
	SenderName string
	Password   string
	Receivers  []string
	Timeout    time.Duration
}

// Email sends an HTML message, with attachments, to every receiver.
type Email struct {
	cfg  EmailConfig
	dial func(ctx context.Context, addr string) (net.Conn, error)
	now  func() time.Time
}

// ParseReceivers splits a comma separated address list.
func ParseReceivers(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// NewEmail validates cfg.
func NewEmail(cfg EmailConfig) (*Email, error) {
	if cfg.Host == "" || cfg.Sender == "" {
		return nil, errors.New("smtp server and sender are required")
	}
	if len(cfg.Receivers) == 0 {
		return nil, errors.New("at least one email receiver is required")
	}
	for _, r := range cfg.Receivers {
		if _, err := mail.ParseAddress(r); err != nil {
			return nil, fmt.Errorf("invalid receiver %q: %w", r, err)
		}
	}
	if cfg.Port == 0 {
		cfg.Port = 465
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	e := &Email{cfg: cfg, now: time.Now}
	e.dial = func(ctx context.Context, addr string) (net.Conn, error) {
		d := &tls.Dialer{Config: &tls.Config{ServerName: cfg.Host, MinVersion: tls.VersionTLS12}}
		return d.DialContext(ctx, "tcp", addr)
	}
	return e, nil
}

// Name implements Channel.
func (*Email) Name() string { return "email" }

// Send implements Channel.
func (e *Email) Send(ctx context.Context, msg Message) error {
	data, err := e.build(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	addr := net.JoinHostPort(e.cfg.Host, strconv.Itoa(e.cfg.Port))
	conn, err := e.dial(ctx, addr)
	if err != nil {
		return fmt.Errorf("dial smtp: %w", err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	c, err := smtp.NewClient(conn, e.cfg.Host)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("smtp handshake: %w", err)
	}
	defer func() { _ = c.Close() }()

	if e.cfg.Password != "" {
		if err := c.Auth(smtp.PlainAuth("", e.cfg.Sender, e.cfg.Password, e.cfg.Host)); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}
	if err := c.Mail(e.cfg.Sender); err != nil {
		return fmt.Errorf("smtp mail from: %w", err)
	}
	for _, r := range e.cfg.Receivers {
		if err := c.Rcpt(r); err != nil {
			return fmt.Errorf("smtp rcpt %s: %w", r, err)
		}
	}
	w, err := c.Data()
	if err != nil {
		return fmt.Errorf("smtp data: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("smtp end data: %w", err)
	}
	return c.Quit()
}

func (e *Email) build(msg Message) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	to := make([]string, 0, len(e.cfg.Receivers))
	for _, r := range e.cfg.Receivers {
		to = append(to, (&mail.Address{Address: r}).String())
	}
	from := mail.Address{Name: e.cfg.SenderName, Address: e.cfg.Sender}

	var head bytes.Buffer
	fmt.Fprintf(&head, "From: %s\r\n", from.String())
	fmt.Fprintf(&head, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&head, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", msg.Title))
	fmt.Fprintf(&head, "Date: %s\r\n", e.now().Format(time.RFC1123Z))
	head.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&head, "Content-Type: multipart/mixed; boundary=%q\r\n\r\n", mw.Boundary())

	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {"text/html; charset=utf-8"},
		"Content-Transfer-Encoding": {"base64"},
	})
	if err != nil {
		return nil, fmt.Errorf("create html part: %w", err)
	}
	if err := writeBase64(part, []byte(renderHTML(msg.Title, msg.Body))); err != nil {
		return nil, err
	}

	for _, path := range msg.Attachments {
		data, err := readAttachment(path)
		if err != nil {
			// An unreadable attachment never blocks the summary itself.
			continue
		}
		name := filepath.Base(path)
		ctype := mime.TypeByExtension(filepath.Ext(name))
		if ctype == "" {
			ctype = "application/octet-stream"
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {mime.FormatMediaType(ctype, map[string]string{"name": name})},
			"Content-Disposition":       {mime.FormatMediaType("attachment", map[string]string{"filename": name})},
			"Content-Transfer-Encoding": {"base64"},
		})
		if err != nil {
			return nil, fmt.Errorf("create attachment part: %w", err)
		}
		if err := writeBase64(part, data); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("close multipart: %w", err)
	}
	return append(head.Bytes(), buf.Bytes()...), nil
}

func readAttachment(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxAttachmentBytes {
		return nil, fmt.Errorf("attachment %s too large", path)
	}
	return os.ReadFile(path)
}

func renderHTML(title, body string) string {
	var b strings.Builder
	b.WriteString(`<div style="font-family: sans-serif; padding: 20px; max-width: 600px;">`)
	fmt.Fprintf(&b, `<h2 style="border-bottom: 2px solid #007bff; padding-bottom: 10px;">%s</h2>`, html.EscapeString(title))
	fmt.Fprintf(&b, `<div style="white-space: pre-wrap; line-height: 1.6;">%s</div>`, html.EscapeString(PlainText(body)))
	b.WriteString(`<p style="font-size: 12px; color: #999;">bulletin watcher</p></div>`)
	return b.String()
}

func writeBase64(w io.Writer, data []byte) error {
	enc := base64.StdEncoding.EncodeToString(data)
	for len(enc) > 76 {
		if _, err := fmt.Fprintf(w, "%s\r\n", enc[:76]); err != nil {
			return fmt.Errorf("write part: %w", err)
		}
		enc = enc[76:]
	}
	if _, err := fmt.Fprintf(w, "%s\r\n", enc); err != nil {
		return fmt.Errorf("write part: %w", err)
	}
	return nil
}
