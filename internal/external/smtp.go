package external

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"
	"github.com/google/uuid"

	"inactivity/internal/types"
)

type SMTPClientConfig struct {
	Host     string
	Port     int
	Username string
	Password types.SecretString
	// TLSConfig is the base config for STARTTLS. ServerName defaults to Host.
	TLSConfig *tls.Config
	Logger    *slog.Logger
}

// SMTPClient delivers through an SMTP relay. STARTTLS is used when the
// relay offers it; PLAIN auth only when a username is configured.
type SMTPClient struct {
	addr     string
	host     string
	auth     sasl.Client
	tls      *tls.Config
	dialer   net.Dialer
	logger   *slog.Logger
	sendMail func(ctx context.Context, addr string, a sasl.Client, from string, to []string, r io.Reader) error
	now      func() time.Time
}

func NewSMTPClient(cfg SMTPClientConfig) *SMTPClient {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	port := cfg.Port
	if port == 0 {
		port = 587
	}
	tlsCfg := &tls.Config{}
	if cfg.TLSConfig != nil {
		tlsCfg = cfg.TLSConfig.Clone()
	}
	if tlsCfg.ServerName == "" {
		tlsCfg.ServerName = cfg.Host
	}
	c := &SMTPClient{
		addr:   net.JoinHostPort(cfg.Host, strconv.Itoa(port)),
		host:   cfg.Host,
		tls:    tlsCfg,
		dialer: net.Dialer{Timeout: 30 * time.Second},
		logger: logger,
		now:    time.Now,
	}
	c.sendMail = c.deliver
	if cfg.Username != "" {
		c.auth = sasl.NewPlainClient("", cfg.Username, cfg.Password.Unmask())
	}
	return c
}

// deliver runs one SMTP transaction. A relay that does not advertise
// STARTTLS gets the message in plaintext.
func (c *SMTPClient) deliver(ctx context.Context, addr string, a sasl.Client, from string, to []string, r io.Reader) error {
	conn, err := c.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	client := smtp.NewClient(conn)
	defer func() { _ = client.Close() }()

	if ok, _ := client.Extension("STARTTLS"); ok {
		// go-smtp negotiates STARTTLS only on a fresh client.
		_ = client.Quit()
		conn, err = c.dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		tlsClient, err := smtp.NewClientStartTLS(conn, c.tls)
		if err != nil {
			return fmt.Errorf("starttls: %w", err)
		}
		client = tlsClient
	} else {
		c.logger.Debug("SMTP relay does not offer STARTTLS", "addr", addr)
	}

	if a != nil {
		if ok, _ := client.Extension("AUTH"); !ok {
			return errors.New("smtp: relay does not support AUTH")
		}
		if err := client.Auth(a); err != nil {
			return err
		}
	}
	if err := client.SendMail(from, to, r); err != nil {
		return err
	}
	return client.Quit()
}

func (c *SMTPClient) Name() string { return "smtp" }

// Send returns the generated Message-ID. Permanent 5xx rejections of the
// recipient map to email_blocked.
func (c *SMTPClient) Send(ctx context.Context, input types.SendInput) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", types.NewAppError(types.ErrCodeUpstreamUnavailable, "send cancelled", err)
	}

	msgID := fmt.Sprintf("<%s@%s>", uuid.NewString(), c.host)
	msg, err := composeMessage(input, msgID, c.now())
	if err != nil {
		return "", types.NewAppError(types.ErrCodeInternalUnexpected, "failed to compose message", err)
	}

	if err := c.sendMail(ctx, c.addr, c.auth, input.From.Address, []string{input.To}, bytes.NewReader(msg)); err != nil {
		return "", mapSMTPError(err)
	}
	return msgID, nil
}

func mapSMTPError(err error) error {
	var se *smtp.SMTPError
	if errors.As(err, &se) {
		switch {
		case se.Code == 550 || se.Code == 553:
			return types.NewAppError(types.ErrCodeEmailBlocked, fmt.Sprintf("SMTP relay rejected recipient: %v", err), err)
		case se.Code == 421 || se.Code == 450 || se.Code == 451 || se.Code == 452:
			return types.NewAppError(types.ErrCodeUpstreamRateLimited, fmt.Sprintf("SMTP relay deferred message: %v", err), err)
		}
		return types.NewAppError(types.ErrCodeUpstreamEmailProvider, fmt.Sprintf("SMTP error: %v", err), err)
	}
	return types.NewAppError(types.ErrCodeUpstreamUnavailable, fmt.Sprintf("SMTP relay unreachable: %v", err), err)
}

// composeMessage renders an RFC 5322 message. With both bodies present it
// is multipart/alternative, text first.
func composeMessage(input types.SendInput, msgID string, date time.Time) ([]byte, error) {
	var buf bytes.Buffer
	header := func(k, v string) {
		fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
	}

	header("From", formatAddress(input.From))
	header("To", input.To)
	header("Subject", mime.QEncoding.Encode("utf-8", input.Subject))
	header("Date", date.Format(time.RFC1123Z))
	header("Message-ID", msgID)
	header("MIME-Version", "1.0")
	if input.ReferenceID != "" {
		header("X-Reference-ID", input.ReferenceID)
	}

	if input.BodyHTML == "" || input.BodyText == "" {
		ctype := "text/plain"
		body := input.BodyText
		if input.BodyText == "" {
			ctype, body = "text/html", input.BodyHTML
		}
		header("Content-Type", ctype+"; charset=utf-8")
		header("Content-Transfer-Encoding", "8bit")
		buf.WriteString("\r\n")
		buf.WriteString(crlf(body))
		return buf.Bytes(), nil
	}

	mw := multipart.NewWriter(&buf)
	header("Content-Type", "multipart/alternative; boundary="+mw.Boundary())
	buf.WriteString("\r\n")
	for _, part := range []struct{ ctype, body string }{
		{"text/plain", input.BodyText},
		{"text/html", input.BodyHTML},
	} {
		w, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {part.ctype + "; charset=utf-8"},
			"Content-Transfer-Encoding": {"8bit"},
		})
		if err != nil {
			return nil, err
		}
		if _, err := w.Write([]byte(crlf(part.body))); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func crlf(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "\r\n")
}

var _ EmailProvider = (*SMTPClient)(nil)
