package notify

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/smtp"
	"strconv"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"go.uber.org/zap"

	"mediaconsole/internal/config"
	"mediaconsole/internal/models"
)

const dialTimeout = 10 * time.Second

// Sender announces accepted access mutations to operators.
type Sender interface {
	Notify(ctx context.Context, ev models.AccessEvent) error
}

// NewSender returns nil when notifications are disabled.
func NewSender(cfg config.Config, logger *zap.Logger) Sender {
	switch cfg.NotifySender {
	case "none":
		return nil
	case "smtp":
		return &SMTPSender{host: cfg.SMTPHost, port: cfg.SMTPPort, from: cfg.NotifyFrom, to: cfg.NotifyTo}
	default:
		return LogSender{logger: logger}
	}
}

type LogSender struct {
	logger *zap.Logger
}

func (s LogSender) Notify(_ context.Context, ev models.AccessEvent) error {
	s.logger.Info("Access event", zap.String("subject", Subject(ev)), zap.Int64("media_id", ev.MediaID))
	return nil
}

type SMTPSender struct {
	host string
	port int
	from string
	to   []string
}

func (s *SMTPSender) Notify(ctx context.Context, ev models.AccessEvent) error {
	raw, err := Compose(s.from, s.to, ev)
	if err != nil {
		return err
	}
	return s.send(ctx, raw)
}

func (s *SMTPSender) send(ctx context.Context, raw []byte) error {
	addr := net.JoinHostPort(s.host, strconv.Itoa(s.port))
	dialer := &net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	client, err := smtp.NewClient(conn, s.host)
	if err != nil {
		_ = conn.Close()
		return err
	}
	defer client.Close()

	if ok, _ := client.Extension("STARTTLS"); ok {
		if err := client.StartTLS(&tls.Config{ServerName: s.host}); err != nil {
			return err
		}
	}
	if err := client.Mail(s.from); err != nil {
		return err
	}
	for _, r := range s.to {
		if err := client.Rcpt(strings.TrimSpace(r)); err != nil {
			return err
		}
	}
	wc, err := client.Data()
	if err != nil {
		return err
	}
	if _, err := wc.Write(raw); err != nil {
		return err
	}
	if err := wc.Close(); err != nil {
		return err
	}
	return client.Quit()
}

// Compose renders ev as a plain-text RFC 5322 message.
func Compose(from string, to []string, ev models.AccessEvent) ([]byte, error) {
	var h mail.Header
	h.SetDate(ev.OccurredAt)
	h.SetSubject(Subject(ev))
	h.SetAddressList("From", []*mail.Address{{Address: from}})
	rcpt := make([]*mail.Address, 0, len(to))
	for _, addr := range to {
		rcpt = append(rcpt, &mail.Address{Address: strings.TrimSpace(addr)})
	}
	h.SetAddressList("To", rcpt)
	if err := h.GenerateMessageID(); err != nil {
		return nil, err
	}
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, err
	}
	if _, err := io.WriteString(w, Body(ev)); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Subject(ev models.AccessEvent) string {
	switch ev.Kind {
	case models.EventRequestCreated:
		return fmt.Sprintf("New access request for media %d", ev.MediaID)
	case models.EventRequestProcessed:
		return fmt.Sprintf("Access request %s for media %d", ev.Status, ev.MediaID)
	case models.EventLockChanged:
		if ev.IsLocked != nil && !*ev.IsLocked {
			return fmt.Sprintf("Media %d unlocked", ev.MediaID)
		}
		return fmt.Sprintf("Media %d locked", ev.MediaID)
	}
	return fmt.Sprintf("Access change for media %d", ev.MediaID)
}

func Body(ev models.AccessEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\r\n\r\n", Subject(ev))
	fmt.Fprintf(&b, "Media: %d\r\n", ev.MediaID)
	if ev.RequestID != nil {
		fmt.Fprintf(&b, "Request: %d\r\n", *ev.RequestID)
	}
	if ev.AdminID != nil {
		fmt.Fprintf(&b, "Admin: %d\r\n", *ev.AdminID)
	}
	if ev.Notes != nil && *ev.Notes != "" {
		fmt.Fprintf(&b, "Notes: %s\r\n", *ev.Notes)
	}
	if ev.ExpiryDate != nil {
		fmt.Fprintf(&b, "Expires: %s\r\n", *ev.ExpiryDate)
	}
	fmt.Fprintf(&b, "At: %s\r\n", ev.OccurredAt.UTC().Format(time.RFC3339))
	return b.String()
}
