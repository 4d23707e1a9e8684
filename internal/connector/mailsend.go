package connector

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/msgrelay/relayhub/internal/models"
)

const smtpDialTimeout = 5 * time.Second

// SendMailFunc matches smtp.SendMail and is swappable in tests.
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// MailSendConnector delivers canonical messages as outbound email over SMTP.
type MailSendConnector struct {
	manifest models.ConnectorManifest
	sendMail SendMailFunc
}

var _ Connector = (*MailSendConnector)(nil)

// NewMailSendConnector creates the SMTP sender with its manifest.
func NewMailSendConnector(m models.ConnectorManifest) *MailSendConnector {
	return &MailSendConnector{manifest: m, sendMail: smtp.SendMail}
}

// SetSendMailFunc replaces the SMTP send function. Used by tests.
func (c *MailSendConnector) SetSendMailFunc(fn SendMailFunc) {
	c.sendMail = fn
}

func (c *MailSendConnector) Name() string                       { return c.manifest.Name }
func (c *MailSendConnector) Manifest() models.ConnectorManifest { return c.manifest }

func (c *MailSendConnector) Fetch(ctx context.Context, inst models.ServiceInstance, sink NativeSink) (models.FetchResult, error) {
	return models.FetchResult{}, ErrDirectionUnsupported
}

// Send delivers one native outbound message. The native map must carry the
// resolved "to" address plus "subject" and "body".
func (c *MailSendConnector) Send(ctx context.Context, inst models.ServiceInstance, native map[string]string) error {
	host := inst.ConfigValue("smtp_host")
	port := inst.ConfigValue("smtp_port")
	from := inst.ConfigValue("from_address")
	if host == "" || from == "" {
		return errors.New("smtp_host and from_address must be configured")
	}
	if port == "" {
		port = "25"
	}

	to := native[NativeToField]
	if to == "" {
		return errors.New("outbound mail has no recipient address")
	}

	var auth smtp.Auth
	if user := inst.ConfigValue("username"); user != "" {
		auth = smtp.PlainAuth("", user, inst.ConfigValue("password"), host)
	}

	msg := buildMailMessage(from, to, native["subject"], native["body"])
	addr := net.JoinHostPort(host, port)
	if err := c.sendMail(addr, auth, from, []string{to}, msg); err != nil {
		return fmt.Errorf("smtp send to %s failed: %w", to, err)
	}
	return nil
}

func buildMailMessage(from, to, subject, body string) []byte {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	fmt.Fprintf(&b, "Date: %s\r\n", time.Now().UTC().Format(time.RFC1123Z))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return []byte(b.String())
}

func (c *MailSendConnector) TestConnection(ctx context.Context, config map[string]string) models.TestResult {
	host := config["smtp_host"]
	if host == "" {
		return models.TestResult{Message: "smtp_host not configured"}
	}
	port := config["smtp_port"]
	if port == "" {
		port = "25"
	}
	conn, err := net.DialTimeout("tcp", net.JoinHostPort(host, port), smtpDialTimeout)
	if err != nil {
		return models.TestResult{Message: err.Error()}
	}
	conn.Close()
	return models.TestResult{Success: true, Message: "smtp server reachable"}
}

func (c *MailSendConnector) TranslateToCanonical(rec models.NativeMessageRecord) (models.CanonicalFields, error) {
	return models.CanonicalFields{}, ErrDirectionUnsupported
}

// TranslateFromCanonical renders the canonical message into mail fields. The
// recipient address is left empty; the delivery worker fills it per entry.
func (c *MailSendConnector) TranslateFromCanonical(msg models.CanonicalMessage, sourceName string) (map[string]string, error) {
	body := msg.Body
	if header := RenderHeader(c.manifest.Formatting.HeaderTemplate, msg, sourceName); header != "" {
		body = header + "\n\n" + body
	}
	return map[string]string{
		"message_id": msg.ID,
		"subject":    msg.Subject,
		"body":       body,
	}, nil
}
