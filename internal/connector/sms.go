package connector

import (
	"context"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/twilio/twilio-go"
	api "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/msgrelay/relayhub/internal/models"
)

// maxSMSBodyLength bounds outbound SMS bodies; Twilio rejects longer payloads.
const maxSMSBodyLength = 1600

// smsSender abstracts the Twilio message API for tests.
type smsSender interface {
	CreateMessage(params *api.CreateMessageParams) (*api.ApiV2010Message, error)
}

// SMSConnector delivers canonical messages as SMS via the Twilio REST API.
// It is outbound-only; the short form it renders uses the message snippet
// rather than the full body.
type SMSConnector struct {
	manifest models.ConnectorManifest
	// newSender builds a Twilio client for one instance's credentials.
	// Swappable in tests.
	newSender func(accountSID, authToken string) smsSender
}

var _ Connector = (*SMSConnector)(nil)

// NewSMSConnector creates the Twilio SMS sender with its manifest.
func NewSMSConnector(m models.ConnectorManifest) *SMSConnector {
	return &SMSConnector{
		manifest: m,
		newSender: func(accountSID, authToken string) smsSender {
			client := twilio.NewRestClientWithParams(twilio.ClientParams{
				Username: accountSID,
				Password: authToken,
			})
			return client.Api
		},
	}
}

// SetSenderFactory replaces the Twilio client factory. Used by tests.
func (c *SMSConnector) SetSenderFactory(fn func(accountSID, authToken string) smsSender) {
	c.newSender = fn
}

func (c *SMSConnector) Name() string                       { return c.manifest.Name }
func (c *SMSConnector) Manifest() models.ConnectorManifest { return c.manifest }

func (c *SMSConnector) Fetch(ctx context.Context, inst models.ServiceInstance, sink NativeSink) (models.FetchResult, error) {
	return models.FetchResult{}, ErrDirectionUnsupported
}

func (c *SMSConnector) Send(ctx context.Context, inst models.ServiceInstance, native map[string]string) error {
	accountSID := inst.ConfigValue("account_sid")
	authToken := inst.ConfigValue("auth_token")
	from := inst.ConfigValue("from_number")
	if accountSID == "" || authToken == "" || from == "" {
		return errors.New("account_sid, auth_token and from_number must be configured")
	}

	to := native[NativeToField]
	if to == "" {
		return errors.New("outbound sms has no recipient number")
	}
	body := native["body"]
	if utf8.RuneCountInString(body) > maxSMSBodyLength {
		runes := []rune(body)
		body = string(runes[:maxSMSBodyLength])
	}

	params := &api.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetBody(body)

	resp, err := c.newSender(accountSID, authToken).CreateMessage(params)
	if err != nil {
		return fmt.Errorf("twilio send to %s failed: %w", to, err)
	}
	if resp.Sid == nil {
		return fmt.Errorf("twilio send to %s returned no message SID", to)
	}
	return nil
}

func (c *SMSConnector) TestConnection(ctx context.Context, config map[string]string) models.TestResult {
	for _, key := range []string{"account_sid", "auth_token", "from_number"} {
		if config[key] == "" {
			return models.TestResult{Message: fmt.Sprintf("%s not configured", key)}
		}
	}
	return models.TestResult{Success: true, Message: "sms credentials present"}
}

func (c *SMSConnector) TranslateToCanonical(rec models.NativeMessageRecord) (models.CanonicalFields, error) {
	return models.CanonicalFields{}, ErrDirectionUnsupported
}

// TranslateFromCanonical renders the SMS short form: the attribution header
// followed by the snippet.
func (c *SMSConnector) TranslateFromCanonical(msg models.CanonicalMessage, sourceName string) (map[string]string, error) {
	body := msg.Snippet
	if body == "" {
		body = models.MakeSnippet(msg.Body)
	}
	if header := RenderHeader(c.manifest.Formatting.HeaderTemplate, msg, sourceName); header != "" {
		body = header + "\n" + body
	}
	return map[string]string{
		"message_id": msg.ID,
		"body":       body,
	}, nil
}
