package connector

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/msgrelay/relayhub/internal/models"
)

// archiveDirName is the subdirectory of the maildir that holds messages
// already stored in the native store.
const archiveDirName = "archive"

// MailPollConnector polls a maildir-style directory for inbound mail. Each
// file in the directory is one RFC 5322 message; once durably stored it is
// moved into the archive subdirectory so the next poll does not reread it.
type MailPollConnector struct {
	manifest models.ConnectorManifest
}

var _ Connector = (*MailPollConnector)(nil)

// NewMailPollConnector creates the maildir poller with its manifest.
func NewMailPollConnector(m models.ConnectorManifest) *MailPollConnector {
	return &MailPollConnector{manifest: m}
}

func (c *MailPollConnector) Name() string                       { return c.manifest.Name }
func (c *MailPollConnector) Manifest() models.ConnectorManifest { return c.manifest }

// Fetch reads every regular file in the configured maildir, stores it through
// sink, and archives it. A file that is already stored (duplicate native id)
// is archived as well so it stops being re-polled.
func (c *MailPollConnector) Fetch(ctx context.Context, inst models.ServiceInstance, sink NativeSink) (models.FetchResult, error) {
	dir := inst.ConfigValue("maildir")
	if dir == "" {
		return models.FetchResult{Message: "maildir not configured"}, errors.New("maildir not configured")
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return models.FetchResult{Message: err.Error()}, fmt.Errorf("failed to read maildir %s: %w", dir, err)
	}

	archiveDir := filepath.Join(dir, archiveDirName)
	if err := os.MkdirAll(archiveDir, 0o755); err != nil {
		return models.FetchResult{Message: err.Error()}, fmt.Errorf("failed to create archive dir: %w", err)
	}

	stored := 0
	var firstErr error
	for _, entry := range entries {
		if ctx.Err() != nil {
			break
		}
		if entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(dir, entry.Name())

		nativeID, fields, err := c.parseMailFile(path)
		if err != nil {
			slog.Error("MailPollConnector.Fetch: failed to parse message", "path", path, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		if err := sink.Store(nativeID, fields); err != nil {
			if errors.Is(err, models.ErrDuplicateMessage) {
				slog.Debug("MailPollConnector.Fetch: message already stored, archiving", "nativeID", nativeID)
			} else {
				slog.Error("MailPollConnector.Fetch: failed to store message", "nativeID", nativeID, "error", err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
		} else {
			stored++
		}

		if err := os.Rename(path, filepath.Join(archiveDir, entry.Name())); err != nil {
			slog.Error("MailPollConnector.Fetch: failed to archive message", "path", path, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	res := models.FetchResult{
		Success: firstErr == nil,
		Count:   stored,
		Message: fmt.Sprintf("stored %d message(s)", stored),
	}
	if firstErr != nil {
		res.Message = firstErr.Error()
	}
	return res, firstErr
}

func (c *MailPollConnector) parseMailFile(path string) (string, map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	msg, err := mail.ReadMessage(f)
	if err != nil {
		return "", nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}
	body, err := io.ReadAll(msg.Body)
	if err != nil {
		return "", nil, fmt.Errorf("failed to read body of %s: %w", path, err)
	}

	nativeID := strings.Trim(msg.Header.Get("Message-ID"), "<>")
	if nativeID == "" {
		// Messages without a Message-ID are keyed by filename.
		nativeID = filepath.Base(path)
	}

	date := time.Now().UTC()
	if d, err := msg.Header.Date(); err == nil {
		date = d.UTC()
	}

	fields := map[string]string{
		"message_id": nativeID,
		"from":       msg.Header.Get("From"),
		"to":         msg.Header.Get("To"),
		"subject":    msg.Header.Get("Subject"),
		"body":       string(body),
		"date":       date.Format(time.RFC3339),
	}
	return nativeID, fields, nil
}

func (c *MailPollConnector) Send(ctx context.Context, inst models.ServiceInstance, native map[string]string) error {
	return ErrDirectionUnsupported
}

func (c *MailPollConnector) TestConnection(ctx context.Context, config map[string]string) models.TestResult {
	dir := config["maildir"]
	if dir == "" {
		return models.TestResult{Message: "maildir not configured"}
	}
	info, err := os.Stat(dir)
	if err != nil {
		return models.TestResult{Message: err.Error()}
	}
	if !info.IsDir() {
		return models.TestResult{Message: fmt.Sprintf("%s is not a directory", dir)}
	}
	return models.TestResult{Success: true, Message: "maildir reachable"}
}

// TranslateToCanonical maps a stored mail record onto canonical fields. The
// message date must parse as RFC 3339; a record that fails here is retried by
// the canonicalizer up to its attempt bound.
func (c *MailPollConnector) TranslateToCanonical(rec models.NativeMessageRecord) (models.CanonicalFields, error) {
	date, err := time.Parse(time.RFC3339, rec.Field("date"))
	if err != nil {
		return models.CanonicalFields{}, fmt.Errorf("invalid date field: %w", err)
	}

	var recipients []string
	if to := rec.Field("to"); to != "" {
		if addrs, err := mail.ParseAddressList(to); err == nil {
			for _, a := range addrs {
				recipients = append(recipients, a.Address)
			}
		} else {
			recipients = []string{to}
		}
	}

	sender := rec.Field("from")
	if addr, err := mail.ParseAddress(sender); err == nil {
		sender = addr.Address
	}

	return models.CanonicalFields{
		Subject:    rec.Field("subject"),
		Body:       rec.Field("body"),
		Sender:     sender,
		Recipients: recipients,
		Date:       date,
	}, nil
}

func (c *MailPollConnector) TranslateFromCanonical(msg models.CanonicalMessage, sourceName string) (map[string]string, error) {
	return nil, ErrDirectionUnsupported
}
