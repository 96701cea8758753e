package mailbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-message/mail"

	"github.com/dhcgn/imap-attachment-sync/model"
	"github.com/dhcgn/imap-attachment-sync/rules"
)

// Message is a handle over one mailbox entry found by Search. Envelope
// fields, body text and attachments are empty until LoadContent runs.
type Message struct {
	client *Client
	uid    imapv2.UID

	from        string
	subject     string
	date        time.Time
	text        string
	attachments []model.Attachment
}

// ID returns the stable mailbox identifier of this message.
func (m *Message) ID() string {
	return strconv.FormatUint(uint64(m.uid), 10)
}

// LoadContent fetches the full message and parses its MIME structure into
// the text body and the list of direct attachments.
func (m *Message) LoadContent(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	uidSet := imapv2.UIDSetNum(m.uid)
	bodySection := &imapv2.FetchItemBodySection{Peek: true}
	fetchOpts := &imapv2.FetchOptions{
		Envelope:    true,
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{bodySection},
	}

	fetchCmd := m.client.client.Fetch(uidSet, fetchOpts)
	defer fetchCmd.Close()

	msg := fetchCmd.Next()
	if msg == nil {
		return fmt.Errorf("message uid %d not found", m.uid)
	}

	buf, err := msg.Collect()
	if err != nil {
		return fmt.Errorf("collect message uid %d: %w", m.uid, err)
	}
	if err := fetchCmd.Close(); err != nil {
		return fmt.Errorf("fetch uid %d: %w", m.uid, err)
	}

	if buf.Envelope != nil {
		m.subject = buf.Envelope.Subject
		m.date = buf.Envelope.Date
		if len(buf.Envelope.From) > 0 {
			m.from = buf.Envelope.From[0].Addr()
		}
	}

	raw := buf.FindBodySection(bodySection)
	if raw == nil {
		return fmt.Errorf("message uid %d has no body", m.uid)
	}

	text, attachments, err := ParseRaw(raw)
	if err != nil {
		return fmt.Errorf("parse message uid %d: %w", m.uid, err)
	}
	m.text = text
	m.attachments = attachments

	return nil
}

func (m *Message) From() string    { return m.from }
func (m *Message) Subject() string { return m.subject }
func (m *Message) Date() time.Time { return m.date }
func (m *Message) Text() string    { return m.text }

// SearchAttachments returns the direct attachments selected by the rule's
// match spec.
func (m *Message) SearchAttachments(match *rules.AttachmentMatch) []model.Attachment {
	if match == nil {
		return nil
	}
	var selected []model.Attachment
	for _, attachment := range m.attachments {
		if match.Matches(attachment.Filename) {
			selected = append(selected, attachment)
		}
	}
	return selected
}

// Move relocates the message into the named folder. The UID handle becomes
// invalid afterwards.
func (m *Message) Move(ctx context.Context, folder string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := m.client.client.Move(imapv2.UIDSetNum(m.uid), folder).Wait(); err != nil {
		return fmt.Errorf("move uid %d to %s: %w", m.uid, folder, err)
	}
	return nil
}

// ParseRaw walks the MIME parts of a raw RFC 5322 message, returning the
// plain-text body and every attachment part with its content. A message that
// cannot be parsed as MIME is treated as one plain-text body.
func ParseRaw(raw []byte) (string, []model.Attachment, error) {
	reader, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		return string(raw), nil, nil
	}
	defer reader.Close()

	var (
		text        strings.Builder
		attachments []model.Attachment
	)

	for {
		part, err := reader.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", nil, fmt.Errorf("next part: %w", err)
		}

		switch header := part.Header.(type) {
		case *mail.InlineHeader:
			contentType, _, _ := header.ContentType()
			if !strings.HasPrefix(contentType, "text/plain") {
				continue
			}
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return "", nil, fmt.Errorf("read text part: %w", err)
			}
			text.Write(body)

		case *mail.AttachmentHeader:
			filename, _ := header.Filename()
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return "", nil, fmt.Errorf("read attachment part: %w", err)
			}
			attachments = append(attachments, model.Attachment{Filename: filename, Content: body})
		}
	}

	return text.String(), attachments, nil
}
