// Package processor implements the rule-driven message and attachment
// pipeline: search, extract, upload, route.
package processor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dhcgn/imap-attachment-sync/api"
	"github.com/dhcgn/imap-attachment-sync/fetch"
	"github.com/dhcgn/imap-attachment-sync/model"
	"github.com/dhcgn/imap-attachment-sync/rules"
	"github.com/dhcgn/imap-attachment-sync/stats"
)

// Message is one mailbox entry found by a rule search. Envelope fields are
// only valid after LoadContent has succeeded.
type Message interface {
	ID() string
	LoadContent(ctx context.Context) error
	From() string
	Subject() string
	Date() time.Time
	Text() string
	SearchAttachments(match *rules.AttachmentMatch) []model.Attachment
	Move(ctx context.Context, folder string) error
}

// Mailbox is the live mail session the processor searches against.
type Mailbox interface {
	Search(ctx context.Context, spec rules.Search) ([]Message, error)
}

// Uploader stores payload records remotely and answers existence checks.
type Uploader interface {
	CheckExists(ctx context.Context, payload model.Payload) (api.ExistsResult, error)
	Upload(ctx context.Context, payload model.Payload, content []byte) error
}

// Fetcher downloads files referenced by URL inside a message body.
type Fetcher interface {
	Get(ctx context.Context, url string) (*fetch.Response, error)
}

// Saver persists attachment bytes to local disk.
type Saver interface {
	Save(dateFormatted, mailHash, filename string, content []byte) (string, error)
}

// Bar receives per-message progress while a rule's batch is worked through.
type Bar interface {
	Step(messageID string)
	Fail(messageID string, err error)
	Stop()
}

type Options struct {
	InboxFolder        string
	ProcessedFolder    string
	NotProcessedFolder string
	// DateFormat is the Go time layout used for formatted reception dates
	// in attachment names and disk paths.
	DateFormat string
}

// Processor walks each rule's search hits, extracts attachments, uploads
// records and routes every message to a success or failure folder. All
// collaborators are injected so tests can substitute them.
type Processor struct {
	mailbox   Mailbox
	uploader  Uploader
	fetcher   Fetcher
	saver     Saver
	opts      Options
	logger    *slog.Logger
	collector *stats.Collector

	// NewBar, when set, creates a progress bar for each rule's batch.
	NewBar func(total int, rule int) Bar
}

// New wires a processor. The saver may be nil when attachments are not
// persisted to disk.
func New(mb Mailbox, uploader Uploader, fetcher Fetcher, saver Saver, opts Options, logger *slog.Logger) (*Processor, error) {
	if mb == nil {
		return nil, fmt.Errorf("mailbox must not be nil")
	}
	if uploader == nil {
		return nil, fmt.Errorf("uploader must not be nil")
	}
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher must not be nil")
	}
	if opts.InboxFolder == "" || opts.ProcessedFolder == "" || opts.NotProcessedFolder == "" {
		return nil, fmt.Errorf("all folder names must be configured")
	}
	if opts.DateFormat == "" {
		opts.DateFormat = "2006-01-02"
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Processor{
		mailbox:   mb,
		uploader:  uploader,
		fetcher:   fetcher,
		saver:     saver,
		opts:      opts,
		logger:    logger,
		collector: stats.NewCollector(),
	}, nil
}

// Run executes every rule in declaration order. When maxMessages is
// positive, only the first maxMessages search hits of each rule are kept
// before the batch is processed. A search failure aborts the run; everything
// past it is contained at the message or attachment boundary.
func (p *Processor) Run(ctx context.Context, ruleList []rules.Rule, maxMessages int) error {
	for i, rule := range ruleList {
		messages, err := p.mailbox.Search(ctx, rule.Search)
		if err != nil {
			return fmt.Errorf("rule %d search: %w", i, err)
		}

		if maxMessages > 0 && len(messages) > maxMessages {
			messages = messages[:maxMessages]
		}

		p.logger.Info("processing rule", "rule", i, "messages", len(messages))

		var bar Bar
		if p.NewBar != nil {
			bar = p.NewBar(len(messages), i)
		}

		p.processMessages(ctx, rule, messages, bar)

		if bar != nil {
			bar.Stop()
		}
	}

	return nil
}

// Summary returns the outcome counters collected so far.
func (p *Processor) Summary() stats.Summary {
	return p.collector.Snapshot()
}

// processMessages walks the batch from its end toward its start. Handles
// carry stable identifiers, but reverse order additionally keeps
// sequence-positional servers safe while messages are moved out of the
// mailbox mid-iteration.
func (p *Processor) processMessages(ctx context.Context, rule rules.Rule, messages []Message, bar Bar) {
	for i := len(messages) - 1; i >= 0; i-- {
		message := messages[i]
		p.logger.Info("processing message", "id", message.ID())

		payload := model.Payload{}

		err := func() error {
			if err := p.handleMessage(ctx, rule, message, &payload); err != nil {
				return err
			}
			return message.Move(ctx, p.opts.ProcessedFolder)
		}()

		if err == nil {
			p.collector.MessageProcessed()
			if bar != nil {
				bar.Step(message.ID())
			}
			continue
		}

		p.collector.MessageFailed(err)
		p.logger.Error("message processing failed", "id", message.ID(), "err", err)
		if bar != nil {
			bar.Fail(message.ID(), err)
			bar.Step(message.ID())
		}

		// Only messages whose identity was already derived get a failure
		// record; a fetch that died before the envelope was read leaves
		// nothing to report against.
		if payload.MailHash != "" {
			record := payload
			record.Lifecycle = model.LifecycleMessageError
			record.LifecycleError = err.Error()
			if uploadErr := p.uploader.Upload(ctx, record, nil); uploadErr != nil {
				p.logger.Error("failure record upload failed", "id", message.ID(), "err", uploadErr)
			}
		}

		if moveErr := message.Move(ctx, p.opts.NotProcessedFolder); moveErr != nil {
			p.logger.Error("move to not-processed folder failed", "id", message.ID(), "err", moveErr)
		}
	}
}

// handleMessage covers content fetch through upload for one message. The
// payload baseline is filled in place so the caller can build a failure
// record from whatever was derived before an error.
func (p *Processor) handleMessage(ctx context.Context, rule rules.Rule, message Message, payload *model.Payload) error {
	if err := message.LoadContent(ctx); err != nil {
		return fmt.Errorf("load content: %w", err)
	}

	payload.Folder = p.opts.InboxFolder
	payload.From = message.From()
	payload.Subject = message.Subject()
	payload.ReceptionDate = message.Date()
	payload.MailHash = model.MailHash(message.From(), message.Subject(), message.Date())

	var attachments []model.Attachment

	if rule.Attachments != nil {
		attachments = append(attachments, message.SearchAttachments(rule.Attachments)...)
	}

	if rule.BodyParser != nil {
		bodyAttachments, err := p.searchBodyAttachments(ctx, message.Text(), rule.BodyParser)
		if err != nil {
			return err
		}
		attachments = append(attachments, bodyAttachments...)
	}

	if len(attachments) == 0 {
		// An email without attachments still becomes a metadata-only record.
		if err := p.uploader.Upload(ctx, *payload, nil); err != nil {
			return fmt.Errorf("upload email record: %w", err)
		}
		p.collector.MetadataUpload()
		return nil
	}

	p.processAttachments(ctx, *payload, attachments)
	return nil
}

// searchBodyAttachments downloads every URL matched by the rule's body
// patterns, in pattern order. A download failure aborts the whole message.
func (p *Processor) searchBodyAttachments(ctx context.Context, text string, parser *rules.BodyParser) ([]model.Attachment, error) {
	var attachments []model.Attachment

	for i := range parser.URLPatterns {
		pattern := &parser.URLPatterns[i]
		for _, url := range pattern.FindURLs(text) {
			response, err := p.fetcher.Get(ctx, url)
			if err != nil {
				return nil, fmt.Errorf("fetch body attachment: %w", err)
			}

			filename := fetch.FilenameFromDisposition(response.Header.Get("Content-Disposition"), url)
			if filename == "" {
				return nil, fmt.Errorf("fetch body attachment: no filename for %s", url)
			}

			attachments = append(attachments, model.Attachment{Filename: filename, Content: response.Body})
		}
	}

	return attachments, nil
}

// processAttachments handles each attachment independently: a failure is
// recorded against that attachment alone and its siblings still get their
// own upload attempt.
func (p *Processor) processAttachments(ctx context.Context, base model.Payload, attachments []model.Attachment) {
	p.logger.Info("processing attachments", "mailHash", base.MailHash, "count", len(attachments))

	for _, attachment := range attachments {
		payload := base

		if err := p.processAttachment(ctx, &payload, attachment); err != nil {
			p.collector.AttachmentFailed(err)
			p.logger.Error("attachment processing failed", "filename", attachment.Filename, "err", err)

			payload.Lifecycle = model.LifecycleAttachmentError
			payload.LifecycleError = err.Error()
			if uploadErr := p.uploader.Upload(ctx, payload, nil); uploadErr != nil {
				p.logger.Error("attachment failure record upload failed", "filename", attachment.Filename, "err", uploadErr)
			}
		}
	}
}

func (p *Processor) processAttachment(ctx context.Context, payload *model.Payload, attachment model.Attachment) error {
	dateFormatted := payload.ReceptionDate.Format(p.opts.DateFormat)
	attachmentHash := model.ContentHash(attachment.Content)
	renamed := model.RenamedFilename(p.opts.InboxFolder, dateFormatted, payload.MailHash, attachmentHash, attachment.Filename)

	payload.AttachmentFilename = attachment.Filename
	payload.AttachmentHash = attachmentHash
	payload.AttachmentRenamed = renamed

	if p.saver != nil {
		path, err := p.saver.Save(dateFormatted, payload.MailHash, renamed, attachment.Content)
		if err != nil {
			return fmt.Errorf("save to disk: %w", err)
		}
		p.logger.Debug("attachment saved", "path", path)
	}

	payload.Lifecycle = model.LifecycleSuccess
	return p.uploadAttachment(ctx, *payload, attachment.Content)
}

// uploadAttachment uploads the record and binary unless the API already
// holds an equivalent one. A duplicate is a successful outcome.
func (p *Processor) uploadAttachment(ctx context.Context, payload model.Payload, content []byte) error {
	result, err := p.uploader.CheckExists(ctx, payload)
	if err != nil {
		return fmt.Errorf("check exists: %w", err)
	}

	if result != api.NotFound {
		p.logger.Info("attachment already uploaded", "renamed", payload.AttachmentRenamed)
		p.collector.AttachmentDuplicate()
		return nil
	}

	if err := p.uploader.Upload(ctx, payload, content); err != nil {
		return fmt.Errorf("upload attachment: %w", err)
	}
	p.collector.AttachmentUploaded()
	return nil
}
