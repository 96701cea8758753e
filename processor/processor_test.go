package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/imap-attachment-sync/api"
	"github.com/dhcgn/imap-attachment-sync/fetch"
	"github.com/dhcgn/imap-attachment-sync/model"
	"github.com/dhcgn/imap-attachment-sync/rules"
)

type fakeMessage struct {
	id          string
	from        string
	subject     string
	date        time.Time
	text        string
	attachments []model.Attachment
	loadErr     error

	loadOrder *[]string
	movedTo   []string
}

func (m *fakeMessage) ID() string { return m.id }

func (m *fakeMessage) LoadContent(context.Context) error {
	if m.loadOrder != nil {
		*m.loadOrder = append(*m.loadOrder, m.id)
	}
	return m.loadErr
}

func (m *fakeMessage) From() string    { return m.from }
func (m *fakeMessage) Subject() string { return m.subject }
func (m *fakeMessage) Date() time.Time { return m.date }
func (m *fakeMessage) Text() string    { return m.text }

func (m *fakeMessage) SearchAttachments(match *rules.AttachmentMatch) []model.Attachment {
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

func (m *fakeMessage) Move(_ context.Context, folder string) error {
	m.movedTo = append(m.movedTo, folder)
	return nil
}

type fakeMailbox struct {
	messages []Message
	err      error
}

func (m *fakeMailbox) Search(context.Context, rules.Search) ([]Message, error) {
	return m.messages, m.err
}

type uploadCall struct {
	payload model.Payload
	content []byte
}

type fakeUploader struct {
	uploads      []uploadCall
	checks       []model.Payload
	existsResult api.ExistsResult
	existsErr    error
	uploadErr    func(payload model.Payload, content []byte) error
}

func (u *fakeUploader) CheckExists(_ context.Context, payload model.Payload) (api.ExistsResult, error) {
	u.checks = append(u.checks, payload)
	return u.existsResult, u.existsErr
}

func (u *fakeUploader) Upload(_ context.Context, payload model.Payload, content []byte) error {
	if u.uploadErr != nil {
		if err := u.uploadErr(payload, content); err != nil {
			return err
		}
	}
	u.uploads = append(u.uploads, uploadCall{payload: payload, content: content})
	return nil
}

type fakeFetcher struct {
	responses map[string]*fetch.Response
	errs      map[string]error
	requested []string
}

func (f *fakeFetcher) Get(_ context.Context, url string) (*fetch.Response, error) {
	f.requested = append(f.requested, url)
	if err := f.errs[url]; err != nil {
		return nil, err
	}
	response, ok := f.responses[url]
	if !ok {
		return nil, fmt.Errorf("unexpected url %s", url)
	}
	return response, nil
}

type savedFile struct {
	dateFormatted string
	mailHash      string
	filename      string
}

type fakeSaver struct {
	saved []savedFile
	err   error
}

func (s *fakeSaver) Save(dateFormatted, mailHash, filename string, content []byte) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	s.saved = append(s.saved, savedFile{dateFormatted: dateFormatted, mailHash: mailHash, filename: filename})
	return filepath.Join("/tmp", dateFormatted, mailHash, filename), nil
}

func testOptions() Options {
	return Options{
		InboxFolder:        "INBOX",
		ProcessedFolder:    "Processed",
		NotProcessedFolder: "NotProcessed",
		DateFormat:         "2006-01-02",
	}
}

func newProcessor(t *testing.T, mb Mailbox, uploader Uploader, fetcher Fetcher, saver Saver) *Processor {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	proc, err := New(mb, uploader, fetcher, saver, testOptions(), logger)
	require.NoError(t, err)
	return proc
}

func loadRules(t *testing.T, content string) []rules.Rule {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rules.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	loaded, err := rules.Load(path)
	require.NoError(t, err)
	return loaded
}

var receptionDate = time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

func TestRun_NoAttachmentsUploadsMetadataOnly(t *testing.T) {
	message := &fakeMessage{id: "1", from: "a@example.com", subject: "hello", date: receptionDate}
	uploader := &fakeUploader{existsResult: api.NotFound}
	proc := newProcessor(t, &fakeMailbox{messages: []Message{message}}, uploader, &fakeFetcher{}, nil)

	ruleList := loadRules(t, `[{"search": {}}]`)
	require.NoError(t, proc.Run(context.Background(), ruleList, 0))

	require.Len(t, uploader.uploads, 1)
	payload := uploader.uploads[0].payload
	assert.Equal(t, "INBOX", payload.Folder)
	assert.Equal(t, "a@example.com", payload.From)
	assert.Equal(t, "hello", payload.Subject)
	assert.Equal(t, model.MailHash("a@example.com", "hello", receptionDate), payload.MailHash)
	assert.Empty(t, payload.Lifecycle)
	assert.Empty(t, payload.AttachmentHash)
	assert.Nil(t, uploader.uploads[0].content)

	assert.Equal(t, []string{"Processed"}, message.movedTo)
	assert.Equal(t, 1, proc.Summary().MetadataUploads)
}

func TestRun_CapAndReverseOrder(t *testing.T) {
	var order []string
	messages := []Message{}
	fakes := []*fakeMessage{}
	for _, id := range []string{"1", "2", "3", "4"} {
		m := &fakeMessage{id: id, from: "a@example.com", subject: "s", date: receptionDate, loadOrder: &order}
		fakes = append(fakes, m)
		messages = append(messages, m)
	}

	uploader := &fakeUploader{existsResult: api.NotFound}
	proc := newProcessor(t, &fakeMailbox{messages: messages}, uploader, &fakeFetcher{}, nil)

	require.NoError(t, proc.Run(context.Background(), loadRules(t, `[{"search": {}}]`), 2))

	// Only the first two search hits are kept, visited last-first.
	assert.Equal(t, []string{"2", "1"}, order)
	assert.Equal(t, []string{"Processed"}, fakes[0].movedTo)
	assert.Equal(t, []string{"Processed"}, fakes[1].movedTo)
	assert.Empty(t, fakes[2].movedTo)
	assert.Empty(t, fakes[3].movedTo)
}

func TestRun_DirectAttachmentUploaded(t *testing.T) {
	content := []byte("%PDF-fake")
	message := &fakeMessage{
		id: "1", from: "a@example.com", subject: "invoice", date: receptionDate,
		attachments: []model.Attachment{
			{Filename: "report.pdf", Content: content},
			{Filename: "notes.txt", Content: []byte("skip")},
		},
	}
	uploader := &fakeUploader{existsResult: api.NotFound}
	saver := &fakeSaver{}
	proc := newProcessor(t, &fakeMailbox{messages: []Message{message}}, uploader, &fakeFetcher{}, saver)

	ruleList := loadRules(t, `[{"search": {}, "attachments": {"filename": "\\.pdf$"}}]`)
	require.NoError(t, proc.Run(context.Background(), ruleList, 0))

	require.Len(t, uploader.uploads, 1)
	payload := uploader.uploads[0].payload
	mailHash := model.MailHash("a@example.com", "invoice", receptionDate)
	attachmentHash := model.ContentHash(content)

	assert.Equal(t, "report.pdf", payload.AttachmentFilename)
	assert.Equal(t, attachmentHash, payload.AttachmentHash)
	assert.Equal(t, fmt.Sprintf("INBOX_2024-01-01_%s_%s.pdf", mailHash, attachmentHash), payload.AttachmentRenamed)
	assert.Equal(t, model.LifecycleSuccess, payload.Lifecycle)
	assert.Equal(t, content, uploader.uploads[0].content)

	require.Len(t, saver.saved, 1)
	assert.Equal(t, "2024-01-01", saver.saved[0].dateFormatted)
	assert.Equal(t, mailHash, saver.saved[0].mailHash)
	assert.Equal(t, payload.AttachmentRenamed, saver.saved[0].filename)

	assert.Equal(t, []string{"Processed"}, message.movedTo)
}

func TestRun_BodyParsedAttachment(t *testing.T) {
	message := &fakeMessage{
		id: "1", from: "a@example.com", subject: "link", date: receptionDate,
		text: "see file at https://x.example/y.pdf",
	}
	header := http.Header{}
	header.Set("Content-Disposition", "attachment; filename=y.pdf")
	fetcher := &fakeFetcher{responses: map[string]*fetch.Response{
		"https://x.example/y.pdf": {Header: header, Body: []byte("file-bytes")},
	}}
	uploader := &fakeUploader{existsResult: api.NotFound}
	proc := newProcessor(t, &fakeMailbox{messages: []Message{message}}, uploader, fetcher, nil)

	ruleList := loadRules(t, `[{"search": {}, "body_parser": {"url_patterns": [{"pattern": "https://\\S+"}]}}]`)
	require.NoError(t, proc.Run(context.Background(), ruleList, 0))

	assert.Equal(t, []string{"https://x.example/y.pdf"}, fetcher.requested)
	require.Len(t, uploader.uploads, 1)
	assert.Equal(t, "y.pdf", uploader.uploads[0].payload.AttachmentFilename)
	assert.Equal(t, []byte("file-bytes"), uploader.uploads[0].content)
	assert.Equal(t, []string{"Processed"}, message.movedTo)
}

func TestRun_ErrorBeforeHashSkipsFailureRecord(t *testing.T) {
	message := &fakeMessage{id: "1", loadErr: errors.New("fetch blew up")}
	uploader := &fakeUploader{existsResult: api.NotFound}
	proc := newProcessor(t, &fakeMailbox{messages: []Message{message}}, uploader, &fakeFetcher{}, nil)

	require.NoError(t, proc.Run(context.Background(), loadRules(t, `[{"search": {}}]`), 0))

	assert.Empty(t, uploader.uploads, "no record may be uploaded when the mail hash was never derived")
	assert.Equal(t, []string{"NotProcessed"}, message.movedTo)
	assert.Equal(t, 1, proc.Summary().MessagesFailed)
}

func TestRun_MessageErrorRecordUploaded(t *testing.T) {
	message := &fakeMessage{id: "1", from: "a@example.com", subject: "s", date: receptionDate}
	uploader := &fakeUploader{
		existsResult: api.NotFound,
		uploadErr: func(payload model.Payload, _ []byte) error {
			// The plain email record fails; the failure record must pass.
			if payload.Lifecycle == "" {
				return errors.New("api down")
			}
			return nil
		},
	}
	proc := newProcessor(t, &fakeMailbox{messages: []Message{message}}, uploader, &fakeFetcher{}, nil)

	require.NoError(t, proc.Run(context.Background(), loadRules(t, `[{"search": {}}]`), 0))

	require.Len(t, uploader.uploads, 1)
	record := uploader.uploads[0].payload
	assert.Equal(t, model.LifecycleMessageError, record.Lifecycle)
	assert.Contains(t, record.LifecycleError, "api down")
	assert.Equal(t, []string{"NotProcessed"}, message.movedTo)
}

func TestRun_FailureRecordUploadFailureStillMovesMessage(t *testing.T) {
	message := &fakeMessage{id: "1", from: "a@example.com", subject: "s", date: receptionDate}
	uploader := &fakeUploader{
		existsResult: api.NotFound,
		uploadErr: func(model.Payload, []byte) error {
			return errors.New("api down hard")
		},
	}
	proc := newProcessor(t, &fakeMailbox{messages: []Message{message}}, uploader, &fakeFetcher{}, nil)

	require.NoError(t, proc.Run(context.Background(), loadRules(t, `[{"search": {}}]`), 0))

	assert.Empty(t, uploader.uploads)
	assert.Equal(t, []string{"NotProcessed"}, message.movedTo)
}

func TestRun_PartialAttachmentFailureIsolated(t *testing.T) {
	message := &fakeMessage{
		id: "1", from: "a@example.com", subject: "s", date: receptionDate,
		attachments: []model.Attachment{
			{Filename: "one.pdf", Content: []byte("1")},
			{Filename: "two.pdf", Content: []byte("2")},
			{Filename: "three.pdf", Content: []byte("3")},
		},
	}
	uploader := &fakeUploader{
		existsResult: api.NotFound,
		uploadErr: func(payload model.Payload, content []byte) error {
			if payload.AttachmentFilename == "two.pdf" && content != nil {
				return errors.New("two rejected")
			}
			return nil
		},
	}
	proc := newProcessor(t, &fakeMailbox{messages: []Message{message}}, uploader, &fakeFetcher{}, nil)

	ruleList := loadRules(t, `[{"search": {}, "attachments": {}}]`)
	require.NoError(t, proc.Run(context.Background(), ruleList, 0))

	// one and three succeed with binary, two gets a metadata-only error record.
	require.Len(t, uploader.uploads, 3)
	byName := map[string]uploadCall{}
	for _, call := range uploader.uploads {
		byName[call.payload.AttachmentFilename] = call
	}
	assert.Equal(t, model.LifecycleSuccess, byName["one.pdf"].payload.Lifecycle)
	assert.Equal(t, model.LifecycleSuccess, byName["three.pdf"].payload.Lifecycle)
	assert.Equal(t, model.LifecycleAttachmentError, byName["two.pdf"].payload.Lifecycle)
	assert.Contains(t, byName["two.pdf"].payload.LifecycleError, "two rejected")
	assert.Nil(t, byName["two.pdf"].content)

	// The message still moves exactly once, to the processed folder.
	assert.Equal(t, []string{"Processed"}, message.movedTo)

	summary := proc.Summary()
	assert.Equal(t, 2, summary.AttachmentsUploaded)
	assert.Equal(t, 1, summary.AttachmentsFailed)
}

func TestRun_DuplicateAttachmentSkipsUpload(t *testing.T) {
	message := &fakeMessage{
		id: "1", from: "a@example.com", subject: "s", date: receptionDate,
		attachments: []model.Attachment{{Filename: "report.pdf", Content: []byte("x")}},
	}
	uploader := &fakeUploader{existsResult: api.Found}
	proc := newProcessor(t, &fakeMailbox{messages: []Message{message}}, uploader, &fakeFetcher{}, nil)

	ruleList := loadRules(t, `[{"search": {}, "attachments": {}}]`)
	require.NoError(t, proc.Run(context.Background(), ruleList, 0))

	require.Len(t, uploader.checks, 1)
	assert.Empty(t, uploader.uploads, "an existing record must not be re-uploaded")
	assert.Equal(t, []string{"Processed"}, message.movedTo)
	assert.Equal(t, 1, proc.Summary().AttachmentsDuplicate)
}

func TestRun_BodyFetchFailureIsMessageError(t *testing.T) {
	message := &fakeMessage{
		id: "1", from: "a@example.com", subject: "s", date: receptionDate,
		text: "see https://x.example/y.pdf",
	}
	fetcher := &fakeFetcher{errs: map[string]error{"https://x.example/y.pdf": errors.New("connection refused")}}
	uploader := &fakeUploader{existsResult: api.NotFound}
	proc := newProcessor(t, &fakeMailbox{messages: []Message{message}}, uploader, fetcher, nil)

	ruleList := loadRules(t, `[{"search": {}, "body_parser": {"url_patterns": [{"pattern": "https://\\S+"}]}}]`)
	require.NoError(t, proc.Run(context.Background(), ruleList, 0))

	require.Len(t, uploader.uploads, 1)
	assert.Equal(t, model.LifecycleMessageError, uploader.uploads[0].payload.Lifecycle)
	assert.Equal(t, []string{"NotProcessed"}, message.movedTo)
}

func TestRun_SearchFailureAbortsRun(t *testing.T) {
	proc := newProcessor(t, &fakeMailbox{err: errors.New("mailbox gone")}, &fakeUploader{}, &fakeFetcher{}, nil)

	err := proc.Run(context.Background(), loadRules(t, `[{"search": {}}]`), 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mailbox gone")
}

func TestNew_Validation(t *testing.T) {
	mb := &fakeMailbox{}
	uploader := &fakeUploader{}
	fetcher := &fakeFetcher{}

	_, err := New(nil, uploader, fetcher, nil, testOptions(), nil)
	assert.Error(t, err)
	_, err = New(mb, nil, fetcher, nil, testOptions(), nil)
	assert.Error(t, err)
	_, err = New(mb, uploader, nil, nil, testOptions(), nil)
	assert.Error(t, err)
	_, err = New(mb, uploader, fetcher, nil, Options{}, nil)
	assert.Error(t, err)
}
