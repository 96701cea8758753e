// Package stats accumulates the run summary reported when the sync ends.
package stats

import "sync"

// Summary counts the outcomes of one sync run.
type Summary struct {
	MessagesProcessed    int
	MessagesFailed       int
	MetadataUploads      int
	AttachmentsUploaded  int
	AttachmentsDuplicate int
	AttachmentsFailed    int
	LastError            error
}

// LogAttrs renders the summary as slog key-value pairs.
func (s Summary) LogAttrs() []any {
	attrs := []any{
		"messagesProcessed", s.MessagesProcessed,
		"messagesFailed", s.MessagesFailed,
		"metadataUploads", s.MetadataUploads,
		"attachmentsUploaded", s.AttachmentsUploaded,
		"attachmentsDuplicate", s.AttachmentsDuplicate,
		"attachmentsFailed", s.AttachmentsFailed,
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Collector gathers outcome counts as the processor works through messages.
type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{}
}

func (c *Collector) MessageProcessed() { c.add(func(s *Summary) { s.MessagesProcessed++ }) }
func (c *Collector) MetadataUpload()   { c.add(func(s *Summary) { s.MetadataUploads++ }) }

func (c *Collector) MessageFailed(err error) {
	c.add(func(s *Summary) {
		s.MessagesFailed++
		if err != nil {
			s.LastError = err
		}
	})
}

func (c *Collector) AttachmentUploaded()  { c.add(func(s *Summary) { s.AttachmentsUploaded++ }) }
func (c *Collector) AttachmentDuplicate() { c.add(func(s *Summary) { s.AttachmentsDuplicate++ }) }

func (c *Collector) AttachmentFailed(err error) {
	c.add(func(s *Summary) {
		s.AttachmentsFailed++
		if err != nil {
			s.LastError = err
		}
	})
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	summary := c.summary
	c.mu.Unlock()
	return summary
}

func (c *Collector) add(apply func(*Summary)) {
	c.mu.Lock()
	apply(&c.summary)
	c.mu.Unlock()
}
