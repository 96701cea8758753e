package model

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"time"
)

// Lifecycle tags the outcome recorded on an uploaded payload.
type Lifecycle string

const (
	LifecycleSuccess         Lifecycle = "success"
	LifecycleMessageError    Lifecycle = "message_error"
	LifecycleAttachmentError Lifecycle = "attachment_error"
)

// Payload is the record uploaded to the inventory API. A message-level
// record leaves the attachment fields empty; an attachment-level record is a
// copy of the message baseline with the attachment fields populated.
type Payload struct {
	Folder             string    `json:"folder"`
	From               string    `json:"from"`
	Subject            string    `json:"subject"`
	ReceptionDate      time.Time `json:"reception_date"`
	MailHash           string    `json:"mail_hash"`
	AttachmentFilename string    `json:"attachment_filename,omitempty"`
	AttachmentHash     string    `json:"attachment_hash,omitempty"`
	AttachmentRenamed  string    `json:"attachment_renamed,omitempty"`
	Lifecycle          Lifecycle `json:"lifecycle,omitempty"`
	LifecycleError     string    `json:"lifecycle_error,omitempty"`
}

// Attachment is one extracted file, either a MIME part of the message or the
// body of a URL referenced in the message text. It only lives for the
// duration of one message's processing.
type Attachment struct {
	Filename string
	Content  []byte
}

// MailHash derives the stable grouping key for one message. Identical
// (from, subject, date) triples always yield the same hash.
func MailHash(from, subject string, date time.Time) string {
	return hashBytes([]byte(from + subject + date.UTC().Format(time.RFC3339)))
}

// ContentHash derives the content-addressed identifier for attachment bytes.
func ContentHash(content []byte) string {
	return hashBytes(content)
}

// RenamedFilename builds the deterministic attachment name
// folder_date_mailHash_attachmentHash.ext. The extension keeps its leading
// dot and is empty when the original filename has none.
func RenamedFilename(folder, dateFormatted, mailHash, attachmentHash, filename string) string {
	return fmt.Sprintf("%s_%s_%s_%s%s", folder, dateFormatted, mailHash, attachmentHash, filepath.Ext(filename))
}

func hashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
