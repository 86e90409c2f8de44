package models

import (
	"errors"
	"strings"
	"time"
)

const (
	PatientPrefix = "patient"
	FilePrefix    = "file"
	DevicePrefix  = "device"
)

var ErrIncorrectMetadata = errors.New("metadata item must be name=value with a known name")

// Kind classifies a record.
type Kind string

const (
	KindPatient Kind = "patient"
	KindFile    Kind = "file"
)

// Record is the unit of storage and replication.
type Record struct {
	ID             string       `json:"id"`
	Rev            string       `json:"rev,omitempty"`
	Kind           Kind         `json:"kind"`
	Metadata       Metadata     `json:"metadata"`
	ContentRef     ContentRef   `json:"content_ref"`
	BlockchainHash string       `json:"blockchain_hash,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
	DeviceID       string       `json:"device_id,omitempty"`
	SyncedFrom     string       `json:"synced_from,omitempty"`
	Deleted        bool         `json:"deleted,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// Attachment is immutable once added to a record.
type Attachment struct {
	ID             string     `json:"attachment_id"`
	ContentRef     ContentRef `json:"content_ref"`
	MetadataRef    ContentRef `json:"metadata_ref"`
	BlockchainHash string     `json:"blockchain_hash,omitempty"`
	Size           int64      `json:"size"`
	CreatedAt      time.Time  `json:"created_at"`
}

// AttachmentMeta is the encrypted descriptor of an uploaded file.
type AttachmentMeta struct {
	AttachmentID string    `json:"attachment_id"`
	Filename     string    `json:"filename"`
	DisplayName  string    `json:"display_name"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type"`
	UploadedAt   time.Time `json:"uploaded_at"`
	Description  string    `json:"description"`
	UploadedBy   string    `json:"uploaded_by"`
	SHA256       string    `json:"sha256"`
}

// PatientPayload is what gets encrypted into the content store for a
// patient revision.
type PatientPayload struct {
	ID        string    `json:"id"`
	Metadata  Metadata  `json:"metadata"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Payload extracts the encrypted part of r.
func (r Record) Payload() PatientPayload {
	return PatientPayload{ID: r.ID, Metadata: r.Metadata, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt}
}

// FindAttachment returns the attachment with the given id.
func (r Record) FindAttachment(id string) (Attachment, bool) {
	for _, a := range r.Attachments {
		if a.ID == id {
			return a, true
		}
	}
	return Attachment{}, false
}

// KindOf derives the kind from an identifier prefix.
func KindOf(id string) Kind {
	if strings.HasPrefix(id, FilePrefix+"_") {
		return KindFile
	}
	return KindPatient
}

// ChangeKind is the type of a ledger change.
type ChangeKind string

const (
	ChangeCreate ChangeKind = "create"
	ChangeUpdate ChangeKind = "update"
	ChangeDelete ChangeKind = "delete"
	ChangeMerge  ChangeKind = "merge"
)

// Change is one entry of the ledger's ordered change feed.
type Change struct {
	Seq      int64      `json:"seq"`
	RecordID string     `json:"record_id"`
	Revision string     `json:"revision"`
	Kind     ChangeKind `json:"kind"`
	Origin   string     `json:"origin,omitempty"`
}
