package couchdb

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/dmitrijs2005/healthsync/internal/models"
)

const docType = "healthsync.record"

// document is the CouchDB representation of a record. Tombstones are
// written as deleted documents that keep their body.
type document struct {
	ID             string              `json:"_id"`
	Rev            string              `json:"_rev,omitempty"`
	Deleted        bool                `json:"_deleted,omitempty"`
	Type           string              `json:"type"`
	Kind           models.Kind         `json:"kind"`
	Metadata       models.Metadata     `json:"metadata"`
	ContentRef     models.ContentRef   `json:"content_ref"`
	BlockchainHash string              `json:"blockchain_hash,omitempty"`
	Attachments    []models.Attachment `json:"attachments,omitempty"`
	DeviceID       string              `json:"device_id,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
}

func toDocument(r models.Record, rev string) document {
	return document{
		ID:             r.ID,
		Rev:            rev,
		Deleted:        r.Deleted,
		Type:           docType,
		Kind:           r.Kind,
		Metadata:       r.Metadata,
		ContentRef:     r.ContentRef,
		BlockchainHash: r.BlockchainHash,
		Attachments:    r.Attachments,
		DeviceID:       r.DeviceID,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}

func (d document) record() models.Record {
	return models.Record{
		ID:             d.ID,
		Kind:           d.Kind,
		Metadata:       d.Metadata,
		ContentRef:     d.ContentRef,
		BlockchainHash: d.BlockchainHash,
		Attachments:    d.Attachments,
		DeviceID:       d.DeviceID,
		Deleted:        d.Deleted,
		CreatedAt:      d.CreatedAt,
		UpdatedAt:      d.UpdatedAt,
	}
}

// seq renders a _changes sequence, a number on CouchDB 1.x and an opaque
// string since 2.0, as a string.
type seq string

func (s *seq) UnmarshalJSON(b []byte) error {
	var str string
	if err := json.Unmarshal(b, &str); err == nil {
		*s = seq(str)
		return nil
	}
	*s = seq(strings.TrimSpace(string(b)))
	return nil
}
