// Package models defines the records healthsync stores and replicates.
//
// # Overview
//
// A Record is either a patient or, for replication filtering, a file
// document. Every record carries one canonical Metadata shape, plain and
// searchable, plus a ContentRef pointing at its encrypted payload in the
// content store. Attachments are embedded in the owning record and are
// immutable once created.
//
// ContentRef is a tagged union: a Durable reference names the backend that
// holds the blob, a Pending reference names an entry of the local upload
// queue. Code switches on Kind and never inspects identifier prefixes.
//
// Identifiers use a type prefix ("patient_", "file_", "device_") so that
// replication filters can recognise eligible documents by id alone.
package models
