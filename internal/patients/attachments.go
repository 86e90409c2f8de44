package patients

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dmitrijs2005/healthsync/internal/common"
	"github.com/dmitrijs2005/healthsync/internal/cryptobox"
	"github.com/dmitrijs2005/healthsync/internal/filex"
	"github.com/dmitrijs2005/healthsync/internal/models"
	"github.com/dmitrijs2005/healthsync/internal/shared"
)

// AddAttachment encrypts up into the content store together with an
// encrypted descriptor, keeps the ciphertext in the ledger for offline
// reads and adds the attachment to the patient under rev.
func (s *Service) AddAttachment(ctx context.Context, patientID, rev string, up filex.Upload) (models.Record, models.Attachment, error) {
	cur, err := s.ledger.Get(ctx, patientID)
	if err != nil {
		return models.Record{}, models.Attachment{}, err
	}
	if cur.Rev != rev {
		return models.Record{}, models.Attachment{}, staleRev(patientID, cur.Rev, rev)
	}

	now := s.now().UTC()
	id := shared.NewID(models.FilePrefix)
	sum := cryptobox.HashBytes(up.Data)

	sealed, err := cryptobox.Seal(up.Data, s.key)
	if err != nil {
		return models.Record{}, models.Attachment{}, fmt.Errorf("encryption error: %w", err)
	}
	ref, err := s.content.Put(ctx, sealed)
	if err != nil {
		return models.Record{}, models.Attachment{}, fmt.Errorf("content store error: %w", err)
	}

	proofID := s.notarize(ctx, sum, map[string]string{
		"type":          "patient_file",
		"patient_id":    patientID,
		"attachment_id": id,
		"content_ref":   ref.String(),
		"size":          strconv.Itoa(len(up.Data)),
	})

	meta := models.AttachmentMeta{
		AttachmentID: id,
		Filename:     up.Filename,
		DisplayName:  up.Filename,
		Size:         int64(len(up.Data)),
		ContentType:  up.ContentType,
		UploadedAt:   now,
		Description:  up.Description,
		UploadedBy:   s.user,
		SHA256:       sum,
	}
	metaBlob, err := cryptobox.Encrypt(meta, s.key)
	if err != nil {
		return models.Record{}, models.Attachment{}, fmt.Errorf("encryption error: %w", err)
	}
	metaRef, err := s.content.Put(ctx, metaBlob)
	if err != nil {
		return models.Record{}, models.Attachment{}, fmt.Errorf("content store error: %w", err)
	}

	att := models.Attachment{
		ID:             id,
		ContentRef:     ref,
		MetadataRef:    metaRef,
		BlockchainHash: proofID,
		Size:           meta.Size,
		CreatedAt:      now,
	}
	rec, err := s.ledger.PutAttachment(ctx, patientID, rev, att, sealed)
	if err != nil {
		return models.Record{}, models.Attachment{}, err
	}
	s.register(ctx, rec)

	s.logger.Info(ctx, "attachment added", "patient", patientID, "attachment", id, "size", meta.Size)
	return rec, att, nil
}

// GetAttachment returns the decrypted bytes and descriptor of an
// attachment. The local copy is read first; a copy fetched from the
// content store is kept locally for next time.
func (s *Service) GetAttachment(ctx context.Context, patientID, attachmentID string) ([]byte, models.AttachmentMeta, error) {
	rec, err := s.ledger.Get(ctx, patientID)
	if err != nil {
		return nil, models.AttachmentMeta{}, err
	}
	att, ok := rec.FindAttachment(attachmentID)
	if !ok {
		return nil, models.AttachmentMeta{}, fmt.Errorf("attachment %s of %s: %w", attachmentID, patientID, common.ErrNotFound)
	}

	sealed, err := s.ledger.GetAttachmentBlob(ctx, patientID, attachmentID)
	if errors.Is(err, common.ErrNotFound) {
		sealed, err = s.content.Get(ctx, att.ContentRef)
		if err == nil {
			if cerr := s.ledger.StoreAttachmentBlob(ctx, patientID, attachmentID, sealed); cerr != nil {
				s.logger.Warn(ctx, "could not cache attachment locally", "attachment", attachmentID, "error", cerr)
			}
		}
	}
	if err != nil {
		return nil, models.AttachmentMeta{}, err
	}

	data, err := cryptobox.Open(sealed, s.key)
	if err != nil {
		return nil, models.AttachmentMeta{}, fmt.Errorf("attachment %s: %w", attachmentID, err)
	}

	meta := s.attachmentMeta(ctx, att)
	if meta.SHA256 != "" && meta.SHA256 != cryptobox.HashBytes(data) {
		return nil, meta, fmt.Errorf("attachment %s: checksum mismatch: %w", attachmentID, common.ErrIntegrity)
	}
	return data, meta, nil
}

// attachmentMeta decrypts the stored descriptor, falling back to what the
// ledger knows when it cannot be fetched.
func (s *Service) attachmentMeta(ctx context.Context, att models.Attachment) models.AttachmentMeta {
	fallback := models.AttachmentMeta{
		AttachmentID: att.ID,
		Filename:     att.ID,
		DisplayName:  att.ID,
		Size:         att.Size,
		ContentType:  "application/octet-stream",
		UploadedAt:   att.CreatedAt,
	}
	if att.MetadataRef.IsZero() {
		return fallback
	}
	blob, err := s.content.Get(ctx, att.MetadataRef)
	if err != nil {
		s.logger.Warn(ctx, "attachment descriptor not reachable", "attachment", att.ID, "error", err)
		return fallback
	}
	var meta models.AttachmentMeta
	if err := cryptobox.Decrypt(blob, s.key, &meta); err != nil {
		s.logger.Warn(ctx, "attachment descriptor unreadable", "attachment", att.ID, "error", err)
		return fallback
	}
	return meta
}
