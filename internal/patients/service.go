// Package patients is the write and read path for patient records: every
// revision is encrypted into the content store, notarized, recorded in the
// ledger and announced through the registry.
package patients

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrijs2005/healthsync/internal/common"
	"github.com/dmitrijs2005/healthsync/internal/contentstore"
	"github.com/dmitrijs2005/healthsync/internal/cryptobox"
	"github.com/dmitrijs2005/healthsync/internal/logging"
	"github.com/dmitrijs2005/healthsync/internal/models"
	"github.com/dmitrijs2005/healthsync/internal/notary"
	"github.com/dmitrijs2005/healthsync/internal/shared"
)

var ErrNameRequired = errors.New("patient name is required")

// Ledger is the part of the ledger the service writes through.
type Ledger interface {
	Put(ctx context.Context, rec models.Record, prevRev string) (models.Record, error)
	Get(ctx context.Context, id string) (models.Record, error)
	List(ctx context.Context) ([]models.Record, error)
	Search(ctx context.Context, q string) ([]models.Record, error)
	Delete(ctx context.Context, id, prevRev string) (models.Record, error)
	PutAttachment(ctx context.Context, recordID, prevRev string, att models.Attachment, blob []byte) (models.Record, error)
	GetAttachmentBlob(ctx context.Context, recordID, attachmentID string) ([]byte, error)
	StoreAttachmentBlob(ctx context.Context, recordID, attachmentID string, blob []byte) error
	RewriteRef(ctx context.Context, from, to models.ContentRef) error
}

type Content interface {
	Put(ctx context.Context, data []byte) (models.ContentRef, error)
	Get(ctx context.Context, ref models.ContentRef) ([]byte, error)
	DrainQueue(ctx context.Context, rewriters ...contentstore.RefRewriter) (contentstore.DrainResult, error)
}

type Registry interface {
	Register(ctx context.Context, recordID string, ref models.ContentRef, md models.Metadata) error
	RewriteRef(ctx context.Context, from, to models.ContentRef) error
}

type Service struct {
	ledger   Ledger
	content  Content
	registry Registry
	notary   notary.Notary
	key      cryptobox.Key
	deviceID string
	user     string
	logger   logging.Logger
	now      func() time.Time
}

type Option func(*Service)

func WithRegistry(r Registry) Option {
	return func(s *Service) { s.registry = r }
}

func WithNotary(n notary.Notary) Option {
	return func(s *Service) { s.notary = n }
}

func WithLogger(l logging.Logger) Option {
	return func(s *Service) { s.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithUser names the operator in created_by and updated_by.
func WithUser(user string) Option {
	return func(s *Service) { s.user = user }
}

func New(l Ledger, content Content, key cryptobox.Key, deviceID string, opts ...Option) *Service {
	s := &Service{
		ledger:   l,
		content:  content,
		key:      key,
		deviceID: deviceID,
		logger:   logging.Nop{},
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	s.logger = s.logger.With("module", "patients")
	return s
}

// seal hashes and encrypts a payload and stores the ciphertext.
func (s *Service) seal(ctx context.Context, p models.PatientPayload) (models.ContentRef, string, error) {
	hash, err := cryptobox.HashJSON(p)
	if err != nil {
		return models.ContentRef{}, "", err
	}
	blob, err := cryptobox.Encrypt(p, s.key)
	if err != nil {
		return models.ContentRef{}, "", fmt.Errorf("encryption error: %w", err)
	}
	ref, err := s.content.Put(ctx, blob)
	if err != nil {
		return models.ContentRef{}, "", fmt.Errorf("content store error: %w", err)
	}
	return ref, hash, nil
}

// notarize returns the proof id for hash, or "" when there is no notary
// or it failed. A missing proof never blocks a write.
func (s *Service) notarize(ctx context.Context, hash string, md map[string]string) string {
	if s.notary == nil {
		return ""
	}
	proof, err := s.notary.CreateProof(ctx, hash, md)
	if err != nil {
		s.logger.Warn(ctx, "proof creation failed, record is stored without one", "error", err)
		return ""
	}
	return proof.ProofID
}

func (s *Service) register(ctx context.Context, rec models.Record) {
	if s.registry == nil {
		return
	}
	if err := s.registry.Register(ctx, rec.ID, rec.ContentRef, rec.Metadata); err != nil {
		s.logger.Warn(ctx, "registry publish failed, will retry on next sync", "id", rec.ID, "error", err)
	}
}

func staleRev(id, current, given string) error {
	return fmt.Errorf("record %s: revision %q is stale, current is %q: %w", id, given, current, common.ErrConflict)
}

// AddPatient stores a new patient and returns it with its first revision.
func (s *Service) AddPatient(ctx context.Context, md models.Metadata) (models.Record, error) {
	md = md.Normalize()
	if md.Name == "" {
		return models.Record{}, ErrNameRequired
	}
	if md.CreatedBy == "" {
		md.CreatedBy = s.user
	}

	now := s.now().UTC()
	rec := models.Record{
		ID:        shared.NewID(models.PatientPrefix),
		Kind:      models.KindPatient,
		Metadata:  md,
		DeviceID:  s.deviceID,
		CreatedAt: now,
		UpdatedAt: now,
	}

	ref, hash, err := s.seal(ctx, rec.Payload())
	if err != nil {
		return models.Record{}, err
	}
	rec.ContentRef = ref
	rec.BlockchainHash = s.notarize(ctx, hash, map[string]string{
		"type":        "patient_record",
		"patient_id":  rec.ID,
		"content_ref": ref.String(),
		"created_at":  now.Format(time.RFC3339Nano),
	})

	rec, err = s.ledger.Put(ctx, rec, "")
	if err != nil {
		return models.Record{}, fmt.Errorf("saving error: %w", err)
	}
	s.register(ctx, rec)

	s.logger.Info(ctx, "patient added", "id", rec.ID, "content_ref", rec.ContentRef.String(), "pending", rec.ContentRef.IsPending())
	return rec, nil
}

// UpdatePatient replaces the metadata of id. rev must be the current
// revision; a stale one fails with common.ErrConflict.
func (s *Service) UpdatePatient(ctx context.Context, id, rev string, md models.Metadata) (models.Record, error) {
	cur, err := s.ledger.Get(ctx, id)
	if err != nil {
		return models.Record{}, err
	}
	if cur.Rev != rev {
		return models.Record{}, staleRev(id, cur.Rev, rev)
	}

	md = md.Normalize()
	if md.Name == "" {
		return models.Record{}, ErrNameRequired
	}
	if md.CreatedBy == "" {
		md.CreatedBy = cur.Metadata.CreatedBy
	}
	if md.UpdatedBy == "" {
		md.UpdatedBy = s.user
	}

	rec := cur
	rec.Metadata = md
	rec.UpdatedAt = s.now().UTC()
	rec.DeviceID = s.deviceID

	ref, hash, err := s.seal(ctx, rec.Payload())
	if err != nil {
		return models.Record{}, err
	}
	rec.ContentRef = ref
	rec.BlockchainHash = s.notarize(ctx, hash, map[string]string{
		"type":        "patient_update",
		"patient_id":  rec.ID,
		"content_ref": ref.String(),
		"updated_at":  rec.UpdatedAt.Format(time.RFC3339Nano),
	})

	rec, err = s.ledger.Put(ctx, rec, rev)
	if err != nil {
		return models.Record{}, err
	}
	s.register(ctx, rec)
	return rec, nil
}

// DeletePatient writes a tombstone so replication propagates the delete.
func (s *Service) DeletePatient(ctx context.Context, id, rev string) (models.Record, error) {
	return s.ledger.Delete(ctx, id, rev)
}

// Patient is a record together with the outcome of checking its stored
// payload.
type Patient struct {
	models.Record
	// Verified is true when the payload was fetched, decrypted and found
	// to match the ledger.
	Verified bool `json:"verified"`
}

// GetPatient returns a live patient. The encrypted payload is fetched and
// compared with the ledger; an unreachable payload leaves Verified false,
// a payload that fails to decrypt or disagrees is common.ErrIntegrity.
func (s *Service) GetPatient(ctx context.Context, id string) (Patient, error) {
	rec, err := s.ledger.Get(ctx, id)
	if err != nil {
		return Patient{}, err
	}
	p := Patient{Record: rec}
	if rec.ContentRef.IsZero() {
		return p, nil
	}

	blob, err := s.content.Get(ctx, rec.ContentRef)
	if err != nil {
		if errors.Is(err, common.ErrUnavailable) || errors.Is(err, common.ErrNotFound) {
			s.logger.Warn(ctx, "payload not reachable, showing ledger copy", "id", id, "error", err)
			return p, nil
		}
		return p, err
	}

	var payload models.PatientPayload
	if err := cryptobox.Decrypt(blob, s.key, &payload); err != nil {
		return p, fmt.Errorf("patient %s: %w", id, err)
	}
	if payload.ID != rec.ID || payload.Metadata.Normalize() != rec.Metadata {
		return p, fmt.Errorf("patient %s: payload does not match ledger: %w", id, common.ErrIntegrity)
	}
	p.Verified = true
	return p, nil
}

func patientsOnly(records []models.Record) []models.Record {
	out := records[:0]
	for _, r := range records {
		if r.Kind == models.KindPatient {
			out = append(out, r)
		}
	}
	return out
}

// ListPatients returns live patients, most recently updated first.
func (s *Service) ListPatients(ctx context.Context) ([]models.Record, error) {
	recs, err := s.ledger.List(ctx)
	if err != nil {
		return nil, err
	}
	return patientsOnly(recs), nil
}

// SearchPatients matches q against name, diagnosis and age.
func (s *Service) SearchPatients(ctx context.Context, q string) ([]models.Record, error) {
	recs, err := s.ledger.Search(ctx, q)
	if err != nil {
		return nil, err
	}
	return patientsOnly(recs), nil
}

// DrainQueue uploads queued blobs and repoints the ledger and the registry
// at their durable references.
func (s *Service) DrainQueue(ctx context.Context) (contentstore.DrainResult, error) {
	rewriters := []contentstore.RefRewriter{s.ledger}
	if s.registry != nil {
		rewriters = append(rewriters, s.registry)
	}
	return s.content.DrainQueue(ctx, rewriters...)
}
