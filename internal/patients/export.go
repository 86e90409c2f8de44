package patients

import (
	"context"
	"encoding/json"
	"io"
	"time"

	"github.com/dmitrijs2005/healthsync/internal/models"
)

// ExportLine is one line of an export. Local bookkeeping such as the
// revision and replication origin is left out.
type ExportLine struct {
	ID             string              `json:"id"`
	Metadata       models.Metadata     `json:"metadata"`
	ContentRef     models.ContentRef   `json:"content_ref"`
	BlockchainHash string              `json:"blockchain_hash,omitempty"`
	Attachments    []models.Attachment `json:"attachments,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	UpdatedAt      time.Time           `json:"updated_at"`
	ExportedAt     time.Time           `json:"exported_at"`
}

// Export writes every live patient to w as JSON lines and returns how many
// were written.
func (s *Service) Export(ctx context.Context, w io.Writer) (int, error) {
	recs, err := s.ListPatients(ctx)
	if err != nil {
		return 0, err
	}

	at := s.now().UTC()
	enc := json.NewEncoder(w)
	for i, r := range recs {
		if err := ctx.Err(); err != nil {
			return i, err
		}
		line := ExportLine{
			ID:             r.ID,
			Metadata:       r.Metadata,
			ContentRef:     r.ContentRef,
			BlockchainHash: r.BlockchainHash,
			Attachments:    r.Attachments,
			CreatedAt:      r.CreatedAt,
			UpdatedAt:      r.UpdatedAt,
			ExportedAt:     at,
		}
		if err := enc.Encode(line); err != nil {
			return i, err
		}
	}
	return len(recs), nil
}
