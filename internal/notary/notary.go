// Package notary timestamps content hashes. A real notary is reached over
// HTTP; when it is missing or unreachable, proofs come from a local
// append-only hash chain and are marked IsMock so the record shape stays
// the same either way.
package notary

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrijs2005/healthsync/internal/logging"
)

// MockNetwork names the network of locally generated proofs.
const MockNetwork = "local-mock"

type Proof struct {
	ProofID   string            `json:"proof_id"`
	DataHash  string            `json:"data_hash"`
	Creator   string            `json:"creator"`
	Network   string            `json:"network"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp time.Time         `json:"timestamp"`
	IsMock    bool              `json:"is_mock"`
}

type Notary interface {
	CreateProof(ctx context.Context, dataHash string, metadata map[string]string) (Proof, error)
}

// Fallback asks Primary and falls back to Mock when Primary is nil or
// fails.
type Fallback struct {
	Primary Notary
	Mock    Notary
	Logger  logging.Logger
}

func (f *Fallback) CreateProof(ctx context.Context, dataHash string, metadata map[string]string) (Proof, error) {
	if f.Primary != nil {
		p, err := f.Primary.CreateProof(ctx, dataHash, metadata)
		if err == nil {
			return p, nil
		}
		if errors.Is(err, context.Canceled) {
			return Proof{}, err
		}
		if f.Logger != nil {
			f.Logger.Warn(ctx, "notary unreachable, using mock proof", "error", err)
		}
	}
	return f.Mock.CreateProof(ctx, dataHash, metadata)
}
