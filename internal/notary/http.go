package notary

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dmitrijs2005/healthsync/internal/netx"
)

// HTTPClient posts proof requests to a notary service:
//
//	POST {base}/proofs {"data_hash": "0x..", "metadata": {..}}
//	-> 200 {"proof_id": "0x..", "timestamp": "..", "network": "..", "creator": ".."}
type HTTPClient struct {
	base  string
	token string
	http  *http.Client
}

func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{base: strings.TrimRight(baseURL, "/"), token: token, http: netx.NewClient(timeout)}
}

type proofRequest struct {
	DataHash string            `json:"data_hash"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type proofResponse struct {
	ProofID   string    `json:"proof_id"`
	Timestamp time.Time `json:"timestamp"`
	Network   string    `json:"network"`
	Creator   string    `json:"creator"`
}

func (c *HTTPClient) CreateProof(ctx context.Context, dataHash string, metadata map[string]string) (Proof, error) {
	body, err := json.Marshal(proofRequest{DataHash: dataHash, Metadata: metadata})
	if err != nil {
		return Proof{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/proofs", bytes.NewReader(body))
	if err != nil {
		return Proof{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := netx.Do(c.http, req)
	if err != nil {
		return Proof{}, fmt.Errorf("notary: %w", err)
	}
	defer resp.Body.Close()

	var out proofResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Proof{}, fmt.Errorf("notary: decode response: %w", err)
	}
	if out.ProofID == "" {
		return Proof{}, fmt.Errorf("notary: response without proof id")
	}
	return Proof{
		ProofID:   out.ProofID,
		DataHash:  dataHash,
		Creator:   out.Creator,
		Network:   out.Network,
		Metadata:  metadata,
		Timestamp: out.Timestamp,
	}, nil
}
