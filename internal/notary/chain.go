package notary

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dmitrijs2005/healthsync/internal/common"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
)

// Key layout:
//
//	height_latest   -> index of the newest block
//	block_<index>   -> Block JSON
//	hash_<hash>     -> index of the block with that hash
const (
	keyHeight      = "height_latest"
	keyBlockPrefix = "block_"
	keyHashPrefix  = "hash_"
)

var genesisPrevHash = "0x" + strings.Repeat("0", 64)

// Block wraps one proof. The block hash covers every other field and is
// the proof id.
type Block struct {
	Index     int    `json:"index"`
	PrevHash  string `json:"prev_hash"`
	Timestamp string `json:"timestamp"`
	Proof     Proof  `json:"proof"`
	BlockHash string `json:"block_hash"`
}

func (b Block) computeHash() (string, error) {
	header := struct {
		Index     int    `json:"index"`
		PrevHash  string `json:"prev_hash"`
		Timestamp string `json:"timestamp"`
		DataHash  string `json:"data_hash"`
		Metadata  any    `json:"metadata"`
		Creator   string `json:"creator"`
	}{b.Index, b.PrevHash, b.Timestamp, b.Proof.DataHash, b.Proof.Metadata, b.Proof.Creator}
	raw, err := json.Marshal(header)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(raw)
	return "0x" + hex.EncodeToString(sum[:]), nil
}

// Chain is an append-only proof log in LevelDB. It issues mock proofs.
type Chain struct {
	mu      sync.Mutex
	db      *leveldb.DB
	creator string
	now     func() time.Time
}

// OpenChain opens (creating if needed) the chain stored under path.
func OpenChain(path, creator string) (*Chain, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("open proof chain: %w", err)
	}
	return &Chain{db: db, creator: creator, now: time.Now}, nil
}

// OpenMemChain keeps the chain in memory.
func OpenMemChain(creator string) (*Chain, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return &Chain{db: db, creator: creator, now: time.Now}, nil
}

func (c *Chain) Close() error {
	return c.db.Close()
}

// Height returns the index of the newest block, -1 for an empty chain.
func (c *Chain) Height() (int, error) {
	v, err := c.db.Get([]byte(keyHeight), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return -1, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(string(v))
}

// BlockAt returns common.ErrNotFound past the end of the chain.
func (c *Chain) BlockAt(index int) (Block, error) {
	var b Block
	data, err := c.db.Get([]byte(keyBlockPrefix+strconv.Itoa(index)), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return b, fmt.Errorf("block %d: %w", index, common.ErrNotFound)
	}
	if err != nil {
		return b, err
	}
	if err := json.Unmarshal(data, &b); err != nil {
		return b, fmt.Errorf("decode block %d: %w", index, err)
	}
	return b, nil
}

// CreateProof appends a block for dataHash and returns its mock proof.
func (c *Chain) CreateProof(ctx context.Context, dataHash string, metadata map[string]string) (Proof, error) {
	if err := ctx.Err(); err != nil {
		return Proof{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	height, err := c.Height()
	if err != nil {
		return Proof{}, err
	}
	prev := genesisPrevHash
	if height >= 0 {
		last, err := c.BlockAt(height)
		if err != nil {
			return Proof{}, err
		}
		prev = last.BlockHash
	}

	now := c.now().UTC()
	b := Block{
		Index:     height + 1,
		PrevHash:  prev,
		Timestamp: now.Format(time.RFC3339Nano),
		Proof: Proof{
			DataHash:  dataHash,
			Creator:   c.creator,
			Network:   MockNetwork,
			Metadata:  metadata,
			Timestamp: now,
			IsMock:    true,
		},
	}
	if b.BlockHash, err = b.computeHash(); err != nil {
		return Proof{}, err
	}
	b.Proof.ProofID = b.BlockHash

	data, err := json.Marshal(b)
	if err != nil {
		return Proof{}, err
	}
	batch := new(leveldb.Batch)
	batch.Put([]byte(keyBlockPrefix+strconv.Itoa(b.Index)), data)
	batch.Put([]byte(keyHashPrefix+b.BlockHash), []byte(strconv.Itoa(b.Index)))
	batch.Put([]byte(keyHeight), []byte(strconv.Itoa(b.Index)))
	if err := c.db.Write(batch, nil); err != nil {
		return Proof{}, fmt.Errorf("append proof block: %w", err)
	}
	return b.Proof, nil
}

// Verify looks up a proof by id and checks its block hash and link to the
// previous block.
func (c *Chain) Verify(ctx context.Context, proofID string) (Proof, error) {
	if err := ctx.Err(); err != nil {
		return Proof{}, err
	}
	idx, err := c.db.Get([]byte(keyHashPrefix+proofID), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return Proof{}, fmt.Errorf("proof %s: %w", proofID, common.ErrNotFound)
	}
	if err != nil {
		return Proof{}, err
	}
	i, err := strconv.Atoi(string(idx))
	if err != nil {
		return Proof{}, err
	}
	b, err := c.BlockAt(i)
	if err != nil {
		return Proof{}, err
	}
	if err := c.checkBlock(b); err != nil {
		return Proof{}, err
	}
	return b.Proof, nil
}

func (c *Chain) checkBlock(b Block) error {
	h, err := b.computeHash()
	if err != nil {
		return err
	}
	if h != b.BlockHash {
		return fmt.Errorf("block %d hash mismatch: %w", b.Index, common.ErrIntegrity)
	}
	want := genesisPrevHash
	if b.Index > 0 {
		prev, err := c.BlockAt(b.Index - 1)
		if err != nil {
			return err
		}
		want = prev.BlockHash
	}
	if b.PrevHash != want {
		return fmt.Errorf("block %d is not linked to block %d: %w", b.Index, b.Index-1, common.ErrIntegrity)
	}
	return nil
}

// Validate walks the whole chain.
func (c *Chain) Validate() error {
	height, err := c.Height()
	if err != nil {
		return err
	}
	for i := 0; i <= height; i++ {
		b, err := c.BlockAt(i)
		if err != nil {
			return err
		}
		if err := c.checkBlock(b); err != nil {
			return err
		}
	}
	return nil
}
