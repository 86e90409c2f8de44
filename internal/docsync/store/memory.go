package store

import (
	"context"
	"sort"
	"sync"
)

type key struct{ owner, id string }

// Memory keeps documents in a map. Used for tests and single-node setups
// without a database.
type Memory struct {
	mu   sync.RWMutex
	docs map[key]Document
}

func NewMemory() *Memory {
	return &Memory{docs: make(map[key]Document)}
}

func (m *Memory) Upsert(_ context.Context, doc Document) (Document, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := key{doc.Owner, doc.ID}
	cur, ok := m.docs[k]
	if ok && cur.UpdatedAt.After(doc.UpdatedAt) {
		return cur, false, nil
	}
	doc.Version = cur.Version + 1
	doc.Body = append([]byte(nil), doc.Body...)
	m.docs[k] = doc
	return doc, true, nil
}

func (m *Memory) All(_ context.Context, owner string) ([]Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Document
	for k, d := range m.docs {
		if k.owner == owner {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Close() error { return nil }
