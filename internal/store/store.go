// Package store persists per-client session snapshots (job queue, history
// and image blobs) so sessions survive process restarts. Backends are
// interchangeable; the engine only sees JSON-encoded snapshots keyed by the
// stable client id.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"comfygate/internal/domain"
)

// ImageBlob is one stored image. Data is JSON-encoded as base64, which is
// also what keeps snapshots portable across backends that cannot hold raw
// binary.
type ImageBlob struct {
	MIME string `json:"mime"`
	Data []byte `json:"data"`
}

// Snapshot captures everything a client session needs to resume.
type Snapshot struct {
	Jobs    []domain.Job          `json:"jobs"`
	History []domain.HistoryEntry `json:"history"`
	Images  map[string]ImageBlob  `json:"images,omitempty"`
}

// SnapshotStore loads and saves client session snapshots. Load returns
// (nil, nil) when no snapshot exists for the client.
type SnapshotStore interface {
	Load(ctx context.Context, clientID string) (*Snapshot, error)
	Save(ctx context.Context, clientID string, snap *Snapshot) error
	Delete(ctx context.Context, clientID string) error
}

func encodeSnapshot(snap *Snapshot) ([]byte, error) {
	data, err := json.Marshal(snap)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return data, nil
}

func decodeSnapshot(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}
	return &snap, nil
}

// MemoryStore keeps snapshots in process memory. It is the default backend
// for development and tests; snapshots do not survive restarts.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Load(ctx context.Context, clientID string) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	raw, ok := s.data[clientID]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return decodeSnapshot(raw)
}

func (s *MemoryStore) Save(ctx context.Context, clientID string, snap *Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := encodeSnapshot(snap)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data[clientID] = raw
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, clientID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.data, clientID)
	s.mu.Unlock()
	return nil
}

var _ SnapshotStore = (*MemoryStore)(nil)
