package session

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

type MemoryStore struct {
	mu    sync.Mutex
	items map[string]Snapshot
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Snapshot)}
}

func (s *MemoryStore) Put(_ context.Context, snap Snapshot) error {
	id := strings.TrimSpace(snap.ConversationID)
	if id == "" {
		return fmt.Errorf("missing conversation id")
	}
	snap.ConversationID = id
	snap.Data = append([]byte(nil), snap.Data...)
	if snap.UpdatedAt.IsZero() {
		snap.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	s.items[id] = snap
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, conversationID string) (Snapshot, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, ok := s.items[strings.TrimSpace(conversationID)]
	if !ok {
		return Snapshot{}, false, nil
	}
	snap.Data = append([]byte(nil), snap.Data...)
	return snap, true, nil
}

func (s *MemoryStore) Delete(_ context.Context, conversationID string) error {
	s.mu.Lock()
	delete(s.items, strings.TrimSpace(conversationID))
	s.mu.Unlock()
	return nil
}

// List returns the snapshots of requesterID (all when empty), most recent
// first.
func (s *MemoryStore) List(_ context.Context, requesterID string) ([]Snapshot, error) {
	requesterID = strings.TrimSpace(requesterID)
	s.mu.Lock()
	out := make([]Snapshot, 0, len(s.items))
	for _, snap := range s.items {
		if requesterID != "" && snap.RequesterID != requesterID {
			continue
		}
		out = append(out, snap)
	}
	s.mu.Unlock()
	sortSnapshots(out)
	return out, nil
}

func sortSnapshots(out []Snapshot) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ConversationID < out[j].ConversationID
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
}
