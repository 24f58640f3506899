package store

import (
	"context"
	"sort"
	"sync"

	"github.com/Tracy625/event-stream-starter-sub000/pkg/evidence"
)

// MemoryStore is an in-process EventStore for tests and embedded runs.
type MemoryStore struct {
	mu     sync.RWMutex
	events map[string]*evidence.Event
	meta   map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make(map[string]*evidence.Event),
		meta:   make(map[string]string),
	}
}

func (s *MemoryStore) GetEvent(ctx context.Context, key string) (*evidence.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[key]
	if !ok {
		return nil, ErrNotFound
	}
	return ev.Clone(), nil
}

func (s *MemoryStore) UpsertMerge(ctx context.Context, ev *evidence.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.events[ev.EventKey]
	if !ok {
		cp := ev.Clone()
		if cp.State == "" {
			cp.State = evidence.StateCandidate
		}
		s.events[ev.EventKey] = cp
		return nil
	}
	// Aggregation fields only; state belongs to the verification path.
	cur.Identity = ev.Identity
	cur.Evidence = append([]evidence.EvidenceItem(nil), ev.Evidence...)
	cur.EvidenceCount = ev.EvidenceCount
	cur.DistinctSourceCount = ev.DistinctSourceCount
	cur.CandidateScore = ev.CandidateScore
	if ev.LastTS.After(cur.LastTS) {
		cur.LastTS = ev.LastTS
	}
	if cur.StartTS.IsZero() || (!ev.StartTS.IsZero() && ev.StartTS.Before(cur.StartTS)) {
		cur.StartTS = ev.StartTS
	}
	return nil
}

func (s *MemoryStore) UpdateVerification(ctx context.Context, key string, expectVersion int64, upd VerificationUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.events[key]
	if !ok {
		return ErrNotFound
	}
	if cur.StateVersion != expectVersion {
		return ErrVersionConflict
	}
	cur.State = upd.State
	cur.LastVerdictReasons = CapReasons(upd.Reasons)
	cur.StateVersion++
	return nil
}

func (s *MemoryStore) ListCandidates(ctx context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	type cand struct {
		key string
		ev  *evidence.Event
	}
	var cands []cand
	for k, ev := range s.events {
		if ev.State == evidence.StateCandidate {
			cands = append(cands, cand{key: k, ev: ev})
		}
	}
	sort.Slice(cands, func(i, j int) bool {
		if !cands[i].ev.LastTS.Equal(cands[j].ev.LastTS) {
			return cands[i].ev.LastTS.After(cands[j].ev.LastTS)
		}
		return cands[i].key < cands[j].key
	})
	keys := make([]string, 0, len(cands))
	for _, c := range cands {
		if limit > 0 && len(keys) >= limit {
			break
		}
		keys = append(keys, c.key)
	}
	return keys, nil
}

func (s *MemoryStore) GetSignal(ctx context.Context, key string) (evidence.Signal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[key]
	if !ok {
		return evidence.Signal{}, ErrNotFound
	}
	return ev.Signal(), nil
}

func (s *MemoryStore) GetMeta(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.meta[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (s *MemoryStore) SetMeta(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.meta[key] = value
	return nil
}
