package delivery

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for demo/test use.
type MemoryStore struct {
	mu       sync.Mutex
	messages map[string]*MessageStatus
	events   map[string][]*DeliveryEvent
}

// NewMemoryStore creates an in-memory delivery store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*MessageStatus),
		events:   make(map[string][]*DeliveryEvent),
	}
}

func (s *MemoryStore) GetMessage(ctx context.Context, providerMessageID string) (*MessageStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[providerMessageID]
	if !ok {
		return nil, ErrNotFound
	}
	c := *m
	return &c, nil
}

func (s *MemoryStore) UpsertMessage(ctx context.Context, m *MessageStatus, expected EventType) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.messages[m.ProviderMessageID]
	if expected == "" {
		if ok {
			return ErrStatusConflict
		}
	} else {
		if !ok || cur.CurrentType != expected {
			return ErrStatusConflict
		}
	}
	c := *m
	s.messages[m.ProviderMessageID] = &c
	return nil
}

func (s *MemoryStore) HasEvent(ctx context.Context, providerMessageID string, t EventType, ts time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ev := range s.events[providerMessageID] {
		if ev.Type == t && ev.Timestamp.Equal(ts) && !ev.IsDuplicate {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) AppendEvent(ctx context.Context, ev *DeliveryEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.ProcessResult == ResultProcessed {
		for _, e := range s.events[ev.ProviderMessageID] {
			if e.Type == ev.Type && e.Timestamp.Equal(ev.Timestamp) && e.ProcessResult == ResultProcessed {
				return ErrDuplicateEvent
			}
		}
	}
	c := *ev
	s.events[ev.ProviderMessageID] = append(s.events[ev.ProviderMessageID], &c)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, providerMessageID string, limit, offset int) ([]*DeliveryEvent, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	all := s.events[providerMessageID]
	total := len(all)
	if offset >= total {
		return nil, total, nil
	}

	// Newest first.
	out := make([]*DeliveryEvent, 0, limit)
	for i := total - 1 - offset; i >= 0 && len(out) < limit; i-- {
		c := *all[i]
		out = append(out, &c)
	}
	return out, total, nil
}

func (s *MemoryStore) ListKlienEvents(ctx context.Context, klienID string, before time.Time, beforeID string, limit int) ([]*DeliveryEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var all []*DeliveryEvent
	for _, evs := range s.events {
		for _, ev := range evs {
			if ev.KlienID != klienID {
				continue
			}
			if !before.IsZero() {
				// Keyset: strictly older than the cursor position.
				if ev.ReceivedAt.After(before) {
					continue
				}
				if ev.ReceivedAt.Equal(before) && ev.ID >= beforeID {
					continue
				}
			}
			c := *ev
			all = append(all, &c)
		}
	}

	sort.Slice(all, func(i, j int) bool {
		if !all[i].ReceivedAt.Equal(all[j].ReceivedAt) {
			return all[i].ReceivedAt.After(all[j].ReceivedAt)
		}
		return all[i].ID > all[j].ID
	})
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
