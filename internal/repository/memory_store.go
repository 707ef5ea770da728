package repository

import (
	"bytes"
	"context"
	"sort"
	"sync"
	"time"

	"gorm.io/datatypes"

	"boardsync/internal/model"
)

// MemoryRecordStore 프로세스 메모리 기반 Board Record Store (DB_DRIVER=memory, 테스트)
type MemoryRecordStore struct {
	mu    sync.RWMutex
	rooms map[string]map[string]model.BoardRecord
	now   func() time.Time
}

// NewMemoryRecordStore 생성
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		rooms: make(map[string]map[string]model.BoardRecord),
		now:   time.Now,
	}
}

func (m *MemoryRecordStore) FindByRoom(_ context.Context, roomID string) ([]model.BoardRecord, error) {
	if roomID == "" {
		return nil, ErrEmptyRoom
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	room := m.rooms[roomID]
	out := make([]model.BoardRecord, 0, len(room))
	for _, r := range room {
		out = append(out, clone(r))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecordID < out[j].RecordID })
	return out, nil
}

func (m *MemoryRecordStore) FindByIDs(_ context.Context, roomID string, ids []string) ([]model.BoardRecord, error) {
	if roomID == "" {
		return nil, ErrEmptyRoom
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	room := m.rooms[roomID]
	var out []model.BoardRecord
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if r, ok := room[id]; ok {
			out = append(out, clone(r))
		}
	}
	return out, nil
}

func (m *MemoryRecordStore) UpsertBatch(_ context.Context, roomID string, records []model.BoardRecord) error {
	if roomID == "" {
		return ErrEmptyRoom
	}
	rows := dedupe(roomID, records)
	if len(rows) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	room := m.rooms[roomID]
	if room == nil {
		room = make(map[string]model.BoardRecord)
		m.rooms[roomID] = room
	}

	now := m.now()
	for _, r := range rows {
		r = clone(r)
		if prev, ok := room[r.RecordID]; ok {
			r.CreatedAt = prev.CreatedAt
			r.UpdatedAt = now
			if !r.UpdatedAt.After(prev.UpdatedAt) {
				r.UpdatedAt = prev.UpdatedAt.Add(time.Microsecond)
			}
		} else {
			r.CreatedAt = now
			r.UpdatedAt = now
		}
		room[r.RecordID] = r
	}
	return nil
}

func (m *MemoryRecordStore) DeleteBatch(_ context.Context, roomID string, ids []string) (int64, error) {
	if roomID == "" {
		return 0, ErrEmptyRoom
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	room := m.rooms[roomID]
	var n int64
	for _, id := range ids {
		if _, ok := room[id]; ok {
			delete(room, id)
			n++
		}
	}
	if len(room) == 0 {
		delete(m.rooms, roomID)
	}
	return n, nil
}

func (m *MemoryRecordStore) DeleteByRoom(_ context.Context, roomID string) (int64, error) {
	if roomID == "" {
		return 0, ErrEmptyRoom
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	n := int64(len(m.rooms[roomID]))
	delete(m.rooms, roomID)
	return n, nil
}

func (m *MemoryRecordStore) Rooms(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rooms := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return rooms, nil
}

func clone(r model.BoardRecord) model.BoardRecord {
	r.Content = datatypes.JSON(bytes.Clone(r.Content))
	return r
}
