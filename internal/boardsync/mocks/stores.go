package mocks

import (
	"context"

	"github.com/stretchr/testify/mock"

	"boardsync/internal/model"
	"boardsync/internal/storage"
)

// BlobStore boardsync.BlobStore mock
type BlobStore struct {
	mock.Mock
}

func (m *BlobStore) Upload(ctx context.Context, blob storage.Blob) (storage.Uploaded, error) {
	args := m.Called(ctx, blob)
	return args.Get(0).(storage.Uploaded), args.Error(1)
}

func (m *BlobStore) Delete(ctx context.Context, address string, kind storage.Kind) error {
	args := m.Called(ctx, address, kind)
	return args.Error(0)
}

// RecordStore boardsync.RecordStore mock
type RecordStore struct {
	mock.Mock
}

func (m *RecordStore) FindByRoom(ctx context.Context, roomID string) ([]model.BoardRecord, error) {
	args := m.Called(ctx, roomID)
	rows, _ := args.Get(0).([]model.BoardRecord)
	return rows, args.Error(1)
}

func (m *RecordStore) FindByIDs(ctx context.Context, roomID string, ids []string) ([]model.BoardRecord, error) {
	args := m.Called(ctx, roomID, ids)
	rows, _ := args.Get(0).([]model.BoardRecord)
	return rows, args.Error(1)
}

func (m *RecordStore) UpsertBatch(ctx context.Context, roomID string, records []model.BoardRecord) error {
	args := m.Called(ctx, roomID, records)
	return args.Error(0)
}

func (m *RecordStore) DeleteBatch(ctx context.Context, roomID string, ids []string) (int64, error) {
	args := m.Called(ctx, roomID, ids)
	return args.Get(0).(int64), args.Error(1)
}

func (m *RecordStore) DeleteByRoom(ctx context.Context, roomID string) (int64, error) {
	args := m.Called(ctx, roomID)
	return args.Get(0).(int64), args.Error(1)
}

func (m *RecordStore) Rooms(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	rooms, _ := args.Get(0).([]string)
	return rooms, args.Error(1)
}
