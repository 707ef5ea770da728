package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"boardsync/internal/model"
)

var ErrEmptyRoom = errors.New("room id is required")

const upsertBatchSize = 500

// GormRecordStore Postgres(GORM) 기반 Board Record Store
type GormRecordStore struct {
	db *gorm.DB
}

// NewGormRecordStore 생성
func NewGormRecordStore(db *gorm.DB) *GormRecordStore {
	return &GormRecordStore{db: db}
}

// FindByRoom room의 모든 레코드
func (s *GormRecordStore) FindByRoom(ctx context.Context, roomID string) ([]model.BoardRecord, error) {
	if roomID == "" {
		return nil, ErrEmptyRoom
	}
	var rows []model.BoardRecord
	if err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("find records of room %s: %w", roomID, err)
	}
	return rows, nil
}

// FindByIDs room 안에서 지정한 id의 레코드
func (s *GormRecordStore) FindByIDs(ctx context.Context, roomID string, ids []string) ([]model.BoardRecord, error) {
	if roomID == "" {
		return nil, ErrEmptyRoom
	}
	if len(ids) == 0 {
		return nil, nil
	}
	var rows []model.BoardRecord
	err := s.db.WithContext(ctx).
		Where("room_id = ? AND record_id IN ?", roomID, ids).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("find records by ids in room %s: %w", roomID, err)
	}
	return rows, nil
}

// UpsertBatch 한 트랜잭션 안에서 (room_id, record_id) 기준 upsert.
// 같은 배치에 중복 id가 있으면 마지막 것만 남긴다.
func (s *GormRecordStore) UpsertBatch(ctx context.Context, roomID string, records []model.BoardRecord) error {
	if roomID == "" {
		return ErrEmptyRoom
	}
	rows := dedupe(roomID, records)
	if len(rows) == 0 {
		return nil
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "room_id"}, {Name: "record_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"content", "updated_at"}),
		}).CreateInBatches(&rows, upsertBatchSize).Error
	})
	if err != nil {
		return fmt.Errorf("upsert %d records in room %s: %w", len(rows), roomID, err)
	}
	return nil
}

// DeleteBatch id 목록 삭제, 실제 삭제된 수 반환
func (s *GormRecordStore) DeleteBatch(ctx context.Context, roomID string, ids []string) (int64, error) {
	if roomID == "" {
		return 0, ErrEmptyRoom
	}
	if len(ids) == 0 {
		return 0, nil
	}

	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("room_id = ? AND record_id IN ?", roomID, ids).Delete(&model.BoardRecord{})
		deleted = res.RowsAffected
		return res.Error
	})
	if err != nil {
		return 0, fmt.Errorf("delete records in room %s: %w", roomID, err)
	}
	return deleted, nil
}

// DeleteByRoom room 전체 삭제
func (s *GormRecordStore) DeleteByRoom(ctx context.Context, roomID string) (int64, error) {
	if roomID == "" {
		return 0, ErrEmptyRoom
	}
	res := s.db.WithContext(ctx).Where("room_id = ?", roomID).Delete(&model.BoardRecord{})
	if res.Error != nil {
		return 0, fmt.Errorf("delete room %s: %w", roomID, res.Error)
	}
	return res.RowsAffected, nil
}

// Rooms 레코드가 하나 이상 있는 room 목록
func (s *GormRecordStore) Rooms(ctx context.Context) ([]string, error) {
	var rooms []string
	err := s.db.WithContext(ctx).Model(&model.BoardRecord{}).Distinct().Pluck("room_id", &rooms).Error
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}
	return rooms, nil
}

func dedupe(roomID string, records []model.BoardRecord) []model.BoardRecord {
	pos := make(map[string]int, len(records))
	out := make([]model.BoardRecord, 0, len(records))
	for _, r := range records {
		if r.RecordID == "" {
			continue
		}
		r.RoomID = roomID
		if i, ok := pos[r.RecordID]; ok {
			out[i] = r
			continue
		}
		pos[r.RecordID] = len(out)
		out = append(out, r)
	}
	return out
}
