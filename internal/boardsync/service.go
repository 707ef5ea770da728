package boardsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/datatypes"

	"boardsync/internal/assets"
	"boardsync/internal/board"
	"boardsync/internal/metrics"
	"boardsync/internal/model"
	"boardsync/internal/storage"
)

// RecordStore Board Record Store 포트
type RecordStore interface {
	FindByRoom(ctx context.Context, roomID string) ([]model.BoardRecord, error)
	FindByIDs(ctx context.Context, roomID string, ids []string) ([]model.BoardRecord, error)
	UpsertBatch(ctx context.Context, roomID string, records []model.BoardRecord) error
	DeleteBatch(ctx context.Context, roomID string, ids []string) (int64, error)
	DeleteByRoom(ctx context.Context, roomID string) (int64, error)
	Rooms(ctx context.Context) ([]string, error)
}

// BlobStore Blob Store 어댑터 포트
type BlobStore interface {
	Upload(ctx context.Context, blob storage.Blob) (storage.Uploaded, error)
	Delete(ctx context.Context, address string, kind storage.Kind) error
}

// Options 서비스 설정
type Options struct {
	Limits            board.Limits
	Timeout           time.Duration // 저장소/Blob 호출 1건당 상한 (0이면 없음)
	UploadConcurrency int
	Metrics           *metrics.Metrics
}

// UpdateResult applyUpdates 결과
type UpdateResult struct {
	Updated int `json:"updated"`
}

// DeleteResult 삭제 결과
type DeleteResult struct {
	Deleted      int64 `json:"deleted"`
	DeletedFiles int   `json:"deletedFiles"`
}

// =============================================================================
// Service - Board Synchronization Service
// =============================================================================

// Service 클라이언트 변경분을 저장소와 맞추고 인라인 에셋을 Blob Store로 옮긴다.
type Service struct {
	records RecordStore
	blobs   BlobStore
	log     *logrus.Entry
	opts    Options
}

// NewService 생성
func NewService(records RecordStore, blobs BlobStore, log *logrus.Entry, opts Options) *Service {
	if opts.UploadConcurrency <= 0 {
		opts.UploadConcurrency = 4
	}
	if opts.Limits.MaxDepth <= 0 || opts.Limits.MaxNodes <= 0 {
		opts.Limits = board.DefaultLimits
	}
	return &Service{
		records: records,
		blobs:   blobs,
		log:     log.WithField("component", "boardsync"),
		opts:    opts,
	}
}

// Limits 레코드 파싱 상한
func (s *Service) Limits() board.Limits { return s.opts.Limits }

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.Timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.opts.Timeout)
}

// Fetch room의 모든 레코드 content (순서 무관)
func (s *Service) Fetch(ctx context.Context, roomID string) ([]json.RawMessage, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rows, err := s.records.FindByRoom(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(rows))
	for _, r := range rows {
		out = append(out, json.RawMessage(r.Content))
	}
	return out, nil
}

// ApplyPayload update 페이로드(단일/배열/중첩 배열)를 정규화한 뒤 반영
func (s *Service) ApplyPayload(ctx context.Context, roomID string, payload json.RawMessage) (UpdateResult, error) {
	records, dropped := board.NormalizeRecords(payload, s.opts.Limits)
	if dropped > 0 {
		s.log.WithFields(logrus.Fields{"room_id": roomID, "dropped": dropped}).Debug("dropped invalid records")
	}
	return s.ApplyUpdates(ctx, roomID, records)
}

// ApplyUpdates 인라인 에셋을 업로드하고 전체 배치를 한 트랜잭션으로 upsert한다.
// 에셋 업로드 실패는 해당 레코드만 원본 그대로 저장한다.
func (s *Service) ApplyUpdates(ctx context.Context, roomID string, records []board.Record) (UpdateResult, error) {
	if len(records) == 0 {
		return UpdateResult{}, nil
	}

	resolved := s.resolveAssets(ctx, roomID, records)

	rows := make([]model.BoardRecord, 0, len(resolved))
	for _, r := range resolved {
		rows = append(rows, model.BoardRecord{
			RoomID:   roomID,
			RecordID: r.ID,
			Content:  datatypes.JSON(r.Raw()),
		})
	}

	start := time.Now()
	uctx, cancel := s.withTimeout(ctx)
	err := s.records.UpsertBatch(uctx, roomID, rows)
	cancel()
	s.opts.Metrics.Persist("upsert", time.Since(start).Seconds(), err)
	if err != nil {
		return UpdateResult{}, err
	}

	return UpdateResult{Updated: len(records)}, nil
}

// resolveAssets data URI를 가진 에셋을 병렬로 업로드한다 (레코드별 격리).
func (s *Service) resolveAssets(ctx context.Context, roomID string, records []board.Record) []board.Record {
	out := make([]board.Record, len(records))
	copy(out, records)

	sem := make(chan struct{}, s.opts.UploadConcurrency)
	var wg sync.WaitGroup

	for i, rec := range records {
		payload, err := assets.Extract(rec)
		if errors.Is(err, assets.ErrNotInline) {
			continue
		}
		if err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{"room_id": roomID, "record_id": rec.ID}).
				Warn("failed to decode inline asset, keeping record as is")
			continue
		}

		wg.Add(1)
		sem <- struct{}{}
		go func(i int, rec board.Record, payload *assets.Payload) {
			defer wg.Done()
			defer func() { <-sem }()

			if r, ok := s.uploadAsset(ctx, roomID, rec, payload); ok {
				out[i] = r
			}
		}(i, rec, payload)
	}

	wg.Wait()
	return out
}

func (s *Service) uploadAsset(ctx context.Context, roomID string, rec board.Record, payload *assets.Payload) (board.Record, bool) {
	entry := s.log.WithFields(logrus.Fields{"room_id": roomID, "record_id": rec.ID, "kind": payload.Kind})

	uctx, cancel := s.withTimeout(ctx)
	uploaded, err := s.blobs.Upload(uctx, payload.Blob())
	cancel()
	s.opts.Metrics.AssetUpload(string(payload.Kind), err)
	if err != nil {
		entry.WithError(err).Error("asset upload failed, keeping inline payload")
		return rec, false
	}

	resolved, err := rec.WithResolvedAsset(uploaded.URL, uploaded.Address, payload.MimeType, string(payload.Kind))
	if err != nil {
		entry.WithError(err).Error("failed to rewrite asset record")
		return rec, false
	}

	entry.WithField("public_id", uploaded.Address).Info("asset uploaded")
	return resolved, true
}

// DeleteRecords 레코드 삭제. 도형이 참조하는 에셋도 함께 지우고 Blob은 best-effort로 삭제한다.
// 같은 room에 남는 다른 도형이 여전히 참조하는 에셋은 연쇄 삭제하지 않는다.
func (s *Service) DeleteRecords(ctx context.Context, roomID string, ids []string) (DeleteResult, error) {
	if len(ids) == 0 {
		return DeleteResult{}, nil
	}

	fctx, cancel := s.withTimeout(ctx)
	rows, err := s.records.FindByIDs(fctx, roomID, ids)
	cancel()
	if err != nil {
		return DeleteResult{}, err
	}

	deleteSet := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		deleteSet[id] = struct{}{}
	}

	targets := s.parseRows(roomID, rows)

	var cascade []string
	for _, rec := range targets {
		shape, ok := rec.Shape()
		if !ok {
			continue
		}
		for _, assetID := range shape.AssetIDs {
			if _, dup := deleteSet[assetID]; dup {
				continue
			}
			deleteSet[assetID] = struct{}{}
			cascade = append(cascade, assetID)
		}
	}

	if len(cascade) > 0 {
		cascade, err = s.dropStillReferenced(ctx, roomID, cascade, deleteSet)
		if err != nil {
			return DeleteResult{}, err
		}
		fctx, cancel := s.withTimeout(ctx)
		cascaded, err := s.records.FindByIDs(fctx, roomID, cascade)
		cancel()
		if err != nil {
			return DeleteResult{}, err
		}
		targets = append(targets, s.parseRows(roomID, cascaded)...)
	}

	final := make([]string, 0, len(ids)+len(cascade))
	final = append(final, ids...)
	final = append(final, cascade...)

	files := s.deleteBlobs(ctx, roomID, targets)

	start := time.Now()
	dctx, cancel := s.withTimeout(ctx)
	deleted, err := s.records.DeleteBatch(dctx, roomID, final)
	cancel()
	s.opts.Metrics.Persist("delete", time.Since(start).Seconds(), err)
	if err != nil {
		return DeleteResult{DeletedFiles: files}, err
	}

	return DeleteResult{Deleted: deleted, DeletedFiles: files}, nil
}

// dropStillReferenced 삭제되지 않는 도형이 참조 중인 에셋은 연쇄 삭제 대상에서 뺀다.
func (s *Service) dropStillReferenced(ctx context.Context, roomID string, cascade []string, deleteSet map[string]struct{}) ([]string, error) {
	fctx, cancel := s.withTimeout(ctx)
	all, err := s.records.FindByRoom(fctx, roomID)
	cancel()
	if err != nil {
		return nil, err
	}

	referenced := make(map[string]struct{})
	for _, rec := range s.parseRows(roomID, all) {
		if _, gone := deleteSet[rec.ID]; gone {
			continue
		}
		if shape, ok := rec.Shape(); ok {
			for _, a := range shape.AssetIDs {
				referenced[a] = struct{}{}
			}
		}
	}

	kept := cascade[:0]
	for _, id := range cascade {
		if _, inUse := referenced[id]; inUse {
			delete(deleteSet, id)
			continue
		}
		kept = append(kept, id)
	}
	return kept, nil
}

// DeleteRoom room 전체 삭제 (Blob 포함)
func (s *Service) DeleteRoom(ctx context.Context, roomID string) (DeleteResult, error) {
	fctx, cancel := s.withTimeout(ctx)
	rows, err := s.records.FindByRoom(fctx, roomID)
	cancel()
	if err != nil {
		return DeleteResult{}, err
	}

	files := s.deleteBlobs(ctx, roomID, s.parseRows(roomID, rows))

	start := time.Now()
	dctx, cancel := s.withTimeout(ctx)
	deleted, err := s.records.DeleteByRoom(dctx, roomID)
	cancel()
	s.opts.Metrics.Persist("delete_room", time.Since(start).Seconds(), err)
	if err != nil {
		return DeleteResult{DeletedFiles: files}, err
	}

	s.log.WithFields(logrus.Fields{"room_id": roomID, "records": deleted, "files": files}).Info("room deleted")
	return DeleteResult{Deleted: deleted, DeletedFiles: files}, nil
}

// PruneOrphans 어떤 도형도 참조하지 않는 에셋 레코드와 Blob을 정리한다.
func (s *Service) PruneOrphans(ctx context.Context, roomID string) (DeleteResult, error) {
	fctx, cancel := s.withTimeout(ctx)
	rows, err := s.records.FindByRoom(fctx, roomID)
	cancel()
	if err != nil {
		return DeleteResult{}, err
	}

	records := s.parseRows(roomID, rows)
	referenced := make(map[string]struct{})
	for _, rec := range records {
		if shape, ok := rec.Shape(); ok {
			for _, a := range shape.AssetIDs {
				referenced[a] = struct{}{}
			}
		}
	}

	var orphans []board.Record
	var ids []string
	for _, rec := range records {
		if _, ok := rec.Asset(); !ok {
			continue
		}
		if _, used := referenced[rec.ID]; used {
			continue
		}
		orphans = append(orphans, rec)
		ids = append(ids, rec.ID)
	}
	if len(ids) == 0 {
		return DeleteResult{}, nil
	}

	files := s.deleteBlobs(ctx, roomID, orphans)

	dctx, cancel := s.withTimeout(ctx)
	deleted, err := s.records.DeleteBatch(dctx, roomID, ids)
	cancel()
	if err != nil {
		return DeleteResult{DeletedFiles: files}, err
	}

	s.log.WithFields(logrus.Fields{"room_id": roomID, "orphans": deleted}).Info("pruned orphan assets")
	return DeleteResult{Deleted: deleted, DeletedFiles: files}, nil
}

// Rooms 레코드가 있는 room 목록
func (s *Service) Rooms(ctx context.Context) ([]string, error) {
	fctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.records.Rooms(fctx)
}

// UploadFile 별도 업로드 엔드포인트용 (src, publicId 반환)
func (s *Service) UploadFile(ctx context.Context, name, mimeType string, data []byte) (storage.Uploaded, error) {
	if mimeType == "" {
		mimeType = assets.SniffMIME(data)
	}
	kind := storage.KindFromMIME(mimeType)

	uctx, cancel := s.withTimeout(ctx)
	defer cancel()
	uploaded, err := s.blobs.Upload(uctx, storage.Blob{Name: name, MimeType: mimeType, Kind: kind, Data: data})
	s.opts.Metrics.AssetUpload(string(kind), err)
	if err != nil {
		return storage.Uploaded{}, fmt.Errorf("upload %s: %w", name, err)
	}
	return uploaded, nil
}

// deleteBlobs 에셋 레코드의 publicId를 Blob Store에서 지운다. 실패는 로그만 남긴다.
func (s *Service) deleteBlobs(ctx context.Context, roomID string, records []board.Record) int {
	deleted := 0
	seen := make(map[string]struct{})
	for _, rec := range records {
		asset, ok := rec.Asset()
		if !ok || asset.PublicID == "" {
			continue
		}
		if _, dup := seen[asset.PublicID]; dup {
			continue
		}
		seen[asset.PublicID] = struct{}{}

		kind := storage.KindOf(asset.MetaKind, asset.PublicID, asset.MetaMimeType)
		dctx, cancel := s.withTimeout(ctx)
		err := s.blobs.Delete(dctx, asset.PublicID, kind)
		cancel()
		s.opts.Metrics.BlobDelete(err)
		if err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{
				"room_id":   roomID,
				"record_id": rec.ID,
				"public_id": asset.PublicID,
			}).Warn("blob delete failed, removing record anyway")
			continue
		}
		deleted++
	}
	return deleted
}

func (s *Service) parseRows(roomID string, rows []model.BoardRecord) []board.Record {
	out := make([]board.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := board.ParseRecord(json.RawMessage(row.Content), s.opts.Limits)
		if err != nil {
			s.log.WithError(err).WithFields(logrus.Fields{"room_id": roomID, "record_id": row.RecordID}).
				Debug("stored record is not introspectable")
			continue
		}
		out = append(out, rec)
	}
	return out
}
