package gateway

import (
	"context"
	"sync"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/sirupsen/logrus"

	"boardsync/internal/board"
	"boardsync/internal/boardsync"
	"boardsync/internal/metrics"
)

// Persister 브로드캐스트와 분리된 비동기 저장 경로
type Persister interface {
	Update(roomID string, records []board.Record)
	Delete(roomID string, ids []string)
	// Drop room의 대기 중인 저장을 버리고 진행 중인 쓰기가 끝날 때까지 기다린다 (보드 삭제 시)
	Drop(ctx context.Context, roomID string) error
	// Close 남은 작업을 모두 저장하고 종료 (ctx가 끝나면 중단)
	Close(ctx context.Context) error
}

// writer 저장 작업을 실제로 수행하는 쪽 (Syncer의 부분집합)
type writer interface {
	ApplyUpdates(ctx context.Context, roomID string, records []board.Record) (boardsync.UpdateResult, error)
	DeleteRecords(ctx context.Context, roomID string, ids []string) (boardsync.DeleteResult, error)
}

// roomFence room별 진행 중인 쓰기 수. Drop이 특정 room의 쓰기만 기다릴 수 있게 한다.
type roomFence struct {
	mu      sync.Mutex
	active  map[string]int
	waiters map[string][]chan struct{}
}

func (f *roomFence) enter(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.active == nil {
		f.active = make(map[string]int)
	}
	f.active[roomID]++
}

func (f *roomFence) exit(roomID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.active[roomID]--
	if f.active[roomID] > 0 {
		return
	}
	delete(f.active, roomID)
	for _, ch := range f.waiters[roomID] {
		close(ch)
	}
	delete(f.waiters, roomID)
}

func (f *roomFence) wait(ctx context.Context, roomID string) error {
	f.mu.Lock()
	if f.active[roomID] == 0 {
		f.mu.Unlock()
		return nil
	}
	if f.waiters == nil {
		f.waiters = make(map[string][]chan struct{})
	}
	ch := make(chan struct{})
	f.waiters[roomID] = append(f.waiters[roomID], ch)
	f.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type persistBase struct {
	w       writer
	log     *logrus.Entry
	metrics *metrics.Metrics
	timeout time.Duration

	wg    sync.WaitGroup
	fence roomFence

	// gate Close 이후의 Update/Delete를 막는다. begin은 읽기 잠금 안에서만 호출된다.
	gate   sync.RWMutex
	closed bool
}

// accept Close가 시작되지 않았으면 읽기 잠금을 잡은 채 true를 반환한다. 호출자는 release로 푼다.
func (p *persistBase) accept(roomID, event string) bool {
	p.gate.RLock()
	if !p.closed {
		return true
	}
	p.gate.RUnlock()
	p.log.WithFields(logrus.Fields{"room_id": roomID, "event": event}).Warn("persister closed, dropping write")
	p.metrics.Dropped(event, "shutting_down")
	return false
}

func (p *persistBase) release() {
	p.gate.RUnlock()
}

func (p *persistBase) shut() {
	p.gate.Lock()
	p.closed = true
	p.gate.Unlock()
}

// begin/end 쓰기 하나의 수명. wg는 Close가, fence는 Drop이 기다린다.
func (p *persistBase) begin(roomID string) {
	p.wg.Add(1)
	p.fence.enter(roomID)
}

func (p *persistBase) end(roomID string) {
	p.fence.exit(roomID)
	p.wg.Done()
}

func (p *persistBase) ctx() (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return context.Background(), func() {}
	}
	return context.WithTimeout(context.Background(), p.timeout)
}

func (p *persistBase) writeUpdates(roomID string, records []board.Record) {
	ctx, cancel := p.ctx()
	defer cancel()

	res, err := p.w.ApplyUpdates(ctx, roomID, records)
	if err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{"room_id": roomID, "records": len(records)}).
			Error("failed to persist board update")
		return
	}
	p.log.WithFields(logrus.Fields{"room_id": roomID, "records": res.Updated}).Debug("board update persisted")
}

func (p *persistBase) writeDelete(roomID string, ids []string) {
	ctx, cancel := p.ctx()
	defer cancel()

	res, err := p.w.DeleteRecords(ctx, roomID, ids)
	if err != nil {
		p.log.WithError(err).WithFields(logrus.Fields{"room_id": roomID, "ids": ids}).
			Error("failed to delete board records")
		return
	}
	p.log.WithFields(logrus.Fields{"room_id": roomID, "deleted": res.Deleted}).Debug("board records deleted")
}

func (p *persistBase) wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// =============================================================================
// immediatePersister - 메시지마다 즉시 저장 (fire-and-forget)
// =============================================================================

type immediatePersister struct {
	persistBase
}

func newImmediatePersister(w writer, log *logrus.Entry, m *metrics.Metrics, timeout time.Duration) *immediatePersister {
	return &immediatePersister{persistBase{w: w, log: log, metrics: m, timeout: timeout}}
}

func (p *immediatePersister) Update(roomID string, records []board.Record) {
	if !p.accept(roomID, EventUpdate) {
		return
	}
	p.begin(roomID)
	p.release()

	go func() {
		defer p.end(roomID)
		p.writeUpdates(roomID, records)
	}()
}

func (p *immediatePersister) Delete(roomID string, ids []string) {
	if !p.accept(roomID, EventDelete) {
		return
	}
	p.begin(roomID)
	p.release()

	go func() {
		defer p.end(roomID)
		p.writeDelete(roomID, ids)
	}()
}

// Drop 즉시 모드에는 대기열이 없으므로 진행 중인 쓰기만 기다린다.
func (p *immediatePersister) Drop(ctx context.Context, roomID string) error {
	return p.fence.wait(ctx, roomID)
}

func (p *immediatePersister) Close(ctx context.Context) error {
	p.shut()
	return p.wait(ctx)
}

// =============================================================================
// debouncePersister - room별 마지막 상태를 모아 조용해진 뒤 한 번 저장
// =============================================================================

// pendingRoom 저장 대기 중인 room 상태. pending 맵의 Compute 안에서만 수정된다.
type pendingRoom struct {
	records map[string]board.Record
	order   []string
	timer   *time.Timer
	gen     uint64
}

func (p *pendingRoom) batch() []board.Record {
	out := make([]board.Record, 0, len(p.records))
	seen := make(map[string]struct{}, len(p.records))
	for _, id := range p.order {
		if _, dup := seen[id]; dup {
			continue
		}
		if r, ok := p.records[id]; ok {
			seen[id] = struct{}{}
			out = append(out, r)
		}
	}
	return out
}

type debouncePersister struct {
	persistBase
	window  time.Duration
	pending *xsync.MapOf[string, *pendingRoom]
}

func newDebouncePersister(w writer, log *logrus.Entry, m *metrics.Metrics, timeout, window time.Duration) *debouncePersister {
	return &debouncePersister{
		persistBase: persistBase{w: w, log: log, metrics: m, timeout: timeout},
		window:      window,
		pending:     xsync.NewMapOf[string, *pendingRoom](),
	}
}

// Update 대기 중인 타이머를 취소하고 새로 건다 (room당 타이머 최대 1개).
func (d *debouncePersister) Update(roomID string, records []board.Record) {
	if !d.accept(roomID, EventUpdate) {
		return
	}
	defer d.release()

	d.pending.Compute(roomID, func(p *pendingRoom, loaded bool) (*pendingRoom, bool) {
		if !loaded {
			p = &pendingRoom{records: make(map[string]board.Record)}
		} else if p.timer != nil {
			p.timer.Stop()
		}

		for _, r := range records {
			if _, exists := p.records[r.ID]; !exists {
				p.order = append(p.order, r.ID)
			}
			p.records[r.ID] = r
		}

		p.gen++
		gen := p.gen
		p.timer = time.AfterFunc(d.window, func() { d.flush(roomID, gen) })
		return p, false
	})
}

// Delete 대기 중인 같은 id의 upsert를 버린 뒤 즉시 삭제한다.
func (d *debouncePersister) Delete(roomID string, ids []string) {
	if !d.accept(roomID, EventDelete) {
		return
	}
	d.pending.Compute(roomID, func(p *pendingRoom, loaded bool) (*pendingRoom, bool) {
		if !loaded {
			return nil, true
		}
		for _, id := range ids {
			delete(p.records, id)
		}
		if len(p.records) == 0 {
			if p.timer != nil {
				p.timer.Stop()
			}
			return nil, true
		}
		return p, false
	})
	d.begin(roomID)
	d.release()

	go func() {
		defer d.end(roomID)
		d.writeDelete(roomID, ids)
	}()
}

// flush 타이머 만료 시 호출. 세대가 바뀌었으면(재스케줄됨) 아무것도 하지 않는다.
// 쓰기 등록은 엔트리를 지우는 Compute 안에서 하므로 Drop과 Close가 이 쓰기를 놓치지 않는다.
func (d *debouncePersister) flush(roomID string, gen uint64) {
	var batch []board.Record
	d.pending.Compute(roomID, func(p *pendingRoom, loaded bool) (*pendingRoom, bool) {
		if !loaded {
			return nil, true
		}
		if p.gen != gen {
			return p, false
		}
		batch = p.batch()
		if len(batch) > 0 {
			d.begin(roomID)
		}
		return nil, true
	})
	if len(batch) == 0 {
		return
	}

	defer d.end(roomID)
	d.metrics.DebounceFlush()
	d.writeUpdates(roomID, batch)
}

// pendingRooms 저장 대기 중인 room 수
func (d *debouncePersister) pendingRooms() int {
	return d.pending.Size()
}

// Drop 타이머를 멈추고 대기 중인 레코드를 버린다. 이미 시작된 flush나 삭제는 끝날 때까지 기다린다.
func (d *debouncePersister) Drop(ctx context.Context, roomID string) error {
	discarded := 0
	d.pending.Compute(roomID, func(p *pendingRoom, loaded bool) (*pendingRoom, bool) {
		if !loaded {
			return nil, true
		}
		if p.timer != nil {
			p.timer.Stop()
		}
		discarded = len(p.records)
		return nil, true
	})
	if discarded > 0 {
		d.log.WithFields(logrus.Fields{"room_id": roomID, "records": discarded}).Info("pending board writes discarded")
	}
	return d.fence.wait(ctx, roomID)
}

// Close 모든 타이머를 멈추고 대기 중인 room을 바로 저장한다. 이후의 Update/Delete는 버려진다.
func (d *debouncePersister) Close(ctx context.Context) error {
	d.shut()

	var rooms []string
	d.pending.Range(func(roomID string, _ *pendingRoom) bool {
		rooms = append(rooms, roomID)
		return true
	})

	for _, roomID := range rooms {
		var batch []board.Record
		d.pending.Compute(roomID, func(p *pendingRoom, loaded bool) (*pendingRoom, bool) {
			if !loaded {
				return nil, true
			}
			if p.timer != nil {
				p.timer.Stop()
			}
			batch = p.batch()
			if len(batch) > 0 {
				d.begin(roomID)
			}
			return nil, true
		})
		if len(batch) > 0 {
			d.metrics.DebounceFlush()
			d.writeUpdates(roomID, batch)
			d.end(roomID)
		}
	}

	return d.wait(ctx)
}
