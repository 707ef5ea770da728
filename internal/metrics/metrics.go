package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 보드 동기화 Prometheus 지표. nil이어도 모든 메서드는 안전하다.
type Metrics struct {
	Registry *prometheus.Registry

	connections     prometheus.Gauge
	rooms           prometheus.Gauge
	events          *prometheus.CounterVec
	dropped         *prometheus.CounterVec
	persistOps      *prometheus.CounterVec
	persistDuration *prometheus.HistogramVec
	assetUploads    *prometheus.CounterVec
	blobDeletes     *prometheus.CounterVec
	debounceFlushes prometheus.Counter
	relayMessages   *prometheus.CounterVec
}

// New 전용 레지스트리에 지표 등록
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "boardsync", Name: "connections",
			Help: "Currently joined websocket connections.",
		}),
		rooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "boardsync", Name: "rooms",
			Help: "Rooms with at least one local member.",
		}),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardsync", Name: "events_total",
			Help: "Inbound client events by name.",
		}, []string{"event"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardsync", Name: "dropped_messages_total",
			Help: "Outbound messages dropped because of backpressure or throttling.",
		}, []string{"event", "reason"}),
		persistOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardsync", Name: "persist_operations_total",
			Help: "Persistence operations by kind and result.",
		}, []string{"op", "result"}),
		persistDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "boardsync", Name: "persist_duration_seconds",
			Help:    "Persistence operation latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		assetUploads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardsync", Name: "asset_uploads_total",
			Help: "Inline asset uploads by kind and result.",
		}, []string{"kind", "result"}),
		blobDeletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardsync", Name: "blob_deletes_total",
			Help: "Blob deletions by result.",
		}, []string{"result"}),
		debounceFlushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "boardsync", Name: "debounce_flushes_total",
			Help: "Debounced room writes.",
		}),
		relayMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "boardsync", Name: "relay_messages_total",
			Help: "Cross-instance relay messages by direction.",
		}, []string{"direction"}),
	}

	reg.MustRegister(
		m.connections, m.rooms, m.events, m.dropped, m.persistOps, m.persistDuration,
		m.assetUploads, m.blobDeletes, m.debounceFlushes, m.relayMessages,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

func result(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) ConnOpened() {
	if m != nil {
		m.connections.Inc()
	}
}

func (m *Metrics) ConnClosed() {
	if m != nil {
		m.connections.Dec()
	}
}

func (m *Metrics) SetRooms(n int) {
	if m != nil {
		m.rooms.Set(float64(n))
	}
}

func (m *Metrics) Event(name string) {
	if m != nil {
		m.events.WithLabelValues(name).Inc()
	}
}

func (m *Metrics) Dropped(event, reason string) {
	if m != nil {
		m.dropped.WithLabelValues(event, reason).Inc()
	}
}

// Persist 저장 작업 결과와 소요 시간 기록
func (m *Metrics) Persist(op string, seconds float64, err error) {
	if m != nil {
		m.persistOps.WithLabelValues(op, result(err)).Inc()
		m.persistDuration.WithLabelValues(op).Observe(seconds)
	}
}

func (m *Metrics) AssetUpload(kind string, err error) {
	if m != nil {
		m.assetUploads.WithLabelValues(kind, result(err)).Inc()
	}
}

func (m *Metrics) BlobDelete(err error) {
	if m != nil {
		m.blobDeletes.WithLabelValues(result(err)).Inc()
	}
}

func (m *Metrics) DebounceFlush() {
	if m != nil {
		m.debounceFlushes.Inc()
	}
}

func (m *Metrics) Relay(direction string) {
	if m != nil {
		m.relayMessages.WithLabelValues(direction).Inc()
	}
}
