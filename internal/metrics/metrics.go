package metrics

import (
	"fmt"
	"strings"
	"sync/atomic"
)

// Metrics 는 emitter / spool worker 의 상태 카운터 모음이다.
// 모든 필드는 atomic 으로만 접근한다.
type Metrics struct {
	// ======================
	// Emitter 지표
	// ======================

	// EventsSubmittedTotal
	// - Submit 으로 버퍼에 들어온 이벤트 수.
	EventsSubmittedTotal int64

	// EventsDroppedTotal
	// - Pipeline 큐가 가득 차서 Offer 단계에서 버려진 이벤트 수.
	// - 0 이 아니면 호스트가 emitter 처리 속도보다 빠르게 이벤트를 만들고 있다는 뜻.
	EventsDroppedTotal int64

	// FlushesTotal
	// - transport 로 넘겨진 flush 횟수 (빈 버퍼 no-op 제외).
	FlushesTotal int64

	// BatchesSentTotal / BatchesFailedTotal
	// - flush 결과 기준 성공/최종 실패 배치 수.
	// - 배치 단위이며 이벤트 수가 아니다.
	BatchesSentTotal   int64
	BatchesFailedTotal int64

	// EventsSentTotal
	// - 성공한 배치에 포함된 이벤트 수.
	EventsSentTotal int64

	// ======================
	// Transport 지표
	// ======================

	// RequestsTotal
	// - collector 로 나간 요청 "시도" 횟수. 재시도도 각각 센다.
	RequestsTotal int64

	// RequestErrorsTotal
	// - 200 이 아닌 응답 또는 응답 없음으로 끝난 시도 수.
	RequestErrorsTotal int64

	// RetriesTotal
	// - backoff 후 재전송한 횟수.
	RetriesTotal int64

	// ======================
	// Spool 지표
	// ======================

	// SpoolFilesHandedOffTotal
	// - producer 가 worker 디렉토리로 넘긴 spool 파일 수.
	SpoolFilesHandedOffTotal int64

	// SpoolFilesConsumedTotal
	// - worker 가 claim 후 전송까지 마친 파일 수 (성공/실패 무관).
	SpoolFilesConsumedTotal int64

	// SpoolFilesQuarantinedTotal
	// - 전송 실패로 failed-logs 로 복사된 파일 수.
	SpoolFilesQuarantinedTotal int64

	// ======================
	// Quarantine 지표
	// ======================

	// QuarantineFilesCurrent / QuarantineSizeBytes
	// - 현재 failed-logs 디렉토리의 파일 수 / 총 용량 (gauge).
	QuarantineFilesCurrent int64
	QuarantineSizeBytes    int64

	// QuarantineFilesExpiredTotal
	// - TTL 또는 용량 제한으로 삭제된 quarantine 파일 수.
	QuarantineFilesExpiredTotal int64

	// QuarantineFilesArchivedTotal
	// - archive(S3/MinIO) 업로드에 성공해서 로컬에서 지운 파일 수.
	QuarantineFilesArchivedTotal int64
}

func New() *Metrics {
	return &Metrics{}
}

// Add 는 field 에 n 을 더한다.
// 컴포넌트는 metrics 를 주입받지 못하면 New() 로 자체 인스턴스를 만든다.
func (m *Metrics) Add(field *int64, n int64) {
	if m == nil || field == nil {
		return
	}
	atomic.AddInt64(field, n)
}

// Set 은 gauge 필드를 v 로 맞춘다.
func (m *Metrics) Set(field *int64, v int64) {
	if m == nil || field == nil {
		return
	}
	atomic.StoreInt64(field, v)
}

// counters 는 이름 ↔ 필드 매핑. String 과 Prometheus collector 가 공유한다.
func (m *Metrics) counters() []namedValue {
	return []namedValue{
		{"events_submitted_total", "events accepted into the emitter buffer", counter, atomic.LoadInt64(&m.EventsSubmittedTotal)},
		{"events_dropped_total", "events dropped because the pipeline queue was full", counter, atomic.LoadInt64(&m.EventsDroppedTotal)},
		{"flushes_total", "buffer flushes handed to the transport", counter, atomic.LoadInt64(&m.FlushesTotal)},
		{"batches_sent_total", "batches delivered successfully", counter, atomic.LoadInt64(&m.BatchesSentTotal)},
		{"batches_failed_total", "batches that ended in terminal failure", counter, atomic.LoadInt64(&m.BatchesFailedTotal)},
		{"events_sent_total", "events inside successfully delivered batches", counter, atomic.LoadInt64(&m.EventsSentTotal)},
		{"requests_total", "collector request attempts", counter, atomic.LoadInt64(&m.RequestsTotal)},
		{"request_errors_total", "collector request attempts without a 200 response", counter, atomic.LoadInt64(&m.RequestErrorsTotal)},
		{"retries_total", "request resends after backoff", counter, atomic.LoadInt64(&m.RetriesTotal)},
		{"spool_files_handed_off_total", "spool files handed to worker directories", counter, atomic.LoadInt64(&m.SpoolFilesHandedOffTotal)},
		{"spool_files_consumed_total", "spool files claimed and processed by a worker", counter, atomic.LoadInt64(&m.SpoolFilesConsumedTotal)},
		{"spool_files_quarantined_total", "spool files copied to failed-logs", counter, atomic.LoadInt64(&m.SpoolFilesQuarantinedTotal)},
		{"quarantine_files_current", "files currently in failed-logs", gauge, atomic.LoadInt64(&m.QuarantineFilesCurrent)},
		{"quarantine_size_bytes", "bytes currently in failed-logs", gauge, atomic.LoadInt64(&m.QuarantineSizeBytes)},
		{"quarantine_files_expired_total", "quarantine files removed by ttl or capacity", counter, atomic.LoadInt64(&m.QuarantineFilesExpiredTotal)},
		{"quarantine_files_archived_total", "quarantine files uploaded to the archive", counter, atomic.LoadInt64(&m.QuarantineFilesArchivedTotal)},
	}
}

type kind int

const (
	counter kind = iota
	gauge
)

type namedValue struct {
	name  string
	help  string
	kind  kind
	value int64
}

func (m *Metrics) String() string {
	var sb strings.Builder
	sb.Grow(512)

	for _, c := range m.counters() {
		fmt.Fprintf(&sb, "%s=%d\n", c.name, c.value)
	}
	return sb.String()
}
