// internal/collector/handler.go
package collector

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"sp-emitter/internal/model"
	"sp-emitter/internal/pool"
	"sp-emitter/internal/transport"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

// envelope schema 는 버전과 무관하게 이 prefix 만 검사한다.
const schemaPrefix = "iglu:com.snowplowanalytics.snowplow/payload_data/"

const DefaultMaxBodySize = 1 << 20

type Options struct {
	MaxBodySize int64         // POST body / GET query 최대 크기
	Delay       time.Duration // 응답 전 인위적 지연 (동시성 관찰용)
	Record      bool          // 요청 원본 보관 여부

	// Status 는 seq 번째(1부터) 요청에 돌려줄 status code.
	// nil 이면 항상 200.
	Status func(seq int64) int

	Logger  zerolog.Logger
	Metrics *Metrics
}

// RecordedRequest 는 Record 옵션이 켜졌을 때 보관하는 요청 원본.
type RecordedRequest struct {
	Method string
	Path   string
	Query  string
	Header http.Header
	Body   []byte
}

// Handler
// ------------------------------------------------------------
// tracker collector endpoint 의 참조 구현.
//   - GET  /i                                 : query string = 이벤트 1개
//   - POST /com.snowplowanalytics.snowplow/tp2 : payload_data envelope
//   - OPTIONS                                 : CORS preflight → 204
//
// 응답 status 가 200 일 때만 이벤트를 sink 에 기록한다.
type Handler struct {
	opts Options
	sink Sink
	log  zerolog.Logger

	seq         atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64

	mu       sync.Mutex
	requests []RecordedRequest
}

func NewHandler(sink Sink, opts Options) *Handler {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = DefaultMaxBodySize
	}
	if sink == nil {
		sink = NewMemorySink()
	}
	return &Handler{
		opts: opts,
		sink: sink,
		log:  opts.Logger.With().Str("component", "collector").Logger(),
	}
}

// Routes 는 collector 경로가 등록된 mux 를 반환한다.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc(transport.GetPath, h.HandleGet)
	mux.HandleFunc(transport.PostPath, h.HandlePost)
	return mux
}

// HandleGet 은 query string 을 이벤트 1개로 받는다.
func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, http.MethodGet) {
		return
	}

	if int64(len(r.URL.RawQuery)) > h.opts.MaxBodySize {
		h.reply(w, r, http.StatusRequestEntityTooLarge, nil)
		return
	}

	q := r.URL.Query()
	if len(q) == 0 {
		h.reply(w, r, http.StatusBadRequest, nil)
		return
	}

	ev := make(model.Event, len(q))
	for k := range q {
		ev[k] = q.Get(k)
	}
	h.record(r, nil)
	h.respond(w, r, []model.Event{ev})
}

// HandlePost 는 payload_data envelope 을 받는다.
func (h *Handler) HandlePost(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r, http.MethodPost) {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxBodySize)
	defer r.Body.Close()

	buf := pool.BodyPool.Get().(*bytes.Buffer)
	buf.Reset()
	defer pool.PutBody(buf, h.opts.MaxBodySize*2)

	if _, err := io.Copy(buf, r.Body); err != nil {
		h.reply(w, r, http.StatusRequestEntityTooLarge, nil)
		return
	}

	var env model.Envelope
	dec := json.NewDecoder(bytes.NewReader(buf.Bytes()))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		h.log.Debug().Err(err).Msg("invalid envelope")
		h.reply(w, r, http.StatusBadRequest, nil)
		return
	}
	if !strings.HasPrefix(env.Schema, schemaPrefix) || len(env.Data) == 0 {
		h.reply(w, r, http.StatusBadRequest, nil)
		return
	}

	h.record(r, pool.CopyBytes(buf))
	h.respond(w, r, env.Data)
}

func (h *Handler) allow(w http.ResponseWriter, r *http.Request, method string) bool {
	switch r.Method {
	case method:
		return true
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
	return false
}

// respond 는 지연 / in-flight 계측 / status 결정 / sink 기록을 처리한다.
func (h *Handler) respond(w http.ResponseWriter, r *http.Request, events []model.Event) {
	n := h.inFlight.Add(1)
	defer h.inFlight.Add(-1)
	for {
		cur := h.maxInFlight.Load()
		if n <= cur || h.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}

	seq := h.seq.Add(1)
	if h.opts.Delay > 0 {
		time.Sleep(h.opts.Delay)
	}

	status := http.StatusOK
	if h.opts.Status != nil {
		status = h.opts.Status(seq)
	}

	if status == http.StatusOK {
		if err := h.sink.Write(events); err != nil {
			h.log.Error().Err(err).Msg("sink write failed")
			status = http.StatusInternalServerError
		}
	}
	h.reply(w, r, status, events)
}

func (h *Handler) reply(w http.ResponseWriter, r *http.Request, status int, events []model.Event) {
	if m := h.opts.Metrics; m != nil {
		m.Requests.WithLabelValues(r.Method, strconv.Itoa(status)).Inc()
		if status == http.StatusOK {
			m.Events.Add(float64(len(events)))
		}
	}
	w.WriteHeader(status)
}

func (h *Handler) record(r *http.Request, body []byte) {
	if !h.opts.Record {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.RawQuery,
		Header: r.Header.Clone(),
		Body:   body,
	})
}

// Requests 는 Record 옵션으로 보관된 요청 목록.
func (h *Handler) Requests() []RecordedRequest {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]RecordedRequest, len(h.requests))
	copy(out, h.requests)
	return out
}

// Count 는 status 를 결정한 요청 수 (잘못된 요청 제외).
func (h *Handler) Count() int64 { return h.seq.Load() }

// MaxInFlight 는 관측된 최대 동시 처리 요청 수.
func (h *Handler) MaxInFlight() int64 { return h.maxInFlight.Load() }
