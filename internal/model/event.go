// internal/model/event.go
package model

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Event
// ------------------------------------------------------------
// tracker/payload 계층이 완성해서 넘겨주는 단일 이벤트.
// key → scalar(string / int / bool) 의 평탄한 map 이다.
//
// emitter 코어는 Event 를 절대 직접 수정하지 않는다.
// 전송 직전에 sent-at(stm) 필드를 넣을 때도 반드시 Stamped() 로
// 복사본을 만들어서 사용한다. (호출자가 들고 있는 원본 보호)
type Event map[string]any

const (
	// CreatedAtKey 는 이벤트 생성 시각(ms) 필드. tracker 가 채운다.
	CreatedAtKey = "dtm"

	// SentAtKey 는 전송 시도 시각(ms) 필드. 매 전송 시도마다 새로 찍힌다.
	SentAtKey = "stm"
)

// PayloadSchema 는 POST envelope 의 schema 값.
const PayloadSchema = "iglu:com.snowplowanalytics.snowplow/payload_data/jsonschema/1-0-4"

// Clone 은 얕은 복사본을 만든다. 값이 모두 scalar 이므로 얕은 복사로 충분하다.
func (e Event) Clone() Event {
	out := make(Event, len(e)+1)
	for k, v := range e {
		out[k] = v
	}
	return out
}

// Stamped 는 sent-at 필드를 now 기준 epoch ms 로 찍은 복사본을 반환한다.
func (e Event) Stamped(now time.Time) Event {
	out := e.Clone()
	out[SentAtKey] = strconv.FormatInt(now.UnixMilli(), 10)
	return out
}

// Query 는 GET 요청용 query string 을 만든다.
// url.Values.Encode 는 key 정렬을 보장하므로 결과가 결정적이다.
func (e Event) Query() string {
	v := make(url.Values, len(e))
	for k, val := range e {
		v.Set(k, scalarString(val))
	}
	return v.Encode()
}

func scalarString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		// tracker 쪽 관례: true → "1", false → "0"
		if x {
			return "1"
		}
		return "0"
	case int:
		return strconv.Itoa(x)
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case fmt.Stringer:
		// spool 파일을 UseNumber 로 읽었을 때의 json.Number 포함
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

// Batch 는 한 번에 전송되는 이벤트 묶음.
// flush 전까지 append-only, flush 후에는 버려진다.
type Batch []Event

// Stamped 는 모든 이벤트에 같은 sent-at 을 찍은 새 Batch 를 반환한다.
func (b Batch) Stamped(now time.Time) Batch {
	out := make(Batch, len(b))
	for i, ev := range b {
		out[i] = ev.Stamped(now)
	}
	return out
}

// Envelope
// ------------------------------------------------------------
// POST(aggregate) 모드의 요청 body.
//
//	{"schema": "<payload_data schema>", "data": [event, ...]}
type Envelope struct {
	Schema string  `json:"schema"`
	Data   []Event `json:"data"`
}

func NewEnvelope(b Batch) Envelope {
	data := make([]Event, len(b))
	copy(data, b)
	return Envelope{Schema: PayloadSchema, Data: data}
}
