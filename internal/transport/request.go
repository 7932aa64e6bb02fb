// internal/transport/request.go
package transport

import (
	"bytes"
	"time"

	"sp-emitter/internal/model"
	"sp-emitter/internal/pool"

	json "github.com/goccy/go-json"
)

// Request 는 collector 로 나가는 논리 요청 1건.
//   - POST: 배치 전체 → envelope 1개
//   - GET : 이벤트 1개 → query string 1개
//
// 요청은 이벤트 원본만 들고 있고, 직렬화는 매 시도마다 다시 한다.
// (재시도마다 sent-at 을 새로 찍어야 하기 때문)
type Request struct {
	Type   RequestType
	Events model.Batch
}

// Split 은 배치를 요청 타입에 맞게 요청 목록으로 나눈다.
func Split(typ RequestType, batch model.Batch) []Request {
	if len(batch) == 0 {
		return nil
	}
	if typ == Get {
		reqs := make([]Request, len(batch))
		for i, ev := range batch {
			reqs[i] = Request{Type: Get, Events: model.Batch{ev}}
		}
		return reqs
	}
	return []Request{{Type: Post, Events: batch}}
}

// Body 는 now 로 sent-at 을 찍은 POST envelope JSON 을 만든다.
func (r Request) Body(now time.Time) ([]byte, error) {
	return EncodeEnvelope(r.Events.Stamped(now))
}

// Query 는 now 로 sent-at 을 찍은 GET query string 을 만든다.
func (r Request) Query(now time.Time) string {
	if len(r.Events) == 0 {
		return ""
	}
	return r.Events[0].Stamped(now).Query()
}

// Encode 는 요청 타입에 맞는 payload 를 만든다. debug 이력의 data 값으로도 쓰인다.
//   - POST: envelope JSON
//   - GET : query string
func (r Request) Encode(now time.Time) (string, error) {
	if r.Type == Get {
		return r.Query(now), nil
	}
	b, err := r.Body(now)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// EncodeEnvelope 는 {"schema":..., "data":[...]} JSON 을 만든다.
// 결과 slice 는 호출자 소유이다.
func EncodeEnvelope(b model.Batch) ([]byte, error) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	if err := json.NewEncoder(buf).Encode(model.NewEnvelope(b)); err != nil {
		return nil, err
	}
	// Encoder 가 붙이는 개행 제거
	out := pool.CopyBytes(buf)
	return bytes.TrimRight(out, "\n"), nil
}
