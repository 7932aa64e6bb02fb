// internal/spool/encoder.go
package spool

import (
	"bufio"
	"bytes"
	"fmt"
	"io"

	"sp-emitter/internal/model"
	"sp-emitter/internal/pool"

	json "github.com/goccy/go-json"
)

// 한 줄(이벤트 1개)의 최대 크기
const maxLineBytes = 1 << 20

// EncodeJSONL 은 배치를 한 줄에 이벤트 하나씩 직렬화한다.
// 결과는 호출자 소유의 새 slice 이다.
func EncodeJSONL(b model.Batch) ([]byte, error) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	enc := json.NewEncoder(buf)
	for _, ev := range b {
		if err := enc.Encode(ev); err != nil {
			return nil, err
		}
	}
	return pool.CopyBytes(buf), nil
}

// DecodeJSONL 은 spool 파일을 이벤트 목록으로 읽는다.
//   - 빈 줄은 건너뛴다
//   - 숫자는 json.Number 로 유지한다 (정수 정밀도 보존)
//   - 깨진 줄이 있으면 줄 번호와 함께 오류를 반환한다
func DecodeJSONL(r io.Reader) (model.Batch, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var out model.Batch
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}

		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()

		var ev model.Event
		if err := dec.Decode(&ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// Chunk 는 이벤트를 size 개씩 나눈다. 마지막 묶음은 더 작을 수 있다.
func Chunk(events model.Batch, size int) []model.Batch {
	if size < 1 {
		size = 1
	}
	out := make([]model.Batch, 0, (len(events)+size-1)/size)
	for start := 0; start < len(events); start += size {
		end := min(start+size, len(events))
		out = append(out, events[start:end])
	}
	return out
}
