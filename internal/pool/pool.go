package pool

import (
	"bytes"
	"sync"

	"github.com/klauspost/compress/gzip"
)

// ---------------------------------------------------------------
// Pool 구성 목적
//
// emitter 는 flush 마다 envelope JSON, GET query, spool JSONL 을
// 새로 직렬화한다. flush 빈도가 높은 호스트에서 매번 버퍼를 할당하면
// GC 부담이 커지므로 직렬화용 버퍼와 gzip writer 를 재사용한다.
// ---------------------------------------------------------------

var (
	// BodyPool:
	//   - collector 가 POST body 를 읽을 때 쓰는 임시 버퍼 (초기 4KB)
	BodyPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 4*1024))
		},
	}

	// BufferPool:
	//   - envelope / JSONL / gzip 결과를 담는 임시 버퍼 (초기 64KB)
	BufferPool = sync.Pool{
		New: func() any {
			return bytes.NewBuffer(make([]byte, 0, 64*1024))
		},
	}

	// GzipPool:
	//   - quarantine 파일 archive 시 사용 (BestSpeed)
	GzipPool = sync.Pool{
		New: func() any {
			w, _ := gzip.NewWriterLevel(nil, gzip.BestSpeed)
			return w
		},
	}
)

// 이보다 큰 버퍼는 풀에 돌려주지 않고 GC 에 맡긴다.
const MaxBufferCap = 1 * 1024 * 1024 // 1MB

// GetBuffer 는 비워진 버퍼를 꺼낸다.
func GetBuffer() *bytes.Buffer {
	buf := BufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer:
//   - 1MB 이하이면 재사용, 초과하면 버린다.
func PutBuffer(buf *bytes.Buffer) {
	if buf.Cap() <= MaxBufferCap {
		buf.Reset()
		BufferPool.Put(buf)
	}
}

// PutBody:
//   - maxCap 보다 큰 body 버퍼는 보유하지 않는다.
func PutBody(buf *bytes.Buffer, maxCap int64) {
	if int64(buf.Cap()) <= maxCap {
		buf.Reset()
		BodyPool.Put(buf)
	}
}

// CopyBytes 는 풀 버퍼 내용을 호출자 소유의 새 slice 로 복사한다.
// 풀 버퍼를 그대로 넘기면 재사용 시 데이터가 오염된다.
func CopyBytes(buf *bytes.Buffer) []byte {
	raw := buf.Bytes()
	out := make([]byte, len(raw))
	copy(out, raw)
	return out
}
