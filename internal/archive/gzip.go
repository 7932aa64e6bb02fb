// internal/archive/gzip.go
package archive

import (
	"sp-emitter/internal/pool"

	"github.com/klauspost/compress/gzip"
)

// Compress 는 data 를 gzip(BestSpeed)으로 압축한다.
// writer 와 버퍼는 pool 에서 가져오고, 결과는 호출자 소유의 새 slice 이다.
func Compress(data []byte) ([]byte, error) {
	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	gz := pool.GzipPool.Get().(*gzip.Writer)
	defer pool.GzipPool.Put(gz)
	gz.Reset(buf)

	if _, err := gz.Write(data); err != nil {
		_ = gz.Close()
		return nil, err
	}
	// footer 까지 써야 완전한 스트림이 된다
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return pool.CopyBytes(buf), nil
}
