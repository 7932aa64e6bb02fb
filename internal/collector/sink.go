// internal/collector/sink.go
package collector

import (
	"bufio"
	"fmt"
	"os"
	"sync"

	"sp-emitter/internal/model"

	json "github.com/goccy/go-json"
)

// Sink 는 collector 가 받은 이벤트의 저장소.
type Sink interface {
	Write(events []model.Event) error
}

// MemorySink 는 테스트용 in-memory 저장소.
type MemorySink struct {
	mu     sync.Mutex
	events []model.Event
}

func NewMemorySink() *MemorySink { return &MemorySink{} }

func (s *MemorySink) Write(events []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, events...)
	return nil
}

// Events 는 수신 순서대로의 복사본.
func (s *MemorySink) Events() []model.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Event, len(s.events))
	copy(out, s.events)
	return out
}

func (s *MemorySink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// JSONLSink
// ------------------------------------------------------------
// 이벤트를 한 줄에 하나씩 append 하는 파일 저장소 (collector 바이너리용).
// 매 Write 마다 flush 하므로 프로세스가 죽어도 마지막 요청까지는 남는다.
type JSONLSink struct {
	mu sync.Mutex
	f  *os.File
	w  *bufio.Writer
}

func NewJSONLSink(path string) (*JSONLSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open sink %s: %w", path, err)
	}
	return &JSONLSink{f: f, w: bufio.NewWriterSize(f, 64*1024)}, nil
}

func (s *JSONLSink) Write(events []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	enc := json.NewEncoder(s.w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return err
		}
	}
	return s.w.Flush()
}

func (s *JSONLSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.w.Flush(); err != nil {
		_ = s.f.Close()
		return err
	}
	return s.f.Close()
}
