// internal/transport/socket.go
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"sp-emitter/internal/model"
	"sp-emitter/internal/pool"
)

// Dialer 는 socket 연결 함수 (테스트에서 교체 가능).
type Dialer func(ctx context.Context, network, addr string) (net.Conn, error)

// Socket
// ------------------------------------------------------------
// HTTP client 없이 요청 문자열을 직접 만들어 TCP/TLS stream 에 쓰는 transport.
//
// 재시도 계층 2개:
//  1. write 실패 → socket 을 닫고 1회 재연결 후 재전송 (transport 레벨)
//  2. 응답 status → retry.State 기반 재전송 (policy 레벨)
//
// 연결을 한 번이라도 열지 못하면 인스턴스는 영구 실패 상태가 된다.
// 이후 Send 는 네트워크 시도 없이 ErrSocketUnavailable 로 끝난다.
type Socket struct {
	opts Options
	host string // Host 헤더 값
	addr string // dial 주소 host:port
	dial Dialer

	mu     sync.Mutex
	conn   net.Conn
	failed bool

	history history
}

// NewSocket
//   - host 에 port 가 없으면 TLS 443 / 평문 80
//   - dial 이 nil 이면 opts.Timeout 을 connect timeout 으로 쓰는 기본 dialer
func NewSocket(host string, useTLS bool, opts Options, dial Dialer) *Socket {
	opts = opts.withDefaults("socket")

	hostname := host
	addr := host
	if h, _, err := net.SplitHostPort(host); err == nil {
		hostname = h
	} else if useTLS {
		addr = net.JoinHostPort(host, "443")
	} else {
		addr = net.JoinHostPort(host, "80")
	}

	if dial == nil {
		nd := &net.Dialer{Timeout: opts.Timeout}
		if useTLS {
			td := &tls.Dialer{NetDialer: nd, Config: &tls.Config{ServerName: hostname}}
			dial = td.DialContext
		} else {
			dial = nd.DialContext
		}
	}

	return &Socket{
		opts:    opts,
		host:    host,
		addr:    addr,
		dial:    dial,
		history: history{enabled: opts.Debug},
	}
}

func (s *Socket) Type() RequestType { return s.opts.Type }

// Failed 는 영구 실패 상태 여부.
func (s *Socket) Failed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failed
}

func (s *Socket) Send(ctx context.Context, batch model.Batch, _ bool) Result {
	reqs := Split(s.opts.Type, batch)
	if len(reqs) == 0 {
		return Result{Status: StatusNoop, Err: ErrNoEvents}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]Result, 0, len(reqs))
	for _, r := range reqs {
		if s.failed {
			results = append(results, Result{Status: StatusFailed, Requests: 1, Events: len(r.Events), Err: ErrSocketUnavailable})
			continue
		}
		res := deliver(ctx, s.opts, r.Type, func(ctx context.Context) (int, []byte, error) {
			return s.roundTrip(ctx, r)
		})
		res.Events = len(r.Events)
		results = append(results, res)
	}
	return Combine(results)
}

// roundTrip 은 요청 1회: 열기 → 쓰기(실패 시 재연결 1회) → 응답 status 읽기 → 닫기.
// GET 모드에서 이벤트마다 socket 을 다시 여는 것도 여기서 보장된다.
func (s *Socket) roundTrip(ctx context.Context, r Request) (int, []byte, error) {
	raw, payload, err := s.buildRequest(r)
	if err != nil {
		return 0, nil, err
	}

	if err := s.open(ctx); err != nil {
		s.history.record(0, payload)
		return 0, nil, err
	}
	defer s.closeConn()

	if werr := s.write(raw); werr != nil {
		s.opts.Logger.Debug().Err(werr).Msg("socket write failed, reconnecting")
		s.closeConn()

		if err := s.open(ctx); err != nil {
			s.history.record(0, payload)
			return 0, nil, fmt.Errorf("socket reconnect failed: %w", errors.Join(werr, err))
		}
		if err := s.write(raw); err != nil {
			s.history.record(0, payload)
			return 0, nil, fmt.Errorf("socket cannot be written after reconnect: %w", errors.Join(werr, err))
		}
	}

	code, body, err := s.readResponse()
	s.history.record(code, payload)
	return code, body, err
}

func (s *Socket) open(ctx context.Context) error {
	if s.conn != nil {
		return nil
	}
	conn, err := s.dial(ctx, "tcp", s.addr)
	if err != nil {
		s.failed = true
		s.opts.Logger.Error().Err(err).Str("addr", s.addr).Msg("socket open failed, transport disabled")
		return fmt.Errorf("%w: %s: %v", ErrSocketUnavailable, s.addr, err)
	}
	s.conn = conn
	return nil
}

func (s *Socket) closeConn() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// write 는 전부 쓰거나 stream 이 실패를 보고할 때까지 반복한다.
func (s *Socket) write(raw []byte) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.Timeout))

	for written := 0; written < len(raw); {
		n, err := s.conn.Write(raw[written:])
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		written += n
	}
	return nil
}

// readResponse 는 status line 에서 code 를 꺼내고 나머지는 raw 로 읽는다.
func (s *Socket) readResponse() (int, []byte, error) {
	_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.Timeout))

	br := bufio.NewReader(s.conn)
	line, err := br.ReadString('\n')
	if err != nil {
		return 0, nil, fmt.Errorf("socket read failed: %w", err)
	}

	code, err := parseStatusLine(line)
	if err != nil {
		return 0, nil, err
	}

	// Connection: close 를 보냈으므로 서버가 닫을 때까지 읽는다
	rest, _ := io.ReadAll(io.LimitReader(br, maxResponseBytes))
	return code, rest, nil
}

func parseStatusLine(line string) (int, error) {
	parts := strings.SplitN(strings.TrimSpace(line), " ", 3)
	if len(parts) < 2 || !strings.HasPrefix(parts[0], "HTTP/") {
		return 0, fmt.Errorf("malformed status line %q", strings.TrimSpace(line))
	}
	code, err := strconv.Atoi(parts[1])
	if err != nil {
		return 0, fmt.Errorf("malformed status code %q", parts[1])
	}
	return code, nil
}

// buildRequest 는 raw HTTP/1.1 요청과 debug 용 payload 를 만든다.
func (s *Socket) buildRequest(r Request) ([]byte, string, error) {
	payload, err := r.Encode(s.opts.Now())
	if err != nil {
		return nil, "", err
	}

	buf := pool.GetBuffer()
	defer pool.PutBuffer(buf)

	if r.Type == Get {
		fmt.Fprintf(buf, "GET %s?%s HTTP/1.1\r\n", GetPath, payload)
		fmt.Fprintf(buf, "Host: %s\r\n", s.host)
	} else {
		fmt.Fprintf(buf, "POST %s HTTP/1.1\r\n", PostPath)
		fmt.Fprintf(buf, "Host: %s\r\n", s.host)
		fmt.Fprintf(buf, "Content-Type: %s\r\n", PostContentType)
		fmt.Fprintf(buf, "Content-Length: %d\r\n", len(payload))
		fmt.Fprintf(buf, "Accept: %s\r\n", PostAccept)
	}
	if s.opts.Anonymous {
		fmt.Fprintf(buf, "%s: *\r\n", AnonymousHeader)
	}
	buf.WriteString("Connection: close\r\n\r\n")
	if r.Type != Get {
		buf.WriteString(payload)
	}
	return pool.CopyBytes(buf), payload, nil
}

func (s *Socket) RequestResults() []RequestResult { return s.history.snapshot() }

func (s *Socket) DebugOff(deleteLocal bool) { s.history.disable(deleteLocal) }

func (s *Socket) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeConn()
	return nil
}
