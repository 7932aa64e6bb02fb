// internal/emitter/debuglog.go
package emitter

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// debugLog 는 flush 결과를 남기는 side log 파일.
//
//	<dir>/<kind>-events-log-<id>.log
type debugLog struct {
	path string
	f    *os.File
}

func debugLogName(kind Kind, id string) string {
	return fmt.Sprintf("%s-events-log-%s.log", kind, id)
}

func openDebugLog(dir string, kind Kind, id string) (*debugLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create debug dir %s: %w", dir, err)
	}

	path := filepath.Join(dir, debugLogName(kind, id))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open debug log %s: %w", path, err)
	}

	if _, err := fmt.Fprintf(f, "Event Log File\nEmitter: %s\nID: %s\n\n", kind, id); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write debug log header: %w", err)
	}
	return &debugLog{path: path, f: f}, nil
}

func (d *debugLog) write(o Outcome) error {
	_, err := fmt.Fprintf(d.f, "%s status=%s code=%d events=%d attempts=%d result=%q\n",
		o.At.UTC().Format(time.RFC3339Nano),
		o.Result.Status,
		o.Result.StatusCode,
		o.Events,
		o.Result.Attempts,
		o.Detail(),
	)
	return err
}

func (d *debugLog) close(remove bool) error {
	err := d.f.Close()
	if remove {
		if rerr := os.Remove(d.path); rerr != nil && !os.IsNotExist(rerr) {
			return rerr
		}
	}
	return err
}
