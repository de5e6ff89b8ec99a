package log

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
)

// JSONLZstdWriter appends JSON lines to zstd files rotated every UTC hour.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	// onSeal receives the path of every file closed by rotation or Close.
	onSeal func(path string)

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	sealed, err := w.closeLocked()
	w.curHour = ""
	w.mu.Unlock()
	w.seal(sealed)
	return err
}

func (w *JSONLZstdWriter) seal(path string) {
	if path != "" && w.onSeal != nil {
		w.onSeal(path)
	}
}

func (w *JSONLZstdWriter) Write(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}

	sealed, err := w.writeLine(b)
	w.seal(sealed)
	return err
}

func (w *JSONLZstdWriter) writeLine(b []byte) (sealed string, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if sealed, err = w.rotateLocked(hour); err != nil {
			return sealed, err
		}
	}
	if _, err := w.w.Write(b); err != nil {
		return sealed, err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return sealed, err
	}
	return sealed, w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) (sealed string, err error) {
	if sealed, err = w.closeLocked(); err != nil {
		return sealed, err
	}
	path := w.pathForHour(hour)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return sealed, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return sealed, err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return sealed, err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return sealed, nil
}

// closeLocked finishes the current file and returns its path, or "" when no
// file was open.
func (w *JSONLZstdWriter) closeLocked() (string, error) {
	if w.f == nil {
		return "", nil
	}
	var err error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err = w.enc.Close()
		w.enc = nil
	}
	_ = w.f.Close()
	w.f = nil
	w.w = nil
	return w.pathForHour(w.curHour), err
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}
