// Package logging configures jww output for the service and keeps an
// in-memory tail of recent log lines.
package logging

import (
	"io"
	"log"
	"strings"
	"sync"

	"github.com/aquilax/truncate"
	"github.com/armon/circbuf"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

// DefaultTailBytes is the size of the tail buffer when none is configured.
const DefaultTailBytes = 64 * 1024

var levels = map[string]jww.Threshold{
	"trace":    jww.LevelTrace,
	"debug":    jww.LevelDebug,
	"info":     jww.LevelInfo,
	"warn":     jww.LevelWarn,
	"error":    jww.LevelError,
	"critical": jww.LevelCritical,
	"fatal":    jww.LevelFatal,
}

// ParseLevel maps a level name to its jww threshold.
func ParseLevel(name string) (jww.Threshold, error) {
	t, ok := levels[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return 0, errors.Errorf("log level is not valid: %q", name)
	}
	return t, nil
}

// Init sets the jww thresholds and installs a Tail of tailBytes as a log
// listener.
func Init(level string, tailBytes int) (*Tail, error) {
	threshold, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	if tailBytes <= 0 {
		tailBytes = DefaultTailBytes
	}

	tail, err := NewTail(threshold, tailBytes)
	if err != nil {
		return nil, err
	}

	// Display microseconds if the threshold is set to TRACE or DEBUG
	if threshold <= jww.LevelDebug {
		jww.SetFlags(log.LstdFlags | log.Lmicroseconds)
	}
	jww.SetStdoutThreshold(threshold)
	jww.SetLogThreshold(threshold)
	jww.SetLogListeners(tail.Listen)

	jww.INFO.Printf("Log level set to: %s", threshold)
	return tail, nil
}

// Tail is a bounded, overwrite-oldest copy of the log output.
type Tail struct {
	threshold jww.Threshold
	maxSize   int

	mu sync.Mutex
	cb *circbuf.Buffer
}

// NewTail allocates a Tail holding at most maxSize bytes of lines at or
// above threshold.
func NewTail(threshold jww.Threshold, maxSize int) (*Tail, error) {
	cb, err := circbuf.NewBuffer(int64(maxSize))
	if err != nil {
		return nil, errors.Wrap(err, "could not create new circular buffer")
	}
	return &Tail{threshold: threshold, maxSize: maxSize, cb: cb}, nil
}

// Listen is a jww.LogListener. It returns nil for levels below the tail
// threshold.
func (t *Tail) Listen(level jww.Threshold) io.Writer {
	if level < t.threshold {
		return nil
	}
	return t
}

// Write appends p, dropping the oldest bytes once full.
func (t *Tail) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cb.Write(p)
}

// Bytes returns a copy of the buffered log output.
func (t *Tail) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	b := t.cb.Bytes()
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Size is the number of bytes currently held.
func (t *Tail) Size() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if w := t.cb.TotalWritten(); w < t.cb.Size() {
		return int(w)
	}
	return int(t.cb.Size())
}

// MaxSize is the capacity of the tail.
func (t *Tail) MaxSize() int {
	return t.maxSize
}

// Threshold is the lowest level the tail records.
func (t *Tail) Threshold() jww.Threshold {
	return t.threshold
}

// Preview shortens s to at most n characters for debug lines, keeping both
// ends.
func Preview(s string, n int) string {
	return truncate.Truncate(s, n, "…", truncate.PositionMiddle)
}
