package shared

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

type StringWriteCloser interface {
	io.Closer
	io.StringWriter
}

type WriteCloser struct {
	w io.WriteCloser
}

func NewWriteCloser(w io.WriteCloser) StringWriteCloser {
	if w == nil {
		return nil
	}
	return &WriteCloser{w: w}
}

func (wc *WriteCloser) WriteString(s string) (n int, err error) {
	return wc.w.Write([]byte(s))
}

func (wc *WriteCloser) Close() error {
	return wc.w.Close()
}

// Transcript mirrors relayed conversation turns to one or more sinks
// (stdout, a transcript file). Lines are timestamped in UTC.
type Transcript struct {
	mu    sync.Mutex
	clock func() time.Time
	hooks []StringWriteCloser
}

func NewTranscript(hooks ...StringWriteCloser) (*Transcript, error) {
	if len(hooks) == 0 {
		return nil, errors.New("no hook provided")
	}
	for _, hook := range hooks {
		if hook == nil {
			return nil, errors.New("a nil pointed hook is given")
		}
	}
	return &Transcript{
		clock: time.Now,
		hooks: hooks,
	}, nil
}

// SetClock overrides the timestamp source. Meant for tests.
func (t *Transcript) SetClock(clock func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clock = clock
}

// Line writes a single timestamped conversation line, e.g.
// "12:04:05 gemini: hello there".
func (t *Transcript) Line(role, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	line := fmt.Sprintf("%s %s: %s\n", t.clock().UTC().Format("15:04:05"), role, text)
	return t.write(line)
}

// Banner writes an untimestamped line, used for startup and shutdown notes.
func (t *Transcript) Banner(s string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.write(s + "\n")
}

func (t *Transcript) write(s string) error {
	for _, hook := range t.hooks {
		if _, err := hook.WriteString(s); err != nil {
			return fmt.Errorf("on writing to hook: %w", err)
		}
	}
	return nil
}

func (t *Transcript) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, hook := range t.hooks {
		if err := hook.Close(); err != nil {
			return fmt.Errorf("on closing hook: %w", err)
		}
	}
	return nil
}
