package mcp

import (
	"bytes"
	"log/slog"
	"sync"
)

// maxStderrLine caps how much of a single stderr line is logged.
const maxStderrLine = 4096

// stderrLogger forwards a child process's stderr to the router log, one
// line per record. Partial lines are buffered until their newline arrives;
// oversized lines are truncated rather than split.
type stderrLogger struct {
	logger *slog.Logger

	mu  sync.Mutex
	buf bytes.Buffer
}

func newStderrLogger(logger *slog.Logger) *stderrLogger {
	return &stderrLogger{logger: logger}
}

// Write implements io.Writer for exec.Cmd.Stderr.
func (w *stderrLogger) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	for {
		line, err := w.buf.ReadBytes('\n')
		if err != nil {
			// No complete line yet. Flush anyway if the fragment alone
			// exceeds the cap so an unterminated spew cannot grow unbounded.
			if len(line) >= maxStderrLine {
				w.emit(line)
			} else {
				w.buf.Write(line)
			}
			break
		}
		w.emit(bytes.TrimRight(line, "\r\n"))
	}
	return len(p), nil
}

// Flush logs any trailing partial line. Called after the child exits.
func (w *stderrLogger) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.emit(w.buf.Bytes())
		w.buf.Reset()
	}
}

func (w *stderrLogger) emit(line []byte) {
	if len(line) == 0 {
		return
	}
	if len(line) > maxStderrLine {
		line = line[:maxStderrLine]
	}
	w.logger.Warn("upstream stderr", "line", string(line))
}
