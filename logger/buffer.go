package logger

import (
	"fmt"
	"strings"
	"sync"
)

// Buffer is a Logger implementation used by this repo's own test suite
// (internal/jobrunner, internal/agentloop, internal/monitor, ...) in place
// of a real ConsoleLogger; messages are stored internally so a test can
// assert on exactly what the Job Runner or Agent Loop logged for a given
// job/worker. Unlike the teacher's buffer, WithFields is not a no-op: it
// renders worker_id/job_id fields the same way NewAgentPrinter does, so a
// test can assert a message was correctly scoped to a job
// (logger.JobIDField) without needing a real TextPrinter.
type Buffer struct {
	mu       sync.Mutex
	fields   Fields
	Messages []string
}

// NewBuffer creates a new Buffer with Messages slice initialized.
// This makes it simpler to assert empty []string when no log messages
// have been sent; otherwise Messages would be nil.
func NewBuffer() *Buffer {
	return &Buffer{
		Messages: make([]string, 0),
	}
}

func (b *Buffer) record(level, format string, v ...any) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.Messages = append(b.Messages, "["+level+"] "+b.prefix()+fmt.Sprintf(format, v...))
}

// prefix renders any worker_id/job_id fields attached via WithFields,
// mirroring NewAgentPrinter's "[worker_id job_id]" bracket prefix.
func (b *Buffer) prefix() string {
	var parts []string
	for _, f := range b.fields {
		if f.Key() == WorkerIDFieldKey || f.Key() == JobIDFieldKey {
			parts = append(parts, f.String())
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return "[" + strings.Join(parts, " ") + "] "
}

func (b *Buffer) Debug(format string, v ...any)  { b.record("debug", format, v...) }
func (b *Buffer) Error(format string, v ...any)  { b.record("error", format, v...) }
func (b *Buffer) Fatal(format string, v ...any)  { b.record("fatal", format, v...) }
func (b *Buffer) Notice(format string, v ...any) { b.record("notice", format, v...) }
func (b *Buffer) Warn(format string, v ...any)   { b.record("warn", format, v...) }
func (b *Buffer) Info(format string, v ...any)   { b.record("info", format, v...) }

// WithFields returns an independent Buffer scoped to fields, mirroring
// ConsoleLogger's "clone, don't mutate" semantics. Its Messages start
// empty; a test that needs the combined log should assert against each
// scope's Buffer (e.g. the one returned by a fakeRunner's injected logger)
// rather than the root.
func (b *Buffer) WithFields(fields ...Field) Logger {
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := NewBuffer()
	clone.fields = append(append(Fields{}, b.fields...), fields...)
	return clone
}

func (b *Buffer) SetLevel(level Level) {}
func (b *Buffer) Level() Level {
	return 0
}
