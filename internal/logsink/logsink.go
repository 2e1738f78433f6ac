// Package logsink is the Log Sink (spec.md §4.3): it opens the per-job
// append-only log file under a deterministic path and writes UTF-8 text
// chunks, flushing after each write.
//
// Grounded on the original Python agent's _prepare_log_file/streaming loop
// and styled after buildkite-agent's small, single-purpose streamer types
// (e.g. LogStreamer).
package logsink

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
)

// Path returns the deterministic log file path for job jobID under
// sharedDir, per spec.md §6.2: jobs/<job_id>/logs/<job_id>.log.
func Path(sharedDir, jobID string) string {
	return filepath.Join(sharedDir, "jobs", jobID, "logs", jobID+".log")
}

// Sink is a Log Sink for a single job. The invariant from spec.md §3 — "the
// per-job log file exists before the first log chunk is written" — is
// established by Open.
type Sink struct {
	path string
	file *os.File
}

// Open creates the jobs/<job_id>/logs/ directory (including parents) and
// opens the job's log file in append mode.
func Open(sharedDir, jobID string) (*Sink, error) {
	path := Path(sharedDir, jobID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}

	return &Sink{path: path, file: f}, nil
}

// Path returns the path this sink writes to.
func (s *Sink) Path() string {
	return s.path
}

// Write decodes chunk as UTF-8, replacing invalid sequences, writes it, and
// flushes immediately.
func (s *Sink) Write(chunk []byte) error {
	clean := toValidUTF8(chunk)
	if _, err := s.file.Write(clean); err != nil {
		return err
	}
	return s.file.Sync()
}

// Close closes the underlying file.
func (s *Sink) Close() error {
	return s.file.Close()
}

// StreamFrom copies every chunk read from r into the sink until EOF,
// matching the invariant that the sink contains every byte yielded by the
// container log stream.
func (s *Sink) StreamFrom(r io.Reader) error {
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if werr := s.Write(buf[:n]); werr != nil {
				return werr
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// toValidUTF8 mirrors Python's str.decode("utf-8", errors="replace"):
// invalid byte sequences become the Unicode replacement character.
func toValidUTF8(b []byte) []byte {
	return bytes.ToValidUTF8(b, []byte("�"))
}
