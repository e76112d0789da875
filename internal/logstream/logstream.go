// Package logstream drains container and subprocess output into
// durable log files while mirroring every line to the process logger.
package logstream

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/pkg/stdcopy"
)

// Stream tees one byte stream into a log file, line by line. The file
// is flushed after every line so a crash loses no more than the
// in-flight write. Stream is an io.Writer so it can sit directly
// behind stdcopy.
type Stream struct {
	name string
	file *os.File
	w    *bufio.Writer
	buf  bytes.Buffer
	log  *log.Logger
}

// New opens (appending, creating directories as needed) the
// destination file for a named stream.
func New(name, path string) (*Stream, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("could not create log directory for %s: %w", path, err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("could not open log file %s: %w", path, err)
	}
	return &Stream{
		name: name,
		file: file,
		w:    bufio.NewWriter(file),
		log:  log.Default().WithPrefix(name),
	}, nil
}

// Write splits incoming bytes into lines and emits every complete one.
func (s *Stream) Write(p []byte) (int, error) {
	s.buf.Write(p)
	for {
		line, err := s.buf.ReadString('\n')
		if err != nil {
			// Incomplete line; keep it buffered for the next Write.
			s.buf.WriteString(line)
			break
		}
		if werr := s.emit(line[:len(line)-1]); werr != nil {
			return len(p), werr
		}
	}
	return len(p), nil
}

func (s *Stream) emit(line string) error {
	s.log.Debug(line)
	if _, err := s.w.WriteString(line); err != nil {
		return err
	}
	if err := s.w.WriteByte('\n'); err != nil {
		return err
	}
	return s.w.Flush()
}

// Close flushes any trailing partial line and closes the file.
func (s *Stream) Close() error {
	if s.buf.Len() > 0 {
		if err := s.emit(s.buf.String()); err != nil {
			s.file.Close()
			return err
		}
		s.buf.Reset()
	}
	s.w.Flush()
	return s.file.Close()
}

// Follow drains r to the stream until EOF. A read error is recorded as
// an "ERROR:" marker line in the file and returned; it is never
// escalated as a panic.
func (s *Stream) Follow(r io.Reader) error {
	defer s.Close()
	if _, err := io.Copy(s, r); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

// FollowDocker drains a multiplexed Docker log stream (stdout and
// stderr frames interleaved) to the stream until EOF.
func (s *Stream) FollowDocker(r io.Reader) error {
	defer s.Close()
	if _, err := stdcopy.StdCopy(s, s, r); err != nil {
		s.fail(err)
		return err
	}
	return nil
}

func (s *Stream) fail(err error) {
	s.log.Error("log stream failed", "error", err)
	s.w.WriteString(fmt.Sprintf("ERROR: %s\n", err))
	s.w.Flush()
}

// Go runs follow in its own goroutine so that a slow or blocked stream
// never stalls the caller, reporting the outcome on the returned
// channel. Callers of detached runs may ignore the channel entirely.
func Go(follow func() error) <-chan error {
	done := make(chan error, 1)
	go func() {
		done <- follow()
	}()
	return done
}
