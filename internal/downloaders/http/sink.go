package grabhttp

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Sink receives the body of a transfer. The session closes it exactly once
// when the transfer ends.
type Sink interface {
	io.WriteCloser
}

// abortableSink is implemented by sinks that must discard their output when
// the transfer fails, such as an in-flight upload.
type abortableSink interface {
	CloseWithError(err error) error
}

// CloseSink closes sink, passing cause to sinks that can discard their
// output.
func CloseSink(sink Sink, cause error) error {
	if cause != nil {
		if as, ok := sink.(abortableSink); ok {
			return as.CloseWithError(cause)
		}
	}
	return sink.Close()
}

// FuncSink hands every chunk to fn. The slice passed to fn is owned by fn.
type FuncSink func(data []byte)

func (f FuncSink) Write(p []byte) (int, error) {
	if f != nil {
		f(bytes.Clone(p))
	}
	return len(p), nil
}

func (f FuncSink) Close() error { return nil }

type fileSink struct {
	file *os.File
	w    *bufio.Writer
}

// NewFileSink creates or truncates path. Failures wrap ErrSinkUnavailable.
func NewFileSink(path string) (Sink, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("%w: error creating directory: %v", ErrSinkUnavailable, err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("%w: error creating output file: %v", ErrSinkUnavailable, err)
	}
	return &fileSink{file: f, w: bufio.NewWriterSize(f, 64*1024)}, nil
}

func (s *fileSink) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func (s *fileSink) Close() error {
	flushErr := s.w.Flush()
	syncErr := s.file.Sync()
	closeErr := s.file.Close()
	if flushErr != nil {
		return fmt.Errorf("error flushing output file: %v", flushErr)
	}
	if syncErr != nil {
		return fmt.Errorf("error syncing output file: %v", syncErr)
	}
	if closeErr != nil {
		return fmt.Errorf("error closing output file: %v", closeErr)
	}
	return nil
}
