package grabhttp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rcrowley/go-metrics"
	"github.com/rs/zerolog/log"
	"github.com/tanq16/grabber/internal/utils"
	"golang.org/x/time/rate"
)

type State int

const (
	StateIdle State = iota
	StateDownloading
	StateAborting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDownloading:
		return "downloading"
	case StateAborting:
		return "aborting"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Progress is reported after every chunk written to the sink. TotalBytes is
// -1 (or 0) when the server did not advertise a length, in which case Percent
// is left at zero. Speed is the average rate since Start.
type Progress struct {
	TransferID string
	BytesRead  int64
	TotalBytes int64
	Percent    float64
	Speed      float64
}

func (p Progress) PercentKnown() bool {
	return p.TotalBytes > 0
}

type Option func(*Session)

// WithProgressFunc registers the per-chunk callback. It runs on the transfer
// goroutine and must not call Stop or Wait on the same session.
func WithProgressFunc(fn func(Progress)) Option {
	return func(s *Session) { s.onProgress = fn }
}

// WithFinishFunc registers the completion callback, invoked once per transfer
// with nil or the failure. Like the progress callback it must not call Stop
// or Wait on the same session.
func WithFinishFunc(fn func(error)) Option {
	return func(s *Session) { s.onFinish = fn }
}

func WithClock(c Clock) Option {
	return func(s *Session) { s.clock = c }
}

// WithInactivityTimeout aborts a transfer when no body data arrives for d.
func WithInactivityTimeout(d time.Duration) Option {
	return func(s *Session) { s.inactivity = d }
}

// WithRateLimit caps sink writes at bytesPerSec. Zero means unlimited.
func WithRateLimit(bytesPerSec int64) Option {
	return func(s *Session) { s.rateLimit = bytesPerSec }
}

func WithBufferSize(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.bufferSize = n
		}
	}
}

func WithRegistry(r metrics.Registry) Option {
	return func(s *Session) { s.registry = r }
}

// Session downloads one URL at a time into a Sink. It is reusable across
// sequential transfers and safe for concurrent use.
type Session struct {
	client     utils.HTTPDoer
	clock      Clock
	onProgress func(Progress)
	onFinish   func(error)
	inactivity time.Duration
	rateLimit  int64
	bufferSize int
	registry   metrics.Registry
	metrics    *sessionMetrics

	mu         sync.Mutex
	state      State
	transferID string
	rawURL     string
	wd         *watchdog
	done       chan struct{}
	sink       Sink
	startTime  time.Time
	bytesRead  int64
	totalBytes int64
	lastErr    error
}

func NewSession(client utils.HTTPDoer, opts ...Option) *Session {
	s := &Session{
		client:     client,
		clock:      systemClock{},
		bufferSize: utils.DefaultBufferSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.registry == nil {
		s.registry = metrics.NewRegistry()
	}
	s.metrics = newSessionMetrics(s.registry)
	return s
}

// Start begins downloading rawURL into sink and returns once the request is
// handed to the transfer goroutine.
func (s *Session) Start(rawURL string, sink Sink) error {
	return s.start(rawURL, func() (Sink, error) {
		if sink == nil {
			return nil, fmt.Errorf("%w: nil sink", ErrSinkUnavailable)
		}
		return sink, nil
	})
}

// StartFile downloads rawURL into path, creating or truncating it.
func (s *Session) StartFile(rawURL, path string) error {
	return s.start(rawURL, func() (Sink, error) {
		return NewFileSink(path)
	})
}

// StartFunc streams the body of rawURL to fn.
func (s *Session) StartFunc(rawURL string, fn func([]byte)) error {
	return s.Start(rawURL, FuncSink(fn))
}

func (s *Session) start(rawURL string, openSink func() (Sink, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return ErrAlreadyDownloading
	}
	u, err := parseURL(rawURL)
	if err != nil {
		return err
	}
	sink, err := openSink()
	if err != nil {
		if !errors.Is(err, ErrSinkUnavailable) {
			err = fmt.Errorf("%w: %v", ErrSinkUnavailable, err)
		}
		return err
	}
	ctx, wd := newWatchdog(context.Background(), s.inactivity)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		wd.release()
		_ = CloseSink(sink, err)
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}

	done := make(chan struct{})
	s.state = StateDownloading
	s.transferID = uuid.NewString()
	s.rawURL = u.String()
	s.wd = wd
	s.done = done
	s.sink = sink
	s.startTime = s.clock.Now()
	s.bytesRead = 0
	s.totalBytes = -1
	s.lastErr = nil
	s.metrics.started.Inc(1)
	log.Debug().Str("op", "http/session").Str("transfer", s.transferID).Msgf("Starting download of %s", s.rawURL)

	go s.run(ctx, req, wd, done)
	return nil
}

// Stop aborts the current transfer and blocks until its completion has been
// delivered. It returns immediately when nothing is in flight.
func (s *Session) Stop() {
	s.mu.Lock()
	done := s.done
	if done == nil {
		s.mu.Unlock()
		return
	}
	if s.state == StateDownloading {
		s.state = StateAborting
		s.wd.abort(ErrAborted)
		log.Debug().Str("op", "http/session").Str("transfer", s.transferID).Msg("Abort requested")
	}
	s.mu.Unlock()
	<-done
}

// Wait blocks until the current transfer completes and returns its result.
// With nothing in flight it returns the result of the last transfer.
func (s *Session) Wait() error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

func (s *Session) IsDownloading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state != StateIdle
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) run(ctx context.Context, req *http.Request, wd *watchdog, done chan struct{}) {
	err := s.transfer(ctx, req, wd)
	s.finish(err, done)
}

func (s *Session) transfer(ctx context.Context, req *http.Request, wd *watchdog) error {
	resp, err := s.client.Do(req)
	if err != nil {
		return s.transportError(ctx, req, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(http.MethodGet, req.URL.String(), resp.StatusCode)
	}
	wd.kick()

	s.mu.Lock()
	s.totalBytes = resp.ContentLength
	s.mu.Unlock()

	var limiter *rate.Limiter
	if s.rateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(s.rateLimit), max(int(s.rateLimit), s.bufferSize))
	}
	buffer := make([]byte, s.bufferSize)
	for {
		bytesRead, readErr := resp.Body.Read(buffer)
		if bytesRead > 0 {
			wd.kick()
			if limiter != nil {
				if err := limiter.WaitN(ctx, bytesRead); err != nil {
					return s.transportError(ctx, req, err)
				}
			}
			if ctx.Err() != nil {
				return s.transportError(ctx, req, ctx.Err())
			}
			p, err := s.deliver(buffer[:bytesRead])
			if err != nil {
				return &TransportError{Op: http.MethodGet, URL: req.URL.String(), Err: fmt.Errorf("error writing to sink: %w", err)}
			}
			if s.onProgress != nil {
				s.onProgress(p)
			}
		}
		if readErr != nil {
			if readErr == io.EOF {
				return nil
			}
			return s.transportError(ctx, req, readErr)
		}
	}
}

// deliver writes one chunk and snapshots progress. The sink belongs to the
// transfer goroutine until finish, so only the counters need the lock.
func (s *Session) deliver(chunk []byte) (Progress, error) {
	if _, err := s.sink.Write(chunk); err != nil {
		return Progress{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bytesRead += int64(len(chunk))
	s.metrics.bytes.Mark(int64(len(chunk)))
	p := Progress{
		TransferID: s.transferID,
		BytesRead:  s.bytesRead,
		TotalBytes: s.totalBytes,
	}
	if p.TotalBytes > 0 {
		p.Percent = float64(p.BytesRead) / float64(p.TotalBytes) * 100
	}
	if elapsed := s.clock.Now().Sub(s.startTime).Seconds(); elapsed > 0 {
		p.Speed = float64(p.BytesRead) / elapsed
	}
	return p, nil
}

func (s *Session) finish(err error, done chan struct{}) {
	if closeErr := CloseSink(s.sink, err); closeErr != nil && err == nil {
		err = &TransportError{Op: http.MethodGet, URL: s.rawURL, Err: closeErr}
	}
	s.mu.Lock()
	s.wd.release()
	elapsed := s.clock.Now().Sub(s.startTime)
	id := s.transferID
	read := s.bytesRead
	s.sink = nil
	s.wd = nil
	s.state = StateIdle
	s.lastErr = err
	s.mu.Unlock()

	s.metrics.record(err, elapsed)
	switch {
	case err == nil:
		log.Info().Str("op", "http/session").Str("transfer", id).Msgf("Download complete, %s in %s", utils.FormatBytes(read), elapsed.Round(time.Millisecond))
	case IsAborted(err):
		log.Info().Str("op", "http/session").Str("transfer", id).Msg("Download aborted")
	default:
		log.Error().Str("op", "http/session").Str("transfer", id).Err(err).Msg("Download failed")
	}
	if s.onFinish != nil {
		s.onFinish(err)
	}

	s.mu.Lock()
	if s.done == done {
		s.done = nil
	}
	s.mu.Unlock()
	close(done)
}

// transportError replaces context errors with the reason the transfer's
// context was canceled.
func (s *Session) transportError(ctx context.Context, req *http.Request, err error) error {
	if cause := context.Cause(ctx); cause != nil {
		switch {
		case errors.Is(cause, ErrAborted):
			err = ErrAborted
		case errors.Is(cause, os.ErrDeadlineExceeded):
			err = fmt.Errorf("no data received for %s: %w", s.inactivity, cause)
		}
	}
	return &TransportError{Op: req.Method, URL: req.URL.String(), Err: err}
}

func parseURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("%w: missing host", ErrInvalidURL)
	}
	return u, nil
}
